package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/backend"
	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/detector"
	"github.com/fyrsmithlabs/selfheal/internal/generator"
	"github.com/fyrsmithlabs/selfheal/internal/gitops"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/metrics"
	"github.com/fyrsmithlabs/selfheal/internal/orchestrator"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
	"github.com/fyrsmithlabs/selfheal/internal/report"
	"github.com/fyrsmithlabs/selfheal/internal/secrets"
	"github.com/fyrsmithlabs/selfheal/internal/store"
	"github.com/fyrsmithlabs/selfheal/internal/telemetry"
	"github.com/fyrsmithlabs/selfheal/internal/validator"
)

// app holds the components shared by every command. Components that need
// the repository or a backend are built on demand.
type app struct {
	cfg     *config.Config
	root    string
	format  report.Format
	logger  *logging.Logger
	tel     *telemetry.Telemetry
	metrics *metrics.Metrics
	reg     *prometheus.Registry
	store   *store.Store
	scanner *secrets.Scanner
}

// newApp loads configuration and opens the store.
func newApp(ctx context.Context) (*app, error) {
	format, err := report.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if repoPath != "" {
		cfg.Repository.Path = repoPath
	}
	root, err := filepath.Abs(cfg.Repository.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving repository path: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry, telemetry.WithLogger(logger), telemetry.WithVersion(version))
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, storePath(root, cfg.Store.Path), store.WithLogger(logger))
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	allow, err := secrets.LoadAllowlists(root, "")
	if err != nil {
		st.Close()
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	scanner, err := secrets.NewScanner(allow)
	if err != nil {
		st.Close()
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	logger.Debug(ctx, "selfheal initialized",
		zap.String("repository", root),
		zap.String("version", version),
		zap.Bool("telemetry", tel.Enabled()))

	reg := prometheus.NewRegistry()
	return &app{
		cfg:     cfg,
		root:    root,
		format:  format,
		logger:  logger,
		tel:     tel,
		metrics: metrics.New(reg),
		reg:     reg,
		store:   st,
		scanner: scanner,
	}, nil
}

// Close writes the metrics file, releases the store and flushes telemetry.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := errors.Join(a.writeMetrics(), a.store.Close(), a.tel.Shutdown(ctx))
	_ = a.logger.Sync()
	return err
}

// writeMetrics dumps the registry in the Prometheus text format to
// --metrics-file, for the node_exporter textfile collector. It is a no-op
// when the flag is unset.
func (a *app) writeMetrics() error {
	if metricsFile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(metricsFile, a.reg); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}

// storePath resolves a relative store path against the repository root.
func storePath(root, path string) string {
	if path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func (a *app) detector() (*detector.Detector, error) {
	return detector.New(a.cfg.Analysis,
		detector.WithSecrets(a.scanner),
		detector.WithLogger(a.logger))
}

func (a *app) repository() (*gitops.Repo, error) {
	return gitops.Open(a.root, a.cfg.Git, gitops.WithLogger(a.logger))
}

func (a *app) generator() (*generator.Generator, error) {
	b, err := backend.New(a.cfg.Generator, a.logger)
	if err != nil {
		return nil, err
	}
	return generator.New(a.root, b, a.cfg.Generator, a.cfg.Safety,
		generator.WithSecrets(a.scanner),
		generator.WithLogger(a.logger),
		generator.WithMetrics(a.metrics))
}

func (a *app) validator() (*validator.Validator, error) {
	return validator.New(a.root, a.cfg.Validation,
		validator.WithSecrets(a.scanner),
		validator.WithLogger(a.logger),
		validator.WithMetrics(a.metrics),
		validator.WithTracerProvider(a.tel.TracerProvider()))
}

// orchestrator wires the full pipeline. gen may be nil for commands that
// never generate, such as rollback.
func (a *app) orchestrator(gen orchestrator.Generator) (*orchestrator.Orchestrator, error) {
	if gen == nil {
		gen = offlineGenerator{}
	}
	det, err := a.detector()
	if err != nil {
		return nil, err
	}
	val, err := a.validator()
	if err != nil {
		return nil, err
	}
	repo, err := a.repository()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(a.cfg, det, gen, val, repo, a.store,
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithTracerProvider(a.tel.TracerProvider()))
}

// offlineGenerator stands in when no backend is configured for a command
// that does not generate.
type offlineGenerator struct{}

func (offlineGenerator) GenerateCandidates(context.Context, *remediation.Issue, int) ([]*remediation.Patch, error) {
	return nil, fmt.Errorf("%w: no code-generation backend for this command", backend.ErrInvalidConfig)
}
