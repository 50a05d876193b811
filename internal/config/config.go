// Package config provides configuration loading for selfheal.
//
// Configuration is read from a YAML file and overridden by SELFHEAL_*
// environment variables; anything left unset receives a default.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config holds the complete selfheal configuration.
type Config struct {
	Repository RepositoryConfig `koanf:"repository"`
	Analysis   AnalysisConfig   `koanf:"analysis"`
	Generator  GeneratorConfig  `koanf:"generator"`
	Safety     SafetyConfig     `koanf:"safety"`
	Validation ValidationConfig `koanf:"validation"`
	Git        GitConfig        `koanf:"git"`
	Store      StoreConfig      `koanf:"store"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Logging    LoggingConfig    `koanf:"logging"`
	Watch      WatchConfig      `koanf:"watch"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// RepositoryConfig locates the working tree under repair.
type RepositoryConfig struct {
	Path string `koanf:"path"`
}

// AnalysisConfig controls the issue detector.
type AnalysisConfig struct {
	Extensions          []string `koanf:"extensions"`
	ExcludePatterns     []string `koanf:"exclude_patterns"`
	IgnoreFiles         []string `koanf:"ignore_files"`
	Passes              []string `koanf:"passes"`
	MaxFileSize         int64    `koanf:"max_file_size"`
	ComplexityThreshold int      `koanf:"complexity_threshold"`
	ContextLines        int      `koanf:"context_lines"`
	// BuildCommand, when set, is run by "analyze" and its compiler
	// diagnostics become issues.
	BuildCommand string `koanf:"build_command"`
}

// GeneratorConfig controls the code-generation backend and candidate fan-out.
type GeneratorConfig struct {
	Provider     string   `koanf:"provider"` // openai, anthropic, ollama
	Model        string   `koanf:"model"`
	APIKey       Secret   `koanf:"api_key"`
	BaseURL      string   `koanf:"base_url"`
	MaxTokens    int      `koanf:"max_tokens"`
	Temperature  float64  `koanf:"temperature"`
	Candidates   int      `koanf:"candidates"`
	ContextLines int      `koanf:"context_lines"`
	Timeout      Duration `koanf:"timeout"`
	MaxRetries   int      `koanf:"max_retries"`
	// Token bucket: RateRequests requests per RateWindow.
	RateRequests int      `koanf:"rate_requests"`
	RateWindow   Duration `koanf:"rate_window"`
}

// SafetyConfig controls the static safety gate.
type SafetyConfig struct {
	MinScore      float64 `koanf:"min_score"`
	Penalty       float64 `koanf:"penalty"`
	RulesFile     string  `koanf:"rules_file"`
	RequireReview bool    `koanf:"require_review"`
	MaxPatchSize  int     `koanf:"max_patch_size"`
}

// ValidationConfig controls sandboxed validation.
type ValidationConfig struct {
	BuildCommand    string          `koanf:"build_command"`
	TestCommand     string          `koanf:"test_command"`
	SecurityCommand string          `koanf:"security_command"`
	BenchCommand    string          `koanf:"bench_command"`
	ArtifactPath    string          `koanf:"artifact_path"`
	SecretScan      bool            `koanf:"secret_scan"`
	Timeout         Duration        `koanf:"timeout"`
	MaxConcurrent   int             `koanf:"max_concurrent"`
	MaxRetries      int             `koanf:"max_retries"`
	AllowWarnings   bool            `koanf:"allow_warnings"`
	SandboxDir      string          `koanf:"sandbox_dir"`
	Container       ContainerConfig `koanf:"container"`
}

// ContainerConfig enables containerized validation.
type ContainerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Runtime string `koanf:"runtime"`
	Image   string `koanf:"image"`
}

// GitConfig controls commits and branch naming.
type GitConfig struct {
	AuthorName   string   `koanf:"author_name"`
	AuthorEmail  string   `koanf:"author_email"`
	BranchPrefix string   `koanf:"branch_prefix"`
	BackupPrefix string   `koanf:"backup_prefix"`
	LockWait     Duration `koanf:"lock_wait"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path          string `koanf:"path"`
	RetentionDays int    `koanf:"retention_days"`
}

// PipelineConfig controls the orchestrator.
type PipelineConfig struct {
	MaxIssues         int    `koanf:"max_issues"`
	MinSeverity       string `koanf:"min_severity"`
	VerifyAfterApply  bool   `koanf:"verify_after_apply"`
	RollbackOnFailure bool   `koanf:"rollback_on_failure"`
	DryRun            bool   `koanf:"dry_run"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// WatchConfig controls daemon mode.
type WatchConfig struct {
	Debounce Duration `koanf:"debounce"`
}

// TelemetryConfig controls OTLP trace export. When disabled, spans go to the
// global no-op provider.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // grpc, http/protobuf
	Insecure        bool     `koanf:"insecure"`
	ServiceName     string   `koanf:"service_name"`
	SampleRate      float64  `koanf:"sample_rate"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Validate checks the telemetry section. A disabled section is always valid.
func (c TelemetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}
	switch c.Protocol {
	case "grpc", "http/protobuf":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", c.Protocol)
	}
	if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		return errors.New("telemetry.insecure is only allowed for local endpoints (localhost, 127.x, ::1)")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be in [0,1], got %v", c.SampleRate)
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i > 0 {
			host = host[1:i]
		}
	} else if strings.Count(host, ":") == 1 {
		host = host[:strings.LastIndex(host, ":")]
	}
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

var branchPrefixPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Repository.Path == "" {
		errs = append(errs, errors.New("repository.path is required"))
	}

	switch c.Generator.Provider {
	case "openai", "anthropic", "ollama":
	default:
		errs = append(errs, fmt.Errorf("generator.provider must be openai, anthropic or ollama, got %q", c.Generator.Provider))
	}
	if c.Generator.Candidates < 1 {
		errs = append(errs, fmt.Errorf("generator.candidates must be >= 1, got %d", c.Generator.Candidates))
	}
	if c.Generator.Temperature < 0 || c.Generator.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generator.temperature must be in [0,2], got %v", c.Generator.Temperature))
	}
	if c.Generator.RateRequests < 1 || c.Generator.RateWindow.Duration() <= 0 {
		errs = append(errs, errors.New("generator rate limit needs rate_requests >= 1 and rate_window > 0"))
	}

	if c.Safety.MinScore < 0 || c.Safety.MinScore > 1 {
		errs = append(errs, fmt.Errorf("safety.min_score must be in [0,1], got %v", c.Safety.MinScore))
	}
	if c.Safety.Penalty <= 0 || c.Safety.Penalty > 1 {
		errs = append(errs, fmt.Errorf("safety.penalty must be in (0,1], got %v", c.Safety.Penalty))
	}

	if strings.TrimSpace(c.Validation.BuildCommand) == "" {
		errs = append(errs, errors.New("validation.build_command is required"))
	}
	if strings.TrimSpace(c.Validation.TestCommand) == "" {
		errs = append(errs, errors.New("validation.test_command is required"))
	}
	if c.Validation.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("validation.timeout must be > 0"))
	}
	if c.Validation.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("validation.max_concurrent must be >= 1, got %d", c.Validation.MaxConcurrent))
	}

	for name, prefix := range map[string]string{"git.branch_prefix": c.Git.BranchPrefix, "git.backup_prefix": c.Git.BackupPrefix} {
		if !branchPrefixPattern.MatchString(prefix) {
			errs = append(errs, fmt.Errorf("%s %q is not a valid branch component", name, prefix))
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := newBase()
	applyDefaults(cfg)
	return cfg
}

// newBase returns a Config carrying the defaults that cannot be detected as
// unset after unmarshalling (booleans that default to true).
func newBase() *Config {
	return &Config{
		Validation: ValidationConfig{SecretScan: true},
		Pipeline:   PipelineConfig{VerifyAfterApply: true, RollbackOnFailure: true},
		Telemetry:  TelemetryConfig{Insecure: true},
	}
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Repository.Path == "" {
		cfg.Repository.Path = "."
	}

	// Analysis defaults
	if len(cfg.Analysis.Extensions) == 0 {
		cfg.Analysis.Extensions = []string{".go", ".rs"}
	}
	if len(cfg.Analysis.IgnoreFiles) == 0 {
		cfg.Analysis.IgnoreFiles = []string{".gitignore", ".selfhealignore"}
	}
	if cfg.Analysis.MaxFileSize == 0 {
		cfg.Analysis.MaxFileSize = 1 << 20
	}
	if cfg.Analysis.ComplexityThreshold == 0 {
		cfg.Analysis.ComplexityThreshold = 15
	}
	if cfg.Analysis.ContextLines == 0 {
		cfg.Analysis.ContextLines = 2
	}

	// Generator defaults
	if cfg.Generator.Provider == "" {
		cfg.Generator.Provider = "openai"
	}
	if cfg.Generator.Model == "" {
		switch cfg.Generator.Provider {
		case "anthropic":
			cfg.Generator.Model = "claude-sonnet-4-5"
		case "ollama":
			cfg.Generator.Model = "codellama"
		default:
			cfg.Generator.Model = "gpt-4"
		}
	}
	if cfg.Generator.MaxTokens == 0 {
		cfg.Generator.MaxTokens = 4000
	}
	if cfg.Generator.Temperature == 0 {
		cfg.Generator.Temperature = 0.1
	}
	if cfg.Generator.Candidates == 0 {
		cfg.Generator.Candidates = 3
	}
	if cfg.Generator.ContextLines == 0 {
		cfg.Generator.ContextLines = 5
	}
	if cfg.Generator.Timeout == 0 {
		cfg.Generator.Timeout = Duration(2 * time.Minute)
	}
	if cfg.Generator.MaxRetries == 0 {
		cfg.Generator.MaxRetries = 3
	}
	if cfg.Generator.RateRequests == 0 {
		cfg.Generator.RateRequests = 50
	}
	if cfg.Generator.RateWindow == 0 {
		cfg.Generator.RateWindow = Duration(time.Minute)
	}

	// Safety defaults
	if cfg.Safety.MinScore == 0 {
		cfg.Safety.MinScore = 0.5
	}
	if cfg.Safety.Penalty == 0 {
		cfg.Safety.Penalty = 0.2
	}
	if cfg.Safety.MaxPatchSize == 0 {
		cfg.Safety.MaxPatchSize = 10000
	}

	// Validation defaults
	if cfg.Validation.BuildCommand == "" {
		cfg.Validation.BuildCommand = "go build ./..."
	}
	if cfg.Validation.TestCommand == "" {
		cfg.Validation.TestCommand = "go test ./..."
	}
	if cfg.Validation.Timeout == 0 {
		cfg.Validation.Timeout = Duration(300 * time.Second)
	}
	if cfg.Validation.MaxConcurrent == 0 {
		cfg.Validation.MaxConcurrent = 2
	}
	if cfg.Validation.MaxRetries == 0 {
		cfg.Validation.MaxRetries = 1
	}
	if cfg.Validation.Container.Runtime == "" {
		cfg.Validation.Container.Runtime = "docker"
	}
	if cfg.Validation.Container.Image == "" {
		cfg.Validation.Container.Image = "golang:1.24"
	}

	// Git defaults
	if cfg.Git.AuthorName == "" {
		cfg.Git.AuthorName = "Self-Healing Bot"
	}
	if cfg.Git.AuthorEmail == "" {
		cfg.Git.AuthorEmail = "selfheal@localhost"
	}
	if cfg.Git.BranchPrefix == "" {
		cfg.Git.BranchPrefix = "self-heal"
	}
	if cfg.Git.BackupPrefix == "" {
		cfg.Git.BackupPrefix = "backup"
	}
	if cfg.Git.LockWait == 0 {
		cfg.Git.LockWait = Duration(10 * time.Second)
	}

	// Store defaults
	if cfg.Store.Path == "" {
		cfg.Store.Path = ".selfheal/selfheal.db"
	}
	if cfg.Store.RetentionDays == 0 {
		cfg.Store.RetentionDays = 30
	}

	if cfg.Pipeline.MinSeverity == "" {
		cfg.Pipeline.MinSeverity = "low"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = Duration(2 * time.Second)
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "selfheal"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = Duration(5 * time.Second)
	}
}
