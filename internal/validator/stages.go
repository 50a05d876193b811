package validator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/otiai10/copy"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/diagnostics"
	"github.com/fyrsmithlabs/selfheal/internal/diff"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
	"github.com/fyrsmithlabs/selfheal/internal/runner"
	"github.com/fyrsmithlabs/selfheal/internal/secrets"
)

// stateDir holds the local database; it is never copied into sandboxes.
const stateDir = ".selfheal"

// maxOutputLines bounds the raw output kept when a failing command emits no
// recognizable diagnostics.
const maxOutputLines = 20

// newSandbox copies the workspace into a fresh temporary directory. The
// returned cleanup removes it and must be deferred by the caller.
func (v *Validator) newSandbox(ctx context.Context) (string, func(), error) {
	dir, err := os.MkdirTemp(v.cfg.SandboxDir, "selfheal-sandbox-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating sandbox: %w", err)
	}
	cleanup := func() {
		if err := v.removeSandbox(context.WithoutCancel(ctx), dir); err != nil {
			v.logger.Error(ctx, "removing sandbox", zap.String("dir", dir), zap.Error(err))
		}
	}

	parent := filepath.Dir(dir)
	err = copy.Copy(v.root, dir, copy.Options{
		OnSymlink: func(string) copy.SymlinkAction { return copy.Shallow },
		Skip: func(info os.FileInfo, src, _ string) (bool, error) {
			if !info.IsDir() {
				return false, nil
			}
			return src == parent || src == filepath.Join(v.root, stateDir), nil
		},
	})
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("copying workspace into sandbox: %w", err)
	}
	v.logger.Debug(ctx, "sandbox ready", zap.String("dir", dir))
	return dir, cleanup, nil
}

// removeSandbox deletes dir. Files left behind by a containerized run may be
// owned by root, so a failed removal is retried after purging the directory
// from inside the container.
func (v *Validator) removeSandbox(ctx context.Context, dir string) error {
	err := os.RemoveAll(dir)
	if err == nil || v.container == nil || !v.useContainer {
		return err
	}
	v.logger.Warn(ctx, "sandbox not removable from the host, purging through the container", zap.String("dir", dir), zap.Error(err))
	if perr := v.container.Purge(ctx, dir); perr != nil {
		return errors.Join(err, perr)
	}
	return os.RemoveAll(dir)
}

// runStage runs one command stage. A stage that times out is retried up to
// max_retries times.
func (v *Validator) runStage(ctx context.Context, r runner.Runner, dir, name, command string, failKind remediation.Kind) (remediation.StageReport, error) {
	report := remediation.StageReport{Name: name, Command: command}
	if strings.TrimSpace(command) == "" {
		report.Skipped = true
		report.Passed = true
		return report, nil
	}

	var res *runner.Result
	for attempt := 0; ; attempt++ {
		var err error
		res, err = r.Run(ctx, dir, command, v.timeout())
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.ExitCode = -1
			report.Kind = failKind
			report.Errors = []string{fmt.Sprintf("%s: %v", name, err)}
			return report, nil
		}
		if !res.TimedOut || attempt >= v.cfg.MaxRetries {
			break
		}
		v.logger.Warn(ctx, "stage timed out, retrying", zap.String("stage", name), zap.Int("attempt", attempt+1))
	}

	report.ExitCode = res.ExitCode
	report.Duration = res.Duration
	v.metrics.RecordStage(name, res.Duration)

	report.Errors, report.Warnings = diagnostics.Split(diagnostics.Parse(res.Output()))
	switch {
	case res.TimedOut:
		report.Kind = remediation.KindTimeout
		report.Errors = append(report.Errors, fmt.Sprintf("%s timed out after %s", name, v.timeout()))
	case res.ExitCode != 0:
		report.Kind = failKind
		if len(report.Errors) == 0 {
			report.Errors = append(report.Errors, fmt.Sprintf("%s exited with status %d: %s", name, res.ExitCode, tail(res.Output(), maxOutputLines)))
		}
	default:
		report.Passed = true
	}
	v.logger.Debug(ctx, "stage finished", zap.String("stage", name), zap.Bool("passed", report.Passed), zap.Duration("duration", report.Duration))
	return report, nil
}

// securityStage runs the configured scanner command and checks the lines
// the patch adds for secrets. Both must pass.
func (v *Validator) securityStage(ctx context.Context, r runner.Runner, dir string, p *diff.Patch) (remediation.StageReport, error) {
	report, err := v.runStage(ctx, r, dir, StageSecurity, v.cfg.SecurityCommand, remediation.KindSecurityFailure)
	if err != nil {
		return report, err
	}
	if !v.cfg.SecretScan || v.scanner == nil {
		return report, nil
	}

	if findings := v.scanner.Scan(p.AddedText()); len(findings) > 0 {
		report.Passed = false
		report.Skipped = false
		report.Kind = remediation.KindSecurityFailure
		for _, line := range secrets.Summarize(findings) {
			report.Errors = append(report.Errors, "secret added by patch: "+line)
		}
	} else if report.Skipped {
		report.Skipped = false
	}
	return report, nil
}

// baseline is the unpatched workspace measured once per workspace state.
type baseline struct {
	stamp         uint64
	buildDuration time.Duration
	artifactSize  int64
	nsPerOp       float64
}

// performanceStage measures the patched sandbox against the baseline. It
// is informational: a regression never fails validation.
func (v *Validator) performanceStage(ctx context.Context, r runner.Runner, dir string, buildDuration time.Duration, impact *remediation.PerformanceImpact) (remediation.StageReport, error) {
	report := remediation.StageReport{Name: StagePerformance, Command: v.cfg.BenchCommand, Passed: true}
	if v.cfg.ArtifactPath == "" && v.cfg.BenchCommand == "" {
		report.Skipped = true
		return report, nil
	}
	start := time.Now()

	base, err := v.loadBaseline(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Warnings = append(report.Warnings, "performance baseline unavailable: "+err.Error())
		report.Duration = time.Since(start)
		return report, nil
	}

	impact.CompileTimeDeltaPct = pctDelta(float64(base.buildDuration), float64(buildDuration))
	if v.cfg.ArtifactPath != "" {
		size, err := artifactSize(dir, v.cfg.ArtifactPath)
		if err != nil {
			report.Warnings = append(report.Warnings, err.Error())
		}
		impact.BinarySizeDeltaBytes = size - base.artifactSize
	}
	if v.cfg.BenchCommand != "" {
		ns, bench, err := v.bench(ctx, r, dir)
		if err != nil {
			return report, err
		}
		report.ExitCode = bench.ExitCode
		if !bench.Passed {
			report.Passed = false
			report.Kind = bench.Kind
			report.Warnings = append(report.Warnings, bench.Errors...)
		} else {
			impact.RuntimeDeltaPct = pctDelta(base.nsPerOp, ns)
		}
	}
	report.Duration = time.Since(start)
	v.metrics.RecordStage(StagePerformance, report.Duration)
	return report, nil
}

func (v *Validator) bench(ctx context.Context, r runner.Runner, dir string) (float64, remediation.StageReport, error) {
	report := remediation.StageReport{Name: StagePerformance, Command: v.cfg.BenchCommand}
	res, err := r.Run(ctx, dir, v.cfg.BenchCommand, v.timeout())
	if err != nil {
		if ctx.Err() != nil {
			return 0, report, ctx.Err()
		}
		report.Errors = []string{"benchmark: " + err.Error()}
		return 0, report, nil
	}
	report.ExitCode = res.ExitCode
	switch {
	case res.TimedOut:
		report.Kind = remediation.KindTimeout
		report.Errors = []string{"benchmark timed out"}
	case res.ExitCode != 0:
		report.Errors = []string{fmt.Sprintf("benchmark exited with status %d", res.ExitCode)}
	default:
		report.Passed = true
	}
	return parseNsPerOp(res.Output()), report, nil
}

// loadBaseline builds the unpatched workspace in its own sandbox. A
// successful measurement is cached until the workspace changes; failures are
// retried on the next call.
func (v *Validator) loadBaseline(ctx context.Context, r runner.Runner) (*baseline, error) {
	v.baselineMu.Lock()
	defer v.baselineMu.Unlock()
	stamp, err := v.workspaceStamp()
	if err != nil {
		return nil, err
	}
	if v.baseline != nil && v.baseline.stamp == stamp {
		return v.baseline, nil
	}

	dir, cleanup, err := v.newSandbox(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	res, err := r.Run(ctx, dir, v.cfg.BuildCommand, v.timeout())
	if err != nil {
		return nil, fmt.Errorf("baseline build: %w", err)
	}
	if !res.Success() {
		return nil, fmt.Errorf("baseline build failed with status %d", res.ExitCode)
	}
	b := &baseline{stamp: stamp, buildDuration: res.Duration}
	if v.cfg.ArtifactPath != "" {
		if b.artifactSize, err = artifactSize(dir, v.cfg.ArtifactPath); err != nil {
			return nil, err
		}
	}
	if v.cfg.BenchCommand != "" {
		ns, report, err := v.bench(ctx, r, dir)
		if err != nil {
			return nil, err
		}
		if report.Passed {
			b.nsPerOp = ns
		}
	}
	v.logger.Info(ctx, "performance baseline measured",
		zap.Duration("build", b.buildDuration),
		zap.Int64("artifact_bytes", b.artifactSize),
		zap.Float64("ns_per_op", b.nsPerOp))
	v.baseline = b
	return b, nil
}

// workspaceStamp hashes the path, size and modification time of every file
// a sandbox would copy, so any edit to the workspace changes it.
func (v *Validator) workspaceStamp() (uint64, error) {
	sandboxes := v.cfg.SandboxDir
	if sandboxes == "" {
		sandboxes = os.TempDir()
	}
	h := xxhash.New()
	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == sandboxes || path == filepath.Join(v.root, stateDir) || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", path, info.Size(), info.ModTime().UnixNano())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("stamping workspace: %w", err)
	}
	return h.Sum64(), nil
}

// artifactSize sums the sizes of regular files matching pattern under dir.
func artifactSize(dir, pattern string) (int64, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), filepath.ToSlash(pattern), doublestar.WithFilesOnly())
	if err != nil {
		return 0, fmt.Errorf("artifact pattern %q: %w", pattern, err)
	}
	var total int64
	for _, m := range matches {
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(m)))
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

var nsPerOpPattern = regexp.MustCompile(`([0-9][0-9,]*(?:\.[0-9]+)?)\s+ns/(?:op|iter)`)

// parseNsPerOp sums the per-operation timings reported by go test -bench
// (ns/op) and cargo bench (ns/iter).
func parseNsPerOp(output string) float64 {
	var total float64
	for _, m := range nsPerOpPattern.FindAllStringSubmatch(output, -1) {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			total += v
		}
	}
	return total
}

func pctDelta(before, after float64) float64 {
	if before <= 0 {
		return 0
	}
	return (after - before) / before * 100
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
