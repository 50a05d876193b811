// Package runner executes external tool commands (build, test, scanners)
// with a bounded timeout. A command that outlives its timeout is killed
// together with every process it spawned.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout applies when the caller sets none.
const DefaultTimeout = 5 * time.Minute

// maxOutput caps each captured stream.
const maxOutput = 1 << 20

// Result is the outcome of one command.
type Result struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// Success reports a zero exit status within the timeout.
func (r *Result) Success() bool {
	return r != nil && !r.TimedOut && r.ExitCode == 0
}

// Output returns stdout and stderr joined.
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner runs a shell command in dir.
type Runner interface {
	Run(ctx context.Context, dir, command string, timeout time.Duration) (*Result, error)
}

// Exec runs commands through sh -c on the host.
type Exec struct {
	// Env is appended to the inherited environment.
	Env []string
}

// Run executes command. A non-zero exit is reported in the Result, not as
// an error; the error is reserved for commands that could not start or
// whose ctx was canceled.
func (e *Exec) Run(ctx context.Context, dir, command string, timeout time.Duration) (*Result, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("empty command")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	stdout := &limitedBuffer{limit: maxOutput}
	stderr := &limitedBuffer{limit: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			// canceled by the caller; the kill shows up as an exit status
			res.ExitCode = -1
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("exec %q: %w", command, err)
	}
	return res, nil
}

// limitedBuffer keeps the first limit bytes and discards the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

var _ Runner = (*Exec)(nil)
