package runner

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// removeTimeout bounds the cleanup commands sent to the container runtime.
const removeTimeout = 30 * time.Second

// Container runs commands inside a throwaway container with the working
// directory mounted at /workspace.
type Container struct {
	Runtime string // docker or podman
	Image   string
	Host    Runner // runs the container CLI; defaults to Exec
}

// Available reports whether the container runtime answers.
func (c *Container) Available(ctx context.Context) bool {
	if c.Image == "" {
		return false
	}
	if _, err := exec.LookPath(c.runtime()); err != nil {
		return false
	}
	res, err := c.host().Run(ctx, "", c.runtime()+" info", 10*time.Second)
	return err == nil && res.Success()
}

// Run executes command in a new container. The timeout covers container
// startup as well as the command. A container that outlives the timeout or
// ctx is force-removed.
func (c *Container) Run(ctx context.Context, dir, command string, timeout time.Duration) (*Result, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	name := "selfheal-" + uuid.NewString()
	wrapped := fmt.Sprintf("%s run --rm --name %s --network none -v %s:/workspace -w /workspace %s sh -c %s",
		c.runtime(), name, shellQuote(abs), shellQuote(c.Image), shellQuote(command))

	res, err := c.host().Run(ctx, dir, wrapped, timeout)
	if (res != nil && res.TimedOut) || ctx.Err() != nil {
		c.remove(context.WithoutCancel(ctx), name)
	}
	if res != nil {
		res.Command = command
	}
	return res, err
}

// Purge deletes everything under dir from inside a container, where files
// the container created as root can be removed. dir itself is kept.
func (c *Container) Purge(ctx context.Context, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("%s run --rm --network none -v %s:/workspace %s find /workspace -mindepth 1 -delete",
		c.runtime(), shellQuote(abs), shellQuote(c.Image))
	res, err := c.host().Run(ctx, "", cmd, removeTimeout)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("purging %s: exit %d: %s", dir, res.ExitCode, strings.TrimSpace(res.Output()))
	}
	return nil
}

// remove kills and deletes the named container. Failure is ignored: the
// container may already be gone.
func (c *Container) remove(ctx context.Context, name string) {
	_, _ = c.host().Run(ctx, "", c.runtime()+" rm -f "+name, removeTimeout)
}

func (c *Container) runtime() string {
	if c.Runtime == "" {
		return "docker"
	}
	return c.Runtime
}

func (c *Container) host() Runner {
	if c.Host == nil {
		return &Exec{}
	}
	return c.Host
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ Runner = (*Container)(nil)
