// Package gitops performs the version-control side of remediation on top of
// go-git: isolation branches, patch application, commits, cherry-picks and
// the backup branches that make every risky mutation reversible.
//
// All mutations are serialized behind one mutex per Repo. Apply, reset and
// cherry-pick first record the current HEAD on a timestamped backup branch.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/diff"
	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

var (
	// ErrGitConflict is matched by patches that do not apply to the tree.
	ErrGitConflict = remediation.ErrGitConflict
	// ErrMergeConflict is matched by cherry-picks that do not apply.
	ErrMergeConflict = remediation.ErrMerge

	ErrDirty           = errors.New("working directory has uncommitted changes")
	ErrDetachedHead    = errors.New("HEAD is detached")
	ErrLocked          = errors.New("repository index is locked")
	ErrBranchExists    = errors.New("branch already exists")
	ErrBranchNotFound  = errors.New("branch not found")
	ErrUnsupportedPick = errors.New("only commits with exactly one parent can be cherry-picked")
)

// stateDir is local pipeline state and never counts as a change.
const stateDir = ".selfheal"

// Author identifies who a commit is written by.
type Author struct {
	Name  string
	Email string
}

// Repo is a git working tree.
type Repo struct {
	mu     sync.Mutex
	repo   *git.Repository
	root   string
	cfg    config.GitConfig
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Repo.
type Option func(*Repo)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Repo) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the clock used for backup branch names.
func WithClock(now func() time.Time) Option {
	return func(r *Repo) { r.now = now }
}

// Open opens the repository containing path.
func Open(path string, cfg config.GitConfig, opts ...Option) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("repository at %s has no worktree: %w", path, err)
	}

	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "self-heal"
	}
	if cfg.BackupPrefix == "" {
		cfg.BackupPrefix = "backup"
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "Self-Healing Bot"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "selfheal@localhost"
	}
	if cfg.LockWait == 0 {
		cfg.LockWait = config.Duration(10 * time.Second)
	}

	r := &Repo{
		repo:   repo,
		root:   wt.Filesystem.Root(),
		cfg:    cfg,
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("gitops")
	return r, nil
}

// Root returns the absolute worktree root.
func (r *Repo) Root() string { return r.root }

// CurrentBranch returns the short name of the checked out branch.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", ErrDetachedHead
	}
	return head.Name().Short(), nil
}

// HeadHash returns the commit HEAD points at.
func (r *Repo) HeadHash() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(name string) bool {
	_, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), false)
	return err == nil
}

// BranchHash returns the commit a local branch points at.
func (r *Repo) BranchHash(name string) (string, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	return ref.Hash().String(), nil
}

// IsWorkingDirectoryClean reports whether tracked files match HEAD.
// Untracked files are ignored.
func (r *Repo) IsWorkingDirectoryClean() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isClean()
}

func (r *Repo) isClean() (bool, error) {
	paths, err := r.modifiedPaths()
	if err != nil {
		return false, err
	}
	return len(paths) == 0, nil
}

// modifiedPaths lists tracked paths that differ from HEAD in the index or
// the worktree.
func (r *Repo) modifiedPaths() ([]string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	var out []string
	for path, s := range status {
		if s.Staging == git.Untracked && s.Worktree == git.Untracked {
			continue
		}
		if path == stateDir || strings.HasPrefix(path, stateDir+"/") {
			continue
		}
		if s.Staging != git.Unmodified || s.Worktree != git.Unmodified {
			out = append(out, path)
		}
	}
	return out, nil
}

// CreateBackupBranch records HEAD on backup/<base>/<UTC timestamp> and
// returns the branch name. A numeric suffix keeps names unique within one
// second.
func (r *Repo) CreateBackupBranch(ctx context.Context, base string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createBackup(ctx, base)
}

func (r *Repo) createBackup(ctx context.Context, base string) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if base == "" {
		base = "detached"
	}
	stamp := r.now().UTC().Format("20060102_150405")
	prefix := fmt.Sprintf("%s/%s/%s", r.cfg.BackupPrefix, base, stamp)
	name := prefix
	for n := 1; r.BranchExists(name); n++ {
		name = fmt.Sprintf("%s_%d", prefix, n)
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), head.Hash())
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return "", fmt.Errorf("creating backup branch %s: %w", name, err)
	}
	r.logger.Info(ctx, "backup branch created", zap.String("branch", name), zap.String("commit", head.Hash().String()))
	return name, nil
}

// IsolatedBranchName is the branch a patch is committed on.
func (r *Repo) IsolatedBranchName(issueID, patchID string) string {
	return fmt.Sprintf("%s/issue-%s/patch-%s", r.cfg.BranchPrefix, issueID, patchID)
}

// CreateIsolatedBranch creates self-heal/issue-<id>/patch-<id> at HEAD and
// checks it out.
func (r *Repo) CreateIsolatedBranch(ctx context.Context, issueID, patchID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := r.IsolatedBranchName(issueID, patchID)
	if r.BranchExists(name) {
		return "", fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	err := r.mutate(ctx, func(wt *git.Worktree) error {
		return wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name), Create: true, Keep: true})
	})
	if err != nil {
		return "", fmt.Errorf("creating branch %s: %w", name, err)
	}
	r.logger.Info(ctx, "isolated branch created", zap.String("branch", name))
	return name, nil
}

// Checkout switches to an existing local branch. Uncommitted changes to
// tracked files make it fail.
func (r *Repo) Checkout(ctx context.Context, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.BranchExists(branch) {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	err := r.mutate(ctx, func(wt *git.Worktree) error {
		return wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch)})
	})
	if err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	return nil
}

// DeleteBranch removes a local branch other than the current one.
func (r *Repo) DeleteBranch(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.BranchExists(name) {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	if current, _ := r.CurrentBranch(); current == name {
		return fmt.Errorf("cannot delete the checked out branch %s", name)
	}
	if err := r.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		return fmt.Errorf("deleting branch %s: %w", name, err)
	}
	r.logger.Debug(ctx, "branch deleted", zap.String("branch", name))
	return nil
}

// Applied describes a patch written to the worktree.
type Applied struct {
	Backup  string
	Changes []diff.Change
}

// Files returns the touched paths.
func (a *Applied) Files() []string {
	out := make([]string, 0, len(a.Changes))
	for _, c := range a.Changes {
		out = append(out, c.Path)
	}
	return out
}

// Rollback returns the diff that undoes the application.
func (a *Applied) Rollback() string {
	return diff.Inverse(a.Changes)
}

// ApplyPatch applies a unified diff to the worktree. Either every file is
// written or none is; a conflict leaves the tree untouched and matches
// ErrGitConflict.
func (r *Repo) ApplyPatch(ctx context.Context, diffText string) (*Applied, error) {
	const op = "gitops.apply_patch"
	p, err := diff.Parse(diffText)
	if err != nil {
		return nil, remediation.NewError(remediation.KindParse, op, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	base, _ := r.CurrentBranch()
	backup, err := r.createBackup(ctx, base)
	if err != nil {
		return nil, err
	}

	var changes []diff.Change
	err = r.mutate(ctx, func(*git.Worktree) error {
		var applyErr error
		changes, applyErr = diff.ApplyToDir(r.root, p)
		return applyErr
	})
	if err != nil {
		if errors.Is(err, diff.ErrConflict) || errors.Is(err, diff.ErrMalformed) {
			return nil, remediation.NewError(remediation.KindGitConflict, op, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	r.logger.Info(ctx, "patch applied", zap.Int("files", len(changes)), zap.String("backup", backup))
	return &Applied{Backup: backup, Changes: changes}, nil
}

// Commit stages files and commits them. With no files, every modified
// tracked file is committed. A zero author uses the configured identity.
func (r *Repo) Commit(ctx context.Context, message string, files []string, author Author) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commit(ctx, message, files, r.signature(author), nil)
}

func (r *Repo) commit(ctx context.Context, message string, files []string, committer *object.Signature, author *object.Signature) (string, error) {
	if author == nil {
		author = committer
	}
	var hash plumbing.Hash
	err := r.mutate(ctx, func(wt *git.Worktree) error {
		if len(files) == 0 {
			modified, err := r.modifiedPaths()
			if err != nil {
				return err
			}
			files = modified
		}
		for _, f := range files {
			if err := r.stage(wt, f); err != nil {
				return err
			}
		}
		var err error
		hash, err = wt.Commit(message, &git.CommitOptions{Author: author, Committer: committer})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	r.logger.Info(ctx, "committed", zap.String("commit", hash.String()), zap.Int("files", len(files)))
	return hash.String(), nil
}

func (r *Repo) stage(wt *git.Worktree, path string) error {
	path = filepath.ToSlash(path)
	if _, err := os.Lstat(filepath.Join(r.root, filepath.FromSlash(path))); errors.Is(err, fs.ErrNotExist) {
		if _, err := wt.Remove(path); err != nil {
			return fmt.Errorf("staging removal of %s: %w", path, err)
		}
		return nil
	}
	if _, err := wt.Add(path); err != nil {
		return fmt.Errorf("staging %s: %w", path, err)
	}
	return nil
}

func (r *Repo) signature(a Author) *object.Signature {
	if a.Name == "" {
		a.Name = r.cfg.AuthorName
	}
	if a.Email == "" {
		a.Email = r.cfg.AuthorEmail
	}
	return &object.Signature{Name: a.Name, Email: a.Email, When: r.now()}
}

// ResetToCommit moves the current branch to hash. A hard reset also
// rewrites the index and tracked files.
func (r *Repo) ResetToCommit(ctx context.Context, hash string, hard bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := plumbing.NewHash(hash)
	if _, err := r.repo.CommitObject(target); err != nil {
		return fmt.Errorf("resolving commit %s: %w", hash, err)
	}
	base, _ := r.CurrentBranch()
	if _, err := r.createBackup(ctx, base); err != nil {
		return err
	}
	mode := git.MixedReset
	if hard {
		mode = git.HardReset
	}
	err := r.mutate(ctx, func(wt *git.Worktree) error {
		return wt.Reset(&git.ResetOptions{Commit: target, Mode: mode})
	})
	if err != nil {
		return fmt.Errorf("resetting to %s: %w", hash, err)
	}
	r.logger.Warn(ctx, "branch reset", zap.String("commit", hash), zap.Bool("hard", hard))
	return nil
}

// mutate runs fn once the index is free. Lock contention from a concurrent
// git process is retried with exponential backoff for up to lock_wait.
func (r *Repo) mutate(ctx context.Context, fn func(*git.Worktree) error) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	lockFile := filepath.Join(r.root, ".git", "index.lock")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if _, statErr := os.Stat(lockFile); statErr == nil {
			return struct{}{}, ErrLocked
		}
		if err := fn(wt); err != nil {
			if strings.Contains(err.Error(), "index.lock") {
				return struct{}{}, fmt.Errorf("%w: %v", ErrLocked, err)
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(r.cfg.LockWait.Duration()),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Debug(ctx, "waiting for index lock", zap.Duration("retry_in", next))
		}),
	)
	return err
}
