package gitops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/selfheal/internal/config"
	"github.com/fyrsmithlabs/selfheal/internal/diff"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

const mainRS = "use std::io;\n\nfn main() {\n    let x: i32 = \"5\";\n    println!(\"{}\", x);\n}\n\nfn helper() -> i32 {\n    1\n}\n"

var fixedNow = time.Date(2026, 10, 15, 12, 30, 45, 0, time.UTC)

type fixture struct {
	t    *testing.T
	dir  string
	git  *git.Repository
	repo *Repo
}

func newFixture(t *testing.T, cfg config.GitConfig) *fixture {
	t.Helper()
	dir := t.TempDir()
	g, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	f := &fixture{t: t, dir: dir, git: g}
	f.write("src/main.rs", mainRS)
	f.commitAll("initial commit")

	f.repo, err = Open(dir, cfg, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return f
}

func (f *fixture) write(name, content string) {
	f.t.Helper()
	path := filepath.Join(f.dir, filepath.FromSlash(name))
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) read(name string) string {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(name)))
	require.NoError(f.t, err)
	return string(data)
}

func (f *fixture) commitAll(msg string) string {
	f.t.Helper()
	wt, err := f.git.Worktree()
	require.NoError(f.t, err)
	require.NoError(f.t, wt.AddWithOptions(&git.AddOptions{All: true}))
	h, err := wt.Commit(msg, &git.CommitOptions{Author: &object.Signature{Name: "Dev", Email: "dev@example.com", When: time.Now()}})
	require.NoError(f.t, err)
	return h.String()
}

func (f *fixture) clean() bool {
	f.t.Helper()
	ok, err := f.repo.IsWorkingDirectoryClean()
	require.NoError(f.t, err)
	return ok
}

func fixDiff(before string) string {
	return diff.Unified("src/main.rs", before, strings.Replace(before, `let x: i32 = "5";`, `let x: i32 = 5;`, 1))
}

func TestOpen(t *testing.T) {
	f := newFixture(t, config.GitConfig{})

	branch, err := f.repo.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, "master", branch)

	head, err := f.repo.HeadHash()
	require.NoError(t, err)
	assert.Len(t, head, 40)
	assert.True(t, f.clean())

	// DetectDotGit finds the repository from a subdirectory.
	sub, err := Open(filepath.Join(f.dir, "src"), config.GitConfig{})
	require.NoError(t, err)
	assert.Equal(t, f.repo.Root(), sub.Root())

	_, err = Open(t.TempDir(), config.GitConfig{})
	require.Error(t, err)
}

func TestCreateBackupBranch(t *testing.T) {
	f := newFixture(t, config.GitConfig{})
	ctx := context.Background()

	first, err := f.repo.CreateBackupBranch(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, "backup/master/20261015_123045", first)

	second, err := f.repo.CreateBackupBranch(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, "backup/master/20261015_123045_1", second)

	head, _ := f.repo.HeadHash()
	hash, err := f.repo.BranchHash(first)
	require.NoError(t, err)
	assert.Equal(t, head, hash)

	current, _ := f.repo.CurrentBranch()
	assert.Equal(t, "master", current, "backups never move HEAD")
}

func TestCreateIsolatedBranch(t *testing.T) {
	f := newFixture(t, config.GitConfig{})
	ctx := context.Background()

	name, err := f.repo.CreateIsolatedBranch(ctx, "i1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "self-heal/issue-i1/patch-p1", name)

	current, _ := f.repo.CurrentBranch()
	assert.Equal(t, name, current)

	_, err = f.repo.CreateIsolatedBranch(ctx, "i1", "p1")
	require.ErrorIs(t, err, ErrBranchExists)

	require.NoError(t, f.repo.Checkout(ctx, "master"))
	require.ErrorIs(t, f.repo.Checkout(ctx, "nope"), ErrBranchNotFound)

	require.NoError(t, f.repo.DeleteBranch(ctx, name))
	assert.False(t, f.repo.BranchExists(name))
	require.Error(t, f.repo.DeleteBranch(ctx, "master"), "current branch cannot be deleted")
}

func TestApplyPatchAndCommit(t *testing.T) {
	f := newFixture(t, config.GitConfig{})
	ctx := context.Background()

	applied, err := f.repo.ApplyPatch(ctx, fixDiff(mainRS))
	require.NoError(t, err)
	assert.Equal(t, []string{"src/main.rs"}, applied.Files())
	assert.True(t, strings.HasPrefix(applied.Backup, "backup/master/"))
	assert.Contains(t, f.read("src/main.rs"), "let x: i32 = 5;")
	assert.False(t, f.clean())

	changes, err := f.repo.Diff(nil)
	require.NoError(t, err)
	assert.Contains(t, changes, "+    let x: i32 = 5;")

	hash, err := f.repo.Commit(ctx, "fix: type error", applied.Files(), Author{})
	require.NoError(t, err)
	assert.True(t, f.clean())

	history, err := f.repo.CommitHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, hash, history[0].Hash)
	assert.Equal(t, "fix: type error", strings.TrimSpace(history[0].Message))
	assert.Equal(t, "Self-Healing Bot", history[0].Author)
	assert.Equal(t, []string{"src/main.rs"}, history[0].FilesChanged)
	assert.Equal(t, []string{"src/main.rs"}, history[1].FilesChanged)

	limited, err := f.repo.CommitHistory(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestApplyPatch_ConflictLeavesTreeClean(t *testing.T) {
	f := newFixture(t, config.GitConfig{})

	stale := strings.Replace(mainRS, `"5"`, `"6"`, 1)
	_, err := f.repo.ApplyPatch(context.Background(), diff.Unified("src/main.rs", stale, strings.Replace(stale, `"6"`, `6`, 1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGitConflict)
	kind, ok := remediation.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, remediation.KindGitConflict, kind)

	assert.True(t, f.clean())
	assert.Equal(t, mainRS, f.read("src/main.rs"))
	current, _ := f.repo.CurrentBranch()
	assert.Equal(t, "master", current)

	_, err = f.repo.ApplyPatch(context.Background(), "no diff here")
	kind, _ = remediation.KindOf(err)
	assert.Equal(t, remediation.KindParse, kind)
}

func TestApplied_RollbackRestoresContent(t *testing.T) {
	f := newFixture(t, config.GitConfig{})
	ctx := context.Background()

	patch := fixDiff(mainRS) + diff.Unified("src/util.rs", "", "pub fn util() {}\n")
	applied, err := f.repo.ApplyPatch(ctx, patch)
	require.NoError(t, err)
	require.Len(t, applied.Changes, 2)

	_, err = f.repo.ApplyPatch(ctx, applied.Rollback())
	require.NoError(t, err)
	assert.Equal(t, mainRS, f.read("src/main.rs"))
	assert.NoFileExists(t, filepath.Join(f.dir, "src", "util.rs"))
	assert.True(t, f.clean())
}

func TestSnapshotAndCaptureRollback(t *testing.T) {
	f := newFixture(t, config.GitConfig{})

	before, err := f.repo.Snapshot([]string{"src/main.rs", "src/new.rs"})
	require.NoError(t, err)
	assert.False(t, before["src/new.rs"].Exists)
	assert.True(t, before["src/main.rs"].Exists)

	f.write("src/main.rs", strings.Replace(mainRS, "1\n", "2\n", 1))
	f.write("src/new.rs", "pub fn new() {}\n")

	rollback, err := f.repo.CaptureRollback(before)
	require.NoError(t, err)
	_, err = f.repo.ApplyPatch(context.Background(), rollback)
	require.NoError(t, err)

	assert.Equal(t, mainRS, f.read("src/main.rs"))
	assert.NoFileExists(t, filepath.Join(f.dir, "src", "new.rs"))

	unchanged, err := f.repo.CaptureRollback(map[string]diff.Version{"src/main.rs": {Content: mainRS, Exists: true}})
	require.NoError(t, err)
	assert.Empty(t, unchanged)
}

func TestRollback_KeepsEmptyFiles(t *testing.T) {
	f := newFixture(t, config.GitConfig{})
	ctx := context.Background()
	f.write("src/empty.rs", "")
	f.write("src/gone.rs", "fn gone() {}\n")
	f.commitAll("add stubs")

	applied, err := f.repo.ApplyPatch(ctx, "--- a/src/empty.rs\n+++ b/src/empty.rs\n@@ -0,0 +1 @@\n+fn filled() {}\n")
	require.NoError(t, err)
	_, err = f.repo.ApplyPatch(ctx, applied.Rollback())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(f.dir, "src", "empty.rs"))
	assert.Equal(t, "", f.read("src/empty.rs"))

	before, err := f.repo.Snapshot([]string{"src/gone.rs"})
	require.NoError(t, err)
	f.write("src/gone.rs", "")

	rollback, err := f.repo.CaptureRollback(before)
	require.NoError(t, err)
	assert.NotContains(t, rollback, diff.DevNull)
	_, err = f.repo.ApplyPatch(ctx, rollback)
	require.NoError(t, err)
	assert.Equal(t, "fn gone() {}\n", f.read("src/gone.rs"))
	assert.True(t, f.clean())
}

func TestIsWorkingDirectoryClean_IgnoresUntracked(t *testing.T) {
	f := newFixture(t, config.GitConfig{})

	f.write("notes.txt", "scratch")
	f.write(".selfheal/selfheal.db", "state")
	assert.True(t, f.clean())

	f.write("src/main.rs", mainRS+"// edit\n")
	assert.False(t, f.clean())
}

func TestCherryPick_OntoMovedBranch(t *testing.T) {
	f := newFixture(t, config.GitConfig{})
	ctx := context.Background()

	_, err := f.repo.CreateIsolatedBranch(ctx, "i1", "p1")
	require.NoError(t, err)
	applied, err := f.repo.ApplyPatch(ctx, fixDiff(mainRS))
	require.NoError(t, err)
	fix, err := f.repo.Commit(ctx, "fix", applied.Files(), Author{Name: "Fixer", Email: "fixer@example.com"})
	require.NoError(t, err)

	require.NoError(t, f.repo.Checkout(ctx, "master"))
	assert.Equal(t, mainRS, f.read("src/main.rs"))

	// master moves on in an unrelated region of the same file
	moved := strings.Replace(mainRS, "    1\n", "    42\n", 1)
	f.write("src/main.rs", moved)
	f.commitAll("unrelated change")

	picked, err := f.repo.CherryPick(ctx, fix)
	require.NoError(t, err)
	assert.NotEqual(t, fix, picked)

	content := f.read("src/main.rs")
	assert.Contains(t, content, "let x: i32 = 5;")
	assert.Contains(t, content, "    42\n")
	assert.True(t, f.clean())

	history, err := f.repo.CommitHistory(1)
	require.NoError(t, err)
	assert.Equal(t, "Fixer", history[0].Author)
	assert.Contains(t, history[0].Message, "(cherry picked from commit "+fix+")")

	branches, err := f.repo.Branches()
	require.NoError(t, err)
	var backups int
	for _, b := range branches {
		if strings.HasPrefix(b.Name, "backup/master/") {
			backups++
		}
	}
	assert.Equal(t, 1, backups, "cherry-pick on master creates one backup")
}

func TestCherryPick_Conflict(t *testing.T) {
	f := newFixture(t, config.GitConfig{})
	ctx := context.Background()

	_, err := f.repo.CreateIsolatedBranch(ctx, "i1", "p1")
	require.NoError(t, err)
	applied, err := f.repo.ApplyPatch(ctx, fixDiff(mainRS))
	require.NoError(t, err)
	fix, err := f.repo.Commit(ctx, "fix", applied.Files(), Author{})
	require.NoError(t, err)
	require.NoError(t, f.repo.Checkout(ctx, "master"))

	conflicting := strings.Replace(mainRS, `let x: i32 = "5";`, `let x: u8 = 7;`, 1)
	f.write("src/main.rs", conflicting)
	base := f.commitAll("conflicting change")

	_, err = f.repo.CherryPick(ctx, fix)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMergeConflict)

	assert.True(t, f.clean())
	assert.Equal(t, conflicting, f.read("src/main.rs"))
	head, _ := f.repo.HeadHash()
	assert.Equal(t, base, head)
}

func TestCherryPick_Refusals(t *testing.T) {
	f := newFixture(t, config.GitConfig{})
	ctx := context.Background()

	history, err := f.repo.CommitHistory(1)
	require.NoError(t, err)
	_, err = f.repo.CherryPick(ctx, history[0].Hash)
	require.ErrorIs(t, err, ErrUnsupportedPick)

	f.write("src/main.rs", "dirty\n")
	_, err = f.repo.CherryPick(ctx, history[0].Hash)
	require.ErrorIs(t, err, ErrDirty)
}

func TestResetToCommit(t *testing.T) {
	f := newFixture(t, config.GitConfig{})
	ctx := context.Background()
	first, _ := f.repo.HeadHash()

	f.write("src/main.rs", mainRS+"// second\n")
	second := f.commitAll("second")

	require.NoError(t, f.repo.ResetToCommit(ctx, first, true))
	head, _ := f.repo.HeadHash()
	assert.Equal(t, first, head)
	assert.Equal(t, mainRS, f.read("src/main.rs"))
	assert.True(t, f.clean())

	backup, err := f.repo.BranchHash("backup/master/20261015_123045")
	require.NoError(t, err)
	assert.Equal(t, second, backup, "the reset is reversible from its backup branch")

	require.Error(t, f.repo.ResetToCommit(ctx, strings.Repeat("0", 40), true))
}

func TestBranches_AheadBehind(t *testing.T) {
	f := newFixture(t, config.GitConfig{})
	base, _ := f.repo.HeadHash()

	cfg, err := f.git.Config()
	require.NoError(t, err)
	cfg.Remotes["origin"] = &gitconfig.RemoteConfig{Name: "origin", URLs: []string{"https://example.invalid/repo.git"}}
	cfg.Branches["master"] = &gitconfig.Branch{Name: "master", Remote: "origin", Merge: plumbing.NewBranchReferenceName("master")}
	require.NoError(t, f.git.SetConfig(cfg))

	f.write("a.txt", "a")
	f.commitAll("local 1")
	f.write("b.txt", "b")
	f.commitAll("local 2")
	require.NoError(t, f.git.Storer.SetReference(
		plumbing.NewHashReference(plumbing.NewRemoteReferenceName("origin", "master"), plumbing.NewHash(base))))

	branches, err := f.repo.Branches()
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, "master", branches[0].Name)
	assert.True(t, branches[0].IsCurrent)
	assert.Equal(t, "origin/master", branches[0].Upstream)
	assert.Equal(t, 2, branches[0].Ahead)
	assert.Equal(t, 0, branches[0].Behind)
}

func TestMutate_WaitsForIndexLock(t *testing.T) {
	f := newFixture(t, config.GitConfig{LockWait: config.Duration(150 * time.Millisecond)})
	lock := filepath.Join(f.dir, ".git", "index.lock")
	require.NoError(t, os.WriteFile(lock, nil, 0o644))

	f.write("src/main.rs", mainRS+"// change\n")
	_, err := f.repo.Commit(context.Background(), "blocked", []string{"src/main.rs"}, Author{})
	require.True(t, errors.Is(err, ErrLocked), "got %v", err)

	f.repo.cfg.LockWait = config.Duration(5 * time.Second)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.Remove(lock)
	}()
	_, err = f.repo.Commit(context.Background(), "unblocked", []string{"src/main.rs"}, Author{})
	require.NoError(t, err)
	assert.True(t, f.clean())
}
