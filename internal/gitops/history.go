package gitops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/diff"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

// maxAncestorWalk bounds the ahead/behind computation.
const maxAncestorWalk = 10000

// CommitHistory returns up to limit commits reachable from HEAD, newest
// first. limit <= 0 means no limit.
func (r *Repo) CommitHistory(limit int) ([]remediation.GitCommit, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	var out []remediation.GitCommit
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(out) >= limit {
			return storer.ErrStop
		}
		files, err := changedFiles(c)
		if err != nil {
			return err
		}
		out = append(out, remediation.GitCommit{
			Hash:         c.Hash.String(),
			Message:      c.Message,
			Author:       c.Author.Name,
			Email:        c.Author.Email,
			Timestamp:    c.Author.When.UTC(),
			FilesChanged: files,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func changedFiles(c *object.Commit) ([]string, error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, err
	}
	var files []string
	if c.NumParents() == 0 {
		err = tree.Files().ForEach(func(f *object.File) error {
			files = append(files, f.Name)
			return nil
		})
		return files, err
	}
	parent, err := c.Parent(0)
	if err != nil {
		return nil, err
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return nil, err
	}
	for _, ch := range changes {
		name := ch.To.Name
		if name == "" {
			name = ch.From.Name
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// Branches lists local branches with their upstream divergence.
func (r *Repo) Branches() ([]remediation.Branch, error) {
	head, _ := r.repo.Head()
	cfg, err := r.repo.Config()
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	iter, err := r.repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer iter.Close()

	var out []remediation.Branch
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		b := remediation.Branch{
			Name:       ref.Name().Short(),
			HeadCommit: ref.Hash().String(),
			IsCurrent:  head != nil && head.Name() == ref.Name(),
		}
		if bc, ok := cfg.Branches[b.Name]; ok && bc.Remote != "" && bc.Merge != "" {
			b.Upstream = bc.Remote + "/" + bc.Merge.Short()
			up, err := r.repo.Reference(plumbing.NewRemoteReferenceName(bc.Remote, bc.Merge.Short()), true)
			if err == nil {
				if b.Ahead, b.Behind, err = r.aheadBehind(ref.Hash(), up.Hash()); err != nil {
					return err
				}
			}
		}
		out = append(out, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Repo) aheadBehind(local, upstream plumbing.Hash) (int, int, error) {
	if local == upstream {
		return 0, 0, nil
	}
	mine, err := r.ancestors(local)
	if err != nil {
		return 0, 0, err
	}
	theirs, err := r.ancestors(upstream)
	if err != nil {
		return 0, 0, err
	}
	ahead, behind := 0, 0
	for h := range mine {
		if _, ok := theirs[h]; !ok {
			ahead++
		}
	}
	for h := range theirs {
		if _, ok := mine[h]; !ok {
			behind++
		}
	}
	return ahead, behind, nil
}

func (r *Repo) ancestors(from plumbing.Hash) (map[plumbing.Hash]struct{}, error) {
	iter, err := r.repo.Log(&git.LogOptions{From: from})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	seen := make(map[plumbing.Hash]struct{})
	err = iter.ForEach(func(c *object.Commit) error {
		if len(seen) >= maxAncestorWalk {
			return storer.ErrStop
		}
		seen[c.Hash] = struct{}{}
		return nil
	})
	return seen, err
}

// Snapshot records the current state of paths, including which are missing.
func (r *Repo) Snapshot(paths []string) (map[string]diff.Version, error) {
	out := make(map[string]diff.Version, len(paths))
	for _, p := range paths {
		v, err := r.readVersion(p)
		if err != nil {
			return nil, err
		}
		out[filepath.ToSlash(p)] = v
	}
	return out, nil
}

// CaptureRollback returns the diff that turns the current state of each
// path in before back into its recorded state.
func (r *Repo) CaptureRollback(before map[string]diff.Version) (string, error) {
	paths := make([]string, 0, len(before))
	for p := range before {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	changes := make([]diff.Change, 0, len(paths))
	for _, p := range paths {
		current, err := r.readVersion(p)
		if err != nil {
			return "", err
		}
		was := before[p]
		changes = append(changes, diff.Change{
			Path:    p,
			Before:  was.Content,
			After:   current.Content,
			Created: !was.Exists,
			Deleted: !current.Exists,
		})
	}
	return diff.Inverse(changes), nil
}

// Diff returns the unified diff between HEAD and the worktree for paths, or
// for every modified tracked file when paths is empty.
func (r *Repo) Diff(paths []string) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return "", err
	}
	tree, err := commit.Tree()
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		if paths, err = r.modifiedPaths(); err != nil {
			return "", err
		}
	}
	sort.Strings(paths)

	p := &diff.Patch{Headers: true}
	for _, path := range paths {
		path = filepath.ToSlash(path)
		before, err := treeVersion(tree, path)
		if err != nil {
			return "", err
		}
		after, err := r.readVersion(path)
		if err != nil {
			return "", err
		}
		if fd := diff.Between(path, before, after, diff.DefaultContext); fd != nil {
			p.Files = append(p.Files, fd)
		}
	}
	if len(p.Files) == 0 {
		return "", nil
	}
	return p.String(), nil
}

// CherryPick replays the change introduced by hash onto the current branch
// and commits it with the original author. The change is applied by
// context matching, so it lands on a branch that has moved since; if any
// file does not apply, nothing is written and the error matches
// ErrMergeConflict.
func (r *Repo) CherryPick(ctx context.Context, hash string) (string, error) {
	const op = "gitops.cherry_pick"
	r.mu.Lock()
	defer r.mu.Unlock()

	clean, err := r.isClean()
	if err != nil {
		return "", err
	}
	if !clean {
		return "", fmt.Errorf("%s: %w", op, ErrDirty)
	}

	commit, err := r.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return "", fmt.Errorf("resolving commit %s: %w", hash, err)
	}
	if commit.NumParents() != 1 {
		return "", fmt.Errorf("%s %s: %w", op, hash, ErrUnsupportedPick)
	}
	planned, err := r.planPick(commit)
	if err != nil {
		return "", remediation.NewError(remediation.KindMerge, op, err)
	}

	base, _ := r.CurrentBranch()
	backup, err := r.createBackup(ctx, base)
	if err != nil {
		return "", err
	}
	if err := diff.Write(r.root, planned); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	files := make([]string, 0, len(planned))
	for _, c := range planned {
		files = append(files, c.Path)
	}
	author := commit.Author
	message := fmt.Sprintf("%s\n\n(cherry picked from commit %s)\n", trimMessage(commit.Message), commit.Hash)
	picked, err := r.commit(ctx, message, files, r.signature(Author{}), &author)
	if err != nil {
		return "", err
	}
	r.logger.Info(ctx, "cherry-picked", zap.String("from", hash), zap.String("commit", picked), zap.String("backup", backup))
	return picked, nil
}

// planPick computes the new content of every file the commit touches,
// applied against the current worktree.
func (r *Repo) planPick(commit *object.Commit) ([]diff.Change, error) {
	parent, err := commit.Parent(0)
	if err != nil {
		return nil, err
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return nil, err
	}

	type side struct {
		path          string
		before, after diff.Version
	}
	var sides []side
	for _, ch := range changes {
		from, to, err := ch.Files()
		if err != nil {
			return nil, err
		}
		before, err := fileVersion(from)
		if err != nil {
			return nil, err
		}
		after, err := fileVersion(to)
		if err != nil {
			return nil, err
		}
		switch {
		case from != nil && to != nil && ch.From.Name != ch.To.Name:
			sides = append(sides, side{ch.From.Name, before, diff.Version{}}, side{ch.To.Name, diff.Version{}, after})
		case to != nil:
			sides = append(sides, side{ch.To.Name, before, after})
		default:
			sides = append(sides, side{ch.From.Name, before, diff.Version{}})
		}
	}

	var planned []diff.Change
	for _, s := range sides {
		current, err := r.readVersion(s.path)
		if err != nil {
			return nil, err
		}
		if !s.before.Exists && current.Exists {
			return nil, fmt.Errorf("%s: file already exists", s.path)
		}
		if s.before.Exists && !current.Exists {
			return nil, fmt.Errorf("%s: %w", s.path, diff.ErrConflict)
		}
		next := current.Content
		if fd := diff.Between(s.path, s.before, s.after, diff.DefaultContext); fd != nil {
			if next, err = diff.Apply(current.Content, fd); err != nil {
				return nil, fmt.Errorf("%s: %w", s.path, err)
			}
		} else if s.before.Exists == s.after.Exists {
			continue
		}
		planned = append(planned, diff.Change{
			Path:    s.path,
			Before:  current.Content,
			After:   next,
			Created: !s.before.Exists,
			Deleted: !s.after.Exists,
		})
	}
	return planned, nil
}

func (r *Repo) readVersion(path string) (diff.Version, error) {
	data, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return diff.Version{}, nil
	}
	if err != nil {
		return diff.Version{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return diff.Version{Content: string(data), Exists: true}, nil
}

func treeVersion(tree *object.Tree, path string) (diff.Version, error) {
	f, err := tree.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return diff.Version{}, nil
	}
	if err != nil {
		return diff.Version{}, err
	}
	return fileVersion(f)
}

func fileVersion(f *object.File) (diff.Version, error) {
	if f == nil {
		return diff.Version{}, nil
	}
	content, err := f.Contents()
	if err != nil {
		return diff.Version{}, err
	}
	return diff.Version{Content: content, Exists: true}, nil
}

func trimMessage(msg string) string {
	for len(msg) > 0 && (msg[len(msg)-1] == '\n' || msg[len(msg)-1] == ' ') {
		msg = msg[:len(msg)-1]
	}
	return msg
}
