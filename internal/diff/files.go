package diff

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Change is the computed effect of a patch on one file. Created means the
// file did not exist before; Deleted means it does not exist after.
type Change struct {
	Path    string // slash-separated, relative to the root
	Before  string
	After   string
	Created bool
	Deleted bool
}

// Plan computes the new content of every file the patch touches under root
// without writing anything. Any conflict fails the whole plan.
func Plan(root string, p *Patch) ([]Change, error) {
	changes := make([]Change, 0, len(p.Files))
	for _, f := range p.Files {
		rel, err := cleanPath(f.Name())
		if err != nil {
			return nil, err
		}
		abs := filepath.Join(root, filepath.FromSlash(rel))

		var before string
		data, err := os.ReadFile(abs)
		switch {
		case err == nil:
			if f.IsNew() {
				return nil, &ConflictError{File: rel, Hunk: 1, AlreadyApplied: true}
			}
			before = string(data)
		case errors.Is(err, fs.ErrNotExist):
			if !f.IsNew() {
				return nil, fmt.Errorf("%w: %s does not exist", ErrConflict, rel)
			}
		default:
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}

		after, err := Apply(before, f)
		if err != nil {
			return nil, err
		}
		changes = append(changes, Change{Path: rel, Before: before, After: after, Created: f.IsNew(), Deleted: f.IsDelete()})
	}
	return changes, nil
}

// ApplyToDir applies the patch to the tree under root.
// Either every file is written or, on conflict, none is.
func ApplyToDir(root string, p *Patch) ([]Change, error) {
	changes, err := Plan(root, p)
	if err != nil {
		return nil, err
	}
	if err := Write(root, changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// Write materializes planned changes, staging each file next to its target
// and renaming into place.
func Write(root string, changes []Change) error {
	for _, c := range changes {
		abs := filepath.Join(root, filepath.FromSlash(c.Path))
		if c.Deleted {
			if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", c.Path, err)
			}
			continue
		}
		if err := writeFileAtomic(abs, []byte(c.After)); err != nil {
			return fmt.Errorf("write %s: %w", c.Path, err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	mode := fs.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".selfheal-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// cleanPath rejects absolute paths and paths escaping the root.
func cleanPath(name string) (string, error) {
	if name == "" || name == DevNull {
		return "", fmt.Errorf("%w: missing file name", ErrMalformed)
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: path %q escapes the repository", ErrMalformed, name)
	}
	return clean, nil
}

// Inverse returns the diff that turns the post-change tree back into the
// pre-change tree, or "" when nothing changed.
func Inverse(changes []Change) string {
	p := &Patch{Headers: true}
	for _, c := range changes {
		fd := Between(c.Path, Version{c.After, !c.Deleted}, Version{c.Before, !c.Created}, DefaultContext)
		if fd != nil {
			p.Files = append(p.Files, fd)
		}
	}
	if len(p.Files) == 0 {
		return ""
	}
	return p.String()
}
