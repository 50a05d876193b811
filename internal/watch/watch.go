// Package watch re-runs work when files in a working tree change.
//
// fsnotify watches are not recursive, so every directory under the root is
// added individually and directories created later are added as they
// appear. Events are debounced: a burst of writes produces one Batch once
// the tree has been quiet for the debounce interval.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/logging"
)

// DefaultDebounce applies when none is configured.
const DefaultDebounce = 2 * time.Second

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Batch is a set of changed paths, relative to the root.
type Batch struct {
	Paths     []string
	Timestamp time.Time
}

// Handler processes one batch. Changes made to the tree while it runs are
// discarded, so a handler that writes files does not trigger itself.
type Handler func(ctx context.Context, b Batch) error

// Watcher watches a tree for changes.
type Watcher struct {
	root     string
	debounce time.Duration
	skip     func(rel string, isDir bool) bool
	watcher  *fsnotify.Watcher
	logger   *logging.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period before a batch is delivered.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithFilter excludes paths for which skip returns true.
func WithFilter(skip func(rel string, isDir bool) bool) Option {
	return func(w *Watcher) { w.skip = skip }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a watcher for root and registers every directory below it.
func New(root string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	w := &Watcher{
		root:     abs,
		debounce: DefaultDebounce,
		skip:     func(string, bool) bool { return false },
		watcher:  fw,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("watch")
	if err := w.addTree(abs); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Run delivers batches to h until ctx is done. A handler error is logged
// and watching continues.
func (w *Watcher) Run(ctx context.Context, h Handler) error {
	pending := map[string]struct{}{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			rel, keep := w.accept(ev)
			if !keep {
				continue
			}
			pending[rel] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "watch error", zap.Error(err))

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			b := Batch{Paths: sortedKeys(pending), Timestamp: time.Now().UTC()}
			pending = map[string]struct{}{}
			w.logger.Info(ctx, "changes detected", zap.Int("paths", len(b.Paths)))
			if err := h(ctx, b); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Error(ctx, "handler failed", zap.Error(err))
			}
			w.drain()
		}
	}
}

// accept filters an event and registers newly created directories.
func (w *Watcher) accept(ev fsnotify.Event) (string, bool) {
	if ev.Op == fsnotify.Chmod {
		return "", false
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if internal(rel) {
		return "", false
	}
	isDir := false
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			isDir = true
			if !w.skip(rel, true) {
				if err := w.addTree(ev.Name); err != nil {
					w.logger.Warn(context.Background(), "watching new directory", zap.String("path", rel), zap.Error(err))
				}
			}
		}
	}
	if w.skip(rel, isDir) {
		return "", false
	}
	return rel, true
}

// drain discards events that queued up while the handler ran.
func (w *Watcher) drain() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// New directories still need a watch.
			if ev.Op.Has(fsnotify.Create) {
				_, _ = w.accept(ev)
			}
		default:
			return
		}
	}
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(w.root, path)
		rel = filepath.ToSlash(rel)
		if rel != "." && (internal(rel) || w.skip(rel, true)) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", rel, err)
		}
		return nil
	})
}

// internal reports paths owned by git or by the pipeline itself.
func internal(rel string) bool {
	first, _, _ := strings.Cut(rel, "/")
	return first == ".git" || first == ".selfheal"
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
