package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, dir string, opts ...Option) <-chan Batch {
	t.Helper()
	w, err := New(dir, append([]Option{WithDebounce(50 * time.Millisecond)}, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	batches := make(chan Batch, 10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, func(_ context.Context, b Batch) error {
			batches <- b
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Close()
	})
	return batches
}

func next(t *testing.T, batches <-chan Batch) Batch {
	t.Helper()
	select {
	case b := <-batches:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for batch")
		return Batch{}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWatcher_DebouncesBurst(t *testing.T) {
	dir := t.TempDir()
	batches := startWatcher(t, dir)

	writeFile(t, filepath.Join(dir, "a.go"), "package a\n")
	writeFile(t, filepath.Join(dir, "b.go"), "package a\n")
	writeFile(t, filepath.Join(dir, "a.go"), "package a\n\nvar x = 1\n")

	b := next(t, batches)
	assert.Equal(t, []string{"a.go", "b.go"}, b.Paths)
	assert.False(t, b.Timestamp.IsZero())

	select {
	case extra := <-batches:
		t.Fatalf("unexpected second batch: %v", extra.Paths)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_ExistingSubdirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg", "calc"), 0o755))
	batches := startWatcher(t, dir)

	writeFile(t, filepath.Join(dir, "pkg", "calc", "calc.go"), "package calc\n")

	b := next(t, batches)
	assert.Equal(t, []string{"pkg/calc/calc.go"}, b.Paths)
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	batches := startWatcher(t, dir)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "internal"), 0o755))
	b := next(t, batches)
	assert.Equal(t, []string{"internal"}, b.Paths)

	writeFile(t, filepath.Join(dir, "internal", "x.go"), "package internal\n")
	b = next(t, batches)
	assert.Equal(t, []string{"internal/x.go"}, b.Paths)
}

func TestWatcher_SkipsInternalAndFilteredPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".selfheal"), 0o755))
	batches := startWatcher(t, dir, WithFilter(func(rel string, _ bool) bool {
		return strings.HasSuffix(rel, ".log")
	}))

	writeFile(t, filepath.Join(dir, ".git", "index"), "x")
	writeFile(t, filepath.Join(dir, ".selfheal", "selfheal.db"), "x")
	writeFile(t, filepath.Join(dir, "build.log"), "x")
	writeFile(t, filepath.Join(dir, "main.go"), "package main\n")

	b := next(t, batches)
	assert.Equal(t, []string{"main.go"}, b.Paths)
}

func TestNew_MissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
