// Package store persists issues, patches and validation history in SQLite.
//
// The store owns Issue and Patch records once created. Patch status changes
// are checked against the remediation lifecycle inside a transaction, so a
// stale writer can never move a patch backwards.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/selfheal/internal/logging"
	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is a SQLite-backed PersistenceStore.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for timestamps and retention.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and migrates it.
// The special path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, persistErr("store.open", fmt.Errorf("creating db directory: %w", err))
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, persistErr("store.open", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logging.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("store")

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, persistErr("store.migrate", err)
	}
	s.logger.Debug(ctx, "store opened", zap.String("path", path))
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		file_path TEXT NOT NULL,
		line INTEGER NOT NULL,
		col INTEGER NOT NULL DEFAULT 0,
		severity TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		suggestion TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		resolved_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS patches (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
		diff TEXT NOT NULL,
		original_code TEXT NOT NULL DEFAULT '',
		patched_code TEXT NOT NULL DEFAULT '',
		explanation TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL,
		safety_score REAL NOT NULL,
		breaking_changes TEXT NOT NULL DEFAULT '[]',
		dependencies TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		reason_kind TEXT NOT NULL DEFAULT '',
		validation_status TEXT NOT NULL DEFAULT '',
		validation TEXT,
		applied INTEGER NOT NULL DEFAULT 0,
		rollback_patch TEXT,
		applied_at DATETIME,
		generation INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS validation_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patch_id TEXT NOT NULL REFERENCES patches(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
	CREATE INDEX IF NOT EXISTS idx_issues_fingerprint ON issues(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_patches_issue_id ON patches(issue_id);
	CREATE INDEX IF NOT EXISTS idx_validation_results_patch_id ON validation_results(patch_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// withTx runs fn in a transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// persistErr classifies a database failure. ErrNotFound and lifecycle
// violations keep their identity.
func persistErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, remediation.ErrInvalidTransition) {
		return err
	}
	return remediation.NewError(remediation.KindPersistence, op, err)
}

// GetStatistics summarizes stored state.
func (s *Store) GetStatistics(ctx context.Context) (*remediation.Statistics, error) {
	const q = `
	SELECT
		(SELECT COUNT(*) FROM issues),
		(SELECT COUNT(*) FROM issues WHERE status IN ('open', 'in_progress')),
		(SELECT COUNT(*) FROM issues WHERE status = 'resolved'),
		(SELECT COUNT(*) FROM patches),
		(SELECT COUNT(*) FROM patches WHERE status = 'applied'),
		(SELECT COUNT(*) FROM patches WHERE status = 'rolled_back'),
		(SELECT COUNT(*) FROM validation_results),
		(SELECT COUNT(*) FROM validation_results WHERE status = 'success'),
		(SELECT COALESCE(AVG(confidence), 0) FROM patches),
		(SELECT COALESCE(AVG(safety_score), 0) FROM patches)`

	var st remediation.Statistics
	err := s.db.QueryRowContext(ctx, q).Scan(
		&st.TotalIssues, &st.OpenIssues, &st.ResolvedIssues,
		&st.TotalPatches, &st.AppliedPatches, &st.RolledBackPatches,
		&st.ValidationRuns, &st.SuccessfulValidations,
		&st.AvgConfidence, &st.AvgSafetyScore,
	)
	if err != nil {
		return nil, persistErr("store.statistics", err)
	}
	return &st, nil
}

// Cleanup deletes issues that reached a terminal status (resolved, rejected
// or duplicate) before the retention window, together with their patches
// and validation history. It returns the number of issues removed.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.timestamp().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM issues
		WHERE status IN ('resolved', 'rejected', 'duplicate')
		AND COALESCE(resolved_at, updated_at) < ?`, cutoff)
	if err != nil {
		return 0, persistErr("store.cleanup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("store.cleanup", err)
	}
	if n > 0 {
		s.logger.Info(ctx, "retention cleanup", zap.Int64("issues_removed", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
