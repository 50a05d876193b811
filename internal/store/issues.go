package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

const issueColumns = `id, file_path, line, col, severity, kind, message, suggestion, context, status, created_at, updated_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateIssue inserts an issue. A missing ID, status or timestamp is filled in.
func (s *Store) CreateIssue(ctx context.Context, issue *remediation.Issue) error {
	now := s.timestamp()
	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	if issue.Status == "" {
		issue.Status = remediation.IssueOpen
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now

	ctxJSON, err := json.Marshal(issue.Context)
	if err != nil {
		return persistErr("store.create_issue", fmt.Errorf("encoding context: %w", err))
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO issues (id, fingerprint, file_path, line, col, severity, kind, message, suggestion, context, status, created_at, updated_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.Fingerprint(), issue.FilePath, issue.Line, issue.Column,
		issue.Severity, issue.Kind, issue.Message, issue.Suggestion, string(ctxJSON),
		issue.Status, issue.CreatedAt.UTC(), issue.UpdatedAt, nullTime(issue.ResolvedAt),
	)
	if err != nil {
		return persistErr("store.create_issue", err)
	}
	s.logger.Debug(ctx, "issue stored", zap.String("issue_id", issue.ID), zap.String("kind", string(issue.Kind)))
	return nil
}

// GetIssue returns the issue with id.
func (s *Store) GetIssue(ctx context.Context, id string) (*remediation.Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("store.get_issue", err)
	}
	return issue, nil
}

// GetIssuesByStatus lists issues with status, most severe first, then oldest.
func (s *Store) GetIssuesByStatus(ctx context.Context, status remediation.IssueStatus) ([]remediation.Issue, error) {
	return s.queryIssues(ctx, "store.issues_by_status",
		`SELECT `+issueColumns+` FROM issues WHERE status = ? ORDER BY `+severityOrder+`, created_at, id`, status)
}

// ListIssues lists every issue, newest first.
func (s *Store) ListIssues(ctx context.Context) ([]remediation.Issue, error) {
	return s.queryIssues(ctx, "store.list_issues",
		`SELECT `+issueColumns+` FROM issues ORDER BY created_at DESC, id`)
}

// SearchIssues matches query as a substring of the file path, message or kind.
func (s *Store) SearchIssues(ctx context.Context, query string) ([]remediation.Issue, error) {
	pattern := "%" + escapeLike(query) + "%"
	return s.queryIssues(ctx, "store.search_issues",
		`SELECT `+issueColumns+` FROM issues
		WHERE file_path LIKE ? ESCAPE '\' OR message LIKE ? ESCAPE '\' OR kind LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id`, pattern, pattern, pattern)
}

// FindOpenByFingerprint returns an open or in-progress issue describing the
// same defect as issue, other than issue itself.
func (s *Store) FindOpenByFingerprint(ctx context.Context, issue *remediation.Issue) (*remediation.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		WHERE fingerprint = ? AND id != ? AND status IN ('open', 'in_progress')
		ORDER BY created_at LIMIT 1`, issue.Fingerprint(), issue.ID)
	found, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("store.find_by_fingerprint", err)
	}
	return found, nil
}

// UpdateIssueStatus moves an issue to status. Resolving stamps resolved_at;
// leaving Resolved clears it.
func (s *Store) UpdateIssueStatus(ctx context.Context, id string, status remediation.IssueStatus) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current remediation.IssueStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM issues WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("issue %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !remediation.CanTransitionIssue(current, status) {
			return fmt.Errorf("%w: stored issue %s is %s, cannot become %s", remediation.ErrInvalidTransition, id, current, status)
		}

		now := s.timestamp()
		if status == current {
			_, err = tx.ExecContext(ctx, `UPDATE issues SET updated_at = ? WHERE id = ?`, now, id)
			return err
		}
		var resolved any
		if status == remediation.IssueResolved {
			resolved = now
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE issues SET status = ?, updated_at = ?, resolved_at = ? WHERE id = ?`,
			status, now, resolved, id)
		return err
	})
	return persistErr("store.update_issue_status", err)
}

func (s *Store) queryIssues(ctx context.Context, op, query string, args ...any) ([]remediation.Issue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()

	var out []remediation.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, *issue)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(op, err)
	}
	return out, nil
}

func scanIssue(row rowScanner) (*remediation.Issue, error) {
	var (
		issue    remediation.Issue
		ctxJSON  string
		resolved sql.NullTime
	)
	err := row.Scan(&issue.ID, &issue.FilePath, &issue.Line, &issue.Column, &issue.Severity,
		&issue.Kind, &issue.Message, &issue.Suggestion, &ctxJSON, &issue.Status,
		&issue.CreatedAt, &issue.UpdatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	if ctxJSON != "" && ctxJSON != "null" {
		if err := json.Unmarshal([]byte(ctxJSON), &issue.Context); err != nil {
			return nil, fmt.Errorf("decoding context of issue %s: %w", issue.ID, err)
		}
	}
	if resolved.Valid {
		t := resolved.Time
		issue.ResolvedAt = &t
	}
	return &issue, nil
}

const severityOrder = `CASE severity
	WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 WHEN 'low' THEN 3 ELSE 4 END`

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
