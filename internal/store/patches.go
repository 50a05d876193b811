package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/selfheal/internal/remediation"
)

const patchColumns = `id, issue_id, diff, original_code, patched_code, explanation, confidence, safety_score,
	breaking_changes, dependencies, status, reason, reason_kind, applied, rollback_patch, applied_at,
	generation, created_at, updated_at`

// CreatePatch inserts a candidate patch for an existing issue.
func (s *Store) CreatePatch(ctx context.Context, p *remediation.Patch) error {
	return s.CreatePatches(ctx, []*remediation.Patch{p})
}

// CreatePatches inserts candidates in one transaction.
func (s *Store) CreatePatches(ctx context.Context, patches []*remediation.Patch) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range patches {
			if err := s.insertPatch(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	return persistErr("store.create_patch", err)
}

func (s *Store) insertPatch(ctx context.Context, tx *sql.Tx, p *remediation.Patch) error {
	now := s.timestamp()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = remediation.PatchPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	breaking, err := json.Marshal(nonNil(p.BreakingChanges))
	if err != nil {
		return err
	}
	deps, err := json.Marshal(nonNil(p.Dependencies))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO patches (id, issue_id, diff, original_code, patched_code, explanation, confidence, safety_score,
			breaking_changes, dependencies, status, reason, reason_kind, applied, rollback_patch, applied_at,
			generation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.IssueID, p.Diff, p.OriginalCode, p.PatchedCode, p.Explanation, p.Confidence, p.SafetyScore,
		string(breaking), string(deps), p.Status, p.Reason, p.ReasonKind, p.Applied, nullString(p.RollbackPatch),
		nullTime(p.AppliedAt), p.Generation, p.CreatedAt.UTC(), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting patch %s: %w", p.ID, err)
	}
	return nil
}

// GetPatch returns the patch with id.
func (s *Store) GetPatch(ctx context.Context, id string) (*remediation.Patch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patchColumns+` FROM patches WHERE id = ?`, id)
	p, err := scanPatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("store.get_patch", err)
	}
	return p, nil
}

// GetPatchesForIssue lists an issue's candidates in generation order.
func (s *Store) GetPatchesForIssue(ctx context.Context, issueID string) ([]remediation.Patch, error) {
	return s.queryPatches(ctx, "store.patches_for_issue",
		`SELECT `+patchColumns+` FROM patches WHERE issue_id = ? ORDER BY generation, created_at`, issueID)
}

// GetAppliedPatches lists applied patches, most recently applied first.
func (s *Store) GetAppliedPatches(ctx context.Context) ([]remediation.Patch, error) {
	return s.queryPatches(ctx, "store.applied_patches",
		`SELECT `+patchColumns+` FROM patches WHERE status = 'applied' ORDER BY applied_at DESC`)
}

// UpdatePatchStatus persists p's status and reason. The stored status must
// be able to reach p.Status.
func (s *Store) UpdatePatchStatus(ctx context.Context, p *remediation.Patch) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkTransition(ctx, tx, p.ID, p.Status); err != nil {
			return err
		}
		p.UpdatedAt = s.timestamp()
		_, err := tx.ExecContext(ctx,
			`UPDATE patches SET status = ?, reason = ?, reason_kind = ?, updated_at = ? WHERE id = ?`,
			p.Status, p.Reason, p.ReasonKind, p.UpdatedAt, p.ID)
		return err
	})
	return persistErr("store.update_patch_status", err)
}

// UpdatePatchValidation records a validation attempt: the patch takes its
// new status, the result is stored as the patch's latest validation and
// appended to the validation history.
func (s *Store) UpdatePatchValidation(ctx context.Context, p *remediation.Patch, res *remediation.ValidationResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return persistErr("store.update_patch_validation", fmt.Errorf("encoding result: %w", err))
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkTransition(ctx, tx, p.ID, p.Status); err != nil {
			return err
		}
		now := s.timestamp()
		p.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE patches SET status = ?, reason = ?, reason_kind = ?, validation_status = ?, validation = ?, updated_at = ?
			WHERE id = ?`,
			p.Status, p.Reason, p.ReasonKind, res.Status, string(data), now, p.ID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO validation_results (patch_id, status, error_kind, result, created_at) VALUES (?, ?, ?, ?, ?)`,
			p.ID, res.Status, res.ErrorKind, string(data), now)
		return err
	})
	if err != nil {
		return persistErr("store.update_patch_validation", err)
	}
	s.logger.Debug(ctx, "validation stored", zap.String("patch_id", p.ID), zap.String("status", string(res.Status)))
	return nil
}

// LatestValidation returns the most recent validation result of a patch.
func (s *Store) LatestValidation(ctx context.Context, patchID string) (*remediation.ValidationResult, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT validation FROM patches WHERE id = ?`, patchID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patch %s: %w", patchID, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("store.latest_validation", err)
	}
	if !data.Valid {
		return nil, fmt.Errorf("validation of patch %s: %w", patchID, ErrNotFound)
	}
	var res remediation.ValidationResult
	if err := json.Unmarshal([]byte(data.String), &res); err != nil {
		return nil, persistErr("store.latest_validation", err)
	}
	return &res, nil
}

// ValidationHistory lists every validation attempt of a patch, oldest first.
func (s *Store) ValidationHistory(ctx context.Context, patchID string) ([]remediation.ValidationResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM validation_results WHERE patch_id = ? ORDER BY id`, patchID)
	if err != nil {
		return nil, persistErr("store.validation_history", err)
	}
	defer rows.Close()

	var out []remediation.ValidationResult
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, persistErr("store.validation_history", err)
		}
		var res remediation.ValidationResult
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return nil, persistErr("store.validation_history", err)
		}
		out = append(out, res)
	}
	return out, persistErr("store.validation_history", rows.Err())
}

// MarkPatchApplied records that a Valid patch was applied together with
// the diff that undoes it.
func (s *Store) MarkPatchApplied(ctx context.Context, id, rollback string) error {
	now := s.timestamp()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkTransition(ctx, tx, id, remediation.PatchApplied); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE patches SET status = 'applied', applied = 1, rollback_patch = ?, applied_at = ?, updated_at = ? WHERE id = ?`,
			rollback, now, now, id)
		return err
	})
	if err != nil {
		return persistErr("store.mark_applied", err)
	}
	s.logger.Info(ctx, "patch marked applied", zap.String("patch_id", id))
	return nil
}

// MarkPatchRolledBack records that an applied patch was reverted.
func (s *Store) MarkPatchRolledBack(ctx context.Context, id, reason string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkTransition(ctx, tx, id, remediation.PatchRolledBack); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE patches SET status = 'rolled_back', applied = 0, reason = ?, updated_at = ? WHERE id = ?`,
			reason, s.timestamp(), id)
		return err
	})
	if err != nil {
		return persistErr("store.mark_rolled_back", err)
	}
	s.logger.Info(ctx, "patch marked rolled back", zap.String("patch_id", id))
	return nil
}

// checkTransition rejects a status change the lifecycle forbids. Writing
// the current status again is allowed.
func checkTransition(ctx context.Context, tx *sql.Tx, id string, to remediation.PatchStatus) error {
	var current remediation.PatchStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM patches WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("patch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if current == to || remediation.CanTransition(current, to) {
		return nil
	}
	return fmt.Errorf("%w: stored patch %s is %s, cannot become %s", remediation.ErrInvalidTransition, id, current, to)
}

func (s *Store) queryPatches(ctx context.Context, op, query string, args ...any) ([]remediation.Patch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr(op, err)
	}
	defer rows.Close()

	var out []remediation.Patch
	for rows.Next() {
		p, err := scanPatch(rows)
		if err != nil {
			return nil, persistErr(op, err)
		}
		out = append(out, *p)
	}
	return out, persistErr(op, rows.Err())
}

func scanPatch(row rowScanner) (*remediation.Patch, error) {
	var (
		p              remediation.Patch
		breaking, deps string
		rollback       sql.NullString
		appliedAt      sql.NullTime
	)
	err := row.Scan(&p.ID, &p.IssueID, &p.Diff, &p.OriginalCode, &p.PatchedCode, &p.Explanation,
		&p.Confidence, &p.SafetyScore, &breaking, &deps, &p.Status, &p.Reason, &p.ReasonKind,
		&p.Applied, &rollback, &appliedAt, &p.Generation, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(breaking), &p.BreakingChanges); err != nil {
		return nil, fmt.Errorf("decoding breaking changes of patch %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(deps), &p.Dependencies); err != nil {
		return nil, fmt.Errorf("decoding dependencies of patch %s: %w", p.ID, err)
	}
	if len(p.BreakingChanges) == 0 {
		p.BreakingChanges = nil
	}
	if len(p.Dependencies) == 0 {
		p.Dependencies = nil
	}
	if rollback.Valid {
		r := rollback.String
		p.RollbackPatch = &r
	}
	if appliedAt.Valid {
		t := appliedAt.Time
		p.AppliedAt = &t
	}
	return &p, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
