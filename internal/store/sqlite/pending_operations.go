package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kashcal/sync-core/internal/model"
)

const pendingOpCols = `
	id, event_id, kind, status, retry_count, max_retries, next_retry_at,
	target_url, target_calendar_id, source_calendar_id, move_phase,
	conflict_cycles, lifetime_reset_at, failed_at, created_at
`

func scanOperation(row interface{ Scan(...any) error }) (*model.PendingOperation, error) {
	var op model.PendingOperation
	var nextRetryAt, failedAt sql.NullTime
	if err := row.Scan(
		&op.ID, &op.EventID, &op.Kind, &op.Status, &op.RetryCount, &op.MaxRetries, &nextRetryAt,
		&op.TargetURL, &op.TargetCalendarID, &op.SourceCalendarID, &op.MovePhase,
		&op.ConflictCycles, &op.LifetimeResetAt, &failedAt, &op.CreatedAt,
	); err != nil {
		return nil, err
	}
	if nextRetryAt.Valid {
		op.NextRetryAt = &nextRetryAt.Time
	}
	if failedAt.Valid {
		op.FailedAt = &failedAt.Time
	}
	return &op, nil
}

// upsertOperation is shared by WriteEvent's same-transaction path and
// EnqueueOperation's standalone path.
func upsertOperation(ctx context.Context, tx *sql.Tx, op *model.PendingOperation) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.MaxRetries == 0 {
		op.MaxRetries = model.MaxRetries
	}
	now := time.Now().UTC()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	if op.LifetimeResetAt.IsZero() {
		op.LifetimeResetAt = now
	}
	if op.Status == "" {
		op.Status = model.OpStatusPending
	}

	var nextRetryAt, failedAt any
	if op.NextRetryAt != nil {
		nextRetryAt = *op.NextRetryAt
	}
	if op.FailedAt != nil {
		failedAt = *op.FailedAt
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO pending_operations (`+pendingOpCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			event_id=excluded.event_id, kind=excluded.kind, status=excluded.status,
			retry_count=excluded.retry_count, max_retries=excluded.max_retries, next_retry_at=excluded.next_retry_at,
			target_url=excluded.target_url, target_calendar_id=excluded.target_calendar_id,
			source_calendar_id=excluded.source_calendar_id, move_phase=excluded.move_phase,
			conflict_cycles=excluded.conflict_cycles, lifetime_reset_at=excluded.lifetime_reset_at,
			failed_at=excluded.failed_at, created_at=excluded.created_at
	`, op.ID, op.EventID, op.Kind, op.Status, op.RetryCount, op.MaxRetries, nextRetryAt,
		op.TargetURL, op.TargetCalendarID, op.SourceCalendarID, op.MovePhase,
		op.ConflictCycles, op.LifetimeResetAt, failedAt, op.CreatedAt)
	return err
}

func (s *Store) EnqueueOperation(ctx context.Context, op *model.PendingOperation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertOperation(ctx, tx, op)
	})
}

// GetReadyOperations returns PENDING operations for calendarID (as either
// target or source, since a MOVE straddles both) whose backoff has elapsed.
func (s *Store) GetReadyOperations(ctx context.Context, calendarID string, now time.Time) ([]*model.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pendingOpCols+` FROM pending_operations
		WHERE (target_calendar_id = ? OR source_calendar_id = ?)
		  AND status = ?
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at
	`, calendarID, calendarID, model.OpStatusPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Store) MarkOperationInProgress(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pending_operations SET status = ? WHERE id = ?`, model.OpStatusInProgress, id)
	return err
}

func (s *Store) MarkOperationSuccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	return err
}

// MarkOperationRetry returns the operation to PENDING with an advanced
// backoff: nextRetryAt = now + min(5h, 30s * 2^retryCount).
func (s *Store) MarkOperationRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET status = ?, retry_count = ?, next_retry_at = ? WHERE id = ?
	`, model.OpStatusPending, retryCount, nextRetryAt, id)
	return err
}

func (s *Store) MarkOperationFailed(ctx context.Context, id string, failedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET status = ?, failed_at = ? WHERE id = ?
	`, model.OpStatusFailed, failedAt, id)
	return err
}

func (s *Store) MarkOperationConflict(ctx context.Context, id string, conflictCycles int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET status = ?, conflict_cycles = ? WHERE id = ?
	`, model.OpStatusConflict, conflictCycles, id)
	return err
}

// AdvanceMovePhase flips a MOVE operation from DeleteFromSource to
// CreateInTarget once the delete leg has succeeded, resetting
// its retry state for the new leg.
func (s *Store) AdvanceMovePhase(ctx context.Context, id string, targetCalendarID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET move_phase = ?, target_calendar_id = ?, status = ?, retry_count = 0, next_retry_at = NULL
		WHERE id = ?
	`, model.MovePhaseCreateInTarget, targetCalendarID, model.OpStatusPending, id)
	return err
}

// ResetAbandonedInProgress reclaims operations left IN_PROGRESS by a process
// that died mid-push: they return to PENDING so the next scheduler tick
// retries them.
func (s *Store) ResetAbandonedInProgress(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET status = ? WHERE status = ?
	`, model.OpStatusPending, model.OpStatusInProgress)
	return err
}

// ResetExpiredFailed re-admits operations that have sat FAILED for longer
// than model.FailedLifetime.
func (s *Store) ResetExpiredFailed(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-model.FailedLifetime)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET status = ?, retry_count = 0, next_retry_at = NULL, failed_at = NULL
		WHERE status = ? AND failed_at <= ?
	`, model.OpStatusPending, model.OpStatusFailed, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ConflictOperationsForCalendar is filtered by targetCalendarId from the
// start rather than fetched unfiltered and filtered in Go, since a MOVE's
// source leg is never itself the conflicted side once phase 1 begins.
func (s *Store) ConflictOperationsForCalendar(ctx context.Context, calendarID string) ([]*model.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pendingOpCols+` FROM pending_operations
		WHERE target_calendar_id = ? AND status = ?
		ORDER BY created_at
	`, calendarID, model.OpStatusConflict)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Store) AbandonOperation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	return err
}

// ListOperationsOlderThan supports the AbandonLifetime sweep:
// any operation, regardless of status, older than the cutoff is a candidate
// for abandonment.
func (s *Store) ListOperationsOlderThan(ctx context.Context, cutoff time.Time) ([]*model.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pendingOpCols+` FROM pending_operations WHERE lifetime_reset_at <= ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	return err
}
