// Package queue implements PendingQueue: the enqueue/retry/abandon policy
// layered on top of store.Store's pending_operations primitives. The Store
// only persists rows; this package owns the backoff schedule, the
// conflict-cycle and lifetime counters, and the abandonment sweep.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/store"
)

// retryBackoffUnit/retryBackoffCap implement
// nextRetryAt = now + min(5h, 30s * 2^retryCount).
const (
	retryBackoffUnit = 30 * time.Second
	retryBackoffCap  = 5 * time.Hour
)

// Queue is PendingQueue: queues local mutations for push and tracks their
// retry/lifetime/conflict state.
type Queue struct {
	store  store.Store
	now    func() time.Time
	logger zerolog.Logger
}

func New(s store.Store, logger zerolog.Logger) *Queue {
	return &Queue{store: s, now: time.Now, logger: logger.With().Str("component", "queue").Logger()}
}

// NewWithClock lets tests pin "now" so retry/lifetime math is deterministic.
func NewWithClock(s store.Store, logger zerolog.Logger, now func() time.Time) *Queue {
	return &Queue{store: s, now: now, logger: logger.With().Str("component", "queue").Logger()}
}

// Enqueue queues a CREATE/UPDATE/DELETE for eventID against targetURL in
// targetCalendarID.
func (q *Queue) Enqueue(ctx context.Context, eventID string, kind model.OperationKind, targetURL, targetCalendarID string) error {
	now := q.now().UTC()
	op := &model.PendingOperation{
		ID:               uuid.NewString(),
		EventID:          eventID,
		Kind:             kind,
		Status:           model.OpStatusPending,
		RetryCount:       0,
		MaxRetries:       model.MaxRetries,
		NextRetryAt:      &now,
		TargetURL:        targetURL,
		TargetCalendarID: targetCalendarID,
		LifetimeResetAt:  now,
		CreatedAt:        now,
	}
	return q.store.EnqueueOperation(ctx, op)
}

// EnqueueMove queues a cross-calendar MOVE, starting at phase 0
// (delete from source).
func (q *Queue) EnqueueMove(ctx context.Context, eventID, sourceCalendarID, targetCalendarID string) error {
	now := q.now().UTC()
	op := &model.PendingOperation{
		ID:               uuid.NewString(),
		EventID:          eventID,
		Kind:             model.OpMove,
		Status:           model.OpStatusPending,
		RetryCount:       0,
		MaxRetries:       model.MaxRetries,
		NextRetryAt:      &now,
		SourceCalendarID: sourceCalendarID,
		TargetCalendarID: targetCalendarID,
		MovePhase:        model.MovePhaseDeleteFromSource,
		LifetimeResetAt:  now,
		CreatedAt:        now,
	}
	return q.store.EnqueueOperation(ctx, op)
}

// GetReady returns PENDING operations for calendarID whose backoff has
// elapsed, oldest first.
func (q *Queue) GetReady(ctx context.Context, calendarID string) ([]*model.PendingOperation, error) {
	return q.store.GetReadyOperations(ctx, calendarID, q.now())
}

func (q *Queue) MarkInProgress(ctx context.Context, id string) error {
	return q.store.MarkOperationInProgress(ctx, id)
}

func (q *Queue) MarkSuccess(ctx context.Context, id string) error {
	return q.store.MarkOperationSuccess(ctx, id)
}

// MarkRetryable advances op's backoff, or transitions it to FAILED once
// maxRetries is exhausted.
func (q *Queue) MarkRetryable(ctx context.Context, op *model.PendingOperation) error {
	retryCount := op.RetryCount + 1
	if retryCount > op.MaxRetries {
		return q.store.MarkOperationFailed(ctx, op.ID, q.now().UTC())
	}
	wait := retryBackoffUnit * time.Duration(1<<uint(retryCount))
	if wait > retryBackoffCap {
		wait = retryBackoffCap
	}
	return q.store.MarkOperationRetry(ctx, op.ID, retryCount, q.now().UTC().Add(wait))
}

// MarkFailed transitions op straight to FAILED, bypassing the retry
// schedule, for errors the server has marked permanent (e.g. 403/404).
func (q *Queue) MarkFailed(ctx context.Context, id string) error {
	return q.store.MarkOperationFailed(ctx, id, q.now().UTC())
}

// AdvanceMove flips a MOVE from phase 0 to phase 1 once the delete leg of
// the move has succeeded against the source calendar.
func (q *Queue) AdvanceMove(ctx context.Context, id, targetCalendarID string) error {
	return q.store.AdvanceMovePhase(ctx, id, targetCalendarID)
}

// AbandonedTitle names an operation's event for once-per-cycle user
// notification after abandonment.
type AbandonedTitle struct {
	EventID string
	Title   string
}

// MarkConflict records a 412 against op. Once MaxConflictSyncCycles is
// exceeded the operation is abandoned instead of staying in CONFLICT
// forever; the caller should surface the returned title if non-nil.
func (q *Queue) MarkConflict(ctx context.Context, op *model.PendingOperation) (*AbandonedTitle, error) {
	cycles := op.ConflictCycles + 1
	if cycles > model.MaxConflictSyncCycles {
		return q.abandon(ctx, op)
	}
	return nil, q.store.MarkOperationConflict(ctx, op.ID, cycles)
}

// ConflictOperations returns the operations left in CONFLICT for
// calendarID, for ConflictResolver to drain.
func (q *Queue) ConflictOperations(ctx context.Context, calendarID string) ([]*model.PendingOperation, error) {
	return q.store.ConflictOperationsForCalendar(ctx, calendarID)
}

// Requeue puts op back to PENDING with its retryCount unchanged, ready
// immediately. Used by ConflictResolver's CLIENT_WINS policy once the
// server's current etag has been fetched.
func (q *Queue) Requeue(ctx context.Context, op *model.PendingOperation) error {
	return q.store.MarkOperationRetry(ctx, op.ID, op.RetryCount, q.now().UTC())
}

// ResetAbandonedInProgress reclaims operations left IN_PROGRESS by a
// process that died mid-push, so the next scheduler tick retries them.
func (q *Queue) ResetAbandonedInProgress(ctx context.Context) error {
	return q.store.ResetAbandonedInProgress(ctx)
}

// ResetExpiredFailed re-admits operations that have sat FAILED for longer
// than model.FailedLifetime, returning the number reset.
func (q *Queue) ResetExpiredFailed(ctx context.Context) (int, error) {
	return q.store.ResetExpiredFailed(ctx, q.now().UTC())
}

// SweepAbandoned abandons every operation older than model.AbandonLifetime
// since its lifetimeResetAt that has not succeeded: the event's syncStatus
// returns to SYNCED, its calendar's ctag is cleared to force a full pull on
// the next cycle, and the operation is deleted. Returns the titles of
// abandoned events for once-per-cycle notification.
func (q *Queue) SweepAbandoned(ctx context.Context) ([]AbandonedTitle, error) {
	cutoff := q.now().UTC().Add(-model.AbandonLifetime)
	ops, err := q.store.ListOperationsOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var abandoned []AbandonedTitle
	for _, op := range ops {
		title, err := q.abandon(ctx, op)
		if err != nil {
			return abandoned, err
		}
		if title != nil {
			abandoned = append(abandoned, *title)
		}
	}
	return abandoned, nil
}

// abandon resets op's event back to SYNCED, clears its calendar's ctag to
// force a full resync, and deletes the operation row.
func (q *Queue) abandon(ctx context.Context, op *model.PendingOperation) (*AbandonedTitle, error) {
	event, err := q.store.GetEvent(ctx, op.EventID)
	if err != nil {
		return nil, err
	}

	calendarID := op.TargetCalendarID
	if calendarID == "" {
		calendarID = op.SourceCalendarID
	}
	if calendarID != "" {
		if err := q.store.ClearCalendarCTag(ctx, calendarID); err != nil {
			return nil, err
		}
	}

	var title *AbandonedTitle
	if event != nil {
		if err := q.store.UpdateEventSyncState(ctx, event.ID, model.SyncStatusSynced, event.ETag, event.CaldavURL); err != nil {
			return nil, err
		}
		title = &AbandonedTitle{EventID: event.ID, Title: event.Title}
	}

	if err := q.store.AbandonOperation(ctx, op.ID); err != nil {
		return nil, err
	}

	q.logger.Warn().Str("operationId", op.ID).Str("eventId", op.EventID).Msg("abandoned pending operation")
	return title, nil
}
