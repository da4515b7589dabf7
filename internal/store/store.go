// Package store defines the Store contract: durable, transactional
// persistence for accounts, calendars, events, occurrences, pending
// operations, sync sessions/logs, and ICS subscriptions.
package store

import (
	"context"
	"time"

	"github.com/kashcal/sync-core/internal/model"
)

// DayRange selects occurrences by inclusive YYYYMMDD bounds.
type DayRange struct {
	StartDay int
	EndDay   int
}

// OccurrenceRow is an Occurrence joined with the Event it should be
// rendered from: the linked exception Event when ExceptionEventID is set,
// otherwise the master itself.
type OccurrenceRow struct {
	Occurrence model.Occurrence
	Event      model.Event
}

// EventWrite bundles the atomic "insert/update event + replace its
// occurrences (+ touch a pending operation)" transaction boundary.
type EventWrite struct {
	Event       model.Event
	Occurrences []model.Occurrence
	// Operation, when non-nil, is inserted/updated in the same transaction.
	Operation *model.PendingOperation
}

// Store is the single source of truth for the sync core. Every write
// failure is fatal to its enclosing operation: callers surface it rather
// than swallow it.
type Store interface {
	Close() error

	// Accounts
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]*model.Account, error)
	ListEnabledAccounts(ctx context.Context) ([]*model.Account, error)
	DeleteAccount(ctx context.Context, id string) error // cascades calendars/events/occurrences/ops; credentials in credentials.Store are not removed

	// Calendars
	CreateCalendar(ctx context.Context, c *model.Calendar) error
	GetCalendar(ctx context.Context, id string) (*model.Calendar, error)
	ListCalendarsForAccount(ctx context.Context, accountID string) ([]*model.Calendar, error)
	UpdateCalendarSyncTokens(ctx context.Context, id string, ctag, syncToken string) error
	ClearCalendarCTag(ctx context.Context, id string) error
	SetCalendarDefault(ctx context.Context, accountID, calendarID string) error
	DeleteCalendar(ctx context.Context, id string) error // cascades events/occurrences

	// Events
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	GetEventByUID(ctx context.Context, calendarID, uid string, originalInstanceTime *int64) (*model.Event, error)
	ListEventsForCalendar(ctx context.Context, calendarID string) ([]*model.Event, error)
	ListExceptionsForMaster(ctx context.Context, masterEventID string) ([]*model.Event, error)
	WriteEvent(ctx context.Context, w EventWrite) error
	UpdateEventSyncState(ctx context.Context, id string, status model.SyncStatus, etag, caldavURL string) error
	MoveEventCalendar(ctx context.Context, id, targetCalendarID string, status model.SyncStatus) error
	DeleteEvent(ctx context.Context, id string) error // cascades occurrences, nulls exception back-pointers
	SearchEvents(ctx context.Context, calendarID, query string) ([]*model.Event, error)

	// Occurrences
	ReplaceOccurrences(ctx context.Context, eventID string, occurrences []model.Occurrence) error
	DeleteOccurrencesForEvent(ctx context.Context, eventID string) error
	GetOccurrenceAt(ctx context.Context, eventID string, startTs int64) (*model.Occurrence, error)
	InsertOccurrence(ctx context.Context, o model.Occurrence) error
	LinkOccurrenceException(ctx context.Context, occurrenceID, exceptionEventID string) error
	UnlinkExceptionEvent(ctx context.Context, exceptionEventID string) error
	OccurrencesForDayRange(ctx context.Context, calendarID string, days DayRange) ([]OccurrenceRow, error)

	// Subscribe registers fn to be invoked after every committed write to
	// occurrences/events for the given calendar: once per such commit, with
	// no de-duplication of repeated notifications. Returns an unsubscribe
	// func. Never polls.
	Subscribe(calendarID string, fn func()) (unsubscribe func())

	// Pending operations
	EnqueueOperation(ctx context.Context, op *model.PendingOperation) error
	GetReadyOperations(ctx context.Context, calendarID string, now time.Time) ([]*model.PendingOperation, error)
	MarkOperationInProgress(ctx context.Context, id string) error
	MarkOperationSuccess(ctx context.Context, id string) error
	MarkOperationRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error
	MarkOperationFailed(ctx context.Context, id string, failedAt time.Time) error
	MarkOperationConflict(ctx context.Context, id string, conflictCycles int) error
	AdvanceMovePhase(ctx context.Context, id string, targetCalendarID string) error
	ResetAbandonedInProgress(ctx context.Context) error
	ResetExpiredFailed(ctx context.Context, now time.Time) (int, error)
	ConflictOperationsForCalendar(ctx context.Context, calendarID string) ([]*model.PendingOperation, error)
	AbandonOperation(ctx context.Context, id string) error
	ListOperationsOlderThan(ctx context.Context, cutoff time.Time) ([]*model.PendingOperation, error)
	DeleteOperation(ctx context.Context, id string) error

	// Sync sessions / audit log
	RecordSyncSession(ctx context.Context, s *model.SyncSession) error
	AppendSyncLog(ctx context.Context, l *model.SyncLog) error

	// ICS subscriptions
	CreateIcsSubscription(ctx context.Context, sub *model.IcsSubscription) error
	GetIcsSubscription(ctx context.Context, id string) (*model.IcsSubscription, error)
	ListDueIcsSubscriptions(ctx context.Context, now time.Time) ([]*model.IcsSubscription, error)
	UpdateIcsSubscriptionState(ctx context.Context, id, etag, lastModified string, lastSyncAt, nextRefreshAt time.Time) error
}
