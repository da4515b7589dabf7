package model

import "time"

// OperationKind is the action a PendingOperation represents.
type OperationKind string

const (
	OpCreate OperationKind = "CREATE"
	OpUpdate OperationKind = "UPDATE"
	OpDelete OperationKind = "DELETE"
	OpMove   OperationKind = "MOVE"
)

// OperationStatus is the PendingQueue lifecycle state.
type OperationStatus string

const (
	OpStatusPending    OperationStatus = "PENDING"
	OpStatusInProgress OperationStatus = "IN_PROGRESS"
	OpStatusFailed     OperationStatus = "FAILED"
	OpStatusConflict   OperationStatus = "CONFLICT"
)

// MovePhase distinguishes the two legs of a cross-calendar MOVE.
type MovePhase int

const (
	MovePhaseDeleteFromSource MovePhase = 0
	MovePhaseCreateInTarget   MovePhase = 1
)

// MaxRetries is the retry budget before a PendingOperation transitions to
// FAILED: cumulative backoff reaches roughly 13.5h.
const MaxRetries = 10

// FailedLifetime is how long an operation may sit FAILED before it is
// automatically reset to PENDING.
const FailedLifetime = 24 * time.Hour

// AbandonLifetime is how long an operation may exist, regardless of state,
// before it is abandoned outright.
const AbandonLifetime = 30 * 24 * time.Hour

// MaxConflictSyncCycles bounds how many sync cycles a single operation may
// spend in CONFLICT before it is abandoned.
const MaxConflictSyncCycles = 3

// PendingOperation is a queued local mutation awaiting push to the server.
// Exclusively owned by PendingQueue: created on enqueue, deleted on success
// or abandonment.
type PendingOperation struct {
	ID               string
	EventID          string
	Kind             OperationKind
	Status           OperationStatus
	RetryCount       int
	MaxRetries       int
	NextRetryAt      *time.Time
	TargetURL        string
	TargetCalendarID string
	SourceCalendarID string
	MovePhase        MovePhase
	ConflictCycles   int
	LifetimeResetAt  time.Time
	FailedAt         *time.Time
	CreatedAt        time.Time
}
