package model

import "time"

// SyncType distinguishes a fresh full reconciliation from a ctag/token
// driven incremental pull.
type SyncType string

const (
	SyncFull        SyncType = "FULL"
	SyncIncremental SyncType = "INCREMENTAL"
)

// SessionStatus is the terminal outcome recorded for a SyncSession.
type SessionStatus string

const (
	SessionSuccess   SessionStatus = "SUCCESS"
	SessionPartial   SessionStatus = "PARTIAL"
	SessionFailed    SessionStatus = "FAILED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// SyncSession is an append-only diagnostic record of one syncCalendar call.
type SyncSession struct {
	ID                   string
	CalendarID           string
	CalendarName         string
	SyncType             SyncType
	TriggerSource        string
	StartTime            time.Time
	DurationMs           int64
	EventsFetched        int
	EventsWritten        int
	EventsUpdated        int
	EventsDeleted        int
	EventsPushedCreated   int
	EventsPushedUpdated   int
	EventsPushedDeleted   int
	ConflictsResolved    int
	SkippedParseError    int
	AbandonedParseErrors int
	ErrorType            string
	ErrorStage           string
	ErrorMessage         string
	Status               SessionStatus
}

// SyncLog is one append-only audit-trail entry.
type SyncLog struct {
	ID         string
	Timestamp  time.Time
	CalendarID string
	EventUID   string
	Action     string
	Result     string
	Details    string
	HTTPStatus int
}
