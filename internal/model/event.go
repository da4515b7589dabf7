package model

import "time"

// SyncStatus tracks where an Event sits in the push lifecycle.
type SyncStatus string

const (
	SyncStatusSynced         SyncStatus = "SYNCED"
	SyncStatusPendingCreate  SyncStatus = "PENDING_CREATE"
	SyncStatusPendingUpdate  SyncStatus = "PENDING_UPDATE"
	SyncStatusPendingDelete  SyncStatus = "PENDING_DELETE"
	SyncStatusConflict       SyncStatus = "CONFLICT"
)

// Transp mirrors RFC-5545 TRANSP.
type Transp string

const (
	TranspOpaque      Transp = "OPAQUE"
	TranspTransparent Transp = "TRANSPARENT"
)

// Classification mirrors RFC-5545 CLASS.
type Classification string

const (
	ClassPublic       Classification = "PUBLIC"
	ClassPrivate      Classification = "PRIVATE"
	ClassConfidential Classification = "CONFIDENTIAL"
)

// Status mirrors RFC-5545 STATUS for VEVENT.
type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusTentative Status = "TENTATIVE"
	StatusCancelled Status = "CANCELLED"
)

// Reminder is a single VALARM, trimmed to the fields the core cares about.
type Reminder struct {
	MinutesBefore int
	Action        string // DISPLAY, AUDIO, EMAIL
}

// MaxStoredReminders caps how many reminders are kept in the typed slot; the
// rest only survive via rawIcal / AlarmCount.
const MaxStoredReminders = 3

// Event is a single VEVENT: a master (OriginalEventID == "") or a modified
// occurrence ("exception", OriginalEventID + OriginalInstanceTime set).
type Event struct {
	// Identity
	ID         string
	UID        string
	CalendarID string
	ImportID   string

	// Content
	Title          string
	Location       string
	Description    string
	StartTs        int64 // ms since epoch
	EndTs          int64 // ms since epoch, inclusive
	Timezone       string
	IsAllDay       bool
	Status         Status
	Transp         Transp
	Classification Classification
	Priority       *int
	GeoLat         *float64
	GeoLon         *float64
	Color          string
	URL            string
	Categories     []string

	// Recurrence
	RRule    string
	RDate    []int64
	ExDate   []int64
	Duration int64 // ms, used when no explicit DTEND

	// Exception linkage
	OriginalEventID      string
	OriginalInstanceTime *int64

	// Sync state
	CaldavURL       string
	ETag            string
	Sequence        int
	SyncStatus      SyncStatus
	DTStamp         time.Time
	LocalModifiedAt time.Time
	ServerModifiedAt time.Time
	RawICal         string
	AlarmCount      int
	Reminders       []Reminder
}

// IsException reports whether this Event is a modified-instance override.
func (e *Event) IsException() bool {
	return e.OriginalEventID != "" && e.OriginalInstanceTime != nil
}

// IsRecurring reports whether this (master) event expands into more than
// one occurrence.
func (e *Event) IsRecurring() bool {
	return e.RRule != "" || len(e.RDate) > 0
}

// StartTime / EndTime convert the millisecond timestamps to time.Time in UTC.
func (e *Event) StartTime() time.Time { return time.UnixMilli(e.StartTs).UTC() }
func (e *Event) EndTime() time.Time   { return time.UnixMilli(e.EndTs).UTC() }
