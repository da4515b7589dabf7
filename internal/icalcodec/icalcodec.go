// Package icalcodec is the sync core's single iCalendar (RFC-5545/7986)
// codec: parse server bodies into events, generate bodies from events, and
// patch an existing body in place so attendees and foreign X-properties
// survive a local edit. Built on emersion/go-ical.
package icalcodec

import (
	"time"

	"github.com/kashcal/sync-core/internal/model"
)

// ParsedEvent is the codec's wire-shaped view of a VEVENT: the fields a
// caller needs to build a model.Event, minus identity the codec cannot know
// (id, calendarId) and sync-state the codec does not own (syncStatus).
type ParsedEvent struct {
	UID         string
	Title       string
	Location    string
	Description string
	StartTs     int64
	EndTs       int64
	Timezone    string
	IsAllDay    bool

	Status         model.Status
	Transp         model.Transp
	Classification model.Classification
	Priority       *int
	GeoLat         *float64
	GeoLon         *float64
	Color          string
	URL            string
	Categories     []string

	RRule    string
	RDate    []int64
	ExDate   []int64
	Duration int64

	// OriginalInstanceTime is set (from RECURRENCE-ID) when this VEVENT is an
	// exception override rather than a master.
	OriginalInstanceTime *int64

	Sequence   int
	DTStamp    time.Time
	AlarmCount int
	Reminders  []model.Reminder

	// UnknownProps preserves every property Patch/Generate don't otherwise
	// model, keyed by "PROPNAME;PARAMS", for round-trip fidelity.
	UnknownProps map[string]string

	// RawICal is the single-VEVENT text this ParsedEvent was decoded from,
	// suitable for a later Patch call.
	RawICal string
}

// ParseResult is everything Parse recovered from one VCALENDAR body: zero or
// one master (OriginalInstanceTime == nil) plus its exception overrides.
type ParseResult struct {
	Events []ParsedEvent
}

// ParseError wraps a decode failure with the UID when one could be
// recovered before the failure, so PullStrategy can attribute repeated
// failures to the same event across sync cycles.
type ParseError struct {
	UID string
	Err error
}

func (e *ParseError) Error() string {
	if e.UID != "" {
		return "icalcodec: parse " + e.UID + ": " + e.Err.Error()
	}
	return "icalcodec: parse: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// prodID is emitted on every VCALENDAR this codec generates. SetProdID lets
// the host process override it at startup (config.ICSConfig.BuildProdID);
// the default is used by callers and tests that never do.
var prodID = "-//kashcal//sync-core//EN"

// SetProdID overrides the PRODID emitted by Generate/GenerateWithExceptions.
// Not safe to call concurrently with Generate; intended for one-time
// startup wiring only.
func SetProdID(id string) {
	if id != "" {
		prodID = id
	}
}
