// Package occurrence expands an Event's RRULE/RDATE/EXDATE into materialized
// Occurrence rows, and links modified instances ("exceptions") to the
// occurrence slot they override. Built on the same rrule-go expansion
// pattern as pkg/ical/recurrence.go's RecurrenceExpander, adapted to write
// through the Store instead of returning an in-memory event list.
package occurrence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/store"
)

// expansionPast/expansionFuture bound how far regenerate() materializes
// around "now" for an unbounded rule.
const (
	expansionPast   = 365 * 24 * time.Hour
	expansionFuture = 2 * 365 * 24 * time.Hour
)

// Materializer regenerates Occurrence rows for an Event and links exception
// overrides to the slot they replace.
type Materializer struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Materializer {
	return &Materializer{store: s, now: time.Now}
}

// NewWithClock lets tests pin "now".
func NewWithClock(s store.Store, now func() time.Time) *Materializer {
	return &Materializer{store: s, now: now}
}

// Regenerate recomputes every Occurrence for eventID from its current
// recurrence fields and replaces the stored set atomically.
func (m *Materializer) Regenerate(ctx context.Context, eventID string) error {
	event, err := m.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("occurrence: event %s not found", eventID)
	}

	occurrences, err := m.expand(event)
	if err != nil {
		return err
	}
	return m.store.ReplaceOccurrences(ctx, eventID, occurrences)
}

func (m *Materializer) expand(event *model.Event) ([]model.Occurrence, error) {
	if !event.IsRecurring() {
		return []model.Occurrence{occurrenceFor(event, event.StartTs, event.EndTs, false)}, nil
	}

	duration := time.Duration(event.EndTs-event.StartTs) * time.Millisecond

	windowStart := m.now().Add(-expansionPast)
	windowEnd := m.now().Add(expansionFuture)

	instants, err := expandInstants(event, windowStart, windowEnd, duration)
	if err != nil {
		return nil, err
	}

	exSet := make(map[int64]bool, len(event.ExDate))
	for _, ex := range event.ExDate {
		exSet[ex] = true
	}

	seen := make(map[int64]bool, len(instants))
	occurrences := make([]model.Occurrence, 0, len(instants))
	for _, t := range instants {
		startTs := t.UnixMilli()
		if seen[startTs] {
			continue
		}
		seen[startTs] = true
		endTs := startTs + int64(duration/time.Millisecond)
		occurrences = append(occurrences, occurrenceFor(event, startTs, endTs, exSet[startTs]))
	}
	return occurrences, nil
}

// expandInstants mirrors pkg/ical/recurrence.go's expandEvent: build the
// RRULE from DTSTART+RRULE text, merge in RDATE, and keep only instants
// overlapping [windowStart, windowEnd].
func expandInstants(event *model.Event, windowStart, windowEnd time.Time, duration time.Duration) ([]time.Time, error) {
	var instants []time.Time

	if event.RRule != "" {
		dtstart := time.UnixMilli(event.StartTs).UTC()
		ruleText := "DTSTART:" + dtstart.Format("20060102T150405Z") + "\nRRULE:" + event.RRule
		rule, err := rrule.StrToRRule(ruleText)
		if err != nil {
			return nil, fmt.Errorf("occurrence: invalid RRULE: %w", err)
		}
		extendedEnd := windowEnd.Add(duration)
		instants = append(instants, rule.Between(windowStart.Add(-duration), extendedEnd, true)...)
	}

	for _, rd := range event.RDate {
		t := time.UnixMilli(rd).UTC()
		if t.Before(windowEnd) && t.Add(duration).After(windowStart) {
			instants = append(instants, t)
		}
	}

	return instants, nil
}

func occurrenceFor(event *model.Event, startTs, endTs int64, cancelled bool) model.Occurrence {
	return model.Occurrence{
		ID:          uuid.NewString(),
		EventID:     event.ID,
		CalendarID:  event.CalendarID,
		StartTs:     startTs,
		EndTs:       endTs,
		StartDay:    dayOf(startTs),
		EndDay:      dayOf(endTs),
		IsCancelled: cancelled,
	}
}

func dayOf(ms int64) int {
	t := time.UnixMilli(ms).UTC()
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// LinkException attaches exceptionEventID to the occurrence slot at
// originalInstanceTime under masterID. If the master's current expansion
// does not emit that instant (the RRULE no longer produces it, or it was
// EXDATE'd), a synthetic occurrence is inserted so the exception still has
// a slot to render from.
func (m *Materializer) LinkException(ctx context.Context, masterID string, originalInstanceTime int64, exceptionEventID string) error {
	occ, err := m.store.GetOccurrenceAt(ctx, masterID, originalInstanceTime)
	if err != nil {
		return err
	}
	if occ != nil {
		return m.store.LinkOccurrenceException(ctx, occ.ID, exceptionEventID)
	}

	exceptionEvent, err := m.store.GetEvent(ctx, exceptionEventID)
	if err != nil {
		return err
	}
	if exceptionEvent == nil {
		return fmt.Errorf("occurrence: exception event %s not found", exceptionEventID)
	}

	synthetic := model.Occurrence{
		ID:               uuid.NewString(),
		EventID:          masterID,
		CalendarID:       exceptionEvent.CalendarID,
		StartTs:          exceptionEvent.StartTs,
		EndTs:            exceptionEvent.EndTs,
		StartDay:         dayOf(exceptionEvent.StartTs),
		EndDay:           dayOf(exceptionEvent.EndTs),
		ExceptionEventID: exceptionEventID,
	}
	return m.store.InsertOccurrence(ctx, synthetic)
}
