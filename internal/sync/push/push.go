// Package push implements PushStrategy: drain a calendar's ready pending
// operations against the CalDAV server, rendering each event with
// icalcodec and classifying the result through caldavclient.Result.
package push

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kashcal/sync-core/internal/caldavclient"
	"github.com/kashcal/sync-core/internal/icalcodec"
	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/queue"
	"github.com/kashcal/sync-core/internal/store"
)

// AuthError short-circuits an account's sync: a 401 at any stage means no
// further calls should be attempted until credentials are refreshed.
type AuthError struct {
	CalendarID string
}

func (e *AuthError) Error() string {
	return "push: unauthorized on calendar " + e.CalendarID
}

// Counts aggregates one PushCalendar call's outcome.
type Counts struct {
	Created     int
	Updated     int
	Deleted     int
	Failed      int
	HadConflict bool
}

type Strategy struct {
	store  store.Store
	client *caldavclient.Client
	queue  *queue.Queue
	logger zerolog.Logger
}

func New(s store.Store, client *caldavclient.Client, q *queue.Queue, logger zerolog.Logger) *Strategy {
	return &Strategy{store: s, client: client, queue: q, logger: logger.With().Str("component", "push").Logger()}
}

// PushCalendar drains every ready PendingOperation for calendarID, in
// createdAt order, and returns aggregated counts. An AuthError aborts the
// drain immediately; any other per-operation failure is recorded and the
// drain continues.
func (p *Strategy) PushCalendar(ctx context.Context, calendarID string) (Counts, error) {
	var counts Counts

	ops, err := p.queue.GetReady(ctx, calendarID)
	if err != nil {
		return counts, err
	}

	for _, op := range ops {
		if err := p.pushOne(ctx, op, &counts); err != nil {
			return counts, err
		}
	}
	return counts, nil
}

func (p *Strategy) pushOne(ctx context.Context, op *model.PendingOperation, counts *Counts) error {
	if err := p.queue.MarkInProgress(ctx, op.ID); err != nil {
		return err
	}

	event, err := p.store.GetEvent(ctx, op.EventID)
	if err != nil {
		return err
	}

	switch {
	case op.Kind == model.OpMove && op.MovePhase == model.MovePhaseDeleteFromSource:
		return p.pushMovePhase0(ctx, op, event, counts)
	case op.Kind == model.OpMove && op.MovePhase == model.MovePhaseCreateInTarget:
		return p.pushMovePhase1(ctx, op, event, counts)
	case op.Kind == model.OpDelete:
		return p.pushDelete(ctx, op, event, counts)
	default:
		return p.pushWrite(ctx, op, event, counts)
	}
}

// pushWrite handles CREATE and UPDATE: PUT with If-None-Match: * on
// create, If-Match: etag on update.
func (p *Strategy) pushWrite(ctx context.Context, op *model.PendingOperation, event *model.Event, counts *Counts) error {
	if event == nil {
		// The local event vanished before the operation drained; nothing
		// left to push.
		return p.queue.MarkSuccess(ctx, op.ID)
	}

	body, err := render(event)
	if err != nil {
		counts.Failed++
		return p.queue.MarkRetryable(ctx, op)
	}

	create := op.Kind == model.OpCreate
	targetURL := op.TargetURL
	if targetURL == "" {
		targetURL = event.CaldavURL
	}

	result := p.client.PutEvent(ctx, targetURL, body, create, event.ETag)
	return p.handlePutResult(ctx, op, event, result, targetURL, counts, create)
}

func (p *Strategy) handlePutResult(ctx context.Context, op *model.PendingOperation, event *model.Event, result caldavclient.Result, targetURL string, counts *Counts, create bool) error {
	switch result.Kind {
	case caldavclient.KindSuccess:
		etag, _ := result.Value.(string)
		if err := p.store.UpdateEventSyncState(ctx, event.ID, model.SyncStatusSynced, etag, targetURL); err != nil {
			return err
		}
		if err := p.queue.MarkSuccess(ctx, op.ID); err != nil {
			return err
		}
		if create {
			counts.Created++
		} else {
			counts.Updated++
		}
		return nil

	case caldavclient.KindConflict:
		counts.HadConflict = true
		_, err := p.queue.MarkConflict(ctx, op)
		return err

	case caldavclient.KindUnauthorized:
		return &AuthError{CalendarID: op.TargetCalendarID}

	default:
		counts.Failed++
		if result.Retryable {
			return p.queue.MarkRetryable(ctx, op)
		}
		return p.queue.MarkFailed(ctx, op.ID)
	}
}

func (p *Strategy) pushDelete(ctx context.Context, op *model.PendingOperation, event *model.Event, counts *Counts) error {
	targetURL := op.TargetURL
	etag := ""
	if event != nil {
		if event.CaldavURL != "" {
			targetURL = event.CaldavURL
		}
		etag = event.ETag
	}
	if targetURL == "" {
		// Nothing to delete remotely; treat as already-deleted.
		return p.queue.MarkSuccess(ctx, op.ID)
	}

	result := p.client.DeleteEvent(ctx, targetURL, etag)
	switch result.Kind {
	case caldavclient.KindSuccess:
		if err := p.queue.MarkSuccess(ctx, op.ID); err != nil {
			return err
		}
		counts.Deleted++
		return nil
	case caldavclient.KindConflict:
		counts.HadConflict = true
		_, err := p.queue.MarkConflict(ctx, op)
		return err
	case caldavclient.KindUnauthorized:
		return &AuthError{CalendarID: op.TargetCalendarID}
	default:
		counts.Failed++
		if result.Retryable {
			return p.queue.MarkRetryable(ctx, op)
		}
		return p.queue.MarkFailed(ctx, op.ID)
	}
}

// pushMovePhase0 deletes the event from its source calendar. Success
// mutates the event's calendarId locally and advances the operation to
// phase 1; a 404 is tolerated as success (caldavclient.DeleteEvent already
// does this).
func (p *Strategy) pushMovePhase0(ctx context.Context, op *model.PendingOperation, event *model.Event, counts *Counts) error {
	if event == nil {
		return p.queue.MarkSuccess(ctx, op.ID)
	}

	result := p.client.DeleteEvent(ctx, event.CaldavURL, event.ETag)
	switch result.Kind {
	case caldavclient.KindSuccess:
		if err := p.store.MoveEventCalendar(ctx, event.ID, op.TargetCalendarID, model.SyncStatusPendingCreate); err != nil {
			return err
		}
		return p.queue.AdvanceMove(ctx, op.ID, op.TargetCalendarID)
	case caldavclient.KindConflict:
		counts.HadConflict = true
		_, err := p.queue.MarkConflict(ctx, op)
		return err
	case caldavclient.KindUnauthorized:
		return &AuthError{CalendarID: op.SourceCalendarID}
	default:
		counts.Failed++
		if result.Retryable {
			return p.queue.MarkRetryable(ctx, op)
		}
		return p.queue.MarkFailed(ctx, op.ID)
	}
}

// pushMovePhase1 creates the event in the target calendar, at the same
// filename it had in the source calendar.
func (p *Strategy) pushMovePhase1(ctx context.Context, op *model.PendingOperation, event *model.Event, counts *Counts) error {
	if event == nil {
		return p.queue.MarkSuccess(ctx, op.ID)
	}

	targetCalendar, err := p.store.GetCalendar(ctx, op.TargetCalendarID)
	if err != nil {
		return err
	}
	if targetCalendar == nil {
		counts.Failed++
		return p.queue.MarkRetryable(ctx, op)
	}

	targetURL := joinCalendarURL(targetCalendar.RemoteURL, filenameFromURL(event.CaldavURL))
	body, err := render(event)
	if err != nil {
		counts.Failed++
		return p.queue.MarkRetryable(ctx, op)
	}

	result := p.client.PutEvent(ctx, targetURL, body, true, "")
	return p.handlePutResult(ctx, op, event, result, targetURL, counts, true)
}

// render builds the iCal body to PUT: patch the event's last-known raw
// text when present (preserves attendees and unknown X-properties), else
// generate one fresh.
func render(e *model.Event) (string, error) {
	if e.RawICal != "" {
		return icalcodec.Patch(e.RawICal, toParsedEvent(e), false)
	}
	return icalcodec.Generate(toParsedEvent(e))
}

func toParsedEvent(e *model.Event) icalcodec.ParsedEvent {
	return icalcodec.ParsedEvent{
		UID:                  e.UID,
		Title:                e.Title,
		Location:             e.Location,
		Description:          e.Description,
		StartTs:              e.StartTs,
		EndTs:                e.EndTs,
		Timezone:             e.Timezone,
		IsAllDay:             e.IsAllDay,
		Status:               e.Status,
		Transp:               e.Transp,
		Classification:       e.Classification,
		Priority:             e.Priority,
		GeoLat:               e.GeoLat,
		GeoLon:               e.GeoLon,
		Color:                e.Color,
		URL:                  e.URL,
		Categories:           e.Categories,
		RRule:                e.RRule,
		RDate:                e.RDate,
		ExDate:               e.ExDate,
		Duration:             e.Duration,
		OriginalInstanceTime: e.OriginalInstanceTime,
		Sequence:             e.Sequence,
		DTStamp:              e.DTStamp,
		AlarmCount:           e.AlarmCount,
		Reminders:            e.Reminders,
		RawICal:              e.RawICal,
	}
}

func filenameFromURL(u string) string {
	idx := strings.LastIndex(u, "/")
	if idx == -1 {
		return u
	}
	return u[idx+1:]
}

func joinCalendarURL(base, filename string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + filename
}
