// Package conflict implements ConflictResolver: the policy applied to
// pending operations a push left in CONFLICT (a 412 precondition failure).
package conflict

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/kashcal/sync-core/internal/caldavclient"
	"github.com/kashcal/sync-core/internal/icalcodec"
	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/queue"
	"github.com/kashcal/sync-core/internal/quirks"
	"github.com/kashcal/sync-core/internal/store"
)

// AuthError short-circuits an account's sync: a 401 while resolving a
// conflict means no further calls should be attempted until credentials
// are refreshed.
type AuthError struct {
	CalendarID string
}

func (e *AuthError) Error() string {
	return "conflict: unauthorized on calendar " + e.CalendarID
}

// Policy selects how a CONFLICT operation is resolved.
type Policy string

const (
	// ServerWins discards the local change: the calendar is forced through
	// a full pull and the event returns to SYNCED. Default.
	ServerWins Policy = "SERVER_WINS"
	// ClientWins re-queues the operation with the server's current etag so
	// the local change is retried as an update against that etag.
	ClientWins Policy = "CLIENT_WINS"
	// LastWriteWins compares local and server modification times and
	// applies ServerWins or ClientWins accordingly.
	LastWriteWins Policy = "LAST_WRITE_WINS"
)

// Resolution is the outcome of resolving a single operation.
type Resolution string

const (
	ResolutionResolved Resolution = "RESOLVED"
	ResolutionRetried  Resolution = "RETRIED"
	ResolutionFailed   Resolution = "FAILED"
)

type Resolver struct {
	store  store.Store
	client *caldavclient.Client
	queue  *queue.Queue
	policy Policy
	logger zerolog.Logger
}

func New(s store.Store, client *caldavclient.Client, q *queue.Queue, policy Policy, logger zerolog.Logger) *Resolver {
	if policy == "" {
		policy = ServerWins
	}
	return &Resolver{store: s, client: client, queue: q, policy: policy, logger: logger.With().Str("component", "conflict").Logger()}
}

// Counts aggregates one ResolveCalendar call's outcome.
type Counts struct {
	Resolved int
	Retried  int
	Failed   int
	// Abandoned is non-zero when an operation exceeded
	// model.MaxConflictSyncCycles and was dropped outright; the calendar
	// must be fully re-pulled regardless of policy outcome.
	Abandoned []queue.AbandonedTitle
}

// ResolveCalendar drains every CONFLICT operation for calendarID and
// applies the resolver's policy to each.
func (r *Resolver) ResolveCalendar(ctx context.Context, calendarID string) (Counts, error) {
	var counts Counts

	ops, err := r.queue.ConflictOperations(ctx, calendarID)
	if err != nil {
		return counts, err
	}

	for _, op := range ops {
		res, err := r.resolveOne(ctx, op, &counts)
		if err != nil {
			return counts, err
		}
		switch res {
		case ResolutionResolved:
			counts.Resolved++
		case ResolutionRetried:
			counts.Retried++
		case ResolutionFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (r *Resolver) resolveOne(ctx context.Context, op *model.PendingOperation, counts *Counts) (Resolution, error) {
	cycles := op.ConflictCycles + 1
	if cycles > model.MaxConflictSyncCycles {
		title, err := r.abandon(ctx, op)
		if err != nil {
			return ResolutionFailed, err
		}
		if title != nil {
			counts.Abandoned = append(counts.Abandoned, *title)
		}
		return ResolutionResolved, nil
	}

	event, err := r.store.GetEvent(ctx, op.EventID)
	if err != nil {
		return ResolutionFailed, err
	}
	if event == nil {
		return r.resolveServerWins(ctx, op)
	}

	switch r.policy {
	case ClientWins:
		return r.resolveClientWins(ctx, op, event)
	case LastWriteWins:
		return r.resolveLastWriteWins(ctx, op, event)
	default:
		return r.resolveServerWins(ctx, op)
	}
}

// resolveServerWins discards the local change: clears the calendar's ctag
// (forcing a full pull before the next push cycle), resets the event to
// SYNCED, and deletes the operation.
func (r *Resolver) resolveServerWins(ctx context.Context, op *model.PendingOperation) (Resolution, error) {
	calendarID := op.TargetCalendarID
	if calendarID == "" {
		calendarID = op.SourceCalendarID
	}
	if calendarID != "" {
		if err := r.store.ClearCalendarCTag(ctx, calendarID); err != nil {
			return ResolutionFailed, err
		}
	}
	if event, err := r.store.GetEvent(ctx, op.EventID); err == nil && event != nil {
		if err := r.store.UpdateEventSyncState(ctx, event.ID, model.SyncStatusSynced, event.ETag, event.CaldavURL); err != nil {
			return ResolutionFailed, err
		}
	} else if err != nil {
		return ResolutionFailed, err
	}
	if err := r.store.DeleteOperation(ctx, op.ID); err != nil {
		return ResolutionFailed, err
	}
	return ResolutionResolved, nil
}

// resolveClientWins fetches the server's current etag for the event and
// re-queues op with retryCount unchanged, so the next push cycle retries
// the local change against that etag.
func (r *Resolver) resolveClientWins(ctx context.Context, op *model.PendingOperation, event *model.Event) (Resolution, error) {
	if event.CaldavURL == "" {
		return r.resolveServerWins(ctx, op)
	}
	res := r.client.FetchEventEtag(ctx, event.CaldavURL)
	switch res.Kind {
	case caldavclient.KindUnauthorized:
		return ResolutionFailed, &AuthError{CalendarID: calendarIDOf(op)}
	case caldavclient.KindSuccess:
		etag, _ := res.Value.(string)
		if etag == "" {
			return r.resolveServerWins(ctx, op)
		}
		if err := r.store.UpdateEventSyncState(ctx, event.ID, event.SyncStatus, etag, event.CaldavURL); err != nil {
			return ResolutionFailed, err
		}
		if err := r.queue.Requeue(ctx, op); err != nil {
			return ResolutionFailed, err
		}
		return ResolutionRetried, nil
	case caldavclient.KindError:
		if res.Code == 404 {
			// The server resource is gone; there is nothing left to
			// contest, fall back to discarding the local change.
			return r.resolveServerWins(ctx, op)
		}
		return ResolutionFailed, res.Err()
	default:
		return ResolutionFailed, res.Err()
	}
}

// resolveLastWriteWins fetches the server's current body to read its
// DTSTAMP, compares it against the event's localModifiedAt, and defers to
// whichever policy the later writer implies.
func (r *Resolver) resolveLastWriteWins(ctx context.Context, op *model.PendingOperation, event *model.Event) (Resolution, error) {
	if event.CaldavURL == "" {
		return r.resolveServerWins(ctx, op)
	}
	href := hrefFromURL(event.CaldavURL)
	calendarID := op.TargetCalendarID
	if calendarID == "" {
		calendarID = op.SourceCalendarID
	}
	calendar, err := r.store.GetCalendar(ctx, calendarID)
	if err != nil {
		return ResolutionFailed, err
	}
	if calendar == nil {
		return r.resolveServerWins(ctx, op)
	}

	res := r.client.FetchEventsByHref(ctx, calendar.RemoteURL, []string{href})
	switch res.Kind {
	case caldavclient.KindUnauthorized:
		return ResolutionFailed, &AuthError{CalendarID: calendarID}
	case caldavclient.KindSuccess:
		items, _ := res.Value.([]quirks.ICalItem)
		if len(items) == 0 {
			return r.resolveServerWins(ctx, op)
		}
		parsed, err := icalcodec.Parse(items[0].ICalText)
		if err != nil || len(parsed.Events) == 0 {
			return r.resolveServerWins(ctx, op)
		}

		serverStamp := parsed.Events[0].DTStamp
		if event.LocalModifiedAt.After(serverStamp) {
			if err := r.store.UpdateEventSyncState(ctx, event.ID, event.SyncStatus, items[0].ETag, event.CaldavURL); err != nil {
				return ResolutionFailed, err
			}
			if err := r.queue.Requeue(ctx, op); err != nil {
				return ResolutionFailed, err
			}
			return ResolutionRetried, nil
		}
		return r.resolveServerWins(ctx, op)
	default:
		return ResolutionFailed, res.Err()
	}
}

func (r *Resolver) abandon(ctx context.Context, op *model.PendingOperation) (*queue.AbandonedTitle, error) {
	if _, err := r.resolveServerWins(ctx, op); err != nil {
		return nil, err
	}
	event, err := r.store.GetEvent(ctx, op.EventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, nil
	}
	return &queue.AbandonedTitle{EventID: event.ID, Title: event.Title}, nil
}

func calendarIDOf(op *model.PendingOperation) string {
	if op.TargetCalendarID != "" {
		return op.TargetCalendarID
	}
	return op.SourceCalendarID
}

func hrefFromURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	return parsed.Path
}
