// Package pull implements PullStrategy: the three-tier change-discovery
// fallback (ctag compare, sync-collection, time-range query) that keeps a
// calendar's local events in step with the server.
package pull

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kashcal/sync-core/internal/caldavclient"
	"github.com/kashcal/sync-core/internal/icalcodec"
	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/occurrence"
	"github.com/kashcal/sync-core/internal/quirks"
	"github.com/kashcal/sync-core/internal/store"
)

// fullSyncPast/fullSyncFuture bound the tier-3 time-range query.
const (
	fullSyncPast   = 90 * 24 * time.Hour
	fullSyncFuture = 2 * 365 * 24 * time.Hour
)

// AuthError short-circuits an account's sync: a 401 at any stage means no
// further calls should be attempted until credentials are refreshed.
type AuthError struct {
	CalendarID string
}

func (e *AuthError) Error() string {
	return "pull: unauthorized on calendar " + e.CalendarID
}

// Outcome aggregates one PullCalendar call's effect on the local store.
type Outcome struct {
	NoChanges bool
	Created   int
	Updated   int
	Deleted   int
	// UsedFullSync is true when tier 3 (bounded time-range reconciliation)
	// ran, false when the ctag fast path or tier-2 sync-collection did.
	// SyncEngine uses this to label the recorded SyncSession's syncType.
	UsedFullSync bool
}

type Strategy struct {
	store        store.Store
	client       *caldavclient.Client
	quirks       quirks.Quirks
	materializer *occurrence.Materializer
	logger       zerolog.Logger
}

func New(s store.Store, client *caldavclient.Client, q quirks.Quirks, mat *occurrence.Materializer, logger zerolog.Logger) *Strategy {
	return &Strategy{store: s, client: client, quirks: q, materializer: mat, logger: logger.With().Str("component", "pull").Logger()}
}

// PullCalendar runs the tier-1/2/3 fallback for cal. forceFullSync skips
// the ctag fast path. SyncEngine always passes false; after an abandoned
// pending operation it relies on the calendar's cleared ctag instead.
func (p *Strategy) PullCalendar(ctx context.Context, cal *model.Calendar, forceFullSync bool) (Outcome, error) {
	if !forceFullSync {
		res := p.client.FetchCtag(ctx, cal.RemoteURL)
		switch res.Kind {
		case caldavclient.KindUnauthorized:
			return Outcome{}, &AuthError{CalendarID: cal.ID}
		case caldavclient.KindSuccess:
			if ctag, _ := res.Value.(string); ctag == cal.CTag && ctag != "" {
				return Outcome{NoChanges: true}, nil
			}
		default:
			return Outcome{}, res.Err()
		}
	}

	if cal.SyncToken != "" {
		outcome, fallback, err := p.pullIncremental(ctx, cal)
		if err != nil {
			return Outcome{}, err
		}
		if !fallback {
			return outcome, nil
		}
		p.logger.Info().Str("calendarId", cal.ID).Msg("sync token rejected, falling back to full sync")
	}

	return p.pullFull(ctx, cal)
}

// pullIncremental is tier 2: sync-collection REPORT. fallback is true when
// the token was rejected and the caller should retry via pullFull.
func (p *Strategy) pullIncremental(ctx context.Context, cal *model.Calendar) (outcome Outcome, fallback bool, err error) {
	res := p.client.SyncCollection(ctx, cal.RemoteURL, cal.SyncToken)
	switch res.Kind {
	case caldavclient.KindUnauthorized:
		return Outcome{}, false, &AuthError{CalendarID: cal.ID}
	case caldavclient.KindError:
		if res.Code == 410 {
			return Outcome{}, true, nil
		}
		return Outcome{}, false, res.Err()
	case caldavclient.KindSuccess:
		delta, _ := res.Value.(caldavclient.SyncDelta)
		return p.applyDelta(ctx, cal, delta)
	default:
		return Outcome{}, false, res.Err()
	}
}

func (p *Strategy) applyDelta(ctx context.Context, cal *model.Calendar, delta caldavclient.SyncDelta) (Outcome, bool, error) {
	var outcome Outcome

	bodies := make(map[string]string, len(delta.Changed))
	var missing []string
	for _, ch := range delta.Changed {
		if ch.ICalText == "" {
			missing = append(missing, ch.Href)
			continue
		}
		bodies[ch.Href] = ch.ICalText
	}

	if len(missing) > 0 {
		res := p.client.FetchEventsByHref(ctx, cal.RemoteURL, missing)
		switch res.Kind {
		case caldavclient.KindUnauthorized:
			return Outcome{}, false, &AuthError{CalendarID: cal.ID}
		case caldavclient.KindSuccess:
			items, _ := res.Value.([]quirks.ICalItem)
			for _, it := range items {
				bodies[it.Href] = it.ICalText
			}
		default:
			return Outcome{}, false, res.Err()
		}
	}

	for _, ch := range delta.Changed {
		text := bodies[ch.Href]
		if text == "" {
			continue
		}
		fullURL := p.quirks.BuildEventURL(ch.Href, cal.RemoteURL)
		created, err := p.applyChangedItem(ctx, cal, fullURL, ch.ETag, text)
		if err != nil {
			return outcome, false, err
		}
		if created {
			outcome.Created++
		} else {
			outcome.Updated++
		}
	}

	for _, href := range delta.Deleted {
		fullURL := p.quirks.BuildEventURL(href, cal.RemoteURL)
		deleted, err := p.deleteByHref(ctx, cal, fullURL)
		if err != nil {
			return outcome, false, err
		}
		if deleted {
			outcome.Deleted++
		}
	}

	newCtag := cal.CTag
	if ctagRes := p.client.FetchCtag(ctx, cal.RemoteURL); ctagRes.Kind == caldavclient.KindSuccess {
		if ctag, ok := ctagRes.Value.(string); ok {
			newCtag = ctag
		}
	}
	if err := p.store.UpdateCalendarSyncTokens(ctx, cal.ID, newCtag, delta.NewToken); err != nil {
		return outcome, false, err
	}
	return outcome, false, nil
}

// pullFull is tier 3: a bounded time-range REPORT, reconciled wholesale
// against the local store.
func (p *Strategy) pullFull(ctx context.Context, cal *model.Calendar) (Outcome, error) {
	now := time.Now()
	res := p.client.FetchEventsInRange(ctx, cal.RemoteURL, now.Add(-fullSyncPast), now.Add(fullSyncFuture))
	switch res.Kind {
	case caldavclient.KindUnauthorized:
		return Outcome{}, &AuthError{CalendarID: cal.ID}
	case caldavclient.KindSuccess:
		items, _ := res.Value.([]quirks.ICalItem)
		outcome, err := p.reconcileFull(ctx, cal, items)
		outcome.UsedFullSync = true
		return outcome, err
	default:
		return Outcome{}, res.Err()
	}
}

func (p *Strategy) reconcileFull(ctx context.Context, cal *model.Calendar, items []quirks.ICalItem) (Outcome, error) {
	var outcome Outcome
	seen := make(map[string]bool, len(items))

	for _, it := range items {
		fullURL := p.quirks.BuildEventURL(it.Href, cal.RemoteURL)
		seen[fullURL] = true
		created, err := p.applyChangedItem(ctx, cal, fullURL, it.ETag, it.ICalText)
		if err != nil {
			return outcome, err
		}
		if created {
			outcome.Created++
		} else {
			outcome.Updated++
		}
	}

	localEvents, err := p.store.ListEventsForCalendar(ctx, cal.ID)
	if err != nil {
		return outcome, err
	}
	for _, e := range localEvents {
		if e.CaldavURL == "" || seen[e.CaldavURL] {
			continue
		}
		if err := p.store.DeleteEvent(ctx, e.ID); err != nil {
			return outcome, err
		}
		outcome.Deleted++
	}

	newCtag := cal.CTag
	if ctagRes := p.client.FetchCtag(ctx, cal.RemoteURL); ctagRes.Kind == caldavclient.KindSuccess {
		if ctag, ok := ctagRes.Value.(string); ok {
			newCtag = ctag
		}
	}
	// A time-range REPORT carries no sync-token, so syncToken is stored
	// empty. PullCalendar issues sync-collection only when a token is
	// stored, so later pulls of this calendar use tier 3 whenever the ctag
	// has changed; nothing here obtains a fresh sync token.
	if err := p.store.UpdateCalendarSyncTokens(ctx, cal.ID, newCtag, ""); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// applyChangedItem parses one fetched VCALENDAR body (a master plus its
// exception overrides) and writes each VEVENT through to the store,
// re-materializing the master's occurrences and linking any exceptions.
func (p *Strategy) applyChangedItem(ctx context.Context, cal *model.Calendar, fullURL, etag, icalText string) (created bool, err error) {
	parsed, err := icalcodec.Parse(icalText)
	if err != nil {
		return false, err
	}

	var masterID string
	createdAny := false

	for _, pe := range parsed.Events {
		if pe.OriginalInstanceTime != nil {
			continue
		}
		existing, err := p.store.GetEventByUID(ctx, cal.ID, pe.UID, nil)
		if err != nil {
			return false, err
		}
		id := uuid.NewString()
		if existing != nil {
			id = existing.ID
		} else {
			createdAny = true
		}
		ev := eventFromParsed(id, cal.ID, fullURL, etag, pe)
		if err := p.store.WriteEvent(ctx, store.EventWrite{Event: ev}); err != nil {
			return false, err
		}
		if err := p.materializer.Regenerate(ctx, ev.ID); err != nil {
			return false, err
		}
		masterID = ev.ID
		break
	}

	for _, pe := range parsed.Events {
		if pe.OriginalInstanceTime == nil {
			continue
		}
		existing, err := p.store.GetEventByUID(ctx, cal.ID, pe.UID, pe.OriginalInstanceTime)
		if err != nil {
			return false, err
		}
		id := uuid.NewString()
		if existing != nil {
			id = existing.ID
		} else {
			createdAny = true
		}
		ev := eventFromParsed(id, cal.ID, fullURL, etag, pe)
		ev.OriginalEventID = masterID
		if err := p.store.WriteEvent(ctx, store.EventWrite{Event: ev}); err != nil {
			return false, err
		}
		if masterID != "" {
			if err := p.materializer.LinkException(ctx, masterID, *pe.OriginalInstanceTime, ev.ID); err != nil {
				return false, err
			}
		}
	}

	return createdAny, nil
}

func (p *Strategy) deleteByHref(ctx context.Context, cal *model.Calendar, fullURL string) (bool, error) {
	events, err := p.store.ListEventsForCalendar(ctx, cal.ID)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if e.CaldavURL == fullURL {
			if err := p.store.DeleteEvent(ctx, e.ID); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func eventFromParsed(id, calendarID, caldavURL, etag string, pe icalcodec.ParsedEvent) model.Event {
	return model.Event{
		ID:                   id,
		UID:                  pe.UID,
		CalendarID:           calendarID,
		Title:                pe.Title,
		Location:             pe.Location,
		Description:          pe.Description,
		StartTs:              pe.StartTs,
		EndTs:                pe.EndTs,
		Timezone:             pe.Timezone,
		IsAllDay:             pe.IsAllDay,
		Status:               pe.Status,
		Transp:               pe.Transp,
		Classification:       pe.Classification,
		Priority:             pe.Priority,
		GeoLat:               pe.GeoLat,
		GeoLon:               pe.GeoLon,
		Color:                pe.Color,
		URL:                  pe.URL,
		Categories:           pe.Categories,
		RRule:                pe.RRule,
		RDate:                pe.RDate,
		ExDate:               pe.ExDate,
		Duration:             pe.Duration,
		OriginalInstanceTime: pe.OriginalInstanceTime,
		CaldavURL:            caldavURL,
		ETag:                 etag,
		Sequence:             pe.Sequence,
		SyncStatus:           model.SyncStatusSynced,
		DTStamp:              pe.DTStamp,
		ServerModifiedAt:     time.Now(),
		RawICal:              pe.RawICal,
		AlarmCount:           pe.AlarmCount,
		Reminders:            pe.Reminders,
	}
}
