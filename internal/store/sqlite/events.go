package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/store"
)

const eventCols = `
	id, uid, calendar_id, import_id,
	title, location, description, start_ts, end_ts, timezone, is_all_day,
	status, transp, classification, priority, geo_lat, geo_lon, color, url, categories,
	rrule, rdate, exdate, duration,
	original_event_id, original_instance_time,
	caldav_url, etag, sequence, sync_status, dtstamp, local_modified_at, server_modified_at,
	raw_ical, alarm_count, reminders
`

// eventRow holds scan destinations for the eventCols column list. It backs
// both scanEvent (standalone event queries) and the occurrence+event join
// in occurrences.go, so the 36-column scan is written exactly once.
type eventRow struct {
	id, uid, calendarID, importID                 string
	title, location, description, timezone        string
	startTs, endTs                                int64
	isAllDay                                       bool
	status, transp, classification                string
	priority                                       sql.NullInt64
	geoLat, geoLon                                 sql.NullFloat64
	color, url, categoriesJSON                     string
	rrule, rdateJSON, exdateJSON                   string
	duration                                       int64
	originalEventID                                string
	originalInstanceTime                           *int64
	caldavURL, etag                                string
	sequence                                        int
	syncStatus                                      string
	dtstamp, localMod, serverMod                    sql.NullTime
	rawICal                                         string
	alarmCount                                      int
	remindersJSON                                   string
}

func (r *eventRow) dest() []any {
	return []any{
		&r.id, &r.uid, &r.calendarID, &r.importID,
		&r.title, &r.location, &r.description, &r.startTs, &r.endTs, &r.timezone, &r.isAllDay,
		&r.status, &r.transp, &r.classification, &r.priority, &r.geoLat, &r.geoLon, &r.color, &r.url, &r.categoriesJSON,
		&r.rrule, &r.rdateJSON, &r.exdateJSON, &r.duration,
		&r.originalEventID, &r.originalInstanceTime,
		&r.caldavURL, &r.etag, &r.sequence, &r.syncStatus, &r.dtstamp, &r.localMod, &r.serverMod,
		&r.rawICal, &r.alarmCount, &r.remindersJSON,
	}
}

func (r *eventRow) toEvent() (*model.Event, error) {
	e := &model.Event{
		ID: r.id, UID: r.uid, CalendarID: r.calendarID, ImportID: r.importID,
		Title: r.title, Location: r.location, Description: r.description, Timezone: r.timezone,
		StartTs: r.startTs, EndTs: r.endTs, IsAllDay: r.isAllDay,
		Status: model.Status(r.status), Transp: model.Transp(r.transp), Classification: model.Classification(r.classification),
		Color: r.color, URL: r.url,
		RRule: r.rrule, Duration: r.duration,
		OriginalEventID: r.originalEventID, OriginalInstanceTime: r.originalInstanceTime,
		CaldavURL: r.caldavURL, ETag: r.etag, Sequence: r.sequence, SyncStatus: model.SyncStatus(r.syncStatus),
		RawICal: r.rawICal, AlarmCount: r.alarmCount,
	}
	if r.priority.Valid {
		v := int(r.priority.Int64)
		e.Priority = &v
	}
	if r.geoLat.Valid {
		e.GeoLat = &r.geoLat.Float64
	}
	if r.geoLon.Valid {
		e.GeoLon = &r.geoLon.Float64
	}
	if r.dtstamp.Valid {
		e.DTStamp = r.dtstamp.Time
	}
	if r.localMod.Valid {
		e.LocalModifiedAt = r.localMod.Time
	}
	if r.serverMod.Valid {
		e.ServerModifiedAt = r.serverMod.Time
	}
	if err := json.Unmarshal([]byte(r.categoriesJSON), &e.Categories); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	if err := json.Unmarshal([]byte(r.rdateJSON), &e.RDate); err != nil {
		return nil, fmt.Errorf("decode rdate: %w", err)
	}
	if err := json.Unmarshal([]byte(r.exdateJSON), &e.ExDate); err != nil {
		return nil, fmt.Errorf("decode exdate: %w", err)
	}
	if err := json.Unmarshal([]byte(r.remindersJSON), &e.Reminders); err != nil {
		return nil, fmt.Errorf("decode reminders: %w", err)
	}
	return e, nil
}

func scanEvent(row interface{ Scan(...any) error }) (*model.Event, error) {
	var r eventRow
	if err := row.Scan(r.dest()...); err != nil {
		return nil, err
	}
	return r.toEvent()
}

func eventArgs(e *model.Event) ([]any, error) {
	categoriesJSON, err := json.Marshal(e.Categories)
	if err != nil {
		return nil, err
	}
	rdateJSON, err := json.Marshal(e.RDate)
	if err != nil {
		return nil, err
	}
	exdateJSON, err := json.Marshal(e.ExDate)
	if err != nil {
		return nil, err
	}
	remindersJSON, err := json.Marshal(e.Reminders)
	if err != nil {
		return nil, err
	}

	var originalEventID any
	if e.OriginalEventID != "" {
		originalEventID = e.OriginalEventID
	}
	var dtstamp, localMod, serverMod any
	if !e.DTStamp.IsZero() {
		dtstamp = e.DTStamp
	}
	if !e.LocalModifiedAt.IsZero() {
		localMod = e.LocalModifiedAt
	}
	if !e.ServerModifiedAt.IsZero() {
		serverMod = e.ServerModifiedAt
	}

	return []any{
		e.ID, e.UID, e.CalendarID, e.ImportID,
		e.Title, e.Location, e.Description, e.StartTs, e.EndTs, e.Timezone, e.IsAllDay,
		e.Status, e.Transp, e.Classification, e.Priority, e.GeoLat, e.GeoLon, e.Color, e.URL, string(categoriesJSON),
		e.RRule, string(rdateJSON), string(exdateJSON), e.Duration,
		originalEventID, e.OriginalInstanceTime,
		e.CaldavURL, e.ETag, e.Sequence, e.SyncStatus, dtstamp, localMod, serverMod,
		e.RawICal, e.AlarmCount, string(remindersJSON),
	}, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

func (s *Store) GetEventByUID(ctx context.Context, calendarID, uid string, originalInstanceTime *int64) (*model.Event, error) {
	if originalInstanceTime == nil {
		row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE calendar_id = ? AND uid = ? AND original_instance_time IS NULL`, calendarID, uid)
		return scanEvent(row)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE calendar_id = ? AND uid = ? AND original_instance_time = ?`, calendarID, uid, *originalInstanceTime)
	return scanEvent(row)
}

func (s *Store) ListEventsForCalendar(ctx context.Context, calendarID string) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE calendar_id = ?`, calendarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListExceptionsForMaster(ctx context.Context, masterEventID string) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE original_event_id = ? ORDER BY original_instance_time`, masterEventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// WriteEvent is the single transaction boundary the sync core requires:
// insert-or-replace the event, replace its occurrence rows, and
// insert/update the accompanying pending operation, all atomically.
func (s *Store) WriteEvent(ctx context.Context, w store.EventWrite) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e := &w.Event
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		args, err := eventArgs(e)
		if err != nil {
			return err
		}
		upsert := `
			INSERT INTO events (` + eventCols + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				uid=excluded.uid, calendar_id=excluded.calendar_id, import_id=excluded.import_id,
				title=excluded.title, location=excluded.location, description=excluded.description,
				start_ts=excluded.start_ts, end_ts=excluded.end_ts, timezone=excluded.timezone, is_all_day=excluded.is_all_day,
				status=excluded.status, transp=excluded.transp, classification=excluded.classification,
				priority=excluded.priority, geo_lat=excluded.geo_lat, geo_lon=excluded.geo_lon, color=excluded.color,
				url=excluded.url, categories=excluded.categories,
				rrule=excluded.rrule, rdate=excluded.rdate, exdate=excluded.exdate, duration=excluded.duration,
				original_event_id=excluded.original_event_id, original_instance_time=excluded.original_instance_time,
				caldav_url=excluded.caldav_url, etag=excluded.etag, sequence=excluded.sequence, sync_status=excluded.sync_status,
				dtstamp=excluded.dtstamp, local_modified_at=excluded.local_modified_at, server_modified_at=excluded.server_modified_at,
				raw_ical=excluded.raw_ical, alarm_count=excluded.alarm_count, reminders=excluded.reminders
		`
		if _, err := tx.ExecContext(ctx, upsert, args...); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM occurrences WHERE event_id = ?`, e.ID); err != nil {
			return err
		}
		for _, occ := range w.Occurrences {
			if occ.ID == "" {
				occ.ID = uuid.New().String()
			}
			occ.EventID = e.ID
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO occurrences (id, event_id, calendar_id, start_ts, end_ts, start_day, end_day, is_cancelled, exception_event_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, occ.ID, occ.EventID, occ.CalendarID, occ.StartTs, occ.EndTs, occ.StartDay, occ.EndDay, occ.IsCancelled, nullIfEmpty(occ.ExceptionEventID)); err != nil {
				return err
			}
		}

		if w.Operation != nil {
			if err := upsertOperation(ctx, tx, w.Operation); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(w.Event.CalendarID)
	return nil
}

func (s *Store) UpdateEventSyncState(ctx context.Context, id string, status model.SyncStatus, etag, caldavURL string) error {
	var calendarID string
	if err := s.db.QueryRowContext(ctx, `SELECT calendar_id FROM events WHERE id = ?`, id).Scan(&calendarID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET sync_status = ?, etag = ?, caldav_url = ?, server_modified_at = ? WHERE id = ?
	`, status, etag, caldavURL, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	s.notify(calendarID)
	return nil
}

// MoveEventCalendar implements the cross-calendar MOVE push: on phase-0
// success the event's calendarId flips and it becomes
// PENDING_CREATE in the target.
func (s *Store) MoveEventCalendar(ctx context.Context, id, targetCalendarID string, status model.SyncStatus) error {
	var sourceCalendarID string
	if err := s.db.QueryRowContext(ctx, `SELECT calendar_id FROM events WHERE id = ?`, id).Scan(&sourceCalendarID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET calendar_id = ?, sync_status = ? WHERE id = ?
	`, targetCalendarID, status, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE occurrences SET calendar_id = ? WHERE event_id = ?`, targetCalendarID, id); err != nil {
		return err
	}
	s.notify(sourceCalendarID)
	s.notify(targetCalendarID)
	return nil
}

// DeleteEvent cascades to occurrences via foreign key and nulls any
// occurrence.exception_event_id back-pointer elsewhere (the weak reference
// elsewhere); it does not cascade-delete exception events that
// reference this row as their master, so a concurrent exception insert
// referencing a just-deleted master fails with a foreign-key violation
// rather than silently orphaning.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	var calendarID string
	if err := s.db.QueryRowContext(ctx, `SELECT calendar_id FROM events WHERE id = ?`, id).Scan(&calendarID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return err
	}
	s.notify(calendarID)
	return nil
}

func (s *Store) SearchEvents(ctx context.Context, calendarID, query string) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColsPrefixed("e")+`
		FROM events_fts
		JOIN events e ON e.rowid = events_fts.rowid
		WHERE events_fts MATCH ? AND e.calendar_id = ?
		ORDER BY rank
	`, query, calendarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func eventColsPrefixed(alias string) string {
	cols := []string{
		"id", "uid", "calendar_id", "import_id",
		"title", "location", "description", "start_ts", "end_ts", "timezone", "is_all_day",
		"status", "transp", "classification", "priority", "geo_lat", "geo_lon", "color", "url", "categories",
		"rrule", "rdate", "exdate", "duration",
		"original_event_id", "original_instance_time",
		"caldav_url", "etag", "sequence", "sync_status", "dtstamp", "local_modified_at", "server_modified_at",
		"raw_ical", "alarm_count", "reminders",
	}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
