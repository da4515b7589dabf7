package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/store"
)

func scanOccurrence(row interface{ Scan(...any) error }) (*model.Occurrence, error) {
	var o model.Occurrence
	var exceptionEventID sql.NullString
	if err := row.Scan(&o.ID, &o.EventID, &o.CalendarID, &o.StartTs, &o.EndTs, &o.StartDay, &o.EndDay, &o.IsCancelled, &exceptionEventID); err != nil {
		return nil, err
	}
	o.ExceptionEventID = exceptionEventID.String
	return &o, nil
}

const occurrenceCols = `id, event_id, calendar_id, start_ts, end_ts, start_day, end_day, is_cancelled, exception_event_id`

func (s *Store) ReplaceOccurrences(ctx context.Context, eventID string, occurrences []model.Occurrence) error {
	var calendarID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT calendar_id FROM events WHERE id = ?`, eventID).Scan(&calendarID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM occurrences WHERE event_id = ?`, eventID); err != nil {
			return err
		}
		for _, occ := range occurrences {
			if occ.ID == "" {
				occ.ID = uuid.New().String()
			}
			occ.EventID = eventID
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO occurrences (`+occurrenceCols+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, occ.ID, occ.EventID, occ.CalendarID, occ.StartTs, occ.EndTs, occ.StartDay, occ.EndDay, occ.IsCancelled, nullIfEmpty(occ.ExceptionEventID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(calendarID)
	return nil
}

func (s *Store) DeleteOccurrencesForEvent(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM occurrences WHERE event_id = ?`, eventID)
	return err
}

func (s *Store) GetOccurrenceAt(ctx context.Context, eventID string, startTs int64) (*model.Occurrence, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+occurrenceCols+` FROM occurrences WHERE event_id = ? AND start_ts = ?`, eventID, startTs)
	o, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func (s *Store) InsertOccurrence(ctx context.Context, o model.Occurrence) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO occurrences (`+occurrenceCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, start_ts) DO UPDATE SET
			end_ts=excluded.end_ts, start_day=excluded.start_day, end_day=excluded.end_day,
			is_cancelled=excluded.is_cancelled, exception_event_id=excluded.exception_event_id
	`, o.ID, o.EventID, o.CalendarID, o.StartTs, o.EndTs, o.StartDay, o.EndDay, o.IsCancelled, nullIfEmpty(o.ExceptionEventID))
	if err != nil {
		return err
	}
	s.notify(o.CalendarID)
	return nil
}

func (s *Store) LinkOccurrenceException(ctx context.Context, occurrenceID, exceptionEventID string) error {
	var calendarID string
	if err := s.db.QueryRowContext(ctx, `SELECT calendar_id FROM occurrences WHERE id = ?`, occurrenceID).Scan(&calendarID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE occurrences SET exception_event_id = ? WHERE id = ?`, exceptionEventID, occurrenceID)
	if err != nil {
		return err
	}
	s.notify(calendarID)
	return nil
}

// UnlinkExceptionEvent nulls (never cascades) the weak back-pointer when an
// exception Event is removed.
func (s *Store) UnlinkExceptionEvent(ctx context.Context, exceptionEventID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE occurrences SET exception_event_id = NULL WHERE exception_event_id = ?`, exceptionEventID)
	return err
}

// occurrenceEventScan is a single row's destinations for the joined
// occurrence+event query below: the first 9 fields are the occurrence
// columns, the rest mirror eventCols exactly so eventRow.toEvent can reuse
// the same decode logic as scanEvent.
type occurrenceEventScan struct {
	occ              model.Occurrence
	exceptionEventID sql.NullString
	event            eventRow
}

func (r *occurrenceEventScan) dest() []any {
	out := []any{&r.occ.ID, &r.occ.EventID, &r.occ.CalendarID, &r.occ.StartTs, &r.occ.EndTs, &r.occ.StartDay, &r.occ.EndDay, &r.occ.IsCancelled, &r.exceptionEventID}
	return append(out, r.event.dest()...)
}

// OccurrencesForDayRange implements the "events for day" join: prefer the
// linked exception event's row when exception_event_id is
// set, otherwise the occurrence's own master event.
func (s *Store) OccurrencesForDayRange(ctx context.Context, calendarID string, dr store.DayRange) ([]store.OccurrenceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+occurrenceCols+`, `+eventColsPrefixed("ev")+`
		FROM occurrences o
		JOIN events ev ON ev.id = COALESCE(o.exception_event_id, o.event_id)
		WHERE o.calendar_id = ? AND o.start_day <= ? AND o.end_day >= ? AND o.is_cancelled = 0
		ORDER BY o.start_ts
	`, calendarID, dr.EndDay, dr.StartDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.OccurrenceRow
	for rows.Next() {
		var scan occurrenceEventScan
		if err := rows.Scan(scan.dest()...); err != nil {
			return nil, err
		}
		scan.occ.ExceptionEventID = scan.exceptionEventID.String
		ev, err := scan.event.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, store.OccurrenceRow{Occurrence: scan.occ, Event: *ev})
	}
	return out, rows.Err()
}
