package sqlite

import (
	"context"

	"github.com/google/uuid"

	"github.com/kashcal/sync-core/internal/model"
)

// RecordSyncSession appends one diagnostic row per syncCalendar call to an
// append-only audit trail; sessions are never updated or
// deleted in place.
func (s *Store) RecordSyncSession(ctx context.Context, sess *model.SyncSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_sessions (
			id, calendar_id, calendar_name, sync_type, trigger_source, start_time, duration_ms,
			events_fetched, events_written, events_updated, events_deleted,
			events_pushed_created, events_pushed_updated, events_pushed_deleted,
			conflicts_resolved, skipped_parse_error, abandoned_parse_errors,
			error_type, error_stage, error_message, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.CalendarID, sess.CalendarName, sess.SyncType, sess.TriggerSource, sess.StartTime, sess.DurationMs,
		sess.EventsFetched, sess.EventsWritten, sess.EventsUpdated, sess.EventsDeleted,
		sess.EventsPushedCreated, sess.EventsPushedUpdated, sess.EventsPushedDeleted,
		sess.ConflictsResolved, sess.SkippedParseError, sess.AbandonedParseErrors,
		sess.ErrorType, sess.ErrorStage, sess.ErrorMessage, sess.Status)
	return err
}

func (s *Store) AppendSyncLog(ctx context.Context, l *model.SyncLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (id, timestamp, calendar_id, event_uid, action, result, details, http_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.Timestamp, l.CalendarID, l.EventUID, l.Action, l.Result, l.Details, l.HTTPStatus)
	return err
}
