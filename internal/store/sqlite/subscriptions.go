package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kashcal/sync-core/internal/model"
)

const icsSubCols = `id, url, name, color, calendar_id, enabled, etag, last_modified, last_sync_at, next_refresh_at`

func scanIcsSubscription(row interface{ Scan(...any) error }) (*model.IcsSubscription, error) {
	var sub model.IcsSubscription
	var lastSyncAt sql.NullTime
	if err := row.Scan(&sub.ID, &sub.URL, &sub.Name, &sub.Color, &sub.CalendarID, &sub.Enabled,
		&sub.ETag, &sub.LastModified, &lastSyncAt, &sub.NextRefreshAt); err != nil {
		return nil, err
	}
	if lastSyncAt.Valid {
		sub.LastSyncAt = &lastSyncAt.Time
	}
	return &sub, nil
}

func (s *Store) CreateIcsSubscription(ctx context.Context, sub *model.IcsSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ics_subscriptions (`+icsSubCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.URL, sub.Name, sub.Color, sub.CalendarID, sub.Enabled,
		sub.ETag, sub.LastModified, sub.LastSyncAt, sub.NextRefreshAt)
	return err
}

func (s *Store) GetIcsSubscription(ctx context.Context, id string) (*model.IcsSubscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+icsSubCols+` FROM ics_subscriptions WHERE id = ?`, id)
	return scanIcsSubscription(row)
}

func (s *Store) ListDueIcsSubscriptions(ctx context.Context, now time.Time) ([]*model.IcsSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+icsSubCols+` FROM ics_subscriptions WHERE enabled = 1 AND next_refresh_at <= ? ORDER BY next_refresh_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.IcsSubscription
	for rows.Next() {
		sub, err := scanIcsSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) UpdateIcsSubscriptionState(ctx context.Context, id, etag, lastModified string, lastSyncAt, nextRefreshAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ics_subscriptions SET etag = ?, last_modified = ?, last_sync_at = ?, next_refresh_at = ? WHERE id = ?
	`, etag, lastModified, lastSyncAt, nextRefreshAt, id)
	return err
}
