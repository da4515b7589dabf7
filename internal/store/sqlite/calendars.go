package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kashcal/sync-core/internal/model"
)

const calendarCols = `id, account_id, remote_url, display_name, color, is_read_only, is_visible, is_default, ctag, sync_token, created_at, updated_at`

func scanCalendar(row interface{ Scan(...any) error }) (*model.Calendar, error) {
	var c model.Calendar
	if err := row.Scan(&c.ID, &c.AccountID, &c.RemoteURL, &c.DisplayName, &c.Color,
		&c.IsReadOnly, &c.IsVisible, &c.IsDefault, &c.CTag, &c.SyncToken, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCalendar(ctx context.Context, c *model.Calendar) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.Color == "" {
			c.Color = "#3174ad"
		}
		now := time.Now().UTC()
		c.CreatedAt, c.UpdatedAt = now, now

		if c.IsDefault {
			// Exactly one isDefault=true calendar per writable account

			if _, err := tx.ExecContext(ctx, `UPDATE calendars SET is_default = 0 WHERE account_id = ? AND is_read_only = 0`, c.AccountID); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO calendars (
				id, account_id, remote_url, display_name, color,
				is_read_only, is_visible, is_default, ctag, sync_token, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.AccountID, c.RemoteURL, c.DisplayName, c.Color,
			c.IsReadOnly, c.IsVisible, c.IsDefault, c.CTag, c.SyncToken, c.CreatedAt, c.UpdatedAt)
		return err
	})
}

func (s *Store) GetCalendar(ctx context.Context, id string) (*model.Calendar, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+calendarCols+` FROM calendars WHERE id = ?`, id)
	return scanCalendar(row)
}

func (s *Store) ListCalendarsForAccount(ctx context.Context, accountID string) ([]*model.Calendar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+calendarCols+` FROM calendars WHERE account_id = ? ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Calendar
	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCalendarSyncTokens(ctx context.Context, id string, ctag, syncToken string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calendars SET ctag = ?, sync_token = ?, updated_at = ? WHERE id = ?
	`, ctag, syncToken, time.Now().UTC(), id)
	return err
}

// ClearCalendarCTag forces a full pull on the next sync: an empty ctag
// never matches whatever the server currently reports, and an empty sync
// token skips the sync-collection tier.
func (s *Store) ClearCalendarCTag(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE calendars SET ctag = '', sync_token = '', updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *Store) SetCalendarDefault(ctx context.Context, accountID, calendarID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE calendars SET is_default = 0 WHERE account_id = ?`, accountID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE calendars SET is_default = 1 WHERE id = ? AND account_id = ?`, calendarID, accountID)
		return err
	})
}

func (s *Store) DeleteCalendar(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE target_calendar_id = ? OR source_calendar_id = ?`, id, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM calendars WHERE id = ?`, id)
		return err
	})
}
