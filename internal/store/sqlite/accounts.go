package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/kashcal/sync-core/internal/model"
)

func (s *Store) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		now := time.Now().UTC()
		a.CreatedAt, a.UpdatedAt = now, now
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (
				id, provider, email, display_name, principal_url, home_set_url,
				is_enabled, trust_insecure, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.Provider, a.Email, a.DisplayName, a.PrincipalURL, a.HomeSetURL,
			a.IsEnabled, a.TrustInsecure, a.CreatedAt, a.UpdatedAt)
		return err
	})
}

func scanAccount(row interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	if err := row.Scan(&a.ID, &a.Provider, &a.Email, &a.DisplayName, &a.PrincipalURL,
		&a.HomeSetURL, &a.IsEnabled, &a.TrustInsecure, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

const accountCols = `id, provider, email, display_name, principal_url, home_set_url, is_enabled, trust_insecure, created_at, updated_at`

func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ListEnabledAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE is_enabled = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAccount cascades to calendars, events, and occurrences via foreign
// keys; pending operations are
// not foreign-keyed to events so they are cleared explicitly here.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM calendars WHERE account_id = ?`, id)
		if err != nil {
			return err
		}
		var calendarIDs []string
		for rows.Next() {
			var cid string
			if err := rows.Scan(&cid); err != nil {
				rows.Close()
				return err
			}
			calendarIDs = append(calendarIDs, cid)
		}
		rows.Close()

		for _, cid := range calendarIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE target_calendar_id = ? OR source_calendar_id = ?`, cid, cid); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
		return err
	})
}
