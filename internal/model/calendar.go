package model

import "time"

// Calendar is a single calendar collection, local or remote.
type Calendar struct {
	ID          string
	AccountID   string
	RemoteURL   string // or local:// URI for on-device-only calendars
	DisplayName string
	Color       string
	IsReadOnly  bool
	IsVisible   bool
	IsDefault   bool
	CTag        string
	SyncToken   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SkipsPush reports whether this calendar is excluded from PushStrategy:
// read-only calendars (including ICS subscriptions) never push local
// changes.
func (c *Calendar) SkipsPush() bool {
	return c.IsReadOnly
}
