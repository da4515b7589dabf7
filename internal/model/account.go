// Package model defines the entities persisted by the Store: accounts,
// calendars, events, occurrences, pending operations, and the diagnostic
// session/log records.
package model

import "time"

// Provider identifies how an Account's calendars are synchronized.
type Provider string

const (
	ProviderLocal    Provider = "LOCAL"
	ProviderICloud   Provider = "ICLOUD"
	ProviderCalDAV   Provider = "CALDAV"
	ProviderICS      Provider = "ICS"
	ProviderContacts Provider = "CONTACTS"
)

// SyncsViaCalDAV reports whether accounts of this provider ever participate
// in push/pull CalDAV sync (LOCAL, ICS and CONTACTS never do).
func (p Provider) SyncsViaCalDAV() bool {
	return p == ProviderICloud || p == ProviderCalDAV
}

// Account is a configured calendar source: a CalDAV server, an ICS
// subscription root, or the device-local provider.
type Account struct {
	ID            string
	Provider      Provider
	Email         string
	DisplayName   string
	PrincipalURL  string
	HomeSetURL    string
	IsEnabled     bool
	TrustInsecure bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
