// Package quirks isolates per-provider differences in CalDAV multistatus XML
// and URL shape behind one capability set, so the CalDAV client
// stays provider-agnostic.
package quirks

import "github.com/kashcal/sync-core/internal/model"

// CalendarRecord is a parsed DAV:response describing a calendar collection.
type CalendarRecord struct {
	Href                string
	DisplayName         string
	Color               string
	CTag                string
	SyncToken           string
	SupportedComponents []string
}

// ICalItem is one (href, etag, icalText) triple from a calendar-data response.
type ICalItem struct {
	Href     string
	ETag     string
	ICalText string
}

// ChangedItem is a (href, etag) pair surfaced by sync-collection for a
// created or updated resource.
type ChangedItem struct {
	Href string
	ETag string
}

// Quirks is the capability set a CalDAV provider implementation exposes.
// Every method receives raw, already-fetched bytes; Quirks never performs
// I/O itself.
type Quirks interface {
	ExtractPrincipalURL(xmlBody []byte) (string, error)
	ExtractCalendarHomeURL(xmlBody []byte) (string, error)
	ExtractCalendars(xmlBody []byte, baseHost string) ([]CalendarRecord, error)
	ExtractICalData(xmlBody []byte) ([]ICalItem, error)
	ExtractSyncToken(xmlBody []byte) (string, error)
	ExtractCtag(xmlBody []byte) (string, error)
	ExtractEventEtag(xmlBody []byte) (string, error)
	ExtractDeletedHrefs(xmlBody []byte) ([]string, error)
	ExtractChangedItems(xmlBody []byte) ([]ChangedItem, error)
	BuildCalendarURL(href, baseHost string) string
	BuildEventURL(href, calendarURL string) string
	IsSyncTokenInvalid(code int, body []byte) bool
	AdditionalHeaders() map[string]string
	FormatDateForQuery(epochMs int64) string
	RequiresAppSpecificPassword() bool
}

// ProviderRegistry resolves the Quirks adapter for an account's provider.
type ProviderRegistry struct{}

// NewProviderRegistry constructs a ProviderRegistry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{}
}

// GetQuirksForAccount returns the adapter for account's provider, or nil for
// providers that never sync over CalDAV (LOCAL, ICS, CONTACTS).
func (r *ProviderRegistry) GetQuirksForAccount(account *model.Account) Quirks {
	switch account.Provider {
	case model.ProviderICloud:
		return NewICloudQuirks()
	case model.ProviderCalDAV:
		return NewDefaultQuirks(account.PrincipalURL)
	default:
		return nil
	}
}
