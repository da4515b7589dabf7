package pull

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kashcal/sync-core/internal/caldavclient"
	"github.com/kashcal/sync-core/internal/model"
	"github.com/kashcal/sync-core/internal/occurrence"
	"github.com/kashcal/sync-core/internal/quirks"
	"github.com/kashcal/sync-core/internal/store"
)

// fakeStore backs only the event/occurrence/calendar-token methods
// PullStrategy and its Materializer exercise.
type fakeStore struct {
	store.Store

	events          map[string]*model.Event
	occurrences     map[string][]model.Occurrence
	lastCtag        string
	lastSyncToken   string
	syncTokenWrites int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:      make(map[string]*model.Event),
		occurrences: make(map[string][]model.Occurrence),
	}
}

func (s *fakeStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return s.events[id], nil
}

func (s *fakeStore) GetEventByUID(ctx context.Context, calendarID, uid string, originalInstanceTime *int64) (*model.Event, error) {
	for _, e := range s.events {
		if e.CalendarID != calendarID || e.UID != uid {
			continue
		}
		if (e.OriginalInstanceTime == nil) != (originalInstanceTime == nil) {
			continue
		}
		if e.OriginalInstanceTime != nil && *e.OriginalInstanceTime != *originalInstanceTime {
			continue
		}
		return e, nil
	}
	return nil, nil
}

func (s *fakeStore) ListEventsForCalendar(ctx context.Context, calendarID string) ([]*model.Event, error) {
	var out []*model.Event
	for _, e := range s.events {
		if e.CalendarID == calendarID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) WriteEvent(ctx context.Context, w store.EventWrite) error {
	cp := w.Event
	s.events[cp.ID] = &cp
	return nil
}

func (s *fakeStore) DeleteEvent(ctx context.Context, id string) error {
	delete(s.events, id)
	delete(s.occurrences, id)
	return nil
}

func (s *fakeStore) UpdateCalendarSyncTokens(ctx context.Context, id, ctag, syncToken string) error {
	s.lastCtag = ctag
	s.lastSyncToken = syncToken
	s.syncTokenWrites++
	return nil
}

func (s *fakeStore) ReplaceOccurrences(ctx context.Context, eventID string, occurrences []model.Occurrence) error {
	s.occurrences[eventID] = occurrences
	return nil
}

func (s *fakeStore) DeleteOccurrencesForEvent(ctx context.Context, eventID string) error {
	delete(s.occurrences, eventID)
	return nil
}

func (s *fakeStore) GetOccurrenceAt(ctx context.Context, eventID string, startTs int64) (*model.Occurrence, error) {
	for i := range s.occurrences[eventID] {
		if s.occurrences[eventID][i].StartTs == startTs {
			return &s.occurrences[eventID][i], nil
		}
	}
	return nil, nil
}

func (s *fakeStore) InsertOccurrence(ctx context.Context, o model.Occurrence) error {
	s.occurrences[o.EventID] = append(s.occurrences[o.EventID], o)
	return nil
}

func (s *fakeStore) LinkOccurrenceException(ctx context.Context, occurrenceID, exceptionEventID string) error {
	for eventID, rows := range s.occurrences {
		for i := range rows {
			if rows[i].ID == occurrenceID {
				s.occurrences[eventID][i].ExceptionEventID = exceptionEventID
				return nil
			}
		}
	}
	return nil
}

func newStrategy(fs *fakeStore, srv *httptest.Server) *Strategy {
	q := quirks.NewDefaultQuirks(srv.URL)
	client := caldavclient.NewClient(q, "user", "pass", zerolog.Nop())
	mat := occurrence.New(fs)
	return New(fs, client, q, mat, zerolog.Nop())
}

const testEventICal = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:event-1@example.com
DTSTART:20260801T090000Z
DTEND:20260801T100000Z
SUMMARY:Planning sync
END:VEVENT
END:VCALENDAR
`

func multistatusWithEvent(href, etag, icalText string) string {
	escaped := strings.ReplaceAll(icalText, "]]>", "]]]]><![CDATA[>")
	return fmt.Sprintf(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>%s</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>"%s"</d:getetag>
        <c:calendar-data><![CDATA[%s]]></c:calendar-data>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`, href, etag, escaped)
}

func ctagBody(ctag string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:response>
    <d:href>/cal1/</d:href>
    <d:propstat>
      <d:prop><cs:getctag>%s</cs:getctag></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`, ctag)
}

func TestPullCalendarNoChangesOnMatchingCtag(t *testing.T) {
	fs := newFakeStore()
	var reportCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(ctagBody("ctag-1")))
		case "REPORT":
			reportCalled = true
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<d:multistatus xmlns:d="DAV:"></d:multistatus>`))
		}
	}))
	defer srv.Close()

	cal := &model.Calendar{ID: "cal1", RemoteURL: srv.URL + "/cal1/", CTag: "ctag-1"}
	strat := newStrategy(fs, srv)

	outcome, err := strat.PullCalendar(t.Context(), cal, false)
	if err != nil {
		t.Fatalf("PullCalendar: %v", err)
	}
	if !outcome.NoChanges {
		t.Fatalf("expected NoChanges, got %+v", outcome)
	}
	if reportCalled {
		t.Fatalf("ctag fast path should not have issued a REPORT")
	}
}

func TestPullCalendarFullSyncCreatesEvent(t *testing.T) {
	fs := newFakeStore()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(ctagBody("ctag-2")))
		case "REPORT":
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(multistatusWithEvent("/cal1/event-1.ics", "etag-1", testEventICal)))
		}
	}))
	defer srv.Close()

	cal := &model.Calendar{ID: "cal1", RemoteURL: srv.URL + "/cal1/", CTag: "ctag-old"}
	strat := newStrategy(fs, srv)

	outcome, err := strat.PullCalendar(t.Context(), cal, false)
	if err != nil {
		t.Fatalf("PullCalendar: %v", err)
	}
	if outcome.Created != 1 {
		t.Fatalf("expected 1 created, got %+v", outcome)
	}

	var found *model.Event
	for _, e := range fs.events {
		if e.UID == "event-1@example.com" {
			found = e
		}
	}
	if found == nil {
		t.Fatalf("expected event-1 to be written to the store")
	}
	if found.ETag != "etag-1" || found.SyncStatus != model.SyncStatusSynced {
		t.Fatalf("unexpected stored event: %+v", found)
	}
	if len(fs.occurrences[found.ID]) != 1 {
		t.Fatalf("expected one materialized occurrence for a non-recurring event, got %d", len(fs.occurrences[found.ID]))
	}
	if fs.lastCtag != "ctag-2" {
		t.Fatalf("expected calendar ctag updated to ctag-2, got %q", fs.lastCtag)
	}
}

func TestPullCalendarDeletesLocalEventMissingRemotely(t *testing.T) {
	fs := newFakeStore()
	fs.events["stale-1"] = &model.Event{ID: "stale-1", CalendarID: "cal1", CaldavURL: "http://stale/missing.ics", UID: "stale@example.com"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "PROPFIND":
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(ctagBody("ctag-2")))
		case "REPORT":
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<d:multistatus xmlns:d="DAV:"></d:multistatus>`))
		}
	}))
	defer srv.Close()

	cal := &model.Calendar{ID: "cal1", RemoteURL: srv.URL + "/cal1/", CTag: "ctag-old"}
	strat := newStrategy(fs, srv)

	outcome, err := strat.PullCalendar(t.Context(), cal, false)
	if err != nil {
		t.Fatalf("PullCalendar: %v", err)
	}
	if outcome.Deleted != 1 {
		t.Fatalf("expected 1 deleted, got %+v", outcome)
	}
	if _, ok := fs.events["stale-1"]; ok {
		t.Fatalf("stale event should have been deleted")
	}
}

func TestPullCalendarUnauthorizedShortCircuits(t *testing.T) {
	fs := newFakeStore()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cal := &model.Calendar{ID: "cal1", RemoteURL: srv.URL + "/cal1/"}
	strat := newStrategy(fs, srv)

	_, err := strat.PullCalendar(t.Context(), cal, false)
	if err == nil {
		t.Fatalf("expected AuthError")
	}
	if _, ok := err.(*AuthError); !ok {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
}
