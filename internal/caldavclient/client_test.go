package caldavclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kashcal/sync-core/internal/quirks"
)

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(quirks.NewDefaultQuirks(srv.URL), "user", "pass", zerolog.Nop())
}

func TestDiscoverPrincipal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" || r.Header.Get("Depth") != "0" {
			t.Errorf("unexpected request: %s depth=%s", r.Method, r.Header.Get("Depth"))
		}
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(`<d:multistatus xmlns:d="DAV:"><d:response><d:propstat><d:prop>
			<d:current-user-principal><d:href>/principals/jdoe/</d:href></d:current-user-principal>
		</d:prop></d:propstat></d:response></d:multistatus>`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res := c.DiscoverPrincipal(t.Context(), srv.URL)
	if !res.IsSuccess() {
		t.Fatalf("want success, got %+v", res)
	}
	if res.Value.(string) != "/principals/jdoe/" {
		t.Errorf("got %v", res.Value)
	}
}

func TestPutEventCreateConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "*" {
			t.Errorf("want If-None-Match: *, got %q", r.Header.Get("If-None-Match"))
		}
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res := c.PutEvent(t.Context(), srv.URL+"/e1.ics", "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n", true, "")
	if res.Kind != KindConflict {
		t.Fatalf("want conflict, got %+v", res)
	}
}

func TestPutEventUpdateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Match") != `"old-etag"` {
			t.Errorf("want If-Match, got %q", r.Header.Get("If-Match"))
		}
		w.Header().Set("ETag", `W/"new-etag"`)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res := c.PutEvent(t.Context(), srv.URL+"/e1.ics", "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n", false, `"old-etag"`)
	if !res.IsSuccess() {
		t.Fatalf("want success, got %+v", res)
	}
	if res.Value.(string) != "new-etag" {
		t.Errorf("got %v, want normalized etag", res.Value)
	}
}

func TestDeleteEventTolerates404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res := c.DeleteEvent(t.Context(), srv.URL+"/gone.ics", "")
	if !res.IsSuccess() {
		t.Fatalf("404 on delete must be treated as success, got %+v", res)
	}
}

func TestUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res := c.FetchCtag(t.Context(), srv.URL+"/cal/")
	if res.Kind != KindUnauthorized {
		t.Fatalf("want unauthorized, got %+v", res)
	}
}

func TestRetryAfterThrottle(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<d:multistatus xmlns:d="DAV:"></d:multistatus>`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res := c.FetchCtag(t.Context(), srv.URL+"/cal/")
	if !res.IsSuccess() {
		t.Fatalf("want success after retry, got %+v", res)
	}
	if attempts != 2 {
		t.Errorf("want 2 attempts, got %d", attempts)
	}
}

func TestSyncCollectionInvalidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`<d:error xmlns:d="DAV:"><d:valid-sync-token/></d:error>`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res := c.SyncCollection(t.Context(), srv.URL+"/cal/", "stale-token")
	if res.Kind != KindError || res.Code != 410 {
		t.Fatalf("want Error(410), got %+v", res)
	}
}

func TestFetchEventsByHrefBatchesAndFallsBackSequentially(t *testing.T) {
	var gotBodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBodies = append(gotBodies, string(body))

		if strings.Count(string(body), "<D:href>") > 1 {
			// Simulate a provider that returns empty for multi-href multiget.
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<d:multistatus xmlns:d="DAV:"></d:multistatus>`))
			return
		}
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(`<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
			<d:response><d:href>/cal/a.ics</d:href><d:propstat><d:prop>
				<d:getetag>"a"</d:getetag><c:calendar-data>BEGIN:VCALENDAR END:VCALENDAR</c:calendar-data>
			</d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>
		</d:multistatus>`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	res := c.FetchEventsByHref(t.Context(), srv.URL+"/cal/", []string{"/cal/a.ics", "/cal/b.ics"})
	if !res.IsSuccess() {
		t.Fatalf("want success, got %+v", res)
	}
	items := res.Value.([]quirks.ICalItem)
	if len(items) != 2 {
		t.Fatalf("want 2 items from sequential fallback, got %d", len(items))
	}
	if len(gotBodies) != 3 {
		t.Fatalf("want 1 batched + 2 sequential requests, got %d", len(gotBodies))
	}
}

func TestFormatDateForQueryUsedInRangeQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(`<d:multistatus xmlns:d="DAV:"></d:multistatus>`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	res := c.FetchEtagsInRange(t.Context(), srv.URL+"/cal/", start, end)
	if !res.IsSuccess() {
		t.Fatalf("want success, got %+v", res)
	}
}
