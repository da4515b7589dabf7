package quirks

import "testing"

func TestExtractPrincipalURL(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/</d:href>
    <d:propstat>
      <d:prop>
        <d:current-user-principal><d:href>/principals/users/jdoe/</d:href></d:current-user-principal>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`)

	q := NewDefaultQuirks("https://dav.example.com")
	got, err := q.ExtractPrincipalURL(body)
	if err != nil {
		t.Fatal(err)
	}
	if got != "/principals/users/jdoe/" {
		t.Errorf("got %q", got)
	}
}

func TestExtractCalendarsFiltersNonVEVENT(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/">
  <d:response>
    <d:href>/calendars/jdoe/home/</d:href>
    <d:propstat>
      <d:prop>
        <d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
        <d:displayname>Home</d:displayname>
        <cs:getctag>ctag-1</cs:getctag>
        <c:supported-calendar-component-set>
          <c:comp name="VEVENT"/>
        </c:supported-calendar-component-set>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/calendars/jdoe/tasks/</d:href>
    <d:propstat>
      <d:prop>
        <d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
        <d:displayname>Tasks</d:displayname>
        <c:supported-calendar-component-set>
          <c:comp name="VTODO"/>
        </c:supported-calendar-component-set>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/calendars/jdoe/inbox/</d:href>
    <d:propstat>
      <d:prop>
        <d:resourcetype><d:collection/><c:calendar/><c:schedule-inbox/></d:resourcetype>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`)

	q := NewDefaultQuirks("https://dav.example.com")
	records, err := q.ExtractCalendars(body, "https://dav.example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("want 1 calendar, got %d: %+v", len(records), records)
	}
	if records[0].Href != "/calendars/jdoe/home/" {
		t.Errorf("Href = %q", records[0].Href)
	}
	if records[0].CTag != "ctag-1" {
		t.Errorf("CTag = %q", records[0].CTag)
	}
}

func TestExtractICalDataAndEtagNormalization(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/calendars/jdoe/home/event-1.ics</d:href>
    <d:propstat>
      <d:prop>
        <d:getetag>W/&quot;abc123&quot;</d:getetag>
        <c:calendar-data><![CDATA[BEGIN:VCALENDAR
END:VCALENDAR
]]></c:calendar-data>
      </d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`)

	q := NewDefaultQuirks("https://dav.example.com")
	items, err := q.ExtractICalData(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("want 1 item, got %d", len(items))
	}
	if items[0].ETag != "abc123" {
		t.Errorf("ETag = %q, want normalized abc123", items[0].ETag)
	}
}

func TestExtractDeletedHrefs(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/calendars/jdoe/home/gone.ics</d:href>
    <d:status>HTTP/1.1 404 Not Found</d:status>
  </d:response>
  <d:response>
    <d:href>/calendars/jdoe/home/still-here.ics</d:href>
    <d:propstat>
      <d:prop><d:getetag>"xyz"</d:getetag></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`)

	q := NewDefaultQuirks("https://dav.example.com")
	deleted, err := q.ExtractDeletedHrefs(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 1 || deleted[0] != "/calendars/jdoe/home/gone.ics" {
		t.Errorf("deleted = %v", deleted)
	}

	changed, err := q.ExtractChangedItems(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0].ETag != "xyz" {
		t.Errorf("changed = %+v", changed)
	}
}

func TestIsSyncTokenInvalid(t *testing.T) {
	q := NewDefaultQuirks("https://dav.example.com")
	if !q.IsSyncTokenInvalid(410, nil) {
		t.Error("410 must be invalid")
	}
	if q.IsSyncTokenInvalid(403, nil) {
		t.Error("bare 403 must not be treated as sync-token expiry")
	}
	body := []byte(`<d:error xmlns:d="DAV:"><d:valid-sync-token/></d:error>`)
	if !q.IsSyncTokenInvalid(403, body) {
		t.Error("valid-sync-token error body must be treated as expiry")
	}
}

func TestBuildURLsDedupSlashes(t *testing.T) {
	q := NewDefaultQuirks("https://dav.example.com")
	got := q.BuildCalendarURL("//calendars/jdoe//home/", "https://dav.example.com")
	if got != "https://dav.example.com/calendars/jdoe/home/" {
		t.Errorf("got %q", got)
	}

	abs := q.BuildEventURL("https://other.example.com/x.ics", "https://dav.example.com/calendars/jdoe/home/")
	if abs != "https://other.example.com/x.ics" {
		t.Errorf("absolute href must pass through unchanged, got %q", abs)
	}
}

func TestICloudQuirksFixedHost(t *testing.T) {
	q := NewICloudQuirks()
	if !q.RequiresAppSpecificPassword() {
		t.Error("iCloud must require an app-specific password")
	}
	got := q.BuildEventURL("/1234/calendars/home/e.ics", "https://p01-caldav.icloud.com/1234/calendars/home/")
	if got != "https://caldav.icloud.com/1234/calendars/home/e.ics" {
		t.Errorf("got %q", got)
	}
}

func TestFormatDateForQuery(t *testing.T) {
	q := NewDefaultQuirks("https://dav.example.com")
	ms := int64(1704067200000) // 2024-01-01T00:00:00Z
	if got := q.FormatDateForQuery(ms); got != "20240101T000000Z" {
		t.Errorf("got %q", got)
	}
}
