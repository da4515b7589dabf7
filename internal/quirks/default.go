package quirks

import (
	"strings"
	"time"
)

// nonCalendarResourceTypes are DAV:resourcetype children that mark a
// collection as something other than a syncable VEVENT calendar: a
// scheduling inbox/outbox or a notifications collection. Tasks-only
// (VTODO) collections are not listed here; isSyncableCalendar excludes
// them by their supported component set.
var nonCalendarResourceTypes = map[string]bool{
	"schedule-inbox":  true,
	"schedule-outbox": true,
	"notification":    true,
}

// DefaultQuirks implements Quirks for a generic RFC 4791 server whose base
// URL is supplied at construction time.
type DefaultQuirks struct {
	baseURL string
}

// NewDefaultQuirks builds a DefaultQuirks rooted at baseURL (scheme+host,
// no trailing slash required).
func NewDefaultQuirks(baseURL string) *DefaultQuirks {
	return &DefaultQuirks{baseURL: strings.TrimRight(baseURL, "/")}
}

func (q *DefaultQuirks) ExtractPrincipalURL(xmlBody []byte) (string, error) {
	return extractHrefUnder(xmlBody, "current-user-principal")
}

func (q *DefaultQuirks) ExtractCalendarHomeURL(xmlBody []byte) (string, error) {
	return extractHrefUnder(xmlBody, "calendar-home-set")
}

func extractHrefUnder(xmlBody []byte, container string) (string, error) {
	root, err := parseXML(xmlBody)
	if err != nil {
		return "", err
	}
	c := root.findFirst(container)
	if c == nil {
		return "", nil
	}
	if href := c.findFirst("href"); href != nil {
		return href.trimmedText(), nil
	}
	return "", nil
}

func (q *DefaultQuirks) ExtractCalendars(xmlBody []byte, baseHost string) ([]CalendarRecord, error) {
	root, err := parseXML(xmlBody)
	if err != nil {
		return nil, err
	}

	var out []CalendarRecord
	for _, resp := range root.find("response") {
		href := resp.firstDirectChild("href")
		if href == nil {
			continue
		}

		var rec *CalendarRecord
		for _, propstat := range resp.find("propstat") {
			prop := propstat.firstDirectChild("prop")
			if prop == nil {
				continue
			}
			resType := prop.firstDirectChild("resourcetype")
			if resType == nil || resType.firstDirectChild("calendar") == nil {
				continue
			}
			if hasExcludedResourceType(resType) {
				continue
			}

			r := CalendarRecord{Href: strings.TrimSpace(href.text)}
			if n := prop.firstDirectChild("displayname"); n != nil {
				r.DisplayName = n.trimmedText()
			}
			if n := prop.firstDirectChild("calendar-color"); n != nil {
				r.Color = n.trimmedText()
			}
			if n := prop.firstDirectChild("getctag"); n != nil {
				r.CTag = n.trimmedText()
			}
			if n := prop.firstDirectChild("sync-token"); n != nil {
				r.SyncToken = n.trimmedText()
			}
			if set := prop.firstDirectChild("supported-calendar-component-set"); set != nil {
				for _, comp := range set.find("comp") {
					if name := comp.attr("name"); name != "" {
						r.SupportedComponents = append(r.SupportedComponents, name)
					}
				}
			}
			rec = &r
			break
		}

		if rec != nil && isSyncableCalendar(rec) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func hasExcludedResourceType(resType *node) bool {
	for _, child := range resType.children {
		if nonCalendarResourceTypes[strings.ToLower(child.local)] {
			return true
		}
	}
	return false
}

// isSyncableCalendar keeps collections that either advertise no
// supported-calendar-component-set restriction (assume VEVENT capable) or
// explicitly list VEVENT; a VTODO-only collection is dropped.
func isSyncableCalendar(r *CalendarRecord) bool {
	if len(r.SupportedComponents) == 0 {
		return true
	}
	for _, c := range r.SupportedComponents {
		if strings.EqualFold(c, "VEVENT") {
			return true
		}
	}
	return false
}

func (q *DefaultQuirks) ExtractICalData(xmlBody []byte) ([]ICalItem, error) {
	root, err := parseXML(xmlBody)
	if err != nil {
		return nil, err
	}

	var out []ICalItem
	for _, resp := range root.find("response") {
		href := resp.firstDirectChild("href")
		if href == nil {
			continue
		}
		for _, propstat := range resp.find("propstat") {
			prop := propstat.firstDirectChild("prop")
			if prop == nil {
				continue
			}
			data := prop.firstDirectChild("calendar-data")
			if data == nil {
				continue
			}
			item := ICalItem{
				Href:     strings.TrimSpace(href.text),
				ICalText: data.text,
			}
			if et := prop.firstDirectChild("getetag"); et != nil {
				item.ETag = NormalizeETag(et.trimmedText())
			}
			out = append(out, item)
		}
	}
	return out, nil
}

func (q *DefaultQuirks) ExtractSyncToken(xmlBody []byte) (string, error) {
	root, err := parseXML(xmlBody)
	if err != nil {
		return "", err
	}
	if n := root.findFirst("sync-token"); n != nil {
		return n.trimmedText(), nil
	}
	return "", nil
}

func (q *DefaultQuirks) ExtractCtag(xmlBody []byte) (string, error) {
	root, err := parseXML(xmlBody)
	if err != nil {
		return "", err
	}
	if n := root.findFirst("getctag"); n != nil {
		return n.trimmedText(), nil
	}
	return "", nil
}

// ExtractEventEtag reads the getetag prop off a depth-0 PROPFIND response
// against a single event resource, used by ConflictResolver's CLIENT_WINS
// policy to learn the server's current etag before re-queueing an update.
func (q *DefaultQuirks) ExtractEventEtag(xmlBody []byte) (string, error) {
	root, err := parseXML(xmlBody)
	if err != nil {
		return "", err
	}
	if n := root.findFirst("getetag"); n != nil {
		return NormalizeETag(n.trimmedText()), nil
	}
	return "", nil
}

func (q *DefaultQuirks) ExtractDeletedHrefs(xmlBody []byte) ([]string, error) {
	root, err := parseXML(xmlBody)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, resp := range root.find("response") {
		href := resp.firstDirectChild("href")
		if href == nil {
			continue
		}
		if responseStatus(resp) == 404 {
			out = append(out, strings.TrimSpace(href.text))
		}
	}
	return out, nil
}

func (q *DefaultQuirks) ExtractChangedItems(xmlBody []byte) ([]ChangedItem, error) {
	root, err := parseXML(xmlBody)
	if err != nil {
		return nil, err
	}
	var out []ChangedItem
	for _, resp := range root.find("response") {
		href := resp.firstDirectChild("href")
		if href == nil || responseStatus(resp) == 404 {
			continue
		}
		item := ChangedItem{Href: strings.TrimSpace(href.text)}
		for _, propstat := range resp.find("propstat") {
			prop := propstat.firstDirectChild("prop")
			if prop == nil {
				continue
			}
			if et := prop.firstDirectChild("getetag"); et != nil {
				item.ETag = NormalizeETag(et.trimmedText())
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// responseStatus returns the status code of a response's own DAV:status
// (href-level failure, e.g. a plain 404 with no propstat) or, failing that,
// its first propstat's status.
func responseStatus(resp *node) int {
	if s := resp.firstDirectChild("status"); s != nil {
		return statusCode(s.trimmedText())
	}
	if ps := resp.firstDirectChild("propstat"); ps != nil {
		if s := ps.firstDirectChild("status"); s != nil {
			return statusCode(s.trimmedText())
		}
	}
	return 0
}

func (q *DefaultQuirks) BuildCalendarURL(href, baseHost string) string {
	return joinURL(href, baseHost)
}

func (q *DefaultQuirks) BuildEventURL(href, calendarURL string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return joinURL(href, hostOf(calendarURL))
}

// joinURL resolves href against baseHost ("scheme://host[:port]"), deduping
// slashes; href that is already absolute is returned unchanged.
func joinURL(href, baseHost string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	base := strings.TrimRight(baseHost, "/")
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	for strings.Contains(href, "//") {
		href = strings.ReplaceAll(href, "//", "/")
	}
	return base + href
}

// hostOf returns the scheme://host[:port] prefix of an absolute URL.
func hostOf(absURL string) string {
	idx := strings.Index(absURL, "://")
	if idx < 0 {
		return absURL
	}
	rest := absURL[idx+3:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		return absURL[:idx+3+slash]
	}
	return absURL
}

func (q *DefaultQuirks) IsSyncTokenInvalid(code int, body []byte) bool {
	if code == 410 {
		return true
	}
	return bytesContainsFold(body, "valid-sync-token")
}

func bytesContainsFold(body []byte, needle string) bool {
	return strings.Contains(strings.ToLower(string(body)), strings.ToLower(needle))
}

func (q *DefaultQuirks) AdditionalHeaders() map[string]string {
	return nil
}

func (q *DefaultQuirks) FormatDateForQuery(epochMs int64) string {
	return time.UnixMilli(epochMs).UTC().Format("20060102T150405Z")
}

func (q *DefaultQuirks) RequiresAppSpecificPassword() bool {
	return false
}

// NormalizeETag strips the weak marker and surrounding quotes, and decodes
// the &quot; entity some servers emit literally inside getetag text instead
// of XML-escaping it properly.
func NormalizeETag(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.TrimPrefix(s, "W/")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return s
}
