package caldavclient

import (
	"context"
	"net/http"
	"time"

	"github.com/kashcal/sync-core/internal/quirks"
)

// EtagPair is one (href, etag) result from an etags-only range query.
type EtagPair struct {
	Href string
	ETag string
}

// SyncDelta is the result of a sync-collection REPORT.
type SyncDelta struct {
	Changed  []ChangedItemWithBody
	Deleted  []string
	NewToken string
}

// ChangedItemWithBody is a changed resource from sync-collection, including
// the calendar-data the REPORT returned inline (when the server supplies it).
type ChangedItemWithBody struct {
	Href     string
	ETag     string
	ICalText string
}

// multigetBatchSize bounds how many hrefs go in one calendar-multiget
// request.
const multigetBatchSize = 30

// DiscoverPrincipal issues a depth-0 PROPFIND against serverURL for
// current-user-principal.
func (c *Client) DiscoverPrincipal(ctx context.Context, serverURL string) Result {
	resp, terr := c.propfind(ctx, serverURL, "0", principalPropfindBody)
	if terr != nil {
		return transportResult(terr)
	}
	if res, ok := nonSuccessResult(resp); ok {
		return res
	}
	url, err := c.quirks.ExtractPrincipalURL(resp.body)
	if err != nil {
		return Error(0, err.Error(), false)
	}
	return Success(url)
}

// DiscoverCalendarHome issues a depth-0 PROPFIND against principalURL for
// calendar-home-set.
func (c *Client) DiscoverCalendarHome(ctx context.Context, principalURL string) Result {
	resp, terr := c.propfind(ctx, principalURL, "0", calendarHomePropfindBody)
	if terr != nil {
		return transportResult(terr)
	}
	if res, ok := nonSuccessResult(resp); ok {
		return res
	}
	url, err := c.quirks.ExtractCalendarHomeURL(resp.body)
	if err != nil {
		return Error(0, err.Error(), false)
	}
	return Success(url)
}

// ListCalendars issues a depth-1 PROPFIND against homeURL.
func (c *Client) ListCalendars(ctx context.Context, homeURL, baseHost string) Result {
	resp, terr := c.propfind(ctx, homeURL, "1", listCalendarsPropfindBody)
	if terr != nil {
		return transportResult(terr)
	}
	if res, ok := nonSuccessResult(resp); ok {
		return res
	}
	records, err := c.quirks.ExtractCalendars(resp.body, baseHost)
	if err != nil {
		return Error(0, err.Error(), false)
	}
	return Success(records)
}

// FetchCtag issues a depth-0 PROPFIND for getctag, used by PullStrategy's
// fast path.
func (c *Client) FetchCtag(ctx context.Context, calendarURL string) Result {
	resp, terr := c.propfind(ctx, calendarURL, "0", ctagOnlyPropfindBody)
	if terr != nil {
		return transportResult(terr)
	}
	if res, ok := nonSuccessResult(resp); ok {
		return res
	}
	ctag, err := c.quirks.ExtractCtag(resp.body)
	if err != nil {
		return Error(0, err.Error(), false)
	}
	return Success(ctag)
}

// FetchEventEtag issues a depth-0 PROPFIND against a single event URL,
// used by ConflictResolver's CLIENT_WINS policy to learn the server's
// current etag before re-queueing a rejected update.
func (c *Client) FetchEventEtag(ctx context.Context, eventURL string) Result {
	resp, terr := c.propfind(ctx, eventURL, "0", eventEtagPropfindBody)
	if terr != nil {
		return transportResult(terr)
	}
	if res, ok := nonSuccessResult(resp); ok {
		return res
	}
	etag, err := c.quirks.ExtractEventEtag(resp.body)
	if err != nil {
		return Error(0, err.Error(), false)
	}
	return Success(etag)
}

// FetchEtagsInRange issues a calendar-query REPORT for [start, end),
// requesting only getetag.
func (c *Client) FetchEtagsInRange(ctx context.Context, calendarURL string, start, end time.Time) Result {
	body := timeRangeQueryBody(c.quirks.FormatDateForQuery(start.UnixMilli()), c.quirks.FormatDateForQuery(end.UnixMilli()), false)
	resp, terr := c.report(ctx, calendarURL, "1", body)
	if terr != nil {
		return transportResult(terr)
	}
	if res, ok := nonSuccessResult(resp); ok {
		return res
	}
	items, err := c.quirks.ExtractICalData(resp.body)
	if err != nil {
		return Error(0, err.Error(), false)
	}
	pairs := make([]EtagPair, 0, len(items))
	for _, it := range items {
		pairs = append(pairs, EtagPair{Href: it.Href, ETag: it.ETag})
	}
	return Success(pairs)
}

// FetchEventsInRange issues a calendar-query REPORT for [start, end),
// requesting getetag and calendar-data.
func (c *Client) FetchEventsInRange(ctx context.Context, calendarURL string, start, end time.Time) Result {
	body := timeRangeQueryBody(c.quirks.FormatDateForQuery(start.UnixMilli()), c.quirks.FormatDateForQuery(end.UnixMilli()), true)
	resp, terr := c.report(ctx, calendarURL, "1", body)
	if terr != nil {
		return transportResult(terr)
	}
	if res, ok := nonSuccessResult(resp); ok {
		return res
	}
	items, err := c.quirks.ExtractICalData(resp.body)
	if err != nil {
		return Error(0, err.Error(), false)
	}
	return Success(items)
}

// FetchEventsByHref issues one or more calendar-multiget REPORTs, batching
// hrefs by multigetBatchSize. A provider whose multi-href multiget comes
// back empty is retried one href at a time.
func (c *Client) FetchEventsByHref(ctx context.Context, calendarURL string, hrefs []string) Result {
	var all []quirks.ICalItem
	for start := 0; start < len(hrefs); start += multigetBatchSize {
		end := start + multigetBatchSize
		if end > len(hrefs) {
			end = len(hrefs)
		}
		batch := hrefs[start:end]

		resp, terr := c.report(ctx, calendarURL, "1", multigetBody(batch))
		if terr != nil {
			return transportResult(terr)
		}
		if res, ok := nonSuccessResult(resp); ok {
			return res
		}
		items, err := c.quirks.ExtractICalData(resp.body)
		if err != nil {
			return Error(0, err.Error(), false)
		}

		if len(items) == 0 && len(batch) > 1 {
			for _, href := range batch {
				single, terr := c.report(ctx, calendarURL, "1", multigetBody([]string{href}))
				if terr != nil {
					return transportResult(terr)
				}
				if res, ok := nonSuccessResult(single); ok {
					return res
				}
				singleItems, err := c.quirks.ExtractICalData(single.body)
				if err != nil {
					return Error(0, err.Error(), false)
				}
				all = append(all, singleItems...)
			}
			continue
		}
		all = append(all, items...)
	}
	return Success(all)
}

// SyncCollection issues a sync-collection REPORT. An empty token requests an
// initial sync. If the server reports the token as invalid
// (Quirks.IsSyncTokenInvalid), the caller gets Error(410) so PullStrategy can
// fall back to tier 3.
func (c *Client) SyncCollection(ctx context.Context, calendarURL, token string) Result {
	resp, terr := c.report(ctx, calendarURL, "1", syncCollectionBody(token))
	if terr != nil {
		return transportResult(terr)
	}
	if resp.status != http.StatusMultiStatus && resp.status != http.StatusOK {
		if c.quirks.IsSyncTokenInvalid(resp.status, resp.body) {
			return Error(410, "sync token invalid", false)
		}
		if res, ok := nonSuccessResult(resp); ok {
			return res
		}
	}

	changed, err := c.quirks.ExtractChangedItems(resp.body)
	if err != nil {
		return Error(0, err.Error(), false)
	}
	deleted, err := c.quirks.ExtractDeletedHrefs(resp.body)
	if err != nil {
		return Error(0, err.Error(), false)
	}
	newToken, err := c.quirks.ExtractSyncToken(resp.body)
	if err != nil {
		return Error(0, err.Error(), false)
	}

	icalByHref := map[string]string{}
	if items, err := c.quirks.ExtractICalData(resp.body); err == nil {
		for _, it := range items {
			icalByHref[it.Href] = it.ICalText
		}
	}

	delta := SyncDelta{Deleted: deleted, NewToken: newToken}
	for _, ch := range changed {
		delta.Changed = append(delta.Changed, ChangedItemWithBody{
			Href:     ch.Href,
			ETag:     ch.ETag,
			ICalText: icalByHref[ch.Href],
		})
	}
	return Success(delta)
}

// PutEvent uploads ical to url. When create is true, If-None-Match: * is
// sent (CREATE); otherwise If-Match: ifMatchEtag is sent when non-empty
// (UPDATE).
func (c *Client) PutEvent(ctx context.Context, url, ical string, create bool, ifMatchEtag string) Result {
	req, err := newRequest(ctx, http.MethodPut, url, "", []byte(ical))
	if err != nil {
		return Error(0, err.Error(), false)
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	if create {
		req.Header.Set("If-None-Match", "*")
	} else if ifMatchEtag != "" {
		req.Header.Set("If-Match", ifMatchEtag)
	}

	resp, terr := c.do(ctx, req)
	if terr != nil {
		return transportResult(terr)
	}
	if res, ok := nonSuccessResult(resp); ok {
		return res
	}
	return Success(quirks.NormalizeETag(resp.header.Get("ETag")))
}

// DeleteEvent removes url. ifMatchEtag, when non-empty, is sent as If-Match.
func (c *Client) DeleteEvent(ctx context.Context, url, ifMatchEtag string) Result {
	req, err := newRequest(ctx, http.MethodDelete, url, "", nil)
	if err != nil {
		return Error(0, err.Error(), false)
	}
	if ifMatchEtag != "" {
		req.Header.Set("If-Match", ifMatchEtag)
	}

	resp, terr := c.do(ctx, req)
	if terr != nil {
		return transportResult(terr)
	}
	if resp.status == http.StatusNotFound {
		return Success(nil)
	}
	if res, ok := nonSuccessResult(resp); ok {
		return res
	}
	return Success(nil)
}

func (c *Client) propfind(ctx context.Context, url, depth, body string) (*rawResponse, *TransportError) {
	req, err := newRequest(ctx, "PROPFIND", url, depth, []byte(body))
	if err != nil {
		return nil, &TransportError{Kind: ErrOther, Err: err}
	}
	return c.do(ctx, req)
}

func (c *Client) report(ctx context.Context, url, depth, body string) (*rawResponse, *TransportError) {
	req, err := newRequest(ctx, "REPORT", url, depth, []byte(body))
	if err != nil {
		return nil, &TransportError{Kind: ErrOther, Err: err}
	}
	return c.do(ctx, req)
}

// nonSuccessResult converts a non-2xx/207/304 rawResponse to a Result; ok is
// false when the caller should keep processing resp.body as a success.
func nonSuccessResult(resp *rawResponse) (Result, bool) {
	switch resp.status {
	case http.StatusOK, http.StatusMultiStatus, http.StatusCreated, http.StatusNoContent:
		return Result{}, false
	default:
		return resultForStatus(resp.status, int(retryAfterDuration(resp.header.Get("Retry-After"))/time.Second), resp.body), true
	}
}

func transportResult(terr *TransportError) Result {
	return Error(0, terr.Error(), terr.Kind == ErrSocketTimeout)
}
