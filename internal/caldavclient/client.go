package caldavclient

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/kashcal/sync-core/internal/quirks"
)

const (
	connectTimeout = 30 * time.Second
	readTimeout    = 60 * time.Second

	maxRetryAttempts = 3 // the request itself plus two retries
	backoffStart     = 1 * time.Second
	backoffCap       = 30 * time.Second
)

// Client issues CalDAV requests against one account and translates HTTP
// responses into the sum-typed Result, delegating all
// server-dialect-specific XML parsing and URL shaping to a quirks.Quirks.
type Client struct {
	httpClient *http.Client
	quirks     quirks.Quirks
	username   string
	password   string
	logger     zerolog.Logger
}

// NewClient builds a Client. username/password are Basic-auth credentials;
// for providers where quirks.RequiresAppSpecificPassword() is true, password
// must already be the app-specific password, not the account password.
func NewClient(q quirks.Quirks, username, password string, logger zerolog.Logger) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}
	return &Client{
		httpClient: &http.Client{Timeout: readTimeout, Transport: transport},
		quirks:     q,
		username:   username,
		password:   password,
		logger:     logger.With().Str("component", "caldavclient").Logger(),
	}
}

type rawResponse struct {
	status int
	body   []byte
	header http.Header
}

// do sends req, retrying on 429/503 per Retry-After (or exponential backoff
// if the server sent none), up to maxRetryAttempts total attempts.
func (c *Client) do(ctx context.Context, req *http.Request) (*rawResponse, *TransportError) {
	req.Header.Set("Authorization", basicAuthHeader(c.username, c.password))
	for k, v := range c.quirks.AdditionalHeaders() {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	backoff := backoffStart
	var lastErr *TransportError
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, classifyTransportError(err)
			}
			req.Body = body
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = classifyTransportError(err)
			c.logger.Warn().Err(err).Str("kind", string(lastErr.Kind)).Int("attempt", attempt).Msg("caldav request failed")
			return nil, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, classifyTransportError(readErr)
		}

		if resp.StatusCode == 429 || resp.StatusCode == 503 {
			if attempt == maxRetryAttempts-1 {
				return &rawResponse{status: resp.StatusCode, body: body, header: resp.Header}, nil
			}
			wait := retryAfterDuration(resp.Header.Get("Retry-After"))
			if wait == 0 {
				wait = backoff
				backoff *= 2
				if backoff > backoffCap {
					backoff = backoffCap
				}
			}
			c.logger.Debug().Int("status", resp.StatusCode).Dur("wait", wait).Msg("caldav retrying after throttle")
			select {
			case <-ctx.Done():
				return nil, classifyTransportError(ctx.Err())
			case <-time.After(wait):
			}
			continue
		}

		return &rawResponse{status: resp.StatusCode, body: body, header: resp.Header}, nil
	}
	return nil, lastErr
}

func retryAfterDuration(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func basicAuthHeader(username, password string) string {
	req := &http.Request{Header: http.Header{}}
	req.SetBasicAuth(username, password)
	return req.Header.Get("Authorization")
}

func newRequest(ctx context.Context, method, url string, depth string, body []byte) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	}
	if depth != "" {
		req.Header.Set("Depth", depth)
	}
	return req, nil
}
