// Package caldavclient is the CalDAV HTTP transport: PROPFIND/REPORT/PUT/
// DELETE against a provider's CalDAV endpoints, translated into a sum-typed
// Result so callers never branch on raw status codes.
package caldavclient

import "fmt"

// Kind discriminates a Result.
type Kind int

const (
	KindSuccess Kind = iota
	KindError
	KindNotModified
	KindConflict
	KindUnauthorized
)

// Result is the sum type every client operation returns. Exactly one of
// Value/Code+Message is meaningful, gated by Kind.
type Result struct {
	Kind       Kind
	Value      any
	Code       int
	Message    string
	Retryable  bool
	RetryAfter int // seconds, 0 if the server did not send Retry-After
}

func Success(value any) Result {
	return Result{Kind: KindSuccess, Value: value}
}

func NotModified() Result {
	return Result{Kind: KindNotModified}
}

func Conflict() Result {
	return Result{Kind: KindConflict, Code: 412}
}

func Unauthorized() Result {
	return Result{Kind: KindUnauthorized, Code: 401}
}

func Error(code int, message string, retryable bool) Result {
	return Result{Kind: KindError, Code: code, Message: message, Retryable: retryable}
}

func RetryableError(code int, message string, retryAfter int) Result {
	return Result{Kind: KindError, Code: code, Message: message, Retryable: true, RetryAfter: retryAfter}
}

func (r Result) IsSuccess() bool { return r.Kind == KindSuccess }

func (r Result) Err() error {
	if r.Kind != KindError {
		return nil
	}
	return fmt.Errorf("caldav: %s (%d)", r.Message, r.Code)
}

// resultForStatus maps an HTTP status code to a Result. body is consulted
// only by callers that need Quirks.IsSyncTokenInvalid; resultForStatus
// itself never inspects it.
func resultForStatus(code int, retryAfter int, body []byte) Result {
	switch {
	case code == 200 || code == 207 || code == 201 || code == 204:
		return Result{Kind: KindSuccess, Code: code}
	case code == 304:
		return NotModified()
	case code == 401:
		return Unauthorized()
	case code == 412:
		return Conflict()
	case code == 429 || code == 503:
		return RetryableError(code, fmt.Sprintf("HTTP %d", code), retryAfter)
	case code >= 500:
		return Error(code, fmt.Sprintf("HTTP %d", code), true)
	case code == 403 || code == 404 || code == 410:
		return Error(code, fmt.Sprintf("HTTP %d", code), false)
	default:
		return Error(code, fmt.Sprintf("HTTP %d", code), false)
	}
}
