package caldavclient

import (
	"crypto/tls"
	"errors"
	"net"
	"net/url"
)

// TransportErrorKind names one of the typed transport failures the client
// surfaces to callers instead of a bare wrapped error.
type TransportErrorKind string

const (
	ErrSocketTimeout TransportErrorKind = "SocketTimeout"
	ErrUnknownHost   TransportErrorKind = "UnknownHost"
	ErrConnect       TransportErrorKind = "Connect"
	ErrSSLHandshake  TransportErrorKind = "SSLHandshake"
	ErrOther         TransportErrorKind = "Other"
)

// TransportError wraps a classified network failure.
type TransportError struct {
	Kind TransportErrorKind
	Err  error
}

func (e *TransportError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// classifyTransportError inspects the error net/http returns from
// (*http.Client).Do and buckets it into one of the typed kinds.
func classifyTransportError(err error) *TransportError {
	if err == nil {
		return nil
	}

	var tlsErr tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return &TransportError{Kind: ErrSSLHandshake, Err: err}
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return &TransportError{Kind: ErrSSLHandshake, Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &TransportError{Kind: ErrUnknownHost, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: ErrSocketTimeout, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return &TransportError{Kind: ErrConnect, Err: err}
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &TransportError{Kind: ErrSocketTimeout, Err: err}
	}

	return &TransportError{Kind: ErrOther, Err: err}
}
