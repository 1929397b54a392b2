package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind discriminates transport failures.
type ErrorKind int

const (
	// KindConnectFailed covers DNS, dial, and proxy connection failures.
	KindConnectFailed ErrorKind = iota
	// KindTLSVerifyFailed covers certificate validation failures.
	KindTLSVerifyFailed
	// KindTimeout covers deadline and timeout expiries.
	KindTimeout
	// KindUpstreamHTTP covers upstream responses with status >= 400.
	KindUpstreamHTTP
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectFailed:
		return "connect_failed"
	case KindTLSVerifyFailed:
		return "tls_verify_failed"
	case KindTimeout:
		return "timeout"
	case KindUpstreamHTTP:
		return "upstream_http_error"
	}
	return "unknown"
}

// TransportError is a failed upstream call with its classified kind. The
// kind is preserved to the caller for diagnosability.
type TransportError struct {
	Kind    ErrorKind
	Status  int // set for KindUpstreamHTTP
	Body    []byte
	Headers http.Header
	Err     error
}

func (e *TransportError) Error() string {
	if e.Kind == KindUpstreamHTTP {
		return fmt.Sprintf("%s: upstream status %d", e.Kind, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error onto the status surfaced to the caller.
func (e *TransportError) HTTPStatus() int {
	switch e.Kind {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamHTTP:
		if e.Status >= 400 {
			return e.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// Classify wraps a client error as a TransportError with the right kind.
func Classify(err error) *TransportError {
	te := &TransportError{Kind: KindConnectFailed, Err: err}

	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	switch {
	case errors.As(err, &certErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostname),
		errors.As(err, &invalid):
		te.Kind = KindTLSVerifyFailed
		return te
	}

	if errors.Is(err, context.DeadlineExceeded) {
		te.Kind = KindTimeout
		return te
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		te.Kind = KindTimeout
		return te
	}
	return te
}
