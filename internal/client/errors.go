package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"syscall"
)

// ErrorKind classifies a failed forward.
type ErrorKind int

const (
	// UpstreamUnreachable covers DNS, connect and TLS failures.
	UpstreamUnreachable ErrorKind = iota + 1
	// UpstreamTimeout means the request timeout expired.
	UpstreamTimeout
	// TooManyRedirects means the redirect chain exceeded the configured maximum.
	TooManyRedirects
	// ClientCanceled means the caller went away before the upstream answered.
	ClientCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case UpstreamUnreachable:
		return "UpstreamUnreachable"
	case UpstreamTimeout:
		return "UpstreamTimeout"
	case TooManyRedirects:
		return "TooManyRedirects"
	case ClientCanceled:
		return "ClientCanceled"
	default:
		return "Unknown"
	}
}

// ProxyError is returned by Forward when no upstream response can be relayed.
// Detail is safe to show to the caller; Err is for logs.
type ProxyError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *ProxyError) Error() string {
	if e.Err == nil {
		return e.Kind.String() + ": " + e.Detail
	}
	return e.Kind.String() + ": " + e.Detail + ": " + e.Err.Error()
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

// classify maps a transport error onto the ProxyError taxonomy.
func classify(err error) *ProxyError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProxyError{Kind: UpstreamTimeout, Detail: "upstream request timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &ProxyError{Kind: ClientCanceled, Detail: "client disconnected", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProxyError{Kind: UpstreamTimeout, Detail: "upstream request timed out", Err: err}
	}

	return &ProxyError{Kind: UpstreamUnreachable, Detail: unreachableDetail(err), Err: err}
}

func unreachableDetail(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host could not be resolved"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "upstream connection refused"
	}
	var (
		certErr      *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		recordHdrErr tls.RecordHeaderError
		alertErr     tls.AlertError
	)
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostnameErr) ||
		errors.As(err, &recordHdrErr) || errors.As(err, &alertErr) {
		return "upstream TLS handshake failed"
	}
	return "upstream connection failed"
}
