// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is an inbound request as seen by the relay core.
type ProxyRequest struct {
	Ctx context.Context
	// Method is the inbound HTTP method.
	Method string
	// RawTarget is the inbound request-target, path and query, still encoded.
	RawTarget     string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown
	Peer          Peer
}

// Peer carries what the relay observed about the caller's connection.
type Peer struct {
	IP    string // remote IP without port
	Proto string // "http" or "https", as received by the relay
	Host  string // Host header the caller addressed the relay with
}

// ProxyResponse represents the response to be streamed back to the caller.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser

	// Set by the forwarder only.
	FinalURL  string
	Redirects []Redirect
}

// Redirect records one followed upstream redirect.
type Redirect struct {
	StatusCode int
	Location   string
}

// Outbound is a sanitized request ready to be sent to Target.
type Outbound struct {
	Target        *Target
	Method        string
	Header        http.Header // includes the upstream "Host"
	Body          io.Reader
	ContentLength int64 // -1 when unknown, 0 when there is no body
}

// Target is a validated upstream destination.
type Target struct {
	Scheme     string // http or https
	Host       string // hostname without port
	Port       string // explicit or scheme default
	RequestURI string // path and query, encoded
	URL        *url.URL
}

// Origin returns scheme://host:port with the port always present.
func (t *Target) Origin() string {
	return t.Scheme + "://" + t.Host + ":" + t.Port
}

// String returns the absolute target URL.
func (t *Target) String() string {
	return t.URL.String()
}
