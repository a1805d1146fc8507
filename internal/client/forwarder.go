// Package client sends relayed requests to upstream servers.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cors-relay-go/internal/config"
	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/model"
)

// drainLimit bounds how much of a redirect body is read to keep the connection reusable.
const drainLimit = 4 << 10

// Forwarder performs upstream HTTP exchanges, following redirects per policy.
type Forwarder struct {
	httpClient *http.Client
	cfg        *config.ProxyConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewForwarder creates a Forwarder with connection pooling and timeouts.
// Idle connections are pooled per scheme, host and port, so they never cross targets.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewForwarder(cfg *config.Config, pc *config.ProxyConfig, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Relay payloads byte for byte.
		DisableCompression: true,
	}
	return &Forwarder{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:     pc,
		logger:  logger.With("component", "forwarder"),
		metrics: m,
	}
}

// exchange is the forwarding state of one inbound request. It is owned by the
// goroutine serving that request.
type exchange struct {
	target        *model.Target
	url           *url.URL
	method        string
	header        http.Header
	body          io.Reader
	contentLength int64
	redirects     []model.Redirect
}

// Forward sends out upstream and returns the final response.
// The whole operation, body included, is bounded by the configured request
// timeout; closing the returned body releases the upstream connection.
// Errors are always *ProxyError.
func (f *Forwarder) Forward(ctx context.Context, out *model.Outbound) (*model.ProxyResponse, error) {
	cancel := context.CancelFunc(func() {})
	if f.cfg.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.cfg.RequestTimeout)
	}

	ex := &exchange{
		target:        out.Target,
		url:           out.Target.URL,
		method:        out.Method,
		header:        out.Header.Clone(),
		body:          out.Body,
		contentLength: out.ContentLength,
	}
	if ex.contentLength == 0 {
		ex.body = nil
	}

	for {
		resp, err := f.send(ctx, ex)
		if err != nil {
			cancel()
			pe := classify(err)
			f.recordError(pe)
			return nil, pe
		}

		next, ok := redirectTarget(resp, ex.url)
		if !ok || !f.shouldFollow(ex, resp.StatusCode, next) {
			if ok {
				// Hand the caller an absolute Location.
				resp.Header.Set("Location", next.String())
			}
			return &model.ProxyResponse{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
				FinalURL:   ex.url.String(),
				Redirects:  ex.redirects,
			}, nil
		}

		discard(resp.Body)
		if len(ex.redirects) >= f.cfg.MaxRedirects {
			cancel()
			pe := &ProxyError{
				Kind:   TooManyRedirects,
				Detail: fmt.Sprintf("more than %d redirects", f.cfg.MaxRedirects),
			}
			f.recordError(pe)
			return nil, pe
		}
		f.follow(ex, resp.StatusCode, next)
	}
}

func (f *Forwarder) send(ctx context.Context, ex *exchange) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, ex.method, ex.url.String(), ex.body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = ex.header.Clone()
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	}
	req.Header.Del("Host")
	if ex.body != nil && ex.contentLength > 0 {
		req.ContentLength = ex.contentLength
	}
	return f.do(req)
}

// do executes one upstream round trip and records metrics.
// The caller is responsible for closing the response body.
func (f *Forwarder) do(req *http.Request) (*http.Response, error) {
	f.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := f.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if f.metrics != nil {
		f.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if f.metrics != nil {
		f.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

// shouldFollow decides whether a redirect to next is followed by the relay or
// handed to the caller.
func (f *Forwarder) shouldFollow(ex *exchange, status int, next *url.URL) bool {
	if next.Scheme != "http" && next.Scheme != "https" {
		return false
	}
	if !f.cfg.RedirectSameOrigin && sameOrigin(ex.target.URL, next) {
		return false
	}
	// A streamed body cannot be replayed.
	if (status == http.StatusTemporaryRedirect || status == http.StatusPermanentRedirect) && ex.body != nil {
		return false
	}
	return true
}

func (f *Forwarder) follow(ex *exchange, status int, next *url.URL) {
	f.logger.Debug("following redirect",
		"status", status,
		"from", ex.url.Host,
		"to", next.Host,
	)
	if f.metrics != nil {
		f.metrics.UpstreamRedirects.Inc()
	}

	ex.redirects = append(ex.redirects, model.Redirect{StatusCode: status, Location: next.String()})

	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		if ex.method != http.MethodHead && (status == http.StatusSeeOther || ex.method != http.MethodGet) {
			ex.method = http.MethodGet
		}
		ex.body = nil
		ex.contentLength = 0
		ex.header.Del("Content-Type")
		ex.header.Del("Content-Length")
		ex.header.Del("Content-Encoding")
	}

	if !sameHost(ex.url, next) {
		ex.header.Del("Authorization")
		ex.header.Del("Www-Authenticate")
	}
	ex.header.Set("Host", next.Host)
	ex.url = next
}

func (f *Forwarder) recordError(pe *ProxyError) {
	if f.metrics != nil {
		f.metrics.UpstreamErrors.WithLabelValues(pe.Kind.String()).Inc()
	}
}

// redirectTarget returns the resolved Location of a redirect response.
func redirectTarget(resp *http.Response, base *url.URL) (*url.URL, bool) {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return nil, false
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, false
	}
	next, err := base.Parse(loc)
	if err != nil {
		return nil, false
	}
	return next, true
}

func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && sameHost(a, b) && portOf(a) == portOf(b)
}

func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Hostname(), b.Hostname())
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

func discard(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, drainLimit))
	_ = body.Close()
}

// cancelOnClose releases the request context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
