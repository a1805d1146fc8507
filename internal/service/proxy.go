// Package service implements the relay core: it resolves the target, applies
// the access policy, forwards the request and turns every outcome into a
// CORS-headed response.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"cors-relay-go/internal/client"
	"cors-relay-go/internal/config"
	"cors-relay-go/internal/metrics"
	"cors-relay-go/internal/model"
	"cors-relay-go/internal/policy"
	"cors-relay-go/internal/sanitize"
	"cors-relay-go/internal/target"
)

// StatusTooManyRedirects is answered when the upstream redirect chain is too long.
const StatusTooManyRedirects = http.StatusLoopDetected

const helpText = `cors-relay: cross-origin requests to anywhere.

Usage:

  /                Shows this help
  /<url>           Relays a request to <url> and adds CORS headers to the response
                   <url> must start with http:// or https://

The response carries:
  X-Request-URL          the URL the request was relayed to
  X-Final-URL            the URL after followed redirects
  X-CORS-Redirect-N      status and URL of the Nth followed redirect
`

// Forwarder sends a sanitized request upstream. Errors are *client.ProxyError.
type Forwarder interface {
	Forward(ctx context.Context, out *model.Outbound) (*model.ProxyResponse, error)
}

// ProxyService handles one inbound request at a time per call and holds no
// per-request state.
type ProxyService struct {
	resolver  *target.Resolver
	policy    *policy.Policy
	sanitizer *sanitize.Sanitizer
	forwarder Forwarder
	cfg       *config.ProxyConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter may be nil.
func NewProxyService(
	res *target.Resolver,
	pol *policy.Policy,
	san *sanitize.Sanitizer,
	fwd Forwarder,
	pc *config.ProxyConfig,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyService {
	return &ProxyService{
		resolver:  res,
		policy:    pol,
		sanitizer: san,
		forwarder: fwd,
		cfg:       pc,
		logger:    logger.With("component", "proxy_service"),
		metrics:   m,
	}
}

// Handle runs pr through resolve, authorize, forward and sanitize. It never
// fails: every error becomes a response carrying CORS headers. The caller
// must close the returned body.
func (s *ProxyService) Handle(pr *model.ProxyRequest) *model.ProxyResponse {
	origin := pr.Header.Get("Origin")

	t, err := s.resolver.Resolve(pr.RawTarget)
	if err != nil {
		return s.resolveFailure(err, origin)
	}

	if isPreflight(pr) {
		return s.preflight(pr, t, origin)
	}

	if err := s.policy.Authorize(origin, pr.Header); err != nil {
		return s.denied(err, t, origin)
	}

	out := &model.Outbound{
		Target:        t,
		Method:        pr.Method,
		Header:        s.sanitizer.Request(pr.Header, t, pr.Peer),
		ContentLength: pr.ContentLength,
	}
	if pr.Body != nil && pr.Body != http.NoBody {
		out.Body = pr.Body
	} else {
		out.ContentLength = 0
	}

	s.logger.Debug("relaying request",
		"method", pr.Method,
		"target", t.String(),
		"origin", origin,
	)

	resp, err := s.forwarder.Forward(pr.Ctx, out)
	if err != nil {
		return s.forwardFailure(err, t, origin)
	}
	return s.relay(resp, t, origin)
}

// isPreflight reports whether pr is a CORS preflight rather than a plain OPTIONS request.
func isPreflight(pr *model.ProxyRequest) bool {
	return pr.Method == http.MethodOptions && pr.Header.Get(sanitize.HeaderRequestMethod) != ""
}

// preflight answers a CORS preflight locally. It never contacts the upstream.
func (s *ProxyService) preflight(pr *model.ProxyRequest, t *model.Target, origin string) *model.ProxyResponse {
	if err := s.policy.AuthorizePreflight(origin, pr.Header); err != nil {
		return s.denied(err, t, origin)
	}
	if s.metrics != nil {
		s.metrics.Preflights.Inc()
	}

	h := make(http.Header)
	h.Set(sanitize.HeaderAllowMethods, pr.Header.Get(sanitize.HeaderRequestMethod))
	if reqHeaders := pr.Header.Values(sanitize.HeaderRequestHeaders); len(reqHeaders) > 0 {
		h.Set(sanitize.HeaderAllowHeaders, strings.Join(reqHeaders, ","))
	}
	if s.cfg.MaxAge > 0 {
		h.Set(sanitize.HeaderMaxAge, strconv.FormatInt(int64(s.cfg.MaxAge.Seconds()), 10))
	}
	h.Set("Content-Length", "0")

	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     s.sanitizer.Response(h, origin),
		Body:       http.NoBody,
	}
}

// relay decorates a forwarded upstream response for the caller.
func (s *ProxyService) relay(resp *model.ProxyResponse, t *model.Target, origin string) *model.ProxyResponse {
	h := resp.Header
	if h == nil {
		h = make(http.Header)
	}

	h.Set("X-Request-URL", t.String())
	if resp.FinalURL != "" {
		h.Set("X-Final-URL", resp.FinalURL)
	}
	for i, r := range resp.Redirects {
		h.Set("X-CORS-Redirect-"+strconv.Itoa(i+1), strconv.Itoa(r.StatusCode)+" "+r.Location)
	}

	// An unfollowed redirect is sent back through the relay.
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := h.Get("Location"); hasRelayableScheme(loc) {
			h.Set("Location", "/"+loc)
		}
	}

	body := resp.Body
	if body == nil {
		body = http.NoBody
	}
	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     s.sanitizer.Response(h, origin),
		Body:       body,
		FinalURL:   resp.FinalURL,
		Redirects:  resp.Redirects,
	}
}

func (s *ProxyService) resolveFailure(err error, origin string) *model.ProxyResponse {
	if errors.Is(err, target.ErrNoTarget) {
		return s.text(http.StatusOK, helpText, origin)
	}

	reason := target.InvalidTarget.String()
	msg := "invalid target URL: must start with http:// or https://"
	var re *target.ResolveError
	if errors.As(err, &re) {
		reason = re.Kind.String()
		if re.Detail != "" {
			msg = "invalid target URL: " + re.Detail
		}
	}
	s.logger.Debug("rejected target", "err", err)
	return s.jsonError(http.StatusBadRequest, msg, reason, origin)
}

func (s *ProxyService) denied(err error, t *model.Target, origin string) *model.ProxyResponse {
	reason := "Denied"
	var d *policy.Denial
	if errors.As(err, &d) {
		reason = string(d.Reason)
	}
	if s.metrics != nil {
		s.metrics.PolicyDenials.WithLabelValues(reason).Inc()
	}
	s.logger.Info("request denied",
		"reason", reason,
		"origin", origin,
		"target", t.String(),
	)
	return s.jsonError(http.StatusForbidden, err.Error(), reason, origin)
}

func (s *ProxyService) forwardFailure(err error, t *model.Target, origin string) *model.ProxyResponse {
	var pe *client.ProxyError
	if !errors.As(err, &pe) {
		pe = &client.ProxyError{Kind: client.UpstreamUnreachable, Detail: "upstream request failed", Err: err}
	}

	status := http.StatusBadGateway
	switch pe.Kind {
	case client.TooManyRedirects:
		status = StatusTooManyRedirects
		s.logger.Warn("redirect limit exceeded", "target", t.String(), "detail", pe.Detail)
	case client.ClientCanceled:
		s.logger.Info("client went away", "target", t.String())
	default:
		s.logger.Warn("upstream failure",
			"kind", pe.Kind.String(),
			"target", t.String(),
			"err", err,
		)
	}
	return s.jsonError(status, pe.Detail, pe.Kind.String(), origin)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (s *ProxyService) jsonError(status int, msg, reason, origin string) *model.ProxyResponse {
	data, err := json.Marshal(errorBody{Error: msg, Reason: reason})
	if err != nil {
		// Two plain strings always marshal.
		data = []byte(`{"error":"internal error"}`)
	}
	return s.fixed(status, "application/json", append(data, '\n'), origin)
}

func (s *ProxyService) text(status int, body, origin string) *model.ProxyResponse {
	return s.fixed(status, "text/plain; charset=utf-8", []byte(body), origin)
}

func (s *ProxyService) fixed(status int, contentType string, body []byte, origin string) *model.ProxyResponse {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &model.ProxyResponse{
		StatusCode: status,
		Header:     s.sanitizer.Response(h, origin),
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func hasRelayableScheme(loc string) bool {
	lower := strings.ToLower(loc)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
