// Package sanitize filters headers on their way to the upstream and back to the caller.
package sanitize

import (
	"net"
	"net/http"
	"net/textproto"
	"slices"
	"strings"

	"golang.org/x/net/http/httpguts"

	"cors-relay-go/internal/config"
	"cors-relay-go/internal/model"
)

// CORS response headers.
const (
	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowCredentials = "Access-Control-Allow-Credentials"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
	HeaderExposeHeaders    = "Access-Control-Expose-Headers"
	HeaderMaxAge           = "Access-Control-Max-Age"
	HeaderRequestMethod    = "Access-Control-Request-Method"
	HeaderRequestHeaders   = "Access-Control-Request-Headers"
)

// hopByHopHeaders are connection-scoped and never relayed (RFC 9110 §7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection", // non-standard but still sent by libcurl
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// clientControlled are forwarding headers a caller could forge.
var clientControlled = []string{"Forwarded", "X-Real-Ip"}

var requestCookies = []string{"Cookie", "Cookie2"}

var responseCookies = []string{"Set-Cookie", "Set-Cookie2"}

// Sanitizer applies a ProxyConfig's header rules. Both directions return a
// new header map and leave their input untouched.
type Sanitizer struct {
	cfg *config.ProxyConfig
}

// New creates a Sanitizer.
func New(cfg *config.ProxyConfig) *Sanitizer {
	return &Sanitizer{cfg: cfg}
}

// Request prepares inbound request headers for the upstream described by t.
// The returned map carries the upstream Host under the "Host" key.
func (s *Sanitizer) Request(src http.Header, t *model.Target, peer model.Peer) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	// Only "TE: trailers" survives hop-by-hop stripping.
	trailers := httpguts.HeaderValuesContainsToken(dst["Te"], "trailers")
	StripHopByHop(dst)
	if trailers {
		dst.Set("Te", "trailers")
	}

	for _, h := range requestCookies {
		dst.Del(h)
	}
	s.removeConfigured(dst)

	for _, h := range clientControlled {
		dst.Del(h)
	}
	for key := range dst {
		if strings.HasPrefix(key, "X-Forwarded-") {
			delete(dst, key)
		}
	}
	if s.cfg.AddForwardedHeaders {
		addForwarded(dst, peer)
	}

	for name, vals := range s.cfg.SetHeaders {
		dst[name] = slices.Clone(vals)
	}

	dst.Set("Host", t.URL.Host)
	return dst
}

// Response prepares upstream (or relay-generated) response headers for the
// caller whose Origin header is origin. An empty origin is an anonymous caller.
func (s *Sanitizer) Response(src http.Header, origin string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}

	StripHopByHop(dst)
	if !s.cfg.AllowCookies {
		for _, h := range responseCookies {
			dst.Del(h)
		}
	}
	s.removeConfigured(dst)

	dst.Del(HeaderAllowCredentials)
	dst.Del(HeaderExposeHeaders)
	if origin == "" {
		dst.Set(HeaderAllowOrigin, "*")
	} else {
		dst.Set(HeaderAllowOrigin, origin)
		if !httpguts.HeaderValuesContainsToken(dst["Vary"], "Origin") {
			dst.Add("Vary", "Origin")
		}
	}

	if names := exposable(dst); len(names) > 0 {
		dst.Set(HeaderExposeHeaders, strings.Join(names, ","))
	}
	return dst
}

// StripHopByHop deletes hop-by-hop headers, including any named by Connection.
func StripHopByHop(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func (s *Sanitizer) removeConfigured(h http.Header) {
	for name := range s.cfg.RemoveHeaders {
		h.Del(name)
	}
}

// addForwarded sets X-Forwarded-* purely from what the relay observed.
func addForwarded(h http.Header, peer model.Peer) {
	if peer.IP != "" {
		h.Set("X-Forwarded-For", peer.IP)
	}
	proto := peer.Proto
	if proto == "" {
		proto = "http"
	}
	h.Set("X-Forwarded-Proto", proto)
	if peer.Host == "" {
		return
	}
	h.Set("X-Forwarded-Host", peer.Host)
	if _, port, err := net.SplitHostPort(peer.Host); err == nil && port != "" {
		h.Set("X-Forwarded-Port", port)
	} else if proto == "https" {
		h.Set("X-Forwarded-Port", "443")
	} else {
		h.Set("X-Forwarded-Port", "80")
	}
}

// exposable lists every header name in h except the expose list itself, sorted.
func exposable(h http.Header) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		if name == HeaderExposeHeaders {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
