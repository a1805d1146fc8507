// Package policy decides whether a caller may use the relay.
//
// Checks run in a fixed order: blacklist, then whitelist, then required
// headers. The first failing check denies the request. An origin present in
// both lists is therefore always denied as OriginBlacklisted.
package policy

import (
	"fmt"
	"net/http"
	"strings"

	"cors-relay-go/internal/config"
)

// Reason names the rule that denied a request.
type Reason string

const (
	OriginNotWhitelisted  Reason = "OriginNotWhitelisted"
	OriginBlacklisted     Reason = "OriginBlacklisted"
	MissingRequiredHeader Reason = "MissingRequiredHeader"
)

// Denial is returned when a request fails a policy check.
type Denial struct {
	Reason Reason
	Origin string
	Header string // set for MissingRequiredHeader
}

func (d *Denial) Error() string {
	switch d.Reason {
	case OriginNotWhitelisted:
		if d.Origin == "" {
			return "requests without an Origin header are not permitted by this relay"
		}
		return fmt.Sprintf("origin %q is not whitelisted by this relay", d.Origin)
	case OriginBlacklisted:
		return fmt.Sprintf("origin %q is blacklisted by this relay", d.Origin)
	case MissingRequiredHeader:
		return fmt.Sprintf("missing required request header %q", d.Header)
	default:
		return string(d.Reason)
	}
}

// Policy evaluates the access rules of a ProxyConfig. It performs no I/O.
type Policy struct {
	cfg *config.ProxyConfig
}

// New creates a Policy.
func New(cfg *config.ProxyConfig) *Policy {
	return &Policy{cfg: cfg}
}

// Authorize checks a regular request. An empty origin is an anonymous caller.
// It returns nil when the request may proceed, or a *Denial.
func (p *Policy) Authorize(origin string, header http.Header) error {
	if err := p.checkOrigin(origin); err != nil {
		return err
	}
	for _, name := range p.cfg.RequiredHeaders {
		if len(header.Values(name)) == 0 {
			return &Denial{Reason: MissingRequiredHeader, Origin: origin, Header: name}
		}
	}
	return nil
}

// AuthorizePreflight checks a CORS preflight. Browsers never attach custom
// headers to the preflight itself, so a required header also counts as present
// when the caller announces it in Access-Control-Request-Headers.
func (p *Policy) AuthorizePreflight(origin string, header http.Header) error {
	if err := p.checkOrigin(origin); err != nil {
		return err
	}
	announced := announcedHeaders(header)
	for _, name := range p.cfg.RequiredHeaders {
		if len(header.Values(name)) > 0 || announced[name] {
			continue
		}
		return &Denial{Reason: MissingRequiredHeader, Origin: origin, Header: name}
	}
	return nil
}

// AllowAll reports whether the whitelist is empty.
func (p *Policy) AllowAll() bool {
	return len(p.cfg.OriginWhitelist) == 0
}

func (p *Policy) checkOrigin(origin string) error {
	if origin != "" {
		if _, ok := p.cfg.OriginBlacklist[origin]; ok {
			return &Denial{Reason: OriginBlacklisted, Origin: origin}
		}
	}
	if len(p.cfg.OriginWhitelist) == 0 {
		return nil
	}
	if _, ok := p.cfg.OriginWhitelist[origin]; !ok || origin == "" {
		return &Denial{Reason: OriginNotWhitelisted, Origin: origin}
	}
	return nil
}

func announcedHeaders(header http.Header) map[string]bool {
	names := make(map[string]bool)
	for _, v := range header.Values("Access-Control-Request-Headers") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	return names
}
