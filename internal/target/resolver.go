// Package target extracts the upstream URL embedded in an inbound request path.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"cors-relay-go/internal/model"
)

// Kind classifies a resolve failure.
type Kind int

const (
	// NoTarget means the request did not name an upstream at all.
	NoTarget Kind = iota + 1
	// InvalidTarget means the embedded URL is malformed or not http(s).
	InvalidTarget
)

func (k Kind) String() string {
	switch k {
	case NoTarget:
		return "NoTarget"
	case InvalidTarget:
		return "InvalidTarget"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrNoTarget      = &ResolveError{Kind: NoTarget}
	ErrInvalidTarget = &ResolveError{Kind: InvalidTarget}
)

// ResolveError reports why a request path did not yield a target.
type ResolveError struct {
	Kind   Kind
	Detail string
}

func (e *ResolveError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Detail
}

// Is matches any ResolveError of the same kind.
func (e *ResolveError) Is(target error) bool {
	var re *ResolveError
	if !errors.As(target, &re) {
		return false
	}
	return re.Kind == e.Kind
}

// helpPaths are probed by browsers and monitors; they never name a target.
var helpPaths = map[string]bool{
	"":            true,
	"help":        true,
	"index.html":  true,
	"favicon.ico": true,
	"robots.txt":  true,
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Resolver turns an inbound request-target into a validated model.Target.
// It holds no state.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve parses rawTarget, the inbound path and query with a leading slash,
// e.g. "/http://example.com/resource?x=1".
func (r *Resolver) Resolve(rawTarget string) (*model.Target, error) {
	raw := strings.TrimPrefix(rawTarget, "/")

	lower := strings.ToLower(raw)
	path, _, _ := strings.Cut(lower, "?")
	if helpPaths[path] {
		return nil, ErrNoTarget
	}

	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return nil, &ResolveError{Kind: InvalidTarget, Detail: "target must start with http:// or https://"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ResolveError{Kind: InvalidTarget, Detail: err.Error()}
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	u.RawFragment = ""

	host := u.Hostname()
	if host == "" {
		return nil, &ResolveError{Kind: InvalidTarget, Detail: "target host is empty"}
	}
	if u.User != nil {
		return nil, &ResolveError{Kind: InvalidTarget, Detail: "target must not carry userinfo"}
	}

	port := u.Port()
	if port == "" {
		port = defaultPorts[u.Scheme]
	} else if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return nil, &ResolveError{Kind: InvalidTarget, Detail: fmt.Sprintf("invalid port %q", port)}
	}

	return &model.Target{
		Scheme:     u.Scheme,
		Host:       strings.ToLower(host),
		Port:       port,
		RequestURI: u.RequestURI(),
		URL:        u,
	}, nil
}
