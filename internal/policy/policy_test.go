package policy

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"cors-relay-go/internal/config"
)

func newPolicy(white, black, required []string) *Policy {
	return New(config.NewProxyConfig(&config.Config{
		Policy: config.PolicyConfig{
			OriginWhitelist: white,
			OriginBlacklist: black,
			RequireHeaders:  required,
		},
	}))
}

func reasonOf(t *testing.T, err error) Reason {
	t.Helper()
	if err == nil {
		return ""
	}
	var d *Denial
	if !errors.As(err, &d) {
		t.Fatalf("error %v is not a *Denial", err)
	}
	return d.Reason
}

func TestAuthorize_Origins(t *testing.T) {
	tests := []struct {
		name   string
		white  []string
		black  []string
		origin string
		want   Reason
	}{
		// An empty whitelist allows everyone, it must never be read as "deny all".
		{"empty whitelist allows any origin", nil, nil, "https://anything.example.com", ""},
		{"empty whitelist allows anonymous", nil, nil, "", ""},
		{"whitelisted origin allowed", []string{"https://app.example.com"}, nil, "https://app.example.com", ""},
		{"unlisted origin denied", []string{"https://app.example.com"}, nil, "https://evil.example.com", OriginNotWhitelisted},
		{"anonymous cannot satisfy whitelist", []string{"https://app.example.com"}, nil, "", OriginNotWhitelisted},
		{"exact match only, no suffix", []string{"https://app.example.com"}, nil, "https://app.example.com.evil.net", OriginNotWhitelisted},
		{"exact match only, port differs", []string{"https://app.example.com"}, nil, "https://app.example.com:8443", OriginNotWhitelisted},
		{"exact match only, case differs", []string{"https://app.example.com"}, nil, "https://APP.example.com", OriginNotWhitelisted},
		{"blacklisted origin denied", nil, []string{"https://evil.example.com"}, "https://evil.example.com", OriginBlacklisted},
		{"blacklist does not affect others", nil, []string{"https://evil.example.com"}, "https://app.example.com", ""},
		{"blacklist does not affect anonymous", nil, []string{"https://evil.example.com"}, "", ""},
		{"blacklist checked before whitelist", []string{"https://both.example.com"}, []string{"https://both.example.com"}, "https://both.example.com", OriginBlacklisted},
		{"null origin is a literal", []string{"null"}, nil, "null", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPolicy(tt.white, tt.black, nil)
			got := reasonOf(t, p.Authorize(tt.origin, http.Header{}))
			if got != tt.want {
				t.Errorf("Authorize(%q) reason = %q, want %q", tt.origin, got, tt.want)
			}
		})
	}
}

func TestAuthorize_RequiredHeaders(t *testing.T) {
	p := newPolicy(nil, nil, []string{"x-requested-with", "Origin"})

	tests := []struct {
		name       string
		header     http.Header
		want       Reason
		wantHeader string
	}{
		{"all present", http.Header{"X-Requested-With": {"XMLHttpRequest"}, "Origin": {"https://a.example.com"}}, "", ""},
		{"first missing", http.Header{"Origin": {"https://a.example.com"}}, MissingRequiredHeader, "X-Requested-With"},
		{"second missing", http.Header{"X-Requested-With": {"1"}}, MissingRequiredHeader, "Origin"},
		{"empty header set", http.Header{}, MissingRequiredHeader, "X-Requested-With"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Authorize(tt.header.Get("Origin"), tt.header)
			if got := reasonOf(t, err); got != tt.want {
				t.Fatalf("reason = %q, want %q", got, tt.want)
			}
			if tt.wantHeader != "" {
				var d *Denial
				errors.As(err, &d)
				if d.Header != tt.wantHeader {
					t.Errorf("Header = %q, want %q", d.Header, tt.wantHeader)
				}
			}
		})
	}
}

func TestAuthorize_RequiredHeadersCaseInsensitive(t *testing.T) {
	p := newPolicy(nil, nil, []string{"X-REQUESTED-WITH"})
	h := http.Header{}
	h.Set("x-requested-with", "fetch")

	if err := p.Authorize("", h); err != nil {
		t.Errorf("Authorize() error = %v, want nil", err)
	}
}

func TestAuthorize_OriginCheckedBeforeHeaders(t *testing.T) {
	p := newPolicy([]string{"https://app.example.com"}, nil, []string{"X-Requested-With"})

	got := reasonOf(t, p.Authorize("https://evil.example.com", http.Header{}))
	if got != OriginNotWhitelisted {
		t.Errorf("reason = %q, want %q", got, OriginNotWhitelisted)
	}
}

func TestAuthorizePreflight_AnnouncedHeaders(t *testing.T) {
	p := newPolicy(nil, nil, []string{"X-Requested-With"})

	announced := http.Header{}
	announced.Set("Access-Control-Request-Method", "PUT")
	announced.Set("Access-Control-Request-Headers", "content-type, x-requested-with")
	if err := p.AuthorizePreflight("https://a.example.com", announced); err != nil {
		t.Errorf("AuthorizePreflight() error = %v, want nil", err)
	}

	missing := http.Header{}
	missing.Set("Access-Control-Request-Method", "PUT")
	missing.Set("Access-Control-Request-Headers", "content-type")
	if got := reasonOf(t, p.AuthorizePreflight("https://a.example.com", missing)); got != MissingRequiredHeader {
		t.Errorf("reason = %q, want %q", got, MissingRequiredHeader)
	}
}

func TestAuthorizePreflight_OriginRules(t *testing.T) {
	p := newPolicy([]string{"https://app.example.com"}, nil, nil)
	h := http.Header{"Access-Control-Request-Method": {"PUT"}}

	if err := p.AuthorizePreflight("https://app.example.com", h); err != nil {
		t.Errorf("whitelisted preflight error = %v", err)
	}
	if got := reasonOf(t, p.AuthorizePreflight("https://evil.example.com", h)); got != OriginNotWhitelisted {
		t.Errorf("reason = %q, want %q", got, OriginNotWhitelisted)
	}
}

func TestAuthorize_Pure(t *testing.T) {
	p := newPolicy([]string{"https://app.example.com"}, nil, []string{"X-Requested-With"})
	h := http.Header{"X-Requested-With": {"1"}}

	for i := 0; i < 3; i++ {
		if err := p.Authorize("https://app.example.com", h); err != nil {
			t.Fatalf("Authorize() error = %v", err)
		}
	}
	if len(h) != 1 {
		t.Errorf("Authorize mutated the header map: %v", h)
	}
}

func TestDenial_Error(t *testing.T) {
	tests := []struct {
		d    *Denial
		want string
	}{
		{&Denial{Reason: OriginNotWhitelisted, Origin: "https://evil.example.com"}, "not whitelisted"},
		{&Denial{Reason: OriginNotWhitelisted}, "without an Origin"},
		{&Denial{Reason: OriginBlacklisted, Origin: "https://evil.example.com"}, "blacklisted"},
		{&Denial{Reason: MissingRequiredHeader, Header: "X-Requested-With"}, "X-Requested-With"},
	}

	for _, tt := range tests {
		t.Run(string(tt.d.Reason), func(t *testing.T) {
			if got := tt.d.Error(); !strings.Contains(got, tt.want) {
				t.Errorf("Error() = %q, want substring %q", got, tt.want)
			}
		})
	}
}

func TestAllowAll(t *testing.T) {
	if !newPolicy(nil, nil, nil).AllowAll() {
		t.Error("AllowAll() = false for empty whitelist")
	}
	if newPolicy([]string{"https://a.example.com"}, nil, nil).AllowAll() {
		t.Error("AllowAll() = true for non-empty whitelist")
	}
}
