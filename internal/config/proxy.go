package config

import (
	"net/http"
	"time"
)

// ProxyConfig is the immutable policy view of Config consumed by the relay core.
// It is built once at startup and only read afterwards.
type ProxyConfig struct {
	OriginWhitelist map[string]struct{} // empty allows every origin
	OriginBlacklist map[string]struct{}
	RequiredHeaders []string // canonical names, in configured order
	RemoveHeaders   map[string]struct{}

	RedirectSameOrigin bool
	MaxRedirects       int
	RequestTimeout     time.Duration

	AllowCookies        bool
	MaxAge              time.Duration
	SetHeaders          http.Header
	AddForwardedHeaders bool
}

// NewProxyConfig derives the ProxyConfig from a loaded Config.
func NewProxyConfig(cfg *Config) *ProxyConfig {
	pc := &ProxyConfig{
		OriginWhitelist:     toSet(cfg.Policy.OriginWhitelist, false),
		OriginBlacklist:     toSet(cfg.Policy.OriginBlacklist, false),
		RemoveHeaders:       toSet(cfg.Policy.RemoveHeaders, true),
		RedirectSameOrigin:  cfg.Upstream.RedirectSameOrigin,
		MaxRedirects:        cfg.Upstream.RedirectLimit(),
		RequestTimeout:      time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		AllowCookies:        cfg.CORS.AllowCookies,
		MaxAge:              time.Duration(cfg.CORS.MaxAgeSeconds) * time.Second,
		SetHeaders:          make(http.Header, len(cfg.CORS.SetHeaders)),
		AddForwardedHeaders: cfg.Upstream.AddForwardedHeaders,
	}
	for _, h := range cfg.Policy.RequireHeaders {
		pc.RequiredHeaders = append(pc.RequiredHeaders, http.CanonicalHeaderKey(h))
	}
	for name, value := range cfg.CORS.SetHeaders {
		pc.SetHeaders.Set(name, value)
	}
	return pc
}

func toSet(items []string, canonical bool) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if canonical {
			item = http.CanonicalHeaderKey(item)
		}
		set[item] = struct{}{}
	}
	return set
}
