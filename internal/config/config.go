// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/net/http/httpguts"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-relay/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the relay itself and never treated as targets.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host            string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel        string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	OriginWhitelist []string `kong:"help='Allowed origins, comma separated (overrides config).',env='CORSANYWHERE_WHITELIST',sep=','"`
	OriginBlacklist []string `kong:"help='Denied origins, comma separated (overrides config).',env='CORSANYWHERE_BLACKLIST',sep=','"`
	RequireHeaders  []string `kong:"help='Headers every request must carry (overrides config).',env='CORSANYWHERE_REQUIRE_HEADERS',sep=','"`
	RemoveHeaders   []string `kong:"help='Headers stripped in both directions (overrides config).',env='CORSANYWHERE_REMOVE_HEADERS',sep=','"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Policy   PolicyConfig   `toml:"policy"`
	CORS     CORSConfig     `toml:"cors"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// PolicyConfig holds the origin and header access rules.
type PolicyConfig struct {
	OriginWhitelist []string `toml:"origin_whitelist"` // empty allows every origin
	OriginBlacklist []string `toml:"origin_blacklist"`
	RequireHeaders  []string `toml:"require_headers"`
	RemoveHeaders   []string `toml:"remove_headers"`
}

// CORSConfig tunes the headers added to relayed responses.
type CORSConfig struct {
	MaxAgeSeconds int               `toml:"max_age_seconds"`
	AllowCookies  bool              `toml:"allow_cookies"`
	SetHeaders    map[string]string `toml:"set_headers"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds      int  `toml:"timeout_seconds"`
	MaxRedirects        *int `toml:"max_redirects"`
	RedirectSameOrigin  bool `toml:"redirect_same_origin"`
	IdleConnections     int  `toml:"idle_connections"`
	AddForwardedHeaders bool `toml:"add_forwarded_headers"`
}

const defaultMaxRedirects = 5

// RedirectLimit returns max_redirects, or the default when the key is absent.
// An explicit 0 turns every followable redirect into a too-many-redirects error.
func (u UpstreamConfig) RedirectLimit() int {
	if u.MaxRedirects == nil {
		return defaultMaxRedirects
	}
	return *u.MaxRedirects
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/cors-relay/config.toml then configs/config.toml. If none exists the
// relay runs on defaults plus CLI overrides.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if len(cli.OriginWhitelist) > 0 {
		c.Policy.OriginWhitelist = cli.OriginWhitelist
	}
	if len(cli.OriginBlacklist) > 0 {
		c.Policy.OriginBlacklist = cli.OriginBlacklist
	}
	if len(cli.RequireHeaders) > 0 {
		c.Policy.RequireHeaders = cli.RequireHeaders
	}
	if len(cli.RemoveHeaders) > 0 {
		c.Policy.RemoveHeaders = cli.RemoveHeaders
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.RedirectLimit() < 0 {
		return fmt.Errorf("upstream.max_redirects must be non-negative; got %d", c.Upstream.RedirectLimit())
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.CORS.MaxAgeSeconds < 0 {
		return fmt.Errorf("cors.max_age_seconds must be non-negative; got %d", c.CORS.MaxAgeSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Policy lists.
	for _, o := range c.Policy.OriginWhitelist {
		if err := validateOrigin(o); err != nil {
			return fmt.Errorf("policy.origin_whitelist: %w", err)
		}
	}
	for _, o := range c.Policy.OriginBlacklist {
		if err := validateOrigin(o); err != nil {
			return fmt.Errorf("policy.origin_blacklist: %w", err)
		}
	}
	for _, h := range c.Policy.RequireHeaders {
		if !httpguts.ValidHeaderFieldName(h) {
			return fmt.Errorf("policy.require_headers: invalid header name %q", h)
		}
	}
	for _, h := range c.Policy.RemoveHeaders {
		if !httpguts.ValidHeaderFieldName(h) {
			return fmt.Errorf("policy.remove_headers: invalid header name %q", h)
		}
	}
	for name, value := range c.CORS.SetHeaders {
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("cors.set_headers: invalid header name %q", name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return fmt.Errorf("cors.set_headers: invalid value for %q", name)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" || strings.HasPrefix(p, "/http:") || strings.HasPrefix(p, "/https:") {
			return fmt.Errorf("metrics.path %q would shadow relayed targets", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateOrigin accepts the literal "null" origin or a bare scheme://host[:port].
func validateOrigin(origin string) error {
	if origin == "null" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("origin %q is not a valid URL: %w", origin, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("origin %q must be scheme://host[:port]", origin)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return fmt.Errorf("origin %q must not carry a path, query, fragment or userinfo", origin)
	}
	if u.Path == "/" {
		return fmt.Errorf("origin %q must not end with a slash", origin)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, TimeoutSeconds, etc.), zero means "unset". MaxRedirects
// is a pointer so an explicit max_redirects = 0 survives; see RedirectLimit.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.MaxRedirects == nil {
		n := defaultMaxRedirects
		c.Upstream.MaxRedirects = &n
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FilePath returns the config file the values were read from, if any.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

// WarnPolicyOverlap logs origins listed in both the whitelist and the blacklist.
// The blacklist wins for those origins.
func (c *Config) WarnPolicyOverlap(logger *slog.Logger) {
	white := make(map[string]bool, len(c.Policy.OriginWhitelist))
	for _, o := range c.Policy.OriginWhitelist {
		white[o] = true
	}
	for _, o := range c.Policy.OriginBlacklist {
		if white[o] {
			logger.Warn("origin is both whitelisted and blacklisted; it will be denied", "origin", o)
		}
	}
}
