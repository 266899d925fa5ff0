// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/net/http/httpguts"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/relaygate/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the gateway itself and cannot be proxied.
var reservedRoutes = []string{"/healthz", "/gateway/status"}

// placeholderPattern matches {name} placeholders in an upstream path.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Credential placements.
const (
	PlacementQuery  = "query"
	PlacementHeader = "header"
)

// Route modes.
const (
	ModeRelay = "relay"
	ModeWrap  = "wrap"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	APIKey   string           `kong:"help='Upstream API credential (overrides config).',env='API_KEY'"`
	LogLevel string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version  kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Upstream   UpstreamConfig   `toml:"upstream"`
	Credential CredentialConfig `toml:"credential"`
	Routes     []RouteConfig    `toml:"routes"`
	Policy     PolicyConfig     `toml:"policy"`
	CORS       CORSConfig       `toml:"cors"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL           string `toml:"base_url"`
	AllowInsecure     bool   `toml:"allow_insecure"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	IdleConnections   int    `toml:"idle_connections"`
	ErrorBodyMaxBytes int64  `toml:"error_body_max_bytes"`
	DecodeMaxBytes    int64  `toml:"decode_max_bytes"`

	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig stops calling the upstream after repeated failures.
// While open, calls fail immediately as transport failures.
type CircuitBreakerConfig struct {
	Enabled     bool `toml:"enabled"`
	Threshold   int  `toml:"threshold"`    // consecutive failures that open the breaker
	OpenSeconds int  `toml:"open_seconds"` // time spent open before probing again
}

// CredentialConfig describes the upstream credential and where it goes.
type CredentialConfig struct {
	Placement string `toml:"placement"` // "query" or "header"
	Name      string `toml:"name"`      // query parameter or header name
	Prefix    string `toml:"prefix"`    // header value prefix, e.g. "Bearer "
	Value     string `toml:"value"`
}

// RouteConfig maps one inbound GET route onto an upstream path.
type RouteConfig struct {
	Name         string       `toml:"name"`
	Path         string       `toml:"path"`          // echo path, e.g. /people/:id
	UpstreamPath string       `toml:"upstream_path"` // e.g. /api/people/{id}/
	Mode         string       `toml:"mode"`          // "relay" or "wrap"
	ForwardQuery []string     `toml:"forward_query"`
	Query        []QueryParam `toml:"query"`
}

// QueryParam is a static query parameter sent with every upstream call of a route.
type QueryParam struct {
	Key   string `toml:"key"`
	Value string `toml:"value"`
}

// PolicyConfig overrides the failure policy table.
type PolicyConfig struct {
	Transport          PolicyEntryConfig `toml:"transport"`
	UpstreamNonSuccess PolicyEntryConfig `toml:"upstream_non_success"`
	DecodeError        PolicyEntryConfig `toml:"decode_error"`
}

// PolicyEntryConfig overrides one policy entry. Zero values keep the default.
type PolicyEntryConfig struct {
	Status  int    `toml:"status"`
	Message string `toml:"message"`
}

// CORSConfig holds the cross-origin policy applied in front of the gateway.
type CORSConfig struct {
	AllowOrigins []string `toml:"allow_origins"`
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
// /etc/relaygate/config.toml then configs/config.toml.
//
// Validation failures are returned as *ConfigurationError; the process must
// not start serving with such a config.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
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
	if cli.APIKey != "" {
		c.Credential.Value = cli.APIKey
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := c.validateCredential(); err != nil {
		return err
	}

	// Upstream URL: required and HTTPS unless explicitly relaxed.
	if c.Upstream.BaseURL == "" {
		return newConfigurationError("upstream.base_url", "is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return newConfigurationError("upstream.base_url", "is not a valid URL: %v", err)
	}
	if u.User != nil {
		return newConfigurationError("upstream.base_url", "must not carry userinfo; configure the credential section instead")
	}
	if u.Host == "" {
		return newConfigurationError("upstream.base_url", "has no host; got %q", c.Upstream.BaseURL)
	}
	if u.RawQuery != "" {
		return newConfigurationError("upstream.base_url", "must not carry a query string")
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && c.Upstream.AllowInsecure:
	default:
		return newConfigurationError("upstream.base_url", "must use HTTPS (or set upstream.allow_insecure); got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return newConfigurationError("server.port", "must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return newConfigurationError("server.body_max_bytes", "must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return newConfigurationError("upstream.timeout_seconds", "must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return newConfigurationError("upstream.idle_connections", "must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.ErrorBodyMaxBytes < 0 {
		return newConfigurationError("upstream.error_body_max_bytes", "must be non-negative; got %d", c.Upstream.ErrorBodyMaxBytes)
	}
	if c.Upstream.DecodeMaxBytes < 0 {
		return newConfigurationError("upstream.decode_max_bytes", "must be non-negative; got %d", c.Upstream.DecodeMaxBytes)
	}
	if c.Upstream.CircuitBreaker.Threshold < 0 {
		return newConfigurationError("upstream.circuit_breaker.threshold", "must be non-negative; got %d", c.Upstream.CircuitBreaker.Threshold)
	}
	if c.Upstream.CircuitBreaker.OpenSeconds < 0 {
		return newConfigurationError("upstream.circuit_breaker.open_seconds", "must be non-negative; got %d", c.Upstream.CircuitBreaker.OpenSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return newConfigurationError("server.rate_limit.requests_per_second", "must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return newConfigurationError("log.level", "must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return newConfigurationError("log.format", "must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return newConfigurationError("metrics.path", "must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return newConfigurationError("metrics.path", "%q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	if err := c.validatePolicy(); err != nil {
		return err
	}
	return c.validateRoutes()
}

func (c *Config) validateCredential() error {
	cred := c.Credential
	if cred.Value == "" {
		return newConfigurationError("credential.value", "is required: set it in config, --api-key or API_KEY")
	}
	if cred.Value == "YOUR_API_KEY_HERE" {
		return newConfigurationError("credential.value", "contains placeholder value; set a real credential")
	}
	switch cred.Placement {
	case PlacementQuery, "":
	case PlacementHeader:
		if cred.Name != "" && !httpguts.ValidHeaderFieldName(cred.Name) {
			return newConfigurationError("credential.name", "is not a valid header name; got %q", cred.Name)
		}
		if !httpguts.ValidHeaderFieldValue(cred.Prefix + cred.Value) {
			return newConfigurationError("credential.value", "cannot be sent as a header value")
		}
	default:
		return newConfigurationError("credential.placement", "must be one of: query, header; got %q", cred.Placement)
	}
	if cred.Prefix != "" && cred.Placement != PlacementHeader {
		return newConfigurationError("credential.prefix", "is only valid with header placement")
	}
	return nil
}

func (c *Config) validatePolicy() error {
	entries := map[string]PolicyEntryConfig{
		"policy.transport":            c.Policy.Transport,
		"policy.upstream_non_success": c.Policy.UpstreamNonSuccess,
		"policy.decode_error":         c.Policy.DecodeError,
	}
	for field, e := range entries {
		if e.Status != 0 && (e.Status < 400 || e.Status > 599) {
			return newConfigurationError(field+".status", "must be an error status (400–599); got %d", e.Status)
		}
	}
	return nil
}

func (c *Config) validateRoutes() error {
	if len(c.Routes) == 0 {
		return newConfigurationError("routes", "at least one [[routes]] entry is required")
	}

	reserved := slices.Clone(reservedRoutes)
	if c.Metrics.Enabled {
		mp := c.Metrics.Path
		if mp == "" {
			mp = "/metrics"
		}
		reserved = append(reserved, mp)
	}

	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		if r.Path == "" || r.Path[0] != '/' {
			return newConfigurationError(field+".path", "must start with '/'; got %q", r.Path)
		}
		if seen[r.Path] {
			return newConfigurationError(field+".path", "duplicate route %q", r.Path)
		}
		seen[r.Path] = true
		for _, rr := range reserved {
			if r.Path == rr || strings.HasPrefix(r.Path, rr+"/") {
				return newConfigurationError(field+".path", "%q conflicts with reserved route %q", r.Path, rr)
			}
		}
		if r.UpstreamPath == "" || r.UpstreamPath[0] != '/' {
			return newConfigurationError(field+".upstream_path", "must start with '/'; got %q", r.UpstreamPath)
		}
		switch r.Mode {
		case ModeRelay, ModeWrap, "":
		default:
			return newConfigurationError(field+".mode", "must be one of: relay, wrap; got %q", r.Mode)
		}

		params := make(map[string]bool)
		for _, p := range r.PathParams() {
			params[p] = true
		}
		for _, ph := range r.Placeholders() {
			if !params[ph] {
				return newConfigurationError(field+".upstream_path", "placeholder {%s} has no matching :%s in path %q", ph, ph, r.Path)
			}
		}

		for _, q := range r.Query {
			if q.Key == "" {
				return newConfigurationError(field+".query", "static query parameter has an empty key")
			}
			if c.isCredentialParam(q.Key) {
				return newConfigurationError(field+".query", "must not set the credential parameter %q", q.Key)
			}
		}
		for _, k := range r.ForwardQuery {
			if c.isCredentialParam(k) {
				return newConfigurationError(field+".forward_query", "must not forward the credential parameter %q", k)
			}
		}
	}
	return nil
}

// isCredentialParam reports whether key names the credential query parameter.
func (c *Config) isCredentialParam(key string) bool {
	cred := c.Credential.WithDefaults()
	return cred.Placement == PlacementQuery && strings.EqualFold(key, cred.Name)
}

// WithDefaults returns a copy with placement and name filled in.
func (c CredentialConfig) WithDefaults() CredentialConfig {
	if c.Placement == "" {
		c.Placement = PlacementQuery
	}
	if c.Name == "" {
		if c.Placement == PlacementHeader {
			c.Name = defaultHeaderCredentialName
		} else {
			c.Name = defaultQueryCredentialName
		}
	}
	return c
}

const (
	defaultQueryCredentialName  = "api_key"
	defaultHeaderCredentialName = "X-Api-Key"
)

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB; only GET routes are served
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.ErrorBodyMaxBytes == 0 {
		c.Upstream.ErrorBodyMaxBytes = 4 * 1024
	}
	if c.Upstream.DecodeMaxBytes == 0 {
		c.Upstream.DecodeMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.CircuitBreaker.Threshold == 0 {
		c.Upstream.CircuitBreaker.Threshold = 5
	}
	if c.Upstream.CircuitBreaker.OpenSeconds == 0 {
		c.Upstream.CircuitBreaker.OpenSeconds = 30
	}
	c.Credential = c.Credential.WithDefaults()
	for i := range c.Routes {
		if c.Routes[i].Mode == "" {
			c.Routes[i].Mode = ModeRelay
		}
		if c.Routes[i].Name == "" {
			c.Routes[i].Name = c.Routes[i].Path
		}
	}
	if len(c.CORS.AllowOrigins) == 0 {
		c.CORS.AllowOrigins = []string{"*"}
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

// PathParams returns the names of the :param segments of the route path.
func (r *RouteConfig) PathParams() []string {
	var names []string
	for _, seg := range strings.Split(r.Path, "/") {
		if strings.HasPrefix(seg, ":") && len(seg) > 1 {
			names = append(names, seg[1:])
		}
	}
	return names
}

// Placeholders returns the names of the {param} placeholders in the upstream path.
func (r *RouteConfig) Placeholders() []string {
	var names []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(r.UpstreamPath, -1) {
		names = append(names, m[1])
	}
	return names
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file usually holds the upstream credential.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 && c.Credential.Value != "" {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
