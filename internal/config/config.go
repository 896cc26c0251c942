package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gatekeeper/internal/httputil"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfigMissing marks a required setting that is absent.
var ErrConfigMissing = errors.New("required configuration missing")

// DocrootPlaceholder in database or enforcement_target expands to site.docroot.
const DocrootPlaceholder = "%docroot"

// DotEnvPath is loaded before environment overrides are applied, when present.
var DotEnvPath = ".env"

type ServerCfg struct {
	Listen            string   `yaml:"listen" toml:"listen"`
	ReadTimeoutMs     int      `yaml:"read_timeout_ms" toml:"read_timeout_ms"`
	WriteTimeoutMs    int      `yaml:"write_timeout_ms" toml:"write_timeout_ms"`
	TrustForwarded    *bool    `yaml:"trust_forwarded" toml:"trust_forwarded"`
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs" toml:"trusted_proxy_cidrs"`
}

type SiteCfg struct {
	Docroot  string `yaml:"docroot" toml:"docroot"`
	Upstream string `yaml:"upstream" toml:"upstream"` // reverse-proxy target; empty serves docroot
}

type SessionCfg struct {
	CookieName string `yaml:"cookie_name" toml:"cookie_name"`
	Secret     string `yaml:"secret" toml:"secret"` // base64url, >=32 bytes decoded
	Secure     bool   `yaml:"secure" toml:"secure"`
}

type EnforcementCfg struct {
	RedisURL string `yaml:"redis_url" toml:"redis_url"`
	RedisKey string `yaml:"redis_key" toml:"redis_key"`
}

type LoggingCfg struct {
	Level string `yaml:"level" toml:"level"` // debug|info|warn|error
}

type MetricsCfg struct {
	Enabled *bool `yaml:"enabled" toml:"enabled"`
}

// TrustedAddress is an operator-supplied bootstrap address. In YAML it may be
// written as a bare string.
type TrustedAddress struct {
	Address string `yaml:"address" toml:"address"`
	Tag     string `yaml:"tag" toml:"tag"`
}

func (t *TrustedAddress) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Address = node.Value
		return nil
	}
	type plain TrustedAddress
	return node.Decode((*plain)(t))
}

func (t *TrustedAddress) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		t.Address = v
	case map[string]any:
		t.Address, _ = v["address"].(string)
		t.Tag, _ = v["tag"].(string)
	default:
		return fmt.Errorf("trusted_addresses: unsupported entry %T", data)
	}
	return nil
}

type Config struct {
	Self              string           `yaml:"self" toml:"self"`
	Root              string           `yaml:"root" toml:"root"`
	Password          string           `yaml:"password" toml:"password"`
	Database          string           `yaml:"database" toml:"database"`
	EnforcementTarget string           `yaml:"enforcement_target" toml:"enforcement_target"`
	Maintenance       string           `yaml:"maintenance" toml:"maintenance"`
	StaticExempt      []string         `yaml:"static_exempt" toml:"static_exempt"`
	TrustedAddresses  []TrustedAddress `yaml:"trusted_addresses" toml:"trusted_addresses"`

	Server      ServerCfg      `yaml:"server" toml:"server"`
	Site        SiteCfg        `yaml:"site" toml:"site"`
	Session     SessionCfg     `yaml:"session" toml:"session"`
	Enforcement EnforcementCfg `yaml:"enforcement" toml:"enforcement"`
	Logging     LoggingCfg     `yaml:"logging" toml:"logging"`
	Metrics     MetricsCfg     `yaml:"metrics" toml:"metrics"`
}

// Load reads the config file at path (YAML, or TOML for *.toml), overlays
// .env and GATEKEEPER_* environment variables, and applies defaults. An empty
// path builds the config from the environment alone.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(DotEnvPath); err != nil {
		return nil, err
	}

	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if err := toml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	cfg.expandDocroot()
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	// Existing environment variables win over .env entries.
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		key string
		dst *string
	}{
		{"GATEKEEPER_PASSWORD", &c.Password},
		{"GATEKEEPER_DATABASE", &c.Database},
		{"GATEKEEPER_ENFORCEMENT_TARGET", &c.EnforcementTarget},
		{"GATEKEEPER_LISTEN", &c.Server.Listen},
		{"GATEKEEPER_DOCROOT", &c.Site.Docroot},
		{"GATEKEEPER_UPSTREAM", &c.Site.Upstream},
		{"GATEKEEPER_SESSION_SECRET", &c.Session.Secret},
		{"GATEKEEPER_REDIS_URL", &c.Enforcement.RedisURL},
		{"GATEKEEPER_LOG_LEVEL", &c.Logging.Level},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Self == "" {
		c.Self = "/protect"
	}
	if c.Root == "" {
		c.Root = "/"
	}
	if c.Maintenance == "" {
		c.Maintenance = "/maintenance.html"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 5000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 10000
	}
	if c.Server.TrustForwarded == nil {
		trust := true
		c.Server.TrustForwarded = &trust
	}
	if c.Site.Docroot == "" {
		c.Site.Docroot = "./public"
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "gatekeeper_msg"
	}
	if c.Enforcement.RedisKey == "" {
		c.Enforcement.RedisKey = "gatekeeper:approved"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Enabled == nil {
		enabled := true
		c.Metrics.Enabled = &enabled
	}
	for i := range c.TrustedAddresses {
		c.TrustedAddresses[i].Address = strings.TrimSpace(c.TrustedAddresses[i].Address)
		if c.TrustedAddresses[i].Tag == "" {
			c.TrustedAddresses[i].Tag = "trusted"
		}
	}
}

func (c *Config) expandDocroot() {
	docroot := filepath.Clean(c.Site.Docroot)
	c.Database = strings.ReplaceAll(c.Database, DocrootPlaceholder, docroot)
	c.EnforcementTarget = strings.ReplaceAll(c.EnforcementTarget, DocrootPlaceholder, docroot)
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutMs) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutMs) * time.Millisecond
}

func (c *Config) TrustForwarded() bool {
	return c.Server.TrustForwarded == nil || *c.Server.TrustForwarded
}

func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// SessionSecret decodes session.secret. A nil slice means none was configured.
func (c *Config) SessionSecret() ([]byte, error) {
	if c.Session.Secret == "" {
		return nil, nil
	}
	dec, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(c.Session.Secret, "="))
	if err != nil {
		return nil, fmt.Errorf("session.secret must be base64url: %w", err)
	}
	if len(dec) < 32 {
		return nil, errors.New("session.secret too short; need >=32 bytes")
	}
	return dec, nil
}

// ClientAddressPolicy builds the forwarded-for policy from server settings.
func (c *Config) ClientAddressPolicy() (httputil.ClientAddressPolicy, error) {
	nets, err := httputil.ParseCIDRs(c.Server.TrustedProxyCIDRs)
	if err != nil {
		return httputil.ClientAddressPolicy{}, fmt.Errorf("server.trusted_proxy_cidrs: %w", err)
	}
	return httputil.ClientAddressPolicy{
		TrustForwarded: c.TrustForwarded(),
		TrustedProxies: nets,
	}, nil
}

// RequireDatabase is the check for commands that only touch the allowlist.
func (c *Config) RequireDatabase() error {
	if c.Database == "" {
		return fmt.Errorf("%w: database", ErrConfigMissing)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Password == "" {
		return fmt.Errorf("%w: password", ErrConfigMissing)
	}
	if err := c.RequireDatabase(); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Self, "/") || httputil.SanitizeReturnURL(c.Self) != c.Self {
		return fmt.Errorf("self must be an absolute path, got %q", c.Self)
	}
	if httputil.SanitizeReturnURL(c.Root) != c.Root {
		return fmt.Errorf("root must be a same-origin path, got %q", c.Root)
	}
	if !strings.HasPrefix(c.Maintenance, "/") {
		return fmt.Errorf("maintenance must be an absolute path, got %q", c.Maintenance)
	}
	if c.Maintenance == c.Self {
		return errors.New("maintenance and self must differ")
	}
	for _, p := range c.StaticExempt {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("static_exempt entries must be absolute paths, got %q", p)
		}
	}
	if c.Server.ReadTimeoutMs < 0 || c.Server.WriteTimeoutMs < 0 {
		return errors.New("server timeouts must be >= 0")
	}
	if _, err := c.ClientAddressPolicy(); err != nil {
		return err
	}
	if c.Site.Upstream != "" {
		u, err := url.Parse(c.Site.Upstream)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("site.upstream must be an http(s) URL, got %q", c.Site.Upstream)
		}
	}
	if _, err := c.SessionSecret(); err != nil {
		return err
	}
	for _, t := range c.TrustedAddresses {
		if t.Address == "" {
			return errors.New("trusted_addresses entries need an address")
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug|info|warn|error, got %q", c.Logging.Level)
	}
	return nil
}
