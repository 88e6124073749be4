// Package config loads the docseal application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidValue         = errors.New("invalid value")
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func missing(field string) *ConfigError {
	return &ConfigError{Field: field, Message: "required field is missing", Err: ErrMissingRequiredField}
}

func invalid(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...), Err: ErrInvalidValue}
}

// SigningConfig controls key generation and certificate issuance.
type SigningConfig struct {
	// Platform names the issuing platform in certificates and the local TSA.
	Platform string `yaml:"platform" json:"platform"`

	// KeyBits is the RSA modulus size for new signer keys.
	KeyBits int `yaml:"key-bits" json:"key_bits"`

	// ValidityDays is the lifetime of issued certificates.
	ValidityDays int `yaml:"validity-days" json:"validity_days"`

	// RenewBefore renews credentials this long before they expire.
	RenewBefore time.Duration `yaml:"renew-before" json:"renew_before,omitempty"`

	// Organization is written into the issuer name.
	Organization string `yaml:"organization" json:"organization,omitempty"`

	// Visual controls whether PDF outputs get an attestation block.
	Visual *bool `yaml:"visual" json:"visual,omitempty"`
}

// SetDefaults sets default values for signing configuration.
func (c *SigningConfig) SetDefaults() {
	if c.Platform == "" {
		c.Platform = "DocSeal"
	}
	if c.KeyBits == 0 {
		c.KeyBits = 2048
	}
	if c.ValidityDays == 0 {
		c.ValidityDays = 365
	}
	if c.Visual == nil {
		v := true
		c.Visual = &v
	}
}

// Validate validates the signing configuration.
func (c *SigningConfig) Validate() error {
	if c.KeyBits < 2048 {
		return invalid("signing.key-bits", "must be at least 2048, got %d", c.KeyBits)
	}
	if c.ValidityDays < 1 {
		return invalid("signing.validity-days", "must be positive, got %d", c.ValidityDays)
	}
	if c.RenewBefore < 0 {
		return invalid("signing.renew-before", "must not be negative")
	}
	return nil
}

// VisualEnabled reports whether attestation blocks are drawn.
func (c *SigningConfig) VisualEnabled() bool {
	return c.Visual == nil || *c.Visual
}

// TimestampConfig contains timestamp service configuration.
type TimestampConfig struct {
	// URL is the timestamp service URL. Empty means local tokens only.
	URL string `yaml:"url" json:"url"`

	// Username for HTTP authentication.
	Username string `yaml:"username" json:"username,omitempty"`

	// Password for HTTP authentication.
	Password string `yaml:"password" json:"password,omitempty"`

	// Timeout is the request timeout in seconds.
	Timeout int `yaml:"timeout" json:"timeout,omitempty"`

	// RequestsPerSecond throttles outgoing requests; zero disables it.
	RequestsPerSecond float64 `yaml:"requests-per-second" json:"requests_per_second,omitempty"`

	// Required fails signing when no TSA token could be obtained.
	Required bool `yaml:"required" json:"required"`
}

// SetDefaults sets default values for timestamp configuration.
func (c *TimestampConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30
	}
}

// Validate validates the timestamp configuration.
func (c *TimestampConfig) Validate() error {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("timestamp.url", "not an http(s) URL: %q", c.URL)
		}
	}
	if c.Timeout < 0 {
		return invalid("timestamp.timeout", "must not be negative")
	}
	if c.RequestsPerSecond < 0 {
		return invalid("timestamp.requests-per-second", "must not be negative")
	}
	return nil
}

// TimeoutDuration returns Timeout as a duration.
func (c *TimestampConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (console, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("logging.level", "unknown level %q", c.Level)
	}
	switch c.Format {
	case "console", "json":
	default:
		return invalid("logging.format", "must be console or json, got %q", c.Format)
	}
	return nil
}

// Store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// StoreConfig selects where signer credentials are persisted.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres or redis.
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the sqlite path, postgres connection string or redis URL.
	DSN string `yaml:"dsn" json:"dsn,omitempty"`

	// CacheTTL enables a read-through cache in front of the store.
	CacheTTL time.Duration `yaml:"cache-ttl" json:"cache_ttl,omitempty"`

	// MaxConns bounds the postgres pool.
	MaxConns int `yaml:"max-conns" json:"max_conns,omitempty"`

	// KeyPrefix namespaces redis keys.
	KeyPrefix string `yaml:"key-prefix" json:"key_prefix,omitempty"`
}

// SetDefaults sets default values for store configuration.
func (c *StoreConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "docseal:credentials:"
	}
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	switch c.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverRedis:
		if c.DSN == "" {
			return missing("store.dsn")
		}
	default:
		return invalid("store.driver", "unknown driver %q", c.Driver)
	}
	if c.CacheTTL < 0 {
		return invalid("store.cache-ttl", "must not be negative")
	}
	return nil
}

// CustodyConfig controls sealing of private keys at rest.
type CustodyConfig struct {
	// Secret is the master secret for key sealing. Empty disables sealing.
	Secret string `yaml:"secret" json:"-"`
}

// Validate validates the custody configuration.
func (c *CustodyConfig) Validate() error {
	if c.Secret != "" && len(c.Secret) < 16 {
		return invalid("custody.secret", "must be at least 16 bytes")
	}
	return nil
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`

	// JWTSecret is the HS256 key for bearer tokens on signing endpoints.
	// Empty disables authentication.
	JWTSecret string `yaml:"jwt-secret" json:"-"`

	// JWTIssuer, when set, must match the iss claim.
	JWTIssuer string `yaml:"jwt-issuer" json:"jwt_issuer,omitempty"`

	// RateLimit is requests per second per client; zero disables it.
	RateLimit float64 `yaml:"rate-limit" json:"rate_limit,omitempty"`
	RateBurst int     `yaml:"rate-burst" json:"rate_burst,omitempty"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `yaml:"max-body-bytes" json:"max_body_bytes,omitempty"`

	// DevTSA mounts the development timestamp authority at /tsa.
	DevTSA bool `yaml:"dev-tsa" json:"dev_tsa"`

	ReadTimeout  time.Duration `yaml:"read-timeout" json:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write-timeout" json:"write_timeout,omitempty"`
}

// SetDefaults sets default values for server configuration.
func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 32 << 20
	}
	if c.RateLimit > 0 && c.RateBurst == 0 {
		c.RateBurst = int(c.RateLimit) + 1
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		return missing("server.addr")
	}
	if c.MaxBodyBytes < 0 {
		return invalid("server.max-body-bytes", "must not be negative")
	}
	if c.RateLimit < 0 {
		return invalid("server.rate-limit", "must not be negative")
	}
	return nil
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	Signing   *SigningConfig   `yaml:"signing" json:"signing,omitempty"`
	Timestamp *TimestampConfig `yaml:"timestamp" json:"timestamp,omitempty"`
	Logging   *LoggingConfig   `yaml:"logging" json:"logging,omitempty"`
	Store     *StoreConfig     `yaml:"store" json:"store,omitempty"`
	Custody   *CustodyConfig   `yaml:"custody" json:"custody,omitempty"`
	Server    *ServerConfig    `yaml:"server" json:"server,omitempty"`
}

// Default returns a configuration with every section defaulted.
func Default() *AppConfig {
	c := &AppConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults fills missing sections and their fields.
func (c *AppConfig) SetDefaults() {
	if c.Signing == nil {
		c.Signing = &SigningConfig{}
	}
	if c.Timestamp == nil {
		c.Timestamp = &TimestampConfig{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	if c.Custody == nil {
		c.Custody = &CustodyConfig{}
	}
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	c.Signing.SetDefaults()
	c.Timestamp.SetDefaults()
	c.Logging.SetDefaults()
	c.Store.SetDefaults()
	c.Server.SetDefaults()
}

// Validate validates every section.
func (c *AppConfig) Validate() error {
	validators := []interface{ Validate() error }{
		c.Signing, c.Timestamp, c.Logging, c.Store, c.Custody, c.Server,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ParseAppConfig parses configuration from YAML data, applies defaults and
// validates the result.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	var config AppConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadAppConfig loads the complete application configuration from a file.
func LoadAppConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAppConfig(data)
}
