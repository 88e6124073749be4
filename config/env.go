package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DOCSEAL_"

// LoadEnv loads a dotenv file into the process environment. Variables already
// set are left alone, and a missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &ConfigError{Message: "failed to load " + path, Err: err}
	}
	return nil
}

// Load reads the YAML file at path (when non-empty), overlays DOCSEAL_*
// environment variables, applies defaults and validates.
func Load(path string) (*AppConfig, error) {
	var c AppConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Message: "failed to read config file", Err: err}
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, &ConfigError{Message: "failed to parse config", Err: err}
		}
	}
	c.SetDefaults()
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyEnv overrides fields from environment variables looked up through
// lookup. Sections must already be allocated.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("SIGNING_PLATFORM", &c.Signing.Platform)
	e.int("SIGNING_KEY_BITS", &c.Signing.KeyBits)
	e.int("SIGNING_VALIDITY_DAYS", &c.Signing.ValidityDays)
	e.dur("SIGNING_RENEW_BEFORE", &c.Signing.RenewBefore)
	e.str("SIGNING_ORGANIZATION", &c.Signing.Organization)
	if v, ok := e.boolean("SIGNING_VISUAL"); ok {
		c.Signing.Visual = &v
	}

	e.str("TSA_URL", &c.Timestamp.URL)
	e.str("TSA_USERNAME", &c.Timestamp.Username)
	e.str("TSA_PASSWORD", &c.Timestamp.Password)
	e.int("TSA_TIMEOUT", &c.Timestamp.Timeout)
	e.float("TSA_REQUESTS_PER_SECOND", &c.Timestamp.RequestsPerSecond)
	if v, ok := e.boolean("TSA_REQUIRED"); ok {
		c.Timestamp.Required = v
	}

	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)
	e.str("LOG_OUTPUT", &c.Logging.Output)

	e.str("STORE_DRIVER", &c.Store.Driver)
	e.str("STORE_DSN", &c.Store.DSN)
	e.dur("STORE_CACHE_TTL", &c.Store.CacheTTL)
	e.int("STORE_MAX_CONNS", &c.Store.MaxConns)
	e.str("STORE_KEY_PREFIX", &c.Store.KeyPrefix)

	e.str("CUSTODY_SECRET", &c.Custody.Secret)

	e.str("SERVER_ADDR", &c.Server.Addr)
	e.str("SERVER_JWT_SECRET", &c.Server.JWTSecret)
	e.str("SERVER_JWT_ISSUER", &c.Server.JWTIssuer)
	e.float("SERVER_RATE_LIMIT", &c.Server.RateLimit)
	e.int("SERVER_RATE_BURST", &c.Server.RateBurst)
	if v, ok := e.boolean("SERVER_DEV_TSA"); ok {
		c.Server.DevTSA = v
	}

	return e.err
}

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, msg string) {
	if e.err == nil {
		e.err = invalid(EnvPrefix+key, "%s", msg)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, "not an integer: "+v)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, "not a number: "+v)
			return
		}
		*dst = f
	}
}

func (e *envReader) dur(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, "not a duration: "+v)
			return
		}
		*dst = d
	}
}

func (e *envReader) boolean(key string) (bool, bool) {
	v, ok := e.get(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, "not a boolean: "+v)
		return false, false
	}
	return b, true
}
