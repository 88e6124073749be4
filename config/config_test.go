package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("field", "message")
	if err.Field != "field" {
		t.Errorf("Expected field 'field', got '%s'", err.Field)
	}
	if err.Message != "message" {
		t.Errorf("Expected message 'message', got '%s'", err.Message)
	}

	expected := "config error in 'field': message"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
	if !errors.Is(err, ErrConfigurationError) {
		t.Error("ConfigError should unwrap to ErrConfigurationError")
	}
}

func TestConfigErrorWithoutField(t *testing.T) {
	err := NewConfigError("", "general error")
	expected := "config error: general error"
	if err.Error() != expected {
		t.Errorf("Expected '%s', got '%s'", expected, err.Error())
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if c.Signing.Platform != "DocSeal" || c.Signing.KeyBits != 2048 || c.Signing.ValidityDays != 365 {
		t.Errorf("signing defaults = %+v", c.Signing)
	}
	if !c.Signing.VisualEnabled() {
		t.Error("visual attestation should default on")
	}
	if c.Timestamp.TimeoutDuration() != 30*time.Second {
		t.Errorf("timeout = %v", c.Timestamp.TimeoutDuration())
	}
	if c.Store.Driver != DriverMemory {
		t.Errorf("store driver = %s", c.Store.Driver)
	}
	if c.Logging.Level != "info" || c.Logging.Format != "console" || c.Logging.Output != "stderr" {
		t.Errorf("logging defaults = %+v", c.Logging)
	}
}

func TestParseAppConfig(t *testing.T) {
	data := []byte(`
signing:
  platform: Tribunal
  key-bits: 3072
  validity-days: 90
  renew-before: 72h
  visual: false
timestamp:
  url: https://tsa.example.org/tsr
  timeout: 10
  required: true
store:
  driver: sqlite
  dsn: /var/lib/docseal/credentials.db
  cache-ttl: 5m
logging:
  level: debug
  format: json
server:
  addr: 127.0.0.1:9000
  rate-limit: 5
`)
	c, err := ParseAppConfig(data)
	if err != nil {
		t.Fatalf("ParseAppConfig failed: %v", err)
	}
	if c.Signing.Platform != "Tribunal" || c.Signing.KeyBits != 3072 || c.Signing.RenewBefore != 72*time.Hour {
		t.Errorf("signing = %+v", c.Signing)
	}
	if c.Signing.VisualEnabled() {
		t.Error("visual should be disabled")
	}
	if c.Timestamp.URL != "https://tsa.example.org/tsr" || !c.Timestamp.Required || c.Timestamp.Timeout != 10 {
		t.Errorf("timestamp = %+v", c.Timestamp)
	}
	if c.Store.Driver != DriverSQLite || c.Store.CacheTTL != 5*time.Minute {
		t.Errorf("store = %+v", c.Store)
	}
	if c.Server.Addr != "127.0.0.1:9000" || c.Server.RateBurst != 6 {
		t.Errorf("server = %+v", c.Server)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*AppConfig)
		field  string
		want   error
	}{
		{"weak keys", func(c *AppConfig) { c.Signing.KeyBits = 1024 }, "signing.key-bits", ErrInvalidValue},
		{"bad tsa url", func(c *AppConfig) { c.Timestamp.URL = "ftp://tsa" }, "timestamp.url", ErrInvalidValue},
		{"unknown driver", func(c *AppConfig) { c.Store.Driver = "mongo" }, "store.driver", ErrInvalidValue},
		{"missing dsn", func(c *AppConfig) { c.Store.Driver = DriverPostgres }, "store.dsn", ErrMissingRequiredField},
		{"short secret", func(c *AppConfig) { c.Custody.Secret = "short" }, "custody.secret", ErrInvalidValue},
		{"bad level", func(c *AppConfig) { c.Logging.Level = "loud" }, "logging.level", ErrInvalidValue},
		{"bad format", func(c *AppConfig) { c.Logging.Format = "text" }, "logging.format", ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			err := c.Validate()
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("field = %s, want %s", cfgErr.Field, tt.field)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error %v is not %v", err, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DOCSEAL_TSA_URL":            "http://localhost:8318/tsa",
		"DOCSEAL_TSA_REQUIRED":       "true",
		"DOCSEAL_STORE_DRIVER":       "redis",
		"DOCSEAL_STORE_DSN":          "redis://localhost:6379/0",
		"DOCSEAL_STORE_CACHE_TTL":    "30s",
		"DOCSEAL_SIGNING_VISUAL":     "false",
		"DOCSEAL_SIGNING_KEY_BITS":   "4096",
		"DOCSEAL_SERVER_JWT_SECRET":  "s3cret",
		"DOCSEAL_SERVER_RATE_LIMIT":  "2.5",
		"DOCSEAL_LOG_LEVEL":          "  ",
		"UNRELATED_SIGNING_KEY_BITS": "1",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	c := Default()
	if err := c.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if c.Timestamp.URL != "http://localhost:8318/tsa" || !c.Timestamp.Required {
		t.Errorf("timestamp = %+v", c.Timestamp)
	}
	if c.Store.Driver != DriverRedis || c.Store.CacheTTL != 30*time.Second {
		t.Errorf("store = %+v", c.Store)
	}
	if c.Signing.VisualEnabled() || c.Signing.KeyBits != 4096 {
		t.Errorf("signing = %+v", c.Signing)
	}
	if c.Server.JWTSecret != "s3cret" || c.Server.RateLimit != 2.5 {
		t.Errorf("server = %+v", c.Server)
	}
	if c.Logging.Level != "info" {
		t.Errorf("blank variable should not override, level = %q", c.Logging.Level)
	}

	env["DOCSEAL_TSA_TIMEOUT"] = "soon"
	err := Default().ApplyEnv(lookup)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "DOCSEAL_TSA_TIMEOUT" {
		t.Errorf("expected error for DOCSEAL_TSA_TIMEOUT, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docseal.yaml")
	if err := os.WriteFile(path, []byte("signing:\n  platform: Chamber\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("DOCSEAL_SERVER_ADDR=:9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOCSEAL_SERVER_ADDR", "")
	os.Unsetenv("DOCSEAL_SERVER_ADDR")

	if err := LoadEnv(envPath); err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Signing.Platform != "Chamber" || c.Server.Addr != ":9999" {
		t.Errorf("config = signing %+v server %+v", c.Signing, c.Server)
	}

	if err := LoadEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing dotenv file should be ignored, got %v", err)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
