package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the agent process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	Store   StoreConfig
	Backend BackendConfig
	Ingest  IngestConfig
	Auth    AuthConfig
	Retry   RetryConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// StoreConfig selects the durable key-value backend.
//
// sqlite is the default posture (a local file is the closest analog to
// device storage); redis and postgres exist for shared deployments.
type StoreConfig struct {
	// Backend is one of: sqlite, redis, postgres, memory.
	Backend string

	// DSN is the sqlite file path or the postgres DSN, depending on Backend.
	DSN string

	Redis RedisConfig
}

type RedisConfig struct {
	Host string
	Port int
}

// BackendConfig points at the call backend that must be told about
// terminal call actions.
type BackendConfig struct {
	// BaseURL resolves relative action endpoints and hosts the fixed
	// call-end and ringing-ack paths.
	BaseURL string

	// Timeout bounds each outbound notification attempt.
	Timeout time.Duration
}

// IngestConfig is the optional NATS push source. Both fields empty
// disables the subscriber; the HTTP push endpoint always works.
type IngestConfig struct {
	URL     string
	Subject string
}

type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
}

type RetryConfig struct {
	// FlushInterval is the periodic retry-queue flush cadence.
	FlushInterval time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Store.Backend = strings.TrimSpace(os.Getenv("STORE_BACKEND"))
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	c.Store.DSN = strings.TrimSpace(os.Getenv("STORE_DSN"))
	c.Store.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Store.Redis.Port = optionalInt("REDIS_PORT")

	c.Backend.BaseURL = strings.TrimSpace(os.Getenv("BACKEND_BASE_URL"))
	c.Backend.Timeout = mustDuration("BACKEND_TIMEOUT")

	c.Ingest.URL = strings.TrimSpace(os.Getenv("NATS_URL"))
	c.Ingest.Subject = strings.TrimSpace(os.Getenv("NATS_SUBJECT"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))

	c.Retry.FlushInterval = mustDuration("FLUSH_INTERVAL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	switch c.Store.Backend {
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("STORE_DSN is required for STORE_BACKEND=%s", c.Store.Backend))
		}
	case "redis":
		if c.Store.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required for STORE_BACKEND=redis"))
		}
		if c.Store.Redis.Port <= 0 || c.Store.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Store.Redis.Port))
		}
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of sqlite, redis, postgres, memory, got %q", c.Store.Backend))
	}

	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("BACKEND_BASE_URL is required"))
	} else if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BACKEND_BASE_URL must be an absolute URL, got %q", c.Backend.BaseURL))
	}
	if c.Backend.Timeout <= 0 {
		// Keep attempts short; the retry queue owns recovery.
		c.Backend.Timeout = 10 * time.Second
	}

	// NATS ingest is optional but must be configured in full or not at all.
	if (c.Ingest.URL == "") != (c.Ingest.Subject == "") {
		errs = append(errs, errors.New("NATS_URL and NATS_SUBJECT must be set together"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Retry.FlushInterval <= 0 {
		c.Retry.FlushInterval = 20 * time.Second
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Store.Redis.Host, c.Store.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
