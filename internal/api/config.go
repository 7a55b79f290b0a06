package api

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/histsync/internal/relaystore"
	"github.com/pelletier/go-toml/v2"
)

// Config holds relay settings.
type Config struct {
	ListenAddr      string
	ServerDBPath    string
	DataDir         string // record storage root
	Store           string // record backend, relaystore.BackendSQLite or BackendBadger
	ShutdownTimeout time.Duration
	AllowSignup     bool
	LogFormat       string // json or text
	LogLevel        string // debug, info, warn or error

	PageLimit    int // most records per GET /sync/records
	MaxPostBatch int // most records per POST /sync/records

	// Requests per minute. Register is per client address, the rest per token.
	RateLimitRegister int
	RateLimitPush     int
	RateLimitPull     int
	RateLimitOther    int

	RateLimitEventRetention time.Duration // how long throttle events are kept
}

// DefaultConfig is the configuration with nothing overridden.
func DefaultConfig() Config {
	return Config{
		ListenAddr:              ":8080",
		ServerDBPath:            "./data/server.db",
		DataDir:                 "./data/records",
		Store:                   relaystore.BackendSQLite,
		ShutdownTimeout:         30 * time.Second,
		AllowSignup:             true,
		LogFormat:               "json",
		LogLevel:                "info",
		PageLimit:               1000,
		MaxPostBatch:            1000,
		RateLimitRegister:       10,
		RateLimitPush:           120,
		RateLimitPull:           600,
		RateLimitOther:          300,
		RateLimitEventRetention: 30 * 24 * time.Hour,
	}
}

// setting is one option, settable from the TOML file under key and from the
// environment as SYNC_<KEY>.
type setting struct {
	key string
	set func(c *Config, v string) error
}

var settings = []setting{
	{"listen_addr", func(c *Config, v string) error { c.ListenAddr = v; return nil }},
	{"server_db_path", func(c *Config, v string) error { c.ServerDBPath = v; return nil }},
	{"data_dir", func(c *Config, v string) error { c.DataDir = v; return nil }},
	{"store", func(c *Config, v string) error {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != relaystore.BackendSQLite && v != relaystore.BackendBadger {
			return fmt.Errorf("unknown backend %q", v)
		}
		c.Store = v
		return nil
	}},
	{"shutdown_timeout", spanSetter(func(c *Config) *time.Duration { return &c.ShutdownTimeout })},
	{"allow_signup", func(c *Config, v string) (err error) { c.AllowSignup, err = strconv.ParseBool(v); return }},
	{"log_format", func(c *Config, v string) error { c.LogFormat = strings.ToLower(v); return nil }},
	{"log_level", func(c *Config, v string) error { c.LogLevel = strings.ToLower(v); return nil }},
	{"page_limit", countSetter(func(c *Config) *int { return &c.PageLimit })},
	{"max_post_batch", countSetter(func(c *Config) *int { return &c.MaxPostBatch })},
	{"rate_limit_register", countSetter(func(c *Config) *int { return &c.RateLimitRegister })},
	{"rate_limit_push", countSetter(func(c *Config) *int { return &c.RateLimitPush })},
	{"rate_limit_pull", countSetter(func(c *Config) *int { return &c.RateLimitPull })},
	{"rate_limit_other", countSetter(func(c *Config) *int { return &c.RateLimitOther })},
	{"rate_limit_event_retention", spanSetter(func(c *Config) *time.Duration { return &c.RateLimitEventRetention })},
}

func countSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return fmt.Errorf("%q is not a positive integer", v)
		}
		*field(c) = n
		return nil
	}
}

func spanSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := parseSpan(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

// parseSpan accepts Go durations plus whole days such as "30d".
func parseSpan(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// LoadConfig builds the relay configuration: defaults, then the TOML file
// named by SYNC_CONFIG if set, then SYNC_* environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if path := os.Getenv("SYNC_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return cfg, err
		}
	}
	envName := func(key string) string { return "SYNC_" + strings.ToUpper(key) }
	err := cfg.apply(func(key string) (string, bool) {
		return os.LookupEnv(envName(key))
	}, envName)
	return cfg, err
}

// applyFile reads a flat TOML table of settings. Values may be strings,
// integers or booleans; unknown keys are rejected.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	known := make(map[string]bool, len(settings))
	for _, s := range settings {
		known[s.key] = true
	}
	for k := range raw {
		if !known[k] {
			return fmt.Errorf("%s: unknown setting %q", path, k)
		}
	}
	return c.apply(func(key string) (string, bool) {
		v, ok := raw[key]
		if !ok {
			return "", false
		}
		return fmt.Sprint(v), true
	}, func(key string) string { return path + ": " + key })
}

// apply runs every setting that lookup knows about. name renders a setting
// for error messages.
func (c *Config) apply(lookup func(key string) (string, bool), name func(key string) string) error {
	var errs []error
	for _, s := range settings {
		v, ok := lookup(s.key)
		if !ok || v == "" {
			continue
		}
		if err := s.set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name(s.key), err))
		}
	}
	return errors.Join(errs...)
}
