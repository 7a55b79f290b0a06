// Package syncconfig holds client settings, credentials and the small state
// files kept next to the local store.
package syncconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/histsync/internal/crypto"
	"github.com/marcus/histsync/internal/db"
	"github.com/marcus/histsync/internal/record"
	"github.com/pelletier/go-toml/v2"
)

// File names inside the config and data directories.
const (
	ConfigFile   = "config.toml"
	AuthFile     = "auth.json"
	KeyFile      = "key"
	HostIDFile   = "host_id"
	LastSyncFile = "last_sync_time"
)

// Defaults.
const (
	DefaultServerURL             = "http://localhost:8080"
	DefaultSyncFrequency         = "10m"
	DefaultNetworkTimeout        = 30
	DefaultNetworkConnectTimeout = 5
)

// SyncSettings tunes the sync engine.
type SyncSettings struct {
	Concurrency int `toml:"concurrency,omitempty"`
	PageSize    int `toml:"page_size,omitempty"`
}

// Config is the client config stored at ~/.config/histsync/config.toml.
type Config struct {
	SyncAddress           string       `toml:"sync_address,omitempty"`
	SyncFrequency         string       `toml:"sync_frequency,omitempty"` // duration, "0" syncs after every write
	AutoSync              *bool        `toml:"auto_sync,omitempty"`      // nil = default true
	UpdateCheck           *bool        `toml:"update_check,omitempty"`   // nil = default true
	DBPath                string       `toml:"db_path,omitempty"`
	KeyPath               string       `toml:"key_path,omitempty"`
	NetworkTimeout        int          `toml:"network_timeout,omitempty"`         // seconds
	NetworkConnectTimeout int          `toml:"network_connect_timeout,omitempty"` // seconds
	Sync                  SyncSettings `toml:"sync"`
}

// AuthCredentials stores authentication state at ~/.config/histsync/auth.json.
type AuthCredentials struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	ServerURL string `json:"server_url"`
}

// ConfigDir returns the config directory, creating it if necessary.
// Priority: HISTSYNC_CONFIG_DIR env > $XDG_CONFIG_HOME/histsync > ~/.config/histsync.
func ConfigDir() (string, error) {
	dir := os.Getenv("HISTSYNC_CONFIG_DIR")
	if dir == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("get home dir: %w", err)
			}
			base = filepath.Join(home, ".config")
		}
		dir = filepath.Join(base, "histsync")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// DataDir returns the data directory, creating it if necessary.
// Priority: HISTSYNC_DATA_DIR env > $XDG_DATA_HOME/histsync > ~/.local/share/histsync.
func DataDir() (string, error) {
	dir := os.Getenv("HISTSYNC_DATA_DIR")
	if dir == "" {
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("get home dir: %w", err)
			}
			base = filepath.Join(home, ".local", "share")
		}
		dir = filepath.Join(base, "histsync")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads config.toml. A missing file is an empty config.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	return &cfg, nil
}

// SaveConfig writes config.toml.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ConfigFile), data, 0644)
}

// LoadAuth reads auth.json, returning nil when not logged in.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, AuthFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes auth.json (0600 perms).
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, AuthFile), data, 0600)
}

// ClearAuth removes auth.json.
func ClearAuth() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, AuthFile))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ServerURL returns the relay URL.
// Priority: HISTSYNC_SYNC_URL env > auth.json > config.toml > default.
func (c *Config) ServerURL() string {
	if v := os.Getenv("HISTSYNC_SYNC_URL"); v != "" {
		return v
	}
	if creds, err := LoadAuth(); err == nil && creds != nil && creds.ServerURL != "" {
		return creds.ServerURL
	}
	if c.SyncAddress != "" {
		return c.SyncAddress
	}
	return DefaultServerURL
}

// Token returns the API token.
// Priority: HISTSYNC_TOKEN env > auth.json.
func Token() string {
	if v := os.Getenv("HISTSYNC_TOKEN"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.Token
	}
	return ""
}

// IsAuthenticated returns true if a token is available.
func IsAuthenticated() bool {
	return Token() != ""
}

// parseBoolEnv returns nil if env not set, pointer to bool if set.
func parseBoolEnv(envKey string) *bool {
	v := os.Getenv(envKey)
	if v == "" {
		return nil
	}
	v = strings.ToLower(v)
	if v == "1" || v == "true" {
		b := true
		return &b
	}
	if v == "0" || v == "false" {
		b := false
		return &b
	}
	return nil
}

// AutoSyncEnabled reports whether writes trigger a background sync.
// Priority: HISTSYNC_AUTO_SYNC env > config.toml auto_sync > true.
func (c *Config) AutoSyncEnabled() bool {
	if v := parseBoolEnv("HISTSYNC_AUTO_SYNC"); v != nil {
		return *v
	}
	if c.AutoSync != nil {
		return *c.AutoSync
	}
	return true
}

// UpdateCheckEnabled reports whether the CLI checks for new releases.
func (c *Config) UpdateCheckEnabled() bool {
	if v := parseBoolEnv("HISTSYNC_UPDATE_CHECK"); v != nil {
		return *v
	}
	if c.UpdateCheck != nil {
		return *c.UpdateCheck
	}
	return true
}

// Frequency returns the minimum interval between automatic syncs.
func (c *Config) Frequency() (time.Duration, error) {
	s := c.SyncFrequency
	if s == "" {
		s = DefaultSyncFrequency
	}
	return parseFrequency(s)
}

// parseFrequency accepts Go durations plus a day suffix ("2d").
func parseFrequency(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "0" {
		return 0, nil
	}
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(n)
		if err != nil || days < 0 {
			return 0, fmt.Errorf("invalid sync_frequency %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid sync_frequency %q", s)
	}
	return d, nil
}

// Timeouts returns the whole-request and connect timeouts for the relay
// client.
func (c *Config) Timeouts() (request, connect time.Duration) {
	req, conn := c.NetworkTimeout, c.NetworkConnectTimeout
	if req <= 0 {
		req = DefaultNetworkTimeout
	}
	if conn <= 0 {
		conn = DefaultNetworkConnectTimeout
	}
	return time.Duration(req) * time.Second, time.Duration(conn) * time.Second
}

// ResolveDBPath returns the local store path: config db_path or
// <data dir>/records.db.
func (c *Config) ResolveDBPath(dataDir string) string {
	if c.DBPath != "" {
		return expandHome(c.DBPath)
	}
	return filepath.Join(dataDir, db.DefaultFile)
}

// ResolveKeyPath returns the master key path: config key_path or
// <data dir>/key.
func (c *Config) ResolveKeyPath(dataDir string) string {
	if c.KeyPath != "" {
		return expandHome(c.KeyPath)
	}
	return filepath.Join(dataDir, KeyFile)
}

func expandHome(p string) string {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return p
}

// ShouldSync reports whether an automatic sync is due: auto sync is on, a
// token is available and the last sync is at least the frequency ago.
func (c *Config) ShouldSync(dataDir string, now time.Time) (bool, error) {
	if !c.AutoSyncEnabled() || !IsAuthenticated() {
		return false, nil
	}
	freq, err := c.Frequency()
	if err != nil {
		return false, fmt.Errorf("check sync: %w", err)
	}
	last, err := LastSync(dataDir)
	if err != nil {
		return false, err
	}
	return now.Sub(last) >= freq, nil
}

// HostID returns the installation's host id, creating the host_id file on
// first use.
func HostID(dataDir string) (record.HostID, error) {
	path := filepath.Join(dataDir, HostIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id, err := record.ParseHostID(strings.TrimSpace(string(data)))
		if err != nil {
			return record.HostID{}, fmt.Errorf("%s: %w", path, err)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return record.HostID{}, err
	}
	id := record.NewHostID()
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0600); err != nil {
		return record.HostID{}, fmt.Errorf("write host id: %w", err)
	}
	return id, nil
}

// LastSync returns the time of the last completed sync, or the zero time.
func LastSync(dataDir string) (time.Time, error) {
	return loadTime(filepath.Join(dataDir, LastSyncFile))
}

// SaveSyncTime records now as the last sync time.
func SaveSyncTime(dataDir string, now time.Time) error {
	return saveTime(filepath.Join(dataDir, LastSyncFile), now)
}

func loadTime(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return t, nil
}

func saveTime(path string, t time.Time) error {
	return os.WriteFile(path, []byte(t.UTC().Format(time.RFC3339)), 0600)
}

// ErrNoKey is returned by LoadKey when no master key exists.
var ErrNoKey = errors.New("no encryption key; run 'histsync init' or 'histsync key import'")

// LoadMasterKey returns the master key.
// Priority: HISTSYNC_KEY env > key file.
func LoadMasterKey(path string) ([]byte, error) {
	if v := os.Getenv("HISTSYNC_KEY"); v != "" {
		return crypto.DecodeMasterKey(v)
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}
	return crypto.DecodeMasterKey(string(data))
}

// SaveMasterKey writes the key file (0600). An existing key file is never
// overwritten unless force is set.
func SaveMasterKey(path string, master []byte, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(crypto.EncodeMasterKey(master) + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadKey loads the master key and derives the record key.
func LoadKey(path string) (*crypto.Key, error) {
	master, err := LoadMasterKey(path)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveRecordKey(master)
}
