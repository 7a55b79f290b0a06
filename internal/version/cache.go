package version

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const (
	cacheFile = "version_cache.json"
	cacheTTL  = 6 * time.Hour
)

type cacheEntry struct {
	Checked string    `json:"checked_by"`
	Latest  string    `json:"latest"`
	At      time.Time `json:"at"`
}

// cached returns the remembered latest tag if it was recorded by this
// version within cacheTTL.
func (c *Checker) cached() (string, bool) {
	if c.CacheDir == "" {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(c.CacheDir, cacheFile))
	if err != nil {
		return "", false
	}
	var e cacheEntry
	if json.Unmarshal(data, &e) != nil || e.Checked != c.Current || e.Latest == "" {
		return "", false
	}
	if age := c.now().Sub(e.At); age < 0 || age >= cacheTTL {
		return "", false
	}
	return e.Latest, true
}

func (c *Checker) store(latest string) error {
	if c.CacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.CacheDir, 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(cacheEntry{Checked: c.Current, Latest: latest, At: c.now()})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.CacheDir, cacheFile), data, 0o600)
}
