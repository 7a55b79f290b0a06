// Package version looks up the newest histsync release and decides whether
// the running binary is out of date.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultReleaseURL is the GitHub latest-release endpoint for histsync.
const DefaultReleaseURL = "https://api.github.com/repos/marcus/histsync/releases/latest"

// ErrNoRelease means the release endpoint answered without a tag.
var ErrNoRelease = errors.New("no published release")

// UpdateNotice describes an available release.
type UpdateNotice struct {
	CurrentVersion string
	LatestVersion  string
	UpdateCommand  string
}

// Checker compares the running version with the latest published release.
// Results are remembered in CacheDir so repeated invocations stay offline.
type Checker struct {
	Current  string
	CacheDir string // empty disables the cache
	URL      string
	Client   *http.Client
	now      func() time.Time
}

// NewChecker returns a Checker for current with a 5 second HTTP timeout.
func NewChecker(current, cacheDir string) *Checker {
	return &Checker{
		Current:  current,
		CacheDir: cacheDir,
		URL:      DefaultReleaseURL,
		Client:   &http.Client{Timeout: 5 * time.Second},
		now:      time.Now,
	}
}

// Latest asks the release endpoint for the newest tag.
func (c *Checker) Latest(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch release: %s", resp.Status)
	}

	var body struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode release: %w", err)
	}
	if body.TagName == "" {
		return "", ErrNoRelease
	}
	return body.TagName, nil
}

// Notice reports an available update, or nil when the binary is current,
// is a development build, or the lookup failed. Failed lookups are not
// cached so the next invocation retries.
func (c *Checker) Notice(ctx context.Context) *UpdateNotice {
	if IsDevelopmentVersion(c.Current) {
		return nil
	}

	latest, ok := c.cached()
	if !ok {
		var err error
		latest, err = c.Latest(ctx)
		if err != nil {
			return nil
		}
		_ = c.store(latest)
	}

	if !isNewer(latest, c.Current) {
		return nil
	}
	return &UpdateNotice{
		CurrentVersion: c.Current,
		LatestVersion:  latest,
		UpdateCommand:  UpdateCommand(latest),
	}
}

// IsDevelopmentVersion reports whether v came from a local build rather
// than a tagged release.
func IsDevelopmentVersion(v string) bool {
	switch v {
	case "", "unknown", "dev", "devel":
		return true
	}
	return strings.HasPrefix(v, "devel+")
}

// UpdateCommand is the go install line for tag, or "" when tag is not a
// plain semantic version and so unsafe to paste into a shell.
func UpdateCommand(tag string) string {
	if strings.Contains(tag, "+") {
		return ""
	}
	if _, ok := parseSemver(tag); !ok {
		return ""
	}
	return fmt.Sprintf(`go install -ldflags "-X main.Version=%s" github.com/marcus/histsync@%s`, tag, tag)
}
