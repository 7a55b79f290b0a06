package version

import (
	"strconv"
	"strings"
)

// semver is a parsed release version. Build metadata is dropped.
type semver struct {
	core [3]int
	pre  []string // dot-separated prerelease identifiers
}

// parseSemver parses "v1.2.3", "1.2.3-rc.1" or "v1.2.3+build". The
// prerelease must be dot-separated alphanumeric identifiers.
func parseSemver(v string) (semver, bool) {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}

	var s semver
	core, pre, hasPre := strings.Cut(v, "-")
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return semver{}, false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || p == "" || (len(p) > 1 && p[0] == '0') {
			return semver{}, false
		}
		s.core[i] = n
	}
	if hasPre {
		for _, id := range strings.FieldsFunc(pre, func(r rune) bool { return r == '.' || r == '-' }) {
			if !isAlnum(id) {
				return semver{}, false
			}
			s.pre = append(s.pre, id)
		}
		if len(s.pre) == 0 || strings.HasSuffix(pre, "-") || strings.HasSuffix(pre, ".") ||
			strings.Contains(pre, "--") || strings.Contains(pre, "..") {
			return semver{}, false
		}
	}
	return s, true
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// compare returns -1, 0 or 1. A prerelease sorts before its release.
func (a semver) compare(b semver) int {
	for i := range a.core {
		if a.core[i] != b.core[i] {
			if a.core[i] < b.core[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a.pre) == 0 && len(b.pre) == 0:
		return 0
	case len(a.pre) == 0:
		return 1
	case len(b.pre) == 0:
		return -1
	}
	for i := 0; i < len(a.pre) && i < len(b.pre); i++ {
		if c := compareIdent(a.pre[i], b.pre[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a.pre) < len(b.pre):
		return -1
	case len(a.pre) > len(b.pre):
		return 1
	}
	return 0
}

// compareIdent orders numeric identifiers numerically and below
// alphanumeric ones.
func compareIdent(a, b string) int {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return cmpInt(na, nb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// isNewer reports whether latest is a higher version than current. Versions
// that do not parse are never newer.
func isNewer(latest, current string) bool {
	l, ok := parseSemver(latest)
	if !ok {
		return false
	}
	c, ok := parseSemver(current)
	if !ok {
		return false
	}
	return l.compare(c) > 0
}
