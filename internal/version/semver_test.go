package version

import "testing"

func TestParseSemver(t *testing.T) {
	valid := []string{"v1.2.3", "1.2.3", "v0.0.1", "v1.2.3-rc.1", "v1.2.3-beta-2", "v10.20.30+build.7"}
	for _, v := range valid {
		if _, ok := parseSemver(v); !ok {
			t.Errorf("parseSemver(%q) rejected", v)
		}
	}

	invalid := []string{"", "v1.2", "v1.2.3.4", "v01.2.3", "vx.y.z", "v1.2.3-", "v1.2.3--", "v1.2.3-rc..1", "v1.2.3-rc.", "v1.2.3-$(rm)"}
	for _, v := range invalid {
		if _, ok := parseSemver(v); ok {
			t.Errorf("parseSemver(%q) accepted", v)
		}
	}
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		latest, current string
		want            bool
	}{
		{"v1.2.4", "v1.2.3", true},
		{"v1.3.0", "v1.2.9", true},
		{"v2.0.0", "v1.99.99", true},
		{"v1.2.3", "v1.2.3", false},
		{"v1.2.2", "v1.2.3", false},
		{"v1.10.0", "v1.9.0", true},
		{"v1.2.3", "v1.2.3-rc.1", true},
		{"v1.2.3-rc.1", "v1.2.3", false},
		{"v1.2.3-rc.2", "v1.2.3-rc.1", true},
		{"v1.2.3-rc.10", "v1.2.3-rc.9", true},
		{"v1.2.3-rc", "v1.2.3-beta", true},
		{"v1.2.3-alpha.beta", "v1.2.3-alpha.1", true},
		{"v1.2.3-alpha.1", "v1.2.3-alpha", true},
		{"v1.2.4+meta", "v1.2.3", true},
		{"garbage", "v1.0.0", false},
		{"v1.0.0", "garbage", false},
	}
	for _, tt := range tests {
		if got := isNewer(tt.latest, tt.current); got != tt.want {
			t.Errorf("isNewer(%q, %q) = %v, want %v", tt.latest, tt.current, got, tt.want)
		}
	}
}
