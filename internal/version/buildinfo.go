package version

import (
	"runtime/debug"
	"strings"
)

// Resolve picks the version string a binary reports. A version injected
// with -ldflags wins; otherwise the module version recorded by go install;
// otherwise "devel+<revision>[+dirty]" from VCS stamping; otherwise injected
// unchanged.
func Resolve(injected string) string {
	info, _ := debug.ReadBuildInfo()
	return resolve(injected, info)
}

func resolve(injected string, info *debug.BuildInfo) string {
	if injected != "" && injected != "dev" {
		return injected
	}
	if info == nil {
		return injected
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return injected
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	parts := []string{"devel", rev}
	if settings["vcs.modified"] == "true" {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}
