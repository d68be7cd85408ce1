// Package version exposes build metadata for log banners and the health
// payload. The commit is resolved once at init: an -ldflags override wins,
// then the VCS revision stamped by the Go toolchain, then "dev".
package version

import "runtime/debug"

// AppName identifies the control plane in version strings.
const AppName = "wave"

// commitOverride is injected via -ldflags for builds without a .git
// directory (container image builds).
var commitOverride string

// GitCommit is the short commit hash, or "dev" outside a stamped build.
var GitCommit = resolveCommit()

// Full returns "wave/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}

func resolveCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
