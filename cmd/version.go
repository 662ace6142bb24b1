package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// GetVersion returns the ldflags version, or the module version when the
// binary was built with `go install`.
func GetVersion() string {
	if version != "dev" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return version
}

// GetFullVersionInfo lists the agent build and the Nostr library it speaks through.
func GetFullVersionInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Version: %s\nCommit: %s\nBuilt: %s\n", GetVersion(), commit, date)
	fmt.Fprintf(&b, "Go: %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if nostrVersion := dependencyVersion("github.com/nbd-wtf/go-nostr"); nostrVersion != "" {
		fmt.Fprintf(&b, "\ngo-nostr: %s", nostrVersion)
	}
	return b.String()
}

func GetVersionWithPrefix() string {
	return "nopu agent version: " + GetVersion()
}

func dependencyVersion(path string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, dep := range info.Deps {
		if dep.Path == path {
			return dep.Version
		}
	}
	return ""
}
