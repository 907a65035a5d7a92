// Package version holds build metadata for the notemine binary, set with
//
//	go build -ldflags "-X github.com/jmylchreest/notemine/internal/version.Version=1.0.0 ..."
package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	Dirty     = "false" // "true" when built from a modified tree
	BuildDate = "unknown"
)

func dirty() bool { return Dirty == "true" }

// String returns the version, suffixed with -dirty for modified builds.
func String() string {
	if dirty() {
		return Version + "-dirty"
	}
	return Version
}

// UserAgent identifies notemine to completion endpoints.
func UserAgent() string {
	return fmt.Sprintf("notemine/%s (%s; %s/%s)", String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Full is the multi-line form printed by `notemine version`.
func Full() string {
	rows := [][2]string{
		{"Commit", Commit},
		{"Built", BuildDate},
		{"Go version", runtime.Version()},
		{"OS/Arch", runtime.GOOS + "/" + runtime.GOARCH},
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "notemine %s", String())
	for _, r := range rows {
		fmt.Fprintf(&sb, "\n  %-11s %s", r[0]+":", r[1])
	}
	return sb.String()
}
