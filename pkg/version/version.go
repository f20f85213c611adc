// Package version provides version information for sqlshift.
//
// The version is embedded from version.txt, which the release process keeps in
// step with the VERSION file at the repository root.
package version

import (
	_ "embed"
	"strings"
)

//go:embed version.txt
var versionFile string

// Version is the current version of sqlshift.
var Version = strings.TrimSpace(versionFile)

// String returns the version string.
func String() string {
	return Version
}

// Full returns a full version string with the program name.
func Full() string {
	return "sqlshift version " + Version
}
