// Package version holds build information for the composer-templates CLI.
// The values are injected at build time:
//
//	go build -ldflags "-X composertemplates/pkg/version.Version=v1.2.3"
package version

import "fmt"

//nolint:gochecknoglobals // ldflags injection needs package-level vars.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build information on one line.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}
