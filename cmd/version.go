package cmd

import (
	"fmt"

	"github.com/wjongkind/cowmirror/internal/buildinfo"
)

// VersionString returns the one-line "name version X" string printed by
// the version subcommand.
func VersionString() string {
	return fmt.Sprintf("%s version %s", buildinfo.Name, buildinfo.Version)
}
