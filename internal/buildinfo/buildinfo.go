// Package buildinfo holds values injected at compile time via -ldflags.
package buildinfo

// Version holds the application's version string.
// Example: go build -ldflags="-X github.com/wjongkind/cowmirror/internal/buildinfo.Version=1.0.0"
var Version = "dev"

// Name is the canonical name of the application used in logs and the CLI.
var Name = "cowmirror"
