// Package version carries build metadata, kept separate so any package can
// report it without importing the CLI.
package version

// Version is the release string, set by ldflags during build.
var Version = "v0.9.0-dev"

// Commit is the short git hash of the build, set by ldflags.
var Commit = "unknown"

// Date is the build timestamp, set by ldflags.
var Date = "unknown"
