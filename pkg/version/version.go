// Package version holds the version of this module, set at build time with
// -ldflags "-X github.com/m-lab/speedtrack/pkg/version.Version=...".
package version

// Version is the symbolic version of the running binary.
var Version = "v0.0.0-dev"
