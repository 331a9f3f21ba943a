// Package version carries build information.
package version

// Version is the current version of Wallsync.
// Set at build time via ldflags:
//
//	-X github.com/wallfleet/wallsync/internal/version.Version=X.Y.Z
var Version = "0.1.0"
