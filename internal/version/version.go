// Package version carries build metadata for deskcast.
package version

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X github.com/chronologos/deskcast/internal/version.VERSION=0.1.0 -X github.com/chronologos/deskcast/internal/version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)
