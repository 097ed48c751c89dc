// Package version provides the version information for the reqd server.
package version

import "runtime"

var (
	// Package is filled at linking time
	Package = "github.com/reqd-dev/reqd"

	// Version holds the complete version number. Filled in at linking time.
	Version = "0.0.1+unknown"

	// Revision is filled with the VCS (e.g. git) revision being used to build
	// the program at linking time.
	Revision = ""

	// BuildTimestamp is the build timestamp.
	BuildTimestamp = ""

	// GoVersion is Go tree's version.
	GoVersion = runtime.Version()
)

// ProtocolVersion is the control-plane wire protocol version reported by
// the capabilities endpoint. Bumped whenever the envelope schema or the
// REST surface changes incompatibly.
const ProtocolVersion = "1"
