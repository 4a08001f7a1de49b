package weaver

import "github.com/kolkov/probeweaver/internal/probe/snapshot"

// Version information for probeweaver.
const (
	// Version is the current release.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info describes the running build.
type Info struct {
	// Version is the release string.
	Version string

	// StateFormat is the version written to new state files.
	StateFormat string
}

// GetInfo returns information about this build.
//
// Example:
//
//	info := weaver.GetInfo()
//	fmt.Printf("probeweaver %s (state %s)\n", info.Version, info.StateFormat)
func GetInfo() Info {
	return Info{
		Version:     Version,
		StateFormat: snapshot.FormatVersion,
	}
}
