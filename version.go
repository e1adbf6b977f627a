package compositor

import "fmt"

// Version information for the GoCompositor library.
const (
	VersionMajor = 1
	VersionMinor = 3
	VersionPatch = 0
)

// Version is the full version string of the GoCompositor library.
var Version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
