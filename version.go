package node

import "fmt"

// appMajor, appMinor, and appPatch form chainnode's semantic version.
const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0
)

// appPreRelease is non-empty between tagged releases.
var appPreRelease = "beta"

// Version returns the full semantic version string.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, appPreRelease)
	}

	return version
}
