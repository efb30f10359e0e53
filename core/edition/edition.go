// Package edition identifies the build of the Bramble SDK.
//
// The descriptor is fixed when the library is compiled and never changes at
// runtime. The packed version number follows the convention
// major*1000000 + minor*1000 + patch, so builds can be compared numerically.
package edition

import "fmt"

const (
	// Version is the semantic version string of this build.
	Version = "3.0.3"

	// VersionNumber is the packed numeric form of Version.
	VersionNumber = 3000003

	// BuildNumber distinguishes successive builds of the same version.
	BuildNumber = 3

	// SourceID identifies the source revisions this build was produced from.
	SourceID = "c3b84c2+040013f"

	// BuildTimestamp is the UTC time the build metadata was generated.
	BuildTimestamp = "2023-04-12T15:47:48Z"
)

// MakeVersionNumber packs a semantic version into its numeric form.
func MakeVersionNumber(major, minor, patch int) int {
	return major*1000000 + minor*1000 + patch
}

// ParseVersionNumber splits a packed version number back into its parts.
func ParseVersionNumber(n int) (major, minor, patch int) {
	return n / 1000000, (n / 1000) % 1000, n % 1000
}

// String returns a human-readable one-line descriptor of this build,
// e.g. "3.0.3 (build 3, enterprise) c3b84c2+040013f".
func String() string {
	return fmt.Sprintf("%s (build %d, %s) %s", Version, BuildNumber, Edition(), SourceID)
}
