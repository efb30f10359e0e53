//go:build !enterprise

package edition

// Edition reports which feature set this library was built with.
func Edition() string {
	return "community"
}

// IsEnterprise reports whether enterprise-only features are compiled in.
func IsEnterprise() bool {
	return false
}
