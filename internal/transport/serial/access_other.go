//go:build !unix

package serial

// CheckAccess is a no-op where the platform has no access(2); the open
// itself reports permission failures.
func CheckAccess(string) error { return nil }
