//go:build windows

package mirror

// deviceID has no cheap, dependency-free equivalent of a Unix device
// number on Windows. The security gate falls back to the existence check
// alone on this platform.
func deviceID(path string) (uint64, bool) {
	return 0, false
}
