//go:build !windows

package mirror

import "golang.org/x/sys/unix"

// deviceID returns the device ID backing path, used to detect a root
// directory that has been silently replaced - for example an unmounted
// network share reappearing as an empty directory on the local disk.
func deviceID(path string) (uint64, bool) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, false
	}
	return uint64(st.Dev), true
}
