// Package elevation checks whether the current process runs as root,
// the privilege level a TUN-backed daemon is given here, mirroring the check the teacher's own CLI performs before
// doing anything else.
package elevation

import "os"

// IsElevated reports whether the process runs with effective UID 0.
// Capabilities such as CAP_NET_ADMIN granted to a non-root process are
// not detected.
func IsElevated() bool {
	return os.Geteuid() == 0
}

// Hint returns a short, platform-appropriate suggestion for how to
// re-run with sufficient privileges.
func Hint() string {
	return "try running again as root, e.g. with sudo"
}
