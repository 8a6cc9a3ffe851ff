//go:build unix

package arbiter

import (
	"errors"

	"golang.org/x/sys/unix"
)

type unixProbe struct{}

// NewProcessProbe returns a ProcessProbe that sends signal 0 to the pid.
// A process that exists but belongs to another user still counts as alive.
func NewProcessProbe() ProcessProbe {
	return unixProbe{}
}

func (unixProbe) Alive(pid int) bool {
	if pid <= 0 {
		return true
	}
	err := unix.Kill(pid, 0)
	return err == nil || !errors.Is(err, unix.ESRCH)
}
