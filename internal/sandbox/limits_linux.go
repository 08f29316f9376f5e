//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyLimits sets rlimits on an already started process. The child may run a
// few instructions unconstrained before the limits land.
func applyLimits(pid int, l Limits) error {
	if l.CPUSeconds > 0 {
		lim := &unix.Rlimit{Cur: l.CPUSeconds, Max: l.CPUSeconds}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, lim, nil); err != nil {
			return fmt.Errorf("RLIMIT_CPU: %w", err)
		}
	}
	if l.MemoryBytes > 0 {
		lim := &unix.Rlimit{Cur: l.MemoryBytes, Max: l.MemoryBytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, lim, nil); err != nil {
			return fmt.Errorf("RLIMIT_AS: %w", err)
		}
	}
	return nil
}
