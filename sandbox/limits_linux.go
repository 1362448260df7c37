//go:build linux

package sandbox

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// procAttr starts the interpreter in its own process group and kills it when
// the thread that started it dies, so a killed instance does not leave the
// program running.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
}

// applyLimits sets resource limits on a started process. Limits survive the
// exec of unshare into the interpreter.
func applyLimits(pid int, l Limits) error {
	for _, lim := range []struct {
		name     string
		resource int
		value    uint64
	}{
		{"address space", unix.RLIMIT_AS, l.AddressSpaceBytes},
		{"open files", unix.RLIMIT_NOFILE, l.OpenFiles},
		{"cpu time", unix.RLIMIT_CPU, l.CPUSeconds},
		{"file size", unix.RLIMIT_FSIZE, l.FileSizeBytes},
	} {
		if lim.value == 0 {
			continue
		}
		rlimit := &unix.Rlimit{Cur: lim.value, Max: lim.value}
		if err := unix.Prlimit(pid, lim.resource, rlimit, nil); err != nil {
			return fmt.Errorf("could not set %s limit: %w", lim.name, err)
		}
	}
	return nil
}
