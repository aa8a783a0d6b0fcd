//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// sendStop delivers SIGTERM (or SIGKILL when force is set). With group the
// whole process group led by pid is signaled, falling back to pid alone when
// the group is already gone.
func sendStop(pid int, group, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if group {
		err := syscall.Kill(-pid, sig)
		if err == nil || !errors.Is(err, syscall.ESRCH) {
			return err
		}
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// processExists checks if a process exists and is not a zombie.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !isZombie(pid)
}

// isZombie returns true if /proc/<pid>/status reports a zombie state on Linux.
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
