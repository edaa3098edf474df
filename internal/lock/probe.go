package lock

import (
	"errors"
	"os"
	"syscall"
)

// osProcessProbe checks process liveness via signal 0, the portable
// "does this pid exist" trick on POSIX systems.
type osProcessProbe struct{}

func (osProcessProbe) Alive(pid int) (bool, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		// Process exists but we lack permission to signal it: it is live.
		return true, nil
	}
	return false, err
}
