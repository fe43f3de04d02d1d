//go:build linux

package process_linux

import (
	"errors"
	"fmt"
	"io/fs"

	"androdump/process"

	"golang.org/x/sys/unix"
)

// classifyError maps a raw syscall or /proc error onto the process error taxonomy.
func classifyError(pid process.ProcessID, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, process.ErrProcessNotFound),
		errors.Is(err, process.ErrPermissionDenied),
		errors.Is(err, process.ErrAlreadyTraced),
		errors.Is(err, process.ErrNotAttached):
		return err
	case errors.Is(err, unix.ESRCH), errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: pid %d: %v", process.ErrProcessNotFound, pid, err)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES), errors.Is(err, fs.ErrPermission):
		if info, statErr := ReadProcessInfo(pid); statErr == nil && info.TracerPID != 0 {
			return fmt.Errorf("%w: pid %d is traced by %d", process.ErrAlreadyTraced, pid, info.TracerPID)
		}
		return fmt.Errorf("%w: pid %d: %v", process.ErrPermissionDenied, pid, err)
	}
	return err
}

// isProcessGone reports whether err means the target no longer exists.
func isProcessGone(err error) bool {
	return errors.Is(err, unix.ESRCH)
}
