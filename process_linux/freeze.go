//go:build linux

package process_linux

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"androdump/process"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// FreezeMethod selects how the target is stopped while it is read.
type FreezeMethod string

const (
	// FreezePtrace seizes and interrupts every thread of the target.
	FreezePtrace FreezeMethod = "ptrace"

	// FreezeSignal stops the whole thread group with SIGSTOP and resumes it with SIGCONT.
	FreezeSignal FreezeMethod = "signal"
)

func ParseFreezeMethod(s string) (FreezeMethod, error) {
	switch FreezeMethod(s) {
	case FreezePtrace, FreezeSignal:
		return FreezeMethod(s), nil
	case "":
		return FreezePtrace, nil
	}
	return "", fmt.Errorf("unknown freeze method %q (want ptrace or signal)", s)
}

const stopTimeout = 2 * time.Second

// listThreads enumerates /proc/<pid>/task.
func listThreads(pid process.ProcessID) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}

	var tids []int
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// freezeThread seizes tid without a signal, interrupts it and waits for the stop.
func freezeThread(tid int) error {
	if err := unix.PtraceSeize(tid); err != nil {
		return fmt.Errorf("seize thread %d: %w", tid, err)
	}

	if err := unix.PtraceInterrupt(tid); err != nil {
		unix.PtraceDetach(tid)
		return fmt.Errorf("interrupt thread %d: %w", tid, err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, unix.WALL, nil); err != nil {
		unix.PtraceDetach(tid)
		return fmt.Errorf("wait thread %d: %w", tid, err)
	}
	return nil
}

func unfreezeThread(tid int) error {
	if err := unix.PtraceDetach(tid); err != nil {
		// the thread already exited
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("detach thread %d: %w", tid, err)
	}
	return nil
}

// freezeAllThreads stops every thread of pid, rescanning the task list until no new
// thread shows up. On failure the threads frozen so far are released.
func freezeAllThreads(pid process.ProcessID) ([]int, error) {
	frozen := make(map[int]bool)
	release := func() {
		for tid := range frozen {
			unfreezeThread(tid)
		}
	}

	for {
		tids, err := listThreads(pid)
		if err != nil {
			release()
			return nil, err
		}

		newCount := 0
		for _, tid := range tids {
			if frozen[tid] {
				continue
			}
			if err := freezeThread(tid); err != nil {
				// a thread that exited between the listing and the seize is not fatal
				if errors.Is(err, unix.ESRCH) && tid != int(pid) {
					continue
				}
				release()
				return nil, err
			}
			frozen[tid] = true
			newCount++
		}

		if newCount == 0 {
			out := make([]int, 0, len(frozen))
			for tid := range frozen {
				out = append(out, tid)
			}
			sort.Ints(out)
			return out, nil
		}
	}
}

func unfreezeAllThreads(tids []int) error {
	var result error
	for _, tid := range tids {
		if err := unfreezeThread(tid); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// stopGroup sends SIGSTOP and waits until the kernel reports the group stopped.
func stopGroup(pid process.ProcessID) error {
	if err := unix.Kill(int(pid), unix.SIGSTOP); err != nil {
		return fmt.Errorf("SIGSTOP %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		info, err := ReadProcessInfo(pid)
		if err != nil {
			return err
		}
		if info.State.IsHalted() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("pid %d did not stop within %v", pid, stopTimeout)
}

func continueGroup(pid process.ProcessID) error {
	if err := unix.Kill(int(pid), unix.SIGCONT); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("SIGCONT %d: %w", pid, err)
	}
	return nil
}
