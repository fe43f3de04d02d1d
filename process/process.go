// Package process provides the types, interfaces and error taxonomy shared by
// every memory access backend.
package process

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProcessNotFound is returned when the target pid does not exist or exited mid-operation.
	ErrProcessNotFound = errors.New("process not found")

	// ErrPermissionDenied is returned when the caller lacks the privilege to trace or read the target.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAlreadyTraced is returned when another tracer is already attached to the target.
	ErrAlreadyTraced = errors.New("process already traced")

	// ErrUnreadableRegion is returned when a read falls on pages the kernel refuses to copy.
	ErrUnreadableRegion = errors.New("unreadable region")

	// ErrNoMatchFound is returned when a module or pattern lookup yields nothing.
	ErrNoMatchFound = errors.New("no match found")

	// ErrAddressNotMapped is returned when a memory address is not found within any mapped region of a process.
	ErrAddressNotMapped = errors.New("address not mapped")

	// ErrNotAttached is returned when an operation requiring an attached process is attempted
	// before Attach succeeded or after Detach.
	ErrNotAttached = errors.New("process not attached")
)

// UnreadableRegionError lists the byte ranges a read could not copy.
type UnreadableRegionError struct {
	Ranges []Range
}

func (e *UnreadableRegionError) Error() string {
	parts := make([]string, 0, len(e.Ranges))
	for _, r := range e.Ranges {
		parts = append(parts, r.String())
	}
	return fmt.Sprintf("%s: %s", ErrUnreadableRegion, strings.Join(parts, ", "))
}

func (e *UnreadableRegionError) Is(target error) bool {
	return target == ErrUnreadableRegion
}
