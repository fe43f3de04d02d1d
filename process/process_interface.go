package process

import (
	"androdump/process/memory_map"
)

// Process is the interface that defines operations for interacting with a system process.
// A Process is owned by a single session: Attach and Detach bracket every read.
type Process interface {
	// Attach stops the target and takes the exclusive trace on it
	Attach(pid ProcessID) error

	// Detach releases the trace and resumes the target. Safe to call more than once.
	Detach() error

	// GetPID returns the process ID
	GetPID() ProcessID

	// IsAttached reports whether Attach succeeded and Detach has not run yet
	IsAttached() bool

	// GetMemoryMap reads a fresh copy of the memory map
	GetMemoryMap() ([]memory_map.MemoryMapItem, error)

	// ReadMemory reads size bytes at addr or fails with an UnreadableRegionError
	ReadMemory(addr ProcessMemoryAddress, size ProcessMemorySize) ([]byte, error)

	// ReadMemoryPartial reads size bytes at addr, zero-filling and reporting the ranges
	// that could not be copied. Each page is attempted once.
	ReadMemoryPartial(addr ProcessMemoryAddress, size ProcessMemorySize) ([]byte, []Range, error)

	// WriteMemory writes data to the process memory at the specified address
	WriteMemory(addr ProcessMemoryAddress, data []byte) error
}

// ProcessOffset reads little-endian fields relative to the start of a captured blob.
type ProcessOffset interface {
	// Base returns the address the first byte was read from
	Base() ProcessMemoryAddress

	OffsetUINT32(offset ProcessMemoryAddress) (uint32, error)
	OffsetUINT64(offset ProcessMemoryAddress) (uint64, error)
}
