//go:build linux

package process_linux

import (
	"fmt"
	"os"

	"androdump/process"

	"golang.org/x/sys/unix"
)

// ReadMethod selects the kernel interface used to copy target memory.
type ReadMethod string

const (
	// ReadVM copies with process_vm_readv.
	ReadVM ReadMethod = "vm_readv"

	// ReadProcMem preads /proc/<pid>/mem, which also reaches pages mapped without read permission.
	ReadProcMem ReadMethod = "procmem"
)

func ParseReadMethod(s string) (ReadMethod, error) {
	switch ReadMethod(s) {
	case ReadVM, ReadProcMem:
		return ReadMethod(s), nil
	case "":
		return ReadVM, nil
	}
	return "", fmt.Errorf("unknown read method %q (want vm_readv or procmem)", s)
}

var pageSize = uint64(os.Getpagesize())

// process_vm_readv copies len(localBuf) bytes from remoteAddr in one transfer.
// It returns the number of bytes copied before the first fault.
func process_vm_readv(pid process.ProcessID, localBuf []byte, remoteAddr process.ProcessMemoryAddress) (int, error) {
	if len(localBuf) == 0 {
		return 0, nil
	}

	localIov := []unix.Iovec{{Base: &localBuf[0]}}
	localIov[0].SetLen(len(localBuf))

	remoteIov := []unix.RemoteIovec{{
		Base: uintptr(remoteAddr),
		Len:  len(localBuf),
	}}

	n, err := unix.ProcessVMReadv(int(pid), localIov, remoteIov, 0)
	if err != nil {
		return 0, fmt.Errorf("process_vm_readv failed: %w", err)
	}

	if n != len(localBuf) {
		return n, fmt.Errorf("partial read: %d of %d bytes", n, len(localBuf))
	}

	return n, nil
}

// readAt performs one transfer with the configured method. Runs on the tracer thread.
func (s session) readAt(buf []byte, addr process.ProcessMemoryAddress) (int, error) {
	if s.method == ReadProcMem && s.mem != nil {
		n, err := s.mem.ReadAt(buf, int64(addr))
		if err != nil {
			return n, fmt.Errorf("/proc/%d/mem read: %w", s.pid, err)
		}
		return n, nil
	}
	return process_vm_readv(s.pid, buf, addr)
}

// ReadMemoryPartial reads size bytes at addr. The whole range is tried in one transfer;
// when it stops short, the faulting page is recorded as unreadable and every following
// page gets exactly one transfer of its own. Unreadable bytes are left zero.
func (p *LinuxProcess) ReadMemoryPartial(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, []process.Range, error) {
	s, err := p.session()
	if err != nil {
		return nil, nil, err
	}

	buf := make([]byte, size)
	var unreadable []process.Range

	err = s.tracer.do(func() error {
		n, err := s.readAt(buf, addr)
		if n == len(buf) {
			return nil
		}
		if isProcessGone(err) {
			return err
		}

		// the page holding the first faulting byte was already attempted
		off := uint64(n)
		failEnd := min(alignUp(uint64(addr)+off+1, pageSize)-uint64(addr), uint64(len(buf)))
		unreadable = append(unreadable, process.Range{
			Start: addr + process.ProcessMemoryAddress(off),
			End:   addr + process.ProcessMemoryAddress(failEnd),
		})

		for off = failEnd; off < uint64(len(buf)); {
			end := min(alignUp(uint64(addr)+off+1, pageSize)-uint64(addr), uint64(len(buf)))
			m, err := s.readAt(buf[off:end], addr+process.ProcessMemoryAddress(off))
			if isProcessGone(err) {
				return err
			}
			if uint64(m) < end-off {
				clear(buf[off+uint64(m) : end])
				unreadable = append(unreadable, process.Range{
					Start: addr + process.ProcessMemoryAddress(off+uint64(m)),
					End:   addr + process.ProcessMemoryAddress(end),
				})
			}
			off = end
		}
		return nil
	})
	if err != nil {
		return nil, nil, classifyError(s.pid, err)
	}

	return buf, process.MergeRanges(unreadable), nil
}

// ReadMemory reads memory from the process at the specified address. Any unreadable
// byte fails the whole read with an UnreadableRegionError.
func (p *LinuxProcess) ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	data, unreadable, err := p.ReadMemoryPartial(addr, size)
	if err != nil {
		return nil, err
	}
	if len(unreadable) > 0 {
		return nil, &process.UnreadableRegionError{Ranges: unreadable}
	}
	return data, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
