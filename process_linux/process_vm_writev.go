//go:build linux

package process_linux

import (
	"fmt"

	"androdump/process"
	"androdump/process/memory_map"

	"golang.org/x/sys/unix"
)

// process_vm_writev uses the process_vm_writev syscall to write memory to another process
func process_vm_writev(pid process.ProcessID, localBuf []byte, remoteAddr process.ProcessMemoryAddress) (int, error) {
	if len(localBuf) == 0 {
		return 0, nil
	}

	localIov := []unix.Iovec{{Base: &localBuf[0]}}
	localIov[0].SetLen(len(localBuf))

	remoteIov := []unix.RemoteIovec{{
		Base: uintptr(remoteAddr),
		Len:  len(localBuf),
	}}

	n, err := unix.ProcessVMWritev(int(pid), localIov, remoteIov, 0)
	if err != nil {
		return 0, fmt.Errorf("process_vm_writev failed: %w", err)
	}
	return n, nil
}

// WriteMemory writes data to the process memory at the specified address.
// The whole range must sit in writable mappings.
func (p *LinuxProcess) WriteMemory(addr process.ProcessMemoryAddress, data []byte) error {
	s, err := p.session()
	if err != nil {
		return err
	}

	mm, err := ReadMemoryMap(s.pid)
	if err != nil {
		return err
	}

	// Check permissions for writing (must be writeable)
	for cur := uint64(addr); cur < uint64(addr)+uint64(len(data)); {
		region := memory_map.IsValidAddress2(cur, mm)
		if region == nil {
			return fmt.Errorf("%w: 0x%x", process.ErrAddressNotMapped, cur)
		}
		if !region.IsWritable() {
			return fmt.Errorf("memory region at 0x%x is not writable", region.Address)
		}
		cur = region.End()
	}

	// Create a copy of the data to avoid potential modification during the write
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	var written int
	err = s.tracer.do(func() error {
		var err error
		written, err = process_vm_writev(s.pid, dataCopy, addr)
		return err
	})
	if err != nil {
		return classifyError(s.pid, fmt.Errorf("failed to write process memory: %w", err))
	}

	if written != len(data) {
		return fmt.Errorf("only wrote %d of %d bytes", written, len(data))
	}

	return nil
}
