package process_blob

import (
	"encoding/binary"
	"fmt"

	"androdump/process"
)

// ProcessBlob is a contiguous copy of target memory starting at a base address.
// Bytes inside the unreadable ranges were never copied and are zero.
type ProcessBlob struct {
	baseaddress process.ProcessMemoryAddress
	data        []byte
	unreadable  []process.Range
}

var _ process.ProcessOffset = (*ProcessBlob)(nil)

func NewProcessBlob(baseAddress process.ProcessMemoryAddress, data []byte) *ProcessBlob {
	return &ProcessBlob{
		baseaddress: baseAddress,
		data:        data,
	}
}

// NewPartialBlob wraps data that has zero-filled holes at the given ranges.
func NewPartialBlob(baseAddress process.ProcessMemoryAddress, data []byte, unreadable []process.Range) *ProcessBlob {
	return &ProcessBlob{
		baseaddress: baseAddress,
		data:        data,
		unreadable:  process.MergeRanges(unreadable),
	}
}

func (p *ProcessBlob) Data() []byte {
	return p.data
}

func (p *ProcessBlob) Base() process.ProcessMemoryAddress {
	return p.baseaddress
}

func (p *ProcessBlob) Len() int {
	return len(p.data)
}

// End returns the first address past the blob.
func (p *ProcessBlob) End() process.ProcessMemoryAddress {
	return p.baseaddress + process.ProcessMemoryAddress(len(p.data))
}

// Unreadable returns the zero-filled ranges, sorted and merged.
func (p *ProcessBlob) Unreadable() []process.Range {
	return p.unreadable
}

// IsPartial reports whether any byte of the blob could not be read.
func (p *ProcessBlob) IsPartial() bool {
	return len(p.unreadable) > 0
}

// Slice returns a sub-blob of size bytes at offset, carrying over the holes it overlaps.
func (p *ProcessBlob) Slice(offset, size int) (*ProcessBlob, error) {
	if offset < 0 || size < 0 || offset+size > len(p.data) {
		return nil, fmt.Errorf("slice [%d:%d] out of bounds of %d byte blob", offset, offset+size, len(p.data))
	}

	start := p.baseaddress + process.ProcessMemoryAddress(offset)
	end := start + process.ProcessMemoryAddress(size)

	var holes []process.Range
	for _, r := range p.unreadable {
		if r.End <= start || r.Start >= end {
			continue
		}
		holes = append(holes, process.Range{Start: max(r.Start, start), End: min(r.End, end)})
	}
	return NewPartialBlob(start, p.data[offset:offset+size], holes), nil
}

func (p *ProcessBlob) ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	if addr < p.baseaddress || addr > p.End() || uint64(size) > uint64(p.End()-addr) {
		return nil, fmt.Errorf("%w: 0x%x+%d outside blob 0x%x-0x%x",
			process.ErrAddressNotMapped, uint64(addr), size, uint64(p.baseaddress), uint64(p.End()))
	}
	offset := addr - p.baseaddress
	return p.data[offset : uint64(offset)+uint64(size)], nil
}

// ReadUINT32 reads an unsigned 32-bit integer from the specified address
func (p *ProcessBlob) ReadUINT32(addr process.ProcessMemoryAddress) (uint32, error) {
	data, err := p.ReadMemory(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// ReadUINT64 reads an unsigned 64-bit integer from the specified address
func (p *ProcessBlob) ReadUINT64(addr process.ProcessMemoryAddress) (uint64, error) {
	data, err := p.ReadMemory(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// OffsetUINT32 returns an unsigned 32-bit integer at offset
func (p *ProcessBlob) OffsetUINT32(offset process.ProcessMemoryAddress) (uint32, error) {
	return p.ReadUINT32(p.baseaddress + offset)
}

// OffsetUINT64 returns an unsigned 64-bit integer at offset
func (p *ProcessBlob) OffsetUINT64(offset process.ProcessMemoryAddress) (uint64, error) {
	return p.ReadUINT64(p.baseaddress + offset)
}
