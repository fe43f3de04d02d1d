package elffix

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"
)

// header is the class-independent view of an ELF file header.
type header struct {
	Class   elf.Class
	Order   binary.ByteOrder
	Type    elf.Type
	Machine elf.Machine

	Phoff     uint64
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16

	raw64 elf.Header64
	raw32 elf.Header32
}

// segment is the class-independent view of a program header.
type segment struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func (s segment) fileEnd() uint64 { return s.Vaddr + s.Filesz }
func (s segment) memEnd() uint64  { return s.Vaddr + s.Memsz }

// wraps reports whether the segment's extent runs past the end of the address space.
func (s segment) wraps() bool {
	return s.Filesz > math.MaxUint64-s.Vaddr || s.Memsz > math.MaxUint64-s.Vaddr
}

func (h *header) wordSize() uint64 {
	if h.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

// end is the first byte past the ELF header and program header table.
func (h *header) end() uint64 {
	return max(uint64(h.Ehsize), h.Phoff+uint64(h.Phnum)*uint64(h.Phentsize))
}

func parseHeader(data []byte) (*header, error) {
	if len(data) < elf.EI_NIDENT || !bytes.Equal(data[:4], []byte(elf.ELFMAG)) {
		return nil, ErrInvalidElfMagic
	}

	h := &header{Class: elf.Class(data[elf.EI_CLASS])}
	switch elf.Data(data[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		h.Order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		h.Order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: unknown data encoding %d", ErrInvalidElfMagic, data[elf.EI_DATA])
	}

	r := bytes.NewReader(data)
	switch h.Class {
	case elf.ELFCLASS64:
		if err := binary.Read(r, h.Order, &h.raw64); err != nil {
			return nil, fmt.Errorf("%w: ELF header: %v", ErrTruncatedImage, err)
		}
		h.Type = elf.Type(h.raw64.Type)
		h.Machine = elf.Machine(h.raw64.Machine)
		h.Phoff = h.raw64.Phoff
		h.Ehsize = h.raw64.Ehsize
		h.Phentsize = h.raw64.Phentsize
		h.Phnum = h.raw64.Phnum
	case elf.ELFCLASS32:
		if err := binary.Read(r, h.Order, &h.raw32); err != nil {
			return nil, fmt.Errorf("%w: ELF header: %v", ErrTruncatedImage, err)
		}
		h.Type = elf.Type(h.raw32.Type)
		h.Machine = elf.Machine(h.raw32.Machine)
		h.Phoff = uint64(h.raw32.Phoff)
		h.Ehsize = h.raw32.Ehsize
		h.Phentsize = h.raw32.Phentsize
		h.Phnum = h.raw32.Phnum
	default:
		return nil, fmt.Errorf("%w: unknown class %d", ErrInvalidElfMagic, data[elf.EI_CLASS])
	}

	return h, nil
}

func (h *header) progSize() uint64 {
	if h.Class == elf.ELFCLASS64 {
		return uint64(binary.Size(elf.Prog64{}))
	}
	return uint64(binary.Size(elf.Prog32{}))
}

// parseSegments reads the program header table. The table must be fully present.
func (h *header) parseSegments(data []byte) ([]segment, error) {
	if h.Phnum == 0 {
		return nil, fmt.Errorf("%w: no program headers", ErrMissingDynamicSegment)
	}
	entsize := uint64(h.Phentsize)
	if entsize < h.progSize() {
		return nil, fmt.Errorf("%w: program header entry size %d", ErrInvalidElfMagic, entsize)
	}
	if table := uint64(h.Phnum) * entsize; h.Phoff > uint64(len(data)) || table > uint64(len(data))-h.Phoff {
		return nil, fmt.Errorf("%w: program headers at 0x%x need 0x%x bytes, image has 0x%x", ErrTruncatedImage, h.Phoff, table, len(data))
	}

	segs := make([]segment, 0, h.Phnum)
	for i := uint64(0); i < uint64(h.Phnum); i++ {
		r := bytes.NewReader(data[h.Phoff+i*entsize:])
		if h.Class == elf.ELFCLASS64 {
			var p elf.Prog64
			if err := binary.Read(r, h.Order, &p); err != nil {
				return nil, fmt.Errorf("%w: program header %d: %v", ErrTruncatedImage, i, err)
			}
			segs = append(segs, segment{
				Type: elf.ProgType(p.Type), Flags: elf.ProgFlag(p.Flags),
				Off: p.Off, Vaddr: p.Vaddr, Paddr: p.Paddr,
				Filesz: p.Filesz, Memsz: p.Memsz, Align: p.Align,
			})
			continue
		}
		var p elf.Prog32
		if err := binary.Read(r, h.Order, &p); err != nil {
			return nil, fmt.Errorf("%w: program header %d: %v", ErrTruncatedImage, i, err)
		}
		segs = append(segs, segment{
			Type: elf.ProgType(p.Type), Flags: elf.ProgFlag(p.Flags),
			Off: uint64(p.Off), Vaddr: uint64(p.Vaddr), Paddr: uint64(p.Paddr),
			Filesz: uint64(p.Filesz), Memsz: uint64(p.Memsz), Align: uint64(p.Align),
		})
	}
	return segs, nil
}
