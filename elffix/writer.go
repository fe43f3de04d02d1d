package elffix

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// rebasable segment types get p_offset = p_vaddr - load bias in the output.
var rebasable = map[elf.ProgType]bool{
	elf.PT_LOAD:         true,
	elf.PT_DYNAMIC:      true,
	elf.PT_GNU_RELRO:    true,
	elf.PT_GNU_EH_FRAME: true,
	elf.PT_PHDR:         true,
	elf.PT_NOTE:         true,
	elf.PT_ARM_EXIDX:    true,
}

// write lays out content, .shstrtab, then the section header table, and patches
// the ELF header to point at it. e_type is left as found.
func (f *fixer) write(secs []section) ([]byte, []SectionInfo) {
	out := append([]byte(nil), f.content...)
	f.rebaseSegments(out)

	names := newStrtab()
	nameOff := make([]uint32, len(secs))
	for i, s := range secs {
		nameOff[i] = names.add(s.Name)
	}
	shstrName := names.add(".shstrtab")

	index := make(map[string]uint32, len(secs))
	for i, s := range secs {
		if _, ok := index[s.Name]; !ok {
			index[s.Name] = uint32(i + 1)
		}
	}

	shstrOff := uint64(len(out))
	out = append(out, names.bytes()...)
	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	shoff := uint64(len(out))

	infos := make([]SectionInfo, 0, len(secs))
	w := bytes.NewBuffer(out)
	f.writeSection(w, section{}, 0, 0, 0, 0)
	for i, s := range secs {
		off := f.layout.offset(s.Addr)
		info := s.Info
		if s.InfoAddr != 0 {
			info = containing(secs, s.InfoAddr)
		}
		f.writeSection(w, s, nameOff[i], off, index[s.Link], info)
		infos = append(infos, SectionInfo{Name: s.Name, Type: s.Type, Addr: s.Addr, Offset: off, Size: s.Size})
	}
	shstr := section{Type: elf.SHT_STRTAB, Size: uint64(len(names.bytes())), Addralign: 1}
	f.writeSection(w, shstr, shstrName, shstrOff, 0, 0)
	infos = append(infos, SectionInfo{Name: ".shstrtab", Type: elf.SHT_STRTAB, Offset: shstrOff, Size: shstr.Size})

	out = w.Bytes()
	f.patchHeader(out, shoff, uint16(len(secs)+2), uint16(len(secs)+1))
	return out, infos
}

// containing returns the index of the section holding addr, or 0.
func containing(secs []section, addr uint64) uint32 {
	var found uint32
	for i, s := range secs {
		if addr < s.Addr || addr >= s.end() {
			continue
		}
		if s.Type != elf.SHT_NOBITS {
			return uint32(i + 1)
		}
		if found == 0 {
			found = uint32(i + 1)
		}
	}
	return found
}

func (f *fixer) writeSection(w *bytes.Buffer, s section, name uint32, off uint64, link, info uint32) {
	if f.hdr.Class == elf.ELFCLASS64 {
		binary.Write(w, f.hdr.Order, elf.Section64{
			Name: name, Type: uint32(s.Type), Flags: uint64(s.Flags),
			Addr: s.Addr, Off: off, Size: s.Size,
			Link: link, Info: info, Addralign: s.Addralign, Entsize: s.Entsize,
		})
		return
	}
	binary.Write(w, f.hdr.Order, elf.Section32{
		Name: name, Type: uint32(s.Type), Flags: uint32(s.Flags),
		Addr: uint32(s.Addr), Off: uint32(off), Size: uint32(s.Size),
		Link: link, Info: info, Addralign: uint32(s.Addralign), Entsize: uint32(s.Entsize),
	})
}

func (f *fixer) patchHeader(out []byte, shoff uint64, shnum, shstrndx uint16) {
	var buf bytes.Buffer
	if f.hdr.Class == elf.ELFCLASS64 {
		h := f.hdr.raw64
		h.Shoff = shoff
		h.Shentsize = uint16(binary.Size(elf.Section64{}))
		h.Shnum = shnum
		h.Shstrndx = shstrndx
		binary.Write(&buf, f.hdr.Order, h)
	} else {
		h := f.hdr.raw32
		h.Shoff = uint32(shoff)
		h.Shentsize = uint16(binary.Size(elf.Section32{}))
		h.Shnum = shnum
		h.Shstrndx = shstrndx
		binary.Write(&buf, f.hdr.Order, h)
	}
	copy(out, buf.Bytes())
}

// rebaseSegments rewrites p_offset in the output's program headers so each
// segment's file offset matches where its bytes now live.
func (f *fixer) rebaseSegments(out []byte) {
	for i, s := range f.segs {
		if !rebasable[s.Type] || s.Vaddr < f.layout.loadBias {
			continue
		}
		at := f.hdr.Phoff + uint64(i)*uint64(f.hdr.Phentsize)
		off := s.Vaddr - f.layout.loadBias
		if f.hdr.Class == elf.ELFCLASS64 {
			if at+16 <= uint64(len(out)) {
				f.hdr.Order.PutUint64(out[at+8:], off)
			}
			continue
		}
		if at+8 <= uint64(len(out)) {
			f.hdr.Order.PutUint32(out[at+4:], uint32(off))
		}
	}
}
