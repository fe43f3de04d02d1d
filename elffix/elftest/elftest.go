// Package elftest builds small, fully specified shared objects as they appear
// once loaded: no section headers, the file image laid out at vaddr - base.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

type Spec struct {
	Class elf.Class
	// Base is the link-time vaddr of the first PT_LOAD.
	Base uint64
	// RelocBy is added to every pointer in .dynamic, as the loader does.
	RelocBy uint64
	// GnuHash emits DT_GNU_HASH instead of DT_HASH.
	GnuHash bool
}

// Layout, as offsets from Base:
//
//	0x0000 R   headers, hash 0x200, dynsym 0x300, dynstr 0x400, relocs 0x500
//	0x1000 RX  code
//	0x2000 RW  dynamic, data to 0x2200, bss to 0x2400
const (
	HashOff   = 0x200
	DynsymOff = 0x300
	DynstrOff = 0x400
	RelocOff  = 0x500
	TextOff   = 0x1000
	TextSize  = 0x100
	DynOff    = 0x2000
	DataEnd   = 0x2200
	BssSize   = 0x200

	Dynstr = "\x00foo\x00bar\x00baz\x00"
)

// Symbols are the dynamic symbol names, without the null symbol.
var Symbols = []string{"foo", "bar", "baz"}

// DynEntries is the number of entries in .dynamic, DT_NULL included.
const DynEntries = 9

func WordSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

func SymSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS64 {
		return 24
	}
	return 16
}

func RelSize(class elf.Class) uint64 {
	if class == elf.ELFCLASS64 {
		return 24
	}
	return 8
}

// Build returns the loaded image: DataEnd bytes starting at Base.
func Build(spec Spec) []byte {
	is64 := spec.Class == elf.ELFCLASS64
	le := binary.LittleEndian
	img := make([]byte, DataEnd)
	put := func(off int, v any) {
		var b bytes.Buffer
		binary.Write(&b, le, v)
		copy(img[off:], b.Bytes())
	}

	word, symSize, relSize := WordSize(spec.Class), SymSize(spec.Class), RelSize(spec.Class)
	dynSize := DynEntries * 2 * word

	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(spec.Class), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	if is64 {
		put(0, elf.Header64{Ident: ident, Type: uint16(elf.ET_DYN), Machine: uint16(elf.EM_AARCH64),
			Version: 1, Phoff: 0x40, Ehsize: 64, Phentsize: 56, Phnum: 5, Shentsize: 64})
	} else {
		put(0, elf.Header32{Ident: ident, Type: uint16(elf.ET_DYN), Machine: uint16(elf.EM_ARM),
			Version: 1, Phoff: 0x34, Ehsize: 52, Phentsize: 32, Phnum: 5, Shentsize: 40})
	}

	segs := []struct {
		typ                       elf.ProgType
		flags                     elf.ProgFlag
		off, filesz, memsz, align uint64
	}{
		{elf.PT_LOAD, elf.PF_R, 0, 0x600, 0x600, 0x1000},
		{elf.PT_LOAD, elf.PF_R | elf.PF_X, TextOff, TextSize, TextSize, 0x1000},
		{elf.PT_LOAD, elf.PF_R | elf.PF_W, DynOff, DataEnd - DynOff, DataEnd - DynOff + BssSize, 0x1000},
		{elf.PT_DYNAMIC, elf.PF_R | elf.PF_W, DynOff, dynSize, dynSize, word},
		{elf.PT_GNU_STACK, elf.PF_R | elf.PF_W, 0, 0, 0, 16},
	}
	for i, s := range segs {
		vaddr := spec.Base + s.off
		if s.typ == elf.PT_GNU_STACK {
			vaddr = 0
		}
		if is64 {
			put(0x40+i*56, elf.Prog64{Type: uint32(s.typ), Flags: uint32(s.flags), Off: s.off,
				Vaddr: vaddr, Paddr: vaddr, Filesz: s.filesz, Memsz: s.memsz, Align: s.align})
		} else {
			put(0x34+i*32, elf.Prog32{Type: uint32(s.typ), Flags: uint32(s.flags), Off: uint32(s.off),
				Vaddr: uint32(vaddr), Paddr: uint32(vaddr), Filesz: uint32(s.filesz), Memsz: uint32(s.memsz), Align: uint32(s.align)})
		}
	}

	hashTag := elf.DT_HASH
	if spec.GnuHash {
		hashTag = elf.DT_GNU_HASH
		put(HashOff, []uint32{1, 1, 1, 6})
		put(HashOff+0x10+int(word), []uint32{1, 0x10, 0x20, 0x31})
	} else {
		put(HashOff, []uint32{1, 4, 1, 0, 2, 3, 0})
	}

	for i, n := range []uint32{0, 1, 5, 9} {
		if n == 0 {
			continue
		}
		value := spec.Base + TextOff + uint64(i)*0x10
		info := elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)
		if is64 {
			put(DynsymOff+i*24, elf.Sym64{Name: n, Info: info, Shndx: 1, Value: value, Size: 0x10})
		} else {
			put(DynsymOff+i*16, elf.Sym32{Name: n, Info: info, Shndx: 1, Value: uint32(value), Size: 0x10})
		}
	}
	copy(img[DynstrOff:], Dynstr)

	relTag, relSzTag, relEntTag := elf.DT_REL, elf.DT_RELSZ, elf.DT_RELENT
	if is64 {
		relTag, relSzTag, relEntTag = elf.DT_RELA, elf.DT_RELASZ, elf.DT_RELAENT
	}
	for i := 0; i < 2; i++ {
		target := spec.Base + 0x2100 + uint64(i)*word
		if is64 {
			put(RelocOff+i*24, elf.Rela64{Off: target, Info: uint64(elf.R_AARCH64_RELATIVE), Addend: int64(spec.Base + TextOff)})
		} else {
			put(RelocOff+i*8, elf.Rel32{Off: uint32(target), Info: uint32(elf.R_ARM_RELATIVE)})
		}
	}

	for i := TextOff; i < TextOff+TextSize; i++ {
		img[i] = 0xd5
	}

	ptr := func(off uint64) uint64 { return spec.Base + off + spec.RelocBy }
	dyn := []struct {
		tag elf.DynTag
		val uint64
	}{
		{hashTag, ptr(HashOff)},
		{elf.DT_SYMTAB, ptr(DynsymOff)},
		{elf.DT_STRTAB, ptr(DynstrOff)},
		{elf.DT_STRSZ, uint64(len(Dynstr))},
		{elf.DT_SYMENT, symSize},
		{relTag, ptr(RelocOff)},
		{relSzTag, 2 * relSize},
		{relEntTag, relSize},
		{elf.DT_NULL, 0},
	}
	for i, d := range dyn {
		if is64 {
			put(DynOff+i*16, elf.Dyn64{Tag: int64(d.tag), Val: d.val})
		} else {
			put(DynOff+i*8, elf.Dyn32{Tag: int32(d.tag), Val: uint32(d.val)})
		}
	}

	copy(img[0x2100:], "data")
	return img
}

// Reference returns the on-disk file Build's image was loaded from: unrelocated
// pointers, followed by .shstrtab and a full section header table. It is what a
// rebuilt dump should come back to.
func Reference(spec Spec) []byte {
	spec.RelocBy = 0
	img := Build(spec)
	is64 := spec.Class == elf.ELFCLASS64
	le := binary.LittleEndian
	word, symSize, relSize := WordSize(spec.Class), SymSize(spec.Class), RelSize(spec.Class)
	dynSize := uint64(DynEntries) * 2 * word

	type shdr struct {
		name           string
		typ            elf.SectionType
		flags          elf.SectionFlag
		off, size      uint64
		link           string
		info           uint32
		align, entsize uint64
	}
	hash := shdr{".hash", elf.SHT_HASH, elf.SHF_ALLOC, HashOff, 7 * 4, ".dynsym", 0, 4, 4}
	if spec.GnuHash {
		hash = shdr{".gnu.hash", elf.SHT_GNU_HASH, elf.SHF_ALLOC, HashOff, 16 + word + 4 + 3*4, ".dynsym", 0, word, 0}
	}
	rel := shdr{".rel.dyn", elf.SHT_REL, elf.SHF_ALLOC, RelocOff, 2 * relSize, ".dynsym", 0, word, relSize}
	if is64 {
		rel.name, rel.typ = ".rela.dyn", elf.SHT_RELA
	}
	secs := []shdr{
		{},
		hash,
		{".dynsym", elf.SHT_DYNSYM, elf.SHF_ALLOC, DynsymOff, 4 * symSize, ".dynstr", 1, word, symSize},
		{".dynstr", elf.SHT_STRTAB, elf.SHF_ALLOC, DynstrOff, uint64(len(Dynstr)), "", 0, 1, 0},
		rel,
		{".text", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_EXECINSTR, TextOff, TextSize, "", 0, word, 0},
		{".dynamic", elf.SHT_DYNAMIC, elf.SHF_ALLOC | elf.SHF_WRITE, DynOff, dynSize, ".dynstr", 0, word, 2 * word},
		{".data", elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_WRITE, DynOff + dynSize, DataEnd - DynOff - dynSize, "", 0, word, 0},
		{".bss", elf.SHT_NOBITS, elf.SHF_ALLOC | elf.SHF_WRITE, DataEnd, BssSize, "", 0, word, 0},
		{".shstrtab", elf.SHT_STRTAB, 0, 0, 0, "", 0, 1, 0},
	}

	index := map[string]uint32{}
	names := []byte{0}
	nameOff := make([]uint32, len(secs))
	for i, s := range secs {
		if s.name == "" {
			continue
		}
		index[s.name] = uint32(i)
		nameOff[i] = uint32(len(names))
		names = append(names, s.name+"\x00"...)
	}
	shstr := &secs[len(secs)-1]
	shstr.off, shstr.size = uint64(len(img)), uint64(len(names))

	out := bytes.NewBuffer(append(img, names...))
	for out.Len()%8 != 0 {
		out.WriteByte(0)
	}
	shoff := uint64(out.Len())
	for i, s := range secs {
		addr := uint64(0)
		if s.flags&elf.SHF_ALLOC != 0 {
			addr = spec.Base + s.off
		}
		if is64 {
			binary.Write(out, le, elf.Section64{Name: nameOff[i], Type: uint32(s.typ), Flags: uint64(s.flags),
				Addr: addr, Off: s.off, Size: s.size, Link: index[s.link], Info: s.info,
				Addralign: s.align, Entsize: s.entsize})
		} else {
			binary.Write(out, le, elf.Section32{Name: nameOff[i], Type: uint32(s.typ), Flags: uint32(s.flags),
				Addr: uint32(addr), Off: uint32(s.off), Size: uint32(s.size), Link: index[s.link], Info: s.info,
				Addralign: uint32(s.align), Entsize: uint32(s.entsize)})
		}
	}

	file := out.Bytes()
	shnum, shstrndx := uint16(len(secs)), uint16(len(secs)-1)
	if is64 {
		le.PutUint64(file[0x28:], shoff)
		le.PutUint16(file[0x3c:], shnum)
		le.PutUint16(file[0x3e:], shstrndx)
	} else {
		le.PutUint32(file[0x20:], uint32(shoff))
		le.PutUint16(file[0x30:], shnum)
		le.PutUint16(file[0x32:], shstrndx)
	}
	return file
}
