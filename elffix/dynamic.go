package elffix

import (
	"debug/elf"
)

// Dynamic tags and section types the standard library does not name.
const (
	dtRelrSz        elf.DynTag = 35
	dtRelr          elf.DynTag = 36
	dtRelrEnt       elf.DynTag = 37
	dtAndroidRel    elf.DynTag = 0x6000000f
	dtAndroidRelSz  elf.DynTag = 0x60000010
	dtAndroidRela   elf.DynTag = 0x60000011
	dtAndroidRelaSz elf.DynTag = 0x60000012
	dtAndroidRelr   elf.DynTag = 0x6fffe000
	dtAndroidRelrSz elf.DynTag = 0x6fffe001

	shtRelr        elf.SectionType = 19
	shtAndroidRel  elf.SectionType = 0x60000001
	shtAndroidRela elf.SectionType = 0x60000002
)

// pointerTags hold addresses the loader may have relocated in place.
var pointerTags = map[elf.DynTag]bool{
	elf.DT_PLTGOT:        true,
	elf.DT_HASH:          true,
	elf.DT_STRTAB:        true,
	elf.DT_SYMTAB:        true,
	elf.DT_RELA:          true,
	elf.DT_INIT:          true,
	elf.DT_FINI:          true,
	elf.DT_REL:           true,
	elf.DT_JMPREL:        true,
	elf.DT_INIT_ARRAY:    true,
	elf.DT_FINI_ARRAY:    true,
	elf.DT_PREINIT_ARRAY: true,
	elf.DT_GNU_HASH:      true,
	elf.DT_VERSYM:        true,
	elf.DT_VERDEF:        true,
	elf.DT_VERNEED:       true,
	dtRelr:               true,
	dtAndroidRel:         true,
	dtAndroidRela:        true,
	dtAndroidRelr:        true,
}

type dynEntry struct {
	Tag elf.DynTag
	Val uint64
	off uint64 // output offset of the entry
}

type dynamicInfo struct {
	entries []dynEntry
	values  map[elf.DynTag]uint64
	rebased int
}

func (d *dynamicInfo) get(tag elf.DynTag) (uint64, bool) {
	v, ok := d.values[tag]
	return v, ok
}

func (h *header) dynEntrySize() uint64 {
	return 2 * h.wordSize()
}

func (h *header) readWord(b []byte) uint64 {
	if h.Class == elf.ELFCLASS64 {
		return h.Order.Uint64(b)
	}
	return uint64(h.Order.Uint32(b))
}

func (h *header) putWord(b []byte, v uint64) {
	if h.Class == elf.ELFCLASS64 {
		h.Order.PutUint64(b, v)
		return
	}
	h.Order.PutUint32(b, uint32(v))
}

// readDynamic walks the PT_DYNAMIC entries present in content[:avail]. Pointer values
// the loader relocated are rewritten in content as link-time vaddrs.
func (f *fixer) readDynamic(dyn segment) *dynamicInfo {
	info := &dynamicInfo{values: make(map[elf.DynTag]uint64)}

	size := dyn.Filesz
	if size == 0 {
		size = dyn.Memsz
	}
	start, ok := f.layout.fileOffset(dyn.Vaddr)
	if !ok || start >= f.avail {
		f.truncated("dynamic section at 0x%x lies past the 0x%x bytes present", dyn.Vaddr, f.avail)
		return info
	}
	if size > f.avail-start {
		f.truncated("dynamic section needs 0x%x bytes at 0x%x, only 0x%x present", size, start, f.avail-start)
		size = f.avail - start
	}
	end := start + size

	entsize := f.hdr.dynEntrySize()
	word := f.hdr.wordSize()
	for off := start; off+entsize <= end; off += entsize {
		raw := f.hdr.readWord(f.content[off:])
		tag := elf.DynTag(int64(raw))
		if f.hdr.Class == elf.ELFCLASS32 {
			tag = elf.DynTag(int32(uint32(raw)))
		}
		val := f.hdr.readWord(f.content[off+word:])
		if tag == elf.DT_NULL {
			break
		}

		if pointerTags[tag] {
			vaddr, relocated, ok := f.layout.toVaddr(val)
			if !ok {
				f.warn("%v value 0x%x lies outside the image", tag, val)
				continue
			}
			if relocated {
				f.hdr.putWord(f.content[off+word:], vaddr)
				info.rebased++
			}
			val = vaddr
		}

		info.entries = append(info.entries, dynEntry{Tag: tag, Val: val, off: off})
		if _, seen := info.values[tag]; !seen {
			info.values[tag] = val
		}
	}

	return info
}
