package elffix

import (
	"debug/elf"
	"encoding/binary"
)

// hashTableSize reads a DT_HASH table: nbucket, nchain, buckets, chains.
// nchain equals the number of dynamic symbols.
func (f *fixer) hashTableSize(vaddr uint64) (nsyms, size uint64, ok bool) {
	off, ok := f.layout.fileOffset(vaddr)
	if !ok || off > f.avail || f.avail-off < 8 {
		return 0, 0, false
	}
	nbucket := uint64(f.hdr.Order.Uint32(f.content[off:]))
	nchain := uint64(f.hdr.Order.Uint32(f.content[off+4:]))
	return nchain, (2 + nbucket + nchain) * 4, true
}

// gnuHashTableSize walks a DT_GNU_HASH table to find the symbol count: the highest
// bucket start followed along its chain to the terminating entry.
func (f *fixer) gnuHashTableSize(vaddr uint64) (nsyms, size uint64, ok bool) {
	off, ok := f.layout.fileOffset(vaddr)
	if !ok || off > f.avail || f.avail-off < 16 {
		return 0, 0, false
	}
	order := f.hdr.Order
	nbuckets := uint64(order.Uint32(f.content[off:]))
	symoffset := uint64(order.Uint32(f.content[off+4:]))
	bloomSize := uint64(order.Uint32(f.content[off+8:]))

	buckets := off + 16 + bloomSize*f.hdr.wordSize()
	chains := buckets + nbuckets*4
	if chains > f.avail {
		return 0, 0, false
	}

	var maxSym uint64
	for i := uint64(0); i < nbuckets; i++ {
		maxSym = max(maxSym, uint64(order.Uint32(f.content[buckets+i*4:])))
	}

	nsyms = symoffset
	if maxSym >= symoffset {
		idx := maxSym
		for {
			pos := chains + (idx-symoffset)*4
			if pos+4 > f.avail {
				return 0, 0, false
			}
			if order.Uint32(f.content[pos:])&1 != 0 {
				break
			}
			idx++
		}
		nsyms = idx + 1
	}

	return nsyms, chains - off + (nsyms-symoffset)*4, true
}

func (h *header) symSize() uint64 {
	if h.Class == elf.ELFCLASS64 {
		return uint64(binary.Size(elf.Sym64{}))
	}
	return uint64(binary.Size(elf.Sym32{}))
}

func (h *header) relSize(rela bool) uint64 {
	switch {
	case h.Class == elf.ELFCLASS64 && rela:
		return uint64(binary.Size(elf.Rela64{}))
	case h.Class == elf.ELFCLASS64:
		return uint64(binary.Size(elf.Rel64{}))
	case rela:
		return uint64(binary.Size(elf.Rela32{}))
	}
	return uint64(binary.Size(elf.Rel32{}))
}
