package elffix

import (
	"debug/elf"
	"fmt"
)

// layout maps link-time virtual addresses onto output file offsets:
// offset = vaddr - loadBias, where loadBias is the lowest PT_LOAD vaddr.
// Segments handed to newLayout must not wrap the address space.
type layout struct {
	loadBias uint64 // lowest PT_LOAD p_vaddr
	skew     uint64 // loadBias minus its page start; the image starts at the page
	maxVaddr uint64 // highest PT_LOAD p_vaddr + p_memsz
	fileEnd  uint64 // highest PT_LOAD p_vaddr + p_filesz

	// runtimeBias is what the loader added to every vaddr; zero when unknown.
	runtimeBias uint64

	loads []segment
}

func newLayout(segs []segment, base uint64, pageSize uint64) (*layout, error) {
	l := &layout{}
	first := true
	for _, s := range segs {
		if s.Type != elf.PT_LOAD {
			continue
		}
		if first || s.Vaddr < l.loadBias {
			l.loadBias = s.Vaddr
		}
		first = false
		l.maxVaddr = max(l.maxVaddr, s.memEnd(), s.fileEnd())
		l.fileEnd = max(l.fileEnd, s.fileEnd())
		l.loads = append(l.loads, s)
	}
	if first {
		return nil, fmt.Errorf("no PT_LOAD segment")
	}

	pageStart := l.loadBias &^ (pageSize - 1)
	l.skew = l.loadBias - pageStart
	if base != 0 && base >= pageStart {
		l.runtimeBias = base - pageStart
	}
	return l, nil
}

func (l *layout) offset(vaddr uint64) uint64 {
	return vaddr - l.loadBias
}

// contentSize is the length of the memory image in the output file.
func (l *layout) contentSize() uint64 {
	return l.maxVaddr - l.loadBias
}

// fileImageSize is the part of the image that must have come from the dump.
func (l *layout) fileImageSize() uint64 {
	return l.fileEnd - l.loadBias
}

// fileOffset is offset for vaddrs inside the image; ok is false for anything else.
func (l *layout) fileOffset(vaddr uint64) (uint64, bool) {
	if !l.inImage(vaddr) {
		return 0, false
	}
	return vaddr - l.loadBias, true
}

func (l *layout) inImage(vaddr uint64) bool {
	return vaddr >= l.loadBias && vaddr < l.maxVaddr
}

// toVaddr turns a d_ptr value into a link-time vaddr. Values the loader already
// relocated are recognized through the runtime bias.
func (l *layout) toVaddr(v uint64) (vaddr uint64, relocated bool, ok bool) {
	if l.inImage(v) {
		return v, false, true
	}
	if l.runtimeBias != 0 && v >= l.runtimeBias && l.inImage(v-l.runtimeBias) {
		return v - l.runtimeBias, true, true
	}
	return 0, false, false
}

// fileSegment returns the PT_LOAD whose file image contains vaddr.
func (l *layout) fileSegment(vaddr uint64) (segment, bool) {
	for _, s := range l.loads {
		if vaddr >= s.Vaddr && vaddr < s.fileEnd() {
			return s, true
		}
	}
	return segment{}, false
}

// blobVaddr maps an offset into the dumped blob, which starts at the page
// holding the load bias, to a link-time vaddr.
func (l *layout) blobVaddr(off uint64) uint64 {
	return l.loadBias - l.skew + off
}
