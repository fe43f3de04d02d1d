package elffix

import (
	"debug/elf"
	"sort"
)

const shtAndroidRelr elf.SectionType = 0x6fffff00

// section is a synthesized section header before indices are assigned.
type section struct {
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Size      uint64
	Link      string // name of the linked section
	Info      uint32
	InfoAddr  uint64 // when set, Info becomes the index of the section holding this address
	Addralign uint64
	Entsize   uint64

	fixed bool // range comes from a program header and wins overlaps
	open  bool // size runs up to the next table
}

func (s section) end() uint64 { return s.Addr + s.Size }

// tableSections derives the dynamic-linking tables from the dynamic entries.
func (f *fixer) tableSections(dyn *dynamicInfo, dynSeg segment) []section {
	word := f.hdr.wordSize()
	var tabs []section

	var nsyms uint64
	if hash, ok := dyn.get(elf.DT_HASH); ok {
		if n, size, ok := f.hashTableSize(hash); ok {
			nsyms = n
			tabs = append(tabs, section{Name: ".hash", Type: elf.SHT_HASH, Flags: elf.SHF_ALLOC,
				Addr: hash, Size: size, Link: ".dynsym", Addralign: 4, Entsize: 4})
		} else {
			f.truncated("DT_HASH table at 0x%x is not in the image", hash)
		}
	}
	if gnuHash, ok := dyn.get(elf.DT_GNU_HASH); ok {
		if n, size, ok := f.gnuHashTableSize(gnuHash); ok {
			if nsyms == 0 {
				nsyms = n
			}
			tabs = append(tabs, section{Name: ".gnu.hash", Type: elf.SHT_GNU_HASH, Flags: elf.SHF_ALLOC,
				Addr: gnuHash, Size: size, Link: ".dynsym", Addralign: word})
		} else {
			f.truncated("DT_GNU_HASH table at 0x%x is not in the image", gnuHash)
		}
	}
	f.nsyms = nsyms

	if symtab, ok := dyn.get(elf.DT_SYMTAB); ok {
		syment := f.hdr.symSize()
		if v, ok := dyn.get(elf.DT_SYMENT); ok && v != 0 {
			syment = v
		}
		s := section{Name: ".dynsym", Type: elf.SHT_DYNSYM, Flags: elf.SHF_ALLOC,
			Addr: symtab, Size: nsyms * syment, Link: ".dynstr", Info: 1, Addralign: word, Entsize: syment}
		if nsyms == 0 {
			f.warn("no usable hash table, sizing .dynsym up to the next table")
			s.open = true
		}
		tabs = append(tabs, s)
	} else {
		f.warn("DT_SYMTAB missing")
	}

	if strtab, ok := dyn.get(elf.DT_STRTAB); ok {
		size, _ := dyn.get(elf.DT_STRSZ)
		tabs = append(tabs, section{Name: ".dynstr", Type: elf.SHT_STRTAB, Flags: elf.SHF_ALLOC,
			Addr: strtab, Size: size, Addralign: 1})
	} else {
		f.warn("DT_STRTAB missing")
	}

	relEnt := func(tag elf.DynTag, rela bool) uint64 {
		if v, ok := dyn.get(tag); ok && v != 0 {
			return v
		}
		return f.hdr.relSize(rela)
	}
	_, hasRela := dyn.get(elf.DT_RELA)
	_, hasRel := dyn.get(elf.DT_REL)
	if addr, ok := dyn.get(elf.DT_RELA); ok {
		size, _ := dyn.get(elf.DT_RELASZ)
		tabs = append(tabs, section{Name: ".rela.dyn", Type: elf.SHT_RELA, Flags: elf.SHF_ALLOC,
			Addr: addr, Size: size, Link: ".dynsym", Addralign: word, Entsize: relEnt(elf.DT_RELAENT, true)})
	}
	if addr, ok := dyn.get(elf.DT_REL); ok {
		size, _ := dyn.get(elf.DT_RELSZ)
		tabs = append(tabs, section{Name: ".rel.dyn", Type: elf.SHT_REL, Flags: elf.SHF_ALLOC,
			Addr: addr, Size: size, Link: ".dynsym", Addralign: word, Entsize: relEnt(elf.DT_RELENT, false)})
	}
	if addr, ok := dyn.get(dtAndroidRela); ok {
		size, _ := dyn.get(dtAndroidRelaSz)
		name := ".rela.dyn"
		if hasRela {
			name = ".rela.android"
		}
		tabs = append(tabs, section{Name: name, Type: shtAndroidRela, Flags: elf.SHF_ALLOC,
			Addr: addr, Size: size, Link: ".dynsym", Addralign: word, Entsize: 1})
	}
	if addr, ok := dyn.get(dtAndroidRel); ok {
		size, _ := dyn.get(dtAndroidRelSz)
		name := ".rel.dyn"
		if hasRel {
			name = ".rel.android"
		}
		tabs = append(tabs, section{Name: name, Type: shtAndroidRel, Flags: elf.SHF_ALLOC,
			Addr: addr, Size: size, Link: ".dynsym", Addralign: word, Entsize: 1})
	}
	if addr, ok := dyn.get(elf.DT_JMPREL); ok {
		size, _ := dyn.get(elf.DT_PLTRELSZ)
		rela := f.hdr.Class == elf.ELFCLASS64
		if kind, ok := dyn.get(elf.DT_PLTREL); ok {
			rela = elf.DynTag(kind) == elf.DT_RELA
		}
		s := section{Name: ".rel.plt", Type: elf.SHT_REL, Flags: elf.SHF_ALLOC | elf.SHF_INFO_LINK,
			Addr: addr, Size: size, Link: ".dynsym", Addralign: word, Entsize: f.hdr.relSize(rela)}
		if rela {
			s.Name, s.Type = ".rela.plt", elf.SHT_RELA
		}
		if got, ok := dyn.get(elf.DT_PLTGOT); ok {
			s.InfoAddr = got
		}
		tabs = append(tabs, s)
	}
	if addr, ok := dyn.get(dtRelr); ok {
		size, _ := dyn.get(dtRelrSz)
		ent := word
		if v, ok := dyn.get(dtRelrEnt); ok && v != 0 {
			ent = v
		}
		tabs = append(tabs, section{Name: ".relr.dyn", Type: shtRelr, Flags: elf.SHF_ALLOC,
			Addr: addr, Size: size, Addralign: word, Entsize: ent})
	}
	if addr, ok := dyn.get(dtAndroidRelr); ok {
		size, _ := dyn.get(dtAndroidRelrSz)
		tabs = append(tabs, section{Name: ".relr.android", Type: shtAndroidRelr, Flags: elf.SHF_ALLOC,
			Addr: addr, Size: size, Addralign: word, Entsize: word})
	}

	arrays := []struct {
		name     string
		typ      elf.SectionType
		addr, sz elf.DynTag
	}{
		{".preinit_array", elf.SHT_PREINIT_ARRAY, elf.DT_PREINIT_ARRAY, elf.DT_PREINIT_ARRAYSZ},
		{".init_array", elf.SHT_INIT_ARRAY, elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ},
		{".fini_array", elf.SHT_FINI_ARRAY, elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ},
	}
	for _, a := range arrays {
		addr, ok := dyn.get(a.addr)
		if !ok {
			continue
		}
		size, _ := dyn.get(a.sz)
		tabs = append(tabs, section{Name: a.name, Type: a.typ, Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			Addr: addr, Size: size, Addralign: word, Entsize: word})
	}

	dynSize := dynSeg.Filesz
	if dynSize == 0 {
		dynSize = dynSeg.Memsz
	}
	tabs = append(tabs, section{Name: ".dynamic", Type: elf.SHT_DYNAMIC, Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		Addr: dynSeg.Vaddr, Size: dynSize, Link: ".dynstr", Addralign: word, Entsize: f.hdr.dynEntrySize(), fixed: true})

	return tabs
}

// placeTables keeps every table inside the file image of one PT_LOAD, resolves
// open sizes and overlaps, and clips what runs past the captured bytes.
func (f *fixer) placeTables(tabs []section) []section {
	sort.SliceStable(tabs, func(i, j int) bool { return tabs[i].Addr < tabs[j].Addr })

	var fixed, loose []section
	for i, s := range tabs {
		seg, ok := f.layout.fileSegment(s.Addr)
		if !ok {
			f.warn("%s at 0x%x is outside every loaded file image, dropped", s.Name, s.Addr)
			continue
		}
		limit := seg.fileEnd()
		if s.open {
			next := limit
			for _, n := range tabs[i+1:] {
				if n.Addr > s.Addr {
					next = min(next, n.Addr)
					break
				}
			}
			s.Size = next - s.Addr
			if s.Entsize > 0 {
				s.Size -= s.Size % s.Entsize
			}
			if s.Type == elf.SHT_DYNSYM && s.Entsize > 0 {
				f.nsyms = s.Size / s.Entsize
			}
		}
		if s.Size > limit-s.Addr {
			f.warn("%s at 0x%x runs past its segment, clipped", s.Name, s.Addr)
			s.Size = limit - s.Addr
		}
		if s.Size == 0 {
			continue
		}
		if s.fixed {
			fixed = append(fixed, s)
		} else {
			loose = append(loose, s)
		}
	}

	// ranges taken from program headers win against every table
	var cut []section
	for _, s := range loose {
		kept := true
		for _, fx := range fixed {
			if s.Addr >= fx.end() || s.end() <= fx.Addr {
				continue
			}
			if s.Addr >= fx.Addr {
				if s.end() <= fx.end() {
					f.warn("%s at 0x%x lies inside %s, dropped", s.Name, s.Addr, fx.Name)
					kept = false
					break
				}
				f.warn("%s at 0x%x overlaps %s, start moved to 0x%x", s.Name, s.Addr, fx.Name, fx.end())
				s.Size = s.end() - fx.end()
				s.Addr = fx.end()
				continue
			}
			f.warn("%s at 0x%x overlaps %s, clipped", s.Name, s.Addr, fx.Name)
			s.Size = fx.Addr - s.Addr
		}
		if kept {
			cut = append(cut, s)
		}
	}
	sort.SliceStable(cut, func(i, j int) bool { return cut[i].Addr < cut[j].Addr })

	// every placed table ends before the next one starts, so only the last can overlap
	var placed []section
	for _, s := range cut {
		if n := len(placed); n > 0 && placed[n-1].end() > s.Addr {
			prev := &placed[n-1]
			if s.Addr > prev.Addr {
				f.warn("%s at 0x%x overlaps %s, clipped", prev.Name, prev.Addr, s.Name)
				prev.Size = s.Addr - prev.Addr
			} else {
				f.warn("%s at 0x%x shares its start with %s, dropped", prev.Name, prev.Addr, s.Name)
				placed = placed[:n-1]
			}
		}
		placed = append(placed, s)
	}
	placed = append(placed, fixed...)
	sort.SliceStable(placed, func(i, j int) bool { return placed[i].Addr < placed[j].Addr })

	out := placed[:0]
	for _, s := range placed {
		off := f.layout.offset(s.Addr)
		if off >= f.avail {
			f.truncated("%s at 0x%x lies past the captured image", s.Name, s.Addr)
			continue
		}
		if s.Size > f.avail-off {
			f.truncated("%s at 0x%x extends past the captured image", s.Name, s.Addr)
			s.Size = f.avail - off
		}
		out = append(out, s)
	}
	return out
}

type interval struct{ start, end uint64 }

// gapSections names the file ranges of each PT_LOAD no table claimed:
// .text in executable segments, .data in writable ones, .rodata otherwise.
// Each writable segment whose memory size exceeds its file size also gets a .bss.
func (f *fixer) gapSections(tabs []section) []section {
	word := f.hdr.wordSize()
	covered := []interval{{f.layout.loadBias, f.layout.loadBias + f.hdr.end()}}
	for _, s := range tabs {
		covered = append(covered, interval{s.Addr, s.end()})
	}

	loads := append([]segment(nil), f.layout.loads...)
	sort.Slice(loads, func(i, j int) bool { return loads[i].Vaddr < loads[j].Vaddr })

	capEnd := f.layout.loadBias + f.avail
	var gaps []section
	for _, seg := range loads {
		sort.Slice(covered, func(i, j int) bool { return covered[i].start < covered[j].start })

		lo, hi := seg.Vaddr, min(seg.fileEnd(), capEnd)
		var found []interval
		cursor := lo
		for _, c := range covered {
			if c.end <= cursor || c.start >= hi {
				continue
			}
			if c.start > cursor {
				found = append(found, interval{cursor, c.start})
			}
			cursor = max(cursor, c.end)
		}
		if cursor < hi {
			found = append(found, interval{cursor, hi})
		}

		for _, g := range found {
			if g.end-g.start < f.opts.MinGapSize {
				continue
			}
			s := section{Name: ".rodata", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC,
				Addr: g.start, Size: g.end - g.start, Addralign: word}
			switch {
			case seg.Flags&elf.PF_X != 0:
				s.Name, s.Flags = ".text", elf.SHF_ALLOC|elf.SHF_EXECINSTR
			case seg.Flags&elf.PF_W != 0:
				s.Name, s.Flags = ".data", elf.SHF_ALLOC|elf.SHF_WRITE
			}
			gaps = append(gaps, s)
			covered = append(covered, g)
		}

		if seg.Memsz > seg.Filesz && seg.Flags&elf.PF_W != 0 {
			gaps = append(gaps, section{Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
				Addr: seg.fileEnd(), Size: seg.Memsz - seg.Filesz, Addralign: word})
		}
	}
	return gaps
}

// orderSections sorts by address with NOBITS after PROGBITS at the same address.
func orderSections(secs []section) {
	sort.SliceStable(secs, func(i, j int) bool {
		if secs[i].Addr != secs[j].Addr {
			return secs[i].Addr < secs[j].Addr
		}
		return secs[i].Type != elf.SHT_NOBITS && secs[j].Type == elf.SHT_NOBITS
	})
}
