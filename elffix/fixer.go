// Package elffix rebuilds a loadable ELF file from a shared object copied out of
// process memory. Program headers survive in memory, section headers do not; the
// fixer lays the image out at offset = vaddr - load bias and synthesizes a section
// table from the dynamic segment.
package elffix

import (
	"debug/elf"
	"errors"
	"fmt"

	"androdump/process_blob"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

type Options struct {
	// PageSize is the page granularity the loader mapped the image with.
	PageSize uint64
	// MinGapSize is the smallest uncovered range that still gets a filler section.
	MinGapSize uint64
}

func DefaultOptions() Options {
	return Options{
		PageSize:   4096,
		MinGapSize: 16,
	}
}

// SectionInfo describes one synthesized section header.
type SectionInfo struct {
	Name   string
	Type   elf.SectionType
	Addr   uint64
	Offset uint64
	Size   uint64
}

// Result is a reconstructed ELF file.
type Result struct {
	Data []byte
	// Partial is set when part of the image could not be read or lies past the dump.
	Partial  bool
	Warnings []string

	Class       elf.Class
	Machine     elf.Machine
	Type        elf.Type
	LoadBias    uint64
	RuntimeBias uint64
	// Symbols is the dynamic symbol count, including the null symbol.
	Symbols int
	// Rebased counts dynamic entries turned back from runtime to link-time addresses.
	Rebased  int
	Sections []SectionInfo
}

// Section returns the first synthesized section with the given name.
func (r *Result) Section(name string) (SectionInfo, bool) {
	for _, s := range r.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return SectionInfo{}, false
}

type fixer struct {
	opts   Options
	hdr    *header
	segs   []segment
	layout *layout

	content []byte
	avail   uint64 // bytes of content that came from the dump
	nsyms   uint64

	partial  bool
	warnings []string
	log      *logger.Logger
}

func (f *fixer) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	f.warnings = append(f.warnings, msg)
	f.log.Debugln(msg)
}

func (f *fixer) truncated(format string, args ...any) {
	f.partial = true
	f.warn("%v: %s", ErrTruncatedImage, fmt.Sprintf(format, args...))
}

var log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "elffix"))

// Fix rebuilds blob, whose first byte is the module's lowest mapped address.
//
// ErrInvalidElfMagic and ErrMissingDynamicSegment are returned without a result.
// An image shorter than its segments claim still produces a result with Partial
// set, and the warnings name what was cut off.
func Fix(blob *process_blob.ProcessBlob, opts Options) (*Result, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultOptions().PageSize
	}
	data := blob.Data()

	hdr, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	segs, err := hdr.parseSegments(data)
	if err != nil {
		return nil, err
	}

	var dyn *segment
	for i := range segs {
		if segs[i].Type == elf.PT_DYNAMIC {
			dyn = &segs[i]
			break
		}
	}
	if dyn == nil {
		return nil, ErrMissingDynamicSegment
	}

	f := &fixer{
		opts: opts,
		hdr:  hdr,
		segs: segs,
		log:  log,
	}

	var usable []segment
	for _, s := range segs {
		if s.Type == elf.PT_LOAD && s.wraps() {
			f.truncated("PT_LOAD at 0x%x with filesz 0x%x memsz 0x%x wraps the address space, ignored", s.Vaddr, s.Filesz, s.Memsz)
			continue
		}
		usable = append(usable, s)
	}

	l, err := newLayout(usable, uint64(blob.Base()), opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingDynamicSegment, err)
	}
	if !l.inImage(dyn.Vaddr) {
		return nil, fmt.Errorf("%w: PT_DYNAMIC at 0x%x lies outside the loaded segments 0x%x-0x%x",
			ErrMissingDynamicSegment, dyn.Vaddr, l.loadBias, l.maxVaddr)
	}
	f.layout = l

	// memsz past the dump is never backed by bytes; it ends up as .bss or a truncation warning
	size := uint64(0)
	if l.skew < uint64(len(data)) {
		size = min(l.contentSize(), uint64(len(data))-l.skew)
	}
	f.content = make([]byte, size)
	f.avail = uint64(copy(f.content, data[min(l.skew, uint64(len(data))):]))
	if l.skew != 0 {
		// the headers sit at the page start, ahead of the lowest segment; they
		// still have to open the output file
		n := min(hdr.end(), uint64(len(data)), uint64(len(f.content)))
		copy(f.content, data[:n])
		f.warn("lowest PT_LOAD at 0x%x is not page aligned, headers overlay its first 0x%x bytes", l.loadBias, n)
	}
	if f.avail < l.fileImageSize() {
		f.truncated("segments need 0x%x bytes, dump has 0x%x", l.fileImageSize(), f.avail)
	}

	info := f.readDynamic(*dyn)
	tabs := f.placeTables(f.tableSections(info, *dyn))
	secs := append(tabs, f.gapSections(tabs)...)
	orderSections(secs)

	for _, s := range secs {
		if s.Type == elf.SHT_NOBITS {
			continue
		}
		for _, hole := range blob.Unreadable() {
			start := l.blobVaddr(uint64(hole.Start - blob.Base()))
			end := l.blobVaddr(uint64(hole.End - blob.Base()))
			if start < s.end() && end > s.Addr {
				f.warn("%s overlaps unreadable memory 0x%x-0x%x", s.Name, uint64(hole.Start), uint64(hole.End))
				break
			}
		}
	}

	out, infos := f.write(secs)

	res := &Result{
		Data:        out,
		Partial:     f.partial || blob.IsPartial(),
		Warnings:    f.warnings,
		Class:       hdr.Class,
		Machine:     hdr.Machine,
		Type:        hdr.Type,
		LoadBias:    l.loadBias,
		RuntimeBias: l.runtimeBias,
		Symbols:     int(f.nsyms),
		Rebased:     info.rebased,
		Sections:    infos,
	}
	if res.Partial {
		f.log.Warn("rebuilt image is partial: ", len(f.warnings), " warnings")
	}
	return res, nil
}

// IsStructural reports whether err means no ELF could be rebuilt at all.
func IsStructural(err error) bool {
	return errors.Is(err, ErrInvalidElfMagic) || errors.Is(err, ErrMissingDynamicSegment) ||
		errors.Is(err, ErrTruncatedImage)
}
