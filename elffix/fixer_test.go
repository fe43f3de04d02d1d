package elffix

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"sort"
	"strings"
	"testing"

	"androdump/elffix/elftest"
	"androdump/process"
	"androdump/process_blob"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildImage(t *testing.T, spec elftest.Spec) []byte {
	t.Helper()
	return elftest.Build(spec)
}

func fixImage(t *testing.T, img []byte, runtimeBase uint64) (*Result, *elf.File) {
	t.Helper()
	res, err := Fix(process_blob.NewProcessBlob(process.ProcessMemoryAddress(runtimeBase), img), DefaultOptions())
	require.NoError(t, err)
	f, err := elf.NewFile(bytes.NewReader(res.Data))
	require.NoError(t, err)
	return res, f
}

func symbolNames(t *testing.T, f *elf.File) []string {
	t.Helper()
	syms, err := f.DynamicSymbols()
	require.NoError(t, err)
	var names []string
	for _, s := range syms {
		names = append(names, s.Name)
	}
	return names
}

func assertOffsetsFollowVaddr(t *testing.T, f *elf.File, bias uint64) {
	t.Helper()
	var ranges [][2]uint64
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		assert.Equal(t, s.Addr-bias, s.Offset, "section %s", s.Name)
		if s.Type != elf.SHT_NOBITS {
			ranges = append(ranges, [2]uint64{s.Offset, s.Offset + s.Size})
		}
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i][0] < ranges[j][0] })
	for i := 1; i < len(ranges); i++ {
		assert.LessOrEqual(t, ranges[i-1][1], ranges[i][0], "sections overlap at 0x%x", ranges[i][0])
	}
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD || p.Type == elf.PT_DYNAMIC {
			assert.Equal(t, p.Vaddr-bias, p.Off)
		}
	}
}

func TestFixRebuildsSharedObject64(t *testing.T) {
	img := buildImage(t, elftest.Spec{Class: elf.ELFCLASS64})
	res, f := fixImage(t, img, 0x7f12_3450_0000)

	assert.False(t, res.Partial)
	assert.Equal(t, elf.ET_DYN, f.Type)
	assert.Equal(t, elf.EM_AARCH64, f.Machine)
	assert.Equal(t, 4, res.Symbols)
	assert.Zero(t, res.Rebased)

	assert.Empty(t, cmp.Diff(elftest.Symbols, symbolNames(t, f)))
	dynamic := f.Section(".dynamic")
	require.NotNil(t, dynamic)
	assert.Equal(t, f.Section(".dynstr"), f.Sections[dynamic.Link])

	assertOffsetsFollowVaddr(t, f, 0)
	assert.Equal(t, ".shstrtab", f.Sections[len(f.Sections)-1].Name)
}

func TestFixRebuildsSharedObject32(t *testing.T) {
	img := buildImage(t, elftest.Spec{Class: elf.ELFCLASS32})
	res, f := fixImage(t, img, 0xe000_0000)

	assert.False(t, res.Partial)
	assert.Equal(t, elf.ELFCLASS32, f.Class)
	assert.Equal(t, elf.ET_DYN, f.Type)

	assert.Empty(t, cmp.Diff(elftest.Symbols, symbolNames(t, f)))

	assertOffsetsFollowVaddr(t, f, 0)
}

func TestFixNonZeroLoadBias(t *testing.T) {
	img := buildImage(t, elftest.Spec{Class: elf.ELFCLASS64, Base: 0x10000})
	res, f := fixImage(t, img, 0x7f00_0001_0000)

	assert.Equal(t, uint64(0x10000), res.LoadBias)
	assert.Equal(t, uint64(0x7f00_0000_0000), res.RuntimeBias)

	assert.Empty(t, cmp.Diff(elftest.Symbols, symbolNames(t, f)))

	assertOffsetsFollowVaddr(t, f, 0x10000)
}

// sectionView is what a section header says, with the link resolved to a name.
type sectionView struct {
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      string
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

// sectionViews lists the allocated sections, leaving out the .rodata fillers
// a rebuild adds for ranges no table names.
func sectionViews(f *elf.File) []sectionView {
	var views []sectionView
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Name == ".rodata" {
			continue
		}
		v := sectionView{Name: s.Name, Type: s.Type, Flags: s.Flags, Addr: s.Addr, Offset: s.Offset,
			Size: s.Size, Info: s.Info, Addralign: s.Addralign, Entsize: s.Entsize}
		if s.Link != 0 {
			v.Link = f.Sections[s.Link].Name
		}
		views = append(views, v)
	}
	return views
}

func TestFixMatchesOnDiskSections(t *testing.T) {
	tests := []struct {
		name    string
		spec    elftest.Spec
		runtime uint64
	}{
		{"aarch64", elftest.Spec{Class: elf.ELFCLASS64}, 0x7f12_3450_0000},
		{"aarch64 relocated", elftest.Spec{Class: elf.ELFCLASS64, RelocBy: 0x7f00_0000_0000}, 0x7f00_0000_0000},
		{"aarch64 gnu hash", elftest.Spec{Class: elf.ELFCLASS64, GnuHash: true}, 0x7f00_0000_0000},
		{"aarch64 linked high", elftest.Spec{Class: elf.ELFCLASS64, Base: 0x7f00_0000_0000}, 0x7f00_0000_0000},
		{"aarch64 linked at 64k", elftest.Spec{Class: elf.ELFCLASS64, Base: 0x10000, RelocBy: 0x7000_0000_0000}, 0x7000_0001_0000},
		{"arm", elftest.Spec{Class: elf.ELFCLASS32}, 0xe000_0000},
		{"arm relocated gnu hash", elftest.Spec{Class: elf.ELFCLASS32, GnuHash: true, RelocBy: 0xe000_0000}, 0xe000_0000},
		{"arm linked at 64k", elftest.Spec{Class: elf.ELFCLASS32, Base: 0x10000}, 0xd000_0000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := elf.NewFile(bytes.NewReader(elftest.Reference(tt.spec)))
			require.NoError(t, err)

			res, f := fixImage(t, buildImage(t, tt.spec), tt.runtime)
			assert.False(t, res.Partial)
			assert.Equal(t, tt.spec.Base, res.LoadBias)
			assert.Empty(t, cmp.Diff(sectionViews(ref), sectionViews(f)))
			assertOffsetsFollowVaddr(t, f, tt.spec.Base)
		})
	}
}

func TestFixRebasesRelocatedDynamicEntries(t *testing.T) {
	const runtimeBase = 0x7000_0000_0000
	img := buildImage(t, elftest.Spec{Class: elf.ELFCLASS64, RelocBy: runtimeBase})
	res, f := fixImage(t, img, runtimeBase)

	assert.Equal(t, 4, res.Rebased)
	symtab, err := f.DynValue(elf.DT_SYMTAB)
	require.NoError(t, err)
	assert.Equal(t, []uint64{elftest.DynsymOff}, symtab)

	strsz, err := f.DynValue(elf.DT_STRSZ)
	require.NoError(t, err)
	assert.Equal(t, []uint64{13}, strsz)

	assert.Empty(t, cmp.Diff(elftest.Symbols, symbolNames(t, f)))
}

func TestFixGnuHashSymbolCount(t *testing.T) {
	img := buildImage(t, elftest.Spec{Class: elf.ELFCLASS64, GnuHash: true})
	res, f := fixImage(t, img, 0x7f00_0000_0000)

	assert.Equal(t, 4, res.Symbols)
	gnu := f.Section(".gnu.hash")
	require.NotNil(t, gnu)
	assert.Equal(t, uint64(16+8+4+3*4), gnu.Size)
	assert.Nil(t, f.Section(".hash"))
	assert.Empty(t, cmp.Diff(elftest.Symbols, symbolNames(t, f)))
}

func TestFixTruncatedImageIsPartial(t *testing.T) {
	img := buildImage(t, elftest.Spec{Class: elf.ELFCLASS64})
	res, f := fixImage(t, img[:0x2050], 0x7f00_0000_0000)

	assert.True(t, res.Partial)
	assert.True(t, containsWarning(res.Warnings, ErrTruncatedImage.Error()))

	dynamic := f.Section(".dynamic")
	require.NotNil(t, dynamic)
	assert.Equal(t, uint64(0x50), dynamic.Size)
	assert.Nil(t, f.Section(".rela.dyn"))
	assert.Empty(t, cmp.Diff(elftest.Symbols, symbolNames(t, f)))
}

func TestFixFlagsUnreadableChunks(t *testing.T) {
	img := buildImage(t, elftest.Spec{Class: elf.ELFCLASS64})
	const base = 0x7f00_0000_0000
	hole := process.Range{Start: base + 0x1000, End: base + 0x1100}
	blob := process_blob.NewPartialBlob(base, img, []process.Range{hole})

	res, err := Fix(blob, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.True(t, containsWarning(res.Warnings, ".text overlaps unreadable memory"))
}

func TestFixStructuralErrors(t *testing.T) {
	_, err := Fix(process_blob.NewProcessBlob(0x1000, make([]byte, 0x1000)), DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidElfMagic)
	assert.True(t, IsStructural(err))

	img := buildImage(t, elftest.Spec{Class: elf.ELFCLASS64})
	binary.LittleEndian.PutUint32(img[0x40+3*56:], uint32(elf.PT_NOTE))
	_, err = Fix(process_blob.NewProcessBlob(0x1000, img), DefaultOptions())
	assert.ErrorIs(t, err, ErrMissingDynamicSegment)

	img = buildImage(t, elftest.Spec{Class: elf.ELFCLASS64})
	_, err = Fix(process_blob.NewProcessBlob(0x1000, img[:0x80]), DefaultOptions())
	assert.ErrorIs(t, err, ErrTruncatedImage)
}

func TestStrtabDeduplicates(t *testing.T) {
	s := newStrtab()
	a := s.add(".rodata")
	b := s.add(".text")
	assert.Equal(t, a, s.add(".rodata"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, "\x00.rodata\x00.text\x00", string(s.bytes()))
}

func containsWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
