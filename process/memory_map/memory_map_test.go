package memory_map

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `7f7a400000-7f7a420000 r--p 00000000 fd:05 1234                       /data/app/com.example/lib/arm64/libfoo.so
7f7a420000-7f7a460000 r-xp 00020000 fd:05 1234                       /data/app/com.example/lib/arm64/libfoo.so
7f7a460000-7f7a462000 rw-p 00060000 fd:05 1234                       /data/app/com.example/lib/arm64/libfoo.so
7f7a462000-7f7a470000 rw-p 00000000 00:00 0                          [anon:.bss]
7f7b000000-7f7b010000 r--p 00000000 fd:05 99                         /system/lib64/libc.so
7f7b010000-7f7b080000 r-xp 00010000 fd:05 99                         /system/lib64/libc.so
7fc0000000-7fc0021000 rw-p 00000000 00:00 0                          [stack]
7fd0000000-7fd0001000 r--p 00000000 fd:05 77                         /data/local/tmp/my lib.so
garbage line
12c00000-12d00000 rw-p 00000000 00:00 0                              [anon:dalvik-main space]
`

func TestParseMemoryMap(t *testing.T) {
	mm, err := ParseMemoryMap(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, mm, 9)

	// sorted by address
	assert.Equal(t, uint64(0x12c00000), mm[0].Address)
	assert.True(t, mm[0].IsAnonymous())

	foo := mm[2]
	assert.Equal(t, uint64(0x7f7a420000), foo.Address)
	assert.Equal(t, uint(0x40000), foo.Size)
	assert.Equal(t, "r-xp", foo.Perms)
	assert.Equal(t, uint64(0x20000), foo.Offset)
	assert.Equal(t, uint64(1234), foo.Inode)
	assert.Equal(t, "/data/app/com.example/lib/arm64/libfoo.so", foo.Path)
	assert.True(t, foo.IsExecutable())
	assert.False(t, foo.IsWritable())

	assert.Equal(t, "/data/local/tmp/my lib.so", mm[len(mm)-1].Path)
}

func TestFindModuleMergesRegions(t *testing.T) {
	mm, err := ParseMemoryMap(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	mod, ok := FindModule(mm, "libfoo.so")
	require.True(t, ok)
	assert.Equal(t, "libfoo.so", mod.Name)
	assert.Len(t, mod.Regions, 3)
	assert.Equal(t, uint64(0x7f7a400000), mod.Base())
	assert.Equal(t, uint64(0x7f7a462000), mod.End())
	assert.Equal(t, Span{Start: 0x7f7a400000, End: 0x7f7a462000}, mod.Span())
	assert.Empty(t, mod.Gaps())

	_, ok = FindModule(mm, "arm64/libfoo.so")
	assert.True(t, ok)

	_, ok = FindModule(mm, "oo.so")
	assert.False(t, ok)

	_, ok = FindModule(mm, "libmissing.so")
	assert.False(t, ok)
}

func TestFindModuleSpanCoversPermissionSplits(t *testing.T) {
	// the merged span runs from the lowest start to the highest end even when
	// an unrelated mapping sits between two regions
	maps := `1000-2000 r--p 00000000 fd:05 1 /lib/libgap.so
2000-3000 rw-p 00000000 00:00 0
3000-5000 r-xp 00001000 fd:05 1 /lib/libgap.so
`
	mm, err := ParseMemoryMap(strings.NewReader(maps))
	require.NoError(t, err)

	mod, ok := FindModule(mm, "libgap.so")
	require.True(t, ok)
	assert.Equal(t, Span{Start: 0x1000, End: 0x5000}, mod.Span())
	assert.Equal(t, []Span{{Start: 0x2000, End: 0x3000}}, mod.Gaps())
}

func TestListModules(t *testing.T) {
	mm, err := ParseMemoryMap(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	mods := ListModules(mm)
	require.Len(t, mods, 3)
	assert.Equal(t, "libfoo.so", mods[0].Name)
	assert.Equal(t, "libc.so", mods[1].Name)
	assert.Equal(t, uint64(0x80000), mods[1].Size())
	assert.Equal(t, "my lib.so", mods[2].Name)
	for _, m := range mods {
		assert.True(t, m.IsSharedObject())
	}
}

func TestIsValidAddress2(t *testing.T) {
	mm, err := ParseMemoryMap(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	item := IsValidAddress2(0x7f7a430000, mm)
	require.NotNil(t, item)
	assert.Equal(t, uint64(0x7f7a420000), item.Address)

	assert.Nil(t, IsValidAddress2(0x10, mm))
	assert.Nil(t, IsValidAddress2(0x7fffffffffff, mm))
}
