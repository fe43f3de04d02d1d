package hexdump

import (
	"strings"
	"testing"

	"androdump/process"
	"androdump/process/memory_map"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plain() Options {
	opts := DefaultOptions()
	opts.Color = false
	return opts
}

func TestDumpLine(t *testing.T) {
	opts := plain()
	opts.Base = 0x7000_0000
	out := Dump([]byte("dex\n035\x00ABCDEFGH"), opts)

	assert.Equal(t, "0000000070000000  64 65 78 0a 30 33 35 00 41 42 43 44 45 46 47 48 |dex.035.ABCDEFGH|\n", out)
}

func TestDumpShortLinePads(t *testing.T) {
	lines := strings.Split(strings.TrimSuffix(Dump(make([]byte, 20), plain()), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Index(lines[0], "|"), strings.Index(lines[1], "|"))
	assert.True(t, strings.HasPrefix(lines[1], "0000000000000010"))
}

func TestDumpUnreadable(t *testing.T) {
	opts := plain()
	opts.Base = 0x1000
	opts.Unreadable = []process.Range{{Start: 0x1004, End: 0x1008}}
	out := Dump([]byte{1, 2, 3, 4, 0, 0, 0, 0}, opts)

	assert.Contains(t, out, "01 02 03 04 ?? ?? ?? ??")
	assert.Contains(t, out, "|....????|")
}

func TestDumpMaxLines(t *testing.T) {
	opts := plain()
	opts.MaxLines = 1
	out := Dump(make([]byte, 48), opts)

	assert.Contains(t, out, "... 32 more bytes")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestDumpPointers(t *testing.T) {
	opts := plain()
	opts.Maps = []memory_map.MemoryMapItem{{Address: 0x7000_0000, Size: 0x1000, Perms: "r-xp"}}
	data := []byte{0x10, 0, 0, 0x70, 0, 0, 0, 0, 0x10, 0, 0, 0x60, 0, 0, 0, 0}
	out := Dump(data, opts)

	assert.Contains(t, out, " 0x70000010")
	assert.NotContains(t, out, "0x60000010")
}

func TestHighlights(t *testing.T) {
	marks := highlights([]byte("xxabab"), []byte("ab"))
	assert.Equal(t, []bool{false, false, true, true, true, true}, marks)
	assert.Equal(t, make([]bool, 3), highlights([]byte("abc"), nil))
}

func TestColorWraps(t *testing.T) {
	assert.NotEqual(t, Dump([]byte{1}, plain()), Dump([]byte{1}, DefaultOptions()))
}
