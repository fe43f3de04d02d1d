package process_blob

import (
	"bytes"
	"testing"

	"androdump/process"
	"androdump/process/memory_map"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDump() *ProcessDump {
	d := NewProcessDump(4242, "com.example.app")
	d.AddRegion(memory_map.MemoryMapItem{Address: 0x10000, Size: 0x1000, Perms: "r--p", Path: "/lib/libx.so"}, bytes.Repeat([]byte{0xAA}, 0x1000))
	d.AddRegion(memory_map.MemoryMapItem{Address: 0x11000, Size: 0x1000, Perms: "---p", Path: "/lib/libx.so"}, nil)
	d.AddRegion(memory_map.MemoryMapItem{Address: 0x12000, Size: 0x1000, Perms: "rw-p", Path: "/lib/libx.so"}, bytes.Repeat([]byte{0xBB}, 0x1000))
	return d
}

func TestProcessDumpReadPartial(t *testing.T) {
	d := newTestDump()

	_, _, err := d.ReadMemoryPartial(0x10000, 16)
	require.ErrorIs(t, err, process.ErrNotAttached)

	require.NoError(t, d.Attach(0))
	defer d.Detach()

	data, unreadable, err := d.ReadMemoryPartial(0x10800, 0x3000)
	require.NoError(t, err)
	require.Len(t, data, 0x3000)
	assert.Equal(t, []process.Range{
		{Start: 0x11000, End: 0x12000},
		{Start: 0x13000, End: 0x13800},
	}, unreadable)
	assert.Equal(t, byte(0xAA), data[0])
	assert.Equal(t, byte(0x00), data[0x800])
	assert.Equal(t, byte(0xBB), data[0x1800])

	_, err = d.ReadMemory(0x10800, 0x1000)
	assert.ErrorIs(t, err, process.ErrUnreadableRegion)

	ok, err := d.ReadMemory(0x12000, 0x10)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xBB}, 0x10), ok)
}

func TestProcessDumpAttachWrongPID(t *testing.T) {
	d := newTestDump()
	assert.ErrorIs(t, d.Attach(1), process.ErrProcessNotFound)
	assert.NoError(t, d.Attach(4242))
	assert.True(t, d.IsAttached())
	assert.NoError(t, d.Detach())
	assert.NoError(t, d.Detach())
}

func TestProcessDumpWrite(t *testing.T) {
	d := newTestDump()
	require.NoError(t, d.Attach(0))

	require.NoError(t, d.WriteMemory(0x12004, []byte{1, 2, 3, 4}))
	got, err := d.ReadMemory(0x12004, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	assert.Error(t, d.WriteMemory(0x10000, []byte{1}))
	assert.ErrorIs(t, d.WriteMemory(0x50000, []byte{1}), process.ErrAddressNotMapped)
}

func TestProcessDumpSaveLoad(t *testing.T) {
	dir := t.TempDir()
	d := newTestDump()
	d.SessionID = "b7f1d3a2-0000-4000-8000-000000000001"
	require.NoError(t, d.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, d.PID, loaded.PID)
	assert.Equal(t, d.Name, loaded.Name)
	assert.Equal(t, d.SessionID, loaded.SessionID)
	assert.Equal(t, d.MemoryMap, loaded.MemoryMap)
	assert.Len(t, loaded.Blobs, 2)

	require.NoError(t, loaded.Attach(0))
	_, unreadable, err := loaded.ReadMemoryPartial(0x10000, 0x3000)
	require.NoError(t, err)
	assert.Equal(t, []process.Range{{Start: 0x11000, End: 0x12000}}, unreadable)
}

func TestProcessDumpKeepsUnreadableThroughSaveLoad(t *testing.T) {
	d := NewProcessDump(4242, "com.example.app")
	item := memory_map.MemoryMapItem{Address: 0x40000, Size: 0x3000, Perms: "r--p", Path: "/lib/liby.so"}
	hole := process.Range{Start: 0x41000, End: 0x43000}
	d.AddBlob(item, NewPartialBlob(0x40000, bytes.Repeat([]byte{0xCC}, 0x3000), []process.Range{hole}))
	assert.Equal(t, []process.Range{hole}, d.Unreadable)

	dir := t.TempDir()
	require.NoError(t, d.Save(dir))
	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []process.Range{hole}, loaded.Unreadable)

	require.NoError(t, loaded.Attach(0))
	data, unreadable, err := loaded.ReadMemoryPartial(0x40ff0, 0x20)
	require.NoError(t, err)
	assert.Equal(t, []process.Range{{Start: 0x41000, End: 0x41010}}, unreadable)
	assert.Equal(t, bytes.Repeat([]byte{0xCC}, 0x10), data[:0x10])

	_, err = loaded.ReadMemory(0x42000, 0x10)
	assert.ErrorIs(t, err, process.ErrUnreadableRegion)

	ok, err := loaded.ReadMemory(0x40000, 0x1000)
	require.NoError(t, err)
	assert.Len(t, ok, 0x1000)
}

func TestProcessDumpAddRegionReplacesUnreadable(t *testing.T) {
	d := NewProcessDump(4242, "com.example.app")
	item := memory_map.MemoryMapItem{Address: 0x40000, Size: 0x2000, Perms: "r--p"}
	d.AddBlob(item, NewPartialBlob(0x40000, make([]byte, 0x2000), []process.Range{{Start: 0x3f000, End: 0x41000}}))
	assert.Equal(t, []process.Range{{Start: 0x40000, End: 0x41000}}, d.Unreadable, "holes are clipped to the region")

	d.AddRegion(item, make([]byte, 0x2000))
	assert.Empty(t, d.Unreadable)
}
