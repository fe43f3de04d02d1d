package dexscan

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"hash/adler32"
	"testing"

	"androdump/extract"
	"androdump/process"
	"androdump/process/memory_map"
	"androdump/process_blob"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeDex builds a minimal DEX of the given size whose map list ends the file.
func makeDex(size int) []byte {
	le := binary.LittleEndian
	dex := make([]byte, size)
	copy(dex, dex035)
	le.PutUint32(dex[fileSizeOff:], uint32(size))
	le.PutUint32(dex[headerSizeOff:], HeaderSize)
	le.PutUint32(dex[endianTagOff:], EndianConstant)
	le.PutUint32(dex[stringIDsOff:], HeaderSize)
	mapOff := size - 16
	le.PutUint32(dex[mapOffOff:], uint32(mapOff))
	le.PutUint32(dex[mapOff:], 1)
	for i := HeaderSize; i < mapOff; i++ {
		dex[i] = byte(i * 7)
	}
	UpdateChecksums(dex)
	return dex
}

func noRepair() Options {
	opts := DefaultOptions()
	opts.RepairHeaders = false
	return opts
}

func TestScanConcatenatedImages(t *testing.T) {
	a, b := makeDex(1024), makeDex(2048)
	data := append(append([]byte(nil), a...), b...)

	images := Scan(process_blob.NewProcessBlob(0x5000, data), DefaultOptions())
	require.Len(t, images, 2)

	assert.Equal(t, 0, images[0].Offset)
	assert.Equal(t, process.ProcessMemoryAddress(0x5000), images[0].Addr)
	assert.Equal(t, a, images[0].Data)
	assert.False(t, images[0].Repaired)

	assert.Equal(t, 1024, images[1].Offset)
	assert.Equal(t, process.ProcessMemoryAddress(0x5400), images[1].Addr)
	assert.Equal(t, b, images[1].Data)
	assert.Equal(t, uint32(2048), images[1].DeclaredSize)
}

func TestScanRejectsOversizedDeclaration(t *testing.T) {
	dex := makeDex(1024)
	binary.LittleEndian.PutUint32(dex[fileSizeOff:], 1025)

	assert.Empty(t, Scan(process_blob.NewProcessBlob(0, dex), DefaultOptions()))
}

func TestScanRejectsZeroSize(t *testing.T) {
	dex := makeDex(256)
	binary.LittleEndian.PutUint32(dex[fileSizeOff:], 0)

	assert.Empty(t, Scan(process_blob.NewProcessBlob(0, dex), DefaultOptions()))
}

func TestScanFindsUnalignedImage(t *testing.T) {
	dex := makeDex(512)
	data := append([]byte("abc"), dex...)
	data = append(data, 0xff, 0xff)

	images := Scan(process_blob.NewProcessBlob(0x1000, data), noRepair())
	require.Len(t, images, 1)
	assert.Equal(t, 3, images[0].Offset)
	assert.Equal(t, process.ProcessMemoryAddress(0x1003), images[0].Addr)
	assert.Equal(t, dex, images[0].Data)
}

func TestScanNeverOverlaps(t *testing.T) {
	outer := makeDex(2048)
	copy(outer[512:], makeDex(256))
	UpdateChecksums(outer)
	data := append(outer, makeDex(128)...)

	images := Scan(process_blob.NewProcessBlob(0, data), DefaultOptions())
	require.Len(t, images, 2)
	assert.Equal(t, 0, images[0].Offset)
	assert.Equal(t, 2048, images[1].Offset)
	for i := 1; i < len(images); i++ {
		assert.LessOrEqual(t, images[i-1].Offset+len(images[i-1].Data), images[i].Offset)
	}
}

func TestScanRecoversWipedHeader(t *testing.T) {
	orig := makeDex(512)
	wiped := append([]byte(nil), orig...)
	copy(wiped, make([]byte, 8))
	binary.LittleEndian.PutUint32(wiped[fileSizeOff:], 0)
	binary.LittleEndian.PutUint32(wiped[headerSizeOff:], 0)
	wiped = append(wiped, make([]byte, 64)...)

	images := Scan(process_blob.NewProcessBlob(0x7000, wiped), DefaultOptions())
	require.Len(t, images, 1)
	img := images[0]
	assert.True(t, img.Repaired)
	assert.Equal(t, uint32(0), img.DeclaredSize)
	assert.Equal(t, process.ProcessMemoryAddress(0x7000), img.Addr)
	assert.Equal(t, orig, img.Data)

	sig := sha1.Sum(img.Data[32:])
	assert.Equal(t, sig[:], img.Data[12:32])
	assert.Equal(t, adler32.Checksum(img.Data[12:]), binary.LittleEndian.Uint32(img.Data[8:]))

	assert.Empty(t, Scan(process_blob.NewProcessBlob(0x7000, wiped), noRepair()))
}

func TestScanMarksImagesOverHoles(t *testing.T) {
	data := append(makeDex(0x400), makeDex(0x400)...)
	blob := process_blob.NewPartialBlob(0x10000, data, []process.Range{{Start: 0x10500, End: 0x10600}})

	images := Scan(blob, DefaultOptions())
	require.Len(t, images, 2)
	assert.False(t, images[0].Partial)
	assert.True(t, images[1].Partial)
}

func TestWanted(t *testing.T) {
	opts := DefaultOptions()
	cases := []struct {
		item memory_map.MemoryMapItem
		want bool
	}{
		{memory_map.MemoryMapItem{Size: 0x1000, Perms: "rw-p"}, true},
		{memory_map.MemoryMapItem{Size: 0x1000, Perms: "r--p", Path: "/data/app/base.apk"}, true},
		{memory_map.MemoryMapItem{Size: 0x60, Perms: "rw-p"}, false},
		{memory_map.MemoryMapItem{Size: 0x1000, Perms: "---p"}, false},
		{memory_map.MemoryMapItem{Size: 0x1000, Perms: "r--p", Path: "/system/framework/boot.oat"}, false},
		{memory_map.MemoryMapItem{Size: 0x1000, Perms: "r--p", Path: "/data/dalvik-cache/arm64/x.dex"}, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Wanted(c.item, opts), c.item.String())
	}

	opts.AnonymousOnly = true
	assert.False(t, Wanted(memory_map.MemoryMapItem{Size: 0x1000, Perms: "r--p", Path: "/data/app/base.apk"}, opts))
	assert.True(t, Wanted(memory_map.MemoryMapItem{Size: 0x1000, Perms: "rw-p", Path: "[anon:dalvik-main space]"}, opts))
}

func TestScanProcess(t *testing.T) {
	heap := make([]byte, 0x2000)
	copy(heap[0x100:], makeDex(0x400))
	framework := make([]byte, 0x1000)
	copy(framework, makeDex(0x200))

	d := process_blob.NewProcessDump(77, "com.example.app")
	d.AddRegion(memory_map.MemoryMapItem{Address: 0x10000, Size: 0x2000, Perms: "rw-p", Path: "[anon:dalvik-main space]"}, heap)
	d.AddRegion(memory_map.MemoryMapItem{Address: 0x20000, Size: 0x1000, Perms: "r--p", Path: "/system/framework/core.jar"}, framework)
	d.AddRegion(memory_map.MemoryMapItem{Address: 0x30000, Size: 0x1000, Perms: "rw-p"}, nil)
	require.NoError(t, d.Attach(77))
	defer d.Detach()

	regions, err := d.GetMemoryMap()
	require.NoError(t, err)

	ex := extract.New(d, extract.Options{ChunkSize: 0x800, Workers: 2})
	images, err := ScanProcess(context.Background(), ex, regions, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, process.ProcessMemoryAddress(0x10100), images[0].Addr)
	assert.Len(t, images[0].Data, 0x400)
}

func TestScanProcessStopsOnDetachedHandle(t *testing.T) {
	d := process_blob.NewProcessDump(77, "com.example.app")
	d.AddRegion(memory_map.MemoryMapItem{Address: 0x10000, Size: 0x1000, Perms: "rw-p"}, make([]byte, 0x1000))
	regions, err := d.GetMemoryMap()
	require.NoError(t, err)

	_, err = ScanProcess(context.Background(), extract.New(d, extract.DefaultOptions()), regions, DefaultOptions())
	assert.ErrorIs(t, err, process.ErrNotAttached)
}
