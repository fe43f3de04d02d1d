// Package dexscan carves DEX images out of memory blobs.
//
// Any offset may start an image. A candidate is kept when its header's file_size
// is positive and fits in what remains of the blob; scanning resumes after the
// carved bytes, so results never overlap.
package dexscan

import (
	"strings"

	"androdump/process"
	"androdump/process/memory_map"
	"androdump/process_blob"
)

const (
	HeaderSize = 0x70

	fileSizeOff   = 0x20
	headerSizeOff = 0x24
	endianTagOff  = 0x28
	mapOffOff     = 0x34
	stringIDsOff  = 0x3c

	EndianConstant        = 0x12345678
	ReverseEndianConstant = 0x78563412

	DefaultMinRegionSize = 0x60
)

// Magic is "dex\n0" + two version digits + NUL.
var Magic = mustAOB("64 65 78 0A 30 ?? ?? 00")

func mustAOB(signature string) process.AOB {
	aob, err := process.ParseAOB(signature)
	if err != nil {
		panic(err)
	}
	return aob
}

type Options struct {
	// MinRegionSize skips regions not larger than this.
	MinRegionSize uint64
	// SkipPrefixes skips file-backed regions whose path starts with one of these.
	SkipPrefixes []string
	// AnonymousOnly restricts scanning to regions without a backing file.
	AnonymousOnly bool
	// RepairHeaders carves regions whose header magic was wiped, using the map list to size them.
	RepairHeaders bool
	// Workers bounds how many regions ScanProcess handles at once.
	Workers int
}

func DefaultOptions() Options {
	return Options{
		MinRegionSize: DefaultMinRegionSize,
		SkipPrefixes:  []string{"/data/dalvik-cache/", "/system/"},
		RepairHeaders: true,
		Workers:       4,
	}
}

// Image is one carved DEX file.
type Image struct {
	// Offset is the position of the image in the scanned blob.
	Offset int
	Addr   process.ProcessMemoryAddress
	Data   []byte
	// DeclaredSize is file_size as found in memory, before any repair.
	DeclaredSize uint32
	// Repaired is set when the header was rewritten; Data is then not a byte-exact copy.
	Repaired bool
	// Partial is set when the image covers memory that could not be read.
	Partial bool
}

// Scan returns every DEX image in blob, ordered by offset.
func Scan(blob *process_blob.ProcessBlob, opts Options) []Image {
	data := blob.Data()
	var images []Image
	next := 0

	if opts.RepairHeaders && len(data) >= 3 && string(data[:3]) != "dex" {
		if img, ok := recoverWiped(blob); ok {
			images = append(images, img)
			next = len(img.Data)
		}
	}

	for _, m := range Magic.FindAll(data) {
		if m < next {
			continue
		}
		size, ok := declaredSize(blob, m)
		if !ok {
			continue
		}
		carved, err := blob.Slice(m, int(size))
		if err != nil {
			continue
		}
		images = append(images, Image{
			Offset:       m,
			Addr:         carved.Base(),
			Data:         append([]byte(nil), carved.Data()...),
			DeclaredSize: size,
			Partial:      carved.IsPartial(),
		})
		next = m + int(size)
	}

	return images
}

// declaredSize validates the file_size field of the header at off.
func declaredSize(blob *process_blob.ProcessBlob, off int) (uint32, bool) {
	size, err := blob.OffsetUINT32(process.ProcessMemoryAddress(off + fileSizeOff))
	if err != nil || size == 0 || uint64(size) > uint64(blob.Len()-off) {
		return 0, false
	}
	return size, true
}

// Wanted reports whether a region is worth scanning under opts.
func Wanted(item memory_map.MemoryMapItem, opts Options) bool {
	if !item.IsReadable() || uint64(item.Size) <= opts.MinRegionSize {
		return false
	}
	if opts.AnonymousOnly && !item.IsAnonymous() {
		return false
	}
	for _, prefix := range opts.SkipPrefixes {
		if strings.HasPrefix(item.Path, prefix) {
			return false
		}
	}
	return true
}
