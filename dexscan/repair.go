package dexscan

import (
	"crypto/sha1"
	"encoding/binary"
	"hash/adler32"

	"androdump/process"
	"androdump/process_blob"
)

var dex035 = []byte("dex\n035\x00")

// recoverWiped sizes a DEX whose magic was erased at the start of blob. The
// header must still place string_ids right after itself, and the size is taken
// from the end of the map list.
func recoverWiped(blob *process_blob.ProcessBlob) (Image, bool) {
	stringIDs, err := blob.OffsetUINT32(stringIDsOff)
	if err != nil || stringIDs != HeaderSize || blob.Len() < HeaderSize {
		return Image{}, false
	}

	mapOff, err := blob.OffsetUINT32(mapOffOff)
	if err != nil || mapOff < HeaderSize {
		return Image{}, false
	}
	mapSize, err := blob.OffsetUINT32(process.ProcessMemoryAddress(mapOff))
	if err != nil {
		return Image{}, false
	}
	size := uint64(mapOff) + 4 + uint64(mapSize)*12
	if size > uint64(blob.Len()) {
		return Image{}, false
	}
	declared, _ := blob.OffsetUINT32(fileSizeOff)
	carved, err := blob.Slice(0, int(size))
	if err != nil {
		return Image{}, false
	}

	img := Image{
		Addr:         carved.Base(),
		Data:         append([]byte(nil), carved.Data()...),
		DeclaredSize: declared,
		Repaired:     true,
		Partial:      carved.IsPartial(),
	}
	FixHeader(img.Data)
	return img, true
}

// FixHeader restores magic, file_size, header_size and the endian tag of dex,
// then recomputes the signature and checksum.
func FixHeader(dex []byte) {
	if len(dex) < HeaderSize {
		return
	}
	le := binary.LittleEndian
	copy(dex, dex035)
	le.PutUint32(dex[fileSizeOff:], uint32(len(dex)))
	le.PutUint32(dex[headerSizeOff:], HeaderSize)
	if tag := le.Uint32(dex[endianTagOff:]); tag != EndianConstant && tag != ReverseEndianConstant {
		le.PutUint32(dex[endianTagOff:], EndianConstant)
	}
	UpdateChecksums(dex)
}

// UpdateChecksums writes the SHA-1 signature of dex[32:] and then the
// Adler-32 checksum of dex[12:].
func UpdateChecksums(dex []byte) {
	if len(dex) < 32 {
		return
	}
	sig := sha1.Sum(dex[32:])
	copy(dex[12:32], sig[:])
	binary.LittleEndian.PutUint32(dex[8:], adler32.Checksum(dex[12:]))
}
