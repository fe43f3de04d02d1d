package process_blob

import (
	"testing"

	"androdump/process"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessBlobReads(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 'h', 'i', 0, 'x'}
	b := NewProcessBlob(0x1000, data)

	assert.Equal(t, process.ProcessMemoryAddress(0x1000), b.Base())
	assert.Equal(t, process.ProcessMemoryAddress(0x100c), b.End())
	assert.False(t, b.IsPartial())

	v32, err := b.OffsetUINT32(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), v32)

	v64, err := b.ReadUINT64(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0807060504030201), v64)

	v32, err = b.OffsetUINT32(8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x78006968), v32)

	_, err = b.OffsetUINT64(8)
	assert.ErrorIs(t, err, process.ErrAddressNotMapped)

	_, err = b.ReadMemory(0xfff, 1)
	assert.ErrorIs(t, err, process.ErrAddressNotMapped)
}

func TestProcessBlobSliceKeepsHoles(t *testing.T) {
	b := NewPartialBlob(0x1000, make([]byte, 0x3000), []process.Range{
		{Start: 0x1800, End: 0x2800},
	})
	require.True(t, b.IsPartial())

	sub, err := b.Slice(0x1000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, process.ProcessMemoryAddress(0x2000), sub.Base())
	assert.Equal(t, []process.Range{{Start: 0x2000, End: 0x2800}}, sub.Unreadable())

	clean, err := b.Slice(0x2000, 0x1000)
	require.NoError(t, err)
	assert.False(t, clean.IsPartial())

	_, err = b.Slice(0x2000, 0x2000)
	assert.Error(t, err)
}
