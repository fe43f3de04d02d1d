package dumper

import (
	"context"
	"fmt"

	"androdump/process"
	"androdump/process/memory_map"
	"androdump/process_blob"
)

// Peek reads size bytes at addr under a short session. Unmapped or unreadable
// pages come back zero-filled and listed in the blob's unreadable ranges. The
// memory map is returned alongside for annotating the bytes.
func (d *Dumper) Peek(ctx context.Context, pid process.ProcessID, addr uint64, size uint64) (*process_blob.ProcessBlob, []memory_map.MemoryMapItem, error) {
	if size == 0 {
		return nil, nil, fmt.Errorf("peek 0x%x: empty range", addr)
	}
	proc, release, err := d.session(ctx, pid)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	maps, err := proc.GetMemoryMap()
	if err != nil {
		return nil, nil, err
	}
	blob, err := d.extractor(proc).Extract(ctx, memory_map.Span{Start: addr, End: addr + size})
	if err != nil {
		return nil, nil, err
	}
	return blob, maps, nil
}
