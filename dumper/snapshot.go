package dumper

import (
	"context"

	"androdump/process"
	"androdump/process/memory_map"
	"androdump/process_blob"

	"github.com/google/uuid"
)

// ReadableRegions is a Snapshot filter that captures every readable mapping.
func ReadableRegions(item memory_map.MemoryMapItem) bool {
	return item.IsReadable()
}

// Snapshot captures the maps of pid and the bytes of every region filter accepts.
// Regions that are filtered out, or could not be read at all, keep their map
// entry without bytes. Pages that failed inside a captured region stay
// unreadable in the snapshot.
func (d *Dumper) Snapshot(ctx context.Context, pid process.ProcessID, filter func(memory_map.MemoryMapItem) bool) (*process_blob.ProcessDump, error) {
	if filter == nil {
		filter = ReadableRegions
	}

	proc, release, err := d.session(ctx, pid)
	if err != nil {
		return nil, err
	}
	defer release()

	maps, err := proc.GetMemoryMap()
	if err != nil {
		return nil, err
	}

	var selected []memory_map.MemoryMapItem
	var spans []memory_map.Span
	for _, item := range maps {
		if filter(item) {
			selected = append(selected, item)
			spans = append(spans, memory_map.Span{Start: item.Address, End: item.End()})
		}
	}

	blobs, err := d.extractor(proc).ExtractMany(ctx, spans)
	if err != nil {
		return nil, err
	}

	dump := process_blob.NewProcessDump(proc.GetPID(), d.source.Name(proc.GetPID()))
	dump.SessionID = uuid.NewString()
	for _, item := range maps {
		dump.AddRegion(item, nil)
	}
	captured := 0
	for i, item := range selected {
		blob := blobs[i]
		if len(blob.Unreadable()) == 1 && blob.Unreadable()[0].Size() == process.ProcessMemorySize(blob.Len()) {
			continue
		}
		dump.AddBlob(item, blob)
		captured++
	}

	d.log.Infoln("Snapshot", dump.SessionID, "captured", captured, "of", len(maps), "regions")
	return dump, nil
}
