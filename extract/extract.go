// Package extract copies address spans out of a process into blobs, tolerating pages
// the kernel will not hand over.
package extract

import (
	"context"
	"fmt"

	"androdump/process"
	"androdump/process/memory_map"
	"androdump/process_blob"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize = 64 * 1024
	DefaultWorkers   = 4
)

type Options struct {
	// ChunkSize is the number of bytes requested per read call.
	ChunkSize int
	// Workers bounds how many spans ExtractMany copies at once.
	Workers int
}

func DefaultOptions() Options {
	return Options{
		ChunkSize: DefaultChunkSize,
		Workers:   DefaultWorkers,
	}
}

// Extractor reads spans through a single process handle.
type Extractor struct {
	proc process.Process
	opts Options
	log  *logger.Logger
}

func New(proc process.Process, opts Options) *Extractor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Extractor{
		proc: proc,
		opts: opts,
		log:  logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "extract")),
	}
}

// Extract copies span chunk by chunk. Unreadable chunks are zero-filled and reported on
// the blob; the output length always equals the span size. Only a dead process,
// a lost handle or a cancelled context stop the copy.
func (e *Extractor) Extract(ctx context.Context, span memory_map.Span) (*process_blob.ProcessBlob, error) {
	size := span.Size()
	out := make([]byte, size)
	var holes []process.Range

	for off := uint64(0); off < size; off += uint64(e.opts.ChunkSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n := min(uint64(e.opts.ChunkSize), size-off)
		addr := process.ProcessMemoryAddress(span.Start + off)

		data, unreadable, err := e.proc.ReadMemoryPartial(addr, process.ProcessMemorySize(n))
		if err != nil {
			return nil, fmt.Errorf("extract 0x%x-0x%x at 0x%x: %w", span.Start, span.End, uint64(addr), err)
		}
		copy(out[off:off+n], data)
		holes = append(holes, unreadable...)
	}

	blob := process_blob.NewPartialBlob(process.ProcessMemoryAddress(span.Start), out, holes)
	if blob.IsPartial() {
		missing := uint64(0)
		for _, r := range blob.Unreadable() {
			missing += uint64(r.Size())
		}
		e.log.Warn(fmt.Sprintf("span 0x%x-0x%x: %d of %d bytes unreadable in %d ranges",
			span.Start, span.End, missing, size, len(blob.Unreadable())))
	} else {
		e.log.Debugln("Extracted", size, "bytes from", process.ProcessMemoryAddress(span.Start).ToString())
	}
	return blob, nil
}

// ExtractMany extracts every span, at most Workers at a time. Results keep the input order.
func (e *Extractor) ExtractMany(ctx context.Context, spans []memory_map.Span) ([]*process_blob.ProcessBlob, error) {
	blobs := make([]*process_blob.ProcessBlob, len(spans))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, span := range spans {
		g.Go(func() error {
			blob, err := e.Extract(ctx, span)
			if err != nil {
				return err
			}
			blobs[i] = blob
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blobs, nil
}
