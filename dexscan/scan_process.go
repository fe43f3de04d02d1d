package dexscan

import (
	"context"

	"androdump/extract"
	"androdump/process/memory_map"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "dexscan"))

// ScanProcess extracts each wanted region through ex and scans it, at most
// opts.Workers regions at a time. Images are ordered by address.
func ScanProcess(ctx context.Context, ex *extract.Extractor, regions []memory_map.MemoryMapItem, opts Options) ([]Image, error) {
	var wanted []memory_map.MemoryMapItem
	for _, r := range regions {
		if Wanted(r, opts) {
			wanted = append(wanted, r)
		}
	}
	log.Infoln("Scanning", len(wanted), "of", len(regions), "regions for DEX images")

	found := make([][]Image, len(wanted))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))
	for i, r := range wanted {
		g.Go(func() error {
			blob, err := ex.Extract(ctx, memory_map.Span{Start: r.Address, End: r.End()})
			if err != nil {
				return err
			}
			found[i] = Scan(blob, opts)
			for _, img := range found[i] {
				log.Debugln("DEX at", img.Addr.ToString(), "size", len(img.Data), "in", r.String())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var images []Image
	for _, f := range found {
		images = append(images, f...)
	}
	return images, nil
}
