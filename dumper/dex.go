package dumper

import (
	"context"
	"fmt"

	"androdump/dexscan"
	"androdump/process"
	"androdump/process/memory_map"
)

// ScanDex carves every DEX image out of the regions selected by the Dex options.
// Finding none is ErrNoMatchFound.
func (d *Dumper) ScanDex(ctx context.Context, pid process.ProcessID) ([]DexDumpResult, error) {
	proc, release, err := d.session(ctx, pid)
	if err != nil {
		return nil, err
	}
	defer release()

	maps, err := proc.GetMemoryMap()
	if err != nil {
		return nil, err
	}

	images, err := dexscan.ScanProcess(ctx, d.extractor(proc), maps, d.cfg.Dex)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no DEX image in %d regions: %w", len(maps), process.ErrNoMatchFound)
	}

	results := make([]DexDumpResult, 0, len(images))
	for _, img := range images {
		region := ""
		if item := memory_map.GetMemoryRegionForAddress(uint64(img.Addr), maps); item != nil {
			region = item.Path
		}
		results = append(results, DexDumpResult{
			Offset:       uint64(img.Addr),
			Data:         img.Data,
			Region:       region,
			DeclaredSize: img.DeclaredSize,
			Repaired:     img.Repaired,
			Partial:      img.Partial,
		})
	}
	d.log.Infoln("Found", len(results), "DEX images")
	return results, nil
}
