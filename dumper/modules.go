package dumper

import (
	"context"
	"errors"
	"fmt"

	"androdump/elffix"
	"androdump/process"
	"androdump/process/memory_map"
	"androdump/soinfo"
)

// ListModules reads the maps of pid once, without attaching.
func (d *Dumper) ListModules(ctx context.Context, pid process.ProcessID) ([]ModuleInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	maps, err := d.source.ReadMemoryMap(pid)
	if err != nil {
		return nil, err
	}

	var infos []ModuleInfo
	for _, m := range memory_map.ListModules(maps) {
		if d.cfg.OnlySharedObjects && !m.IsSharedObject() {
			continue
		}
		infos = append(infos, ModuleInfo{
			Name:    m.Name,
			Path:    m.Path,
			Base:    m.Base(),
			Size:    m.Size(),
			Regions: len(m.Regions),
			Gaps:    len(m.Gaps()),
		})
	}
	return infos, nil
}

// DumpAndFix dumps the module matching name and, with AutoFix, rebuilds its
// section headers. When the rebuild fails structurally the raw dump is still
// returned alongside the error.
func (d *Dumper) DumpAndFix(ctx context.Context, pid process.ProcessID, name string) (*ElfDumpResult, error) {
	proc, release, err := d.session(ctx, pid)
	if err != nil {
		return nil, err
	}
	defer release()

	maps, err := proc.GetMemoryMap()
	if err != nil {
		return nil, err
	}
	return d.dumpModule(ctx, proc, maps, name)
}

// DumpModules dumps several modules under one attach session. A module that is
// missing or cannot be rebuilt is reported in its outcome and the batch goes on.
// With no names, every shared object is dumped.
func (d *Dumper) DumpModules(ctx context.Context, pid process.ProcessID, names []string) ([]ModuleOutcome, error) {
	proc, release, err := d.session(ctx, pid)
	if err != nil {
		return nil, err
	}
	defer release()

	maps, err := proc.GetMemoryMap()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		for _, m := range memory_map.ListModules(maps) {
			if m.IsSharedObject() {
				names = append(names, m.Path)
			}
		}
	}

	outcomes := make([]ModuleOutcome, 0, len(names))
	for _, name := range names {
		res, err := d.dumpModule(ctx, proc, maps, name)
		outcomes = append(outcomes, ModuleOutcome{Name: name, Result: res, Err: err})
		if err != nil && !moduleLocal(err) {
			return outcomes, err
		}
	}
	return outcomes, nil
}

// moduleLocal reports whether err concerns one module only.
func moduleLocal(err error) bool {
	return errors.Is(err, process.ErrNoMatchFound) || elffix.IsStructural(err)
}

func (d *Dumper) dumpModule(ctx context.Context, proc process.Process, maps []memory_map.MemoryMapItem, name string) (*ElfDumpResult, error) {
	module, ok := memory_map.FindModule(maps, name)
	if !ok {
		return nil, fmt.Errorf("module %q: %w", name, process.ErrNoMatchFound)
	}

	size, source := module.Size(), soinfo.SourceMaps
	if d.cfg.UseSoinfo {
		size, source = d.soinfo.Size(proc, maps, module)
	}

	if gaps := module.Gaps(); len(gaps) > 0 {
		d.log.Debugln("Module", module.Name, "span has", len(gaps), "gaps mapped by others, first at", process.ProcessMemoryAddress(gaps[0].Start).ToString())
	}
	span := memory_map.Span{Start: module.Base(), End: module.Base() + size}
	blob, err := d.extractor(proc).Extract(ctx, span)
	if err != nil {
		return nil, err
	}

	res := &ElfDumpResult{
		Name:       module.Name,
		Path:       module.Path,
		Base:       module.Base(),
		Size:       size,
		SizeSource: source,
		Raw:        blob.Data(),
		Data:       blob.Data(),
		Partial:    blob.IsPartial(),
		Unreadable: blob.Unreadable(),
	}
	d.log.Infoln("Dumped", module.Name, "at", process.ProcessMemoryAddress(res.Base).ToString(), "size", size, "partial:", res.Partial)

	if !d.cfg.AutoFix {
		return res, nil
	}

	fixed, err := elffix.Fix(blob, d.cfg.Elf)
	if err != nil {
		res.Warnings = append(res.Warnings, err.Error())
		return res, fmt.Errorf("rebuild %s: %w", module.Name, err)
	}
	res.Data = fixed.Data
	res.Fixed = true
	res.Fix = fixed
	res.Partial = res.Partial || fixed.Partial
	res.Warnings = append(res.Warnings, fixed.Warnings...)
	return res, nil
}
