package memory_map

import (
	"path/filepath"
	"sort"
	"strings"
)

// Span is a half-open address interval [Start, End).
type Span struct {
	Start uint64
	End   uint64
}

func (s Span) Size() uint64 {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// Module is the ordered set of regions sharing one backing path.
type Module struct {
	Name    string          // basename of Path
	Path    string          // backing file
	Regions []MemoryMapItem // sorted by address
}

// Base returns the lowest mapped address of the module.
func (m Module) Base() uint64 {
	if len(m.Regions) == 0 {
		return 0
	}
	return m.Regions[0].Address
}

// End returns the highest end address over all regions.
func (m Module) End() uint64 {
	var end uint64
	for _, r := range m.Regions {
		if r.End() > end {
			end = r.End()
		}
	}
	return end
}

// Span merges every region into [min(start), max(end)).
func (m Module) Span() Span {
	return Span{Start: m.Base(), End: m.End()}
}

func (m Module) Size() uint64 {
	return m.Span().Size()
}

// Gaps returns the holes between consecutive regions that belong to other mappings.
func (m Module) Gaps() []Span {
	var gaps []Span
	for i := 1; i < len(m.Regions); i++ {
		prevEnd := m.Regions[i-1].End()
		if m.Regions[i].Address > prevEnd {
			gaps = append(gaps, Span{Start: prevEnd, End: m.Regions[i].Address})
		}
	}
	return gaps
}

// IsSharedObject reports whether the module path looks like a shared library.
func (m Module) IsSharedObject() bool {
	return strings.Contains(filepath.Base(m.Path), ".so")
}

// MatchesModuleName reports whether path is named by name, either by exact basename
// or by a path suffix that ends on a component boundary.
func MatchesModuleName(path, name string) bool {
	if path == "" || name == "" {
		return false
	}
	if path == name || filepath.Base(path) == name {
		return true
	}
	return strings.HasSuffix(path, "/"+strings.TrimPrefix(name, "/"))
}

// ListModules groups the file-backed regions of a memory map by path, ordered by base address.
func ListModules(memoryMap []MemoryMapItem) []Module {
	byPath := make(map[string]*Module)
	var order []*Module

	for _, item := range memoryMap {
		if !item.IsFileBacked() {
			continue
		}
		path := strings.TrimSuffix(item.Path, " (deleted)")
		mod, ok := byPath[path]
		if !ok {
			mod = &Module{Name: filepath.Base(path), Path: path}
			byPath[path] = mod
			order = append(order, mod)
		}
		mod.Regions = append(mod.Regions, item)
	}

	modules := make([]Module, 0, len(order))
	for _, mod := range order {
		sort.Slice(mod.Regions, func(i, j int) bool {
			return mod.Regions[i].Address < mod.Regions[j].Address
		})
		modules = append(modules, *mod)
	}
	sort.SliceStable(modules, func(i, j int) bool {
		return modules[i].Base() < modules[j].Base()
	})
	return modules
}

// FindModule returns the lowest-addressed module whose path matches name.
// All regions of that path are merged into the returned module.
func FindModule(memoryMap []MemoryMapItem, name string) (Module, bool) {
	for _, mod := range ListModules(memoryMap) {
		if MatchesModuleName(mod.Path, name) {
			return mod, true
		}
	}
	return Module{}, false
}
