package dumper

import (
	"fmt"
	"path/filepath"
	"strings"

	"androdump/elffix"
	"androdump/process"
	"androdump/soinfo"
)

// ModuleInfo is one row of a module listing.
type ModuleInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Base    uint64 `json:"base"`
	Size    uint64 `json:"size"`
	Regions int    `json:"regions"`
	// Gaps counts the holes inside the span that belong to other mappings.
	Gaps int `json:"gaps"`
}

// ElfDumpResult is a dumped module, repaired when auto-fix is on.
type ElfDumpResult struct {
	Name       string
	Path       string
	Base       uint64
	Size       uint64
	SizeSource soinfo.Source

	// Raw is the module exactly as extracted, with unreadable chunks zero-filled.
	Raw []byte
	// Data is the repaired ELF when Fixed, otherwise Raw.
	Data  []byte
	Fixed bool
	// Partial is set when any chunk was unreadable or a table was cut off.
	Partial    bool
	Unreadable []process.Range
	Warnings   []string

	Fix *elffix.Result
}

func stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// RawFileName is "<stem>_<0xbase>_<size>_dump.so".
func (r *ElfDumpResult) RawFileName() string {
	return fmt.Sprintf("%s_0x%x_%d_dump.so", stem(r.Name), r.Base, r.Size)
}

// FixedFileName is RawFileName with ".fix.so" appended.
func (r *ElfDumpResult) FixedFileName() string {
	return r.RawFileName() + ".fix.so"
}

// FileName names Data.
func (r *ElfDumpResult) FileName() string {
	if r.Fixed {
		return r.FixedFileName()
	}
	return r.RawFileName()
}

// ModuleOutcome is the result of one module in a batch. Exactly one of Result and
// Err is set, except for a failed repair, which keeps the raw Result as well.
type ModuleOutcome struct {
	Name   string
	Result *ElfDumpResult
	Err    error
}

// DexDumpResult is one carved DEX image.
type DexDumpResult struct {
	// Offset is the address of the image in the target.
	Offset uint64
	Data   []byte
	// Region is the path of the mapping it was found in.
	Region       string
	DeclaredSize uint32
	Repaired     bool
	Partial      bool
}

// FileName is "dex_<0xaddr>.dex".
func (r DexDumpResult) FileName() string {
	return fmt.Sprintf("dex_0x%x.dex", r.Offset)
}
