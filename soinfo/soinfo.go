// Package soinfo asks the Android dynamic linker how large a loaded library is.
//
// The linker keeps a singly linked list of soinfo records headed by the static
// solist. On 64-bit builds each record holds the load base at 0x10, the mapped
// size at 0x18 and the next pointer at 0x28. The maps span of a module can be
// shorter than what the linker reserved, so the soinfo size is preferred.
package soinfo

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"androdump/process"
	"androdump/process/memory_map"
	"androdump/process_blob"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

const (
	DefaultLinkerPath = "/system/bin/linker64"
	SolistSymbol      = "__dl__ZL6solist"

	offBase = 0x10
	offSize = 0x18
	offNext = 0x28
	nodeLen = offNext + 8

	maxNodes     = 1000
	searchWindow = 256 * 1024
	// sizes beyond this multiple of the maps span are treated as garbage
	maxGrowth = 10
)

var ErrNotInChain = errors.New("module not in soinfo chain")

// Source names where a module size came from.
type Source string

const (
	SourceChain  Source = "soinfo"
	SourceSearch Source = "soinfo-search"
	SourceMaps   Source = "maps"
)

// Memory is the read side of a process handle.
type Memory interface {
	ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error)
	ReadMemoryPartial(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, []process.Range, error)
}

// Resolver caches the solist offset of one linker binary.
type Resolver struct {
	linkerPath string

	once   sync.Once
	offset uint64
	err    error

	log *logger.Logger
}

func NewResolver(linkerPath string) *Resolver {
	if linkerPath == "" {
		linkerPath = DefaultLinkerPath
	}
	return &Resolver{
		linkerPath: linkerPath,
		log:        logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "soinfo")),
	}
}

func (r *Resolver) solistOffset() (uint64, error) {
	r.once.Do(func() {
		r.offset, r.err = SymbolOffset(r.linkerPath, SolistSymbol)
	})
	return r.offset, r.err
}

// Size returns the loader's size for module, or its maps span when the chain
// cannot be used. Only 64-bit modules are looked up.
func (r *Resolver) Size(mem Memory, maps []memory_map.MemoryMapItem, module memory_map.Module) (uint64, Source) {
	span := module.Size()
	base := module.Base()

	ident, err := mem.ReadMemory(process.ProcessMemoryAddress(base), elf.EI_NIDENT)
	if err != nil || elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		r.log.Debugln("Module", module.Name, "is not a readable 64-bit ELF, using maps size")
		return span, SourceMaps
	}

	head, err := r.head(mem, maps)
	if err != nil {
		r.log.Warn("solist unavailable: ", err)
		return span, SourceMaps
	}

	size, err := WalkChain(mem, head, base)
	source := SourceChain
	if err != nil {
		r.log.Debugln("Chain walk failed:", err, "- searching near the list head")
		size, err = SearchChain(mem, head, base)
		source = SourceSearch
	}
	if err != nil {
		r.log.Debugln("Search failed:", err)
		return span, SourceMaps
	}
	if size == 0 || size > span*maxGrowth {
		r.log.Warn(fmt.Sprintf("soinfo size 0x%x for %s is implausible against span 0x%x", size, module.Name, span))
		return span, SourceMaps
	}

	r.log.Infoln("Module", module.Name, "size", fmt.Sprintf("0x%x", size), "from", string(source))
	return size, source
}

// head reads the solist pointer out of the running linker.
func (r *Resolver) head(mem Memory, maps []memory_map.MemoryMapItem) (uint64, error) {
	offset, err := r.solistOffset()
	if err != nil {
		return 0, err
	}
	linker, ok := memory_map.FindModule(maps, filepath.Base(r.linkerPath))
	if !ok {
		return 0, fmt.Errorf("%s not mapped: %w", r.linkerPath, process.ErrNoMatchFound)
	}
	return readUint64(mem, linker.Base()+offset)
}

// SymbolOffset returns the value of the first symbol in the ELF at path whose
// name contains symbol. The static table is searched before the dynamic one.
func SymbolOffset(path, symbol string) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open linker: %w", err)
	}
	defer f.Close()

	for _, load := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		syms, err := load()
		if err != nil {
			continue
		}
		if v, ok := findSymbol(syms, symbol); ok {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%s in %s: %w", symbol, path, process.ErrNoMatchFound)
}

func findSymbol(syms []elf.Symbol, symbol string) (uint64, bool) {
	for _, s := range syms {
		if strings.Contains(s.Name, symbol) {
			return s.Value, true
		}
	}
	return 0, false
}

// WalkChain follows the soinfo list from head to the record whose base is base.
func WalkChain(mem Memory, head, base uint64) (uint64, error) {
	cur := head
	for i := 0; cur != 0 && i < maxNodes; i++ {
		data, err := mem.ReadMemory(process.ProcessMemoryAddress(cur), nodeLen)
		if err != nil {
			return 0, fmt.Errorf("soinfo at 0x%x: %w", cur, err)
		}
		node, err := readNode(process_blob.NewProcessBlob(process.ProcessMemoryAddress(cur), data))
		if err != nil {
			return 0, err
		}
		if node.base == base {
			return node.size, nil
		}
		cur = node.next
	}
	return 0, ErrNotInChain
}

type node struct {
	base, size, next uint64
}

func readNode(rec process.ProcessOffset) (node, error) {
	var n node
	for _, f := range []struct {
		off process.ProcessMemoryAddress
		dst *uint64
	}{{offBase, &n.base}, {offSize, &n.size}, {offNext, &n.next}} {
		v, err := rec.OffsetUINT64(f.off)
		if err != nil {
			return node{}, fmt.Errorf("soinfo at 0x%x: %w", uint64(rec.Base()), err)
		}
		*f.dst = v
	}
	return n, nil
}

// SearchChain scans the memory after head for base and takes the word that
// follows as the size. It covers chains with unexpected record layouts.
func SearchChain(mem Memory, head, base uint64) (uint64, error) {
	data, _, err := mem.ReadMemoryPartial(process.ProcessMemoryAddress(head), searchWindow)
	if err != nil {
		return 0, err
	}
	var pattern [8]byte
	binary.LittleEndian.PutUint64(pattern[:], base)

	for from := 0; ; {
		i := bytes.Index(data[from:], pattern[:])
		if i < 0 {
			break
		}
		at := from + i + 8
		if at+8 > len(data) {
			break
		}
		if size := binary.LittleEndian.Uint64(data[at:]); size != 0 {
			return size, nil
		}
		from += i + 1
	}
	return 0, ErrNotInChain
}

func readUint64(mem Memory, addr uint64) (uint64, error) {
	b, err := mem.ReadMemory(process.ProcessMemoryAddress(addr), 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
