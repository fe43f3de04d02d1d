// Package hexdump renders captured memory as a hex listing keyed by target address.
package hexdump

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"androdump/process"
	"androdump/process/memory_map"

	"github.com/Moonlight-Companies/gologger/coloransi"
)

// Options defines options for customizing the hexdump output
type Options struct {
	// BytesPerLine defines the number of bytes to display per line
	BytesPerLine int

	// GroupSize defines the grouping of bytes (usually 1, 2, 4, or 8)
	GroupSize int

	// Base is the target address of data[0]
	Base uint64

	// Unreadable ranges print as "??" instead of their zero fill
	Unreadable []process.Range

	// Highlight marks every occurrence of these bytes
	Highlight []byte

	// MaxLines is the maximum number of lines to show (0 for no limit)
	MaxLines int

	// Maps, when set, annotates each line with the 8-byte words that point into a mapped region
	Maps []memory_map.MemoryMapItem

	// Color enables ANSI colors
	Color bool
}

// DefaultOptions returns the default hexdump options
func DefaultOptions() Options {
	return Options{
		BytesPerLine: 16,
		GroupSize:    1,
		Color:        true,
	}
}

type painter struct {
	on bool
}

func (p painter) paint(c coloransi.ColorCode, s string) string {
	if !p.on {
		return s
	}
	return coloransi.Foreground(c, s)
}

// Dump creates a hex dump of data with the given options
func Dump(data []byte, opts Options) string {
	var buf bytes.Buffer
	Write(&buf, data, opts)
	return buf.String()
}

// Write writes a hex dump of data to w
func Write(w io.Writer, data []byte, opts Options) {
	if opts.BytesPerLine <= 0 {
		opts.BytesPerLine = 16
	}
	if opts.GroupSize <= 0 {
		opts.GroupSize = 1
	}

	marks := highlights(data, opts.Highlight)
	p := painter{on: opts.Color}

	for line, off := 0, 0; off < len(data); line, off = line+1, off+opts.BytesPerLine {
		if opts.MaxLines > 0 && line >= opts.MaxLines {
			fmt.Fprintf(w, "... %d more bytes\n", len(data)-off)
			return
		}
		end := min(off+opts.BytesPerLine, len(data))
		writeLine(w, data, off, end, marks, p, opts)
	}
}

func writeLine(w io.Writer, data []byte, off, end int, marks []bool, p painter, opts Options) {
	addr := opts.Base + uint64(off)
	fmt.Fprint(w, p.paint(coloransi.Cyan, fmt.Sprintf("%016x", addr)), "  ")

	var hex, ascii strings.Builder
	for i := off; i < off+opts.BytesPerLine; i++ {
		if i > off && (i-off)%opts.GroupSize == 0 {
			hex.WriteByte(' ')
		}
		if i >= end {
			hex.WriteString("  ")
			continue
		}
		b := data[i]
		switch {
		case unreadable(opts.Base+uint64(i), opts.Unreadable):
			hex.WriteString(p.paint(coloransi.Red, "??"))
			ascii.WriteString(p.paint(coloransi.Red, "?"))
			continue
		case marks[i]:
			hex.WriteString(p.paint(coloransi.Yellow, fmt.Sprintf("%02x", b)))
		case b == 0:
			hex.WriteString(p.paint(coloransi.BrightBlack, "00"))
		default:
			hex.WriteString(p.paint(coloransi.Green, fmt.Sprintf("%02x", b)))
		}
		if b >= 0x20 && b < 0x7f {
			ascii.WriteByte(b)
		} else {
			ascii.WriteByte('.')
		}
	}
	fmt.Fprint(w, hex.String(), " |", ascii.String(), "|")

	if opts.Maps != nil {
		for i := off; i+8 <= end; i += 8 {
			ptr := binary.LittleEndian.Uint64(data[i : i+8])
			if memory_map.GetMemoryRegionForAddress(ptr, opts.Maps) != nil {
				fmt.Fprint(w, " ", p.paint(coloransi.Yellow, fmt.Sprintf("0x%x", ptr)))
			}
		}
	}
	fmt.Fprintln(w)
}

// highlights marks every byte covered by an occurrence of pattern.
func highlights(data, pattern []byte) []bool {
	marks := make([]bool, len(data))
	if len(pattern) == 0 {
		return marks
	}
	for i := 0; i+len(pattern) <= len(data); {
		j := bytes.Index(data[i:], pattern)
		if j < 0 {
			break
		}
		for k := i + j; k < i+j+len(pattern); k++ {
			marks[k] = true
		}
		i += j + 1
	}
	return marks
}

func unreadable(addr uint64, holes []process.Range) bool {
	for _, h := range holes {
		if addr >= uint64(h.Start) && addr < uint64(h.End) {
			return true
		}
	}
	return false
}
