package process

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ProcessMemoryAddress represents a memory address within a process
type ProcessMemoryAddress uint64

func (pma ProcessMemoryAddress) ToString() string {
	return fmt.Sprintf("0x%X", uint64(pma))
}

// ProcessMemorySize represents a size of memory region
type ProcessMemorySize uint

func (pms ProcessMemorySize) ToString() string {
	return fmt.Sprintf("%d bytes", uint(pms))
}

// Range is a half-open address interval [Start, End).
type Range struct {
	Start ProcessMemoryAddress `json:"start"`
	End   ProcessMemoryAddress `json:"end"`
}

func (r Range) Size() ProcessMemorySize {
	if r.End <= r.Start {
		return 0
	}
	return ProcessMemorySize(r.End - r.Start)
}

func (r Range) Contains(addr ProcessMemoryAddress) bool {
	return addr >= r.Start && addr < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("0x%x-0x%x", uint64(r.Start), uint64(r.End))
}

// MergeRanges sorts ranges and coalesces the ones that touch or overlap.
func MergeRanges(ranges []Range) []Range {
	if len(ranges) < 2 {
		return ranges
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	out := sorted[:1]
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// AOB (Array of Bytes) represents a pattern to search for in memory
type AOB struct {
	Pattern []byte // The byte pattern to search for
	Mask    []byte // Optional mask where 0xFF means exact match and 0x00 means wildcard
}

// IsValid checks if the AOB pattern is valid
func (aob AOB) IsValid() bool {
	return len(aob.Pattern) > 0 && len(aob.Pattern) == len(aob.Mask)
}

// ParseAOB parses a signature such as "64 65 78 0A 30 ?? ?? 00".
func ParseAOB(signature string) (AOB, error) {
	fields := strings.Fields(signature)
	if len(fields) == 0 {
		return AOB{}, fmt.Errorf("empty signature")
	}

	aob := AOB{
		Pattern: make([]byte, len(fields)),
		Mask:    make([]byte, len(fields)),
	}
	for i, f := range fields {
		if f == "?" || f == "??" {
			continue
		}
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return AOB{}, fmt.Errorf("signature byte %d %q: %w", i, f, err)
		}
		aob.Pattern[i] = byte(v)
		aob.Mask[i] = 0xFF
	}
	return aob, nil
}

// Match reports whether the pattern matches data at offset.
func (aob AOB) Match(data []byte, offset int) bool {
	if offset < 0 || offset+len(aob.Pattern) > len(data) {
		return false
	}
	for j := range aob.Pattern {
		if aob.Mask[j] == 0 {
			continue
		}
		if data[offset+j]&aob.Mask[j] != aob.Pattern[j]&aob.Mask[j] {
			return false
		}
	}
	return true
}

// FindAll returns every offset in data where the pattern matches, ascending.
func (aob AOB) FindAll(data []byte) []int {
	if !aob.IsValid() || len(data) < len(aob.Pattern) {
		return nil
	}

	var matches []int
	first := -1
	for j := range aob.Mask {
		if aob.Mask[j] == 0xFF {
			first = j
			break
		}
	}

	for i := 0; i <= len(data)-len(aob.Pattern); i++ {
		if first >= 0 && data[i+first] != aob.Pattern[first] {
			continue
		}
		if aob.Match(data, i) {
			matches = append(matches, i)
		}
	}
	return matches
}
