package process_blob

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"androdump/process"
	"androdump/process/memory_map"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

// ProcessDump implements process.Process over a captured snapshot: a memory map plus
// the bytes of some of its regions. Regions without a blob read as unreadable.
type ProcessDump struct {
	PID       process.ProcessID
	Name      string
	SessionID string
	Created   time.Time
	MemoryMap []memory_map.MemoryMapItem
	Blobs     map[uint64][]byte // Address -> Data
	// Unreadable lists the ranges inside captured regions whose bytes were never read.
	Unreadable []process.Range

	mu       sync.Mutex
	attached bool
	log      *logger.Logger
}

var _ process.Process = (*ProcessDump)(nil)

type dumpMetadata struct {
	PID       process.ProcessID `json:"pid"`
	Name      string            `json:"name"`
	SessionID string            `json:"session_id,omitempty"`
	Created   time.Time         `json:"created"`
}

// NewProcessDump creates a new ProcessDump instance
func NewProcessDump(pid process.ProcessID, name string) *ProcessDump {
	return &ProcessDump{
		PID:     pid,
		Name:    name,
		Created: time.Now().UTC(),
		Blobs:   make(map[uint64][]byte),
		log:     logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, fmt.Sprintf("snapshot-%d", pid))),
	}
}

// AddRegion records a memory map entry and, when data is non-nil, its bytes.
func (p *ProcessDump) AddRegion(item memory_map.MemoryMapItem, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addRegion(item, data, nil)
}

// AddBlob records a memory map entry with the bytes of blob, keeping the
// ranges blob could not read as unreadable.
func (p *ProcessDump) AddBlob(item memory_map.MemoryMapItem, blob *ProcessBlob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addRegion(item, blob.Data(), blob.Unreadable())
}

func (p *ProcessDump) addRegion(item memory_map.MemoryMapItem, data []byte, unreadable []process.Range) {
	i := sort.Search(len(p.MemoryMap), func(i int) bool {
		return p.MemoryMap[i].Address >= item.Address
	})
	if i < len(p.MemoryMap) && p.MemoryMap[i].Address == item.Address {
		p.MemoryMap[i] = item
	} else {
		p.MemoryMap = append(p.MemoryMap, memory_map.MemoryMapItem{})
		copy(p.MemoryMap[i+1:], p.MemoryMap[i:])
		p.MemoryMap[i] = item
	}

	region := process.Range{Start: process.ProcessMemoryAddress(item.Address), End: process.ProcessMemoryAddress(item.End())}
	kept := p.Unreadable[:0]
	for _, r := range p.Unreadable {
		if r.End <= region.Start || r.Start >= region.End {
			kept = append(kept, r)
		}
	}
	p.Unreadable = kept

	if data == nil {
		delete(p.Blobs, item.Address)
		return
	}
	p.Blobs[item.Address] = data
	for _, r := range unreadable {
		if r := clipRange(r, region); r.Size() > 0 {
			p.Unreadable = append(p.Unreadable, r)
		}
	}
	p.Unreadable = process.MergeRanges(p.Unreadable)
}

func clipRange(r, to process.Range) process.Range {
	return process.Range{Start: max(r.Start, to.Start), End: min(r.End, to.End)}
}

// Attach accepts the snapshot's own pid, or zero to mean "whatever was captured".
func (p *ProcessDump) Attach(pid process.ProcessID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pid != 0 && pid != p.PID {
		return fmt.Errorf("%w: snapshot holds pid %d, not %d", process.ErrProcessNotFound, p.PID, pid)
	}
	p.attached = true
	return nil
}

func (p *ProcessDump) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = false
	return nil
}

func (p *ProcessDump) GetPID() process.ProcessID {
	return p.PID
}

func (p *ProcessDump) IsAttached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

func (p *ProcessDump) GetMemoryMap() ([]memory_map.MemoryMapItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]memory_map.MemoryMapItem, len(p.MemoryMap))
	copy(result, p.MemoryMap)
	return result, nil
}

func (p *ProcessDump) ReadMemoryPartial(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, []process.Range, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.attached {
		return nil, nil, process.ErrNotAttached
	}

	buf := make([]byte, size)
	var unreadable []process.Range

	cur := uint64(addr)
	end := uint64(addr) + uint64(size)
	for cur < end {
		region := memory_map.IsValidAddress2(cur, p.MemoryMap)
		if region == nil {
			// unmapped up to the next region or the end of the request
			next := end
			i := sort.Search(len(p.MemoryMap), func(i int) bool {
				return p.MemoryMap[i].Address > cur
			})
			if i < len(p.MemoryMap) && p.MemoryMap[i].Address < end {
				next = p.MemoryMap[i].Address
			}
			unreadable = append(unreadable, process.Range{Start: process.ProcessMemoryAddress(cur), End: process.ProcessMemoryAddress(next)})
			cur = next
			continue
		}

		stop := min(region.End(), end)
		data := p.Blobs[region.Address]
		have := uint64(0)
		if off := cur - region.Address; off < uint64(len(data)) {
			have = uint64(copy(buf[cur-uint64(addr):stop-uint64(addr)], data[off:]))
		}
		read := process.Range{Start: process.ProcessMemoryAddress(cur), End: process.ProcessMemoryAddress(cur + have)}
		for _, r := range p.Unreadable {
			if r := clipRange(r, read); r.Size() > 0 {
				unreadable = append(unreadable, r)
			}
		}
		if cur+have < stop {
			unreadable = append(unreadable, process.Range{Start: process.ProcessMemoryAddress(cur + have), End: process.ProcessMemoryAddress(stop)})
		}
		cur = stop
	}

	return buf, process.MergeRanges(unreadable), nil
}

func (p *ProcessDump) ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	data, unreadable, err := p.ReadMemoryPartial(addr, size)
	if err != nil {
		return nil, err
	}
	if len(unreadable) > 0 {
		return nil, &process.UnreadableRegionError{Ranges: unreadable}
	}
	return data, nil
}

// WriteMemory patches the captured bytes; the target region must be writable and captured.
func (p *ProcessDump) WriteMemory(addr process.ProcessMemoryAddress, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.attached {
		return process.ErrNotAttached
	}

	region := memory_map.IsValidAddress2(uint64(addr), p.MemoryMap)
	if region == nil {
		return fmt.Errorf("%w: 0x%x", process.ErrAddressNotMapped, uint64(addr))
	}
	if !region.IsWritable() {
		return fmt.Errorf("memory region at 0x%x is not writable", region.Address)
	}
	blob := p.Blobs[region.Address]
	off := uint64(addr) - region.Address
	if off+uint64(len(data)) > uint64(len(blob)) {
		return fmt.Errorf("write of %d bytes at 0x%x exceeds captured region data", len(data), uint64(addr))
	}
	copy(blob[off:], data)
	return nil
}

func blobFileName(region memory_map.MemoryMapItem) string {
	return fmt.Sprintf("blob_0x%x_%d.bin", region.Address, region.Size)
}

const unreadableFile = "unreadable.json"

// Save writes metadata.json, process_memory_map.json, unreadable.json when a
// captured region has holes, and one blob file per captured region.
func (p *ProcessDump) Save(dirname string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(dirname, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	metadataJSON, err := json.MarshalIndent(dumpMetadata{
		PID:       p.PID,
		Name:      p.Name,
		SessionID: p.SessionID,
		Created:   p.Created,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dirname, "metadata.json"), metadataJSON, 0644); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	memoryMapJSON, err := json.MarshalIndent(p.MemoryMap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal memory map: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dirname, "process_memory_map.json"), memoryMapJSON, 0644); err != nil {
		return fmt.Errorf("failed to write memory map file: %w", err)
	}

	if len(p.Unreadable) > 0 {
		unreadableJSON, err := json.MarshalIndent(p.Unreadable, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal unreadable ranges: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dirname, unreadableFile), unreadableJSON, 0644); err != nil {
			return fmt.Errorf("failed to write unreadable ranges file: %w", err)
		}
	}

	saved := 0
	for _, region := range p.MemoryMap {
		data, ok := p.Blobs[region.Address]
		if !ok {
			continue
		}
		filename := filepath.Join(dirname, blobFileName(region))
		if err := os.WriteFile(filename, data, 0644); err != nil {
			return fmt.Errorf("failed to write blob for region 0x%x: %w", region.Address, err)
		}
		saved++
	}

	p.log.Infoln("Snapshot saved to", dirname, ":", saved, "of", len(p.MemoryMap), "regions")
	return nil
}

// Load reads a snapshot written by Save.
func Load(dirname string) (*ProcessDump, error) {
	metadataBytes, err := os.ReadFile(filepath.Join(dirname, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata dumpMetadata
	if err := json.Unmarshal(metadataBytes, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	p := NewProcessDump(metadata.PID, metadata.Name)
	p.SessionID = metadata.SessionID
	p.Created = metadata.Created

	mmBytes, err := os.ReadFile(filepath.Join(dirname, "process_memory_map.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read memory map: %w", err)
	}

	if err := json.Unmarshal(mmBytes, &p.MemoryMap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal memory map: %w", err)
	}

	sort.Slice(p.MemoryMap, func(i, j int) bool {
		return p.MemoryMap[i].Address < p.MemoryMap[j].Address
	})

	unreadableBytes, err := os.ReadFile(filepath.Join(dirname, unreadableFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(unreadableBytes, &p.Unreadable); err != nil {
			return nil, fmt.Errorf("failed to unmarshal unreadable ranges: %w", err)
		}
		p.Unreadable = process.MergeRanges(p.Unreadable)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read unreadable ranges: %w", err)
	}

	for _, region := range p.MemoryMap {
		filename := filepath.Join(dirname, blobFileName(region))
		data, err := os.ReadFile(filename)
		if os.IsNotExist(err) {
			continue // region was not captured
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read blob %s: %w", filename, err)
		}
		p.Blobs[region.Address] = data
	}

	p.log.Infoln("Snapshot loaded from", dirname, ":", len(p.Blobs), "captured regions")
	return p, nil
}
