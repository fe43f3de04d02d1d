// Package dumper is the entry point for extraction requests. Each request owns one
// attach session on the target and always detaches before returning, whether the
// request finished, failed or was cancelled.
package dumper

import (
	"context"
	"fmt"

	"androdump/dexscan"
	"androdump/elffix"
	"androdump/extract"
	"androdump/process"
	"androdump/process/memory_map"
	"androdump/process_blob"
	"androdump/process_linux"
	"androdump/soinfo"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
)

type Config struct {
	Freeze    process_linux.FreezeMethod
	Read      process_linux.ReadMethod
	ChunkSize int
	Workers   int

	// AutoFix runs the ELF reconstruction on every dumped module.
	AutoFix bool
	// UseSoinfo sizes modules from the linker's soinfo list when possible.
	UseSoinfo  bool
	LinkerPath string
	// OnlySharedObjects limits ListModules to .so files.
	OnlySharedObjects bool

	Elf elffix.Options
	Dex dexscan.Options
}

func DefaultConfig() Config {
	return Config{
		Freeze:     process_linux.FreezePtrace,
		Read:       process_linux.ReadVM,
		ChunkSize:  extract.DefaultChunkSize,
		Workers:    extract.DefaultWorkers,
		AutoFix:    true,
		UseSoinfo:  true,
		LinkerPath: soinfo.DefaultLinkerPath,

		OnlySharedObjects: true,

		Elf: elffix.DefaultOptions(),
		Dex: dexscan.DefaultOptions(),
	}
}

// Source opens process handles for a pid.
type Source interface {
	// Open returns an unattached handle.
	Open() process.Process
	// ReadMemoryMap reads the mappings of pid without attaching.
	ReadMemoryMap(pid process.ProcessID) ([]memory_map.MemoryMapItem, error)
	// Name returns the process name of pid, or "" when unknown.
	Name(pid process.ProcessID) string
}

type liveSource struct {
	opts process_linux.Options
}

func (s liveSource) Open() process.Process {
	return process_linux.New(s.opts)
}

func (s liveSource) ReadMemoryMap(pid process.ProcessID) ([]memory_map.MemoryMapItem, error) {
	return process_linux.ReadMemoryMap(pid)
}

func (s liveSource) Name(pid process.ProcessID) string {
	info, err := process_linux.ReadProcessInfo(pid)
	if err != nil {
		return ""
	}
	return info.Name
}

type snapshotSource struct {
	dump *process_blob.ProcessDump
}

func (s snapshotSource) Open() process.Process {
	return s.dump
}

func (s snapshotSource) ReadMemoryMap(pid process.ProcessID) ([]memory_map.MemoryMapItem, error) {
	if pid != 0 && pid != s.dump.PID {
		return nil, fmt.Errorf("%w: snapshot holds pid %d, not %d", process.ErrProcessNotFound, s.dump.PID, pid)
	}
	return s.dump.GetMemoryMap()
}

func (s snapshotSource) Name(process.ProcessID) string {
	return s.dump.Name
}

type Option func(*Dumper)

// FromSnapshot serves every request from a saved snapshot instead of a live process.
func FromSnapshot(dump *process_blob.ProcessDump) Option {
	return func(d *Dumper) {
		d.source = snapshotSource{dump: dump}
	}
}

// WithSource replaces how process handles are opened.
func WithSource(src Source) Option {
	return func(d *Dumper) {
		d.source = src
	}
}

type Dumper struct {
	cfg    Config
	source Source
	soinfo *soinfo.Resolver
	log    *logger.Logger
}

func New(cfg Config, opts ...Option) *Dumper {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = extract.DefaultChunkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = extract.DefaultWorkers
	}
	if cfg.Dex.Workers <= 0 {
		cfg.Dex.Workers = cfg.Workers
	}

	d := &Dumper{
		cfg:    cfg,
		source: liveSource{opts: process_linux.Options{Freeze: cfg.Freeze, Read: cfg.Read}},
		soinfo: soinfo.NewResolver(cfg.LinkerPath),
		log:    logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "dumper")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// session attaches to pid. The returned release detaches and must always run.
func (d *Dumper) session(ctx context.Context, pid process.ProcessID) (process.Process, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	proc := d.source.Open()
	if err := proc.Attach(pid); err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := proc.Detach(); err != nil {
			d.log.Warn("detach: ", err)
		}
	}
	return proc, release, nil
}

func (d *Dumper) extractor(proc process.Process) *extract.Extractor {
	return extract.New(proc, extract.Options{ChunkSize: d.cfg.ChunkSize, Workers: d.cfg.Workers})
}
