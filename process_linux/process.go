//go:build linux

package process_linux

import (
	"fmt"
	"os"
	"sync"

	"androdump/process"
	"androdump/process/memory_map"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/hashicorp/go-multierror"
)

// Options selects the freeze and read strategies of a LinuxProcess.
type Options struct {
	Freeze FreezeMethod
	Read   ReadMethod
}

func DefaultOptions() Options {
	return Options{
		Freeze: FreezePtrace,
		Read:   ReadVM,
	}
}

// LinuxProcess implements the process.Process interface for Linux and Android targets
type LinuxProcess struct {
	opts Options
	pid  process.ProcessID
	log  *logger.Logger
	mu   sync.Mutex

	attached bool
	tracer   *tracer
	threads  []int
	mem      *os.File
}

var _ process.Process = (*LinuxProcess)(nil)

// New creates a new LinuxProcess instance
func New(opts Options) *LinuxProcess {
	if opts.Freeze == "" {
		opts.Freeze = FreezePtrace
	}
	if opts.Read == "" {
		opts.Read = ReadVM
	}
	return &LinuxProcess{
		opts: opts,
		log:  logger.NewLogger(coloransi.Color(coloransi.Red, coloransi.ColorOrange, "process-not-attached")),
	}
}

// NewWithPID creates a new LinuxProcess instance and attaches it to the given PID
func NewWithPID(pid process.ProcessID, opts Options) (*LinuxProcess, error) {
	p := New(opts)
	if err := p.Attach(pid); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *LinuxProcess) Attach(pid process.ProcessID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attached {
		return fmt.Errorf("already attached to pid %d", p.pid)
	}

	if !procExists(int(pid)) {
		return fmt.Errorf("%w: pid %d", process.ErrProcessNotFound, pid)
	}

	info, err := ReadProcessInfo(pid)
	if err != nil {
		return classifyError(pid, err)
	}
	if info.TracerPID != 0 {
		return fmt.Errorf("%w: pid %d is traced by %d", process.ErrAlreadyTraced, pid, info.TracerPID)
	}

	t := newTracer()
	var threads []int
	err = t.do(func() error {
		switch p.opts.Freeze {
		case FreezeSignal:
			return stopGroup(pid)
		default:
			var err error
			threads, err = freezeAllThreads(pid)
			return err
		}
	})
	if err != nil {
		t.stop()
		return classifyError(pid, err)
	}

	if p.opts.Read == ReadProcMem {
		mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", pid))
		if err != nil {
			t.do(func() error { return p.release(pid, threads) })
			t.stop()
			return classifyError(pid, err)
		}
		p.mem = mem
	}

	p.pid = pid
	p.tracer = t
	p.threads = threads
	p.attached = true
	p.log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, fmt.Sprintf("process-%d", pid)))

	p.log.Infoln("Attached with", string(p.opts.Freeze), "freeze,", len(threads), "threads stopped")

	return nil
}

// release resumes the target. Runs on the tracer thread.
func (p *LinuxProcess) release(pid process.ProcessID, threads []int) error {
	if p.opts.Freeze == FreezeSignal {
		return continueGroup(pid)
	}
	return unfreezeAllThreads(threads)
}

// Detach resumes the target and drops the trace. Calling it again is a no-op.
func (p *LinuxProcess) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.attached {
		return nil
	}

	var result error
	pid, threads := p.pid, p.threads
	if err := p.tracer.do(func() error { return p.release(pid, threads) }); err != nil {
		result = multierror.Append(result, err)
	}
	p.tracer.stop()

	if p.mem != nil {
		if err := p.mem.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		p.mem = nil
	}

	p.attached = false
	p.threads = nil
	p.tracer = nil

	p.log.Infoln("Detached")
	p.log = logger.NewLogger(coloransi.Color(coloransi.Red, coloransi.ColorOrange, "process-not-attached"))

	return result
}

// GetPID returns the process ID
func (p *LinuxProcess) GetPID() process.ProcessID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *LinuxProcess) IsAttached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// GetMemoryMap reads /proc/<pid>/maps afresh.
func (p *LinuxProcess) GetMemoryMap() ([]memory_map.MemoryMapItem, error) {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()

	if pid == 0 {
		return nil, process.ErrNotAttached
	}
	return ReadMemoryMap(pid)
}

// ReadMemoryMap reads the memory map of any pid, attached or not.
func ReadMemoryMap(pid process.ProcessID) ([]memory_map.MemoryMapItem, error) {
	mm, err := memory_map.NewLinuxMemoryMap().ReadMemoryMap(int(pid))
	if err != nil {
		return nil, classifyError(pid, fmt.Errorf("failed to read memory map: %w", err))
	}
	return mm, nil
}

// session is a snapshot of the attached state taken under lock.
type session struct {
	tracer *tracer
	pid    process.ProcessID
	method ReadMethod
	mem    *os.File
}

func (p *LinuxProcess) session() (session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return session{}, process.ErrNotAttached
	}
	return session{tracer: p.tracer, pid: p.pid, method: p.opts.Read, mem: p.mem}, nil
}
