//go:build linux

package process_linux

import (
	"runtime"
	"sync"

	"androdump/process"
)

// tracer owns the OS thread every ptrace request and memory transfer runs on.
// ptrace ties a tracee to the thread that seized it, so all calls are funneled here.
type tracer struct {
	requests chan func()
	quit     chan struct{}
	once     sync.Once
}

func newTracer() *tracer {
	t := &tracer{
		requests: make(chan func()),
		quit:     make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *tracer) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case fn := <-t.requests:
			fn()
		case <-t.quit:
			return
		}
	}
}

// do runs fn on the tracer thread and waits for it to finish.
func (t *tracer) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case t.requests <- func() { errc <- fn() }:
	case <-t.quit:
		return process.ErrNotAttached
	}
	return <-errc
}

func (t *tracer) stop() {
	t.once.Do(func() { close(t.quit) })
}
