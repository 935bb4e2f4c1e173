package vmm

import (
	"sync/atomic"

	"github.com/orbvm/orbvm/internal/gdb"
	"github.com/orbvm/orbvm/internal/hv"
)

// bridge pairs the CPU 0 thread with the debugger thread. The CPU side owns
// the native vCPU handle, so every debugger operation that touches it is
// shipped over as a closure and executed on the CPU thread while the CPU is
// parked at a stop.
//
// The debugger side blocks until the CPU thread responds; the CPU side never
// blocks outside park.
type bridge struct {
	exec      chan execReq
	resume    chan bool
	stops     chan gdb.StopEvent
	interrupt atomic.Bool
}

type execReq struct {
	fn   func(cpu hv.Cpu) error
	done chan error
}

func newBridge() *bridge {
	return &bridge{
		exec:   make(chan execReq),
		resume: make(chan bool),
		// One outstanding stop at most: the CPU does not run again until
		// the debugger resumes it.
		stops: make(chan gdb.StopEvent, 1),
	}
}

// park announces a stop and serves debugger requests until the debugger
// resumes the CPU. Returns whether the resume is a single step. Called on
// the CPU thread only.
func (b *bridge) park(cpu hv.Cpu, pc uint64) bool {
	b.stops <- gdb.StopEvent{Cpu: cpu.ID(), Pc: pc}

	for {
		select {
		case req := <-b.exec:
			req.done <- req.fn(cpu)
		case step := <-b.resume:
			return step
		}
	}
}

// pollInterrupt reports whether the debugger asked the CPU to stop. Called
// on the CPU thread after every exit; it must not block.
func (b *bridge) pollInterrupt() bool {
	return b.interrupt.CompareAndSwap(true, false)
}

// Exec runs fn on the CPU thread and waits for its result. Only valid while
// the CPU is parked.
func (b *bridge) Exec(fn func(cpu hv.Cpu) error) error {
	done := make(chan error, 1)
	b.exec <- execReq{fn: fn, done: done}

	return <-done
}

// Resume releases a parked CPU. step arms a single instruction step.
func (b *bridge) Resume(step bool) {
	b.resume <- step
}

// Interrupt asks a running CPU to park at its next exit.
func (b *bridge) Interrupt() {
	b.interrupt.Store(true)
}
