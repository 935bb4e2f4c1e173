package dev

import (
	"fmt"

	"github.com/orbvm/orbvm/internal/bootenv"
	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/ram"
)

// Debugger lets the guest park a CPU until an attached debugger resumes it,
// typically right after boot when the kernel was started in debug mode.
type Debugger struct {
	addr   uint64
	length uint64
	events Events
}

var _ Device = (*Debugger)(nil)

func (d *Debugger) Name() string { return "debugger" }
func (d *Debugger) Addr() uint64 { return d.addr }
func (d *Debugger) Len() uint64  { return d.length }

func (d *Debugger) CreateContext(cpu hv.Cpu, r *ram.Ram) Context {
	return &debuggerContext{dev: d, cpu: cpu}
}

type debuggerContext struct {
	dev *Debugger
	cpu hv.Cpu
}

func (c *debuggerContext) Mmio(io hv.CpuIo) (bool, error) {
	off := io.Addr() - c.dev.addr

	if off != bootenv.OffDebuggerStop {
		return false, &UnknownFieldError{Off: off}
	}

	v, err := readU8(io)
	if err != nil {
		return false, fmt.Errorf("couldn't read data for offset %#x: %w", off, err)
	}

	if _, err := bootenv.ParseStopReason(v); err != nil {
		return false, err
	}

	// Blocks until the debugger resumes this CPU.
	if err := c.dev.events.Stop(c.cpu); err != nil {
		return false, fmt.Errorf("couldn't hand over to the debugger: %w", err)
	}

	return true, nil
}
