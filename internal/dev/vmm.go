package dev

import (
	"fmt"

	"github.com/orbvm/orbvm/internal/bootenv"
	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/ram"
)

// Vmm is the shutdown device. It is the only device that can end the run
// loop; everything else just mutates state and continues.
type Vmm struct {
	addr   uint64
	length uint64
	events Events
}

var _ Device = (*Vmm)(nil)

func (v *Vmm) Name() string { return "vmm" }
func (v *Vmm) Addr() uint64 { return v.addr }
func (v *Vmm) Len() uint64  { return v.length }

func (v *Vmm) CreateContext(cpu hv.Cpu, r *ram.Ram) Context {
	return &vmmContext{dev: v}
}

type vmmContext struct {
	dev *Vmm
}

func (c *vmmContext) Mmio(io hv.CpuIo) (bool, error) {
	off := io.Addr() - c.dev.addr

	if off != bootenv.OffVmmShutdown {
		return false, &UnknownFieldError{Off: off}
	}

	v, err := readU8(io)
	if err != nil {
		return false, fmt.Errorf("couldn't read data for offset %#x: %w", off, err)
	}

	status, err := bootenv.ParseKernelExit(v)
	if err != nil {
		return false, err
	}

	c.dev.events.Shutdown(status)

	return false, nil
}
