//go:build linux

package kvm

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/orbvm/orbvm/internal/hv"
	"golang.org/x/sys/unix"
)

type cpu struct {
	hv  *hypervisor
	id  int
	fd  int
	tid int
	run []byte

	debug      bool
	singleStep bool
}

func (c *cpu) ID() int { return c.id }

func (c *cpu) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&c.run[0]))
}

// Run enters the guest until it exits. It must be called from the same OS
// thread that created the vCPU.
func (c *cpu) Run() (hv.CpuExit, error) {
	if tid := unix.Gettid(); tid != c.tid {
		return nil, hv.ErrWrongThread
	}

	if err := ioctlWithRetry(c.fd, kvmRun, 0); err != nil {
		return nil, fmt.Errorf("KVM_RUN failed: %w", err)
	}

	return c.classifyExit()
}

func (c *cpu) classifyExit() (hv.CpuExit, error) {
	data := c.runData()

	switch kvmExitReason(data.exitReason) {
	case kvmExitMmio:
		return &cpuExit{kind: hv.ExitIo, reason: data.exitReason, io: c.mmio()}, nil
	case kvmExitHlt:
		return &cpuExit{kind: hv.ExitHlt, reason: data.exitReason}, nil
	case kvmExitDebug:
		pc, err := c.debugPc()
		if err != nil {
			return nil, err
		}

		return &cpuExit{
			kind:   hv.ExitDebug,
			reason: data.exitReason,
			debug:  &hv.DebugStop{Pc: pc},
		}, nil
	default:
		return &cpuExit{kind: hv.ExitUnsupported, reason: data.exitReason}, nil
	}
}

func (c *cpu) mmio() *cpuIo {
	mmio := (*kvmExitMmioData)(unsafe.Pointer(&c.runData().exit[0]))

	return &cpuIo{
		cpu:   c,
		addr:  mmio.physAddr,
		write: mmio.isWrite != 0,
		data:  mmio.data[:mmio.len],
	}
}

func (c *cpu) SetDebug(enable bool) error {
	c.debug = enable
	return c.putGuestDebug()
}

func (c *cpu) SetSingleStep(enable bool) error {
	c.singleStep = enable
	return c.putGuestDebug()
}

func (c *cpu) Close() error {
	if c.run != nil {
		if err := unix.Munmap(c.run); err != nil {
			slog.Error("failed to unmap vcpu state", "id", c.id, "error", err)
		}
		c.run = nil
	}

	if c.fd >= 0 {
		err := unix.Close(c.fd)
		c.fd = -1

		return err
	}

	return nil
}

type cpuExit struct {
	kind   hv.ExitKind
	reason uint32
	io     *cpuIo
	debug  *hv.DebugStop
}

func (e *cpuExit) Kind() hv.ExitKind    { return e.kind }
func (e *cpuExit) Reason() uint32       { return e.reason }
func (e *cpuExit) Io() hv.CpuIo         { return e.io }
func (e *cpuExit) Debug() *hv.DebugStop { return e.debug }

// cpuIo exposes an MMIO access pending on a vCPU. For reads the device
// writes the result into Data and KVM picks it up on the next KVM_RUN since
// Data aliases the shared run structure.
type cpuIo struct {
	cpu   *cpu
	addr  uint64
	write bool
	data  []byte
}

func (io *cpuIo) Addr() uint64 { return io.addr }

func (io *cpuIo) Buffer() *hv.IoBuf {
	return &hv.IoBuf{Data: io.data, Write: io.write}
}

func (io *cpuIo) TranslateVaddr(vaddr uint64) (uint64, error) {
	return io.cpu.TranslateVaddr(vaddr)
}

var (
	_ hv.Cpu     = (*cpu)(nil)
	_ hv.CpuExit = (*cpuExit)(nil)
	_ hv.CpuIo   = (*cpuIo)(nil)
)
