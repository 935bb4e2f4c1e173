//go:build darwin && arm64

package hvf

import (
	"encoding/binary"
	"fmt"

	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/ram"
)

// hv_reg_t values. X0 through X30 are 0 through 30.
const (
	regPc   = 31
	regCpsr = 34
)

// hv_sys_reg_t values are the MSR encodings of the registers.
const (
	sysSctlrEl1 = 0xC080
	sysTtbr0El1 = 0xC100
	sysTtbr1El1 = 0xC101
	sysTcrEl1   = 0xC102
	sysMairEl1  = 0xC510
	sysSpEl1    = 0xE208
	sysMdscrEl1 = 0x8012
)

// hv_exit_reason_t values.
const (
	exitReasonCanceled  = 0
	exitReasonException = 1
)

// ESR_EL2 exception classes.
const (
	ecSoftwareStep = 0x32
	ecBrk          = 0x3C
	ecDataAbort    = 0x24
)

type vcpuExit struct {
	reason   uint32
	_        uint32
	syndrome uint64
	vaddr    uint64
	physAddr uint64
}

type cpu struct {
	hv     *hypervisor
	id     int
	vcpu   uint64
	exit   *vcpuExit
	thread uintptr

	// A pending MMIO read whose result must be written to the target
	// register before the guest resumes.
	pendingRead *cpuIo
}

func (c *cpu) ID() int { return c.id }

func (c *cpu) getReg(reg uint32) (uint64, error) {
	var v uint64

	if err := hvCall("hv_vcpu_get_reg", hvVcpuGetReg(c.vcpu, reg, &v)); err != nil {
		return 0, err
	}

	return v, nil
}

func (c *cpu) setReg(reg uint32, v uint64) error {
	return hvCall("hv_vcpu_set_reg", hvVcpuSetReg(c.vcpu, reg, v))
}

func (c *cpu) getSysReg(reg uint16) (uint64, error) {
	var v uint64

	if err := hvCall("hv_vcpu_get_sys_reg", hvVcpuGetSysReg(c.vcpu, reg, &v)); err != nil {
		return 0, err
	}

	return v, nil
}

func (c *cpu) setSysReg(reg uint16, v uint64) error {
	return hvCall("hv_vcpu_set_sys_reg", hvVcpuSetSysReg(c.vcpu, reg, v))
}

// Run enters the guest until it exits. It must be called from the same OS
// thread that created the vCPU.
func (c *cpu) Run() (hv.CpuExit, error) {
	if pthreadSelf() != c.thread {
		return nil, hv.ErrWrongThread
	}

	if err := c.completeRead(); err != nil {
		return nil, err
	}

	if err := hvCall("hv_vcpu_run", hvVcpuRun(c.vcpu)); err != nil {
		return nil, err
	}

	return c.classifyExit()
}

// completeRead finishes an MMIO read from the previous exit by storing the
// device result into the target register and stepping over the instruction.
func (c *cpu) completeRead() error {
	io := c.pendingRead
	if io == nil {
		return nil
	}

	c.pendingRead = nil

	if io.srt != 31 {
		var v uint64

		switch len(io.data) {
		case 1:
			v = uint64(io.data[0])
		case 2:
			v = uint64(binary.LittleEndian.Uint16(io.data))
		case 4:
			v = uint64(binary.LittleEndian.Uint32(io.data))
		default:
			v = binary.LittleEndian.Uint64(io.data)
		}

		if err := c.setReg(uint32(io.srt), v); err != nil {
			return err
		}
	}

	return c.advancePc()
}

func (c *cpu) advancePc() error {
	pc, err := c.getReg(regPc)
	if err != nil {
		return err
	}

	return c.setReg(regPc, pc+4)
}

func (c *cpu) classifyExit() (hv.CpuExit, error) {
	if c.exit.reason != exitReasonException {
		return &cpuExit{kind: hv.ExitUnsupported, reason: c.exit.reason}, nil
	}

	syndrome := c.exit.syndrome
	ec := uint32(syndrome>>26) & 0x3F

	switch ec {
	case ecDataAbort:
		io, err := c.dataAbort(syndrome)
		if err != nil {
			return nil, err
		}

		return &cpuExit{kind: hv.ExitIo, reason: ec, io: io}, nil
	case ecBrk, ecSoftwareStep:
		pc, err := c.getReg(regPc)
		if err != nil {
			return nil, err
		}

		return &cpuExit{kind: hv.ExitDebug, reason: ec, debug: &hv.DebugStop{Pc: pc}}, nil
	default:
		return &cpuExit{kind: hv.ExitUnsupported, reason: ec}, nil
	}
}

// dataAbort decodes the syndrome of a data abort taken from a lower
// exception level into an MMIO access.
func (c *cpu) dataAbort(syndrome uint64) (*cpuIo, error) {
	if syndrome&(1<<24) == 0 {
		return nil, fmt.Errorf("data abort at %#x without syndrome information", c.exit.physAddr)
	}

	var (
		size  = 1 << (uint(syndrome>>22) & 0x3)
		srt   = int(syndrome>>16) & 0x1F
		write = syndrome&(1<<6) != 0
	)

	io := &cpuIo{
		cpu:   c,
		addr:  c.exit.physAddr,
		write: write,
		srt:   srt,
		data:  make([]byte, size),
	}

	if write {
		var v uint64

		if srt != 31 {
			var err error

			if v, err = c.getReg(uint32(srt)); err != nil {
				return nil, err
			}
		}

		var full [8]byte

		binary.LittleEndian.PutUint64(full[:], v)
		copy(io.data, full[:size])

		// The write side is complete once the device consumes the
		// buffer, so the instruction can be stepped over now.
		if err := c.advancePc(); err != nil {
			return nil, err
		}
	} else {
		c.pendingRead = io
	}

	return io, nil
}

func (c *cpu) States() (hv.CpuStates, error) {
	return &arm64States{cpu: c}, nil
}

func (c *cpu) Regs() (*hv.Regs, error) {
	var (
		regs hv.Regs
		err  error
	)

	for i := range regs.X {
		if regs.X[i], err = c.getReg(uint32(i)); err != nil {
			return nil, err
		}
	}

	if regs.Sp, err = c.getSysReg(sysSpEl1); err != nil {
		return nil, err
	}

	if regs.Pc, err = c.getReg(regPc); err != nil {
		return nil, err
	}

	if regs.Pstate, err = c.getReg(regCpsr); err != nil {
		return nil, err
	}

	return &regs, nil
}

func (c *cpu) PutRegs(regs *hv.Regs) error {
	for i := range regs.X {
		if err := c.setReg(uint32(i), regs.X[i]); err != nil {
			return err
		}
	}

	if err := c.setSysReg(sysSpEl1, regs.Sp); err != nil {
		return err
	}

	if err := c.setReg(regPc, regs.Pc); err != nil {
		return err
	}

	return c.setReg(regCpsr, regs.Pstate)
}

// TranslateVaddr walks the stage 1 page tables in software.
func (c *cpu) TranslateVaddr(vaddr uint64) (uint64, error) {
	// TTBR1 covers the upper half of the address space.
	var reg uint16 = sysTtbr0El1
	if vaddr&(1<<55) != 0 {
		reg = sysTtbr1El1
	}

	base, err := c.getSysReg(reg)
	if err != nil {
		return 0, err
	}

	return ram.Translate16K(c.hv.ram, base&0x0000FFFFFFFFFFFE, vaddr)
}

func (c *cpu) SetDebug(enable bool) error {
	return hvCall("hv_vcpu_set_trap_debug_exceptions", hvVcpuSetTrapDebugExceptions(c.vcpu, enable))
}

// SetSingleStep arms MDSCR_EL1.SS together with PSTATE.SS so the guest
// retires exactly one instruction before the step exception is taken.
func (c *cpu) SetSingleStep(enable bool) error {
	mdscr, err := c.getSysReg(sysMdscrEl1)
	if err != nil {
		return err
	}

	cpsr, err := c.getReg(regCpsr)
	if err != nil {
		return err
	}

	if enable {
		mdscr |= 1
		cpsr |= 1 << 21
	} else {
		mdscr &^= 1
		cpsr &^= 1 << 21
	}

	if err := c.setSysReg(sysMdscrEl1, mdscr); err != nil {
		return err
	}

	return c.setReg(regCpsr, cpsr)
}

func (c *cpu) Close() error {
	if c.vcpu != 0 || c.exit != nil {
		err := hvCall("hv_vcpu_destroy", hvVcpuDestroy(c.vcpu))
		c.exit = nil

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

type cpuIo struct {
	cpu   *cpu
	addr  uint64
	write bool
	srt   int
	data  []byte
}

func (io *cpuIo) Addr() uint64 { return io.addr }

func (io *cpuIo) Buffer() *hv.IoBuf {
	return &hv.IoBuf{Data: io.data, Write: io.write}
}

func (io *cpuIo) TranslateVaddr(vaddr uint64) (uint64, error) {
	return io.cpu.TranslateVaddr(vaddr)
}

// arm64States buffers register changes for a vCPU until Commit.
type arm64States struct {
	cpu *cpu

	regs    []pendingReg
	sysRegs []pendingSysReg
}

type pendingReg struct {
	reg   uint32
	value uint64
}

type pendingSysReg struct {
	reg   uint16
	value uint64
}

func (s *arm64States) setReg(reg uint32, v uint64) {
	s.regs = append(s.regs, pendingReg{reg, v})
}

func (s *arm64States) setSysReg(reg uint16, v uint64) {
	s.sysRegs = append(s.sysRegs, pendingSysReg{reg, v})
}

func (s *arm64States) SetX0(v uint64)     { s.setReg(0, v) }
func (s *arm64States) SetX1(v uint64)     { s.setReg(1, v) }
func (s *arm64States) SetPc(v uint64)     { s.setReg(regPc, v) }
func (s *arm64States) SetPstate(v uint64) { s.setReg(regCpsr, v) }
func (s *arm64States) SetSp(v uint64)     { s.setSysReg(sysSpEl1, v) }
func (s *arm64States) SetSctlr(v uint64)  { s.setSysReg(sysSctlrEl1, v) }
func (s *arm64States) SetMair(v uint64)   { s.setSysReg(sysMairEl1, v) }
func (s *arm64States) SetTcr(v uint64)    { s.setSysReg(sysTcrEl1, v) }
func (s *arm64States) SetTtbr0(v uint64)  { s.setSysReg(sysTtbr0El1, v) }
func (s *arm64States) SetTtbr1(v uint64)  { s.setSysReg(sysTtbr1El1, v) }

func (s *arm64States) Commit() error {
	for _, r := range s.regs {
		if err := s.cpu.setReg(r.reg, r.value); err != nil {
			return err
		}
	}

	for _, r := range s.sysRegs {
		if err := s.cpu.setSysReg(r.reg, r.value); err != nil {
			return err
		}
	}

	s.regs = s.regs[:0]
	s.sysRegs = s.sysRegs[:0]

	return nil
}

var (
	_ hv.Cpu         = (*cpu)(nil)
	_ hv.CpuExit     = (*cpuExit)(nil)
	_ hv.CpuIo       = (*cpuIo)(nil)
	_ hv.Arm64States = (*arm64States)(nil)
)
