//go:build windows && amd64

package whp

import (
	"encoding/binary"
	"fmt"

	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/whp/bindings"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/windows"
)

func currentThreadId() uint32 { return windows.GetCurrentThreadId() }

type cpu struct {
	hv  *hypervisor
	id  int
	tid uint32

	exit  bindings.RunVPExitContext
	debug bool

	// A pending MMIO read whose result must be stored into the target
	// register before the guest resumes.
	pendingRead *cpuIo
}

func (c *cpu) ID() int { return c.id }

func (c *cpu) getReg(name bindings.RegisterName) (uint64, error) {
	names := []bindings.RegisterName{name}
	values := make([]bindings.RegisterValue, 1)

	if err := bindings.GetVirtualProcessorRegisters(c.hv.partition, uint32(c.id), names, values); err != nil {
		return 0, err
	}

	return *values[0].AsUint64(), nil
}

func (c *cpu) setReg(name bindings.RegisterName, v uint64) error {
	names := []bindings.RegisterName{name}
	values := []bindings.RegisterValue{bindings.Uint64RegisterValue(v)}

	return bindings.SetVirtualProcessorRegisters(c.hv.partition, uint32(c.id), names, values)
}

// Run enters the guest until it exits. It must be called from the same OS
// thread that created the vCPU.
func (c *cpu) Run() (hv.CpuExit, error) {
	if currentThreadId() != c.tid {
		return nil, hv.ErrWrongThread
	}

	if err := c.completeRead(); err != nil {
		return nil, err
	}

	if err := bindings.RunVirtualProcessorContext(c.hv.partition, uint32(c.id), &c.exit); err != nil {
		return nil, fmt.Errorf("failed to run vCPU %d: %w", c.id, err)
	}

	return c.classifyExit()
}

// completeRead finishes an MMIO read from the previous exit by storing the
// device result into the destination register and stepping over the
// instruction.
func (c *cpu) completeRead() error {
	io := c.pendingRead
	if io == nil {
		return nil
	}

	c.pendingRead = nil

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

	// 32-bit destinations zero the upper half, narrower ones preserve it.
	if len(io.data) < 4 {
		old, err := c.getReg(io.destReg)
		if err != nil {
			return err
		}

		mask := uint64(1)<<(8*len(io.data)) - 1
		v |= old &^ mask
	}

	if err := c.setReg(io.destReg, v); err != nil {
		return err
	}

	return c.setReg(bindings.RegisterRip, io.nextRip)
}

func (c *cpu) classifyExit() (hv.CpuExit, error) {
	switch c.exit.ExitReason {
	case bindings.RunVPExitReasonMemoryAccess:
		io, err := c.memoryAccess()
		if err != nil {
			return nil, err
		}

		return &cpuExit{kind: hv.ExitIo, reason: uint32(c.exit.ExitReason), io: io}, nil
	case bindings.RunVPExitReasonX64Halt:
		return &cpuExit{kind: hv.ExitHlt, reason: uint32(c.exit.ExitReason)}, nil
	case bindings.RunVPExitReasonException:
		ex := c.exit.VpException()

		if c.debug && (ex.ExceptionType == uint8(bindings.ExceptionTypeBreakpointTrap) ||
			ex.ExceptionType == uint8(bindings.ExceptionTypeDebugTrapOrFault)) {
			return &cpuExit{
				kind:   hv.ExitDebug,
				reason: uint32(c.exit.ExitReason),
				debug:  &hv.DebugStop{Pc: c.exit.VpContext.Rip},
			}, nil
		}

		return &cpuExit{kind: hv.ExitUnsupported, reason: uint32(c.exit.ExitReason)}, nil
	default:
		return &cpuExit{kind: hv.ExitUnsupported, reason: uint32(c.exit.ExitReason)}, nil
	}
}

// memoryAccess decodes the faulting instruction to recover the operand the
// platform does not report directly.
func (c *cpu) memoryAccess() (*cpuIo, error) {
	ctx := c.exit.MemoryAccess()

	inst, err := x86asm.Decode(ctx.InstructionBytes[:ctx.InstructionByteCount], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode instruction at %#x: %w", c.exit.VpContext.Rip, err)
	}

	if inst.Op != x86asm.MOV {
		return nil, fmt.Errorf("unsupported instruction %v at %#x", inst.Op, c.exit.VpContext.Rip)
	}

	io := &cpuIo{
		cpu:     c,
		addr:    uint64(ctx.Gpa),
		write:   ctx.AccessInfo.AccessType() == bindings.MemoryAccessWrite,
		data:    make([]byte, inst.MemBytes),
		nextRip: c.exit.VpContext.Rip + uint64(inst.Len),
	}

	if io.write {
		v, err := c.sourceValue(inst.Args[1])
		if err != nil {
			return nil, err
		}

		var full [8]byte

		binary.LittleEndian.PutUint64(full[:], v)
		copy(io.data, full[:])

		// The device consumes the buffer before the guest resumes, so
		// the instruction can be stepped over now.
		if err := c.setReg(bindings.RegisterRip, io.nextRip); err != nil {
			return nil, err
		}
	} else {
		reg, ok := inst.Args[0].(x86asm.Reg)
		if !ok {
			return nil, fmt.Errorf("unsupported read destination %v at %#x", inst.Args[0], c.exit.VpContext.Rip)
		}

		name, ok := gprName(reg)
		if !ok {
			return nil, fmt.Errorf("unsupported destination register %v at %#x", reg, c.exit.VpContext.Rip)
		}

		io.destReg = name
		c.pendingRead = io
	}

	return io, nil
}

func (c *cpu) sourceValue(arg x86asm.Arg) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		name, ok := gprName(a)
		if !ok {
			return 0, fmt.Errorf("unsupported source register %v", a)
		}

		return c.getReg(name)
	case x86asm.Imm:
		return uint64(a), nil
	default:
		return 0, fmt.Errorf("unsupported source operand %v", arg)
	}
}

// gprName maps any width variant of a general purpose register to its
// register name. High byte registers have no direct mapping.
func gprName(reg x86asm.Reg) (bindings.RegisterName, bool) {
	switch reg {
	case x86asm.RAX, x86asm.EAX, x86asm.AX, x86asm.AL:
		return bindings.RegisterRax, true
	case x86asm.RCX, x86asm.ECX, x86asm.CX, x86asm.CL:
		return bindings.RegisterRcx, true
	case x86asm.RDX, x86asm.EDX, x86asm.DX, x86asm.DL:
		return bindings.RegisterRdx, true
	case x86asm.RBX, x86asm.EBX, x86asm.BX, x86asm.BL:
		return bindings.RegisterRbx, true
	case x86asm.RSP, x86asm.ESP, x86asm.SP, x86asm.SPB:
		return bindings.RegisterRsp, true
	case x86asm.RBP, x86asm.EBP, x86asm.BP, x86asm.BPB:
		return bindings.RegisterRbp, true
	case x86asm.RSI, x86asm.ESI, x86asm.SI, x86asm.SIB:
		return bindings.RegisterRsi, true
	case x86asm.RDI, x86asm.EDI, x86asm.DI, x86asm.DIB:
		return bindings.RegisterRdi, true
	case x86asm.R8, x86asm.R8L, x86asm.R8W, x86asm.R8B:
		return bindings.RegisterR8, true
	case x86asm.R9, x86asm.R9L, x86asm.R9W, x86asm.R9B:
		return bindings.RegisterR9, true
	case x86asm.R10, x86asm.R10L, x86asm.R10W, x86asm.R10B:
		return bindings.RegisterR10, true
	case x86asm.R11, x86asm.R11L, x86asm.R11W, x86asm.R11B:
		return bindings.RegisterR11, true
	case x86asm.R12, x86asm.R12L, x86asm.R12W, x86asm.R12B:
		return bindings.RegisterR12, true
	case x86asm.R13, x86asm.R13L, x86asm.R13W, x86asm.R13B:
		return bindings.RegisterR13, true
	case x86asm.R14, x86asm.R14L, x86asm.R14W, x86asm.R14B:
		return bindings.RegisterR14, true
	case x86asm.R15, x86asm.R15L, x86asm.R15W, x86asm.R15B:
		return bindings.RegisterR15, true
	default:
		return 0, false
	}
}

var regsOrder = []bindings.RegisterName{
	bindings.RegisterRax, bindings.RegisterRbx, bindings.RegisterRcx, bindings.RegisterRdx,
	bindings.RegisterRsi, bindings.RegisterRdi, bindings.RegisterRsp, bindings.RegisterRbp,
	bindings.RegisterR8, bindings.RegisterR9, bindings.RegisterR10, bindings.RegisterR11,
	bindings.RegisterR12, bindings.RegisterR13, bindings.RegisterR14, bindings.RegisterR15,
	bindings.RegisterRip, bindings.RegisterRflags,
}

func (c *cpu) Regs() (*hv.Regs, error) {
	values := make([]bindings.RegisterValue, len(regsOrder))

	if err := bindings.GetVirtualProcessorRegisters(c.hv.partition, uint32(c.id), regsOrder, values); err != nil {
		return nil, err
	}

	return &hv.Regs{
		Rax: *values[0].AsUint64(), Rbx: *values[1].AsUint64(),
		Rcx: *values[2].AsUint64(), Rdx: *values[3].AsUint64(),
		Rsi: *values[4].AsUint64(), Rdi: *values[5].AsUint64(),
		Rsp: *values[6].AsUint64(), Rbp: *values[7].AsUint64(),
		R8: *values[8].AsUint64(), R9: *values[9].AsUint64(),
		R10: *values[10].AsUint64(), R11: *values[11].AsUint64(),
		R12: *values[12].AsUint64(), R13: *values[13].AsUint64(),
		R14: *values[14].AsUint64(), R15: *values[15].AsUint64(),
		Rip: *values[16].AsUint64(), Rflags: *values[17].AsUint64(),
	}, nil
}

func (c *cpu) PutRegs(regs *hv.Regs) error {
	values := []bindings.RegisterValue{
		bindings.Uint64RegisterValue(regs.Rax), bindings.Uint64RegisterValue(regs.Rbx),
		bindings.Uint64RegisterValue(regs.Rcx), bindings.Uint64RegisterValue(regs.Rdx),
		bindings.Uint64RegisterValue(regs.Rsi), bindings.Uint64RegisterValue(regs.Rdi),
		bindings.Uint64RegisterValue(regs.Rsp), bindings.Uint64RegisterValue(regs.Rbp),
		bindings.Uint64RegisterValue(regs.R8), bindings.Uint64RegisterValue(regs.R9),
		bindings.Uint64RegisterValue(regs.R10), bindings.Uint64RegisterValue(regs.R11),
		bindings.Uint64RegisterValue(regs.R12), bindings.Uint64RegisterValue(regs.R13),
		bindings.Uint64RegisterValue(regs.R14), bindings.Uint64RegisterValue(regs.R15),
		bindings.Uint64RegisterValue(regs.Rip), bindings.Uint64RegisterValue(regs.Rflags),
	}

	return bindings.SetVirtualProcessorRegisters(c.hv.partition, uint32(c.id), regsOrder, values)
}

// TranslateVaddr resolves a guest virtual address through the vCPU MMU.
func (c *cpu) TranslateVaddr(vaddr uint64) (uint64, error) {
	var (
		result bindings.TranslateGVAResult
		gpa    bindings.GuestPhysicalAddress
	)

	if err := bindings.TranslateGVA(
		c.hv.partition,
		uint32(c.id),
		bindings.GuestVirtualAddress(vaddr),
		bindings.TranslateGVAFlagValidateRead,
		&result,
		&gpa,
	); err != nil {
		return 0, err
	}

	if result.ResultCode != bindings.TranslateGVAResultSuccess {
		return 0, fmt.Errorf("%#x is not mapped (%d)", vaddr, result.ResultCode)
	}

	return uint64(gpa), nil
}

// SetDebug controls whether breakpoint and debug exceptions are surfaced as
// debug exits. The exception bitmap itself is fixed at partition setup.
func (c *cpu) SetDebug(enable bool) error {
	c.debug = enable
	return nil
}

// SetSingleStep toggles the trap flag in RFLAGS.
func (c *cpu) SetSingleStep(enable bool) error {
	rflags, err := c.getReg(bindings.RegisterRflags)
	if err != nil {
		return err
	}

	if enable {
		rflags |= 1 << 8
	} else {
		rflags &^= 1 << 8
	}

	return c.setReg(bindings.RegisterRflags, rflags)
}

func (c *cpu) Close() error {
	return bindings.DeleteVirtualProcessor(c.hv.partition, uint32(c.id))
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
	cpu     *cpu
	addr    uint64
	write   bool
	data    []byte
	destReg bindings.RegisterName
	nextRip uint64
}

func (io *cpuIo) Addr() uint64 { return io.addr }

func (io *cpuIo) Buffer() *hv.IoBuf {
	return &hv.IoBuf{Data: io.data, Write: io.write}
}

func (io *cpuIo) TranslateVaddr(vaddr uint64) (uint64, error) {
	return io.cpu.TranslateVaddr(vaddr)
}

// amd64States buffers register changes for a vCPU. Commit writes everything
// back in a single call.
type amd64States struct {
	cpu *cpu

	names  []bindings.RegisterName
	values []bindings.RegisterValue
}

func (c *cpu) States() (hv.CpuStates, error) {
	return &amd64States{cpu: c}, nil
}

func (s *amd64States) set(name bindings.RegisterName, v bindings.RegisterValue) {
	s.names = append(s.names, name)
	s.values = append(s.values, v)
}

func (s *amd64States) setU64(name bindings.RegisterName, v uint64) {
	s.set(name, bindings.Uint64RegisterValue(v))
}

func (s *amd64States) SetRdi(v uint64) { s.setU64(bindings.RegisterRdi, v) }
func (s *amd64States) SetRsi(v uint64) { s.setU64(bindings.RegisterRsi, v) }
func (s *amd64States) SetRsp(v uint64) { s.setU64(bindings.RegisterRsp, v) }
func (s *amd64States) SetRip(v uint64) { s.setU64(bindings.RegisterRip, v) }

func (s *amd64States) SetCr0(v uint64)  { s.setU64(bindings.RegisterCr0, v) }
func (s *amd64States) SetCr3(v uint64)  { s.setU64(bindings.RegisterCr3, v) }
func (s *amd64States) SetCr4(v uint64)  { s.setU64(bindings.RegisterCr4, v) }
func (s *amd64States) SetEfer(v uint64) { s.setU64(bindings.RegisterEfer, v) }

func segmentValue(ty uint8, dpl uint8, p, l, d bool) bindings.RegisterValue {
	seg := bindings.X64SegmentRegister{
		Attributes: uint16(ty&0xF) | 1<<4 | uint16(dpl&0x3)<<5,
	}

	if p {
		seg.Attributes |= 1 << 7
	}

	if l {
		seg.Attributes |= 1 << 13
	}

	if d {
		seg.Attributes |= 1 << 14
	}

	var v bindings.RegisterValue

	*v.AsSegment() = seg

	return v
}

func (s *amd64States) SetCs(ty uint8, dpl uint8, p, l, d bool) {
	s.set(bindings.RegisterCs, segmentValue(ty, dpl, p, l, d))
}

func (s *amd64States) SetDs(p bool) { s.set(bindings.RegisterDs, segmentValue(0x3, 0, p, false, false)) }
func (s *amd64States) SetEs(p bool) { s.set(bindings.RegisterEs, segmentValue(0x3, 0, p, false, false)) }
func (s *amd64States) SetFs(p bool) { s.set(bindings.RegisterFs, segmentValue(0x3, 0, p, false, false)) }
func (s *amd64States) SetGs(p bool) { s.set(bindings.RegisterGs, segmentValue(0x3, 0, p, false, false)) }
func (s *amd64States) SetSs(p bool) { s.set(bindings.RegisterSs, segmentValue(0x3, 0, p, false, false)) }

func (s *amd64States) Commit() error {
	if len(s.names) == 0 {
		return nil
	}

	if err := bindings.SetVirtualProcessorRegisters(s.cpu.hv.partition, uint32(s.cpu.id), s.names, s.values); err != nil {
		return err
	}

	s.names = s.names[:0]
	s.values = s.values[:0]

	return nil
}

var (
	_ hv.Cpu         = (*cpu)(nil)
	_ hv.CpuExit     = (*cpuExit)(nil)
	_ hv.CpuIo       = (*cpuIo)(nil)
	_ hv.Amd64States = (*amd64States)(nil)
)
