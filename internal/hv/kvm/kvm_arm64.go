//go:build linux && arm64

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/ram"
)

const hostArchitecture = hv.ArchitectureARM64

// The ioctl number depends on the arch-specific debug struct size.
const kvmSetGuestDebug = 0x4208ae9b

// Core registers live in kvm_regs.regs and are addressed by their offset in
// 32-bit units.
const regCoreBase = 0x6030000000100000

func regX(i int) uint64 { return regCoreBase + uint64(2*i) }

const (
	regSp     = regCoreBase + 62
	regPc     = regCoreBase + 64
	regPstate = regCoreBase + 66
)

// System registers encode op0/op1/CRn/CRm/op2 in the low 16 bits.
const (
	regSctlrEl1   = 0x603000000013C080
	regCpacrEl1   = 0x603000000013C082
	regTtbr0El1   = 0x603000000013C100
	regTtbr1El1   = 0x603000000013C101
	regTcrEl1     = 0x603000000013C102
	regMairEl1    = 0x603000000013C510
	regIdMmfr0El1 = 0x603000000013C038
	regIdMmfr1El1 = 0x603000000013C039
	regIdMmfr2El1 = 0x603000000013C03A
)

type kvmOneReg struct {
	ID   uint64
	Addr uint64
}

type kvmVcpuInit struct {
	Target   uint32
	Features [7]uint32
}

type kvmGuestDebug struct {
	Control uint32
	Pad     uint32
	Bcr     [16]uint64
	Bvr     [16]uint64
	Wcr     [16]uint64
	Wvr     [16]uint64
}

// archInit creates vCPU 0 up front so the feature registers can be read
// before the caller spawns any vCPU thread. CreateCpu(0) adopts it.
func (h *hypervisor) archInit() error {
	c, err := h.newCpu(0)
	if err != nil {
		return err
	}

	h.precreated = c

	if h.feats.Mmfr0, err = c.getOneReg(regIdMmfr0El1); err != nil {
		return fmt.Errorf("failed to read ID_AA64MMFR0_EL1: %w", err)
	}

	if h.feats.Mmfr1, err = c.getOneReg(regIdMmfr1El1); err != nil {
		return fmt.Errorf("failed to read ID_AA64MMFR1_EL1: %w", err)
	}

	if h.feats.Mmfr2, err = c.getOneReg(regIdMmfr2El1); err != nil {
		return fmt.Errorf("failed to read ID_AA64MMFR2_EL1: %w", err)
	}

	return nil
}

func (c *cpu) archInit() error {
	var init kvmVcpuInit

	if err := ioctl(c.hv.vmFd, kvmArmPreferredTarget, uintptr(unsafe.Pointer(&init))); err != nil {
		return fmt.Errorf("KVM_ARM_PREFERRED_TARGET failed: %w", err)
	}

	if err := ioctl(c.fd, kvmArmVcpuInitIoctl, uintptr(unsafe.Pointer(&init))); err != nil {
		return fmt.Errorf("KVM_ARM_VCPU_INIT failed: %w", err)
	}

	return nil
}

func (c *cpu) getOneReg(id uint64) (uint64, error) {
	var v uint64
	reg := kvmOneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&v)))}

	if err := ioctl(c.fd, kvmGetOneReg, uintptr(unsafe.Pointer(&reg))); err != nil {
		return 0, fmt.Errorf("KVM_GET_ONE_REG %#x failed: %w", id, err)
	}

	return v, nil
}

func (c *cpu) setOneReg(id, v uint64) error {
	reg := kvmOneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&v)))}

	if err := ioctl(c.fd, kvmSetOneReg, uintptr(unsafe.Pointer(&reg))); err != nil {
		return fmt.Errorf("KVM_SET_ONE_REG %#x failed: %w", id, err)
	}

	return nil
}

// States implements hv.Cpu. The returned states buffer all changes until
// Commit.
func (c *cpu) States() (hv.CpuStates, error) {
	return &arm64States{cpu: c}, nil
}

func (c *cpu) Regs() (*hv.Regs, error) {
	var (
		regs hv.Regs
		err  error
	)

	for i := range regs.X {
		if regs.X[i], err = c.getOneReg(regX(i)); err != nil {
			return nil, err
		}
	}

	if regs.Sp, err = c.getOneReg(regSp); err != nil {
		return nil, err
	}

	if regs.Pc, err = c.getOneReg(regPc); err != nil {
		return nil, err
	}

	if regs.Pstate, err = c.getOneReg(regPstate); err != nil {
		return nil, err
	}

	return &regs, nil
}

func (c *cpu) PutRegs(regs *hv.Regs) error {
	for i := range regs.X {
		if err := c.setOneReg(regX(i), regs.X[i]); err != nil {
			return err
		}
	}

	if err := c.setOneReg(regSp, regs.Sp); err != nil {
		return err
	}

	if err := c.setOneReg(regPc, regs.Pc); err != nil {
		return err
	}

	return c.setOneReg(regPstate, regs.Pstate)
}

// TranslateVaddr walks the stage 1 page tables in software since KVM does
// not expose a translation ioctl on this architecture.
func (c *cpu) TranslateVaddr(vaddr uint64) (uint64, error) {
	// TTBR1 covers the upper half of the address space.
	var id uint64 = regTtbr0El1
	if vaddr&(1<<55) != 0 {
		id = regTtbr1El1
	}

	base, err := c.getOneReg(id)
	if err != nil {
		return 0, err
	}

	return ram.Translate16K(c.hv.ram, base&0x0000FFFFFFFFFFFE, vaddr)
}

func (c *cpu) debugPc() (uint64, error) {
	return c.getOneReg(regPc)
}

func (c *cpu) putGuestDebug() error {
	var dbg kvmGuestDebug

	if c.debug {
		dbg.Control = kvmGuestDbgEnable | kvmGuestDbgUseSwBp
	}

	if c.singleStep {
		dbg.Control |= kvmGuestDbgEnable | kvmGuestDbgSinglestep
	}

	if err := ioctl(c.fd, kvmSetGuestDebug, uintptr(unsafe.Pointer(&dbg))); err != nil {
		return fmt.Errorf("KVM_SET_GUEST_DEBUG failed: %w", err)
	}

	return nil
}

// arm64States buffers register changes for a vCPU until Commit.
type arm64States struct {
	cpu *cpu

	pending []kvmOneReg
	values  []uint64
}

func (s *arm64States) set(id, v uint64) {
	s.pending = append(s.pending, kvmOneReg{ID: id})
	s.values = append(s.values, v)
}

func (s *arm64States) SetX0(v uint64)     { s.set(regX(0), v) }
func (s *arm64States) SetX1(v uint64)     { s.set(regX(1), v) }
func (s *arm64States) SetSp(v uint64)     { s.set(regSp, v) }
func (s *arm64States) SetPc(v uint64)     { s.set(regPc, v) }
func (s *arm64States) SetPstate(v uint64) { s.set(regPstate, v) }
func (s *arm64States) SetSctlr(v uint64)  { s.set(regSctlrEl1, v) }
func (s *arm64States) SetMair(v uint64)   { s.set(regMairEl1, v) }
func (s *arm64States) SetTcr(v uint64)    { s.set(regTcrEl1, v) }
func (s *arm64States) SetTtbr0(v uint64)  { s.set(regTtbr0El1, v) }
func (s *arm64States) SetTtbr1(v uint64)  { s.set(regTtbr1El1, v) }

// Commit writes the pending registers back to the vCPU in the order they
// were set.
func (s *arm64States) Commit() error {
	for i := range s.pending {
		if err := s.cpu.setOneReg(s.pending[i].ID, s.values[i]); err != nil {
			return err
		}
	}

	s.pending = s.pending[:0]
	s.values = s.values[:0]

	return nil
}

var _ hv.Arm64States = (*arm64States)(nil)
