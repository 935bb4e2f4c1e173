//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/orbvm/orbvm/internal/hv"
)

const hostArchitecture = hv.ArchitectureX86_64

// The ioctl number depends on the arch-specific debug struct size.
const kvmSetGuestDebug = 0x4048ae9b

type kvmRegs struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rsp, Rbp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
}

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	S        uint8
	L        uint8
	G        uint8
	Avl      uint8
	Unusable uint8
	Padding  uint8
}

type kvmDTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

type kvmSregs struct {
	Cs, Ds, Es, Fs, Gs, Ss  kvmSegment
	Tr, Ldt                 kvmSegment
	Gdt, Idt                kvmDTable
	Cr0, Cr2, Cr3, Cr4, Cr8 uint64
	Efer                    uint64
	ApicBase                uint64
	InterruptBitmap         [4]uint64
}

type kvmGuestDebug struct {
	Control  uint32
	Pad      uint32
	Debugreg [8]uint64
}

func (h *hypervisor) archInit() error { return nil }
func (c *cpu) archInit() error        { return nil }

func (c *cpu) getRegs(regs *kvmRegs) error {
	if err := ioctl(c.fd, kvmGetRegs, uintptr(unsafe.Pointer(regs))); err != nil {
		return fmt.Errorf("KVM_GET_REGS failed: %w", err)
	}

	return nil
}

func (c *cpu) setRegs(regs *kvmRegs) error {
	if err := ioctl(c.fd, kvmSetRegs, uintptr(unsafe.Pointer(regs))); err != nil {
		return fmt.Errorf("KVM_SET_REGS failed: %w", err)
	}

	return nil
}

func (c *cpu) getSregs(sregs *kvmSregs) error {
	if err := ioctl(c.fd, kvmGetSregs, uintptr(unsafe.Pointer(sregs))); err != nil {
		return fmt.Errorf("KVM_GET_SREGS failed: %w", err)
	}

	return nil
}

func (c *cpu) setSregs(sregs *kvmSregs) error {
	if err := ioctl(c.fd, kvmSetSregs, uintptr(unsafe.Pointer(sregs))); err != nil {
		return fmt.Errorf("KVM_SET_SREGS failed: %w", err)
	}

	return nil
}

// States implements hv.Cpu. The returned states buffer all changes until
// Commit.
func (c *cpu) States() (hv.CpuStates, error) {
	s := &amd64States{cpu: c}

	if err := c.getRegs(&s.regs); err != nil {
		return nil, err
	}

	if err := c.getSregs(&s.sregs); err != nil {
		return nil, err
	}

	return s, nil
}

func (c *cpu) Regs() (*hv.Regs, error) {
	var kr kvmRegs

	if err := c.getRegs(&kr); err != nil {
		return nil, err
	}

	return &hv.Regs{
		Rax: kr.Rax, Rbx: kr.Rbx, Rcx: kr.Rcx, Rdx: kr.Rdx,
		Rsi: kr.Rsi, Rdi: kr.Rdi, Rsp: kr.Rsp, Rbp: kr.Rbp,
		R8: kr.R8, R9: kr.R9, R10: kr.R10, R11: kr.R11,
		R12: kr.R12, R13: kr.R13, R14: kr.R14, R15: kr.R15,
		Rip: kr.Rip, Rflags: kr.Rflags,
	}, nil
}

func (c *cpu) PutRegs(regs *hv.Regs) error {
	return c.setRegs(&kvmRegs{
		Rax: regs.Rax, Rbx: regs.Rbx, Rcx: regs.Rcx, Rdx: regs.Rdx,
		Rsi: regs.Rsi, Rdi: regs.Rdi, Rsp: regs.Rsp, Rbp: regs.Rbp,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		Rip: regs.Rip, Rflags: regs.Rflags,
	})
}

// TranslateVaddr resolves a guest virtual address through the vCPU MMU.
func (c *cpu) TranslateVaddr(vaddr uint64) (uint64, error) {
	tr := kvmTranslation{LinearAddress: vaddr}

	if err := ioctl(c.fd, kvmTranslate, uintptr(unsafe.Pointer(&tr))); err != nil {
		return 0, fmt.Errorf("KVM_TRANSLATE failed: %w", err)
	}

	if tr.Valid == 0 {
		return 0, fmt.Errorf("%#x is not mapped", vaddr)
	}

	return tr.PhysicalAddress, nil
}

func (c *cpu) debugPc() (uint64, error) {
	var kr kvmRegs

	if err := c.getRegs(&kr); err != nil {
		return 0, err
	}

	return kr.Rip, nil
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

// amd64States buffers register changes for a vCPU. Each group is written
// back only when something in it changed.
type amd64States struct {
	cpu *cpu

	regs       kvmRegs
	regsDirty  bool
	sregs      kvmSregs
	sregsDirty bool
}

func (s *amd64States) SetRdi(v uint64) { s.regs.Rdi = v; s.regsDirty = true }
func (s *amd64States) SetRsi(v uint64) { s.regs.Rsi = v; s.regsDirty = true }
func (s *amd64States) SetRsp(v uint64) { s.regs.Rsp = v; s.regsDirty = true }
func (s *amd64States) SetRip(v uint64) { s.regs.Rip = v; s.regsDirty = true }

func (s *amd64States) SetCr0(v uint64)  { s.sregs.Cr0 = v; s.sregsDirty = true }
func (s *amd64States) SetCr3(v uint64)  { s.sregs.Cr3 = v; s.sregsDirty = true }
func (s *amd64States) SetCr4(v uint64)  { s.sregs.Cr4 = v; s.sregsDirty = true }
func (s *amd64States) SetEfer(v uint64) { s.sregs.Efer = v; s.sregsDirty = true }

func (s *amd64States) SetCs(ty uint8, dpl uint8, p, l, d bool) {
	s.sregs.Cs.Type = ty
	s.sregs.Cs.Dpl = dpl
	s.sregs.Cs.Present = b2u8(p)
	s.sregs.Cs.L = b2u8(l)
	s.sregs.Cs.Db = b2u8(d)
	s.sregsDirty = true
}

func (s *amd64States) SetDs(p bool) { s.sregs.Ds.Present = b2u8(p); s.sregsDirty = true }
func (s *amd64States) SetEs(p bool) { s.sregs.Es.Present = b2u8(p); s.sregsDirty = true }
func (s *amd64States) SetFs(p bool) { s.sregs.Fs.Present = b2u8(p); s.sregsDirty = true }
func (s *amd64States) SetGs(p bool) { s.sregs.Gs.Present = b2u8(p); s.sregsDirty = true }
func (s *amd64States) SetSs(p bool) { s.sregs.Ss.Present = b2u8(p); s.sregsDirty = true }

// Commit writes the dirty register groups back to the vCPU.
func (s *amd64States) Commit() error {
	if s.regsDirty {
		if err := s.cpu.setRegs(&s.regs); err != nil {
			return err
		}
		s.regsDirty = false
	}

	if s.sregsDirty {
		if err := s.cpu.setSregs(&s.sregs); err != nil {
			return err
		}
		s.sregsDirty = false
	}

	return nil
}

func b2u8(v bool) uint8 {
	if v {
		return 1
	}

	return 0
}

var _ hv.Amd64States = (*amd64States)(nil)
