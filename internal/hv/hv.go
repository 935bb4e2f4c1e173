// Package hv defines the platform-neutral hypervisor API. Each supported
// platform implements it once: KVM on Linux, Hypervisor.framework on macOS
// and the Windows Hypervisor Platform on Windows. Callers open a backend
// through the factory package and drive virtual CPUs through the interfaces
// here without knowing which native API sits underneath.
package hv

import (
	"errors"

	"github.com/orbvm/orbvm/internal/hv/ram"
)

var (
	// ErrUnsupported is reported when no hypervisor backend exists for the
	// current OS and architecture combination.
	ErrUnsupported = errors.New("hypervisor unsupported on this platform")

	// ErrWrongThread is reported when a Cpu is driven from an OS thread
	// other than the one that created it.
	ErrWrongThread = errors.New("cpu used from a foreign thread")
)

type CpuArchitecture string

const (
	ArchitectureX86_64 CpuArchitecture = "x86_64"
	ArchitectureARM64  CpuArchitecture = "arm64"
)

// CpuFeats holds CPU capability values queried once at backend creation.
// The fields are aarch64 feature registers; on x86-64 they stay zero.
type CpuFeats struct {
	Mmfr0 uint64
	Mmfr1 uint64
	Mmfr2 uint64
}

// Hypervisor owns the native VM object and the guest RAM mapped into it.
//
// Teardown order is safety critical: every Cpu must be closed before the
// Hypervisor, and the Hypervisor before the Ram. Close enforces the last
// two steps itself.
type Hypervisor interface {
	Architecture() CpuArchitecture
	CpuFeats() *CpuFeats
	Ram() *ram.Ram

	// CreateCpu creates the virtual CPU with the given id. It must be
	// called from the OS thread that will drive the CPU, and every call on
	// the returned Cpu must come from that same thread. Run reports
	// ErrWrongThread otherwise.
	CreateCpu(id int) (Cpu, error)

	Close() error
}

// Cpu is a native virtual CPU handle owned by exactly one OS thread.
type Cpu interface {
	ID() int

	// States returns a buffered register writer holding the current
	// snapshot. Changes take effect when Commit is called.
	States() (CpuStates, error)

	// Regs and PutRegs move a flat register snapshot in and out, used by
	// the debugger bridge.
	Regs() (*Regs, error)
	PutRegs(r *Regs) error

	// Run resumes guest execution and blocks until the next VM exit.
	Run() (CpuExit, error)

	// TranslateVaddr walks the guest page tables to turn a guest virtual
	// address into a guest physical address.
	TranslateVaddr(vaddr uint64) (uint64, error)

	// SetDebug enables or disables debug-exception trapping so breakpoints
	// and single steps exit to the host instead of the guest.
	SetDebug(enabled bool) error

	// SetSingleStep arms a one-instruction step for the next Run. Only
	// valid while SetDebug is enabled.
	SetSingleStep(enabled bool) error

	Close() error
}

// CpuStates buffers register writes host side. Setters only mutate the
// buffer; nothing reaches the native CPU until Commit, which issues the
// native set-register calls for the register groups actually touched. A
// CpuStates that is dropped without Commit writes nothing back.
type CpuStates interface {
	Commit() error
}

// Amd64States is the x86-64 view of CpuStates.
type Amd64States interface {
	CpuStates

	SetRdi(v uint64)
	SetRsi(v uint64)
	SetRsp(v uint64)
	SetRip(v uint64)
	SetCr0(v uint64)
	SetCr3(v uint64)
	SetCr4(v uint64)
	SetEfer(v uint64)

	// SetCs sets the code segment. ty is the descriptor type, dpl the
	// privilege level, l the long-mode bit and d the default-operand bit.
	SetCs(ty uint8, dpl uint8, p, l, d bool)

	// The data segment setters only control the present bit; everything
	// else is flat.
	SetDs(p bool)
	SetEs(p bool)
	SetFs(p bool)
	SetGs(p bool)
	SetSs(p bool)
}

// Arm64States is the aarch64 view of CpuStates.
type Arm64States interface {
	CpuStates

	SetX0(v uint64)
	SetX1(v uint64)
	SetSp(v uint64)
	SetPc(v uint64)
	SetPstate(v uint64)
	SetSctlr(v uint64)
	SetMair(v uint64)
	SetTcr(v uint64)
	SetTtbr0(v uint64)
	SetTtbr1(v uint64)
}

// ExitKind classifies a VM exit. Exactly one kind matches a real exit; any
// native reason not understood by the backend maps to ExitUnsupported so
// the caller is forced to handle it instead of hitting an implicit panic
// path.
type ExitKind int

const (
	ExitUnsupported ExitKind = iota
	ExitIo
	ExitHlt
	ExitDebug
)

func (k ExitKind) String() string {
	switch k {
	case ExitIo:
		return "io"
	case ExitHlt:
		return "hlt"
	case ExitDebug:
		return "debug"
	default:
		return "unsupported"
	}
}

// CpuExit is a transient view over the last VM exit. It is only valid until
// the next Run call on the same Cpu.
type CpuExit interface {
	Kind() ExitKind

	// Reason returns the native exit reason code, mainly for logging
	// unsupported exits.
	Reason() uint32

	// Io returns the MMIO view. Only valid when Kind is ExitIo.
	Io() CpuIo

	// Debug returns the stop description. Only valid when Kind is
	// ExitDebug.
	Debug() *DebugStop
}

// CpuIo describes one MMIO access by the guest.
type CpuIo interface {
	// Addr returns the guest physical address touched.
	Addr() uint64

	// Buffer returns the data view of the access. For a guest write the
	// buffer carries the bytes the guest stored; for a guest read the
	// device must fill it before the CPU resumes.
	Buffer() *IoBuf

	// TranslateVaddr translates a guest virtual address found inside the
	// payload, e.g. a pointer argument written by the guest.
	TranslateVaddr(vaddr uint64) (uint64, error)
}

// IoBuf is the payload of an MMIO access.
type IoBuf struct {
	Data []byte

	// Write is true when the guest wrote Data and false when the guest is
	// waiting for Data to be filled.
	Write bool
}

// DebugStop describes a debug exit.
type DebugStop struct {
	// Pc is the guest program counter at the stop.
	Pc uint64
}

// Regs is a flat register snapshot used by the debugger bridge. Which half
// is meaningful follows the hypervisor architecture; the other half stays
// zero.
type Regs struct {
	// x86-64
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rbp, Rsp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64

	// aarch64
	X      [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}
