// Package bootenv defines the memory layouts shared with the guest kernel:
// the MMIO windows of the virtual devices and the boot information block the
// kernel receives on entry. Field order and widths are part of the guest ABI
// and must not change without a matching kernel update.
package bootenv

import (
	"fmt"
	"unsafe"
)

// VmmMemory is the MMIO window of the shutdown device. The guest writes its
// exit status to Shutdown as the last thing it ever does.
type VmmMemory struct {
	Shutdown uint8
}

// ConsoleMemory is the MMIO window of the console device.
//
// The guest emits one log message per sequence of writes: MsgLen then
// MsgAddr, repeated until the whole message has been written, then Commit.
// Each MsgLen except the last may cover only part of the message, so MsgAddr
// may point at an incomplete UTF-8 sequence. The host must buffer the bytes
// and validate them only once Commit arrives.
type ConsoleMemory struct {
	MsgLen  uint64
	MsgAddr uint64
	Commit  uint8
}

// DebuggerMemory is the MMIO window of the debugger device. The guest writes
// a StopReason to Stop when it wants to hand control to an attached
// debugger.
type DebuggerMemory struct {
	Stop uint8
}

// Vm is the boot information block. It is written at a fixed virtual address
// and its address is passed to the kernel entry point as the first argument.
type Vm struct {
	Vmm          uint64
	Console      uint64
	Debugger     uint64
	HostPageSize uint64
}

// Config is the kernel configuration block, passed to the kernel entry point
// as the second argument.
type Config struct {
	MaxCpu uint64
	Idps   ConsoleId
}

// Field offsets within the MMIO windows, used by the device dispatchers.
var (
	OffVmmShutdown = uint64(unsafe.Offsetof(VmmMemory{}.Shutdown))

	OffConsoleMsgLen  = uint64(unsafe.Offsetof(ConsoleMemory{}.MsgLen))
	OffConsoleMsgAddr = uint64(unsafe.Offsetof(ConsoleMemory{}.MsgAddr))
	OffConsoleCommit  = uint64(unsafe.Offsetof(ConsoleMemory{}.Commit))

	OffDebuggerStop = uint64(unsafe.Offsetof(DebuggerMemory{}.Stop))
)

// KernelExit is the guest exit status written to VmmMemory.Shutdown.
type KernelExit uint8

const (
	KernelExitSuccess KernelExit = iota
	KernelExitPanic
)

// ParseKernelExit rejects byte values outside the enum instead of defaulting
// them.
func ParseKernelExit(v uint8) (KernelExit, error) {
	switch e := KernelExit(v); e {
	case KernelExitSuccess, KernelExitPanic:
		return e, nil
	default:
		return 0, fmt.Errorf("%#x is not a valid exit status", v)
	}
}

func (e KernelExit) String() string {
	switch e {
	case KernelExitSuccess:
		return "success"
	case KernelExitPanic:
		return "panic"
	default:
		return fmt.Sprintf("KernelExit(%d)", uint8(e))
	}
}

// ConsoleType is the log level written to ConsoleMemory.Commit.
type ConsoleType uint8

const (
	ConsoleInfo ConsoleType = iota
	ConsoleWarn
	ConsoleError
)

func ParseConsoleType(v uint8) (ConsoleType, error) {
	switch t := ConsoleType(v); t {
	case ConsoleInfo, ConsoleWarn, ConsoleError:
		return t, nil
	default:
		return 0, fmt.Errorf("%#x is not a valid commit", v)
	}
}

func (t ConsoleType) String() string {
	switch t {
	case ConsoleInfo:
		return "info"
	case ConsoleWarn:
		return "warn"
	case ConsoleError:
		return "error"
	default:
		return fmt.Sprintf("ConsoleType(%d)", uint8(t))
	}
}

// StopReason is written to DebuggerMemory.Stop.
type StopReason uint8

const (
	// StopWaitForDebugger parks the writing CPU until an attached debugger
	// resumes it.
	StopWaitForDebugger StopReason = iota
)

func ParseStopReason(v uint8) (StopReason, error) {
	switch s := StopReason(v); s {
	case StopWaitForDebugger:
		return s, nil
	default:
		return 0, fmt.Errorf("%#x is not a valid stop reason", v)
	}
}
