//go:build windows && amd64

package bindings

import (
	"fmt"
	"unsafe"
)

// Uint128 mirrors WHV_UINT128.
type Uint128 struct {
	Low64  uint64
	High64 uint64
}

// X64SegmentRegister mirrors WHV_X64_SEGMENT_REGISTER.
type X64SegmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// X64TableRegister mirrors WHV_X64_TABLE_REGISTER.
type X64TableRegister struct {
	Pad   [3]uint16
	Limit uint16
	Base  uint64
}

// RegisterValue mirrors WHV_REGISTER_VALUE.
type RegisterValue struct {
	Raw Uint128
}

func (v RegisterValue) String() string {
	return fmt.Sprintf("{Raw: {Low64: %#x, High64: %#x}}", v.Raw.Low64, v.Raw.High64)
}

// SetUint64 sets the union to a 64-bit register.
func (v *RegisterValue) SetUint64(val uint64) {
	*v = RegisterValue{}
	*(*uint64)(unsafe.Pointer(v)) = val
}

// AsUint64 interprets the union as a 64-bit register.
func (v *RegisterValue) AsUint64() *uint64 {
	return (*uint64)(unsafe.Pointer(v))
}

// AsSegment interprets the union as a segment register.
func (v *RegisterValue) AsSegment() *X64SegmentRegister {
	return (*X64SegmentRegister)(unsafe.Pointer(v))
}

func Uint64RegisterValue(val uint64) RegisterValue {
	var rv RegisterValue
	rv.SetUint64(val)
	return rv
}

// RunVPExitReason mirrors WHV_RUN_VP_EXIT_REASON.
type RunVPExitReason uint32

const (
	RunVPExitReasonNone                   RunVPExitReason = 0x00000000
	RunVPExitReasonMemoryAccess           RunVPExitReason = 0x00000001
	RunVPExitReasonX64IoPortAccess        RunVPExitReason = 0x00000002
	RunVPExitReasonUnrecoverableException RunVPExitReason = 0x00000004
	RunVPExitReasonInvalidVpRegisterValue RunVPExitReason = 0x00000005
	RunVPExitReasonUnsupportedFeature     RunVPExitReason = 0x00000006
	RunVPExitReasonX64InterruptWindow     RunVPExitReason = 0x00000007
	RunVPExitReasonX64Halt                RunVPExitReason = 0x00000008
	RunVPExitReasonException              RunVPExitReason = 0x00001002
	RunVPExitReasonCanceled               RunVPExitReason = 0x00002001
)

func (r RunVPExitReason) String() string {
	switch r {
	case RunVPExitReasonNone:
		return "None"
	case RunVPExitReasonMemoryAccess:
		return "MemoryAccess"
	case RunVPExitReasonX64IoPortAccess:
		return "X64IoPortAccess"
	case RunVPExitReasonUnrecoverableException:
		return "UnrecoverableException"
	case RunVPExitReasonInvalidVpRegisterValue:
		return "InvalidVpRegisterValue"
	case RunVPExitReasonUnsupportedFeature:
		return "UnsupportedFeature"
	case RunVPExitReasonX64InterruptWindow:
		return "X64InterruptWindow"
	case RunVPExitReasonX64Halt:
		return "X64Halt"
	case RunVPExitReasonException:
		return "Exception"
	case RunVPExitReasonCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// X64VPExecutionState mirrors WHV_X64_VP_EXECUTION_STATE.
type X64VPExecutionState struct {
	AsUINT16 uint16
}

// VPExitContext mirrors WHV_VP_EXIT_CONTEXT.
type VPExitContext struct {
	ExecutionState       X64VPExecutionState
	InstructionLengthCr8 uint8
	Reserved             uint8
	Reserved2            uint32
	Cs                   X64SegmentRegister
	Rip                  uint64
	Rflags               uint64
}

// InstructionLength extracts the low 4 bits of the length/cr8 byte.
func (c *VPExitContext) InstructionLength() int {
	return int(c.InstructionLengthCr8 & 0xF)
}

// MemoryAccessType mirrors WHV_MEMORY_ACCESS_TYPE.
type MemoryAccessType uint32

const (
	MemoryAccessRead    MemoryAccessType = 0
	MemoryAccessWrite   MemoryAccessType = 1
	MemoryAccessExecute MemoryAccessType = 2
)

// MemoryAccessInfo mirrors WHV_MEMORY_ACCESS_INFO.
type MemoryAccessInfo struct {
	AsUINT32 uint32
}

// AccessType extracts the access type bits.
func (i MemoryAccessInfo) AccessType() MemoryAccessType {
	return MemoryAccessType(i.AsUINT32 & 0x3)
}

// MemoryAccessContext mirrors WHV_MEMORY_ACCESS_CONTEXT.
type MemoryAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           MemoryAccessInfo
	Gpa                  GuestPhysicalAddress
	Gva                  GuestVirtualAddress
}

// VPExceptionInfo mirrors WHV_VP_EXCEPTION_INFO.
type VPExceptionInfo struct {
	AsUINT32 uint32
}

// VPExceptionContext mirrors WHV_VP_EXCEPTION_CONTEXT.
type VPExceptionContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	ExceptionInfo        VPExceptionInfo
	ExceptionType        uint8
	Reserved2            [3]uint8
	ErrorCode            uint32
	ExceptionParameter   uint64
}

// RunVPExitContext mirrors WHV_RUN_VP_EXIT_CONTEXT.
type RunVPExitContext struct {
	ExitReason RunVPExitReason
	Reserved   uint32
	VpContext  VPExitContext
	payload    [176]byte
}

// MemoryAccess returns the WHV_MEMORY_ACCESS_CONTEXT view of the payload.
func (c *RunVPExitContext) MemoryAccess() *MemoryAccessContext {
	return (*MemoryAccessContext)(unsafe.Pointer(&c.payload[0]))
}

// VpException returns the WHV_VP_EXCEPTION_CONTEXT view of the payload.
func (c *RunVPExitContext) VpException() *VPExceptionContext {
	return (*VPExceptionContext)(unsafe.Pointer(&c.payload[0]))
}
