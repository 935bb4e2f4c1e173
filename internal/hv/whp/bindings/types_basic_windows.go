//go:build windows && amd64

package bindings

import (
	"fmt"
	"syscall"
)

// HRESULT represents a Windows error/success code returned from WinHv APIs.
type HRESULT int32

// Failed reports whether the HRESULT indicates failure.
func (hr HRESULT) Failed() bool { return hr < 0 }

// Succeeded reports whether the HRESULT indicates success.
func (hr HRESULT) Succeeded() bool { return hr >= 0 }

// Err converts the HRESULT into a Go error. It returns nil when the code
// represents success.
func (hr HRESULT) Err() error {
	if hr.Succeeded() {
		return nil
	}
	return HRESULTError(hr)
}

// HRESULTError wraps a failing HRESULT value and implements the error interface.
type HRESULTError HRESULT

func (e HRESULTError) Error() string {
	return fmt.Sprintf("ERRNO %s", syscall.Errno(e).Error())
}

// CapabilityCode mirrors WHV_CAPABILITY_CODE.
type CapabilityCode uint32

const (
	CapabilityCodeHypervisorPresent   CapabilityCode = 0x00000000
	CapabilityCodeFeatures            CapabilityCode = 0x00000001
	CapabilityCodeExtendedVmExits     CapabilityCode = 0x00000002
	CapabilityCodeExceptionExitBitmap CapabilityCode = 0x00000003
)

// ExtendedVmExits mirrors WHV_EXTENDED_VM_EXITS.
type ExtendedVmExits uint64

const (
	ExtendedVmExitX64Cpuid  ExtendedVmExits = 1 << 0
	ExtendedVmExitX64Msr    ExtendedVmExits = 1 << 1
	ExtendedVmExitException ExtendedVmExits = 1 << 2
)

// PartitionHandle mirrors WHV_PARTITION_HANDLE.
type PartitionHandle syscall.Handle

// GuestPhysicalAddress mirrors WHV_GUEST_PHYSICAL_ADDRESS.
type GuestPhysicalAddress uint64

// GuestVirtualAddress mirrors WHV_GUEST_VIRTUAL_ADDRESS.
type GuestVirtualAddress uint64

// MapGPARangeFlags mirrors WHV_MAP_GPA_RANGE_FLAGS.
type MapGPARangeFlags uint32

const (
	MapGPARangeFlagNone       MapGPARangeFlags = 0
	MapGPARangeFlagRead       MapGPARangeFlags = 0x00000001
	MapGPARangeFlagWrite      MapGPARangeFlags = 0x00000002
	MapGPARangeFlagExecute    MapGPARangeFlags = 0x00000004
	MapGPARangeFlagTrackDirty MapGPARangeFlags = 0x00000008
)

// TranslateGVAFlags mirrors WHV_TRANSLATE_GVA_FLAGS.
type TranslateGVAFlags uint32

const (
	TranslateGVAFlagNone          TranslateGVAFlags = 0
	TranslateGVAFlagValidateRead  TranslateGVAFlags = 0x00000001
	TranslateGVAFlagValidateWrite TranslateGVAFlags = 0x00000002
	TranslateGVAFlagValidateExec  TranslateGVAFlags = 0x00000004
)

// TranslateGVAResultCode mirrors WHV_TRANSLATE_GVA_RESULT_CODE.
type TranslateGVAResultCode uint32

const (
	TranslateGVAResultSuccess               TranslateGVAResultCode = 0
	TranslateGVAResultPageNotPresent        TranslateGVAResultCode = 1
	TranslateGVAResultPrivilegeViolation    TranslateGVAResultCode = 2
	TranslateGVAResultInvalidPageTableFlags TranslateGVAResultCode = 3
	TranslateGVAResultGpaUnmapped           TranslateGVAResultCode = 4
	TranslateGVAResultGpaNoReadAccess       TranslateGVAResultCode = 5
	TranslateGVAResultGpaNoWriteAccess      TranslateGVAResultCode = 6
	TranslateGVAResultGpaIllegalOverlay     TranslateGVAResultCode = 7
	TranslateGVAResultIntercept             TranslateGVAResultCode = 8
)

// TranslateGVAResult mirrors WHV_TRANSLATE_GVA_RESULT.
type TranslateGVAResult struct {
	ResultCode TranslateGVAResultCode
	Reserved   uint32
}

// PartitionPropertyCode mirrors WHV_PARTITION_PROPERTY_CODE.
type PartitionPropertyCode uint32

const (
	PartitionPropertyCodeExtendedVmExits     PartitionPropertyCode = 0x00000001
	PartitionPropertyCodeExceptionExitBitmap PartitionPropertyCode = 0x00000002
	PartitionPropertyCodeProcessorCount      PartitionPropertyCode = 0x00001fff
)

// ExceptionType mirrors WHV_EXCEPTION_TYPE.
type ExceptionType uint32

const (
	ExceptionTypeDebugTrapOrFault ExceptionType = 0x1
	ExceptionTypeBreakpointTrap   ExceptionType = 0x3
)
