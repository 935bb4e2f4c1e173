//go:build linux

package kvm

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVcpuMmapSize     = 0xae04
	kvmCreateVcpu          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmTranslate           = 0xc018ae85
	kvmGetOneReg           = 0x4010aeab
	kvmSetOneReg           = 0x4010aeac
	kvmArmVcpuInitIoctl    = 0x4020aeae
	kvmArmPreferredTarget  = 0x8020aeaf

	kvmCapMaxVcpus     = 66
	kvmCapArmVmIpaSize = 165
)

const (
	kvmGuestDbgEnable     = 0x1
	kvmGuestDbgSinglestep = 0x2
	kvmGuestDbgUseSwBp    = 0x10000
)

type kvmExitReason uint32

const (
	kvmExitDebug kvmExitReason = 4
	kvmExitHlt   kvmExitReason = 5
	kvmExitMmio  kvmExitReason = 6
)

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvmRunData mirrors the head of the mmap'd kvm_run structure. The exit
// union starts right after apicBase; only the MMIO view of it is declared
// here since that is the only exit payload this backend decodes.
type kvmRunData struct {
	requestInterruptWindow     uint8
	immediateExit              uint8
	padding1                   [6]uint8
	exitReason                 uint32
	readyForInterruptInjection uint8
	ifFlag                     uint8
	flags                      uint16
	cr8                        uint64
	apicBase                   uint64
	exit                       [256]byte
}

type kvmExitMmioData struct {
	physAddr uint64
	data     [8]byte
	len      uint32
	isWrite  uint8
}

type kvmTranslation struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	Pad             [5]uint8
}
