package bootenv

import (
	"encoding/binary"
	"unsafe"
)

// Sizes of the guest-visible blocks, used when reserving guest memory.
const (
	VmmMemorySize      = uint64(unsafe.Sizeof(VmmMemory{}))
	ConsoleMemorySize  = uint64(unsafe.Sizeof(ConsoleMemory{}))
	DebuggerMemorySize = uint64(unsafe.Sizeof(DebuggerMemory{}))
	VmSize             = uint64(unsafe.Sizeof(Vm{}))
	ConfigSize         = uint64(unsafe.Sizeof(Config{}))
)

// Encode renders the boot information block in guest byte order.
func (v *Vm) Encode() []byte {
	b := make([]byte, VmSize)

	binary.LittleEndian.PutUint64(b, v.Vmm)
	binary.LittleEndian.PutUint64(b[8:], v.Console)
	binary.LittleEndian.PutUint64(b[16:], v.Debugger)
	binary.LittleEndian.PutUint64(b[24:], v.HostPageSize)

	return b
}

// Encode renders the kernel configuration block in guest byte order. The
// identity fields stay big-endian within it.
func (c *Config) Encode() []byte {
	b := make([]byte, ConfigSize)

	binary.LittleEndian.PutUint64(b, c.MaxCpu)
	binary.BigEndian.PutUint16(b[8:], c.Idps.Magic)
	binary.BigEndian.PutUint16(b[10:], c.Idps.Company)
	binary.BigEndian.PutUint16(b[12:], c.Idps.Product)
	binary.BigEndian.PutUint16(b[14:], c.Idps.Prodsub)
	copy(b[16:], c.Idps.Serial[:])

	return b
}
