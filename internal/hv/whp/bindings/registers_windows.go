//go:build windows && amd64

package bindings

// RegisterName mirrors WHV_REGISTER_NAME.
type RegisterName uint32

// X64 General Purpose Registers
const (
	RegisterRax    RegisterName = 0x00000000
	RegisterRcx    RegisterName = 0x00000001
	RegisterRdx    RegisterName = 0x00000002
	RegisterRbx    RegisterName = 0x00000003
	RegisterRsp    RegisterName = 0x00000004
	RegisterRbp    RegisterName = 0x00000005
	RegisterRsi    RegisterName = 0x00000006
	RegisterRdi    RegisterName = 0x00000007
	RegisterR8     RegisterName = 0x00000008
	RegisterR9     RegisterName = 0x00000009
	RegisterR10    RegisterName = 0x0000000A
	RegisterR11    RegisterName = 0x0000000B
	RegisterR12    RegisterName = 0x0000000C
	RegisterR13    RegisterName = 0x0000000D
	RegisterR14    RegisterName = 0x0000000E
	RegisterR15    RegisterName = 0x0000000F
	RegisterRip    RegisterName = 0x00000010
	RegisterRflags RegisterName = 0x00000011
)

// X64 Segment Registers
const (
	RegisterEs RegisterName = 0x00000012
	RegisterCs RegisterName = 0x00000013
	RegisterSs RegisterName = 0x00000014
	RegisterDs RegisterName = 0x00000015
	RegisterFs RegisterName = 0x00000016
	RegisterGs RegisterName = 0x00000017
)

// X64 Control Registers
const (
	RegisterCr0 RegisterName = 0x0000001C
	RegisterCr2 RegisterName = 0x0000001D
	RegisterCr3 RegisterName = 0x0000001E
	RegisterCr4 RegisterName = 0x0000001F
	RegisterCr8 RegisterName = 0x00000020
)

// X64 MSRs
const (
	RegisterTsc  RegisterName = 0x00002000
	RegisterEfer RegisterName = 0x00002001
)
