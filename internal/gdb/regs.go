package gdb

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/orbvm/orbvm/internal/hv"
)

// Register layouts of the g/G packets, in target byte order. The x86-64
// layout is the GDB core set: 16 general registers and rip as 64-bit values
// followed by eflags and the segment registers as 32-bit values. The aarch64
// layout is x0-x30, sp and pc as 64-bit values followed by a 32-bit cpsr.
const (
	amd64RegsLen = 17*8 + 7*4
	arm64RegsLen = 33*8 + 4
)

func encodeRegs(arch hv.CpuArchitecture, r *hv.Regs) string {
	var b []byte

	switch arch {
	case hv.ArchitectureARM64:
		b = make([]byte, arm64RegsLen)

		for i, v := range r.X {
			binary.LittleEndian.PutUint64(b[i*8:], v)
		}

		binary.LittleEndian.PutUint64(b[31*8:], r.Sp)
		binary.LittleEndian.PutUint64(b[32*8:], r.Pc)
		binary.LittleEndian.PutUint32(b[33*8:], uint32(r.Pstate))
	default:
		b = make([]byte, amd64RegsLen)

		for i, v := range amd64Order(r) {
			binary.LittleEndian.PutUint64(b[i*8:], *v)
		}

		binary.LittleEndian.PutUint32(b[17*8:], uint32(r.Rflags))
		// The segment registers after eflags stay zero; the guest runs
		// with flat segments.
	}

	return hex.EncodeToString(b)
}

func decodeRegs(arch hv.CpuArchitecture, p string) (*hv.Regs, error) {
	b, err := hex.DecodeString(p)
	if err != nil {
		return nil, err
	}

	r := new(hv.Regs)

	switch arch {
	case hv.ArchitectureARM64:
		if len(b) < arm64RegsLen {
			return nil, fmt.Errorf("register packet too short: %d bytes", len(b))
		}

		for i := range r.X {
			r.X[i] = binary.LittleEndian.Uint64(b[i*8:])
		}

		r.Sp = binary.LittleEndian.Uint64(b[31*8:])
		r.Pc = binary.LittleEndian.Uint64(b[32*8:])
		r.Pstate = uint64(binary.LittleEndian.Uint32(b[33*8:]))
	default:
		if len(b) < amd64RegsLen {
			return nil, fmt.Errorf("register packet too short: %d bytes", len(b))
		}

		for i, v := range amd64Order(r) {
			*v = binary.LittleEndian.Uint64(b[i*8:])
		}

		r.Rflags = uint64(binary.LittleEndian.Uint32(b[17*8:]))
	}

	return r, nil
}

func amd64Order(r *hv.Regs) []*uint64 {
	return []*uint64{
		&r.Rax, &r.Rbx, &r.Rcx, &r.Rdx,
		&r.Rsi, &r.Rdi, &r.Rbp, &r.Rsp,
		&r.R8, &r.R9, &r.R10, &r.R11,
		&r.R12, &r.R13, &r.R14, &r.R15,
		&r.Rip,
	}
}
