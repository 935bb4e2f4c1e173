package vmm

import (
	"fmt"

	"github.com/orbvm/orbvm/internal/hv"
)

// Virtual base the kernel is linked against. ASLR would randomize this.
const kernelVaddr = 0xffffffff82200000

// setupMainCpu programs the boot state of CPU 0: paging on, flat segments or
// EL1 with the MMU enabled, entry point in the program counter and the boot
// info and config blocks in the first two argument registers.
func setupMainCpu(h hv.Hypervisor, cpu hv.Cpu, entry uint64, rm ramMap) error {
	states, err := cpu.States()
	if err != nil {
		return fmt.Errorf("couldn't get cpu states: %w", err)
	}

	switch s := states.(type) {
	case hv.Amd64States:
		setupAmd64(s, entry, rm)
	case hv.Arm64States:
		setupArm64(s, h.CpuFeats(), h.Ram().VmPageSize(), entry, rm)
	default:
		return fmt.Errorf("unsupported cpu states %T", states)
	}

	if err := states.Commit(); err != nil {
		return fmt.Errorf("couldn't commit cpu states: %w", err)
	}

	return nil
}

func setupAmd64(s hv.Amd64States, entry uint64, rm ramMap) {
	if rm.pageTable&0xFFF0000000000FFF != 0 {
		panic(fmt.Sprintf("vmm: page table %#x is not usable as CR3", rm.pageTable))
	}

	s.SetCr3(rm.pageTable)
	s.SetCr4(0x20)       // PAE
	s.SetEfer(0x500)     // LME | LMA
	s.SetCr0(0x80000001) // PG | PE

	// 64-bit ring 0 code segment. AMD ignores the D flag in long mode but
	// Intel does not, so it has to be off.
	s.SetCs(0b1000, 0, true, true, false)

	// Data segments only need to be present in long mode.
	s.SetDs(true)
	s.SetEs(true)
	s.SetFs(true)
	s.SetGs(true)
	s.SetSs(true)

	s.SetRdi(rm.envVaddr)
	s.SetRsi(rm.confVaddr)
	s.SetRsp(rm.stackVaddr + rm.stackLen) // top-down
	s.SetRip(entry)
}

// MAIR_EL1 value matching the attribute indexes the page tables use: index
// 0 is device-nGnRnE, index 1 is write-back normal memory.
const memoryAttrs = 0xFF00

func setupArm64(s hv.Arm64States, feats *hv.CpuFeats, vmPageSize uint64, entry uint64, rm ramMap) {
	// EL1h with all interrupts masked.
	s.SetPstate(0b0101 | 1<<6 | 1<<7 | 1<<8 | 1<<9)

	// M | C | ITD | I | TSCXT | SPAN | nTLSMD | LSMAOE.
	s.SetSctlr(1 | 1<<2 | 1<<7 | 1<<12 | 1<<20 | 1<<23 | 1<<28 | 1<<29)
	s.SetMair(memoryAttrs)

	var tg0, tg1 uint64

	switch vmPageSize {
	case 0x4000:
		tg0, tg1 = 0b10, 0b01 // 16K granule encodings differ per half
	default:
		panic(fmt.Sprintf("vmm: no TCR granule encoding for page size %#x", vmPageSize))
	}

	ips := feats.Mmfr0 & 0xF // PARange

	s.SetTcr(ips<<32 |
		tg1<<30 | 0b11<<28 | 0b01<<26 | 0b01<<24 | 16<<16 |
		tg0<<14 | 0b11<<12 | 0b01<<10 | 0b01<<8 | 16)

	// Lower and higher halves share the tables because the virtual devices
	// are reached through their identity mapping.
	s.SetTtbr0(rm.pageTable)
	s.SetTtbr1(rm.pageTable)

	s.SetX0(rm.envVaddr)
	s.SetX1(rm.confVaddr)
	s.SetSp(rm.stackVaddr + rm.stackLen) // top-down
	s.SetPc(entry)
}

// relocateType returns the R_<ARCH>_RELATIVE relocation type.
func relocateType(arch hv.CpuArchitecture) uint32 {
	if arch == hv.ArchitectureARM64 {
		return 1027
	}

	return 8
}

// breakpointCode returns the software breakpoint instruction: INT3 or BRK #0.
func breakpointCode(arch hv.CpuArchitecture) []byte {
	if arch == hv.ArchitectureARM64 {
		return []byte{0x00, 0x00, 0x20, 0xD4}
	}

	return []byte{0xCC}
}
