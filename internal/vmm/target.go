package vmm

import (
	"fmt"

	"github.com/orbvm/orbvm/internal/gdb"
	"github.com/orbvm/orbvm/internal/hv"
)

// Manager is the debugger target for CPU 0. Every operation that touches the
// native vCPU handle is shipped to the CPU thread through the bridge, so
// these methods are only valid while the CPU is parked at a stop.
var _ gdb.Target = (*Manager)(nil)

func (m *Manager) Arch() hv.CpuArchitecture {
	return m.hv.Architecture()
}

func (m *Manager) ReadRegs() (*hv.Regs, error) {
	var regs *hv.Regs

	err := m.bridge.Exec(func(cpu hv.Cpu) error {
		var err error
		regs, err = cpu.Regs()
		return err
	})

	return regs, err
}

func (m *Manager) WriteRegs(r *hv.Regs) error {
	return m.bridge.Exec(func(cpu hv.Cpu) error {
		return cpu.PutRegs(r)
	})
}

func (m *Manager) ReadMem(addr uint64, data []byte) error {
	return m.accessMem(addr, data, false)
}

func (m *Manager) WriteMem(addr uint64, data []byte) error {
	return m.accessMem(addr, data, true)
}

// accessMem copies between debugger memory and guest memory one guest page
// at a time, translating each page separately because the range may be
// virtually contiguous but physically scattered.
func (m *Manager) accessMem(addr uint64, data []byte, write bool) error {
	r := m.hv.Ram()
	ps := r.VmPageSize()

	for len(data) > 0 {
		chunk := ps - addr%ps

		if chunk > uint64(len(data)) {
			chunk = uint64(len(data))
		}

		var paddr uint64

		err := m.bridge.Exec(func(cpu hv.Cpu) error {
			var err error
			paddr, err = cpu.TranslateVaddr(addr)
			return err
		})
		if err != nil {
			return fmt.Errorf("couldn't translate %#x: %w", addr, err)
		}

		mem, err := r.Lock(paddr, chunk)
		if err != nil {
			return fmt.Errorf("couldn't lock %#x: %w", paddr, err)
		}

		if write {
			copy(mem.Bytes(), data[:chunk])
		} else {
			copy(data[:chunk], mem.Bytes())
		}

		mem.Release()
		data = data[chunk:]
		addr += chunk
	}

	return nil
}

// SetBreakpoint patches a software breakpoint instruction at addr, keeping
// the original bytes so ClearBreakpoint can restore them. kind is ignored:
// the instruction width is fixed per architecture.
func (m *Manager) SetBreakpoint(addr, kind uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.swBreaks[addr]; ok {
		return nil
	}

	code := breakpointCode(m.hv.Architecture())
	orig := make([]byte, len(code))

	if err := m.accessMem(addr, orig, false); err != nil {
		return err
	}

	if err := m.accessMem(addr, code, true); err != nil {
		return err
	}

	m.swBreaks[addr] = orig

	return nil
}

func (m *Manager) ClearBreakpoint(addr, kind uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	orig, ok := m.swBreaks[addr]

	if !ok {
		return nil
	}

	if err := m.accessMem(addr, orig, true); err != nil {
		return err
	}

	delete(m.swBreaks, addr)

	return nil
}

func (m *Manager) Resume(step bool) {
	m.bridge.Resume(step)
}

func (m *Manager) Interrupt() {
	m.bridge.Interrupt()
}

func (m *Manager) Stops() <-chan gdb.StopEvent {
	return m.bridge.stops
}
