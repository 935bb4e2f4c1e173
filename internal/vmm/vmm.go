// Package vmm brings a virtual machine up and keeps it running: it loads the
// kernel into guest RAM, builds the page tables, programs the boot CPU and
// dispatches VM exits to the virtual devices and, when enabled, to the GDB
// debugger bridge.
package vmm

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/orbvm/orbvm/internal/bootenv"
	"github.com/orbvm/orbvm/internal/dev"
	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/factory"
	"github.com/orbvm/orbvm/internal/hv/ram"
	"github.com/orbvm/orbvm/internal/kernel"
	"github.com/orbvm/orbvm/internal/profile"
	"github.com/orbvm/orbvm/internal/trace"
)

// Options configures a Manager.
type Options struct {
	// Kernel is the path of the kernel ELF image.
	Kernel string

	// Profile holds the VM settings. Nil means profile.Default.
	Profile *profile.Profile

	// Debug makes the boot CPU wait for a debugger before its first
	// instruction.
	Debug bool

	// Tracer receives the execution trace. Nil disables tracing.
	Tracer *trace.Tracer

	// OnLog receives committed console messages in addition to the trace.
	OnLog func(cpu int, ty bootenv.ConsoleType, msg string)

	// Progress, when non-nil, receives every kernel byte copied into guest
	// RAM so a caller can render a progress bar.
	Progress io.Writer

	// NewHypervisor overrides the backend constructor. Nil means
	// factory.New.
	NewHypervisor func(cpus int, ramSize, vmPageSize uint64) (hv.Hypervisor, error)
}

// ramMap records where the boot pieces ended up in the guest address space.
type ramMap struct {
	pageTable  uint64
	kernVaddr  uint64
	kernLen    uint64
	envVaddr   uint64
	confVaddr  uint64
	stackVaddr uint64
	stackLen   uint64
}

// Manager owns one running VM.
type Manager struct {
	hv      hv.Hypervisor
	devices *dev.Tree
	tracer  *trace.Tracer
	onLog   func(cpu int, ty bootenv.ConsoleType, msg string)
	bridge  *bridge
	entry   uint64
	rm      ramMap

	shutdown atomic.Bool
	exitOnce sync.Once
	success  atomic.Bool
	wg       sync.WaitGroup

	mu       sync.Mutex
	err      error
	swBreaks map[uint64][]byte
}

// New builds the VM but does not start any CPU.
func New(opts Options) (*Manager, error) {
	img, err := kernel.Open(opts.Kernel)
	if err != nil {
		return nil, fmt.Errorf("couldn't open %s: %w", opts.Kernel, err)
	}
	defer img.Close()

	p := opts.Profile

	if p == nil {
		p = profile.Default()
	}

	newHv := opts.NewHypervisor

	if newHv == nil {
		newHv = factory.New
	}

	hyp, err := newHv(p.CpuCount, p.RamSize, img.VmPageSize())
	if err != nil {
		return nil, fmt.Errorf("couldn't create hypervisor: %w", err)
	}

	m := &Manager{
		hv:       hyp,
		tracer:   opts.Tracer,
		onLog:    opts.OnLog,
		swBreaks: make(map[uint64][]byte),
	}

	if opts.Debug {
		m.bridge = newBridge()
	}

	r := hyp.Ram()
	m.devices = dev.NewTree(r.Len(), r.BlockSize(), (*managerEvents)(m))

	if err := m.buildRam(img, p, opts.Progress); err != nil {
		hyp.Close()
		return nil, err
	}

	m.entry = m.rm.kernVaddr + img.Entry()

	return m, nil
}

// buildRam lays out the guest memory: a low boot area, the kernel image, the
// boot environment, the kernel config, the stack and finally the page tables
// covering all of it plus the identity-mapped device windows.
func (m *Manager) buildRam(img *kernel.Image, p *profile.Profile, progress io.Writer) error {
	r := m.hv.Ram()
	b := ram.NewBuilder(r, 0)

	// Reserve the legacy low-memory area so nothing else lands there.
	if _, mem, err := b.Alloc(roundUp(0xA0000, r.BlockSize()), ram.AttrNormal); err != nil {
		return fmt.Errorf("couldn't allocate boot memory: %w", err)
	} else {
		mem.Release()
	}

	m.rm.kernVaddr = kernelVaddr

	_, kern, err := b.AllocMapped(kernelVaddr, img.MemLen(), ram.AttrNormal)
	if err != nil {
		return fmt.Errorf("couldn't allocate kernel memory: %w", err)
	}
	defer kern.Release()

	m.rm.kernLen = kern.Len()

	for i, hdr := range img.Loads() {
		src := io.Reader(hdr.Open())

		if progress != nil {
			src = io.TeeReader(src, progress)
		}

		dst := kern.Bytes()[hdr.Vaddr : hdr.Vaddr+hdr.Filesz]

		if _, err := io.ReadFull(src, dst); err != nil {
			return fmt.Errorf("couldn't read kernel segment %d: %w", i, err)
		}
	}

	// Keep the virtual cursor in lockstep with the physical one so the
	// later blocks stay contiguous in both spaces.
	vaddr := kernelVaddr + m.rm.kernLen

	m.rm.envVaddr = vaddr

	_, env, err := b.AllocMapped(vaddr, bootenv.VmSize, ram.AttrNormal)
	if err != nil {
		return fmt.Errorf("couldn't allocate boot environment: %w", err)
	}

	benv := bootenv.Vm{
		Vmm:          m.devices.Vmm().Addr(),
		Console:      m.devices.Console().Addr(),
		Debugger:     m.devices.Debugger().Addr(),
		HostPageSize: uint64(os.Getpagesize()),
	}

	copy(env.Bytes(), benv.Encode())
	env.Release()
	vaddr += env.Len()

	conf, err := p.KernelConfig()
	if err != nil {
		return fmt.Errorf("couldn't build kernel config: %w", err)
	}

	m.rm.confVaddr = vaddr

	_, cm, err := b.AllocMapped(vaddr, bootenv.ConfigSize, ram.AttrNormal)
	if err != nil {
		return fmt.Errorf("couldn't allocate kernel config: %w", err)
	}

	copy(cm.Bytes(), conf.Encode())
	cm.Release()
	vaddr += cm.Len()

	m.rm.stackVaddr = vaddr
	m.rm.stackLen = roundUp(1<<20, r.BlockSize())

	if _, sm, err := b.AllocMapped(vaddr, m.rm.stackLen, ram.AttrNormal); err != nil {
		return fmt.Errorf("couldn't allocate stack: %w", err)
	} else {
		sm.Release()
	}

	m.rm.pageTable, err = b.BuildPageTable(m.devices.Mappings(ram.AttrDevice))
	if err != nil {
		return fmt.Errorf("couldn't build page table: %w", err)
	}

	if err := m.relocate(img, kern.Bytes()); err != nil {
		return fmt.Errorf("couldn't relocate kernel: %w", err)
	}

	return nil
}

// relocate applies the R_<ARCH>_RELATIVE relocations from the kernel's
// dynamic segment so position-dependent data matches the load address.
func (m *Manager) relocate(img *kernel.Image, kern []byte) error {
	dyn := img.Dynamic()

	if dyn.Memsz%16 != 0 || dyn.Vaddr+dyn.Memsz > uint64(len(kern)) {
		return fmt.Errorf("invalid dynamic segment")
	}

	var rela, relasz uint64
	var haveRela, haveRelasz bool

	entries := kern[dyn.Vaddr : dyn.Vaddr+dyn.Memsz]

	for off := uint64(0); off+16 <= uint64(len(entries)); off += 16 {
		tag := binary.LittleEndian.Uint64(entries[off:])
		val := binary.LittleEndian.Uint64(entries[off+8:])

		switch tag {
		case 0: // DT_NULL
			off = uint64(len(entries))
		case 7: // DT_RELA
			rela, haveRela = val, true
		case 8: // DT_RELASZ
			relasz, haveRelasz = val, true
		}
	}

	if !haveRela && !haveRelasz {
		return nil
	}

	if !haveRela || !haveRelasz {
		return fmt.Errorf("DT_RELA and DT_RELASZ must come together")
	}

	if relasz%24 != 0 || rela+relasz > uint64(len(kern)) {
		return fmt.Errorf("invalid relocation table")
	}

	relative := relocateType(m.hv.Architecture())

	for off := rela; off < rela+relasz; off += 24 {
		place := binary.LittleEndian.Uint64(kern[off:])
		info := binary.LittleEndian.Uint64(kern[off+8:])
		addend := int64(binary.LittleEndian.Uint64(kern[off+16:]))

		if uint32(info) != relative {
			continue
		}

		if place+8 > uint64(len(kern)) {
			return fmt.Errorf("relocation outside the image at %#x", place)
		}

		binary.LittleEndian.PutUint64(kern[place:], m.rm.kernVaddr+uint64(addend))
	}

	return nil
}

// Start launches the boot CPU. The other CPUs are brought online by the
// guest through the device interface, not here.
func (m *Manager) Start() {
	m.wg.Add(1)

	go m.runCpu(0, m.entry)
}

// Wait blocks until every CPU stopped. It reports whether the guest kernel
// exited successfully plus the first host-side failure, if any.
func (m *Manager) Wait() (bool, error) {
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.success.Load() && m.err == nil, m.err
}

// RequestShutdown asks the CPUs to stop at their next VM exit.
func (m *Manager) RequestShutdown() {
	m.shutdown.Store(true)
}

func (m *Manager) Close() error {
	return m.hv.Close()
}

func (m *Manager) fail(err error) {
	slog.Error("vm failure", "error", err)

	m.mu.Lock()

	if m.err == nil {
		m.err = err
	}

	m.mu.Unlock()
	m.shutdown.Store(true)
}

func (m *Manager) runCpu(id int, entry uint64) {
	defer m.wg.Done()

	// The native CPU handle is bound to the creating thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tr := m.tracer.Source(fmt.Sprintf("cpu%d", id))

	cpu, err := m.hv.CreateCpu(id)
	if err != nil {
		m.fail(fmt.Errorf("couldn't create cpu %d: %w", id, err))
		return
	}
	defer cpu.Close()

	if err := setupMainCpu(m.hv, cpu, entry, m.rm); err != nil {
		m.fail(fmt.Errorf("couldn't setup cpu %d: %w", id, err))
		return
	}

	ctxs := make(map[uint64]dev.Context)

	for _, d := range m.devices.Devices() {
		ctxs[d.Addr()] = d.CreateContext(cpu, m.hv.Ram())
	}

	debugged := m.bridge != nil && id == 0

	if debugged {
		if err := cpu.SetDebug(true); err != nil {
			m.fail(fmt.Errorf("couldn't enable debugging on cpu %d: %w", id, err))
			return
		}

		// Hold the CPU before its first instruction until the debugger
		// releases it.
		if err := cpu.SetSingleStep(m.bridge.park(cpu, entry)); err != nil {
			m.fail(fmt.Errorf("couldn't arm single step on cpu %d: %w", id, err))
			return
		}
	}

	for {
		if m.shutdown.Load() {
			return
		}

		exit, err := cpu.Run()
		if err != nil {
			m.fail(fmt.Errorf("couldn't run cpu %d: %w", id, err))
			return
		}

		switch exit.Kind() {
		case hv.ExitHlt:
			tr.Write("hlt")
		case hv.ExitIo:
			if !m.handleIo(cpu, ctxs, exit.Io(), tr) {
				return
			}
		case hv.ExitDebug:
			stop := exit.Debug()
			tr.Writef("stop pc=%#x", stop.Pc)

			if !debugged {
				m.fail(fmt.Errorf("cpu %d stopped without a debugger", id))
				return
			}

			if err := cpu.SetSingleStep(m.bridge.park(cpu, stop.Pc)); err != nil {
				m.fail(fmt.Errorf("couldn't arm single step on cpu %d: %w", id, err))
				return
			}
		default:
			m.fail(fmt.Errorf("cpu %d: unsupported exit %#x", id, exit.Reason()))
			return
		}

		if debugged && m.bridge.pollInterrupt() {
			pc, err := programCounter(m.hv.Architecture(), cpu)
			if err != nil {
				m.fail(fmt.Errorf("couldn't read cpu %d registers: %w", id, err))
				return
			}

			if err := cpu.SetSingleStep(m.bridge.park(cpu, pc)); err != nil {
				m.fail(fmt.Errorf("couldn't arm single step on cpu %d: %w", id, err))
				return
			}
		}
	}
}

// handleIo routes one MMIO exit to its device. It reports false when the CPU
// must stop, either because the guest asked for shutdown or because the
// operation could not be decoded. A decode failure is a guest bug; it takes
// the whole VM down so it never goes unnoticed.
func (m *Manager) handleIo(cpu hv.Cpu, ctxs map[uint64]dev.Context, io hv.CpuIo, tr *trace.Source) bool {
	d := m.devices.Lookup(io.Addr())

	if d == nil {
		m.fail(fmt.Errorf("cpu %d touched unmapped mmio address %#x", cpu.ID(), io.Addr()))
		return false
	}

	buf := io.Buffer()
	tr.Writef("mmio %s+%#x write=%t len=%d", d.Name(), io.Addr()-d.Addr(), buf.Write, len(buf.Data))

	cont, err := ctxs[d.Addr()].Mmio(io)
	if err != nil {
		slog.Error("mmio operation failed",
			"cpu", cpu.ID(),
			"device", d.Name(),
			"offset", io.Addr()-d.Addr(),
			"addr", io.Addr(),
			"error", err)
		m.fail(fmt.Errorf("couldn't execute mmio on %s: %w", d.Name(), err))
		return false
	}

	return cont
}

func programCounter(arch hv.CpuArchitecture, cpu hv.Cpu) (uint64, error) {
	regs, err := cpu.Regs()
	if err != nil {
		return 0, err
	}

	if arch == hv.ArchitectureARM64 {
		return regs.Pc, nil
	}

	return regs.Rip, nil
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// managerEvents adapts the Manager into the device event sink without
// exposing the sink methods on the public API.
type managerEvents Manager

var _ dev.Events = (*managerEvents)(nil)

func (e *managerEvents) Log(cpu int, ty bootenv.ConsoleType, msg string) {
	m := (*Manager)(e)

	m.tracer.Source("console").Writef("%s: %s", ty, msg)

	if m.onLog != nil {
		m.onLog(cpu, ty, msg)
	}
}

func (e *managerEvents) Shutdown(status bootenv.KernelExit) {
	m := (*Manager)(e)

	m.exitOnce.Do(func() {
		m.success.Store(status == bootenv.KernelExitSuccess)
		slog.Info("guest requested shutdown", "status", status)
	})

	m.shutdown.Store(true)
}

func (e *managerEvents) Stop(cpu hv.Cpu) error {
	m := (*Manager)(e)

	// Without a debugger the stop request degrades to a no-op so the guest
	// keeps running.
	if m.bridge == nil || cpu.ID() != 0 {
		return nil
	}

	pc, err := programCounter(m.hv.Architecture(), cpu)
	if err != nil {
		return err
	}

	return cpu.SetSingleStep(m.bridge.park(cpu, pc))
}
