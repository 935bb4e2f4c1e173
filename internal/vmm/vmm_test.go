package vmm

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/orbvm/orbvm/internal/bootenv"
	"github.com/orbvm/orbvm/internal/gdb"
	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/ram"
	"github.com/orbvm/orbvm/internal/profile"
)

const testPageSize = 0x1000

// writeTestKernel emits a minimal kernel image: one load segment covering the
// whole file, an empty dynamic segment and the page size note.
func writeTestKernel(t *testing.T) string {
	t.Helper()

	var machine elf.Machine

	switch runtime.GOARCH {
	case "amd64":
		machine = elf.EM_X86_64
	case "arm64":
		machine = elf.EM_AARCH64
	default:
		t.Skipf("no kernel image for %s", runtime.GOARCH)
	}

	const (
		phdrsOff   = 64
		noteOff    = phdrsOff + 3*56
		dynamicOff = noteOff + 28
		totalLen   = dynamicOff + 16
	)

	var buf bytes.Buffer

	ehdr := make([]byte, 64)
	copy(ehdr, elf.ELFMAG)
	ehdr[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ehdr[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ehdr[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.LittleEndian.PutUint16(ehdr[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(ehdr[18:], uint16(machine))
	binary.LittleEndian.PutUint32(ehdr[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(ehdr[24:], 0x400)    // e_entry
	binary.LittleEndian.PutUint64(ehdr[32:], phdrsOff) // e_phoff
	binary.LittleEndian.PutUint16(ehdr[52:], 64)       // e_ehsize
	binary.LittleEndian.PutUint16(ehdr[54:], 56)       // e_phentsize
	binary.LittleEndian.PutUint16(ehdr[56:], 3)        // e_phnum
	buf.Write(ehdr)

	phdr := func(ty elf.ProgType, off, filesz, memsz uint64) {
		p := make([]byte, 56)
		binary.LittleEndian.PutUint32(p, uint32(ty))
		binary.LittleEndian.PutUint32(p[4:], uint32(elf.PF_R|elf.PF_W|elf.PF_X))
		binary.LittleEndian.PutUint64(p[8:], off)  // p_offset
		binary.LittleEndian.PutUint64(p[16:], off) // p_vaddr
		binary.LittleEndian.PutUint64(p[32:], filesz)
		binary.LittleEndian.PutUint64(p[40:], memsz)
		binary.LittleEndian.PutUint64(p[48:], testPageSize)
		buf.Write(p)
	}

	phdr(elf.PT_LOAD, 0, totalLen, testPageSize)
	phdr(elf.PT_NOTE, noteOff, 28, 28)
	phdr(elf.PT_DYNAMIC, dynamicOff, 16, 16)

	// Name length, desc length, type, name, desc.
	note := make([]byte, 28)
	binary.LittleEndian.PutUint32(note, 6)
	binary.LittleEndian.PutUint32(note[4:], 8)
	copy(note[12:], "orbvm\x00")
	binary.LittleEndian.PutUint64(note[20:], testPageSize)
	buf.Write(note)

	buf.Write(make([]byte, 16)) // DT_NULL

	path := filepath.Join(t.TempDir(), "kernel")

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

type fakeBackend struct {
	r      *ram.Ram
	states *fakeStates

	mu     sync.Mutex
	script []*fakeExit
	runs   int
	extra  int
	steps  []bool
}

func (f *fakeBackend) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (f *fakeBackend) CpuFeats() *hv.CpuFeats { return &hv.CpuFeats{} }

func (f *fakeBackend) Ram() *ram.Ram { return f.r }

func (f *fakeBackend) CreateCpu(id int) (hv.Cpu, error) {
	return &fakeVcpu{b: f, id: id}, nil
}

func (f *fakeBackend) Close() error { return f.r.Close() }

type fakeVcpu struct {
	b  *fakeBackend
	id int
}

func (c *fakeVcpu) ID() int { return c.id }

func (c *fakeVcpu) States() (hv.CpuStates, error) {
	c.b.states = new(fakeStates)
	return c.b.states, nil
}

func (c *fakeVcpu) Regs() (*hv.Regs, error) { return &hv.Regs{Rip: 0x1234}, nil }

func (c *fakeVcpu) PutRegs(r *hv.Regs) error { return nil }

func (c *fakeVcpu) Run() (hv.CpuExit, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.b.runs >= len(c.b.script) {
		c.b.extra++
		return nil, errors.New("script exhausted")
	}

	e := c.b.script[c.b.runs]
	c.b.runs++

	return e, nil
}

func (c *fakeVcpu) TranslateVaddr(vaddr uint64) (uint64, error) { return vaddr, nil }

func (c *fakeVcpu) SetDebug(enabled bool) error { return nil }

func (c *fakeVcpu) SetSingleStep(enabled bool) error {
	c.b.mu.Lock()
	c.b.steps = append(c.b.steps, enabled)
	c.b.mu.Unlock()

	return nil
}

func (c *fakeVcpu) Close() error { return nil }

type fakeStates struct {
	rdi, rsi, rsp, rip uint64
	committed          bool
}

func (s *fakeStates) Commit() error { s.committed = true; return nil }

func (s *fakeStates) SetRdi(v uint64) { s.rdi = v }
func (s *fakeStates) SetRsi(v uint64) { s.rsi = v }
func (s *fakeStates) SetRsp(v uint64) { s.rsp = v }
func (s *fakeStates) SetRip(v uint64) { s.rip = v }

func (s *fakeStates) SetCr0(v uint64)  {}
func (s *fakeStates) SetCr3(v uint64)  {}
func (s *fakeStates) SetCr4(v uint64)  {}
func (s *fakeStates) SetEfer(v uint64) {}

func (s *fakeStates) SetCs(ty uint8, dpl uint8, p, l, d bool) {}

func (s *fakeStates) SetDs(p bool) {}
func (s *fakeStates) SetEs(p bool) {}
func (s *fakeStates) SetFs(p bool) {}
func (s *fakeStates) SetGs(p bool) {}
func (s *fakeStates) SetSs(p bool) {}

type fakeExit struct {
	kind hv.ExitKind
	io   hv.CpuIo
}

func (e *fakeExit) Kind() hv.ExitKind { return e.kind }

func (e *fakeExit) Reason() uint32 { return 0 }

func (e *fakeExit) Io() hv.CpuIo { return e.io }

func (e *fakeExit) Debug() *hv.DebugStop { return nil }

type fakeIo struct {
	addr uint64
	buf  hv.IoBuf
}

func (f *fakeIo) Addr() uint64 { return f.addr }

func (f *fakeIo) Buffer() *hv.IoBuf { return &f.buf }

func (f *fakeIo) TranslateVaddr(vaddr uint64) (uint64, error) { return vaddr, nil }

func ioW8(addr uint64, v uint8) *fakeExit {
	return &fakeExit{kind: hv.ExitIo, io: &fakeIo{addr: addr, buf: hv.IoBuf{Data: []byte{v}, Write: true}}}
}

func ioW64(addr uint64, v uint64) *fakeExit {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, v)

	return &fakeExit{kind: hv.ExitIo, io: &fakeIo{addr: addr, buf: hv.IoBuf{Data: data, Write: true}}}
}

type logEntry struct {
	cpu int
	ty  bootenv.ConsoleType
	msg string
}

func newTestManager(t *testing.T, debug bool) (*Manager, *fakeBackend, *[]logEntry) {
	t.Helper()

	backend := new(fakeBackend)
	logs := new([]logEntry)

	m, err := New(Options{
		Kernel:  writeTestKernel(t),
		Profile: &profile.Profile{Name: "test", CpuCount: 1, RamSize: 64 << 20},
		Debug:   debug,
		OnLog: func(cpu int, ty bootenv.ConsoleType, msg string) {
			*logs = append(*logs, logEntry{cpu: cpu, ty: ty, msg: msg})
		},
		NewHypervisor: func(cpus int, ramSize, vmPageSize uint64) (hv.Hypervisor, error) {
			r, err := ram.New(vmPageSize, ramSize, nil)
			if err != nil {
				return nil, err
			}

			backend.r = r

			return backend, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { m.Close() })

	return m, backend, logs
}

// writeGuest places bytes into allocated guest memory, used to stage message
// payloads the scripted MMIO accesses point at.
func writeGuest(t *testing.T, r *ram.Ram, addr uint64, data []byte) {
	t.Helper()

	mem, err := r.Lock(addr, uint64(len(data)))
	if err != nil {
		t.Fatal(err)
	}

	copy(mem.Bytes(), data)
	mem.Release()
}

func readGuest(t *testing.T, r *ram.Ram, addr uint64, length uint64) []byte {
	t.Helper()

	mem, err := r.Lock(addr, length)
	if err != nil {
		t.Fatal(err)
	}

	data := make([]byte, length)
	copy(data, mem.Bytes())
	mem.Release()

	return data
}

func TestRunToShutdown(t *testing.T) {
	m, backend, logs := newTestManager(t, false)

	writeGuest(t, backend.r, 0x1000, []byte("helloworld"))

	console := m.devices.Console().Addr()
	vmm := m.devices.Vmm().Addr()

	backend.script = []*fakeExit{
		ioW64(console+bootenv.OffConsoleMsgLen, 5),
		ioW64(console+bootenv.OffConsoleMsgAddr, 0x1000),
		ioW64(console+bootenv.OffConsoleMsgLen, 5),
		ioW64(console+bootenv.OffConsoleMsgAddr, 0x1005),
		{kind: hv.ExitHlt},
		ioW8(console+bootenv.OffConsoleCommit, uint8(bootenv.ConsoleInfo)),
		ioW8(vmm+bootenv.OffVmmShutdown, uint8(bootenv.KernelExitSuccess)),
	}

	m.Start()

	ok, err := m.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if !ok {
		t.Error("Wait reported failure")
	}

	if backend.extra != 0 {
		t.Errorf("cpu ran %d times past the shutdown", backend.extra)
	}

	if got := *logs; len(got) != 1 || got[0].msg != "helloworld" || got[0].ty != bootenv.ConsoleInfo {
		t.Errorf("logs = %+v", got)
	}

	if s := backend.states; s == nil || !s.committed {
		t.Fatal("boot cpu states were not committed")
	} else if s.rip != kernelVaddr+0x400 {
		t.Errorf("rip = %#x, want %#x", s.rip, uint64(kernelVaddr+0x400))
	} else if s.rdi != m.rm.envVaddr || s.rsi != m.rm.confVaddr {
		t.Errorf("args = %#x, %#x", s.rdi, s.rsi)
	} else if s.rsp != m.rm.stackVaddr+m.rm.stackLen {
		t.Errorf("rsp = %#x", s.rsp)
	}
}

func TestMmioDecodeFailureStopsVm(t *testing.T) {
	m, backend, _ := newTestManager(t, false)

	// Commit without a buffered message is a protocol violation.
	backend.script = []*fakeExit{
		ioW8(m.devices.Console().Addr()+bootenv.OffConsoleCommit, uint8(bootenv.ConsoleInfo)),
	}

	m.Start()

	ok, err := m.Wait()
	if err == nil {
		t.Fatal("Wait succeeded after an invalid mmio operation")
	}

	if ok {
		t.Error("Wait reported success")
	}

	if backend.extra != 0 {
		t.Errorf("cpu ran %d times past the failure", backend.extra)
	}
}

func TestPanicExitStatus(t *testing.T) {
	m, backend, _ := newTestManager(t, false)

	backend.script = []*fakeExit{
		ioW8(m.devices.Vmm().Addr()+bootenv.OffVmmShutdown, uint8(bootenv.KernelExitPanic)),
	}

	m.Start()

	ok, err := m.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if ok {
		t.Error("a kernel panic must not report success")
	}
}

func TestDebuggerAttach(t *testing.T) {
	m, backend, _ := newTestManager(t, true)

	backend.script = []*fakeExit{
		ioW8(m.devices.Vmm().Addr()+bootenv.OffVmmShutdown, uint8(bootenv.KernelExitSuccess)),
	}

	m.Start()

	var stop gdb.StopEvent

	select {
	case stop = <-m.Stops():
	case <-time.After(5 * time.Second):
		t.Fatal("no stop event from the boot cpu")
	}

	if want := uint64(kernelVaddr + 0x400); stop.Cpu != 0 || stop.Pc != want {
		t.Fatalf("stop = %+v, want cpu 0 at %#x", stop, want)
	}

	regs, err := m.ReadRegs()
	if err != nil {
		t.Fatal(err)
	}

	if regs.Rip != 0x1234 {
		t.Errorf("rip = %#x", regs.Rip)
	}

	writeGuest(t, backend.r, 0x2000, []byte{0x90})

	if err := m.SetBreakpoint(0x2000, 1); err != nil {
		t.Fatal(err)
	}

	if got := readGuest(t, backend.r, 0x2000, 1); got[0] != 0xCC {
		t.Errorf("breakpoint byte = %#x", got[0])
	}

	if err := m.ClearBreakpoint(0x2000, 1); err != nil {
		t.Fatal(err)
	}

	if got := readGuest(t, backend.r, 0x2000, 1); got[0] != 0x90 {
		t.Errorf("restored byte = %#x", got[0])
	}

	m.Resume(false)

	ok, err := m.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if !ok {
		t.Error("Wait reported failure")
	}
}

func TestBridgeExecAndResume(t *testing.T) {
	b := newBridge()
	cpu := &fakeVcpu{b: new(fakeBackend)}

	step := make(chan bool, 1)

	go func() { step <- b.park(cpu, 0x1000) }()

	select {
	case stop := <-b.stops:
		if stop.Pc != 0x1000 {
			t.Errorf("stop pc = %#x", stop.Pc)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("park did not announce a stop")
	}

	ran := false

	if err := b.Exec(func(c hv.Cpu) error { ran = c == cpu; return nil }); err != nil {
		t.Fatal(err)
	}

	if !ran {
		t.Error("Exec did not run on the parked cpu")
	}

	b.Resume(true)

	select {
	case got := <-step:
		if !got {
			t.Error("park dropped the single step flag")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("park did not return after Resume")
	}
}
