package dev

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/orbvm/orbvm/internal/bootenv"
	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/ram"
)

type fakeCpu struct {
	id int
}

func (c *fakeCpu) ID() int { return c.id }

func (c *fakeCpu) States() (hv.CpuStates, error) { return nil, hv.ErrUnsupported }

func (c *fakeCpu) Regs() (*hv.Regs, error) { return new(hv.Regs), nil }

func (c *fakeCpu) PutRegs(r *hv.Regs) error { return nil }

func (c *fakeCpu) Run() (hv.CpuExit, error) { return nil, hv.ErrUnsupported }

func (c *fakeCpu) TranslateVaddr(v uint64) (uint64, error) { return v, nil }

func (c *fakeCpu) SetDebug(enabled bool) error { return nil }

func (c *fakeCpu) SetSingleStep(enabled bool) error { return nil }

func (c *fakeCpu) Close() error { return nil }

type fakeIo struct {
	addr uint64
	buf  hv.IoBuf
}

func (f *fakeIo) Addr() uint64 { return f.addr }

func (f *fakeIo) Buffer() *hv.IoBuf { return &f.buf }

func (f *fakeIo) TranslateVaddr(v uint64) (uint64, error) { return v, nil }

func writeU8(addr uint64, v uint8) *fakeIo {
	return &fakeIo{addr: addr, buf: hv.IoBuf{Data: []byte{v}, Write: true}}
}

func writeUsize(addr uint64, v uint64) *fakeIo {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], v)

	return &fakeIo{addr: addr, buf: hv.IoBuf{Data: b[:], Write: true}}
}

type logEntry struct {
	cpu int
	ty  bootenv.ConsoleType
	msg string
}

type recorder struct {
	mu        sync.Mutex
	logs      []logEntry
	shutdowns []bootenv.KernelExit
	stops     int
}

func (r *recorder) Log(cpu int, ty bootenv.ConsoleType, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logs = append(r.logs, logEntry{cpu, ty, msg})
}

func (r *recorder) Shutdown(status bootenv.KernelExit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shutdowns = append(r.shutdowns, status)
}

func (r *recorder) Stop(cpu hv.Cpu) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stops++

	return nil
}

const testBlockSize = 0x4000

func newTestTree(t *testing.T) (*Tree, *recorder, *ram.Ram) {
	t.Helper()

	r, err := ram.New(0x1000, 16*0x4000, nil)
	if err != nil {
		t.Fatalf("ram.New: %v", err)
	}

	t.Cleanup(func() { r.Close() })

	events := new(recorder)

	return NewTree(r.Len(), testBlockSize, events), events, r
}

func TestTreeLookup(t *testing.T) {
	tree, _, r := newTestTree(t)

	for _, d := range tree.Devices() {
		if got := tree.Lookup(d.Addr()); got != d {
			t.Errorf("Lookup(%#x) = %v, want %s", d.Addr(), got, d.Name())
		}

		if got := tree.Lookup(d.Addr() + d.Len() - 1); got != d {
			t.Errorf("Lookup at end of %s window failed", d.Name())
		}
	}

	if got := tree.Lookup(r.Len() - 1); got != nil {
		t.Errorf("Lookup below the device area = %v", got)
	}

	last := tree.Devices()[len(tree.Devices())-1]

	if got := tree.Lookup(last.Addr() + last.Len()); got != nil {
		t.Errorf("Lookup above the device area = %v", got)
	}
}

func TestConsoleCommitOrdering(t *testing.T) {
	tree, events, r := newTestTree(t)

	// Put the message in guest memory, split across two chunks.
	mem, err := r.Alloc(0, testBlockSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	copy(mem.Bytes(), "helloworld")
	mem.Release()

	cpu := &fakeCpu{id: 0}
	ctx := tree.Console().CreateContext(cpu, r)
	dev := tree.Console().Addr()

	steps := []*fakeIo{
		writeUsize(dev+bootenv.OffConsoleMsgLen, 5),
		writeUsize(dev+bootenv.OffConsoleMsgAddr, 0),
		writeUsize(dev+bootenv.OffConsoleMsgLen, 5),
		writeUsize(dev+bootenv.OffConsoleMsgAddr, 5),
	}

	for i, io := range steps {
		cont, err := ctx.Mmio(io)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}

		if !cont {
			t.Fatalf("step %d requested shutdown", i)
		}

		if len(events.logs) != 0 {
			t.Fatalf("log event fired before commit at step %d", i)
		}
	}

	if _, err := ctx.Mmio(writeU8(dev+bootenv.OffConsoleCommit, uint8(bootenv.ConsoleInfo))); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if len(events.logs) != 1 {
		t.Fatalf("expected one log event, got %d", len(events.logs))
	}

	if e := events.logs[0]; e.msg != "helloworld" || e.ty != bootenv.ConsoleInfo || e.cpu != 0 {
		t.Errorf("unexpected log event %+v", e)
	}
}

func TestConsoleInvalidSequence(t *testing.T) {
	tree, _, r := newTestTree(t)

	ctx := tree.Console().CreateContext(&fakeCpu{}, r)
	dev := tree.Console().Addr()

	// Commit without a message.
	if _, err := ctx.Mmio(writeU8(dev+bootenv.OffConsoleCommit, 0)); err == nil {
		t.Error("commit on an empty message should fail")
	}

	// Address without a preceding length.
	if _, err := ctx.Mmio(writeUsize(dev+bootenv.OffConsoleMsgAddr, 0)); err == nil {
		t.Error("msg_addr without msg_len should fail")
	}

	// Zero length.
	if _, err := ctx.Mmio(writeUsize(dev+bootenv.OffConsoleMsgLen, 0)); err == nil {
		t.Error("zero msg_len should fail")
	}
}

func TestConsoleInvalidCommit(t *testing.T) {
	tree, events, r := newTestTree(t)

	mem, err := r.Alloc(0, testBlockSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	copy(mem.Bytes(), "hi")
	mem.Release()

	ctx := tree.Console().CreateContext(&fakeCpu{}, r)
	dev := tree.Console().Addr()

	for _, io := range []*fakeIo{
		writeUsize(dev+bootenv.OffConsoleMsgLen, 2),
		writeUsize(dev+bootenv.OffConsoleMsgAddr, 0),
	} {
		if _, err := ctx.Mmio(io); err != nil {
			t.Fatalf("Mmio: %v", err)
		}
	}

	if _, err := ctx.Mmio(writeU8(dev+bootenv.OffConsoleCommit, 3)); err == nil {
		t.Error("commit value 3 should fail")
	}

	if len(events.logs) != 0 {
		t.Errorf("log event fired for an invalid commit")
	}
}

func TestConsoleUnknownField(t *testing.T) {
	tree, _, r := newTestTree(t)

	ctx := tree.Console().CreateContext(&fakeCpu{}, r)
	dev := tree.Console().Addr()
	known := map[uint64]bool{
		bootenv.OffConsoleMsgLen:  true,
		bootenv.OffConsoleMsgAddr: true,
		bootenv.OffConsoleCommit:  true,
	}

	for off := uint64(0); off < 32; off++ {
		if known[off] {
			continue
		}

		_, err := ctx.Mmio(writeU8(dev+off, 0))

		var unknown *UnknownFieldError

		if !errors.As(err, &unknown) {
			t.Fatalf("offset %#x: got %v, want UnknownFieldError", off, err)
		}

		if unknown.Off != off {
			t.Errorf("offset %#x reported as %#x", off, unknown.Off)
		}
	}
}

func TestShutdownRoundTrip(t *testing.T) {
	tree, events, r := newTestTree(t)

	ctx := tree.Vmm().CreateContext(&fakeCpu{}, r)
	dev := tree.Vmm().Addr()

	cont, err := ctx.Mmio(writeU8(dev+bootenv.OffVmmShutdown, 0))
	if err != nil {
		t.Fatalf("Mmio: %v", err)
	}

	if cont {
		t.Error("shutdown write should stop the run loop")
	}

	if len(events.shutdowns) != 1 || events.shutdowns[0] != bootenv.KernelExitSuccess {
		t.Errorf("unexpected shutdown events %v", events.shutdowns)
	}

	if _, err := ctx.Mmio(writeU8(dev+bootenv.OffVmmShutdown, 1)); err != nil {
		t.Fatalf("Mmio: %v", err)
	}

	if len(events.shutdowns) != 2 || events.shutdowns[1] != bootenv.KernelExitPanic {
		t.Errorf("unexpected shutdown events %v", events.shutdowns)
	}

	// Out of range values are decode errors, not silent defaults.
	if _, err := ctx.Mmio(writeU8(dev+bootenv.OffVmmShutdown, 2)); err == nil {
		t.Error("shutdown value 2 should fail")
	}

	if len(events.shutdowns) != 2 {
		t.Errorf("invalid shutdown value produced an event")
	}
}

func TestShutdownReadRejected(t *testing.T) {
	tree, _, r := newTestTree(t)

	ctx := tree.Vmm().CreateContext(&fakeCpu{}, r)
	io := &fakeIo{
		addr: tree.Vmm().Addr(),
		buf:  hv.IoBuf{Data: make([]byte, 1)},
	}

	if _, err := ctx.Mmio(io); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("guest read from shutdown field: got %v, want ErrInvalidOperation", err)
	}
}

func TestDebuggerStop(t *testing.T) {
	tree, events, r := newTestTree(t)

	ctx := tree.Debugger().CreateContext(&fakeCpu{id: 3}, r)
	dev := tree.Debugger().Addr()

	cont, err := ctx.Mmio(writeU8(dev+bootenv.OffDebuggerStop, 0))
	if err != nil {
		t.Fatalf("Mmio: %v", err)
	}

	if !cont {
		t.Error("a debugger stop should not shut the VM down")
	}

	if events.stops != 1 {
		t.Errorf("expected one stop, got %d", events.stops)
	}

	if _, err := ctx.Mmio(writeU8(dev+bootenv.OffDebuggerStop, 9)); err == nil {
		t.Error("invalid stop reason should fail")
	}
}
