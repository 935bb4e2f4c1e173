// Package dev implements the virtual devices the guest kernel talks to over
// MMIO: the console, the shutdown device and the debugger device. Devices
// occupy consecutive windows placed right after guest RAM; each window is one
// RAM block so the page tables can map it without splitting a block.
package dev

import (
	"errors"
	"fmt"
	"sort"

	"github.com/orbvm/orbvm/internal/bootenv"
	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/ram"
)

var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrInvalidData      = errors.New("invalid data")
)

// Events receives what the devices produce. One Events value is shared by
// every CPU, so implementations must be safe for concurrent use.
type Events interface {
	// Log delivers one committed console message.
	Log(cpu int, ty bootenv.ConsoleType, msg string)

	// Shutdown reports the guest exit status. Called at most once per run;
	// later calls may be ignored.
	Shutdown(status bootenv.KernelExit)

	// Stop hands the CPU to an attached debugger and blocks until the
	// debugger resumes it.
	Stop(cpu hv.Cpu) error
}

// Device is a virtual device with a fixed window in the guest physical
// address space.
type Device interface {
	Name() string
	Addr() uint64
	Len() uint64

	// CreateContext builds the dispatch state for one CPU. Contexts are
	// never shared between CPUs; state visible across CPUs lives behind
	// the Events sink.
	CreateContext(cpu hv.Cpu, r *ram.Ram) Context
}

// Context executes MMIO operations on a device for one CPU.
type Context interface {
	// Mmio handles one access. It reports false when the device requests
	// guest shutdown.
	Mmio(io hv.CpuIo) (bool, error)
}

// Tree holds every virtual device, ordered by physical address. It is built
// once before any CPU starts and read-only afterward.
type Tree struct {
	vmm      *Vmm
	console  *Console
	debugger *Debugger
	devices  []Device
}

// NewTree places the devices at consecutive block-sized windows starting at
// startAddr, which is normally the end of guest RAM.
func NewTree(startAddr, blockSize uint64, events Events) *Tree {
	t := new(Tree)
	next := startAddr

	push := func(d Device) {
		t.devices = append(t.devices, d)
		next += d.Len()
	}

	t.vmm = &Vmm{addr: next, length: blockSize, events: events}
	push(t.vmm)

	t.console = &Console{addr: next, length: blockSize, events: events}
	push(t.console)

	t.debugger = &Debugger{addr: next, length: blockSize, events: events}
	push(t.debugger)

	return t
}

func (t *Tree) Vmm() *Vmm           { return t.vmm }
func (t *Tree) Console() *Console   { return t.console }
func (t *Tree) Debugger() *Debugger { return t.debugger }

// Devices returns every device ordered by physical address.
func (t *Tree) Devices() []Device { return t.devices }

// Lookup finds the device whose window contains addr.
func (t *Tree) Lookup(addr uint64) Device {
	i := sort.Search(len(t.devices), func(i int) bool {
		return t.devices[i].Addr() > addr
	})

	if i == 0 {
		return nil
	}

	if d := t.devices[i-1]; addr < d.Addr()+d.Len() {
		return d
	}

	return nil
}

// Mappings returns the identity mappings the page tables need so the guest
// can reach the device windows.
func (t *Tree) Mappings(attr uint8) []ram.AllocInfo {
	m := make([]ram.AllocInfo, 0, len(t.devices))

	for _, d := range t.devices {
		m = append(m, ram.AllocInfo{
			Paddr: d.Addr(),
			Vaddr: d.Addr(),
			Len:   d.Len(),
			Attr:  attr,
		})
	}

	return m
}

// UnknownFieldError reports an MMIO access to an offset that is not a field
// of the device's memory layout.
type UnknownFieldError struct {
	Off uint64
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field at offset %#x", e.Off)
}

func readU8(io hv.CpuIo) (uint8, error) {
	buf := io.Buffer()

	if !buf.Write {
		return 0, ErrInvalidOperation
	}

	if len(buf.Data) != 1 {
		return 0, ErrInvalidData
	}

	return buf.Data[0], nil
}

func readUsize(io hv.CpuIo) (uint64, error) {
	buf := io.Buffer()

	if !buf.Write {
		return 0, ErrInvalidOperation
	}

	if len(buf.Data) != 8 {
		return 0, ErrInvalidData
	}

	v := uint64(0)

	for i, b := range buf.Data {
		v |= uint64(b) << (8 * i)
	}

	return v, nil
}

// readBin treats the payload as a guest virtual pointer and copies length
// bytes from the memory it points at. The copy keeps the RAM block locked
// only for its duration.
func readBin(io hv.CpuIo, length uint64, r *ram.Ram) ([]byte, error) {
	vaddr, err := readUsize(io)
	if err != nil {
		return nil, err
	}

	paddr, err := io.TranslateVaddr(vaddr)
	if err != nil {
		return nil, fmt.Errorf("couldn't translate %#x to physical address: %w", vaddr, err)
	}

	mem, err := r.Lock(paddr, length)
	if err != nil {
		return nil, fmt.Errorf("couldn't lock %#x: %w", paddr, err)
	}

	data := make([]byte, length)
	copy(data, mem.Bytes())
	mem.Release()

	return data, nil
}
