//go:build windows && amd64

package whp

import (
	"runtime"
	"testing"

	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/whp/bindings"
)

func newTestHypervisor(t *testing.T) hv.Hypervisor {
	t.Helper()

	if present, err := bindings.IsHypervisorPresent(); err != nil || !present {
		t.Skipf("Windows Hypervisor Platform is not available (present=%v, err=%v)", present, err)
	}

	h, err := New(1, 1024*1024*64, 0x1000)
	if err != nil {
		t.Skipf("failed to create partition: %v", err)
	}

	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	})

	return h
}

func TestNew(t *testing.T) {
	h := newTestHypervisor(t)

	if h.Architecture() != hv.ArchitectureX86_64 {
		t.Errorf("Architecture() = %v", h.Architecture())
	}

	if h.Ram() == nil {
		t.Fatal("Ram() = nil")
	}
}

func TestRegsRoundTrip(t *testing.T) {
	h := newTestHypervisor(t)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c, err := h.CreateCpu(0)
	if err != nil {
		t.Fatal(err)
	}

	regs, err := c.Regs()
	if err != nil {
		t.Fatal(err)
	}

	regs.Rsi = 0xdeadbeef

	if err := c.PutRegs(regs); err != nil {
		t.Fatal(err)
	}

	got, err := c.Regs()
	if err != nil {
		t.Fatal(err)
	}

	if got.Rsi != 0xdeadbeef {
		t.Errorf("Rsi = %#x", got.Rsi)
	}
}

func TestStatesCommit(t *testing.T) {
	h := newTestHypervisor(t)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c, err := h.CreateCpu(0)
	if err != nil {
		t.Fatal(err)
	}

	states, err := c.States()
	if err != nil {
		t.Fatal(err)
	}

	s, ok := states.(hv.Amd64States)
	if !ok {
		t.Fatalf("unexpected states type %T", states)
	}

	s.SetRsi(0x1234)

	if err := states.Commit(); err != nil {
		t.Fatal(err)
	}

	regs, err := c.Regs()
	if err != nil {
		t.Fatal(err)
	}

	if regs.Rsi != 0x1234 {
		t.Errorf("Rsi after Commit = %#x", regs.Rsi)
	}
}
