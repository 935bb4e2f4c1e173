//go:build darwin && arm64

package hvf

import (
	"runtime"
	"testing"

	"github.com/orbvm/orbvm/internal/hv"
)

func newTestHypervisor(t *testing.T) hv.Hypervisor {
	t.Helper()

	h, err := New(1, 1024*1024*64, 0x4000)
	if err != nil {
		t.Skipf("Hypervisor.framework is not available: %v", err)
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

	if h.Architecture() != hv.ArchitectureARM64 {
		t.Errorf("Architecture() = %v", h.Architecture())
	}

	if h.CpuFeats().Mmfr0 == 0 {
		t.Error("Mmfr0 = 0")
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

	regs.X[1] = 0xdeadbeef

	if err := c.PutRegs(regs); err != nil {
		t.Fatal(err)
	}

	got, err := c.Regs()
	if err != nil {
		t.Fatal(err)
	}

	if got.X[1] != 0xdeadbeef {
		t.Errorf("X1 = %#x", got.X[1])
	}
}
