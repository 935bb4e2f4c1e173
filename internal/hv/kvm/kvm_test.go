//go:build linux

package kvm

import (
	"errors"
	"os"
	"runtime"
	"testing"

	"github.com/orbvm/orbvm/internal/hv"
)

func newTestHypervisor(t *testing.T) hv.Hypervisor {
	t.Helper()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("KVM is not available: %v", err)
	}

	var pageSize uint64 = 0x1000
	if runtime.GOARCH == "arm64" {
		pageSize = 0x4000
	}

	h, err := New(1, 1024*1024*64, pageSize)
	if err != nil {
		t.Skipf("failed to create VM: %v", err)
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

	if h.Ram() == nil {
		t.Fatal("Ram() = nil")
	}

	if got := h.Ram().Len(); got != 1024*1024*64 {
		t.Errorf("Ram().Len() = %#x", got)
	}
}

func TestCreateCpu(t *testing.T) {
	h := newTestHypervisor(t)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c, err := h.CreateCpu(0)
	if err != nil {
		t.Fatal(err)
	}

	if c.ID() != 0 {
		t.Errorf("ID() = %d", c.ID())
	}

	if _, err := h.CreateCpu(0); err == nil {
		t.Error("duplicate CreateCpu(0) succeeded")
	}

	if _, err := h.CreateCpu(1); err == nil {
		t.Error("CreateCpu(1) succeeded with max 1 vCPU")
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

	if h.Architecture() == hv.ArchitectureX86_64 {
		regs.Rsi = 0xdeadbeef
	} else {
		regs.X[1] = 0xdeadbeef
	}

	if err := c.PutRegs(regs); err != nil {
		t.Fatal(err)
	}

	got, err := c.Regs()
	if err != nil {
		t.Fatal(err)
	}

	if h.Architecture() == hv.ArchitectureX86_64 {
		if got.Rsi != 0xdeadbeef {
			t.Errorf("Rsi = %#x", got.Rsi)
		}
	} else if got.X[1] != 0xdeadbeef {
		t.Errorf("X1 = %#x", got.X[1])
	}
}

func TestRunFromWrongThread(t *testing.T) {
	h := newTestHypervisor(t)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c, err := h.CreateCpu(0)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		_, err := c.Run()
		errCh <- err
	}()

	if err := <-errCh; !errors.Is(err, hv.ErrWrongThread) {
		t.Errorf("Run() from another thread = %v, want ErrWrongThread", err)
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

	switch s := states.(type) {
	case hv.Amd64States:
		s.SetRsi(0x1234)
	case hv.Arm64States:
		s.SetX1(0x1234)
	default:
		t.Fatalf("unexpected states type %T", states)
	}

	if err := states.Commit(); err != nil {
		t.Fatal(err)
	}

	regs, err := c.Regs()
	if err != nil {
		t.Fatal(err)
	}

	got := regs.Rsi
	if h.Architecture() == hv.ArchitectureARM64 {
		got = regs.X[1]
	}

	if got != 0x1234 {
		t.Errorf("register after Commit = %#x", got)
	}
}

func TestIoctlBadFd(t *testing.T) {
	if err := ioctlWithRetry(-1, kvmGetApiVersion, 0); err == nil {
		t.Error("ioctlWithRetry accepted an invalid fd")
	}

	if _, err := ioctlRetWithRetry(-1, kvmGetApiVersion, 0); err == nil {
		t.Error("ioctlRetWithRetry accepted an invalid fd")
	}

	if _, err := getApiVersion(-1); err == nil {
		t.Error("getApiVersion accepted an invalid fd")
	}
}
