package bootenv

import (
	"encoding/binary"
	"testing"
)

func TestFieldOffsets(t *testing.T) {
	if OffConsoleMsgLen != 0 || OffConsoleMsgAddr != 8 || OffConsoleCommit != 16 {
		t.Errorf("unexpected console layout: %d %d %d", OffConsoleMsgLen, OffConsoleMsgAddr, OffConsoleCommit)
	}

	if OffVmmShutdown != 0 {
		t.Errorf("unexpected shutdown offset %d", OffVmmShutdown)
	}

	if OffDebuggerStop != 0 {
		t.Errorf("unexpected stop offset %d", OffDebuggerStop)
	}
}

func TestParseKernelExit(t *testing.T) {
	for v, want := range map[uint8]KernelExit{0: KernelExitSuccess, 1: KernelExitPanic} {
		got, err := ParseKernelExit(v)
		if err != nil {
			t.Fatalf("ParseKernelExit(%d): %v", v, err)
		}

		if got != want {
			t.Errorf("ParseKernelExit(%d) = %v, want %v", v, got, want)
		}
	}

	if _, err := ParseKernelExit(2); err == nil {
		t.Error("expected an error for out of range value")
	}
}

func TestParseConsoleType(t *testing.T) {
	if _, err := ParseConsoleType(3); err == nil {
		t.Error("expected an error for out of range value")
	}

	ty, err := ParseConsoleType(1)
	if err != nil || ty != ConsoleWarn {
		t.Errorf("ParseConsoleType(1) = %v, %v", ty, err)
	}
}

func TestConsoleIdRoundTrip(t *testing.T) {
	id := DefaultConsoleId()
	s := id.String()

	parsed, err := ParseConsoleId(s)
	if err != nil {
		t.Fatalf("ParseConsoleId(%q): %v", s, err)
	}

	if parsed != id {
		t.Errorf("round trip mismatch: %+v != %+v", parsed, id)
	}
}

func TestParseConsoleIdInvalid(t *testing.T) {
	for _, s := range []string{"zz", "00ff", ""} {
		if _, err := ParseConsoleId(s); err == nil {
			t.Errorf("ParseConsoleId(%q) should fail", s)
		}
	}
}

func TestEncodeVm(t *testing.T) {
	v := Vm{Vmm: 0x1000, Console: 0x2000, Debugger: 0x3000, HostPageSize: 0x4000}
	b := v.Encode()

	if uint64(len(b)) != VmSize {
		t.Fatalf("encoded %d bytes, want %d", len(b), VmSize)
	}

	if got := binary.LittleEndian.Uint64(b[16:]); got != v.Debugger {
		t.Errorf("debugger address encoded as %#x", got)
	}
}
