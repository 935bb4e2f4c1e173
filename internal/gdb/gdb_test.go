package gdb

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orbvm/orbvm/internal/hv"
)

type fakeTarget struct {
	mu         sync.Mutex
	arch       hv.CpuArchitecture
	regs       hv.Regs
	mem        map[uint64]byte
	breaks     map[uint64]bool
	stops      chan StopEvent
	resumes    []bool
	interrupts int
}

func newFakeTarget(arch hv.CpuArchitecture) *fakeTarget {
	return &fakeTarget{
		arch:   arch,
		mem:    make(map[uint64]byte),
		breaks: make(map[uint64]bool),
		stops:  make(chan StopEvent, 1),
	}
}

func (f *fakeTarget) Arch() hv.CpuArchitecture { return f.arch }

func (f *fakeTarget) ReadRegs() (*hv.Regs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.regs

	return &r, nil
}

func (f *fakeTarget) WriteRegs(r *hv.Regs) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.regs = *r

	return nil
}

func (f *fakeTarget) ReadMem(addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range data {
		data[i] = f.mem[addr+uint64(i)]
	}

	return nil
}

func (f *fakeTarget) WriteMem(addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, b := range data {
		f.mem[addr+uint64(i)] = b
	}

	return nil
}

func (f *fakeTarget) SetBreakpoint(addr, kind uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.breaks[addr] = true

	return nil
}

func (f *fakeTarget) ClearBreakpoint(addr, kind uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.breaks, addr)

	return nil
}

func (f *fakeTarget) Resume(step bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resumes = append(f.resumes, step)
}

func (f *fakeTarget) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.interrupts++
}

func (f *fakeTarget) Stops() <-chan StopEvent { return f.stops }

// client drives one session over an in-memory connection.
type client struct {
	t     *testing.T
	conn  net.Conn
	noAck bool
	done  chan error
}

func newClient(t *testing.T, target Target) *client {
	t.Helper()

	server, local := net.Pipe()
	c := &client{t: t, conn: local, done: make(chan error, 1)}

	go func() {
		c.done <- newSession(server, target).serve()
		close(c.done)
		server.Close()
	}()

	t.Cleanup(func() {
		local.Close()

		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			t.Error("session did not exit")
		}
	})

	return c
}

func (c *client) sendRaw(data string) {
	c.t.Helper()

	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	if _, err := c.conn.Write([]byte(data)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) send(payload string) {
	c.sendRaw(fmt.Sprintf("$%s#%02x", payload, checksum(payload)))
}

// recv reads one packet, skipping acks, and acknowledges it.
func (c *client) recv() string {
	c.t.Helper()

	var buf []byte
	chunk := make([]byte, 512)

	for {
		if p, ok := parseClientPacket(&buf); ok {
			if !c.noAck {
				c.sendRaw("+")
			}

			return p
		}

		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

		n, err := c.conn.Read(chunk)
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}

		buf = append(buf, chunk[:n]...)
	}
}

// recvNack waits for a '-' transmission error report.
func (c *client) recvNack() {
	c.t.Helper()

	b := make([]byte, 1)

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if _, err := c.conn.Read(b); err != nil {
		c.t.Fatalf("read: %v", err)
	}

	if b[0] != '-' {
		c.t.Fatalf("got %q, want '-'", b[0])
	}
}

func (c *client) roundTrip(payload string) string {
	c.t.Helper()
	c.send(payload)

	return c.recv()
}

func parseClientPacket(buf *[]byte) (string, bool) {
	b := *buf

	for len(b) > 0 && (b[0] == '+' || b[0] == '-') {
		b = b[1:]
	}

	start := strings.IndexByte(string(b), '$')

	if start < 0 {
		*buf = b

		return "", false
	}

	end := strings.IndexByte(string(b[start:]), '#')

	if end < 0 || len(b) < start+end+3 {
		*buf = b

		return "", false
	}

	payload := string(b[start+1 : start+end])
	*buf = b[start+end+3:]

	return payload, true
}

func stoppedTarget(arch hv.CpuArchitecture) *fakeTarget {
	f := newFakeTarget(arch)
	f.stops <- StopEvent{Cpu: 0, Pc: 0x1000}

	return f
}

func TestQSupported(t *testing.T) {
	c := newClient(t, stoppedTarget(hv.ArchitectureX86_64))

	resp := c.roundTrip("qSupported:multiprocess+")

	if !strings.Contains(resp, "QStartNoAckMode+") {
		t.Errorf("qSupported = %q", resp)
	}
}

func TestNoAckMode(t *testing.T) {
	c := newClient(t, stoppedTarget(hv.ArchitectureX86_64))

	if resp := c.roundTrip("QStartNoAckMode"); resp != "OK" {
		t.Fatalf("QStartNoAckMode = %q", resp)
	}

	c.noAck = true

	if resp := c.roundTrip("qC"); resp != "QC1" {
		t.Errorf("qC = %q", resp)
	}
}

func TestStopReply(t *testing.T) {
	c := newClient(t, stoppedTarget(hv.ArchitectureX86_64))

	if resp := c.roundTrip("?"); resp != "T05thread:1;" {
		t.Errorf("? = %q", resp)
	}
}

func TestReadWriteRegs(t *testing.T) {
	f := stoppedTarget(hv.ArchitectureX86_64)
	f.regs.Rip = 0xffffffff82200000
	f.regs.Rax = 0x1234

	c := newClient(t, f)

	resp := c.roundTrip("g")

	regs, err := decodeRegs(hv.ArchitectureX86_64, resp)
	if err != nil {
		t.Fatalf("decodeRegs: %v", err)
	}

	if regs.Rip != f.regs.Rip || regs.Rax != f.regs.Rax {
		t.Errorf("g returned rip=%#x rax=%#x", regs.Rip, regs.Rax)
	}

	regs.Rdi = 0xdead

	if resp := c.roundTrip("G" + encodeRegs(hv.ArchitectureX86_64, regs)); resp != "OK" {
		t.Fatalf("G = %q", resp)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.regs.Rdi != 0xdead {
		t.Errorf("rdi = %#x after G", f.regs.Rdi)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	c := newClient(t, stoppedTarget(hv.ArchitectureX86_64))

	if resp := c.roundTrip("M1000,4:deadbeef"); resp != "OK" {
		t.Fatalf("M = %q", resp)
	}

	if resp := c.roundTrip("m1000,4"); resp != "deadbeef" {
		t.Errorf("m = %q", resp)
	}
}

func TestBreakpoints(t *testing.T) {
	f := stoppedTarget(hv.ArchitectureX86_64)
	c := newClient(t, f)

	if resp := c.roundTrip("Z0,401000,1"); resp != "OK" {
		t.Fatalf("Z0 = %q", resp)
	}

	f.mu.Lock()
	set := f.breaks[0x401000]
	f.mu.Unlock()

	if !set {
		t.Error("breakpoint not recorded")
	}

	if resp := c.roundTrip("z0,401000,1"); resp != "OK" {
		t.Fatalf("z0 = %q", resp)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.breaks[0x401000] {
		t.Error("breakpoint not cleared")
	}
}

func TestContinueAndStop(t *testing.T) {
	f := stoppedTarget(hv.ArchitectureX86_64)
	c := newClient(t, f)

	c.send("c")

	// The target stops again, e.g. a breakpoint was hit. Continue has no
	// immediate response; the stop reply is the answer.
	f.stops <- StopEvent{Cpu: 0, Pc: 0x2000}

	if resp := c.recv(); resp != "T05thread:1;" {
		t.Errorf("stop reply = %q", resp)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.resumes) != 1 || f.resumes[0] {
		t.Errorf("resumes = %v", f.resumes)
	}
}

func TestStepResume(t *testing.T) {
	f := stoppedTarget(hv.ArchitectureX86_64)
	c := newClient(t, f)

	c.send("s")

	f.stops <- StopEvent{Cpu: 0, Pc: 0x1004}

	if resp := c.recv(); resp != "T05thread:1;" {
		t.Errorf("stop reply = %q", resp)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.resumes) != 1 || !f.resumes[0] {
		t.Errorf("resumes = %v", f.resumes)
	}
}

func TestBadChecksum(t *testing.T) {
	c := newClient(t, stoppedTarget(hv.ArchitectureX86_64))

	c.sendRaw("$qC#00")
	c.recvNack()

	// A well-formed packet still works afterward.
	if resp := c.roundTrip("qC"); resp != "QC1" {
		t.Errorf("qC = %q", resp)
	}
}

func TestDetachResumesTarget(t *testing.T) {
	f := stoppedTarget(hv.ArchitectureX86_64)
	c := newClient(t, f)

	// The session closes the connection right after replying to D, so
	// acking the reply would write into a closed pipe.
	c.send("D")
	c.noAck = true

	if resp := c.recv(); resp != "OK" {
		t.Fatalf("D = %q", resp)
	}

	if err := <-c.done; err != nil {
		t.Errorf("serve returned %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.resumes) != 1 {
		t.Errorf("detach should resume the target, resumes = %v", f.resumes)
	}
}

func TestRegsRoundTripArm64(t *testing.T) {
	r := new(hv.Regs)
	r.X[0] = 0x1111
	r.X[30] = 0x2222
	r.Sp = 0x3333
	r.Pc = 0x4444
	r.Pstate = 0x3C5

	got, err := decodeRegs(hv.ArchitectureARM64, encodeRegs(hv.ArchitectureARM64, r))
	if err != nil {
		t.Fatalf("decodeRegs: %v", err)
	}

	if *got != *r {
		t.Errorf("round trip mismatch")
	}
}
