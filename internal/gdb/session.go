package gdb

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/arch/x86/x86asm"

	"github.com/orbvm/orbvm/internal/hv"
)

// errDetach ends a session without treating it as a failure.
var errDetach = errors.New("debugger detached")

const maxPacket = 4096

// session speaks the remote serial protocol with one debugger. All state is
// single threaded; the only concurrency is the stop channel fed by the CPU
// thread.
type session struct {
	conn    net.Conn
	target  Target
	rx      []byte
	noAck   bool
	stopped bool
}

func newSession(conn net.Conn, target Target) *session {
	return &session{conn: conn, target: target}
}

func (s *session) serve() error {
	// The VM may already be parked waiting for us, e.g. when the kernel
	// was started in debug mode.
	select {
	case <-s.target.Stops():
		s.stopped = true
	default:
	}

	defer func() {
		// Never leave the VM parked behind a dead connection.
		if s.stopped {
			s.target.Resume(false)
		}
	}()

	chunk := make([]byte, maxPacket)

	for {
		if !s.stopped {
			select {
			case stop := <-s.target.Stops():
				s.stopped = true

				if err := s.send(stopReply(stop)); err != nil {
					return err
				}
			default:
			}

			// Poll so a stop arriving while we sit in Read still gets
			// reported promptly. A timeout only means no command is
			// pending.
			s.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		} else {
			s.conn.SetReadDeadline(time.Time{})
		}

		n, err := s.conn.Read(chunk)
		if err != nil {
			var ne net.Error

			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			return err
		}

		if err := s.feed(chunk[:n]); err != nil {
			if errors.Is(err, errDetach) {
				return nil
			}

			return err
		}
	}
}

// feed consumes raw bytes and dispatches every complete packet in them.
func (s *session) feed(data []byte) error {
	s.rx = append(s.rx, data...)

	for len(s.rx) > 0 {
		switch s.rx[0] {
		case '+', '-':
			// We never retransmit, so acks carry no information.
			s.rx = s.rx[1:]
			continue
		case 0x03:
			s.rx = s.rx[1:]

			if !s.stopped {
				s.target.Interrupt()
			}

			continue
		case '$':
		default:
			s.rx = s.rx[1:]
			continue
		}

		end := strings.IndexByte(string(s.rx), '#')

		if end < 0 || len(s.rx) < end+3 {
			if len(s.rx) > maxPacket {
				return fmt.Errorf("oversized packet")
			}

			return nil // incomplete, wait for more bytes
		}

		payload := string(s.rx[1:end])
		sum, err := strconv.ParseUint(string(s.rx[end+1:end+3]), 16, 8)
		s.rx = s.rx[end+3:]

		if err != nil || uint8(sum) != checksum(payload) {
			if !s.noAck {
				if _, err := s.conn.Write([]byte{'-'}); err != nil {
					return err
				}
			}

			continue
		}

		if !s.noAck {
			if _, err := s.conn.Write([]byte{'+'}); err != nil {
				return err
			}
		}

		if err := s.handle(payload); err != nil {
			return err
		}
	}

	return nil
}

func (s *session) handle(p string) error {
	switch {
	case strings.HasPrefix(p, "qSupported"):
		return s.send(fmt.Sprintf("PacketSize=%x;QStartNoAckMode+;swbreak+", maxPacket))
	case p == "QStartNoAckMode":
		if err := s.send("OK"); err != nil {
			return err
		}

		s.noAck = true

		return nil
	case p == "?":
		return s.reportStop()
	case p == "g":
		return s.readRegs()
	case strings.HasPrefix(p, "G"):
		return s.writeRegs(p[1:])
	case strings.HasPrefix(p, "m"):
		return s.readMem(p[1:])
	case strings.HasPrefix(p, "M"):
		return s.writeMem(p[1:])
	case strings.HasPrefix(p, "Z0,"):
		return s.breakpoint(p[3:], true)
	case strings.HasPrefix(p, "z0,"):
		return s.breakpoint(p[3:], false)
	case p == "c":
		s.target.Resume(false)
		s.stopped = false

		return nil
	case p == "s":
		s.target.Resume(true)
		s.stopped = false

		return nil
	case strings.HasPrefix(p, "H"):
		return s.send("OK")
	case p == "qAttached":
		return s.send("1")
	case p == "qC":
		return s.send("QC1")
	case p == "qfThreadInfo":
		return s.send("m1")
	case p == "qsThreadInfo":
		return s.send("l")
	case p == "D" || strings.HasPrefix(p, "D;"):
		if err := s.send("OK"); err != nil {
			return err
		}

		return errDetach
	default:
		// Unsupported commands get an empty response so the debugger
		// falls back to something else.
		return s.send("")
	}
}

func (s *session) reportStop() error {
	if !s.stopped {
		// The debugger wants the target stopped before it talks to it.
		s.target.Interrupt()

		select {
		case stop := <-s.target.Stops():
			s.stopped = true

			return s.send(stopReply(stop))
		case <-time.After(5 * time.Second):
			return s.send("E01")
		}
	}

	return s.send("T05thread:1;")
}

func (s *session) readRegs() error {
	regs, err := s.target.ReadRegs()
	if err != nil {
		return s.send("E01")
	}

	return s.send(encodeRegs(s.target.Arch(), regs))
}

func (s *session) writeRegs(p string) error {
	regs, err := decodeRegs(s.target.Arch(), p)
	if err != nil {
		return s.send("E01")
	}

	if err := s.target.WriteRegs(regs); err != nil {
		return s.send("E01")
	}

	return s.send("OK")
}

func (s *session) readMem(p string) error {
	addr, length, err := parseAddrLen(p)
	if err != nil || length > maxPacket/2 {
		return s.send("E01")
	}

	data := make([]byte, length)

	if err := s.target.ReadMem(addr, data); err != nil {
		return s.send("E14")
	}

	return s.send(hex.EncodeToString(data))
}

func (s *session) writeMem(p string) error {
	spec, payload, ok := strings.Cut(p, ":")

	if !ok {
		return s.send("E01")
	}

	addr, length, err := parseAddrLen(spec)
	if err != nil {
		return s.send("E01")
	}

	data, err := hex.DecodeString(payload)
	if err != nil || uint64(len(data)) != length {
		return s.send("E01")
	}

	if err := s.target.WriteMem(addr, data); err != nil {
		return s.send("E14")
	}

	return s.send("OK")
}

func (s *session) breakpoint(p string, set bool) error {
	spec, _, _ := strings.Cut(p, ";")
	addr, kind, err := parseAddrLen(spec)
	if err != nil {
		return s.send("E01")
	}

	if set {
		s.logBreakpointSite(addr)

		err = s.target.SetBreakpoint(addr, kind)
	} else {
		err = s.target.ClearBreakpoint(addr, kind)
	}

	if err != nil {
		return s.send("E14")
	}

	return s.send("OK")
}

// logBreakpointSite decodes the instruction being patched, which makes the
// debug log of a session much easier to follow.
func (s *session) logBreakpointSite(addr uint64) {
	if s.target.Arch() != hv.ArchitectureX86_64 {
		return
	}

	var code [16]byte

	if err := s.target.ReadMem(addr, code[:]); err != nil {
		return
	}

	inst, err := x86asm.Decode(code[:], 64)
	if err != nil {
		return
	}

	slog.Debug("setting breakpoint", "addr", fmt.Sprintf("%#x", addr), "inst", inst.String())
}

func (s *session) send(payload string) error {
	_, err := fmt.Fprintf(s.conn, "$%s#%02x", payload, checksum(payload))

	return err
}

func stopReply(stop StopEvent) string {
	return fmt.Sprintf("T05thread:%x;", stop.Cpu+1)
}

func checksum(payload string) uint8 {
	var sum uint8

	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}

	return sum
}

func parseAddrLen(p string) (uint64, uint64, error) {
	a, l, ok := strings.Cut(p, ",")

	if !ok {
		return 0, 0, fmt.Errorf("malformed argument %q", p)
	}

	addr, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 0, 0, err
	}

	length, err := strconv.ParseUint(l, 16, 64)
	if err != nil {
		return 0, 0, err
	}

	return addr, length, nil
}
