// Package gdb serves the GDB remote serial protocol over TCP so a stock
// debugger can attach to the VM: read and write registers and memory, place
// software breakpoints and drive continue/step. The VM side is abstracted
// behind Target; a dropped or misbehaving debugger connection never takes
// the VM down.
package gdb

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/orbvm/orbvm/internal/hv"
)

// StopEvent reports one stopped CPU to the debugger.
type StopEvent struct {
	Cpu int
	Pc  uint64
}

// Target is the debugger's view of the VM. Register and memory operations
// are only issued while the target is stopped; Interrupt is the only call
// made while it runs.
type Target interface {
	Arch() hv.CpuArchitecture

	ReadRegs() (*hv.Regs, error)
	WriteRegs(r *hv.Regs) error

	ReadMem(addr uint64, data []byte) error
	WriteMem(addr uint64, data []byte) error

	// SetBreakpoint patches a software breakpoint at the guest virtual
	// address. kind is the breakpoint byte width the debugger asked for.
	SetBreakpoint(addr, kind uint64) error
	ClearBreakpoint(addr, kind uint64) error

	// Resume releases the stopped target; step arms a single step.
	Resume(step bool)

	// Interrupt asks a running target to stop soon.
	Interrupt()

	// Stops delivers stop events. At most one is outstanding; the target
	// stays stopped until Resume.
	Stops() <-chan StopEvent
}

// Server accepts debugger connections one at a time.
type Server struct {
	ln     net.Listener
	target Target
}

func Listen(addr string, target Target) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("couldn't listen on %s: %w", addr, err)
	}

	return &Server{ln: ln, target: target}, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve blocks accepting debugger sessions until the listener is closed. A
// session error only ends that session; the VM keeps running without a
// debugger until the next connection.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return err
		}

		slog.Info("debugger connected", "remote", conn.RemoteAddr())

		if err := newSession(conn, s.target).serve(); err != nil {
			slog.Info("debugger disconnected", "remote", conn.RemoteAddr(), "error", err)
		} else {
			slog.Info("debugger detached", "remote", conn.RemoteAddr())
		}

		conn.Close()
	}
}

func (s *Server) Close() error {
	return s.ln.Close()
}
