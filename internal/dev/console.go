package dev

import (
	"fmt"
	"unicode/utf8"

	"github.com/orbvm/orbvm/internal/bootenv"
	"github.com/orbvm/orbvm/internal/hv"
	"github.com/orbvm/orbvm/internal/hv/ram"
)

// Console receives guest kernel log messages.
type Console struct {
	addr   uint64
	length uint64
	events Events
}

var _ Device = (*Console)(nil)

func (c *Console) Name() string { return "console" }
func (c *Console) Addr() uint64 { return c.addr }
func (c *Console) Len() uint64  { return c.length }

func (c *Console) CreateContext(cpu hv.Cpu, r *ram.Ram) Context {
	return &consoleContext{dev: c, cpu: cpu, ram: r}
}

// consoleContext assembles one message per commit. The guest may deliver the
// bytes in several chunks and a chunk boundary can split a UTF-8 sequence,
// so validation happens only at commit time.
type consoleContext struct {
	dev    *Console
	cpu    hv.Cpu
	ram    *ram.Ram
	msgLen uint64
	msg    []byte
}

func (c *consoleContext) Mmio(io hv.CpuIo) (bool, error) {
	off := io.Addr() - c.dev.addr

	switch off {
	case bootenv.OffConsoleMsgLen:
		v, err := readUsize(io)
		if err != nil {
			return false, fmt.Errorf("couldn't read data for offset %#x: %w", off, err)
		}

		if v == 0 {
			return false, fmt.Errorf("invalid message length")
		}

		c.msgLen = v
	case bootenv.OffConsoleMsgAddr:
		if c.msgLen == 0 {
			return false, fmt.Errorf("invalid operation sequence")
		}

		data, err := readBin(io, c.msgLen, c.ram)
		if err != nil {
			return false, fmt.Errorf("couldn't read data for offset %#x: %w", off, err)
		}

		c.msg = append(c.msg, data...)
		c.msgLen = 0
	case bootenv.OffConsoleCommit:
		if c.msgLen != 0 || len(c.msg) == 0 {
			return false, fmt.Errorf("invalid operation sequence")
		}

		v, err := readU8(io)
		if err != nil {
			return false, fmt.Errorf("couldn't read data for offset %#x: %w", off, err)
		}

		ty, err := bootenv.ParseConsoleType(v)
		if err != nil {
			return false, err
		}

		if !utf8.Valid(c.msg) {
			return false, fmt.Errorf("invalid message")
		}

		msg := string(c.msg)
		c.msg = nil

		c.dev.events.Log(c.cpu.ID(), ty, msg)
	default:
		return false, &UnknownFieldError{Off: off}
	}

	return true, nil
}
