// Package trace records VM events to a binary log: one record per VM exit,
// MMIO dispatch, console commit or shutdown. Records carry a timestamp and a
// source name so a run can be reconstructed per CPU afterward.
//
// The format is a sequence of records, each:
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes data length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes, then data bytes
//
// Writers on multiple CPU threads stay lock-free by atomically claiming a
// file range first and writing into it afterward.
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

// Writer is the file half of a Tracer.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Tracer writes trace records. A nil Tracer discards everything, so callers
// can pass one around unconditionally and only create it when tracing is
// enabled.
type Tracer struct {
	w   Writer
	off atomic.Uint64
}

// Create truncates and opens filename for tracing.
func Create(filename string) (*Tracer, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	return New(f), nil
}

func New(w Writer) *Tracer {
	return &Tracer{w: w}
}

func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}

	return t.w.Close()
}

// Source returns a handle writing records under one source name, typically
// "cpu0", "cpu1" or a device name.
func (t *Tracer) Source(name string) *Source {
	return &Source{t: t, name: name}
}

func (t *Tracer) write(kind Kind, source string, data []byte) {
	if t == nil {
		return
	}

	header := make([]byte, 16)
	binary.LittleEndian.PutUint16(header, uint16(kind))
	binary.LittleEndian.PutUint16(header[2:], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:], uint64(time.Now().UnixNano()))

	// Claim the range, then fill it. Records from concurrent writers never
	// interleave because each writes only inside its own range.
	size := uint64(16 + len(source) + len(data))
	off := int64(t.off.Add(size) - size)

	if _, err := t.w.WriteAt(header, off); err != nil {
		panic(err)
	}

	if _, err := t.w.WriteAt([]byte(source), off+16); err != nil {
		panic(err)
	}

	if _, err := t.w.WriteAt(data, off+16+int64(len(source))); err != nil {
		panic(err)
	}
}

// Source writes records under a fixed source name.
type Source struct {
	t    *Tracer
	name string
}

func (s *Source) WriteBytes(data []byte) {
	s.t.write(KindBytes, s.name, data)
}

func (s *Source) Write(data string) {
	s.t.write(KindString, s.name, []byte(data))
}

func (s *Source) Writef(format string, args ...any) {
	s.t.write(KindString, s.name, fmt.Appendf(nil, format, args...))
}

// Record is one decoded trace entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Reader iterates a finished trace log.
type Reader struct {
	records []Record
	sources []string
}

// NewReader decodes the whole log up front. Trace files are bounded by the
// run they record, so holding them in memory is fine.
func NewReader(r io.Reader) (*Reader, error) {
	ret := new(Reader)
	br := bufio.NewReader(r)
	seen := make(map[string]bool)

	for i := 0; ; i++ {
		var header [16]byte

		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				break
			}

			return nil, fmt.Errorf("couldn't read record %d header: %w", i, err)
		}

		kind := Kind(binary.LittleEndian.Uint16(header[:]))

		if kind == KindInvalid || kind > KindString {
			return nil, fmt.Errorf("record %d has invalid kind", i)
		}

		slen := binary.LittleEndian.Uint16(header[2:])
		dlen := binary.LittleEndian.Uint32(header[4:])
		ts := int64(binary.LittleEndian.Uint64(header[8:]))

		buf := make([]byte, int(slen)+int(dlen))

		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("couldn't read record %d: %w", i, err)
		}

		source := string(buf[:slen])

		if !seen[source] {
			seen[source] = true
			ret.sources = append(ret.sources, source)
		}

		ret.records = append(ret.records, Record{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: source,
			Data:   buf[slen:],
		})
	}

	return ret, nil
}

func OpenReader(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	return NewReader(f)
}

// Sources returns every source name in first-written order.
func (r *Reader) Sources() []string { return r.sources }

// Each calls fn for every record in write order.
func (r *Reader) Each(fn func(rec Record) error) error {
	for _, rec := range r.records {
		if err := fn(rec); err != nil {
			return err
		}
	}

	return nil
}

// EachSource calls fn for every record of one source in write order.
func (r *Reader) EachSource(source string, fn func(rec Record) error) error {
	for _, rec := range r.records {
		if rec.Source != source {
			continue
		}

		if err := fn(rec); err != nil {
			return err
		}
	}

	return nil
}
