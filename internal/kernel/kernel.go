// Package kernel reads the guest kernel image. The image is a 64-bit ELF
// with a known segment set: PT_LOAD segments to copy into guest RAM, a
// single PT_DYNAMIC carrying relative relocations and a single PT_NOTE
// carrying the page size the kernel was built for.
package kernel

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"runtime"
	"sort"
)

// NoteName identifies kernel notes in the PT_NOTE segment.
const NoteName = "orbvm"

const notePageSize = 0 // note type carrying the VM page size

var (
	ErrNotElf64           = errors.New("kernel image is not a 64-bit ELF")
	ErrDifferentArch      = errors.New("kernel image is for a different architecture")
	ErrNoLoadSegment      = errors.New("no PT_LOAD segment")
	ErrNoDynamicSegment   = errors.New("no PT_DYNAMIC segment")
	ErrNoNoteSegment      = errors.New("no PT_NOTE segment")
	ErrNoPageSizeNote     = errors.New("no page size in kernel note")
	ErrHeaderNotInSegment = errors.New("ELF header is not in the first PT_LOAD segment")
)

// Image is an opened kernel ELF.
type Image struct {
	file    *elf.File
	loads   []*elf.Prog
	dynamic *elf.Prog
	// Total guest memory covered by the load segments, from virtual
	// address zero to the end of the last segment.
	memLen     uint64
	vmPageSize uint64
}

// Open reads and validates the kernel image at path.
func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't open %s: %w", path, err)
	}

	img, err := parse(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return img, nil
}

func parse(f *elf.File) (*Image, error) {
	if f.Class != elf.ELFCLASS64 {
		return nil, ErrNotElf64
	}

	if f.Machine != hostMachine() {
		return nil, ErrDifferentArch
	}

	img := &Image{file: f}

	var note *elf.Prog

	for i, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Filesz > p.Memsz {
				return nil, fmt.Errorf("program header %d has p_filesz larger than p_memsz", i)
			}

			img.loads = append(img.loads, p)
		case elf.PT_DYNAMIC:
			if img.dynamic != nil {
				return nil, errors.New("multiple PT_DYNAMIC segments")
			}

			img.dynamic = p
		case elf.PT_NOTE:
			if note != nil {
				return nil, errors.New("multiple PT_NOTE segments")
			}

			note = p
		case elf.PT_PHDR, elf.PT_GNU_EH_FRAME, elf.PT_GNU_STACK, elf.PT_GNU_RELRO:
			// Produced by the linker, nothing to do with them.
		default:
			return nil, fmt.Errorf("unknown program header %d type %v", i, p.Type)
		}
	}

	sort.SliceStable(img.loads, func(a, b int) bool {
		return img.loads[a].Vaddr < img.loads[b].Vaddr
	})

	if len(img.loads) == 0 {
		return nil, ErrNoLoadSegment
	}

	// The first load segment must cover the ELF header so the kernel can
	// find its own program headers at runtime.
	if img.loads[0].Off != 0 {
		return nil, ErrHeaderNotInSegment
	}

	// Reject overlapping segments and compute the total memory size.
	for i, p := range img.loads {
		if p.Vaddr < img.memLen {
			return nil, fmt.Errorf("load segment %d overlaps the previous segment", i)
		}

		end := p.Vaddr + p.Memsz

		if end < p.Vaddr {
			return nil, fmt.Errorf("load segment %d has invalid p_memsz", i)
		}

		img.memLen = end
	}

	if img.memLen == 0 {
		return nil, errors.New("zero length load segment")
	}

	if img.dynamic == nil {
		return nil, ErrNoDynamicSegment
	}

	if note == nil {
		return nil, ErrNoNoteSegment
	}

	if err := img.parseNotes(note); err != nil {
		return nil, err
	}

	if img.vmPageSize == 0 {
		return nil, ErrNoPageSizeNote
	}

	return img, nil
}

func (img *Image) parseNotes(p *elf.Prog) error {
	if p.Filesz > 1024*1024 {
		return errors.New("note segment too large")
	}

	data := make([]byte, p.Filesz)

	if _, err := io.ReadFull(p.Open(), data); err != nil {
		return fmt.Errorf("couldn't read note segment: %w", err)
	}

	for i := 0; len(data) > 0; i++ {
		if len(data) < 12 {
			return fmt.Errorf("note %d has invalid header", i)
		}

		nlen := int(binary.LittleEndian.Uint32(data))
		dlen := int(binary.LittleEndian.Uint32(data[4:]))
		ty := binary.LittleEndian.Uint32(data[8:])
		data = data[12:]

		// The name carries its null terminator.
		if nlen == 0 || nlen > len(data) {
			return fmt.Errorf("note %d has invalid name", i)
		}

		name := data[:nlen]

		if name[nlen-1] != 0 {
			return fmt.Errorf("note %d has invalid name", i)
		}

		data = data[min(align4(nlen), len(data)):]

		if dlen > len(data) {
			return fmt.Errorf("note %d has invalid header", i)
		}

		desc := data[:dlen]
		data = data[min(align4(dlen), len(data)):]

		if string(name[:nlen-1]) != NoteName {
			continue
		}

		switch ty {
		case notePageSize:
			if img.vmPageSize != 0 {
				return fmt.Errorf("duplicated note %d", i)
			}

			if len(desc) != 8 {
				return fmt.Errorf("note %d has invalid description", i)
			}

			v := binary.LittleEndian.Uint64(desc)

			if v == 0 || bits.OnesCount64(v) != 1 {
				return fmt.Errorf("note %d has invalid description", i)
			}

			img.vmPageSize = v
		default:
			return fmt.Errorf("unknown note %d type %d", i, ty)
		}
	}

	return nil
}

// Entry returns the virtual entry point, relative to the load base.
func (img *Image) Entry() uint64 { return img.file.Entry }

// Loads returns the load segments ordered by virtual address.
func (img *Image) Loads() []*elf.Prog { return img.loads }

// Dynamic returns the PT_DYNAMIC segment.
func (img *Image) Dynamic() *elf.Prog { return img.dynamic }

// MemLen returns the guest memory size the load segments span.
func (img *Image) MemLen() uint64 { return img.memLen }

// VmPageSize returns the page size the kernel was built for.
func (img *Image) VmPageSize() uint64 { return img.vmPageSize }

func (img *Image) Close() error { return img.file.Close() }

func hostMachine() elf.Machine {
	switch runtime.GOARCH {
	case "arm64":
		return elf.EM_AARCH64
	default:
		return elf.EM_X86_64
	}
}

func align4(v int) int {
	return (v + 3) &^ 3
}
