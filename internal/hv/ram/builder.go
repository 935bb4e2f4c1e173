package ram

import (
	"errors"
	"fmt"
	"unsafe"
)

// Memory attribute indexes for aarch64 page descriptors. These select an
// entry in the MAIR_EL1 value the CPU is started with.
const (
	AttrDevice uint8 = 0 // device-nGnRnE
	AttrNormal uint8 = 1 // normal memory, write-back cacheable
)

var ErrDuplicatedVaddr = errors.New("duplicated virtual address")

// AllocInfo describes one allocation in the guest address space: where it
// lives physically, where the kernel expects to see it virtually, and (on
// aarch64) which memory attribute its page descriptors carry.
type AllocInfo struct {
	Paddr uint64
	Vaddr uint64
	Len   uint64
	Attr  uint8
}

// Builder builds the initial content of guest RAM. Allocations are laid out
// back to back from a starting address, and BuildPageTable turns the record
// of everything allocated into page tables so the kernel can start with the
// MMU already on.
//
// The builder must be the only user of the Ram until BuildPageTable has been
// called.
type Builder struct {
	ram       *Ram
	next      uint64
	allocated []AllocInfo
	built     bool
}

// NewBuilder panics if startAddr is not block aligned since that is a
// bring-up programming error, not a runtime condition.
func NewBuilder(r *Ram, startAddr uint64) *Builder {
	if startAddr%r.blockSize != 0 {
		panic(fmt.Sprintf("ram: builder start address %#x is not block aligned", startAddr))
	}

	return &Builder{ram: r, next: startAddr}
}

// NextAddr returns the physical address the next allocation will get.
func (b *Builder) NextAddr() uint64 { return b.next }

// Alloc allocates length bytes at the cursor with identity mapping.
func (b *Builder) Alloc(length uint64, attr uint8) (uint64, *LockedMem, error) {
	return b.AllocMapped(b.next, length, attr)
}

// AllocMapped allocates length bytes at the cursor, mapped at vaddr in the
// guest virtual address space. The returned memory is zero filled, even when
// the underlying host pages were committed by an earlier builder that was
// abandoned. Panics if vaddr is not VM page aligned.
func (b *Builder) AllocMapped(vaddr, length uint64, attr uint8) (uint64, *LockedMem, error) {
	if b.built {
		panic("ram: builder used after BuildPageTable")
	}

	if vaddr%b.ram.vmPageSize != 0 {
		panic(fmt.Sprintf("ram: virtual address %#x is not page aligned", vaddr))
	}

	paddr := b.next
	length = roundUp(length, b.ram.blockSize)

	mem, err := b.ram.Alloc(paddr, length)
	if err != nil {
		return 0, nil, err
	}

	clear(mem.Bytes())

	b.allocated = append(b.allocated, AllocInfo{
		Paddr: paddr,
		Vaddr: vaddr,
		Len:   length,
		Attr:  attr,
	})
	b.next += length

	return paddr, mem, nil
}

// BuildPageTable consumes the builder and emits page tables covering every
// allocation at both its identity address and its virtual address, plus the
// given device windows with identity mapping. Returns the physical address
// of the root table.
//
// The table format follows the guest page size: 4K pages get an x86-64
// long-mode 4-level layout, 16K pages get an aarch64 48-bit 4-level layout.
func (b *Builder) BuildPageTable(devices []AllocInfo) (uint64, error) {
	if b.built {
		panic("ram: builder used after BuildPageTable")
	}

	b.built = true

	switch b.ram.vmPageSize {
	case 0x1000:
		return b.build4KPageTables(devices)
	case 0x4000:
		return b.build16KPageTables(devices)
	default:
		return 0, fmt.Errorf("%w: %#x", ErrUnsupportedVmPageSize, b.ram.vmPageSize)
	}
}

// allocTable allocates one page table of size bytes at the cursor and
// returns its physical address together with an entry view. The covering
// blocks stay allocated but unlocked, the builder is the only writer here.
func (b *Builder) allocTable(size uint64) (uint64, []uint64, error) {
	addr := b.next

	mem, err := b.ram.Alloc(addr, roundUp(size, b.ram.blockSize))
	if err != nil {
		return 0, nil, err
	}

	clear(mem.Bytes())
	mem.Release()

	b.next += roundUp(size, b.ram.blockSize)

	return addr, b.table(addr, size), nil
}

// table views the table at addr as entries. Only valid for committed memory.
func (b *Builder) table(addr, size uint64) []uint64 {
	mem := b.ram.slice(addr, size)

	return unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), size/8)
}
