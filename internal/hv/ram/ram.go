// Package ram implements the guest physical memory of a virtual machine.
//
// Guest RAM always starts at guest physical address 0. The whole range is
// reserved from the host up front but individual blocks are only committed
// when they are allocated, so a large guest address space stays cheap until
// the kernel image actually lands in it.
package ram

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"sync"
	"unsafe"
)

var (
	ErrInvalidAddr           = errors.New("invalid address")
	ErrNotAllocated          = errors.New("address range is not allocated")
	ErrInvalidLen            = errors.New("invalid length")
	ErrClosed                = errors.New("ram is closed")
	ErrUnsupportedVmPageSize = errors.New("unsupported VM page size")
)

type blockState uint8

const (
	blockFree blockState = iota
	blockUnlocked
	blockLocked
)

// Mapper maps committed host memory into the guest physical address space of
// a hypervisor backend. Backends that can map the whole reservation up front
// (KVM) pass a nil Mapper to New and do the mapping themselves; backends that
// can only map committed memory (Hypervisor.framework, WHP) receive one
// callback per committed range.
type Mapper interface {
	MapBlocks(host []byte, gpa uint64) error
}

// Ram owns the reserved host region backing guest physical memory.
//
// The region is divided into blocks of max(vmPageSize, hostPageSize) bytes.
// Each block is either free, allocated, or allocated-and-locked. All
// externally visible memory is handed out as a LockedMem covering locked
// blocks, which is the only cross-thread synchronization point for guest
// memory access on the host side.
type Ram struct {
	mem        []byte
	vmPageSize uint64
	blockSize  uint64

	mu     sync.Mutex
	cond   *sync.Cond
	blocks []blockState
	mapper Mapper
	closed bool
}

// New reserves totalLen bytes of host address space without committing any
// of it. vmPageSize must be a power of two and totalLen a multiple of the
// block size. mapper may be nil.
func New(vmPageSize, totalLen uint64, mapper Mapper) (*Ram, error) {
	if vmPageSize == 0 || bits.OnesCount64(vmPageSize) != 1 {
		return nil, fmt.Errorf("VM page size %#x is not a power of two", vmPageSize)
	}

	blockSize := vmPageSize
	if hps := uint64(os.Getpagesize()); hps > blockSize {
		blockSize = hps
	}

	if totalLen == 0 || totalLen%blockSize != 0 {
		return nil, fmt.Errorf("%w: %#x is not a multiple of block size %#x", ErrInvalidLen, totalLen, blockSize)
	}

	mem, err := reserve(uintptr(totalLen))
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %#x bytes: %w", totalLen, err)
	}

	r := &Ram{
		mem:        mem,
		vmPageSize: vmPageSize,
		blockSize:  blockSize,
		blocks:     make([]blockState, totalLen/blockSize),
		mapper:     mapper,
	}
	r.cond = sync.NewCond(&r.mu)

	return r, nil
}

// HostAddr returns the host address of guest physical address 0.
func (r *Ram) HostAddr() unsafe.Pointer { return unsafe.Pointer(&r.mem[0]) }

func (r *Ram) Len() uint64        { return uint64(len(r.mem)) }
func (r *Ram) BlockSize() uint64  { return r.blockSize }
func (r *Ram) VmPageSize() uint64 { return r.vmPageSize }

// Alloc commits the blocks covering [addr, addr+length) and returns them as a
// locked range. addr must be block aligned. length is rounded up to block
// size. Fails if any covered block is already allocated.
func (r *Ram) Alloc(addr, length uint64) (*LockedMem, error) {
	if addr%r.blockSize != 0 {
		panic(fmt.Sprintf("ram: alloc address %#x is not block aligned", addr))
	}

	if length == 0 {
		return nil, ErrInvalidLen
	}

	length = roundUp(length, r.blockSize)

	end := addr + length
	if end < addr || end > uint64(len(r.mem)) {
		return nil, ErrInvalidAddr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	begin := addr / r.blockSize
	for b := begin; b < end/r.blockSize; b++ {
		if r.blocks[b] != blockFree {
			return nil, fmt.Errorf("%w: block %#x already allocated", ErrInvalidAddr, b*r.blockSize)
		}
	}

	if err := commit(r.mem[addr:end]); err != nil {
		return nil, fmt.Errorf("failed to commit %#x bytes at %#x: %w", length, addr, err)
	}

	if r.mapper != nil {
		if err := r.mapper.MapBlocks(r.mem[addr:end], addr); err != nil {
			return nil, fmt.Errorf("failed to map %#x bytes at %#x: %w", length, addr, err)
		}
	}

	for b := begin; b < end/r.blockSize; b++ {
		r.blocks[b] = blockLocked
	}

	return &LockedMem{ram: r, addr: addr, len: length}, nil
}

// Dealloc discards the blocks covering [addr, addr+length) and returns them
// to the free state. addr must be block aligned. Fails if any covered block
// is currently locked.
func (r *Ram) Dealloc(addr, length uint64) error {
	if addr%r.blockSize != 0 {
		panic(fmt.Sprintf("ram: dealloc address %#x is not block aligned", addr))
	}

	length = roundUp(length, r.blockSize)

	end := addr + length
	if end < addr || end > uint64(len(r.mem)) {
		return ErrInvalidAddr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	begin := addr / r.blockSize
	for b := begin; b < end/r.blockSize; b++ {
		if r.blocks[b] == blockLocked {
			return fmt.Errorf("%w: block %#x is locked", ErrInvalidAddr, b*r.blockSize)
		}
	}

	if err := decommit(r.mem[addr:end]); err != nil {
		return fmt.Errorf("failed to decommit %#x bytes at %#x: %w", length, addr, err)
	}

	for b := begin; b < end/r.blockSize; b++ {
		r.blocks[b] = blockFree
	}

	return nil
}

// Lock acquires exclusive host-side access to [addr, addr+length). The whole
// range must be allocated. If any covered block is locked by another holder
// this blocks until it is released. addr does not need to be block aligned.
func (r *Ram) Lock(addr, length uint64) (*LockedMem, error) {
	if length == 0 {
		return nil, ErrInvalidLen
	}

	end := addr + length
	if end < addr || end > uint64(len(r.mem)) {
		return nil, ErrInvalidAddr
	}

	begin := addr / r.blockSize
	last := (end - 1) / r.blockSize

	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.closed {
			return nil, ErrClosed
		}

		locked := false

		for b := begin; b <= last; b++ {
			switch r.blocks[b] {
			case blockFree:
				return nil, fmt.Errorf("%w: block %#x", ErrNotAllocated, b*r.blockSize)
			case blockLocked:
				locked = true
			}
		}

		if !locked {
			break
		}

		r.cond.Wait()
	}

	for b := begin; b <= last; b++ {
		r.blocks[b] = blockLocked
	}

	return &LockedMem{ram: r, addr: addr, len: length}, nil
}

// unlock moves the blocks covering [addr, addr+length) back to the unlocked
// state and wakes one waiter.
func (r *Ram) unlock(addr, length uint64) {
	begin := addr / r.blockSize
	last := (addr + length - 1) / r.blockSize

	r.mu.Lock()

	for b := begin; b <= last; b++ {
		if r.blocks[b] == blockLocked {
			r.blocks[b] = blockUnlocked
		}
	}

	r.mu.Unlock()
	r.cond.Signal()
}

// slice returns a raw view of [addr, addr+length) without touching block
// states. Callers must hold appropriate locks or run single-threaded.
func (r *Ram) slice(addr, length uint64) []byte {
	return r.mem[addr : addr+length]
}

// Close releases the whole reservation. Must not be called while any vCPU
// can still touch guest memory.
func (r *Ram) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()

	return release(r.mem)
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
