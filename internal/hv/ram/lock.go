package ram

import (
	"encoding/binary"
)

// LockedMem is an exclusive host-side view over a range of guest physical
// memory. While it is held no other host thread can lock an overlapping
// block, but the guest itself can still write through the range, exactly
// like another CPU writing through real hardware. Callers must call Release
// when done.
type LockedMem struct {
	ram      *Ram
	addr     uint64
	len      uint64
	released bool
}

// Addr returns the guest physical address of the first byte.
func (l *LockedMem) Addr() uint64 { return l.addr }

func (l *LockedMem) Len() uint64 { return l.len }

// Bytes returns the locked range. The slice must not be retained past
// Release.
func (l *LockedMem) Bytes() []byte {
	if l.released {
		panic("ram: use of released LockedMem")
	}

	return l.ram.slice(l.addr, l.len)
}

// PutUint64 writes v at off in guest byte order. Reports false if the value
// does not fit inside the locked range.
func (l *LockedMem) PutUint64(off uint64, v uint64) bool {
	b := l.Bytes()
	if off+8 > uint64(len(b)) {
		return false
	}

	binary.LittleEndian.PutUint64(b[off:], v)

	return true
}

func (l *LockedMem) PutUint8(off uint64, v uint8) bool {
	b := l.Bytes()
	if off >= uint64(len(b)) {
		return false
	}

	b[off] = v

	return true
}

// Release unlocks the covered blocks and wakes one waiter. Safe to call more
// than once.
func (l *LockedMem) Release() {
	if l.released {
		return
	}

	l.released = true
	l.ram.unlock(l.addr, l.len)
}
