//go:build linux || darwin

package ram

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// reserve maps length bytes of anonymous memory with no access rights. The
// pages stay uncommitted until commit flips their protection.
func reserve(length uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(length), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func commit(mem []byte) error {
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE)
}

// decommit discards the content by replacing the range with a fresh
// inaccessible mapping, keeping the reservation itself intact.
func decommit(mem []byte) error {
	_, err := unix.MmapPtr(
		-1, 0,
		unsafe.Pointer(&mem[0]),
		uintptr(len(mem)),
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED,
	)

	return err
}

func release(mem []byte) error {
	return unix.Munmap(mem)
}
