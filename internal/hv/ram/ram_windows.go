package ram

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func reserve(length uintptr) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, length, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

func commit(mem []byte) error {
	_, err := windows.VirtualAlloc(
		uintptr(unsafe.Pointer(&mem[0])),
		uintptr(len(mem)),
		windows.MEM_COMMIT,
		windows.PAGE_READWRITE,
	)

	return err
}

func decommit(mem []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), uintptr(len(mem)), windows.MEM_DECOMMIT)
}

func release(mem []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}
