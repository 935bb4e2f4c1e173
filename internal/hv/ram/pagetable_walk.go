package ram

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrNotMapped is returned by the translate functions when a virtual address
// has no valid entry in the page tables.
var ErrNotMapped = errors.New("address is not mapped")

// Translate4K resolves a guest virtual address through 4-level 4K page
// tables rooted at table. The tables must live inside r.
func Translate4K(r *Ram, table, vaddr uint64) (uint64, error) {
	for _, shift := range []uint{39, 30, 21} {
		entry, err := tableEntry(r, table, (vaddr>>shift)&0x1FF, 0x1000)
		if err != nil {
			return 0, err
		}

		if entry&0x1 == 0 {
			return 0, fmt.Errorf("%w: %#x", ErrNotMapped, vaddr)
		}

		table = entry & 0xFFFFFFFFF000
	}

	entry, err := tableEntry(r, table, (vaddr>>12)&0x1FF, 0x1000)
	if err != nil {
		return 0, err
	}

	if entry&0x1 == 0 {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, vaddr)
	}

	return entry&0xFFFFFFFFF000 | vaddr&0xFFF, nil
}

// Translate16K resolves a guest virtual address through 4-level 16K page
// tables with 48-bit addressing rooted at table.
func Translate16K(r *Ram, table, vaddr uint64) (uint64, error) {
	indexes := []uint64{
		(vaddr & 0x800000000000) >> 47,
		(vaddr & 0x7FF000000000) >> 36,
		(vaddr & 0xFFE000000) >> 25,
	}

	for _, i := range indexes {
		entry, err := tableEntry(r, table, i, 0x4000)
		if err != nil {
			return 0, err
		}

		if entry&0b11 != 0b11 {
			return 0, fmt.Errorf("%w: %#x", ErrNotMapped, vaddr)
		}

		table = entry & 0xFFFFFFFFC000
	}

	entry, err := tableEntry(r, table, (vaddr&0x1FFC000)>>14, 0x4000)
	if err != nil {
		return 0, err
	}

	if entry&0b11 != 0b11 {
		return 0, fmt.Errorf("%w: %#x", ErrNotMapped, vaddr)
	}

	return entry&0xFFFFFFFFC000 | vaddr&0x3FFF, nil
}

func tableEntry(r *Ram, table, index, size uint64) (uint64, error) {
	if table+size > r.Len() {
		return 0, fmt.Errorf("page table %#x is outside the RAM", table)
	}

	entries := unsafe.Slice((*uint64)(unsafe.Pointer(&r.mem[table])), size/8)

	return entries[index], nil
}
