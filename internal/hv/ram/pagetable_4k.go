package ram

import (
	"fmt"
)

// build4KPageTables builds x86-64 long-mode page tables with 4K pages. See
// the Page Translation and Protection section of the AMD64 Architecture
// Programmer's Manual Volume 2 for the layout.
func (b *Builder) build4KPageTables(devices []AllocInfo) (uint64, error) {
	root, pml4t, err := b.allocTable(4096)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate page-map level-4 table: %w", err)
	}

	for _, info := range b.allocated {
		if err := b.map4K(pml4t, info.Vaddr, info.Paddr, info.Len); err != nil {
			return 0, err
		}

		if info.Vaddr != info.Paddr {
			if err := b.map4K(pml4t, info.Paddr, info.Paddr, info.Len); err != nil {
				return 0, err
			}
		}
	}

	// Virtual devices live above RAM and are always identity mapped.
	for _, dev := range devices {
		if dev.Paddr < b.ram.Len() {
			panic(fmt.Sprintf("ram: device window %#x overlaps RAM", dev.Paddr))
		}

		if err := b.map4K(pml4t, dev.Paddr, dev.Paddr, roundUp(dev.Len, 4096)); err != nil {
			return 0, err
		}
	}

	return root, nil
}

func (b *Builder) map4K(pml4t []uint64, vaddr, paddr, length uint64) error {
	if vaddr%4096 != 0 || paddr%4096 != 0 || length%4096 != 0 {
		panic(fmt.Sprintf("ram: unaligned 4K mapping %#x -> %#x (%#x bytes)", vaddr, paddr, length))
	}

	for off := uint64(0); off < length; off += 4096 {
		addr := vaddr + off

		// Page-directory pointer table.
		pml4o := (addr & 0xFF8000000000) >> 39
		pdpt, err := b.walk4K(pml4t, pml4o, "page-directory pointer table")
		if err != nil {
			return err
		}

		// Page-directory table.
		pdpo := (addr & 0x7FC0000000) >> 30
		pdt, err := b.walk4K(pdpt, pdpo, "page-directory table")
		if err != nil {
			return err
		}

		// Page table.
		pdo := (addr & 0x3FE00000) >> 21
		pt, err := b.walk4K(pdt, pdo, "page table")
		if err != nil {
			return err
		}

		pto := (addr & 0x1FF000) >> 12

		if pt[pto] != 0 {
			return fmt.Errorf("%w: %#x", ErrDuplicatedVaddr, addr)
		}

		setPageEntry(&pt[pto], paddr+off)
	}

	return nil
}

// walk4K returns the next-level table behind entry i, allocating it first if
// the entry is empty.
func (b *Builder) walk4K(tab []uint64, i uint64, what string) ([]uint64, error) {
	if v := tab[i]; v != 0 {
		return b.table(v&0xFFFFFFFFF000, 4096), nil
	}

	addr, next, err := b.allocTable(4096)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %s: %w", what, err)
	}

	setPageEntry(&tab[i], addr)

	return next, nil
}

func setPageEntry(entry *uint64, addr uint64) {
	if addr&0x7FF0000000000000 != 0 || addr&0xFFF != 0 {
		panic(fmt.Sprintf("ram: invalid page entry address %#x", addr))
	}

	*entry = addr
	*entry |= 0b01 // Present (P) Bit.
	*entry |= 0b10 // Read/Write (R/W) Bit.
}
