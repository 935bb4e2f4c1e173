package ram

import (
	"fmt"
)

// build16KPageTables builds aarch64 four-level page tables with a 16K
// granule and a 48-bit virtual address space. With this geometry level 0
// has only two usable entries, selected by bit 47.
func (b *Builder) build16KPageTables(devices []AllocInfo) (uint64, error) {
	root, l0t, err := b.allocTable(b.ram.blockSize)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate level-0 table: %w", err)
	}

	for _, dev := range devices {
		if dev.Paddr < b.ram.Len() {
			panic(fmt.Sprintf("ram: device window %#x overlaps RAM", dev.Paddr))
		}

		if err := b.map16K(l0t, dev.Paddr, dev.Paddr, roundUp(dev.Len, 0x4000), AttrDevice); err != nil {
			return 0, err
		}
	}

	for _, info := range b.allocated {
		if err := b.map16K(l0t, info.Vaddr, info.Paddr, info.Len, info.Attr); err != nil {
			return 0, err
		}

		if info.Vaddr != info.Paddr {
			if err := b.map16K(l0t, info.Paddr, info.Paddr, info.Len, info.Attr); err != nil {
				return 0, err
			}
		}
	}

	return root, nil
}

func (b *Builder) map16K(l0t []uint64, vaddr, paddr, length uint64, attr uint8) error {
	if vaddr%0x4000 != 0 || paddr%0x4000 != 0 || length%0x4000 != 0 {
		panic(fmt.Sprintf("ram: unaligned 16K mapping %#x -> %#x (%#x bytes)", vaddr, paddr, length))
	}

	if attr&0b11111000 != 0 {
		panic(fmt.Sprintf("ram: invalid memory attribute %#x", attr))
	}

	for off := uint64(0); off < length; off += 0x4000 {
		addr := vaddr + off

		// Level 1 table.
		l0o := (addr & 0x800000000000) >> 47
		l1t, err := b.walk16K(l0t, l0o, "level-1 table")
		if err != nil {
			return err
		}

		// Level 2 table.
		l1o := (addr & 0x7FF000000000) >> 36
		l2t, err := b.walk16K(l1t, l1o, "level-2 table")
		if err != nil {
			return err
		}

		// Level 3 table.
		l2o := (addr & 0xFFE000000) >> 25
		l3t, err := b.walk16K(l2t, l2o, "level-3 table")
		if err != nil {
			return err
		}

		// Page descriptor.
		l3o := (addr & 0x1FFC000) >> 14
		paddr := paddr + off

		if paddr&0xFFFF000000003FFF != 0 {
			panic(fmt.Sprintf("ram: invalid page descriptor address %#x", paddr))
		}

		if l3t[l3o] != 0 {
			return fmt.Errorf("%w: %#x", ErrDuplicatedVaddr, addr)
		}

		desc := paddr
		desc |= 0b11               // Valid descriptor + Page descriptor
		desc |= uint64(attr) << 2  // AttrIndx[2:0]
		desc |= 0b00 << 6          // AP[2:1]
		desc |= 0b11 << 8          // Inner Shareable
		desc |= 1 << 10            // AF

		l3t[l3o] = desc
	}

	return nil
}

func (b *Builder) walk16K(tab []uint64, i uint64, what string) ([]uint64, error) {
	if v := tab[i]; v != 0 {
		return b.table(v&0xFFFFFFFFC000, 0x4000), nil
	}

	addr, next, err := b.allocTable(0x4000)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %s: %w", what, err)
	}

	setTableDescriptor(&tab[i], addr)

	return next, nil
}

func setTableDescriptor(entry *uint64, addr uint64) {
	if addr&0xFFFF000000003FFF != 0 {
		panic(fmt.Sprintf("ram: invalid table descriptor address %#x", addr))
	}

	*entry = addr
	*entry |= 0b11    // Valid + Table descriptor
	*entry |= 1 << 10 // AF
}
