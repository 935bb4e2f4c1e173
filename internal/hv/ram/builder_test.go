package ram

import (
	"testing"
)

func TestBuilderMonotonicAlloc(t *testing.T) {
	r := newTestRam(t, 0x4000, 0x1000000)
	b := NewBuilder(r, 0)

	var prev uint64

	for i := 0; i < 8; i++ {
		paddr, mem, err := b.Alloc(100, AttrNormal)
		if err != nil {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
		mem.Release()

		if paddr%r.BlockSize() != 0 {
			t.Fatalf("paddr %#x is not block aligned", paddr)
		}

		if i > 0 && paddr <= prev {
			t.Fatalf("paddr %#x not increasing (prev %#x)", paddr, prev)
		}

		prev = paddr
	}
}

func TestBuilderZeroFill(t *testing.T) {
	r := newTestRam(t, 0x4000, 0x1000000)

	// Dirty the memory with a first builder, then abandon it.
	b := NewBuilder(r, 0)

	_, mem, err := b.Alloc(r.BlockSize(), AttrNormal)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}

	for i := range mem.Bytes() {
		mem.Bytes()[i] = 0xAA
	}

	mem.Release()

	// Pretend bring-up failed and start over on the same physical range.
	if err := r.Dealloc(0, r.BlockSize()); err != nil {
		t.Fatalf("dealloc failed: %v", err)
	}

	b2 := NewBuilder(r, 0)

	_, mem2, err := b2.Alloc(r.BlockSize(), AttrNormal)
	if err != nil {
		t.Fatalf("second alloc failed: %v", err)
	}
	defer mem2.Release()

	for i, v := range mem2.Bytes() {
		if v != 0 {
			t.Fatalf("byte %d not zero filled: %#x", i, v)
		}
	}
}

func TestBuilderUnsupportedPageSize(t *testing.T) {
	r := newTestRam(t, 0x8000, 0x1000000)
	b := NewBuilder(r, 0)

	if _, err := b.BuildPageTable(nil); err == nil {
		t.Fatal("expected error for unsupported page size")
	}
}

func TestBuilderPanicsAfterBuild(t *testing.T) {
	r := newTestRam(t, 0x4000, 0x1000000)
	b := NewBuilder(r, 0)

	if _, _, err := b.Alloc(16, AttrNormal); err != nil {
		t.Fatalf("alloc failed: %v", err)
	}

	if _, err := b.BuildPageTable(nil); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on use after build")
		}
	}()

	b.Alloc(16, AttrNormal)
}
