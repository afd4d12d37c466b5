package dma

import "testing"

func TestBuildPRPSinglePage(t *testing.T) {
	b, err := Alloc(4096, "single", FillPattern{Kind: FillZero}, 0, 0x2000)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer b.Release()

	prp1, prp2, list, err := BuildPRP(b, 0, 4096, 4096)
	if err != nil {
		t.Fatalf("BuildPRP failed: %v", err)
	}
	if prp1 != 0x2000 {
		t.Errorf("prp1 = %#x, want 0x2000", prp1)
	}
	if prp2 != 0 {
		t.Errorf("prp2 = %#x, want 0", prp2)
	}
	if list != nil {
		t.Error("list should be nil for a single-page transfer")
	}
}

func TestBuildPRPSinglePageUnaligned(t *testing.T) {
	b, err := Alloc(4096, "unaligned", FillPattern{Kind: FillZero}, 0, 0x2100)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer b.Release()

	// Offset 0 with phys base 0x2100 leaves 0xF00 (3840) bytes in the
	// first page; a transfer that fits within that needs only PRP1.
	prp1, prp2, list, err := BuildPRP(b, 0, 3840, 4096)
	if err != nil {
		t.Fatalf("BuildPRP failed: %v", err)
	}
	if prp1 != 0x2100 {
		t.Errorf("prp1 = %#x, want 0x2100", prp1)
	}
	if prp2 != 0 || list != nil {
		t.Errorf("expected no PRP2/list, got prp2=%#x list=%v", prp2, list)
	}
}

func TestBuildPRPTwoPages(t *testing.T) {
	b, err := Alloc(8192, "two", FillPattern{Kind: FillZero}, 0, 0x3000)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer b.Release()

	prp1, prp2, list, err := BuildPRP(b, 0, 8192, 4096)
	if err != nil {
		t.Fatalf("BuildPRP failed: %v", err)
	}
	if prp1 != 0x3000 {
		t.Errorf("prp1 = %#x, want 0x3000", prp1)
	}
	if prp2 != 0x4000 {
		t.Errorf("prp2 = %#x, want 0x4000 (next page)", prp2)
	}
	if list != nil {
		t.Error("list should be nil for a two-page transfer")
	}
}

func TestBuildPRPTwoPagesUnaligned(t *testing.T) {
	b, err := Alloc(8192, "two-unaligned", FillPattern{Kind: FillZero}, 0, 0x3100)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer b.Release()

	// firstPageRemain = 4096-0x100 = 3840. length = 3840 + 4096 = 7936
	// still fits in exactly two pages.
	prp1, prp2, list, err := BuildPRP(b, 0, 3840+4096, 4096)
	if err != nil {
		t.Fatalf("BuildPRP failed: %v", err)
	}
	if prp1 != 0x3100 {
		t.Errorf("prp1 = %#x, want 0x3100", prp1)
	}
	if prp2 != 0x4000 {
		t.Errorf("prp2 = %#x, want 0x4000", prp2)
	}
	if list != nil {
		t.Error("list should be nil")
	}
}

func TestBuildPRPList(t *testing.T) {
	size := 4096 * 4
	b, err := Alloc(size, "list", FillPattern{Kind: FillZero}, 0, 0x10000)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer b.Release()

	prp1, prp2, list, err := BuildPRP(b, 0, size, 4096)
	if err != nil {
		t.Fatalf("BuildPRP failed: %v", err)
	}
	if prp1 != 0x10000 {
		t.Errorf("prp1 = %#x, want 0x10000", prp1)
	}
	if list == nil {
		t.Fatal("expected a PRP list for a 4-page transfer")
	}
	if prp2 != list.PhysAddr(0) {
		t.Errorf("prp2 = %#x, want list base %#x", prp2, list.PhysAddr(0))
	}
	defer list.Release()

	buf := list.Bytes()
	// 3 more pages beyond the first: 0x11000, 0x12000, 0x13000.
	for i, want := range []uint64{0x11000, 0x12000, 0x13000} {
		got := uint64(buf[i*8]) | uint64(buf[i*8+1])<<8 | uint64(buf[i*8+2])<<16 | uint64(buf[i*8+3])<<24 |
			uint64(buf[i*8+4])<<32 | uint64(buf[i*8+5])<<40 | uint64(buf[i*8+6])<<48 | uint64(buf[i*8+7])<<56
		if got != want {
			t.Errorf("list entry %d = %#x, want %#x", i, got, want)
		}
	}
}

func TestBuildPRPOutOfBounds(t *testing.T) {
	b, err := Alloc(4096, "oob", FillPattern{Kind: FillZero}, 0, 0x20000)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer b.Release()

	if _, _, _, err := BuildPRP(b, 0, 8192, 4096); err == nil {
		t.Error("expected out-of-bounds error for a transfer larger than the buffer")
	}
}

func TestBuildSGLSingleDescriptor(t *testing.T) {
	b, err := Alloc(4096, "sgl", FillPattern{Kind: FillZero}, 0, 0x30000)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer b.Release()

	descs, err := BuildSGL(b, 0, 4096, 4096)
	if err != nil {
		t.Fatalf("BuildSGL failed: %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("len(descs) = %d, want 1", len(descs))
	}
	d := descs[0]
	if d.DataBlock == nil {
		t.Fatal("expected a DataBlock descriptor")
	}
	if d.DataBlock.Address != 0x30000 || d.DataBlock.Length != 4096 {
		t.Errorf("DataBlock = %+v, want Address=0x30000 Length=4096", d.DataBlock)
	}
}

func TestBuildSGLOutOfBounds(t *testing.T) {
	b, err := Alloc(512, "sgl-oob", FillPattern{Kind: FillZero}, 0, 0x40000)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	defer b.Release()

	if _, err := BuildSGL(b, 0, 1024, 4096); err == nil {
		t.Error("expected out-of-bounds error")
	}
}
