package regwin

import (
	"testing"

	"github.com/nvmekit/nvmekit/internal/uapi"
)

// fakeConfig builds a minimal PCIe config-space byte slice with a
// capabilities list: PCI Express at 0x40, MSI-X at 0x50 (table offset
// register pointing at BAR0 offset 0x2000, BIR 0).
func fakeConfig() []byte {
	cfg := make([]byte, 0x100)
	cfg[0x06] = 0x10 // status: capabilities list present
	cfg[0x34] = 0x40 // capabilities pointer

	// PCI Express capability at 0x40, next -> 0x50.
	cfg[0x40] = uapi.PCICapPCIExpress
	cfg[0x41] = 0x50

	// MSI-X capability at 0x50, next -> 0 (end of list).
	cfg[0x50] = uapi.PCICapMSIX
	cfg[0x51] = 0x00
	tableOffsetReg := uint32(0x2000) // BIR 0, offset 0x2000
	cfg[0x54] = byte(tableOffsetReg)
	cfg[0x55] = byte(tableOffsetReg >> 8)
	cfg[0x56] = byte(tableOffsetReg >> 16)
	cfg[0x57] = byte(tableOffsetReg >> 24)

	return cfg
}

func newFakeWindow(t *testing.T) *Window {
	t.Helper()
	w := OpenFake(0x4000, fakeConfig())
	return w
}

func TestCAPAndDoorbellStride(t *testing.T) {
	w := newFakeWindow(t)
	// DSTRD = 1 -> stride = 4 << 1 = 8.
	w.write64(uapi.RegCAP, 1<<32)
	w.loadDoorbellStride()
	if got := w.DoorbellStride(); got != 8 {
		t.Errorf("DoorbellStride() = %d, want 8", got)
	}
}

func TestCCCSTSRoundTrip(t *testing.T) {
	w := newFakeWindow(t)
	w.SetCC(uapi.CCEnable | uapi.CCCommandSetNVM)
	if w.CC()&uapi.CCEnable == 0 {
		t.Error("CC() should report CCEnable set")
	}
}

func TestAQAASQACQ(t *testing.T) {
	w := newFakeWindow(t)
	w.SetAQA(127, 127)
	w.SetASQ(0x123456000)
	w.SetACQ(0x654321000)

	aqa := w.read32(uapi.RegAQA)
	if aqa&0xFFFF != 127 || (aqa>>16)&0xFFFF != 127 {
		t.Errorf("AQA = %#x, want sq=127 cq=127", aqa)
	}
	if w.read64(uapi.RegASQ) != 0x123456000 {
		t.Errorf("ASQ = %#x, want 0x123456000", w.read64(uapi.RegASQ))
	}
	if w.read64(uapi.RegACQ) != 0x654321000 {
		t.Errorf("ACQ = %#x, want 0x654321000", w.read64(uapi.RegACQ))
	}
}

func TestDoorbellOffsets(t *testing.T) {
	w := newFakeWindow(t)
	// Default DSTRD=0 -> stride=4.
	if err := w.RingSQTail(0, 5); err != nil {
		t.Fatalf("RingSQTail failed: %v", err)
	}
	if err := w.RingCQHead(0, 3); err != nil {
		t.Fatalf("RingCQHead failed: %v", err)
	}
	if got := w.read32(w.sqTailOffset(0)); got != 5 {
		t.Errorf("SQ tail doorbell = %d, want 5", got)
	}
	if got := w.read32(w.cqHeadOffset(0)); got != 3 {
		t.Errorf("CQ head doorbell = %d, want 3", got)
	}

	if err := w.RingSQTail(1, 9); err != nil {
		t.Fatalf("RingSQTail(1) failed: %v", err)
	}
	if w.sqTailOffset(1) == w.sqTailOffset(0) {
		t.Error("queue 1's SQ tail doorbell should not alias queue 0's")
	}
}

func TestMSIXMaskUnmaskIsSet(t *testing.T) {
	w := newFakeWindow(t)
	if w.msixOffset != 0x2000 {
		t.Fatalf("msixOffset = %#x, want 0x2000 (capability walk failed)", w.msixOffset)
	}

	set, err := w.IsSet(0)
	if err != nil {
		t.Fatalf("IsSet failed: %v", err)
	}
	if set {
		t.Error("vector 0 should start unmasked... er, unset")
	}

	if err := w.Mask(0); err != nil {
		t.Fatalf("Mask failed: %v", err)
	}
	set, _ = w.IsSet(0)
	if !set {
		t.Error("vector 0 should be set after Mask")
	}

	if err := w.Unmask(0); err != nil {
		t.Fatalf("Unmask failed: %v", err)
	}
	set, _ = w.IsSet(0)
	if set {
		t.Error("vector 0 should be clear after Unmask")
	}

	if err := w.Clear(0); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
}

func TestFunctionReset(t *testing.T) {
	w := newFakeWindow(t)
	if err := w.FunctionReset(); err != nil {
		t.Fatalf("FunctionReset failed: %v", err)
	}
	off := w.findCapability(uapi.PCICapPCIExpress)
	if off < 0 {
		t.Fatal("PCI Express capability not found")
	}
	v := uint16(w.config[off+8]) | uint16(w.config[off+9])<<8
	if v&(1<<15) == 0 {
		t.Error("Device Control bit 15 (FLR) should be set")
	}
}

func TestMaxQueueEntries(t *testing.T) {
	w := newFakeWindow(t)
	w.write64(uapi.RegCAP, 255)
	if got := w.MaxQueueEntries(); got != 256 {
		t.Errorf("MaxQueueEntries() = %d, want 256", got)
	}
}
