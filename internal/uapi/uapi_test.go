package uapi

import (
	"testing"
	"unsafe"
)

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name     string
		size     uintptr
		expected int
	}{
		{"SQE", unsafe.Sizeof(SQE{}), 64},
		{"CQE", unsafe.Sizeof(CQE{}), 16},
		{"DSMRange", unsafe.Sizeof(DSMRange{}), 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if int(tt.size) != tt.expected {
				t.Errorf("%s size = %d, want %d", tt.name, tt.size, tt.expected)
			}
		})
	}
}

func TestSQECDW0Helpers(t *testing.T) {
	s := &SQE{}
	s.SetCDW0(IOOpWrite, FuseFirst, PSDTPRP, 0x1234)

	if s.Opcode() != IOOpWrite {
		t.Errorf("Opcode() = %#x, want %#x", s.Opcode(), IOOpWrite)
	}
	if s.Fuse() != FuseFirst {
		t.Errorf("Fuse() = %#x, want %#x", s.Fuse(), FuseFirst)
	}
	if s.PSDT() != PSDTPRP {
		t.Errorf("PSDT() = %#x, want %#x", s.PSDT(), PSDTPRP)
	}
	if s.CID() != 0x1234 {
		t.Errorf("CID() = %#x, want %#x", s.CID(), 0x1234)
	}
}

func TestCQEStatusHelpers(t *testing.T) {
	c := &CQE{}
	// phase=1, SCT=Generic(0), SC=InvalidField(0x02)
	c.Status = uint16(1) | (uint16(StatusInvalidField) << 1)

	if !c.Phase() {
		t.Error("Phase() = false, want true")
	}
	if c.SCT() != SCTGeneric {
		t.Errorf("SCT() = %#x, want %#x", c.SCT(), SCTGeneric)
	}
	if c.SC() != 0x02 {
		t.Errorf("SC() = %#x, want 0x02", c.SC())
	}
}

func TestMarshalUnmarshalSQE(t *testing.T) {
	original := &SQE{
		NSID:  1,
		MPTR:  0xAA,
		PRP1:  0x123456789ABCDEF0,
		PRP2:  0x0FEDCBA987654321,
		CDW10: 1000,
		CDW12: 7,
	}
	original.SetCDW0(IOOpRead, FuseNormal, PSDTPRP, 99)

	data := MarshalSQE(original)
	if len(data) != SQESize {
		t.Fatalf("MarshalSQE length = %d, want %d", len(data), SQESize)
	}

	var got SQE
	if err := UnmarshalSQE(data, &got); err != nil {
		t.Fatalf("UnmarshalSQE failed: %v", err)
	}

	if got != *original {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, *original)
	}
}

func TestMarshalUnmarshalCQE(t *testing.T) {
	original := &CQE{
		DW0:    12345,
		SQHD:   7,
		SQID:   1,
		CID:    200,
		Status: 0x0003,
	}

	data := MarshalCQE(original)
	if len(data) != CQESize {
		t.Fatalf("MarshalCQE length = %d, want %d", len(data), CQESize)
	}

	var got CQE
	if err := UnmarshalCQE(data, &got); err != nil {
		t.Fatalf("UnmarshalCQE failed: %v", err)
	}

	if got != *original {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, *original)
	}
}

func TestMarshalUnmarshalDSMRange(t *testing.T) {
	original := &DSMRange{
		Attrs: DSMAttrDeallocate,
		NLB:   255,
		SLBA:  0x1000,
	}

	data := MarshalDSMRange(original)
	if len(data) != 16 {
		t.Fatalf("MarshalDSMRange length = %d, want 16", len(data))
	}

	var got DSMRange
	if err := UnmarshalDSMRange(data, &got); err != nil {
		t.Fatalf("UnmarshalDSMRange failed: %v", err)
	}
	if got != *original {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, *original)
	}
}

func TestUnmarshalInsufficientData(t *testing.T) {
	var sqe SQE
	if err := UnmarshalSQE(make([]byte, 10), &sqe); err != ErrInsufficientData {
		t.Errorf("UnmarshalSQE short buffer err = %v, want ErrInsufficientData", err)
	}

	var cqe CQE
	if err := UnmarshalCQE(make([]byte, 4), &cqe); err != ErrInsufficientData {
		t.Errorf("UnmarshalCQE short buffer err = %v, want ErrInsufficientData", err)
	}
}

func TestParseIdentifyController(t *testing.T) {
	buf := make([]byte, 4096)
	buf[0] = 0x86
	buf[1] = 0x14 // VID = 0x1486
	copy(buf[4:24], []byte("SERIALNUM1234       "))
	copy(buf[24:64], []byte("nvmekit simulated drive                "))
	copy(buf[64:72], []byte("1.0     "))
	buf[77] = 6   // MDTS
	buf[259] = 3  // AERL (0's based: 4 outstanding)
	buf[512] = 6  // SQES: required=min 6 (log2(64)), max in upper nibble
	buf[513] = 4  // CQES: required=min 4 (log2(16))
	buf[516] = 1  // NN = 1

	ic, err := ParseIdentifyController(buf)
	if err != nil {
		t.Fatalf("ParseIdentifyController failed: %v", err)
	}
	if ic.VID != 0x1486 {
		t.Errorf("VID = %#x, want 0x1486", ic.VID)
	}
	if ic.SerialNum != "SERIALNUM1234" {
		t.Errorf("SerialNum = %q", ic.SerialNum)
	}
	if ic.AERL != 3 {
		t.Errorf("AERL = %d, want 3", ic.AERL)
	}
	if ic.NN != 1 {
		t.Errorf("NN = %d, want 1", ic.NN)
	}
	if ic.MDTS != 6 {
		t.Errorf("MDTS = %d, want 6", ic.MDTS)
	}
}

func TestParseIdentifyNamespace(t *testing.T) {
	buf := make([]byte, 4096)
	binaryPutUint64(buf[0:8], 1<<20)   // NSZE
	binaryPutUint64(buf[8:16], 1<<20)  // NCAP
	binaryPutUint64(buf[16:24], 0)     // NUSE
	buf[26] = 0                        // FLBAS: format 0
	binaryPutUint16(buf[128:130], 0)   // MS
	buf[130] = 9                       // LBADS = 2^9 = 512

	ns, err := ParseIdentifyNamespace(buf)
	if err != nil {
		t.Fatalf("ParseIdentifyNamespace failed: %v", err)
	}
	if ns.Size != 1<<20 {
		t.Errorf("Size = %d, want %d", ns.Size, 1<<20)
	}
	active := ns.ActiveLBAFormat()
	if active.LBADS != 9 {
		t.Errorf("ActiveLBAFormat().LBADS = %d, want 9", active.LBADS)
	}
}

func binaryPutUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func binaryPutUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}
