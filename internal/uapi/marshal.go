package uapi

import (
	"encoding/binary"
)

// MarshalSQE packs an SQE into its 64-byte wire form.
func MarshalSQE(s *SQE) []byte {
	buf := make([]byte, SQESize)

	binary.LittleEndian.PutUint32(buf[0:4], s.CDW0)
	binary.LittleEndian.PutUint32(buf[4:8], s.NSID)
	binary.LittleEndian.PutUint32(buf[8:12], s.CDW2)
	binary.LittleEndian.PutUint32(buf[12:16], s.CDW3)
	binary.LittleEndian.PutUint64(buf[16:24], s.MPTR)
	binary.LittleEndian.PutUint64(buf[24:32], s.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], s.PRP2)
	binary.LittleEndian.PutUint32(buf[40:44], s.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], s.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], s.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], s.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], s.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], s.CDW15)

	return buf
}

// UnmarshalSQE parses a 64-byte wire buffer into an SQE.
func UnmarshalSQE(data []byte, s *SQE) error {
	if len(data) < SQESize {
		return ErrInsufficientData
	}

	s.CDW0 = binary.LittleEndian.Uint32(data[0:4])
	s.NSID = binary.LittleEndian.Uint32(data[4:8])
	s.CDW2 = binary.LittleEndian.Uint32(data[8:12])
	s.CDW3 = binary.LittleEndian.Uint32(data[12:16])
	s.MPTR = binary.LittleEndian.Uint64(data[16:24])
	s.PRP1 = binary.LittleEndian.Uint64(data[24:32])
	s.PRP2 = binary.LittleEndian.Uint64(data[32:40])
	s.CDW10 = binary.LittleEndian.Uint32(data[40:44])
	s.CDW11 = binary.LittleEndian.Uint32(data[44:48])
	s.CDW12 = binary.LittleEndian.Uint32(data[48:52])
	s.CDW13 = binary.LittleEndian.Uint32(data[52:56])
	s.CDW14 = binary.LittleEndian.Uint32(data[56:60])
	s.CDW15 = binary.LittleEndian.Uint32(data[60:64])

	return nil
}

// MarshalCQE packs a CQE into its 16-byte wire form.
func MarshalCQE(c *CQE) []byte {
	buf := make([]byte, CQESize)

	binary.LittleEndian.PutUint32(buf[0:4], c.DW0)
	binary.LittleEndian.PutUint32(buf[4:8], c.DW1)
	binary.LittleEndian.PutUint16(buf[8:10], c.SQHD)
	binary.LittleEndian.PutUint16(buf[10:12], c.SQID)
	binary.LittleEndian.PutUint16(buf[12:14], c.CID)
	binary.LittleEndian.PutUint16(buf[14:16], c.Status)

	return buf
}

// UnmarshalCQE parses a 16-byte wire buffer into a CQE.
func UnmarshalCQE(data []byte, c *CQE) error {
	if len(data) < CQESize {
		return ErrInsufficientData
	}

	c.DW0 = binary.LittleEndian.Uint32(data[0:4])
	c.DW1 = binary.LittleEndian.Uint32(data[4:8])
	c.SQHD = binary.LittleEndian.Uint16(data[8:10])
	c.SQID = binary.LittleEndian.Uint16(data[10:12])
	c.CID = binary.LittleEndian.Uint16(data[12:14])
	c.Status = binary.LittleEndian.Uint16(data[14:16])

	return nil
}

// MarshalDSMRange packs a DSMRange into its 16-byte wire form.
func MarshalDSMRange(r *DSMRange) []byte {
	buf := make([]byte, 16)

	binary.LittleEndian.PutUint32(buf[0:4], r.Attrs)
	binary.LittleEndian.PutUint32(buf[4:8], r.NLB)
	binary.LittleEndian.PutUint64(buf[8:16], r.SLBA)

	return buf
}

// UnmarshalDSMRange parses a 16-byte wire buffer into a DSMRange.
func UnmarshalDSMRange(data []byte, r *DSMRange) error {
	if len(data) < 16 {
		return ErrInsufficientData
	}

	r.Attrs = binary.LittleEndian.Uint32(data[0:4])
	r.NLB = binary.LittleEndian.Uint32(data[4:8])
	r.SLBA = binary.LittleEndian.Uint64(data[8:16])

	return nil
}

// ParseIdentifyController reads the fields this driver cares about out of
// a raw 4096-byte Identify Controller data structure, at the byte offsets
// the NVMe base specification assigns them. Fields the driver never
// consumes (power state descriptors, vendor areas, ...) are skipped
// rather than modeled.
func ParseIdentifyController(data []byte) (*IdentifyController, error) {
	if len(data) < 520 {
		return nil, ErrInsufficientData
	}

	ic := &IdentifyController{
		VID:         binary.LittleEndian.Uint16(data[0:2]),
		SSVID:       binary.LittleEndian.Uint16(data[2:4]),
		SerialNum:   trimASCII(data[4:24]),
		ModelNum:    trimASCII(data[24:64]),
		Firmware:    trimASCII(data[64:72]),
		AERL:        data[259],
		NN:          binary.LittleEndian.Uint32(data[516:520]),
	}
	if len(data) >= 516 {
		sqes := data[512]
		ic.SQEntrySize = sqes & 0x0F
		cqes := data[513]
		ic.CQEntrySize = cqes & 0x0F
	}
	if len(data) >= 78 {
		ic.MDTS = data[77]
	}
	return ic, nil
}

// ParseIdentifyNamespace reads the fields this driver cares about out of
// a raw 4096-byte Identify Namespace data structure.
func ParseIdentifyNamespace(data []byte) (*IdentifyNamespace, error) {
	if len(data) < 128+16*4 {
		return nil, ErrInsufficientData
	}

	ns := &IdentifyNamespace{
		Size:               binary.LittleEndian.Uint64(data[0:8]),
		Capacity:           binary.LittleEndian.Uint64(data[8:16]),
		Utilization:        binary.LittleEndian.Uint64(data[16:24]),
		FormattedLBAFormat: data[26],
	}
	for i := 0; i < 16; i++ {
		off := 128 + i*4
		ms := binary.LittleEndian.Uint16(data[off : off+2])
		lbads := data[off+2]
		rp := data[off+3]
		ns.LBAFormats[i] = LBAFormat{MS: ms, LBADS: lbads, RP: rp & 0x3}
	}
	return ns, nil
}

// trimASCII strips trailing spaces and NUL bytes from a fixed-width ASCII
// field, as Identify's SerialNum/ModelNum/Firmware are specified.
func trimASCII(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}

// MarshalError is the error type this package returns for malformed or
// undersized wire buffers.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType       MarshalError = "invalid type for marshaling"
)
