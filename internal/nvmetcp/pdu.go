// Package nvmetcp implements the NVMe-over-TCP alternate transport: the
// same submit/reap contract internal/regwin exposes over PCIe MMIO, but
// framed as NVMe/TCP PDUs over a plain net.Conn. Grounded on the
// teacher's register-window transport shape (internal/regwin/transport.go)
// generalized to a second wire format, the same way transport code keeps
// queue-pair logic independent of the exact io_uring opcode used.
package nvmetcp

import (
	"encoding/binary"
	"fmt"
)

// PDU types from the NVMe/TCP transport binding (NVMe-oF 1.1 §7.4.3),
// the subset this driver needs: initial connect handshake plus the two
// capsule PDUs that carry commands and completions.
const (
	PDUTypeICReq       = 0x00 // Initialize Connection Request
	PDUTypeICResp      = 0x01 // Initialize Connection Response
	PDUTypeCapsuleCmd  = 0x04 // Command Capsule (wraps one SQE + optional in-capsule data)
	PDUTypeCapsuleResp = 0x05 // Response Capsule (wraps one CQE)
	PDUTypeH2CData     = 0x06 // Host-to-Controller Data (out-of-capsule write data)
	PDUTypeC2HData     = 0x07 // Controller-to-Host Data (out-of-capsule read data)
)

// pduHeaderLen is the common PDU header: type(1) + flags(1) + hlen(1) +
// pdo(1) + plen(4), per the NVMe/TCP PDU common header layout.
const pduHeaderLen = 8

// pduHeader is the fixed 8-byte prefix common to every NVMe/TCP PDU.
type pduHeader struct {
	Type  uint8
	Flags uint8
	HLen  uint8 // header length including this common header
	PDO   uint8 // padding offset for data digest alignment; unused here
	PLen  uint32
}

func (h pduHeader) marshal() []byte {
	buf := make([]byte, pduHeaderLen)
	buf[0] = h.Type
	buf[1] = h.Flags
	buf[2] = h.HLen
	buf[3] = h.PDO
	binary.LittleEndian.PutUint32(buf[4:8], h.PLen)
	return buf
}

func unmarshalHeader(buf []byte) (pduHeader, error) {
	if len(buf) < pduHeaderLen {
		return pduHeader{}, fmt.Errorf("nvmetcp: short PDU header (%d bytes)", len(buf))
	}
	return pduHeader{
		Type:  buf[0],
		Flags: buf[1],
		HLen:  buf[2],
		PDO:   buf[3],
		PLen:  binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// icReqLen/icRespLen are fixed per the transport binding (128 bytes each,
// mostly reserved fields this simulated driver doesn't negotiate).
const (
	icReqLen  = 128
	icRespLen = 128
)

// buildICReq constructs an Initialize Connection Request: PDU version,
// HPDA (always 0), digest-enable flags, and the host max receive data
// PDU size in bytes 12-15. This
// driver never enables header/data digests (§1 non-goal: no wire-level
// integrity beyond the per-LBA CRC table already modeled elsewhere).
func buildICReq(maxRecvDataSegment uint32) []byte {
	buf := make([]byte, icReqLen)
	hdr := pduHeader{Type: PDUTypeICReq, HLen: icReqLen, PLen: icReqLen}
	copy(buf, hdr.marshal())
	binary.LittleEndian.PutUint16(buf[8:10], 0) // PFV: pdu version 0
	buf[10] = 0                                 // HPDA
	buf[11] = 0                                 // digest flags: none enabled
	binary.LittleEndian.PutUint32(buf[12:16], maxRecvDataSegment)
	return buf
}

func parseICResp(buf []byte) (maxH2CDataLen uint32, err error) {
	if len(buf) < icRespLen {
		return 0, fmt.Errorf("nvmetcp: short ICResp (%d bytes)", len(buf))
	}
	return binary.LittleEndian.Uint32(buf[12:16]), nil
}

// capsuleCmdHeaderLen is the fixed portion of a Command Capsule PDU
// header after the common header: CCCID(2) is folded into the embedded
// SQE itself (CDW0), so the only capsule-specific field is reserved
// padding; in-capsule data (for small writes) follows immediately.
const capsuleCmdHeaderLen = pduHeaderLen

// buildCapsuleCmd frames a 64-byte SQE, optionally with trailing
// in-capsule write data.
func buildCapsuleCmd(sqe [64]byte, inCapsuleData []byte) []byte {
	plen := uint32(capsuleCmdHeaderLen + 64 + len(inCapsuleData))
	hdr := pduHeader{Type: PDUTypeCapsuleCmd, HLen: uint8(capsuleCmdHeaderLen + 64), PLen: plen}
	buf := make([]byte, 0, plen)
	buf = append(buf, hdr.marshal()...)
	buf = append(buf, sqe[:]...)
	buf = append(buf, inCapsuleData...)
	return buf
}

// buildCapsuleResp frames a 16-byte CQE with no trailing data (completions
// never carry a data payload).
func buildCapsuleResp(cqe [16]byte) []byte {
	plen := uint32(pduHeaderLen + 16)
	hdr := pduHeader{Type: PDUTypeCapsuleResp, HLen: uint8(pduHeaderLen + 16), PLen: plen}
	buf := make([]byte, 0, plen)
	buf = append(buf, hdr.marshal()...)
	buf = append(buf, cqe[:]...)
	return buf
}

// h2cDataHeaderLen adds TTAG(2) + reserved(2) + data offset(4) + data
// length(4) to the common header, the fields needed to reassemble
// out-of-capsule write data at the target.
//
// buildH2CData/buildC2HData/parseDataPDU frame the wire format for
// out-of-capsule data transfer but the Transport below never sends
// them: payload bytes in this driver always live in the same
// fake-physical internal/dma.Buffer the PCIe transport reads from
// directly, so there is nothing for Transport to stream separately.
// They stay here, tested against the PDU format directly, because a
// real NVMe/TCP initiator needs them once transfers exceed the
// in-capsule data limit and a future host-memory-backed Transport
// would reuse this framing unchanged.
const h2cDataHeaderLen = pduHeaderLen + 12

func buildH2CData(ttag uint16, dataOffset uint32, data []byte) []byte {
	plen := uint32(h2cDataHeaderLen + len(data))
	hdr := pduHeader{Type: PDUTypeH2CData, HLen: h2cDataHeaderLen, PLen: plen}
	buf := make([]byte, 0, plen)
	buf = append(buf, hdr.marshal()...)
	ttagBuf := make([]byte, 12)
	binary.LittleEndian.PutUint16(ttagBuf[0:2], ttag)
	binary.LittleEndian.PutUint32(ttagBuf[4:8], dataOffset)
	binary.LittleEndian.PutUint32(ttagBuf[8:12], uint32(len(data)))
	buf = append(buf, ttagBuf...)
	buf = append(buf, data...)
	return buf
}

func buildC2HData(ttag uint16, dataOffset uint32, data []byte) []byte {
	// Same layout as H2C; direction is implied by PDU type alone.
	plen := uint32(h2cDataHeaderLen + len(data))
	hdr := pduHeader{Type: PDUTypeC2HData, HLen: h2cDataHeaderLen, PLen: plen}
	buf := make([]byte, 0, plen)
	buf = append(buf, hdr.marshal()...)
	ttagBuf := make([]byte, 12)
	binary.LittleEndian.PutUint16(ttagBuf[0:2], ttag)
	binary.LittleEndian.PutUint32(ttagBuf[4:8], dataOffset)
	binary.LittleEndian.PutUint32(ttagBuf[8:12], uint32(len(data)))
	buf = append(buf, ttagBuf...)
	buf = append(buf, data...)
	return buf
}

func parseDataPDU(body []byte) (ttag uint16, dataOffset uint32, data []byte, err error) {
	if len(body) < 12 {
		return 0, 0, nil, fmt.Errorf("nvmetcp: short data PDU body (%d bytes)", len(body))
	}
	ttag = binary.LittleEndian.Uint16(body[0:2])
	dataOffset = binary.LittleEndian.Uint32(body[4:8])
	dataLen := binary.LittleEndian.Uint32(body[8:12])
	if uint32(len(body)-12) < dataLen {
		return 0, 0, nil, fmt.Errorf("nvmetcp: truncated data PDU (want %d, have %d)", dataLen, len(body)-12)
	}
	return ttag, dataOffset, body[12 : 12+dataLen], nil
}
