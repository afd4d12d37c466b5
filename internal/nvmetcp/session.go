package nvmetcp

import (
	"fmt"
	"io"
	"net"
	"time"
)

const defaultMaxRecvDataSegment = 8192

// Session owns one NVMe/TCP connection: the icreq/icresp handshake
// already completed, framed PDU read/write left for the caller
// (Transport) to drive per queue pair, mirroring one admin-or-I/O
// queue's worth of traffic the way internal/regwin.Window owns one
// controller's BAR0 mapping.
type Session struct {
	conn               net.Conn
	maxRecvDataSegment uint32
}

// Dial connects to addr (host:port) and performs the NVMe/TCP
// initialize-connection handshake.
func Dial(addr string, timeout time.Duration) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("nvmetcp: dial %s: %w", addr, err)
	}
	s := &Session{conn: conn, maxRecvDataSegment: defaultMaxRecvDataSegment}
	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// NewSession wraps an already-connected net.Conn (used by tests against
// net.Pipe or a loopback listener) and performs the handshake.
func NewSession(conn net.Conn) (*Session, error) {
	s := &Session{conn: conn, maxRecvDataSegment: defaultMaxRecvDataSegment}
	if err := s.handshake(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake() error {
	req := buildICReq(s.maxRecvDataSegment)
	if _, err := s.conn.Write(req); err != nil {
		return fmt.Errorf("nvmetcp: write icreq: %w", err)
	}
	resp := make([]byte, icRespLen)
	if _, err := io.ReadFull(s.conn, resp); err != nil {
		return fmt.Errorf("nvmetcp: read icresp: %w", err)
	}
	hdr, err := unmarshalHeader(resp)
	if err != nil {
		return err
	}
	if hdr.Type != PDUTypeICResp {
		return fmt.Errorf("nvmetcp: expected ICResp, got PDU type %#x", hdr.Type)
	}
	maxH2C, err := parseICResp(resp)
	if err != nil {
		return err
	}
	if maxH2C > 0 && maxH2C < s.maxRecvDataSegment {
		s.maxRecvDataSegment = maxH2C
	}
	return nil
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// writePDU writes a fully-framed PDU (header already included).
func (s *Session) writePDU(buf []byte) error {
	_, err := s.conn.Write(buf)
	return err
}

// readPDU reads one full PDU: header first to learn PLen, then the
// remaining body bytes.
func (s *Session) readPDU() (pduHeader, []byte, error) {
	hdrBuf := make([]byte, pduHeaderLen)
	if _, err := io.ReadFull(s.conn, hdrBuf); err != nil {
		return pduHeader{}, nil, fmt.Errorf("nvmetcp: read PDU header: %w", err)
	}
	hdr, err := unmarshalHeader(hdrBuf)
	if err != nil {
		return pduHeader{}, nil, err
	}
	if hdr.PLen < pduHeaderLen {
		return pduHeader{}, nil, fmt.Errorf("nvmetcp: PDU plen %d shorter than header", hdr.PLen)
	}
	bodyLen := hdr.PLen - pduHeaderLen
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(s.conn, body); err != nil {
			return pduHeader{}, nil, fmt.Errorf("nvmetcp: read PDU body: %w", err)
		}
	}
	return hdr, body, nil
}
