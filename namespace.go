package nvmekit

import (
	"github.com/nvmekit/nvmekit/internal/crctable"
	"github.com/nvmekit/nvmekit/internal/uapi"
)

// Namespace wraps one active namespace of a Controller: its I/O command
// builders, the CRC verification table backing Write/Read/Compare, and
// the ioworker constructor. Builders mirror the command opcode table
// (Flush 0x00, Write 0x01, Read 0x02, Write-Uncorrectable 0x04, Compare
// 0x05, Write-Zeroes 0x08, Dataset-Management 0x09, Verify 0x0C,
// Reservation-* 0x0D/0x0E/0x11/0x15, Copy 0x19).
type Namespace struct {
	nsid       uint32
	controller *Controller
	crc        *crctable.Table
	lbaSize    int
	lbaFormat  uint8
}

// NamespaceConfig configures a Namespace.
type NamespaceConfig struct {
	NSID      uint32
	LBASize   int
	LBAFormat uint8
	CRC       *crctable.Table // shared across namespaces of one controller; created if nil
}

// NewNamespace attaches a Namespace view to c, registering nsid with the
// CRC table at the given LBA size.
func NewNamespace(c *Controller, cfg NamespaceConfig) *Namespace {
	if cfg.LBASize == 0 {
		cfg.LBASize = 512
	}
	crc := cfg.CRC
	if crc == nil {
		crc = crctable.New()
	}
	crc.EnsureNamespace(cfg.NSID, cfg.LBASize)
	return &Namespace{
		nsid:       cfg.NSID,
		controller: c,
		crc:        crc,
		lbaSize:    cfg.LBASize,
		lbaFormat:  cfg.LBAFormat,
	}
}

// NSID returns this namespace's identifier.
func (n *Namespace) NSID() uint32 { return n.nsid }

// LBASize returns the namespace's current logical block size in bytes.
func (n *Namespace) LBASize() int { return n.lbaSize }

func (n *Namespace) ioSQE(opcode uint8, fused uint32) uapi.SQE {
	var sqe uapi.SQE
	sqe.SetCDW0(opcode, fused, uapi.PSDTPRP, 0)
	sqe.NSID = n.nsid
	return sqe
}

func rwCDW10_12(slba uint64, nlb uint32, ioFlags uint16) (cdw10, cdw11, cdw12 uint32) {
	return uint32(slba), uint32(slba >> 32), (nlb - 1) | uint32(ioFlags)<<16
}

// Flush issues the Flush command.
func (n *Namespace) Flush(qp *Qpair, cb func(uapi.CQE)) (uint16, error) {
	sqe := n.ioSQE(uapi.IOOpFlush, uapi.FuseNormal)
	return qp.Submit(sqe, nil, cb)
}

// Write issues the Write command, stamping buf's LBA tokens into the
// CRC table under an exclusive range lock before submission.
func (n *Namespace) Write(qp *Qpair, buf *Buffer, slba uint64, nlb uint32, ioFlags uint16, cb func(uapi.CQE)) (uint16, error) {
	if err := n.crc.Write(n.nsid, slba, nlb, buf.unwrap()); err != nil {
		return 0, WrapError("write", err)
	}
	sqe := n.ioSQE(uapi.IOOpWrite, uapi.FuseNormal)
	sqe.PRP1 = buf.PhysAddr()
	sqe.CDW10, sqe.CDW11, sqe.CDW12 = rwCDW10_12(slba, nlb, ioFlags)
	return qp.Submit(sqe, []*Buffer{buf}, cb)
}

// Read issues the Read command. The supplied callback runs after
// internal/crctable.VerifyRead has already checked buf's contents
// against the stored tokens; verify=false skips the comparison (still
// taking the shared lock for write/read ordering) for callers that
// intentionally read unverified regions (e.g. after write_uncorrectable).
func (n *Namespace) Read(qp *Qpair, buf *Buffer, slba uint64, nlb uint32, ioFlags uint16, verify bool, cb func(uapi.CQE, []crctable.Mismatch)) (uint16, error) {
	sqe := n.ioSQE(uapi.IOOpRead, uapi.FuseNormal)
	sqe.PRP1 = buf.PhysAddr()
	sqe.CDW10, sqe.CDW11, sqe.CDW12 = rwCDW10_12(slba, nlb, ioFlags)
	return qp.Submit(sqe, []*Buffer{buf}, func(cqe uapi.CQE) {
		var mismatches []crctable.Mismatch
		if cqe.SCT() == 0 && cqe.SC() == 0 {
			mismatches, _ = n.crc.VerifyRead(n.nsid, slba, nlb, buf.unwrap(), verify)
		}
		if cb != nil {
			cb(cqe, mismatches)
		}
	})
}

// Compare issues the Compare command; the device itself enforces byte
// equality, so the CRC table only takes a shared range lock for
// ordering with concurrent writers.
func (n *Namespace) Compare(qp *Qpair, buf *Buffer, slba uint64, nlb uint32, ioFlags uint16, cb func(uapi.CQE)) (uint16, error) {
	unlock, err := n.crc.Compare(n.nsid, slba, nlb)
	if err != nil {
		return 0, WrapError("compare", err)
	}
	sqe := n.ioSQE(uapi.IOOpCompare, uapi.FuseNormal)
	sqe.PRP1 = buf.PhysAddr()
	sqe.CDW10, sqe.CDW11, sqe.CDW12 = rwCDW10_12(slba, nlb, ioFlags)
	return qp.Submit(sqe, []*Buffer{buf}, func(cqe uapi.CQE) {
		unlock()
		if cb != nil {
			cb(cqe)
		}
	})
}

// CompareAndWrite issues a fused Compare-then-Write pair over the same
// range: the Compare carries CDW0's fused-first flag and the Write
// fused-second, submitted back to back on qp so they reach the device
// (and a real controller's internal fused-command queue) as one unit.
// buf supplies both the compare payload and the write payload, matching
// the common fused-compare-and-write idiom of writing exactly what was
// just verified. A FakeController executes each synchronously and
// independently rather than enforcing true cross-command atomicity,
// same simplification as its AER handling.
func (n *Namespace) CompareAndWrite(qp *Qpair, buf *Buffer, slba uint64, nlb uint32, ioFlags uint16, compareCb, writeCb func(uapi.CQE)) (compareCID, writeCID uint16, err error) {
	unlock, err := n.crc.Compare(n.nsid, slba, nlb)
	if err != nil {
		return 0, 0, WrapError("compare_and_write", err)
	}
	cmpSQE := n.ioSQE(uapi.IOOpCompare, uapi.FuseFirst)
	cmpSQE.PRP1 = buf.PhysAddr()
	cmpSQE.CDW10, cmpSQE.CDW11, cmpSQE.CDW12 = rwCDW10_12(slba, nlb, ioFlags)
	compareCID, err = qp.Submit(cmpSQE, []*Buffer{buf}, func(cqe uapi.CQE) {
		if compareCb != nil {
			compareCb(cqe)
		}
	})
	unlock()
	if err != nil {
		return 0, 0, WrapError("compare_and_write", err)
	}

	if err := n.crc.Write(n.nsid, slba, nlb, buf.unwrap()); err != nil {
		return compareCID, 0, WrapError("compare_and_write", err)
	}
	wrSQE := n.ioSQE(uapi.IOOpWrite, uapi.FuseSecond)
	wrSQE.PRP1 = buf.PhysAddr()
	wrSQE.CDW10, wrSQE.CDW11, wrSQE.CDW12 = rwCDW10_12(slba, nlb, ioFlags)
	writeCID, err = qp.Submit(wrSQE, []*Buffer{buf}, writeCb)
	if err != nil {
		return compareCID, 0, WrapError("compare_and_write", err)
	}
	return compareCID, writeCID, nil
}

// WriteZeroes issues Write Zeroes and clears the CRC table's stored
// tokens for the range to TokenUnmapped.
func (n *Namespace) WriteZeroes(qp *Qpair, slba uint64, nlb uint32, ioFlags uint16, cb func(uapi.CQE)) (uint16, error) {
	if err := n.crc.Trim(n.nsid, slba, nlb); err != nil {
		return 0, WrapError("write_zeroes", err)
	}
	sqe := n.ioSQE(uapi.IOOpWriteZeroes, uapi.FuseNormal)
	sqe.CDW10, sqe.CDW11, sqe.CDW12 = rwCDW10_12(slba, nlb, ioFlags)
	return qp.Submit(sqe, nil, cb)
}

// DSMRange is one Dataset Management range entry.
type DSMRange struct {
	SLBA uint64
	NLB  uint32
	Attr uint32
}

// DatasetManagement issues the Dataset Management command (the trim
// path when attr includes DSMAttrDeallocate), writing ranges into buf
// and clearing each deallocated range in the CRC table.
func (n *Namespace) DatasetManagement(qp *Qpair, buf *Buffer, ranges []DSMRange, attr uint32, cb func(uapi.CQE)) (uint16, error) {
	if len(ranges) == 0 || len(ranges) > 256 {
		return 0, NewError("dsm", ErrCodeInvalidParameters, "dataset management accepts 1-256 ranges")
	}
	for i, r := range ranges {
		if err := buf.unwrap().SetDSMRange(i, r.SLBA, r.NLB, r.Attr); err != nil {
			return 0, WrapError("dsm", err)
		}
		if r.Attr&uapi.DSMAttrDeallocate != 0 {
			if err := n.crc.Trim(n.nsid, r.SLBA, r.NLB); err != nil {
				return 0, WrapError("dsm", err)
			}
		}
	}
	sqe := n.ioSQE(uapi.IOOpDatasetManagement, uapi.FuseNormal)
	sqe.PRP1 = buf.PhysAddr()
	sqe.CDW10 = uint32(len(ranges) - 1)
	sqe.CDW11 = attr
	return qp.Submit(sqe, []*Buffer{buf}, cb)
}

// Trim is sugar for DatasetManagement over a single range with the
// deallocate attribute set.
func (n *Namespace) Trim(qp *Qpair, buf *Buffer, slba uint64, nlb uint32, cb func(uapi.CQE)) (uint16, error) {
	return n.DatasetManagement(qp, buf, []DSMRange{{SLBA: slba, NLB: nlb, Attr: uapi.DSMAttrDeallocate}}, uapi.DSMAttrDeallocate, cb)
}

// Verify issues the Verify command: the device checks medium/metadata
// integrity for the range without transferring data to the host, so no
// CRC Table check is made here (there is no buffer to check against).
func (n *Namespace) Verify(qp *Qpair, slba uint64, nlb uint32, ioFlags uint16, cb func(uapi.CQE)) (uint16, error) {
	sqe := n.ioSQE(uapi.IOOpVerify, uapi.FuseNormal)
	sqe.CDW10, sqe.CDW11, sqe.CDW12 = rwCDW10_12(slba, nlb, ioFlags)
	return qp.Submit(sqe, nil, cb)
}

// WriteUncorrectable issues Write Uncorrectable and marks the range in
// the CRC table so any subsequent read is a verification failure.
func (n *Namespace) WriteUncorrectable(qp *Qpair, slba uint64, nlb uint32, cb func(uapi.CQE)) (uint16, error) {
	if err := n.crc.WriteUncorrectable(n.nsid, slba, nlb); err != nil {
		return 0, WrapError("write_uncorrectable", err)
	}
	sqe := n.ioSQE(uapi.IOOpWriteUncorrectable, uapi.FuseNormal)
	sqe.CDW10 = uint32(slba)
	sqe.CDW11 = uint32(slba >> 32)
	sqe.CDW12 = nlb - 1
	return qp.Submit(sqe, nil, cb)
}

// CopyRange is one Copy source range entry.
type CopyRange struct {
	SLBA uint64
	NLB  uint16
}

// Copy issues the Copy command (device-side LBA range copy into
// sdlba), marking the destination range's CRC tokens unmapped since
// this driver does not track copy-source provenance well enough to
// recompute the destination's true contents token.
func (n *Namespace) Copy(qp *Qpair, buf *Buffer, ranges []CopyRange, sdlba uint64, ioFlags uint16, cb func(uapi.CQE)) (uint16, error) {
	if len(ranges) == 0 {
		return 0, NewError("copy", ErrCodeInvalidParameters, "copy requires at least one source range")
	}
	var total uint32
	for i, r := range ranges {
		if err := buf.unwrap().SetCopyRange(i, r.SLBA, r.NLB); err != nil {
			return 0, WrapError("copy", err)
		}
		total += uint32(r.NLB) + 1
	}
	if err := n.crc.Trim(n.nsid, sdlba, total); err != nil {
		return 0, WrapError("copy", err)
	}
	sqe := n.ioSQE(uapi.IOOpCopy, uapi.FuseNormal)
	sqe.PRP1 = buf.PhysAddr()
	sqe.CDW10 = uint32(sdlba)
	sqe.CDW11 = uint32(sdlba >> 32)
	sqe.CDW12 = uint32(len(ranges)-1) | uint32(ioFlags)<<16
	return qp.Submit(sqe, []*Buffer{buf}, cb)
}

// ReservationRegister issues Reservation Register.
func (n *Namespace) ReservationRegister(qp *Qpair, buf *Buffer, rrega uint8, iekey bool, cptpl uint8, cb func(uapi.CQE)) (uint16, error) {
	sqe := n.ioSQE(uapi.IOOpReservationRegister, uapi.FuseNormal)
	sqe.PRP1 = buf.PhysAddr()
	cdw10 := uint32(rrega) | uint32(cptpl)<<30
	if iekey {
		cdw10 |= 1 << 3
	}
	sqe.CDW10 = cdw10
	return qp.Submit(sqe, []*Buffer{buf}, cb)
}

// ReservationAcquire issues Reservation Acquire.
func (n *Namespace) ReservationAcquire(qp *Qpair, buf *Buffer, racqa uint8, iekey bool, rtype uint8, cb func(uapi.CQE)) (uint16, error) {
	sqe := n.ioSQE(uapi.IOOpReservationAcquire, uapi.FuseNormal)
	sqe.PRP1 = buf.PhysAddr()
	cdw10 := uint32(racqa) | uint32(rtype)<<8
	if iekey {
		cdw10 |= 1 << 3
	}
	sqe.CDW10 = cdw10
	return qp.Submit(sqe, []*Buffer{buf}, cb)
}

// ReservationRelease issues Reservation Release.
func (n *Namespace) ReservationRelease(qp *Qpair, buf *Buffer, rrela uint8, iekey bool, rtype uint8, cb func(uapi.CQE)) (uint16, error) {
	sqe := n.ioSQE(uapi.IOOpReservationRelease, uapi.FuseNormal)
	sqe.PRP1 = buf.PhysAddr()
	cdw10 := uint32(rrela) | uint32(rtype)<<8
	if iekey {
		cdw10 |= 1 << 3
	}
	sqe.CDW10 = cdw10
	return qp.Submit(sqe, []*Buffer{buf}, cb)
}

// ReservationReport issues Reservation Report.
func (n *Namespace) ReservationReport(qp *Qpair, buf *Buffer, eds bool, cb func(uapi.CQE)) (uint16, error) {
	sqe := n.ioSQE(uapi.IOOpReservationReport, uapi.FuseNormal)
	sqe.PRP1 = buf.PhysAddr()
	numd := uint32(buf.Size()/4) - 1
	sqe.CDW10 = numd
	if eds {
		sqe.CDW11 = 1
	}
	return qp.Submit(sqe, []*Buffer{buf}, cb)
}

// Format issues the admin Format NVM command against this namespace
// and, on success, clears the CRC table and adopts lbaFormat as the
// namespace's cached LBA format (lbaSize must be supplied by the
// caller since a real Identify Namespace re-read is outside this
// simulated driver's scope).
func (n *Namespace) Format(lbaFormat uint8, newLBASize int, ses uint8) error {
	if newLBASize <= 0 {
		return NewError("format", ErrCodeInvalidParameters, "format requires a positive lba size")
	}
	if _, err := n.controller.Format(n.nsid, lbaFormat, ses); err != nil {
		return err
	}
	if err := n.crc.Clear(n.nsid); err != nil {
		return WrapError("format", err)
	}
	n.lbaFormat = lbaFormat
	n.lbaSize = newLBASize
	n.crc.EnsureNamespace(n.nsid, newLBASize)
	return nil
}

// IOWorker constructs an I/O worker bound to qp, pre-filling
// opts.NSID/LBASize from this namespace when the caller left them zero.
func (n *Namespace) IOWorker(qp *Qpair, opts IOWorkerOptions) (*IOWorker, error) {
	if opts.NSID == 0 {
		opts.NSID = n.nsid
	}
	if opts.LBASize == 0 {
		opts.LBASize = n.lbaSize
	}
	return NewIOWorker(qp, opts)
}

// StoredToken returns the CRC table's currently stored token for lba,
// for tests asserting on-disk state without issuing a Read.
func (n *Namespace) StoredToken(lba uint64) (uint32, error) {
	tok, err := n.crc.StoredToken(n.nsid, lba)
	if err != nil {
		return 0, WrapError("stored_token", err)
	}
	return tok, nil
}

// SaveCRCTable persists the full CRC table (every namespace sharing it,
// not just this one) to path.
func (n *Namespace) SaveCRCTable(path string) error {
	if err := n.crc.Save(path); err != nil {
		return WrapError("save_crc_table", err)
	}
	return nil
}

// LoadCRCTable restores the CRC table from a snapshot written by
// SaveCRCTable.
func (n *Namespace) LoadCRCTable(path string) error {
	if err := n.crc.Load(path); err != nil {
		return WrapError("load_crc_table", err)
	}
	return nil
}
