// Package crctable implements the per-namespace LBA-keyed integrity
// table: a concurrent map from LBA to a 32-bit token computed from that
// LBA's last-written contents, range-locked so overlapping writers and
// readers serialise instead of tearing each other's view of a sector.
// The teacher has no analog (ublk backends are plain block stores with
// no integrity layer); this generalizes two of its idioms instead: the
// per-tag sync.Mutex slice in queue.Runner becomes the range-lock set in
// rangelock.go, and the manual little-endian struct packing in
// internal/uapi/marshal.go becomes the snapshot record layout in
// snapshot.go.
package crctable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"

	"github.com/nvmekit/nvmekit/internal/dma"
)

// TokenUncorrectable is the reserved token value marking an LBA
// write-uncorrectable: any subsequent read must fail.
const TokenUncorrectable = 0xFFFFFFFF

// TokenUnmapped is the value an LBA holds before it is ever written
// ("deallocated / never written"); a read against it is accepted
// unconditionally and reclassified as a missed mapping rather than a
// verification failure.
const TokenUnmapped = 0

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// mix combines an LBA number with its sector contents into the stored
// token, per the write invariant `crc32(P, L)`.
func mix(lba uint64, sector []byte) uint32 {
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], lba)
	h := crc32.New(castagnoli)
	h.Write(prefix[:])
	h.Write(sector)
	return h.Sum32()
}

// nsTable is one namespace's token map plus its range lock set and LBA
// geometry.
type nsTable struct {
	locks   *rangeLockSet
	mu      sync.Mutex
	tokens  map[uint64]uint32
	lbaSize int
	seq     uint32
}

func newNSTable(lbaSize int) *nsTable {
	return &nsTable{
		locks:   newRangeLockSet(),
		tokens:  make(map[uint64]uint32),
		lbaSize: lbaSize,
	}
}

// Table is the top-level CRC table: a map {nsid -> per-namespace token
// map + range lock}.
type Table struct {
	mu         sync.Mutex
	namespaces map[uint32]*nsTable
}

// New creates an empty CRC table.
func New() *Table {
	return &Table{namespaces: make(map[uint32]*nsTable)}
}

// EnsureNamespace registers (or re-registers, e.g. after format()) a
// namespace with the given LBA size.
func (t *Table) EnsureNamespace(nsid uint32, lbaSize int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.namespaces[nsid] = newNSTable(lbaSize)
}

func (t *Table) ns(nsid uint32) (*nsTable, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.namespaces[nsid]
	if !ok {
		return nil, fmt.Errorf("crctable: namespace %d not registered", nsid)
	}
	return n, nil
}

// Write acquires an exclusive range lock over [lba, lba+nlb), stamps
// each sector's first 4 bytes with its LBA number and bytes 504-507
// with a new per-table sequence token, computes and stores each
// sector's token, then releases the lock.
func (t *Table) Write(nsid uint32, lba uint64, nlb uint32, buf *dma.Buffer) error {
	n, err := t.ns(nsid)
	if err != nil {
		return err
	}
	unlock := n.locks.Lock(lba, lba+uint64(nlb), true)
	defer unlock()

	seq := atomic.AddUint32(&n.seq, 1)
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := uint32(0); i < nlb; i++ {
		off := int(i) * n.lbaSize
		sector, err := buf.Slice(off, off+n.lbaSize)
		if err != nil {
			return fmt.Errorf("crctable: write: sector %d: %w", i, err)
		}
		binary.LittleEndian.PutUint32(sector[0:4], uint32(lba+uint64(i)))
		if n.lbaSize >= 508 {
			binary.LittleEndian.PutUint32(sector[504:508], seq)
		}
		n.tokens[lba+uint64(i)] = mix(lba+uint64(i), sector)
	}
	return nil
}

// Mismatch records one LBA whose read-back contents failed verification.
type Mismatch struct {
	LBA           uint64
	StoredToken   uint32
	ComputedToken uint32
	Uncorrectable bool
}

// VerifyRead acquires a shared range lock over [lba, lba+nlb) and checks
// buf (already filled by a completed device read) against the stored
// tokens. An LBA holding TokenUnmapped accepts any content. An LBA
// holding TokenUncorrectable is itself a verification failure (the read
// should never have succeeded). verify=false skips the token comparison
// entirely (still takes the shared lock, for ordering with concurrent
// writers).
func (t *Table) VerifyRead(nsid uint32, lba uint64, nlb uint32, buf *dma.Buffer, verify bool) ([]Mismatch, error) {
	n, err := t.ns(nsid)
	if err != nil {
		return nil, err
	}
	unlock := n.locks.Lock(lba, lba+uint64(nlb), false)
	defer unlock()

	if !verify {
		return nil, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var mismatches []Mismatch
	for i := uint32(0); i < nlb; i++ {
		stored := n.tokens[lba+uint64(i)]
		if stored == TokenUncorrectable {
			mismatches = append(mismatches, Mismatch{LBA: lba + uint64(i), StoredToken: stored, Uncorrectable: true})
			continue
		}
		if stored == TokenUnmapped {
			continue
		}
		off := int(i) * n.lbaSize
		sector, err := buf.Slice(off, off+n.lbaSize)
		if err != nil {
			return mismatches, fmt.Errorf("crctable: verify: sector %d: %w", i, err)
		}
		computed := mix(lba+uint64(i), sector)
		if computed != stored {
			mismatches = append(mismatches, Mismatch{LBA: lba + uint64(i), StoredToken: stored, ComputedToken: computed})
		}
	}
	return mismatches, nil
}

// Trim (and write-zeroes) clears stored tokens in [lba, lba+nlb) to
// TokenUnmapped under an exclusive lock.
func (t *Table) Trim(nsid uint32, lba uint64, nlb uint32) error {
	return t.setRange(nsid, lba, nlb, TokenUnmapped)
}

// WriteUncorrectable marks [lba, lba+nlb) so that any subsequent read
// is a verification failure.
func (t *Table) WriteUncorrectable(nsid uint32, lba uint64, nlb uint32) error {
	return t.setRange(nsid, lba, nlb, TokenUncorrectable)
}

// MarkNoMapping sets [lba, lba+nlb) directly, bypassing the normal write
// path's token computation, for callers (e.g. direct send_cmd writes)
// that write data without going through Write.
func (t *Table) MarkNoMapping(nsid uint32, lba uint64, nlb uint32, uncorrectable bool) error {
	if uncorrectable {
		return t.WriteUncorrectable(nsid, lba, nlb)
	}
	return t.Trim(nsid, lba, nlb)
}

func (t *Table) setRange(nsid uint32, lba uint64, nlb uint32, token uint32) error {
	n, err := t.ns(nsid)
	if err != nil {
		return err
	}
	unlock := n.locks.Lock(lba, lba+uint64(nlb), true)
	defer unlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	for i := uint32(0); i < nlb; i++ {
		n.tokens[lba+uint64(i)] = token
	}
	return nil
}

// Compare takes a shared lock over [lba, lba+nlb) for ordering with
// concurrent writers, per spec: the NVMe Compare command itself enforces
// byte equality on the device side, so the table makes no update and no
// local comparison.
func (t *Table) Compare(nsid uint32, lba uint64, nlb uint32) (func(), error) {
	n, err := t.ns(nsid)
	if err != nil {
		return nil, err
	}
	return n.locks.Lock(lba, lba+uint64(nlb), false), nil
}

// Clear drops every stored token for a namespace, used by Namespace's
// format() on success.
func (t *Table) Clear(nsid uint32) error {
	n, err := t.ns(nsid)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens = make(map[uint64]uint32)
	return nil
}

// StoredToken returns the token currently stored at lba (TokenUnmapped
// if never written), for test assertions.
func (t *Table) StoredToken(nsid uint32, lba uint64) (uint32, error) {
	n, err := t.ns(nsid)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[lba], nil
}
