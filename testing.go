package nvmekit

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/nvmekit/nvmekit/backend"
	"github.com/nvmekit/nvmekit/internal/constants"
	"github.com/nvmekit/nvmekit/internal/interfaces"
	"github.com/nvmekit/nvmekit/internal/regwin"
	"github.com/nvmekit/nvmekit/internal/uapi"
)

// fakeQueue is one simulated queue pair's SQ/CQ ring state, tracked the
// same way internal/nvmetcp.queueState tracks a TCP queue's rings,
// generalized to execute every slot staged since the previous doorbell
// ring rather than only the latest one, since FakeTransport has to play
// the role of "the device" under the I/O worker's deferred-doorbell
// policy as well as eager submission.
type fakeQueue struct {
	mu      sync.Mutex
	sqSlots [][64]byte
	cqRing  [][16]byte
	depth   int
	sqHead  uint32 // next un-executed slot; advances to newTail on each ring
	cqTail  uint32
	phase   bool
}

// FakeTransport implements interfaces.Transport entirely in memory: on
// RingSQDoorbell it synchronously "executes" the staged command through
// a pluggable CommandProcessor and appends the resulting completion to
// that queue's CQ ring, tracking the same head/phase-wrap convention
// internal/queue.Qpair expects from a real device.
type FakeTransport struct {
	mu        sync.Mutex
	queues    map[uint16]*fakeQueue
	Processor func(queueID uint16, sqe uapi.SQE) uapi.CQE
}

var _ interfaces.Transport = (*FakeTransport)(nil)

// NewFakeTransport builds a FakeTransport. processor computes each
// command's completion; a nil processor always returns success.
func NewFakeTransport(processor func(queueID uint16, sqe uapi.SQE) uapi.CQE) *FakeTransport {
	if processor == nil {
		processor = func(uint16, uapi.SQE) uapi.CQE { return uapi.CQE{} }
	}
	return &FakeTransport{queues: make(map[uint16]*fakeQueue), Processor: processor}
}

func (t *FakeTransport) CreateQueue(queueID uint16, depth int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues[queueID] = &fakeQueue{
		sqSlots: make([][64]byte, depth),
		cqRing:  make([][16]byte, depth),
		depth:   depth,
		phase:   true,
	}
	return nil
}

func (t *FakeTransport) DeleteQueue(queueID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.queues, queueID)
	return nil
}

func (t *FakeTransport) lookup(queueID uint16) (*fakeQueue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queueID]
	if !ok {
		return nil, NewError("fake_transport", ErrCodeInvalidParameters, "unknown queue id")
	}
	return q, nil
}

func (t *FakeTransport) WriteSQE(queueID uint16, slot uint32, sqe [64]byte) error {
	q, err := t.lookup(queueID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sqSlots[slot] = sqe
	return nil
}

// RingSQDoorbell "executes" every slot staged since the last doorbell
// ring — one ring can cover several deferred submits, exactly the
// DoorbellDeferred policy an I/O worker's hot path uses — immediately
// and in the same goroutine, appending each completion to the CQ ring
// in submission order. Real hardware (and internal/nvmetcp) completes
// asynchronously; a fake in-process device has no reason to introduce
// that latency for tests.
func (t *FakeTransport) RingSQDoorbell(queueID uint16, newTail uint32) error {
	q, err := t.lookup(queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	depth := uint32(q.depth)
	head := q.sqHead
	q.sqHead = newTail
	q.mu.Unlock()

	for slot := head; slot != newTail; slot = (slot + 1) % depth {
		q.mu.Lock()
		raw := q.sqSlots[slot]
		q.mu.Unlock()

		var sqe uapi.SQE
		if err := uapi.UnmarshalSQE(raw[:], &sqe); err != nil {
			return err
		}
		cqe := t.Processor(queueID, sqe)
		cqe.CID = sqe.CID()
		cqe.SQID = queueID

		q.mu.Lock()
		status := cqe.Status &^ 1
		if q.phase {
			status |= 1
		}
		cqe.Status = status
		copy(q.cqRing[q.cqTail][:], uapi.MarshalCQE(&cqe))
		q.cqTail++
		if q.cqTail == depth {
			q.cqTail = 0
			q.phase = !q.phase
		}
		q.mu.Unlock()
	}
	return nil
}

func (t *FakeTransport) PollCQE(queueID uint16, head uint32, expectedPhase bool) ([16]byte, bool) {
	q, err := t.lookup(queueID)
	if err != nil {
		return [16]byte{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	raw := q.cqRing[head%uint32(q.depth)]
	phase := raw[14]&0x01 != 0
	if phase != expectedPhase {
		return [16]byte{}, false
	}
	return raw, true
}

func (t *FakeTransport) RingCQDoorbell(queueID uint16, newHead uint32) error {
	_, err := t.lookup(queueID)
	return err
}

// bytesAtPhysAddr reconstructs a byte slice from a Buffer's PhysAddr().
// Valid only because this driver's DMA buffers are anonymous mmap
// regions in this same process (internal/dma.AllocRegion) with no real
// IOMMU remapping — PhysAddr() is the real virtual address unless the
// caller requested a fake one, which FakeController's processors never
// do. A real PCIe or NVMe-over-TCP device has no equivalent shortcut.
func bytesAtPhysAddr(addr uint64, length int) []byte {
	if addr == 0 || length <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}

// FakeController is a fully in-process Controller suitable for package
// tests: a FakeTransport standing in for the device, an OpenFake
// register window for CC/CSTS emulation, and a single namespace backed
// by an interfaces.MediaBackend for Read/Write/Flush/Dataset-Management
// to move real bytes, mirroring a backend.Memory role as
// the thing queue.Runner is exercised against without real hardware.
type FakeController struct {
	*Controller
	Namespace *Namespace
	transport *FakeTransport
	backend   interfaces.MediaBackend
	lbaSize   int

	aerMu    sync.Mutex
	aerCount int // posted-but-not-yet-reset AsyncEventRequest count, for the AERL limit
}

// ResetAERCount clears the simulated outstanding-AER counter, letting a
// test post a fresh batch of AERL+1 requests after draining a prior
// batch with Waitdone.
func (fc *FakeController) ResetAERCount() {
	fc.aerMu.Lock()
	fc.aerCount = 0
	fc.aerMu.Unlock()
}

// NewFakeController builds a FakeController with one namespace (nsid 1)
// of nsSize bytes backed by backend, at lbaSize bytes per LBA.
func NewFakeController(backend interfaces.MediaBackend, lbaSize int, ctx *Context) (*FakeController, error) {
	if lbaSize <= 0 {
		lbaSize = 512
	}
	fc := &FakeController{backend: backend, lbaSize: lbaSize}

	ft := NewFakeTransport(nil)
	ft.Processor = fc.process

	win := regwin.OpenFake(16*1024, nil)

	c, err := NewController(ControllerConfig{
		Transport:  ft,
		Window:     win,
		DevicePath: "fake:0",
		Context:    ctx,
	})
	if err != nil {
		return nil, err
	}
	fc.Controller = c
	fc.transport = ft
	// defaultInit already primed the admin queue with AERL outstanding
	// AsyncEventRequests; reset the counter so a test's own AER-limit
	// scenario starts from zero rather than inheriting bring-up's quota.
	fc.ResetAERCount()
	fc.Namespace = NewNamespace(c, NamespaceConfig{NSID: 1, LBASize: lbaSize})
	return fc, nil
}

// process implements FakeTransport's CommandProcessor: Read/Write/Flush
// /Dataset-Management/Write-Zeroes/Write-Uncorrectable/Compare move real
// bytes against fc.backend; every other opcode (including the admin
// init sequence's Identify/Get/Set Features/AER) completes successfully
// with a zeroed data phase, enough for Controller.Enable/Reset to
// proceed without a real device behind them.
func (fc *FakeController) process(queueID uint16, sqe uapi.SQE) uapi.CQE {
	switch sqe.Opcode() {
	case uapi.IOOpWrite, uapi.IOOpRead, uapi.IOOpCompare:
		slba := uint64(sqe.CDW10) | uint64(sqe.CDW11)<<32
		nlb := (sqe.CDW12 & 0xFFFF) + 1
		length := int(nlb) * fc.lbaSize
		off := int64(slba) * int64(fc.lbaSize)
		data := bytesAtPhysAddr(sqe.PRP1, length)
		if data == nil {
			return statusCQE(uapi.StatusInvalidField)
		}
		var err error
		switch sqe.Opcode() {
		case uapi.IOOpWrite:
			_, err = fc.backend.WriteAt(data, off)
		case uapi.IOOpRead, uapi.IOOpCompare:
			_, err = fc.backend.ReadAt(data, off)
		}
		if errors.Is(err, backend.ErrUncorrectable) {
			return statusCQE(uapi.StatusUncorrectable)
		}
		if err != nil {
			return statusCQE(statusInternalError)
		}
		return uapi.CQE{}

	case uapi.IOOpFlush:
		if err := fc.backend.Flush(); err != nil {
			return statusCQE(statusInternalError)
		}
		return uapi.CQE{}

	case uapi.IOOpWriteZeroes:
		if d, ok := fc.backend.(interfaces.DiscardBackend); ok {
			slba := uint64(sqe.CDW10) | uint64(sqe.CDW11)<<32
			nlb := (sqe.CDW12 & 0xFFFF) + 1
			_ = d.Discard(int64(slba)*int64(fc.lbaSize), int64(nlb)*int64(fc.lbaSize))
		}
		return uapi.CQE{}

	case uapi.IOOpDatasetManagement:
		if d, ok := fc.backend.(interfaces.DiscardBackend); ok {
			nr := int(sqe.CDW10) + 1
			ranges := bytesAtPhysAddr(sqe.PRP1, nr*16)
			if ranges == nil {
				return statusCQE(uapi.StatusInvalidField)
			}
			for i := 0; i < nr; i++ {
				var r uapi.DSMRange
				if err := uapi.UnmarshalDSMRange(ranges[i*16:], &r); err != nil {
					return statusCQE(uapi.StatusInvalidField)
				}
				_ = d.Discard(int64(r.SLBA)*int64(fc.lbaSize), int64(r.NLB)*int64(fc.lbaSize))
			}
		}
		return uapi.CQE{}

	case uapi.IOOpWriteUncorrectable:
		if u, ok := fc.backend.(interfaces.WriteUncorrectableBackend); ok {
			slba := uint64(sqe.CDW10) | uint64(sqe.CDW11)<<32
			nlb := sqe.CDW12 + 1
			_ = u.WriteUncorrectable(int64(slba)*int64(fc.lbaSize), int64(nlb)*int64(fc.lbaSize))
		}
		return uapi.CQE{}

	case uapi.AdminOpAsyncEventRequest:
		fc.aerMu.Lock()
		fc.aerCount++
		limit := constants.DefaultAERL
		if fc.Controller != nil {
			limit = fc.Controller.aerl
		}
		exceeded := fc.aerCount > limit
		fc.aerMu.Unlock()
		if exceeded {
			return statusCQE(uapi.StatusAERLimitExceeded)
		}
		return uapi.CQE{}

	default:
		return uapi.CQE{}
	}
}

// statusInternalError is SCT=Generic, SC=0x06 ("internal device error"),
// used when a backend I/O call fails beneath a command that otherwise
// decoded fine.
const statusInternalError = 0x006

// statusCQE builds a completion carrying composed status field value
// status (as returned by CQE.StatusField: (SCT<<8)|SC); the phase bit
// is filled in by RingSQDoorbell.
func statusCQE(status uint16) uapi.CQE {
	return uapi.CQE{Status: status << 1}
}
