package regwin

import (
	"fmt"
	"sync"

	"github.com/nvmekit/nvmekit/internal/dma"
	"github.com/nvmekit/nvmekit/internal/interfaces"
	"github.com/nvmekit/nvmekit/internal/uapi"
)

var _ interfaces.Transport = (*PCIeTransport)(nil)
var _ interfaces.MSIXController = (*Window)(nil)

// queueMem holds a queue pair's host-resident SQ/CQ ring buffers: real
// hardware DMAs directly into/out of this memory, addressed by the
// physical addresses programmed into ASQ/ACQ (admin) or a Create I/O
// SQ/CQ command (I/O queues).
type queueMem struct {
	sq    *dma.Region
	cq    *dma.Region
	depth int
}

// PCIeTransport implements interfaces.Transport against a real (or
// OpenFake'd) register Window: it owns each queue's SQ/CQ ring memory and
// rings the Window's doorbells, the direct PCIe analog of a
// mmap'd-ring-plus-kernel-ioctl control path.
type PCIeTransport struct {
	win *Window

	mu     sync.Mutex
	queues map[uint16]*queueMem
}

// NewPCIeTransport wraps win. Callers typically construct one PCIeTransport
// per controller and share it across the admin queue pair and every I/O
// queue pair.
func NewPCIeTransport(win *Window) *PCIeTransport {
	return &PCIeTransport{win: win, queues: make(map[uint16]*queueMem)}
}

// CreateQueue allocates host-resident SQ (64B * depth) and CQ (16B *
// depth) ring memory for queueID. The physical addresses are exposed via
// SQPhysAddr/CQPhysAddr for the caller (Controller.enable or
// Controller.create_io_queue) to program into ASQ/ACQ or a Create I/O
// SQ/CQ command.
func (t *PCIeTransport) CreateQueue(queueID uint16, depth int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.queues[queueID]; exists {
		return fmt.Errorf("regwin: queue %d already created", queueID)
	}

	sq, err := dma.AllocRegion(depth*uapi.SQESize, fmt.Sprintf("sq-%d", queueID), 0)
	if err != nil {
		return fmt.Errorf("regwin: alloc SQ for queue %d: %w", queueID, err)
	}
	cq, err := dma.AllocRegion(depth*uapi.CQESize, fmt.Sprintf("cq-%d", queueID), 0)
	if err != nil {
		_ = sq.Release()
		return fmt.Errorf("regwin: alloc CQ for queue %d: %w", queueID, err)
	}

	t.queues[queueID] = &queueMem{sq: sq, cq: cq, depth: depth}
	return nil
}

// DeleteQueue releases queueID's ring memory.
func (t *PCIeTransport) DeleteQueue(queueID uint16) error {
	t.mu.Lock()
	qm, ok := t.queues[queueID]
	delete(t.queues, queueID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	err1 := qm.sq.Release()
	err2 := qm.cq.Release()
	if err1 != nil {
		return err1
	}
	return err2
}

// SQPhysAddr returns queueID's submission queue base physical address.
func (t *PCIeTransport) SQPhysAddr(queueID uint16) (uint64, error) {
	qm, err := t.lookup(queueID)
	if err != nil {
		return 0, err
	}
	return qm.sq.PhysAddr(0), nil
}

// CQPhysAddr returns queueID's completion queue base physical address.
func (t *PCIeTransport) CQPhysAddr(queueID uint16) (uint64, error) {
	qm, err := t.lookup(queueID)
	if err != nil {
		return 0, err
	}
	return qm.cq.PhysAddr(0), nil
}

func (t *PCIeTransport) lookup(queueID uint16) (*queueMem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	qm, ok := t.queues[queueID]
	if !ok {
		return nil, fmt.Errorf("regwin: queue %d not created", queueID)
	}
	return qm, nil
}

// WriteSQE copies sqe into queueID's SQ ring at slot.
func (t *PCIeTransport) WriteSQE(queueID uint16, slot uint32, sqe [64]byte) error {
	qm, err := t.lookup(queueID)
	if err != nil {
		return err
	}
	off := int(slot) * uapi.SQESize
	copy(qm.sq.Bytes()[off:off+uapi.SQESize], sqe[:])
	return nil
}

// RingSQDoorbell rings queueID's submission tail doorbell.
func (t *PCIeTransport) RingSQDoorbell(queueID uint16, newTail uint32) error {
	return t.win.RingSQTail(queueID, newTail)
}

// PollCQE reads (without consuming) the completion entry at head,
// reporting ok=false if its phase bit doesn't match expectedPhase.
func (t *PCIeTransport) PollCQE(queueID uint16, head uint32, expectedPhase bool) ([16]byte, bool) {
	qm, err := t.lookup(queueID)
	if err != nil {
		return [16]byte{}, false
	}
	off := int(head) * uapi.CQESize
	raw := qm.cq.Bytes()[off : off+uapi.CQESize]

	var cqe uapi.CQE
	if err := uapi.UnmarshalCQE(raw, &cqe); err != nil {
		return [16]byte{}, false
	}
	if cqe.Phase() != expectedPhase {
		return [16]byte{}, false
	}
	var out [16]byte
	copy(out[:], raw)
	return out, true
}

// RingCQDoorbell rings queueID's completion head doorbell.
func (t *PCIeTransport) RingCQDoorbell(queueID uint16, newHead uint32) error {
	return t.win.RingCQHead(queueID, newHead)
}
