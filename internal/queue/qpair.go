// Package queue implements the Queue Pair engine: submit slot allocation,
// doorbell ringing, completion reaping with phase-bit tracking, and a
// per-queue timeout sweep, against a pluggable Transport (PCIe MMIO or
// NVMe-over-TCP).
package queue

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/nvmekit/nvmekit/internal/constants"
	"github.com/nvmekit/nvmekit/internal/interfaces"
	"github.com/nvmekit/nvmekit/internal/uapi"
)

// ErrQueueFull is returned by Submit when every command-id slot is in use.
var ErrQueueFull = errors.New("queue pair full")

// ErrReentrantWaitdone is returned when Waitdone is called again from
// inside a completion callback running on the same Qpair.
var ErrReentrantWaitdone = errors.New("re-entrant waitdone")

// SlotState is the per-command-id lifecycle state ("per-slot
// command record").
type SlotState int

const (
	SlotFree SlotState = iota
	SlotSubmitted
)

// DoorbellPolicy controls when Submit rings the SQ tail doorbell.
type DoorbellPolicy int

const (
	// DoorbellEager rings the tail doorbell on every Submit.
	DoorbellEager DoorbellPolicy = iota
	// DoorbellDeferred batches doorbell rings until the next Waitdone call;
	// this is the policy an I/O worker uses on its hot path.
	DoorbellDeferred
)

type slot struct {
	state       SlotState
	opcode      uint8
	callback    func(uapi.CQE)
	submittedAt time.Time
	buffers     []interface{}
}

// Config configures a Qpair.
type Config struct {
	QueueID          uint16
	Depth            int
	InterruptEnabled bool
	InterruptVector  uint16
	DoorbellPolicy   DoorbellPolicy
	Transport        interfaces.Transport
	Logger           interfaces.Logger
	Observer         interfaces.Observer
	MSIX             interfaces.MSIXController

	// TimeoutFor returns the configured timeout for a given opcode; nil
	// means constants.DefaultOpTimeout applies to every opcode.
	TimeoutFor func(opcode uint8) time.Duration

	// AdminSubmit, when set, submits sqe on the controller's admin Qpair and
	// blocks until its completion is reaped, returning the CQE. It backs
	// Abort and Delete. Left nil on the admin Qpair itself.
	AdminSubmit func(sqe uapi.SQE) (uapi.CQE, error)
}

// Qpair is one SQ+CQ pair: admin or I/O.
type Qpair struct {
	mu sync.Mutex

	queueID          uint16
	depth            int
	transport        interfaces.Transport
	logger           interfaces.Logger
	observer         interfaces.Observer
	msix             interfaces.MSIXController
	timeoutFor       func(opcode uint8) time.Duration
	adminSubmit      func(sqe uapi.SQE) (uapi.CQE, error)
	policy           DoorbellPolicy
	interruptEnabled bool
	interruptVector  uint16

	slots       []slot
	freeCIDs    []uint16
	outstanding int

	sqTail uint32
	cqHead uint32
	phase  bool // expected phase bit; flips every CQ wrap

	pendingTail bool
	inWaitdone  bool
	deleted     bool
}

// NewQpair constructs a Qpair and asks the transport to allocate backing
// queue resources. Depth is bounded by constants.MaxQueueDepth (the
// device's CAP.MQES bound is enforced by the caller, which knows CAP).
func NewQpair(cfg Config) (*Qpair, error) {
	if cfg.Depth < 2 || cfg.Depth > constants.MaxQueueDepth {
		return nil, fmt.Errorf("queue %d: depth %d out of range [2, %d]", cfg.QueueID, cfg.Depth, constants.MaxQueueDepth)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("queue %d: no transport configured", cfg.QueueID)
	}
	if err := cfg.Transport.CreateQueue(cfg.QueueID, cfg.Depth); err != nil {
		return nil, fmt.Errorf("create queue %d: %w", cfg.QueueID, err)
	}

	// One ring slot stays perpetually unused: the reserved-slot convention
	// that keeps a full-depth submission from wrapping the tail onto a
	// slot whose CQE hasn't been reaped yet, capping outstanding commands
	// at depth-1 for every Qpair.
	usable := cfg.Depth - 1
	freeCIDs := make([]uint16, usable)
	for i := range freeCIDs {
		freeCIDs[i] = uint16(i)
	}

	return &Qpair{
		queueID:          cfg.QueueID,
		depth:            cfg.Depth,
		transport:        cfg.Transport,
		logger:           cfg.Logger,
		observer:         cfg.Observer,
		msix:             cfg.MSIX,
		timeoutFor:       cfg.TimeoutFor,
		adminSubmit:      cfg.AdminSubmit,
		policy:           cfg.DoorbellPolicy,
		interruptEnabled: cfg.InterruptEnabled,
		interruptVector:  cfg.InterruptVector,
		slots:            make([]slot, usable),
		freeCIDs:         freeCIDs,
		phase:            true,
	}, nil
}

// QueueID returns this pair's queue id.
func (q *Qpair) QueueID() uint16 { return q.queueID }

// Depth returns this pair's configured depth.
func (q *Qpair) Depth() int { return q.depth }

// Outstanding returns the number of commands submitted but not yet reaped.
func (q *Qpair) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// Submit reserves a command-id slot, writes sqe into the SQ tail slot, and
// (per doorbell policy) rings the tail doorbell. sqe's opcode/fuse/PSDT
// bits must already be set; Submit overwrites only the CID field. buffers
// are retained references released only once the completion is reaped, so
// a DMA buffer cannot be freed while the device may still touch it.
func (q *Qpair) Submit(sqe uapi.SQE, buffers []interface{}, callback func(uapi.CQE)) (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted {
		return 0, fmt.Errorf("queue %d: submit after delete", q.queueID)
	}
	if len(q.freeCIDs) == 0 {
		return 0, ErrQueueFull
	}

	cid := q.freeCIDs[len(q.freeCIDs)-1]
	q.freeCIDs = q.freeCIDs[:len(q.freeCIDs)-1]

	sqe.SetCDW0(sqe.Opcode(), sqe.Fuse(), sqe.PSDT(), cid)

	var raw [64]byte
	copy(raw[:], uapi.MarshalSQE(&sqe))

	slotIdx := q.sqTail
	if err := q.transport.WriteSQE(q.queueID, slotIdx, raw); err != nil {
		q.freeCIDs = append(q.freeCIDs, cid)
		return 0, fmt.Errorf("queue %d: write sqe: %w", q.queueID, err)
	}

	q.slots[cid] = slot{state: SlotSubmitted, opcode: sqe.Opcode(), callback: callback, submittedAt: time.Now(), buffers: buffers}
	q.outstanding++
	q.sqTail = (q.sqTail + 1) % uint32(q.depth)

	if q.policy == DoorbellEager {
		if err := q.transport.RingSQDoorbell(q.queueID, q.sqTail); err != nil {
			return cid, fmt.Errorf("queue %d: ring sq doorbell: %w", q.queueID, err)
		}
	} else {
		q.pendingTail = true
	}

	if q.observer != nil {
		q.observer.ObserveQueueDepth(uint32(q.outstanding))
	}

	return cid, nil
}

// Waitdone reaps at least expected completions, invoking each slot's
// callback on the caller's goroutine. Re-entering Waitdone from within a
// callback returns ErrReentrantWaitdone.
func (q *Qpair) Waitdone(expected int) (uint32, error) {
	q.mu.Lock()
	if q.inWaitdone {
		q.mu.Unlock()
		return 0, ErrReentrantWaitdone
	}
	q.inWaitdone = true
	if q.pendingTail {
		if err := q.transport.RingSQDoorbell(q.queueID, q.sqTail); err != nil {
			q.inWaitdone = false
			q.mu.Unlock()
			return 0, fmt.Errorf("queue %d: flush deferred doorbell: %w", q.queueID, err)
		}
		q.pendingTail = false
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.inWaitdone = false
		q.mu.Unlock()
	}()

	var lastCDW0 uint32
	reaped := 0
	spins := 0

	for reaped < expected {
		if timedOut := q.sweepTimeouts(); len(timedOut) > 0 {
			for _, exp := range timedOut {
				if exp.callback != nil {
					exp.callback(uapi.CQE{DW0: uapi.TimeoutCDW0, Status: uapi.StatusTimeout})
				}
				if q.logger != nil {
					q.logger.Printf("queue %d: command timed out (opcode %#x)", q.queueID, exp.opcode)
				}
				lastCDW0 = uapi.TimeoutCDW0
				reaped++
			}
			if reaped >= expected {
				break
			}
		}

		q.mu.Lock()
		head := q.cqHead
		wantPhase := q.phase
		q.mu.Unlock()

		raw, ok := q.transport.PollCQE(q.queueID, head, wantPhase)
		if !ok {
			spins++
			if spins > 1000 {
				runtime.Gosched()
				spins = 0
			}
			continue
		}

		var cqe uapi.CQE
		if err := uapi.UnmarshalCQE(raw[:], &cqe); err != nil {
			return lastCDW0, err
		}

		q.mu.Lock()
		sl := q.slots[cqe.CID]
		if sl.state != SlotSubmitted {
			// Stale or duplicate phase read; head stays where it is and the
			// loop polls again, bounded by the timeout sweep above.
			q.mu.Unlock()
			continue
		}
		q.slots[cqe.CID] = slot{}
		q.freeCIDs = append(q.freeCIDs, cqe.CID)
		q.outstanding--
		q.cqHead = (q.cqHead + 1) % uint32(q.depth)
		if q.cqHead == 0 {
			q.phase = !q.phase
		}
		newHead := q.cqHead
		q.mu.Unlock()

		if err := q.transport.RingCQDoorbell(q.queueID, newHead); err != nil {
			return lastCDW0, fmt.Errorf("queue %d: ring cq doorbell: %w", q.queueID, err)
		}

		if sl.callback != nil {
			sl.callback(cqe)
		}
		lastCDW0 = cqe.DW0
		reaped++
	}

	return lastCDW0, nil
}

// sweepTimeouts frees every slot whose opcode timeout has elapsed and
// returns the expired slots so their callbacks can be invoked outside the
// lock.
func (q *Qpair) sweepTimeouts() []slot {
	now := time.Now()
	var expired []slot
	var expiredCIDs []uint16

	q.mu.Lock()
	for cid := range q.slots {
		sl := q.slots[cid]
		if sl.state != SlotSubmitted {
			continue
		}
		timeout := constants.DefaultOpTimeout
		if q.timeoutFor != nil {
			timeout = q.timeoutFor(sl.opcode)
		}
		if now.Sub(sl.submittedAt) >= timeout {
			expired = append(expired, sl)
			expiredCIDs = append(expiredCIDs, uint16(cid))
		}
	}
	for _, cid := range expiredCIDs {
		q.slots[cid] = slot{}
		q.freeCIDs = append(q.freeCIDs, cid)
		q.outstanding--
	}
	q.mu.Unlock()

	return expired
}

// Abort posts an Abort admin command targeting this SQ and cid. It does
// not itself free the slot; only the eventual completion (normal or
// timed-out) does.
func (q *Qpair) Abort(cid uint16) error {
	if q.adminSubmit == nil {
		return fmt.Errorf("queue %d: abort requires an admin submit path", q.queueID)
	}
	var sqe uapi.SQE
	sqe.SetCDW0(uapi.AdminOpAbort, uapi.FuseNormal, uapi.PSDTPRP, 0)
	sqe.CDW10 = uint32(q.queueID) | (uint32(cid) << 16)
	_, err := q.adminSubmit(sqe)
	return err
}

// Delete issues Delete I/O SQ then Delete I/O CQ on the controller's admin
// queue, then releases the transport's backing resources.
func (q *Qpair) Delete() error {
	if q.adminSubmit == nil {
		return fmt.Errorf("queue %d: delete requires an admin submit path", q.queueID)
	}

	var delSQ uapi.SQE
	delSQ.SetCDW0(uapi.AdminOpDeleteSQ, uapi.FuseNormal, uapi.PSDTPRP, 0)
	delSQ.CDW10 = uint32(q.queueID)
	if _, err := q.adminSubmit(delSQ); err != nil {
		return fmt.Errorf("queue %d: delete sq: %w", q.queueID, err)
	}

	var delCQ uapi.SQE
	delCQ.SetCDW0(uapi.AdminOpDeleteCQ, uapi.FuseNormal, uapi.PSDTPRP, 0)
	delCQ.CDW10 = uint32(q.queueID)
	if _, err := q.adminSubmit(delCQ); err != nil {
		return fmt.Errorf("queue %d: delete cq: %w", q.queueID, err)
	}

	if err := q.transport.DeleteQueue(q.queueID); err != nil {
		return fmt.Errorf("queue %d: delete transport resources: %w", q.queueID, err)
	}

	q.mu.Lock()
	q.deleted = true
	q.mu.Unlock()
	return nil
}

// MSIXMask masks this queue's interrupt vector.
func (q *Qpair) MSIXMask() error {
	if q.msix == nil {
		return nil
	}
	return q.msix.Mask(q.interruptVector)
}

// MSIXUnmask unmasks this queue's interrupt vector.
func (q *Qpair) MSIXUnmask() error {
	if q.msix == nil {
		return nil
	}
	return q.msix.Unmask(q.interruptVector)
}

// MSIXClear clears this queue's pending interrupt bit.
func (q *Qpair) MSIXClear() error {
	if q.msix == nil {
		return nil
	}
	return q.msix.Clear(q.interruptVector)
}

// MSIXIsSet reports whether this queue's interrupt is pending.
func (q *Qpair) MSIXIsSet() (bool, error) {
	if q.msix == nil {
		return false, nil
	}
	return q.msix.IsSet(q.interruptVector)
}

// ResetState clears all outstanding slots and rewinds head/tail/phase to
// their initial values, invoking every pending callback with a reset
// status. Used by Controller.reset to cancel outstanding commands.
func (q *Qpair) ResetState() {
	q.mu.Lock()
	pending := make([]slot, 0, len(q.slots))
	for cid := range q.slots {
		if q.slots[cid].state == SlotSubmitted {
			pending = append(pending, q.slots[cid])
		}
		q.slots[cid] = slot{}
	}
	q.freeCIDs = q.freeCIDs[:0]
	for i := 0; i < len(q.slots); i++ {
		q.freeCIDs = append(q.freeCIDs, uint16(i))
	}
	q.outstanding = 0
	q.sqTail = 0
	q.cqHead = 0
	q.phase = true
	q.pendingTail = false
	q.mu.Unlock()

	for _, sl := range pending {
		if sl.callback != nil {
			sl.callback(uapi.CQE{Status: uint16(uapi.StatusAbortRequested) << 1})
		}
	}
}
