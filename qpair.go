package nvmekit

import (
	"time"

	"github.com/nvmekit/nvmekit/internal/queue"
	"github.com/nvmekit/nvmekit/internal/uapi"
)

// Qpair is a live I/O queue pair created by Controller.CreateIOQueue. It
// is a thin public wrapper around internal/queue.Qpair — the engine that
// owns slot allocation, doorbell policy and phase-bit tracking — adding
// only the bookkeeping needed to remove itself from the owning
// Controller and the process-wide registry on Delete.
type Qpair struct {
	inner      *queue.Qpair
	controller *Controller
}

// QueueID returns this pair's queue id.
func (q *Qpair) QueueID() uint16 { return q.inner.QueueID() }

// Depth returns this pair's configured depth.
func (q *Qpair) Depth() int { return q.inner.Depth() }

// Outstanding returns the number of commands submitted but not yet
// reaped.
func (q *Qpair) Outstanding() int { return q.inner.Outstanding() }

// Submit reserves a command-id slot, writes sqe, and (per doorbell
// policy) rings the tail doorbell. buffers are retained until the
// completion is reaped, so a DMA buffer passed here is never released
// out from under an in-flight command.
func (q *Qpair) Submit(sqe uapi.SQE, buffers []*Buffer, callback func(uapi.CQE)) (uint16, error) {
	refs := make([]interface{}, len(buffers))
	for i, b := range buffers {
		refs[i] = b
	}
	cid, err := q.inner.Submit(sqe, refs, callback)
	if err != nil {
		return 0, WrapError("submit", err)
	}
	return cid, nil
}

// Waitdone reaps at least expected completions, running each slot's
// callback on the calling goroutine.
func (q *Qpair) Waitdone(expected int) (uint32, error) {
	cdw0, err := q.inner.Waitdone(expected)
	if err != nil {
		return cdw0, WrapError("waitdone", err)
	}
	return cdw0, nil
}

// Abort posts an Abort admin command targeting cid on this queue.
func (q *Qpair) Abort(cid uint16) error {
	if err := q.inner.Abort(cid); err != nil {
		return WrapError("abort", err)
	}
	return nil
}

// Delete issues Delete I/O SQ/CQ on the controller's admin queue,
// releases the transport's backing resources, and removes this pair
// from the controller and the process-wide registry.
func (q *Qpair) Delete() error {
	if err := q.inner.Delete(); err != nil {
		return WrapError("delete_io_queue", err)
	}
	q.controller.deleteIOQueue(q.inner.QueueID())
	return nil
}

// MSIXMask masks this queue's interrupt vector.
func (q *Qpair) MSIXMask() error { return q.inner.MSIXMask() }

// MSIXUnmask unmasks this queue's interrupt vector.
func (q *Qpair) MSIXUnmask() error { return q.inner.MSIXUnmask() }

// MSIXClear clears this queue's pending interrupt bit.
func (q *Qpair) MSIXClear() error { return q.inner.MSIXClear() }

// MSIXIsSet reports whether this queue's interrupt is pending.
func (q *Qpair) MSIXIsSet() (bool, error) { return q.inner.MSIXIsSet() }

// ResetState cancels every outstanding command on this queue pair,
// invoking each one's callback with an abort-requested status, and
// rewinds head/tail/phase. Used internally by Controller.Reset.
func (q *Qpair) ResetState() { q.inner.ResetState() }

// WaitdoneTimeout reaps at least expected completions but gives up and
// returns a timeout error if none arrive within d — useful for CLI
// tooling and tests driving a queue pair that might be stuck, where
// Waitdone's own per-command timeout sweep is too coarse.
func (q *Qpair) WaitdoneTimeout(expected int, d time.Duration) (uint32, error) {
	done := make(chan struct{})
	var cdw0 uint32
	var err error
	go func() {
		cdw0, err = q.inner.Waitdone(expected)
		close(done)
	}()
	select {
	case <-done:
		return cdw0, err
	case <-time.After(d):
		return 0, NewQueueError("waitdone", q.controller.id, int(q.inner.QueueID()), ErrCodeTimeout, "waitdone exceeded deadline")
	}
}
