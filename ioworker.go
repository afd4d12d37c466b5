package nvmekit

import (
	"math/rand"
	"time"

	"github.com/nvmekit/nvmekit/internal/ioworker"
)

// IoShape is the sum type io_size accepts: a fixed LBA count, a weighted
// discrete choice, or an inclusive range.
type IoShape = ioworker.IoShape

// Fixed returns an IoShape that always yields n.
func Fixed(n int) IoShape { return ioworker.Fixed(n) }

// ChoiceSize returns an IoShape that picks among sizes per their
// weights.
func ChoiceSize(sizes []WeightedSize) IoShape { return ioworker.Choice(sizes) }

// SizeRange returns an IoShape that picks uniformly from [lo, hi]
// inclusive.
func SizeRange(lo, hi int) IoShape { return ioworker.Range(lo, hi) }

// WeightedSize pairs an LBA count with its relative selection weight.
type WeightedSize = ioworker.WeightedSize

// OpWeights is an opcode-name -> weight map, e.g. {"read": 70, "write": 30}.
type OpWeights = ioworker.OpWeights

// ReadPercentage builds the {read, write} shorthand for op_percentage.
func ReadPercentage(p int) OpWeights { return ioworker.ReadPercentage(p) }

// SequencedIO is one entry of a caller-supplied IOSequence, overriding
// the synthetic workload generator.
type SequencedIO = ioworker.SequencedIO

// IOWorkerOptions enumerates every knob an I/O worker run accepts.
type IOWorkerOptions = ioworker.Options

// IOWorkerResult is the per-run output: counts, elapsed time, latency
// distribution/average, and an error if the run aborted early.
type IOWorkerResult = ioworker.Result

// CmdlogEntry records one issued command for OutputCmdlogList.
type CmdlogEntry = ioworker.CmdlogEntry

// IOWorker runs one Options-shaped synthetic or sequenced workload
// against a single Qpair on its own OS thread, ported from the
// teacher's queue.Runner.ioLoop (one goroutine per queue, LockOSThread
// plus CPU affinity, submit-then-drain) generalized from ublk's fixed
// FETCH_REQ/COMMIT_AND_FETCH_REQ shape to the full NVMe opcode set.
type IOWorker struct {
	inner *ioworker.Worker
	qp    *Qpair
}

// NewIOWorker validates opts and constructs an IOWorker bound to qp. qp
// should have been created with a deferred doorbell policy and no
// interrupts (Controller.CreateIOQueue(..., false, 0)) so the worker's
// hot loop controls its own doorbell cadence.
func NewIOWorker(qp *Qpair, opts IOWorkerOptions) (*IOWorker, error) {
	if opts.Rand == nil {
		ctx := DefaultContext()
		opts.Rand = rand.New(rand.NewSource(ctx.Rand.Int63()))
	}
	w, err := ioworker.New(qp.inner, opts)
	if err != nil {
		return nil, WrapError("new_io_worker", err)
	}
	return &IOWorker{inner: w, qp: qp}, nil
}

// Stop requests the worker's Run loop exit at its next iteration
// boundary. Run also returns on its own once a configured time/io_count
// /lba_count cap is hit.
func (w *IOWorker) Stop() { w.inner.Stop() }

// Run pins the calling goroutine's OS thread and loops submit/reap
// against the bound Qpair until a cap is hit or Stop is called. Run
// blocks until the loop exits; callers that want it to run in the
// background should invoke Run from their own goroutine.
func (w *IOWorker) Run() IOWorkerResult { return w.inner.Run() }

// RunTimeout is a convenience wrapper running the worker's loop on a
// background goroutine and waiting up to d for it to finish, calling
// Stop and collecting whatever result is available if the deadline
// passes first.
func (w *IOWorker) RunTimeout(d time.Duration) IOWorkerResult {
	done := make(chan *IOWorkerResult, 1)
	go func() { r := w.Run(); done <- &r }()
	select {
	case r := <-done:
		return *r
	case <-time.After(d):
		w.Stop()
		return *<-done
	}
}
