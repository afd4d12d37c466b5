package ioworker

import (
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
	"golang.org/x/sys/unix"

	"github.com/nvmekit/nvmekit/internal/dma"
	"github.com/nvmekit/nvmekit/internal/interfaces"
	"github.com/nvmekit/nvmekit/internal/queue"
	"github.com/nvmekit/nvmekit/internal/uapi"
)

// Qpair is the subset of internal/queue.Qpair a worker drives; kept as
// an interface so ioworker doesn't import internal/queue directly and
// can be driven by a fake in tests.
type Qpair interface {
	Submit(sqe uapi.SQE, buffers []interface{}, callback func(uapi.CQE)) (uint16, error)
	Waitdone(expected int) (uint32, error)
	Outstanding() int
}

// Options enumerates every knob a synthetic I/O workload can be shaped by.
type Options struct {
	NSID uint32

	IOSize    IoShape
	LBAStep   int64 // defaults to IOSize when 0; may be negative
	LBAAlign  uint64
	LBARandom int // 0-100 percentage; >0 enables random starting LBA

	RegionStart, RegionEnd uint64
	RegionEndTruncate      bool

	ReadPercentage int       // shorthand for OpPercentage when OpPercentage is nil
	OpPercentage   OpWeights // opcode -> weight, e.g. "read","write","flush","trim"

	SGLPercentage int // 0-100

	QDepth int // 2 <= QDepth <= 1024

	IOPS int // 0 = unlimited
	Time time.Duration // 0 = unlimited, max 24h
	IOCount  uint64 // 0 = unlimited
	LBACount uint64 // 0 = unlimited

	Distribution []int // 100 weights over equal-sized region buckets

	Pattern dma.FillPattern

	IOSequence []SequencedIO // overrides the synthetic generator when non-nil

	OutputIOPerSecond       bool
	OutputPercentileLatency []float64
	OutputCmdlogList        int // keep last N entries; 0 = disabled

	ExitOnError bool
	RetryMax    int
	FwDebug     bool // skip Qpair deletion on failure so state can be inspected

	CPU int // logical CPU to pin this worker's goroutine to; -1 = no pinning

	LBASize int // bytes per LBA, for region/step arithmetic

	Rand *rand.Rand // deterministic source; nil defaults to a fresh one

	Observer interfaces.Observer // optional; nil disables per-command metrics
}

// SequencedIO is one entry of a caller-supplied io_sequence.
type SequencedIO struct {
	TimeUs uint64
	Opcode string
	SLBA   uint64
	NLB    uint32
}

// Worker runs one Options-shaped workload against a single Qpair on its
// own OS thread.
type Worker struct {
	qp   Qpair
	opts Options

	bucket *ratelimit.Bucket

	stopped int32
}

// New validates opts and constructs a Worker bound to qp. The caller is
// responsible for having already created qp with a deferred doorbell
// policy and no interrupts.
func New(qp Qpair, opts Options) (*Worker, error) {
	if opts.QDepth < 2 || opts.QDepth > 1024 {
		return nil, fmt.Errorf("ioworker: qdepth %d out of range [2, 1024]", opts.QDepth)
	}
	if opts.Time > 24*time.Hour {
		return nil, fmt.Errorf("ioworker: time %v exceeds 24h cap", opts.Time)
	}
	if opts.LBASize <= 0 {
		opts.LBASize = 512
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(1))
	}
	if opts.OpPercentage == nil {
		p := opts.ReadPercentage
		opts.OpPercentage = ReadPercentage(p)
	}

	w := &Worker{qp: qp, opts: opts}
	if opts.IOPS > 0 {
		w.bucket = ratelimit.NewBucketWithRate(float64(opts.IOPS), int64(opts.IOPS)/1000+1)
	}
	return w, nil
}

// Stop requests the worker's Run loop to exit at its next iteration
// boundary (used for exit_on_error-independent external cancellation;
// Run also returns on its own once any of time/io_count/lba_count caps
// are hit).
func (w *Worker) Stop() { atomic.StoreInt32(&w.stopped, 1) }

func (w *Worker) shouldStop() bool { return atomic.LoadInt32(&w.stopped) != 0 }

// Run pins the calling goroutine's OS thread (optionally to opts.CPU),
// then loops submit/reap against the bound Qpair until a cap is hit,
// exactly the shape of an ioLoop: LockOSThread for queue
// affinity, then an unbounded for-loop alternating "prepare N
// submissions" and "one Waitdone drain", generalized from ublk's fixed
// FETCH_REQ shape to arbitrary NVMe opcodes.
func (w *Worker) Run() Result {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.opts.CPU >= 0 {
		var mask unix.CPUSet
		mask.Zero()
		mask.Set(w.opts.CPU)
		_ = unix.SchedSetaffinity(0, &mask)
	}

	var result Result
	start := time.Now()
	var ioCount, lbaCount uint64
	var lastLBA uint64 = w.opts.RegionStart
	var seqIdx int

	var cmdlog []CmdlogEntry
	var perSecond []uint64

	deadline := time.Time{}
	if w.opts.Time > 0 {
		deadline = start.Add(w.opts.Time)
	}

	for {
		if w.shouldStop() {
			break
		}
		if w.opts.IOCount > 0 && ioCount >= w.opts.IOCount {
			break
		}
		if w.opts.LBACount > 0 && lbaCount >= w.opts.LBACount {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		if w.opts.IOSequence != nil && seqIdx >= len(w.opts.IOSequence) {
			break
		}

		for w.qp.Outstanding() < w.opts.QDepth {
			if w.bucket != nil {
				w.bucket.Wait(1)
			}

			opcode, slba, nlb, err := w.nextCommand(&seqIdx, &lastLBA)
			if err != nil {
				result.Error = err
				break
			}

			buf, err := dma.Alloc(int(nlb)*w.opts.LBASize, "ioworker", w.opts.Pattern, 0, 0)
			if err != nil {
				result.Error = fmt.Errorf("ioworker: alloc buffer: %w", err)
				break
			}

			var sqe uapi.SQE
			sqe.SetCDW0(opcode, uapi.FuseNormal, uapi.PSDTPRP, 0)
			sqe.NSID = w.opts.NSID
			sqe.CDW10 = uint32(slba)
			sqe.CDW11 = uint32(slba >> 32)
			sqe.CDW12 = uint32(nlb - 1)

			submitUs := uint64(time.Since(start) / time.Microsecond)
			buffers := []interface{}{buf}

			cqeOpcode, cqeSLBA, cqeNLB := opcode, slba, nlb
			_, err = w.qp.Submit(sqe, buffers, func(c uapi.CQE) {
				completeUs := uint64(time.Since(start) / time.Microsecond)
				latency := completeUs - submitUs
				result.recordLatency(latency)

				success := c.SCT() == 0 && c.SC() == 0
				bytes := uint64(cqeNLB) * uint64(w.opts.LBASize)
				switch cqeOpcode {
				case uapi.IOOpRead:
					result.IOCountRead++
					if w.opts.Observer != nil {
						w.opts.Observer.ObserveRead(bytes, latency*1000, success)
					}
				case uapi.IOOpWrite:
					result.IOCountWrite++
					if w.opts.Observer != nil {
						w.opts.Observer.ObserveWrite(bytes, latency*1000, success)
					}
				case uapi.IOOpDatasetManagement:
					result.IOCountNonRead++
					if w.opts.Observer != nil {
						w.opts.Observer.ObserveDiscard(bytes, latency*1000, success)
					}
				case uapi.IOOpFlush:
					result.IOCountNonRead++
					if w.opts.Observer != nil {
						w.opts.Observer.ObserveFlush(latency*1000, success)
					}
				default:
					result.IOCountNonRead++
				}

				if w.opts.OutputIOPerSecond {
					sec := int(completeUs / 1_000_000)
					for len(perSecond) <= sec {
						perSecond = append(perSecond, 0)
					}
					perSecond[sec]++
				}

				if w.opts.OutputCmdlogList > 0 {
					cmdlog = append(cmdlog, CmdlogEntry{
						SLBA: cqeSLBA, NLB: uint32(cqeNLB), Opcode: cqeOpcode,
						SubmitUs: submitUs, CompleteUs: completeUs, Status: c.StatusField(),
					})
					if len(cmdlog) > w.opts.OutputCmdlogList {
						cmdlog = cmdlog[len(cmdlog)-w.opts.OutputCmdlogList:]
					}
				}

				if c.SCT() != 0 || c.SC() != 0 {
					if w.opts.ExitOnError {
						w.Stop()
					}
				}

				_ = buf.Release()
			})
			if err != nil {
				_ = buf.Release()
				if errors.Is(err, queue.ErrQueueFull) {
					break
				}
				result.Error = err
				break
			}

			ioCount++
			lbaCount += uint64(nlb)
		}

		if _, err := w.qp.Waitdone(1); err != nil {
			result.Error = err
			break
		}

		if result.Error != nil && w.opts.ExitOnError {
			break
		}
	}

	// Drain any remaining outstanding commands before reporting.
	for w.qp.Outstanding() > 0 {
		if _, err := w.qp.Waitdone(1); err != nil {
			break
		}
	}

	result.Mseconds = uint64(time.Since(start) / time.Millisecond)
	result.computeAverage()
	if len(w.opts.OutputPercentileLatency) > 0 {
		result.computePercentiles(w.opts.OutputPercentileLatency)
	}
	if w.opts.OutputCmdlogList > 0 {
		result.OutputCmdlogList = cmdlog
	}
	if w.opts.OutputIOPerSecond {
		result.OutputIOPerSecond = perSecond
	}
	return result
}

// nextCommand picks the next (opcode, slba, nlb) either from a supplied
// io_sequence or from the synthetic generator (op_percentage + io_size +
// lba_step/align/random/region/distribution).
func (w *Worker) nextCommand(seqIdx *int, lastLBA *uint64) (opcode uint8, slba uint64, nlb uint32, err error) {
	if w.opts.IOSequence != nil {
		if *seqIdx >= len(w.opts.IOSequence) {
			return 0, 0, 0, fmt.Errorf("ioworker: io_sequence exhausted")
		}
		entry := w.opts.IOSequence[*seqIdx]
		*seqIdx++
		return opcodeForName(entry.Opcode), entry.SLBA, entry.NLB, nil
	}

	opName := w.opts.OpPercentage.Pick(w.opts.Rand)
	opcode = opcodeForName(opName)

	n := w.opts.IOSize.Pick(w.opts.Rand)
	if n <= 0 {
		n = 1
	}
	nlb = uint32(n)

	regionEnd := w.opts.RegionEnd
	if regionEnd == 0 {
		regionEnd = *lastLBA + uint64(nlb) + 1
	}

	if w.opts.LBARandom > 0 && w.opts.Rand.Intn(100) < w.opts.LBARandom {
		slba = w.randomLBA(regionEnd)
	} else {
		slba = *lastLBA
		if int64(slba) < int64(w.opts.RegionStart) {
			slba = w.opts.RegionStart
		}
	}

	if w.opts.LBAAlign > 0 {
		slba -= slba % w.opts.LBAAlign
	}

	if w.opts.RegionEndTruncate && regionEnd > 0 && slba+uint64(nlb) > regionEnd {
		if regionEnd > w.opts.RegionStart {
			nlb = uint32(regionEnd - slba)
		}
		if nlb == 0 {
			nlb = 1
		}
	}

	step := w.opts.LBAStep
	if step == 0 {
		step = int64(nlb)
	}
	next := int64(slba) + step
	if next < int64(w.opts.RegionStart) {
		next = int64(w.opts.RegionStart)
	}
	*lastLBA = uint64(next)

	return opcode, slba, nlb, nil
}

// randomLBA picks a starting LBA within [RegionStart, regionEnd), using
// Distribution (100 equal-sized region buckets with relative weights) if
// supplied, otherwise uniformly.
func (w *Worker) randomLBA(regionEnd uint64) uint64 {
	regionStart := w.opts.RegionStart
	span := regionEnd - regionStart
	if span == 0 {
		return regionStart
	}

	if len(w.opts.Distribution) == 100 {
		total := 0
		for _, wt := range w.opts.Distribution {
			total += wt
		}
		if total > 0 {
			r := w.opts.Rand.Intn(total)
			bucket := 0
			for i, wt := range w.opts.Distribution {
				if r < wt {
					bucket = i
					break
				}
				r -= wt
			}
			bucketSpan := span / 100
			if bucketSpan == 0 {
				bucketSpan = 1
			}
			base := regionStart + uint64(bucket)*bucketSpan
			return base + uint64(w.opts.Rand.Int63n(int64(bucketSpan)))
		}
	}

	return regionStart + uint64(w.opts.Rand.Int63n(int64(span)))
}

func opcodeForName(name string) uint8 {
	switch name {
	case "read":
		return uapi.IOOpRead
	case "write":
		return uapi.IOOpWrite
	case "flush":
		return uapi.IOOpFlush
	case "trim":
		return uapi.IOOpDatasetManagement
	default:
		return uapi.IOOpRead
	}
}
