// Package unit checks cross-cutting properties of queue pairs, the I/O
// worker and controller/subsystem power state, the same role the
// teacher's root-level unit suite plays for ublk's queue and ring
// bookkeeping.
package unit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	nvmekit "github.com/nvmekit/nvmekit"
	"github.com/nvmekit/nvmekit/backend"
	"github.com/nvmekit/nvmekit/internal/queue"
	"github.com/nvmekit/nvmekit/internal/uapi"
)

func newFixtureDepth(t *testing.T, depth int) (*nvmekit.FakeController, *nvmekit.Qpair) {
	t.Helper()
	mem := backend.NewMemory(1 << 20)
	ctx := nvmekit.NewContext(1)
	fc, err := nvmekit.NewFakeController(mem, 512, ctx)
	require.NoError(t, err)

	qp, err := fc.CreateIOQueue(0, depth, false, 0)
	require.NoError(t, err)
	t.Cleanup(func() { qp.Delete() })

	return fc, qp
}

// An outstanding command count must never exceed depth-1.
func TestOutstandingStaysBelowDepth(t *testing.T) {
	const depth = 8
	fc, qp := newFixtureDepth(t, depth)

	var bufs []*nvmekit.Buffer
	t.Cleanup(func() {
		for _, b := range bufs {
			b.Release()
		}
	})

	for i := 0; i < depth-1; i++ {
		buf, err := nvmekit.AllocBuffer(512, "p1", nvmekit.FillPattern{Kind: nvmekit.FillZero}, 0, 0)
		require.NoError(t, err)
		bufs = append(bufs, buf)

		_, err = fc.Namespace.Write(qp, buf, uint64(i), 1, 0, nil)
		require.NoError(t, err)
		require.LessOrEqual(t, qp.Outstanding(), depth-1)
	}
	require.Equal(t, depth-1, qp.Outstanding())

	// The depth-th command id isn't available: one ring slot stays
	// reserved so outstanding_count can never reach depth.
	overflow, err := nvmekit.AllocBuffer(512, "p1-overflow", nvmekit.FillPattern{Kind: nvmekit.FillZero}, 0, 0)
	require.NoError(t, err)
	bufs = append(bufs, overflow)
	_, err = fc.Namespace.Write(qp, overflow, depth-1, 1, 0, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, queue.ErrQueueFull))
	require.Equal(t, depth-1, qp.Outstanding())

	_, err = qp.Waitdone(depth - 1)
	require.NoError(t, err)
	require.Zero(t, qp.Outstanding())
}

// The CQEs reaped by one Waitdone call must be a permutation of the
// command-ids submitted since the last reap (set equality, any order).
func TestReapedCIDsArePermutationOfSubmitted(t *testing.T) {
	fc, qp := newFixtureDepth(t, 8)

	const n = 5
	var bufs []*nvmekit.Buffer
	t.Cleanup(func() {
		for _, b := range bufs {
			b.Release()
		}
	})

	submitted := make(map[uint16]bool, n)
	reaped := make(map[uint16]bool, n)

	for i := 0; i < n; i++ {
		buf, err := nvmekit.AllocBuffer(512, "p2", nvmekit.FillPattern{Kind: nvmekit.FillZero}, 0, 0)
		require.NoError(t, err)
		bufs = append(bufs, buf)

		cid, err := fc.Namespace.Write(qp, buf, uint64(i), 1, 0, func(cqe uapi.CQE) {
			reaped[cqe.CID] = true
		})
		require.NoError(t, err)
		submitted[cid] = true
	}

	_, err := qp.Waitdone(n)
	require.NoError(t, err)
	require.Equal(t, submitted, reaped)
}

// For an IOPS-paced worker run of duration T, total commands issued
// must stay within iops*T + qdepth.
func TestIOPSPacingBound(t *testing.T) {
	fc, qp := newFixtureDepth(t, 8)

	opts := nvmekit.IOWorkerOptions{
		NSID:           fc.Namespace.NSID(),
		LBASize:        512,
		IOSize:         nvmekit.Fixed(1),
		ReadPercentage: 100,
		QDepth:         4,
		IOPS:           200,
		Time:           300 * time.Millisecond,
		RegionEnd:      1 << 16,
	}
	w, err := fc.Namespace.IOWorker(qp, opts)
	require.NoError(t, err)

	result := w.Run()
	require.NoError(t, result.Error)

	total := result.IOCountRead + result.IOCountWrite + result.IOCountNonRead
	bound := uint64(float64(opts.IOPS)*opts.Time.Seconds()) + uint64(opts.QDepth)
	require.LessOrEqual(t, total, bound)
}

// The latency distribution must hold exactly total_commands
// observations, and their sum must be consistent with the reported
// average latency times total_commands.
func TestLatencyDistributionConsistency(t *testing.T) {
	fc, qp := newFixtureDepth(t, 8)

	opts := nvmekit.IOWorkerOptions{
		NSID:           fc.Namespace.NSID(),
		LBASize:        512,
		IOSize:         nvmekit.Fixed(1),
		ReadPercentage: 50,
		QDepth:         4,
		IOCount:        30,
		RegionEnd:      1 << 16,
	}
	w, err := fc.Namespace.IOWorker(qp, opts)
	require.NoError(t, err)

	result := w.Run()
	require.NoError(t, result.Error)

	total := result.IOCountRead + result.IOCountWrite + result.IOCountNonRead
	require.EqualValues(t, opts.IOCount, total)

	var observations, sum uint64
	for us, n := range result.LatencyDistribution {
		observations += n
		sum += uint64(us) * n
	}
	require.Equal(t, total, observations)
	require.NotZero(t, observations)

	avgFromSum := float64(sum) / float64(observations)
	require.InDelta(t, avgFromSum, result.LatencyAverageUs, 1.0)
}

// After Controller.Reset, CSTS.RDY must have gone 1->0->1 (OpenFake's
// SetCC mirrors CC.EN into CSTS.RDY synchronously, so a successful
// Reset implies both transitions happened; there is no exported hook to
// sample CSTS mid-reset) and, with create_qpair=true, the set of live
// I/O queues must be reconstructed at the same qids and depths.
func TestControllerResetTransitionsReadyAndRebuildsQueues(t *testing.T) {
	fc, _ := newFixtureDepth(t, 8)
	require.True(t, fc.Ready())

	_, err := fc.CreateIOQueue(2, 4, false, 0)
	require.NoError(t, err)

	require.NoError(t, fc.Reset(true))
	require.True(t, fc.Ready())

	// qid 2 must have been recreated by Reset(true); creating it again
	// should collide, since nothing ever deleted it in between.
	_, err = fc.CreateIOQueue(2, 4, false, 0)
	require.Error(t, err)
	require.True(t, nvmekit.IsCode(err, nvmekit.ErrCodeQueueIDInUse))
}

// PowerCycle(s) must increment power-cycle-count by exactly one and s
// must elapse between power-off and power-on.
func TestPowerCycleIncrementsCountAndElapsesDuration(t *testing.T) {
	fc, _ := newFixtureDepth(t, 8)
	sub := nvmekit.NewSubsystem(fc.Controller)
	require.Zero(t, sub.PowerCycleCount())

	const d = 50 * time.Millisecond
	start := time.Now()
	require.NoError(t, sub.PowerCycle(d))
	elapsed := time.Since(start)

	require.EqualValues(t, 1, sub.PowerCycleCount())
	require.GreaterOrEqual(t, elapsed, d)

	require.NoError(t, sub.PowerCycle(d))
	require.EqualValues(t, 2, sub.PowerCycleCount())
}
