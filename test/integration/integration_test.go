// Package integration drives the six concrete end-to-end scenarios
// against an in-process FakeController, the same role a root-level
// integration suite plays against a real block device.
package integration

import (
	"testing"

	"github.com/stretchr/testify/require"

	nvmekit "github.com/nvmekit/nvmekit"
	"github.com/nvmekit/nvmekit/backend"
	"github.com/nvmekit/nvmekit/internal/crctable"
	"github.com/nvmekit/nvmekit/internal/uapi"
)

func newFixture(t *testing.T) (*nvmekit.FakeController, *nvmekit.Qpair) {
	t.Helper()
	mem := backend.NewMemory(1 << 20) // 1MB
	ctx := nvmekit.NewContext(1)
	fc, err := nvmekit.NewFakeController(mem, 512, ctx)
	require.NoError(t, err)

	qp, err := fc.CreateIOQueue(1, 16, false, 0)
	require.NoError(t, err)
	t.Cleanup(func() { qp.Delete() })

	return fc, qp
}

// Scenario 1: hello world.
func TestHelloWorld(t *testing.T) {
	fc, qp := newFixture(t)

	wbuf, err := nvmekit.AllocBuffer(512, "write", nvmekit.FillPattern{Kind: nvmekit.FillZero}, 0, 0)
	require.NoError(t, err)
	defer wbuf.Release()
	require.NoError(t, wbuf.SetSlice(10, []byte("hello world")))

	_, err = fc.Namespace.Write(qp, wbuf, 0, 1, 0, nil)
	require.NoError(t, err)
	_, err = qp.Waitdone(1)
	require.NoError(t, err)

	rbuf, err := nvmekit.AllocBuffer(512, "read", nvmekit.FillPattern{Kind: nvmekit.FillZero}, 0, 0)
	require.NoError(t, err)
	defer rbuf.Release()

	var gotCQE bool
	_, err = fc.Namespace.Read(qp, rbuf, 0, 1, 0, true, func(cqe uapi.CQE, mismatches []crctable.Mismatch) {
		gotCQE = true
		require.Zero(t, cqe.SCT())
		require.Zero(t, cqe.SC())
		require.Empty(t, mismatches)
	})
	require.NoError(t, err)
	_, err = qp.Waitdone(1)
	require.NoError(t, err)
	require.True(t, gotCQE)

	got, err := rbuf.Slice(10, 21)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	_, err = fc.Namespace.Compare(qp, wbuf, 0, 1, 0, func(cqe uapi.CQE) {
		require.Zero(t, cqe.SCT())
		require.Zero(t, cqe.SC())
	})
	require.NoError(t, err)
	_, err = qp.Waitdone(1)
	require.NoError(t, err)
}

// Scenario 2: fused compare-and-write at LBA 8 with matching payload —
// both commands succeed and the CQ yields two completions in submit
// order, both carrying this queue's sqid.
func TestFusedCompareAndWrite(t *testing.T) {
	fc, qp := newFixture(t)

	seed, err := nvmekit.AllocBuffer(512, "fused-seed", nvmekit.FillPattern{Kind: nvmekit.FillOne}, 0, 0)
	require.NoError(t, err)
	defer seed.Release()
	_, err = fc.Namespace.Write(qp, seed, 8, 1, 0, nil)
	require.NoError(t, err)
	_, err = qp.Waitdone(1)
	require.NoError(t, err)

	buf, err := nvmekit.AllocBuffer(512, "fused", nvmekit.FillPattern{Kind: nvmekit.FillOne}, 0, 0)
	require.NoError(t, err)
	defer buf.Release()

	var order []uint16
	var compareSQID, writeSQID uint16
	compareCID, writeCID, err := fc.Namespace.CompareAndWrite(qp, buf, 8, 1, 0,
		func(cqe uapi.CQE) {
			require.Zero(t, cqe.SCT())
			require.Zero(t, cqe.SC())
			order = append(order, cqe.CID)
			compareSQID = cqe.SQID
		},
		func(cqe uapi.CQE) {
			require.Zero(t, cqe.SCT())
			require.Zero(t, cqe.SC())
			order = append(order, cqe.CID)
			writeSQID = cqe.SQID
		},
	)
	require.NoError(t, err)

	_, err = qp.Waitdone(2)
	require.NoError(t, err)

	require.Equal(t, []uint16{compareCID, writeCID}, order)
	require.Equal(t, compareSQID, writeSQID)
	require.Equal(t, qp.QueueID(), compareSQID)
}

// Scenario 3: sequential fill with truncation — io_size=8, sequential,
// io_count=6, region_end=41, qdepth=2; the 6th recorded command has
// slba=40, nlb=1.
func TestSequentialFillTruncation(t *testing.T) {
	fc, qp := newFixture(t)

	opts := nvmekit.IOWorkerOptions{
		NSID:              fc.Namespace.NSID(),
		LBASize:           512,
		IOSize:            nvmekit.Fixed(8),
		ReadPercentage:    0,
		QDepth:            2,
		IOCount:           6,
		RegionEnd:         41,
		RegionEndTruncate: true,
		OutputCmdlogList:  6,
	}
	w, err := fc.Namespace.IOWorker(qp, opts)
	require.NoError(t, err)

	result := w.Run()
	require.NoError(t, result.Error)
	require.Len(t, result.OutputCmdlogList, 6)

	last := result.OutputCmdlogList[5]
	require.EqualValues(t, 40, last.SLBA)
	require.EqualValues(t, 1, last.NLB)
}

// Scenario 4: trim then read.
func TestTrimThenRead(t *testing.T) {
	fc, qp := newFixture(t)

	wbuf, err := nvmekit.AllocBuffer(8*512, "write", nvmekit.FillPattern{Kind: nvmekit.FillOne}, 0, 0)
	require.NoError(t, err)
	defer wbuf.Release()

	_, err = fc.Namespace.Write(qp, wbuf, 0, 8, 0, nil)
	require.NoError(t, err)
	_, err = qp.Waitdone(1)
	require.NoError(t, err)

	dsmBuf, err := nvmekit.AllocBuffer(16, "dsm", nvmekit.FillPattern{Kind: nvmekit.FillZero}, 0, 0)
	require.NoError(t, err)
	defer dsmBuf.Release()

	_, err = fc.Namespace.Trim(qp, dsmBuf, 0, 8, nil)
	require.NoError(t, err)
	_, err = qp.Waitdone(1)
	require.NoError(t, err)

	rbuf, err := nvmekit.AllocBuffer(8*512, "read", nvmekit.FillPattern{Kind: nvmekit.FillOne}, 0, 0)
	require.NoError(t, err)
	defer rbuf.Release()

	_, err = fc.Namespace.Read(qp, rbuf, 0, 8, 0, false, nil)
	require.NoError(t, err)
	_, err = qp.Waitdone(1)
	require.NoError(t, err)

	got := rbuf.Bytes()
	for i, b := range got {
		require.Equalf(t, byte(0), b, "byte %d not zeroed after trim", i)
	}
}

// Scenario 5: write-uncorrectable then read.
func TestWriteUncorrectableThenRead(t *testing.T) {
	fc, qp := newFixture(t)

	_, err := fc.Namespace.WriteUncorrectable(qp, 0, 8, nil)
	require.NoError(t, err)
	_, err = qp.Waitdone(1)
	require.NoError(t, err)

	failBuf, err := nvmekit.AllocBuffer(8*512, "read-uncorrectable", nvmekit.FillPattern{Kind: nvmekit.FillZero}, 0, 0)
	require.NoError(t, err)
	defer failBuf.Release()

	var failSCT, failSC uint8
	_, err = fc.Namespace.Read(qp, failBuf, 0, 8, 0, false, func(cqe uapi.CQE, mismatches []crctable.Mismatch) {
		failSCT, failSC = cqe.SCT(), cqe.SC()
	})
	require.NoError(t, err)
	_, err = qp.Waitdone(1)
	require.NoError(t, err)
	require.EqualValues(t, 0x2, failSCT)
	require.EqualValues(t, 0x81, failSC)

	wbuf, err := nvmekit.AllocBuffer(8*512, "overwrite", nvmekit.FillPattern{Kind: nvmekit.FillOne}, 0, 0)
	require.NoError(t, err)
	defer wbuf.Release()

	_, err = fc.Namespace.Write(qp, wbuf, 0, 8, 0, nil)
	require.NoError(t, err)
	_, err = qp.Waitdone(1)
	require.NoError(t, err)

	rbuf, err := nvmekit.AllocBuffer(8*512, "read", nvmekit.FillPattern{Kind: nvmekit.FillOne}, 0, 0)
	require.NoError(t, err)
	defer rbuf.Release()

	var sct, sc uint8
	_, err = fc.Namespace.Read(qp, rbuf, 0, 8, 0, true, func(cqe uapi.CQE, mismatches []crctable.Mismatch) {
		sct, sc = cqe.SCT(), cqe.SC()
	})
	require.NoError(t, err)
	_, err = qp.Waitdone(1)
	require.NoError(t, err)
	require.Zero(t, sct)
	require.Zero(t, sc)
}

// Scenario 6 (first half): AER storm. identify reports AERL = N; post
// N+1 AERs; the N+1-th completes with status 01/05. The second half
// (aborting an outstanding AER mid-flight) is not modeled here: a
// FakeController completes every command synchronously inside the
// doorbell ring, so there is never an AER still pending by the time an
// Abort could target it.
func TestAERStorm(t *testing.T) {
	fc, _ := newFixture(t)

	n := 4 // the default AERL, both bring-up's self-refilling quota and the limit under test
	fc.ResetAERCount()

	for i := 0; i < n; i++ {
		require.NoError(t, fc.AER(false, nil))
	}

	var lastSCT, lastSC uint8
	require.NoError(t, fc.AER(false, func(cqe uapi.CQE) {
		lastSCT, lastSC = cqe.SCT(), cqe.SC()
	}))

	// Bring-up already parked n self-refilling AERs ahead of these in the
	// admin completion queue (never reaped, since ResetAERCount only
	// clears the software counter, not the queue); drain through those
	// before reaching the one posted above.
	_, err := fc.WaitDone(2*n+1, false)
	require.NoError(t, err)
	require.EqualValues(t, 0x1, lastSCT)
	require.EqualValues(t, 0x05, lastSC)
}
