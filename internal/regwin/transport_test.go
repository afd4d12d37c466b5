package regwin

import (
	"testing"

	"github.com/nvmekit/nvmekit/internal/uapi"
)

func TestPCIeTransportCreateDeleteQueue(t *testing.T) {
	w := newFakeWindow(t)
	tr := NewPCIeTransport(w)

	if err := tr.CreateQueue(1, 16); err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}
	if err := tr.CreateQueue(1, 16); err == nil {
		t.Error("CreateQueue should fail for an already-created queue")
	}

	sqPhys, err := tr.SQPhysAddr(1)
	if err != nil {
		t.Fatalf("SQPhysAddr failed: %v", err)
	}
	if sqPhys == 0 {
		t.Error("SQPhysAddr should be non-zero")
	}

	if err := tr.DeleteQueue(1); err != nil {
		t.Fatalf("DeleteQueue failed: %v", err)
	}
	if _, err := tr.SQPhysAddr(1); err == nil {
		t.Error("SQPhysAddr should fail after DeleteQueue")
	}
}

func TestPCIeTransportWriteSQEAndPollCQE(t *testing.T) {
	w := newFakeWindow(t)
	tr := NewPCIeTransport(w)
	if err := tr.CreateQueue(1, 4); err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}

	var sqe uapi.SQE
	sqe.SetCDW0(uapi.IOOpRead, uapi.FuseNormal, uapi.PSDTPRP, 7)
	var raw [64]byte
	copy(raw[:], uapi.MarshalSQE(&sqe))

	if err := tr.WriteSQE(1, 0, raw); err != nil {
		t.Fatalf("WriteSQE failed: %v", err)
	}
	if err := tr.RingSQDoorbell(1, 1); err != nil {
		t.Fatalf("RingSQDoorbell failed: %v", err)
	}

	// Simulate the device posting a completion by writing directly into
	// the CQ ring memory the transport allocated.
	qm, err := tr.lookup(1)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	var cqe uapi.CQE
	cqe.CID = 7
	cqe.Status = (uint16(uapi.StatusSuccess) << 1) | 1 // phase=1
	copy(qm.cq.Bytes()[0:16], uapi.MarshalCQE(&cqe))

	got, ok := tr.PollCQE(1, 0, true)
	if !ok {
		t.Fatal("PollCQE should report a completion with matching phase")
	}
	var parsed uapi.CQE
	if err := uapi.UnmarshalCQE(got[:], &parsed); err != nil {
		t.Fatalf("UnmarshalCQE failed: %v", err)
	}
	if parsed.CID != 7 {
		t.Errorf("CID = %d, want 7", parsed.CID)
	}

	if _, ok := tr.PollCQE(1, 0, false); ok {
		t.Error("PollCQE should report no completion when phase doesn't match")
	}

	if err := tr.RingCQDoorbell(1, 1); err != nil {
		t.Fatalf("RingCQDoorbell failed: %v", err)
	}
}
