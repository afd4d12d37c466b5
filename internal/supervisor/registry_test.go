package supervisor

import (
	"testing"
	"time"
)

func TestRegisterAndListQpair(t *testing.T) {
	r := NewRegistry()
	r.RegisterQpair(QpairInfo{ControllerID: 1, QueueID: 1, Depth: 64, Outstanding: func() int { return 3 }})
	r.RegisterQpair(QpairInfo{ControllerID: 1, QueueID: 2, Depth: 64, Outstanding: func() int { return 0 }})

	got := r.ListAllQpair()
	if len(got) != 2 {
		t.Fatalf("ListAllQpair() returned %d entries, want 2", len(got))
	}

	r.UnregisterQpair(1, 1)
	got = r.ListAllQpair()
	if len(got) != 1 {
		t.Fatalf("after unregister, ListAllQpair() returned %d entries, want 1", len(got))
	}
	if got[0].QueueID != 2 {
		t.Errorf("remaining qpair QueueID = %d, want 2", got[0].QueueID)
	}
}

func TestRegisterAndListController(t *testing.T) {
	r := NewRegistry()
	r.RegisterController(ControllerInfo{ControllerID: 7, DevicePath: "/dev/nvme0"})
	got := r.ListAllController()
	if len(got) != 1 || got[0].ControllerID != 7 {
		t.Fatalf("ListAllController() = %+v, want one entry with ControllerID 7", got)
	}

	r.UnregisterController(7)
	if len(r.ListAllController()) != 0 {
		t.Error("expected empty registry after unregister")
	}
}

func TestWatchdogDetectsStuckQpair(t *testing.T) {
	r := NewRegistry()
	r.RegisterQpair(QpairInfo{ControllerID: 1, QueueID: 1, Outstanding: func() int { return 5 }})

	stuck := make(chan QpairInfo, 4)
	wd := NewWatchdog(r, 10*time.Millisecond, func(qp QpairInfo) {
		stuck <- qp
	})
	wd.Start()
	defer wd.Stop()

	select {
	case qp := <-stuck:
		if qp.ControllerID != 1 || qp.QueueID != 1 {
			t.Errorf("stuck qpair = %+v, want controller 1 queue 1", qp)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("watchdog never reported the stuck qpair")
	}
}

func TestWatchdogIgnoresProgressingQpair(t *testing.T) {
	r := NewRegistry()
	count := 0
	r.RegisterQpair(QpairInfo{ControllerID: 1, QueueID: 1, Outstanding: func() int {
		count++
		return count // always changing, never "stuck"
	}})

	stuck := make(chan QpairInfo, 4)
	wd := NewWatchdog(r, 10*time.Millisecond, func(qp QpairInfo) {
		stuck <- qp
	})
	wd.Start()
	defer wd.Stop()

	select {
	case <-stuck:
		t.Fatal("watchdog reported a qpair whose outstanding count keeps changing")
	case <-time.After(100 * time.Millisecond):
		// expected: no report
	}
}
