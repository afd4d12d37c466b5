// Package supervisor owns the process-wide registry of live controllers
// and queue pairs, a timeout watchdog, and an optional JSON-RPC
// introspection endpoint. Runs one device per process with no
// cross-device registry by default; grounded on a mutex-guarded-map
// discipline applied at a larger scope.
package supervisor

import (
	"sync"
	"time"
)

// QpairInfo is the registry's view of one live queue pair, enough detail
// for list_all_qpair without exposing internal/queue.Qpair directly.
type QpairInfo struct {
	ControllerID uint32
	QueueID      uint16
	Depth        int
	Outstanding  func() int `json:"-"`
}

// ControllerInfo is the registry's view of one live controller.
type ControllerInfo struct {
	ControllerID uint32
	DevicePath   string
	Metrics      func() MetricsSnapshot `json:"-"`
}

// MetricsSnapshot is the subset of a controller's ambient metrics the
// get_metrics RPC reports; populated by whatever Observer the caller
// wires (root package's *Metrics.Snapshot(), typically).
type MetricsSnapshot struct {
	ReadOps, WriteOps, DiscardOps, FlushOps uint64
	ReadBytes, WriteBytes                   uint64
	Errors                                  uint64
}

// Registry is the process-wide, mutex-guarded map of live controllers
// and queue pairs, touched only at creation/teardown per the
// concurrency model — never on any I/O hot path.
type Registry struct {
	mu          sync.Mutex
	controllers map[uint32]ControllerInfo
	qpairs      map[string]QpairInfo // key: fmt.Sprintf("%d/%d", controllerID, queueID)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		controllers: make(map[uint32]ControllerInfo),
		qpairs:      make(map[string]QpairInfo),
	}
}

// RegisterController adds or replaces a controller's registry entry.
func (r *Registry) RegisterController(info ControllerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[info.ControllerID] = info
}

// UnregisterController removes a controller's registry entry.
func (r *Registry) UnregisterController(controllerID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.controllers, controllerID)
}

// RegisterQpair adds or replaces a queue pair's registry entry.
func (r *Registry) RegisterQpair(info QpairInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qpairs[qpairKey(info.ControllerID, info.QueueID)] = info
}

// UnregisterQpair removes a queue pair's registry entry.
func (r *Registry) UnregisterQpair(controllerID uint32, queueID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.qpairs, qpairKey(controllerID, queueID))
}

func qpairKey(controllerID uint32, queueID uint16) string {
	return keyOf(controllerID, queueID)
}

func keyOf(controllerID uint32, queueID uint16) string {
	buf := make([]byte, 0, 16)
	buf = appendUint(buf, uint64(controllerID))
	buf = append(buf, '/')
	buf = appendUint(buf, uint64(queueID))
	return string(buf)
}

func appendUint(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}

// ListAllQpair returns every registered queue pair's info.
func (r *Registry) ListAllQpair() []QpairInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QpairInfo, 0, len(r.qpairs))
	for _, info := range r.qpairs {
		out = append(out, info)
	}
	return out
}

// ListAllController returns every registered controller's info.
func (r *Registry) ListAllController() []ControllerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ControllerInfo, 0, len(r.controllers))
	for _, info := range r.controllers {
		out = append(out, info)
	}
	return out
}

// Watchdog periodically sweeps every registered queue pair looking for
// ones whose outstanding count has been nonzero longer than period
// without change — a coarse, registry-level complement to each Qpair's
// own per-command timeout sweep, catching a worker that stopped driving
// its Waitdone loop entirely.
type Watchdog struct {
	registry *Registry
	period   time.Duration
	onStuck  func(QpairInfo)

	stop chan struct{}
	done chan struct{}
}

// NewWatchdog builds a Watchdog that calls onStuck for any queue pair
// whose Outstanding() is nonzero and unchanged across two consecutive
// sweeps period apart.
func NewWatchdog(registry *Registry, period time.Duration, onStuck func(QpairInfo)) *Watchdog {
	return &Watchdog{registry: registry, period: period, onStuck: onStuck, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the sweep loop in a new goroutine until Stop is called.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop requests the sweep loop exit and blocks until it has.
func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watchdog) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	last := make(map[string]int)
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			for _, qp := range w.registry.ListAllQpair() {
				key := qpairKey(qp.ControllerID, qp.QueueID)
				cur := 0
				if qp.Outstanding != nil {
					cur = qp.Outstanding()
				}
				if cur > 0 && cur == last[key] {
					if w.onStuck != nil {
						w.onStuck(qp)
					}
				}
				last[key] = cur
			}
		}
	}
}
