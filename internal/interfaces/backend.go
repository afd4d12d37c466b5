// Package interfaces provides internal interface definitions for nvmekit.
// These are separate from the public package's interfaces to avoid
// circular imports between the root package and its internal packages.
package interfaces

// MediaBackend is the storage a simulated controller reads and writes on
// behalf of a namespace. Real hardware has no Go-visible analog of this
// interface (the device owns its own media); it exists so the driver's
// queue-pair, CRC-table, and I/O-worker logic can be exercised against a
// simulated NVMe controller in tests without real hardware.
type MediaBackend interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	Close() error
	Flush() error
}

// DiscardBackend is an optional interface for TRIM/deallocate support.
type DiscardBackend interface {
	MediaBackend
	Discard(offset, length int64) error
}

// WriteUncorrectableBackend is an optional interface for media that can
// mark a range write-uncorrectable, making subsequent reads fail.
type WriteUncorrectableBackend interface {
	MediaBackend
	WriteUncorrectable(offset, length int64) error
}

// Logger is the minimal logging surface internal packages depend on, so
// they don't need to import the concrete logging package directly.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer is the metrics collection surface the I/O worker and queue
// pair report through. Implementations must be thread-safe: methods are
// called from per-core hot-path goroutines.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveDiscard(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}

// MSIXController exposes the per-vector mask/unmask/clear/isset operations
// a Qpair delegates to when it was constructed with interrupts enabled.
// Implemented by internal/regwin.Window against the MSI-X table found by
// capability-list walking.
type MSIXController interface {
	Mask(vector uint16) error
	Unmask(vector uint16) error
	Clear(vector uint16) error
	IsSet(vector uint16) (bool, error)
}

// Transport is the submit/reap contract a Queue Pair drives, independent
// of whether the underlying command channel is PCIe MMIO (internal/regwin)
// or NVMe-over-TCP (internal/nvmetcp). This is what lets Controller and
// Qpair stay transport-agnostic per the external-interfaces contract: a
// TCP target exposes the same shape a PCIe device does.
type Transport interface {
	// WriteSQE copies a 64-byte submission queue entry into the SQ slot
	// at the given index. It does not ring any doorbell.
	WriteSQE(queueID uint16, slot uint32, sqe [64]byte) error

	// RingSQDoorbell notifies the device that the SQ tail has advanced
	// to newTail (mod depth).
	RingSQDoorbell(queueID uint16, newTail uint32) error

	// PollCQE reads (without consuming) the completion queue entry at
	// head. The returned ok is false if the phase bit does not match
	// expectedPhase (i.e. no new completion is present).
	PollCQE(queueID uint16, head uint32, expectedPhase bool) (cqe [16]byte, ok bool)

	// RingCQDoorbell notifies the device that the CQ head has advanced
	// to newHead (mod depth).
	RingCQDoorbell(queueID uint16, newHead uint32) error

	// CreateQueue asks the device (or simulated device) to allocate
	// backing resources for a new queue pair of the given depth. Real
	// PCIe transports are no-ops here since the admin Create I/O
	// SQ/CQ commands already did the work; simulated/TCP transports use
	// this hook to allocate their internal ring state.
	CreateQueue(queueID uint16, depth int) error

	// DeleteQueue releases backing resources for a queue pair.
	DeleteQueue(queueID uint16) error
}
