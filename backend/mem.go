// Package backend provides simulated NVMe media backends: the storage a
// Namespace reads and writes against in place of a real SSD, so the
// queue pair, CRC table, and I/O worker can be exercised without
// hardware.
package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nvmekit/nvmekit/internal/interfaces"
)

// ErrUncorrectable is returned by ReadAt when the read touches a shard
// previously marked by WriteUncorrectable, the simulated analog of an
// NVMe Unrecovered Read Error (SCT=MediaError, SC=0x81).
var ErrUncorrectable = errors.New("unrecovered read error: block marked write-uncorrectable")

// ShardSize is the size of each memory shard (64KB). This provides good
// parallelism for 4K random I/O while keeping lock overhead reasonable.
// With 64KB shards, a 256MB namespace has 4096 shards.
const ShardSize = 64 * 1024

// Memory is a RAM-based media backend. It uses sharded locking so
// concurrent I/O across many queue pairs and LBA ranges doesn't
// serialize on one global mutex, and tracks a write-uncorrectable
// bitmap per shard so a namespace can simulate the Write Uncorrectable
// command without a real NAND failure mode.
type Memory struct {
	data          []byte
	size          int64
	shards        []sync.RWMutex
	uncorrectable []bool // one flag per ShardSize-aligned shard, coarse-grained
}

// NewMemory creates a new memory backend of the specified size.
func NewMemory(size int64) *Memory {
	numShards := (size + ShardSize - 1) / ShardSize
	return &Memory{
		data:          make([]byte, size),
		size:          size,
		shards:        make([]sync.RWMutex, numShards),
		uncorrectable: make([]bool, numShards),
	}
}

// shardRange returns the range of shards that cover [off, off+len).
func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// ReadAt implements interfaces.MediaBackend. A read that touches a
// shard marked write-uncorrectable fails with an I/O error, the
// simulated analog of an NVMe Unrecovered Read Error.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}
	defer func() {
		for i := startShard; i <= endShard; i++ {
			m.shards[i].RUnlock()
		}
	}()

	for i := startShard; i <= endShard; i++ {
		if m.uncorrectable[i] {
			return 0, fmt.Errorf("%w: shard %d", ErrUncorrectable, i)
		}
	}

	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

// WriteAt implements interfaces.MediaBackend, clearing the
// write-uncorrectable flag on any shard it touches.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off >= m.size {
		return 0, fmt.Errorf("write beyond end of device")
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := m.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	defer func() {
		for i := startShard; i <= endShard; i++ {
			m.shards[i].Unlock()
		}
	}()

	n := copy(m.data[off:off+int64(len(p))], p)
	for i := startShard; i <= endShard; i++ {
		m.uncorrectable[i] = false
	}
	return n, nil
}

// Size implements interfaces.MediaBackend.
func (m *Memory) Size() int64 {
	return m.size
}

// Close implements interfaces.MediaBackend.
func (m *Memory) Close() error {
	m.data = nil
	return nil
}

// Flush implements interfaces.MediaBackend; memory has nothing to sync.
func (m *Memory) Flush() error {
	return nil
}

// Discard implements interfaces.DiscardBackend, zeroing the discarded
// range and clearing any write-uncorrectable marks it covers.
func (m *Memory) Discard(offset, length int64) error {
	if offset >= m.size {
		return nil
	}

	end := offset + length
	if end > m.size {
		end = m.size
	}
	actualLen := end - offset

	startShard, endShard := m.shardRange(offset, actualLen)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	defer func() {
		for i := startShard; i <= endShard; i++ {
			m.shards[i].Unlock()
		}
	}()

	for i := offset; i < end; i++ {
		m.data[i] = 0
	}
	for i := startShard; i <= endShard; i++ {
		m.uncorrectable[i] = false
	}
	return nil
}

// WriteUncorrectable implements interfaces.WriteUncorrectableBackend,
// marking every shard the range touches so subsequent reads fail until
// the range is overwritten or discarded.
func (m *Memory) WriteUncorrectable(offset, length int64) error {
	if offset >= m.size {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}

	startShard, endShard := m.shardRange(offset, end-offset)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	for i := startShard; i <= endShard; i++ {
		m.uncorrectable[i] = true
	}
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return nil
}

// Stats reports backend-internal counters, useful for test assertions
// and the get_metrics RPC's backend-health fields.
func (m *Memory) Stats() map[string]interface{} {
	return map[string]interface{}{
		"type":       "memory",
		"size":       m.size,
		"allocated":  len(m.data),
		"num_shards": len(m.shards),
		"shard_size": ShardSize,
	}
}

// Compile-time interface checks.
var (
	_ interfaces.MediaBackend              = (*Memory)(nil)
	_ interfaces.DiscardBackend            = (*Memory)(nil)
	_ interfaces.WriteUncorrectableBackend = (*Memory)(nil)
)
