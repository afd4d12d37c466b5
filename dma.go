package nvmekit

import "github.com/nvmekit/nvmekit/internal/dma"

// FillKind names a DMA buffer fill pattern.
type FillKind = dma.FillKind

// Fill pattern kinds, re-exported so callers never import internal/dma
// directly.
const (
	FillZero        = dma.FillZero
	FillOne         = dma.FillOne
	FillValue32     = dma.FillValue32
	FillRandom      = dma.FillRandom
	FillFile        = dma.FillFile
	FillIncrement16 = dma.FillIncrement16
	FillDecrement16 = dma.FillDecrement16
)

// FillPattern is the concrete pattern a Buffer is filled with at
// allocation time.
type FillPattern = dma.FillPattern

// Buffer is a pinned DMA buffer: the unit of memory every Namespace I/O
// call and I/O Worker submission moves data through.
type Buffer struct {
	inner *dma.Buffer
}

// AllocBuffer allocates a new Buffer of size bytes, aligned to
// alignment (0 selects the default page alignment), filled per
// pattern. fakePhysAddr, when non-zero, reports that value from
// PhysAddr instead of the real mmap address — for PRP/SGL math tests
// run without a real IOMMU mapping.
func AllocBuffer(size int, tag string, pattern FillPattern, alignment int, fakePhysAddr uint64) (*Buffer, error) {
	inner, err := dma.Alloc(size, tag, pattern, alignment, fakePhysAddr)
	if err != nil {
		return nil, WrapError("alloc_buffer", err)
	}
	return &Buffer{inner: inner}, nil
}

// Release frees the buffer's backing memory.
func (b *Buffer) Release() error { return b.inner.Release() }

// Size returns the buffer's byte length.
func (b *Buffer) Size() int { return b.inner.Size() }

// Offset returns the buffer's current byte offset.
func (b *Buffer) Offset() int { return b.inner.Offset() }

// SetOffset moves the buffer's current byte offset.
func (b *Buffer) SetOffset(offset int) error { return b.inner.SetOffset(offset) }

// PhysAddr returns the physical (or fake) base address plus the
// current byte offset.
func (b *Buffer) PhysAddr() uint64 { return b.inner.PhysAddr() }

// Bytes returns the full backing slice.
func (b *Buffer) Bytes() []byte { return b.inner.Bytes() }

// Byte reads a single byte at index i.
func (b *Buffer) Byte(i int) (byte, error) { return b.inner.Byte(i) }

// SetByte writes a single byte at index i.
func (b *Buffer) SetByte(i int, v byte) error { return b.inner.SetByte(i, v) }

// Slice returns bytes in the half-open range [lo, hi).
func (b *Buffer) Slice(lo, hi int) ([]byte, error) { return b.inner.Slice(lo, hi) }

// SetSlice copies data into the half-open range starting at lo.
func (b *Buffer) SetSlice(lo int, data []byte) error { return b.inner.SetSlice(lo, data) }

// Fill re-applies pattern to the whole buffer.
func (b *Buffer) Fill(pattern FillPattern) error { return b.inner.Fill(pattern) }

// WriteLBATokens overwrites bytes 0-3 of each lbaSize-aligned sector
// with its LBA number (startLBA-based) and bytes 504-507 with seq, the
// per-buffer sequence token internal/crctable mixes into each sector's
// CRC.
func (b *Buffer) WriteLBATokens(lbaSize int, startLBA uint64, seq uint32) error {
	return b.inner.WriteLBATokens(lbaSize, startLBA, seq)
}

// unwrap exposes the wrapped *dma.Buffer for in-module callers
// (Namespace, I/O Worker constructor) without making it part of the
// public surface.
func (b *Buffer) unwrap() *dma.Buffer { return b.inner }
