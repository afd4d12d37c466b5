// Package dma implements pinned DMA buffers and the PRP/SGL construction
// built on top of them. Backing memory is anonymous mmap, the same raw
// syscall.Syscall6(SYS_MMAP, ...) pattern used elsewhere to map per-queue
// I/O buffers, generalized into a reusable allocator.
package dma

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"syscall"
	"unsafe"

	"github.com/nvmekit/nvmekit/internal/constants"
	"github.com/nvmekit/nvmekit/internal/uapi"
)

// FillKind enumerates the supported fill patterns. A dynamic
// parameter bag (ptype + pvalue) becomes this sum type.
type FillKind int

const (
	FillZero FillKind = iota
	FillOne
	FillValue32
	FillRandom
	FillFile
	FillIncrement16
	FillDecrement16
)

// FillPattern is the concrete pattern a Buffer is filled with at
// allocation time.
type FillPattern struct {
	Kind             FillKind
	Value32          uint32  // FillValue32
	Compressibility  int     // FillRandom, 0-100
	Rand             *rand.Rand // FillRandom source; nil uses a fresh source seeded with 1
	Path             string  // FillFile
}

// Region is a pinned, page-aligned allocation. Real hardware has no
// userspace-visible "physical address" in the same sense Go can read, so
// PhysBase is either the mapping's own virtual address (no IOMMU
// mapping is made here) or a caller-supplied fake address for pure
// PRP/SGL math tests.
type Region struct {
	virtBase uintptr
	mem      []byte
	physBase uint64
	size     int
	tag      string
	fake     bool
}

// AllocRegion mmaps size bytes of anonymous, page-aligned memory. If
// fakePhysAddr is non-zero, PhysBase reports that value instead of the
// virtual address (letting PRP/SGL math be unit tested without a real
// IOMMU mapping).
func AllocRegion(size int, tag string, fakePhysAddr uint64) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: alloc %q: size must be positive", tag)
	}

	pageSize := os.Getpagesize()
	mapSize := size
	if rem := mapSize % pageSize; rem != 0 {
		mapSize += pageSize - rem
	}

	addr, _, errno := syscall.Syscall6(
		syscall.SYS_MMAP,
		0,
		uintptr(mapSize),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS,
		^uintptr(0),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("dma: alloc %q: mmap: %v", tag, errno)
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), mapSize)[:size]

	phys := uint64(addr)
	fake := false
	if fakePhysAddr != 0 {
		phys = fakePhysAddr
		fake = true
	}

	return &Region{virtBase: addr, mem: mem, physBase: phys, size: size, tag: tag, fake: fake}, nil
}

// Release unmaps the region's backing memory. It is the caller's
// responsibility to ensure no in-flight command still references it
// (enforced at the Qpair slot level by retained buffer references).
func (r *Region) Release() error {
	if r.virtBase == 0 {
		r.virtBase = 0
		return nil
	}
	pageSize := os.Getpagesize()
	mapSize := r.size
	if rem := mapSize % pageSize; rem != 0 {
		mapSize += pageSize - rem
	}
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP, r.virtBase, uintptr(mapSize), 0)
	r.virtBase = 0
	if errno != 0 {
		return fmt.Errorf("dma: release %q: munmap: %v", r.tag, errno)
	}
	return nil
}

// Size returns the region's byte length.
func (r *Region) Size() int { return r.size }

// Tag returns the human-readable allocation tag.
func (r *Region) Tag() string { return r.tag }

// PhysAddr returns the physical (or fake) base address plus the given byte
// offset.
func (r *Region) PhysAddr(offset int) uint64 { return r.physBase + uint64(offset) }

// Bytes returns the full backing slice, for callers (PRP/SGL builder,
// transport) that need direct access.
func (r *Region) Bytes() []byte { return r.mem }

// Buffer is the test-facing DMA buffer: a Region plus a current byte
// offset and fill-pattern bookkeeping, matching the {virtual
// base, physical base, size, byte offset, tag} data model.
type Buffer struct {
	region *Region
	offset int
}

// Alloc allocates a new Buffer of size bytes, aligned to alignment (0
// defaults to constants.DefaultAlignment), filled per pattern.
func Alloc(size int, tag string, pattern FillPattern, alignment int, fakePhysAddr uint64) (*Buffer, error) {
	if alignment <= 0 {
		alignment = constants.DefaultAlignment
	}
	region, err := AllocRegion(size, tag, fakePhysAddr)
	if err != nil {
		return nil, err
	}
	if region.PhysAddr(0)%uint64(alignment) != 0 && fakePhysAddr == 0 {
		// mmap already returns page-aligned addresses for anonymous maps, so
		// this only fires for callers requesting stricter-than-page alignment.
		_ = region.Release()
		return nil, fmt.Errorf("dma: alloc %q: mmap address not aligned to %d", tag, alignment)
	}

	b := &Buffer{region: region}
	if err := b.Fill(pattern); err != nil {
		_ = region.Release()
		return nil, err
	}
	return b, nil
}

// Release frees the buffer's backing region.
func (b *Buffer) Release() error { return b.region.Release() }

// Size returns the buffer's byte length.
func (b *Buffer) Size() int { return b.region.Size() }

// Offset returns the buffer's current byte offset.
func (b *Buffer) Offset() int { return b.offset }

// SetOffset moves the buffer's current byte offset.
func (b *Buffer) SetOffset(offset int) error {
	if offset < 0 || offset >= b.Size() {
		return fmt.Errorf("dma: offset %d out of bounds [0, %d)", offset, b.Size())
	}
	b.offset = offset
	return nil
}

// PhysAddr returns the physical base plus the current byte offset.
func (b *Buffer) PhysAddr() uint64 { return b.region.PhysAddr(b.offset) }

// Bytes returns the full backing slice.
func (b *Buffer) Bytes() []byte { return b.region.Bytes() }

// Byte reads a single byte at index i (relative to the buffer start, not
// the current offset).
func (b *Buffer) Byte(i int) (byte, error) {
	if i < 0 || i >= b.Size() {
		return 0, fmt.Errorf("dma: byte index %d out of bounds [0, %d)", i, b.Size())
	}
	return b.region.Bytes()[i], nil
}

// SetByte writes a single byte at index i.
func (b *Buffer) SetByte(i int, v byte) error {
	if i < 0 || i >= b.Size() {
		return fmt.Errorf("dma: byte index %d out of bounds [0, %d)", i, b.Size())
	}
	b.region.Bytes()[i] = v
	return nil
}

// Slice returns bytes in the half-open range [lo, hi). A negative or
// omitted (-1) endpoint means "to the end"; a negative lo means "from the
// start".
func (b *Buffer) Slice(lo, hi int) ([]byte, error) {
	size := b.Size()
	if lo < 0 {
		lo = 0
	}
	if hi < 0 {
		hi = size
	}
	if lo > hi || hi > size {
		return nil, fmt.Errorf("dma: slice [%d:%d) out of bounds for size %d", lo, hi, size)
	}
	return b.region.Bytes()[lo:hi], nil
}

// SetSlice copies data into the half-open range starting at lo.
func (b *Buffer) SetSlice(lo int, data []byte) error {
	size := b.Size()
	if lo < 0 || lo+len(data) > size {
		return fmt.Errorf("dma: set-slice [%d:%d) out of bounds for size %d", lo, lo+len(data), size)
	}
	copy(b.region.Bytes()[lo:lo+len(data)], data)
	return nil
}

// Endian selects the byte order Data decodes a field with.
type Endian int

const (
	LittleEndian Endian = iota
	BigEndian
)

// Data decodes the inclusive byte range [lo, hi] as an unsigned integer.
// hi-lo+1 must be 1, 2, 4, or 8.
func (b *Buffer) Data(lo, hi int, endian Endian) (uint64, error) {
	if hi < lo {
		return 0, fmt.Errorf("dma: data range [%d, %d] is inverted", lo, hi)
	}
	width := hi - lo + 1
	raw, err := b.Slice(lo, hi+1)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, 8)
	switch width {
	case 1, 2, 4, 8:
		if endian == LittleEndian {
			copy(buf, raw)
			return binary.LittleEndian.Uint64(buf), nil
		}
		copy(buf[8-width:], raw)
		return binary.BigEndian.Uint64(buf), nil
	default:
		return 0, fmt.Errorf("dma: data range width %d must be 1, 2, 4, or 8", width)
	}
}

// SetDSMRange writes a 16-byte Dataset Management range record at byte
// offset index*16.
func (b *Buffer) SetDSMRange(index int, slba uint64, nlb uint32, attr uint32) error {
	r := uapi.DSMRange{Attrs: attr, NLB: nlb, SLBA: slba}
	return b.SetSlice(index*16, uapi.MarshalDSMRange(&r))
}

// SetCopyRange writes a 32-byte Copy source range descriptor at byte
// offset index*32.
func (b *Buffer) SetCopyRange(index int, slba uint64, nlb uint16) error {
	raw := make([]byte, 32)
	binary.LittleEndian.PutUint64(raw[8:16], slba)
	binary.LittleEndian.PutUint16(raw[16:18], nlb)
	return b.SetSlice(index*32, raw)
}

// SetControllerList writes a controller-identifier list: a 2-byte count
// followed by up to 2047 2-byte controller ids, as used by virtualization
// and namespace-attachment commands.
func (b *Buffer) SetControllerList(ids []uint16) error {
	if len(ids) > 2047 {
		return fmt.Errorf("dma: controller list too long: %d > 2047", len(ids))
	}
	raw := make([]byte, 2+2*len(ids))
	binary.LittleEndian.PutUint16(raw[0:2], uint16(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint16(raw[2+2*i:4+2*i], id)
	}
	return b.SetSlice(0, raw)
}

// CRC8 computes a simple CRC-8 (polynomial 0x07) over the buffer's full
// contents, for lightweight test assertions distinct from the CRC table's
// per-LBA CRC32 tokens.
func (b *Buffer) CRC8() byte {
	var crc byte
	for _, by := range b.region.Bytes() {
		crc ^= by
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Distance returns the number of bytes that differ between b and other
// over the shorter buffer's length, plus one for every byte by which the
// longer buffer exceeds it.
func (b *Buffer) Distance(other *Buffer) int {
	a := b.region.Bytes()
	c := other.region.Bytes()
	n := len(a)
	if len(c) < n {
		n = len(c)
	}
	d := 0
	for i := 0; i < n; i++ {
		if a[i] != c[i] {
			d++
		}
	}
	d += len(a) - n
	if len(c) > n {
		d += len(c) - n
	}
	return d
}

// Fill overwrites the buffer's full contents per pattern.
func (b *Buffer) Fill(pattern FillPattern) error {
	buf := b.region.Bytes()
	switch pattern.Kind {
	case FillZero:
		for i := range buf {
			buf[i] = 0
		}
	case FillOne:
		for i := range buf {
			buf[i] = 0xFF
		}
	case FillValue32:
		for i := 0; i+4 <= len(buf); i += 4 {
			binary.LittleEndian.PutUint32(buf[i:i+4], pattern.Value32)
		}
	case FillRandom:
		src := pattern.Rand
		if src == nil {
			src = rand.New(rand.NewSource(1))
		}
		comp := pattern.Compressibility
		if comp < 0 {
			comp = 0
		}
		if comp > 100 {
			comp = 100
		}
		for i := range buf {
			if comp > 0 && src.Intn(100) < comp {
				buf[i] = 0
			} else {
				buf[i] = byte(src.Intn(256))
			}
		}
	case FillFile:
		data, err := os.ReadFile(pattern.Path)
		if err != nil {
			return fmt.Errorf("dma: fill from file %q: %w", pattern.Path, err)
		}
		n := copy(buf, data)
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	case FillIncrement16:
		var v uint16
		for i := 0; i+2 <= len(buf); i += 2 {
			binary.LittleEndian.PutUint16(buf[i:i+2], v)
			v++
		}
	case FillDecrement16:
		v := uint16(0xFFFF)
		for i := 0; i+2 <= len(buf); i += 2 {
			binary.LittleEndian.PutUint16(buf[i:i+2], v)
			v--
		}
	default:
		return fmt.Errorf("dma: unknown fill pattern kind %d", pattern.Kind)
	}
	return nil
}

// WriteLBATokens overwrites bytes 0-3 of each lbaSize-sized sector with
// its LBA number and bytes 504-507 with the monotonic per-buffer seq
// token, so round-trip verification can detect stale or reordered data.
func (b *Buffer) WriteLBATokens(lbaSize int, startLBA uint64, seq uint32) error {
	buf := b.region.Bytes()
	if lbaSize < 508 {
		return fmt.Errorf("dma: WriteLBATokens requires lbaSize >= 508, got %d", lbaSize)
	}
	for off := 0; off+lbaSize <= len(buf); off += lbaSize {
		lba := startLBA + uint64(off/lbaSize)
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(lba))
		binary.LittleEndian.PutUint32(buf[off+504:off+508], seq)
	}
	return nil
}
