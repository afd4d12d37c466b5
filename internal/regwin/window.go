// Package regwin owns the register window: a raw mmap'd view of an NVMe
// controller's BAR0 plus its PCIe configuration space, giving typed
// access to CAP/VS/CC/CSTS/AQA/ASQ/ACQ and per-queue doorbells, and
// capability-list-driven MSI-X mask/unmask/clear. It is the PCIe half of
// the Transport contract (internal/nvmetcp is the other half) and the
// direct generalization of a raw SYS_MMAP-based queue mapping
// applied to a device's register space instead of a descriptor ring.
package regwin

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/nvmekit/nvmekit/internal/constants"
	"github.com/nvmekit/nvmekit/internal/uapi"
)

// Window is a live mapping over BAR0 plus the PCIe config space bytes
// needed for capability-list walking (power management, PCI Express,
// MSI-X). fakeMem, when non-nil, replaces the mmap'd region entirely so
// the register logic can be unit tested without a real device.
type Window struct {
	bar0       []byte
	config     []byte
	dstrd      uint32 // doorbell stride unit, in DoorbellStrideUnit multiples
	msixTable  []byte // MSI-X table, sliced out of bar0 or a separate BAR in real hardware
	msixOffset int
	fake       bool
	virtBase   uintptr
	mapSize    int
}

// Open mmaps barPath (normally a sysfs resource file, e.g.
// /sys/bus/pci/devices/.../resource0) read-write for size bytes and reads
// config (typically /sys/.../config) into memory for capability walking.
func Open(barPath string, size int, config []byte) (*Window, error) {
	fd, err := syscall.Open(barPath, syscall.O_RDWR|syscall.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("regwin: open %q: %w", barPath, err)
	}
	defer syscall.Close(fd)

	addr, _, errno := syscall.Syscall6(
		syscall.SYS_MMAP,
		0,
		uintptr(size),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED,
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("regwin: mmap %q: %v", barPath, errno)
	}

	bar0 := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	w := &Window{bar0: bar0, config: config, virtBase: addr, mapSize: size}
	w.loadDoorbellStride()
	w.walkCapabilities()
	return w, nil
}

// OpenFake builds a Window over plain heap memory, for tests that need
// register semantics (doorbell arithmetic, CC/CSTS bit layout, capability
// walking) without a real BAR0 mapping.
func OpenFake(size int, config []byte) *Window {
	w := &Window{bar0: make([]byte, size), config: config, fake: true}
	w.loadDoorbellStride()
	w.walkCapabilities()
	return w
}

// Close unmaps the BAR0 region. A no-op for fake windows.
func (w *Window) Close() error {
	if w.fake || w.virtBase == 0 {
		return nil
	}
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP, w.virtBase, uintptr(w.mapSize), 0)
	w.virtBase = 0
	if errno != 0 {
		return fmt.Errorf("regwin: munmap: %v", errno)
	}
	return nil
}

// Fence is a store/load barrier ensuring a doorbell write (or any MMIO
// store) is observable before a subsequent read proceeds. On amd64/arm64
// Go's atomic operations already imply the needed ordering; this exists
// as an explicit call site matching the pattern of a named
// barrier around every descriptor load, so doorbell-then-read sequences
// read the same in code as they execute in hardware.
func Fence() {
	var v uint32
	atomic.StoreUint32(&v, 1)
	_ = atomic.LoadUint32(&v)
}

func (w *Window) read32(offset int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&w.bar0[offset])))
}

func (w *Window) write32(offset int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&w.bar0[offset])), v)
	Fence()
}

func (w *Window) read64(offset int) uint64 {
	lo := uint64(w.read32(offset))
	hi := uint64(w.read32(offset + 4))
	return lo | hi<<32
}

func (w *Window) write64(offset int, v uint64) {
	w.write32(offset, uint32(v))
	w.write32(offset+4, uint32(v>>32))
}

// CAP returns the raw Controller Capabilities register.
func (w *Window) CAP() uint64 { return w.read64(uapi.RegCAP) }

// MaxQueueEntries returns CAP.MQES + 1, the maximum queue depth the
// controller supports.
func (w *Window) MaxQueueEntries() uint32 { return uint32(w.CAP()&0xFFFF) + 1 }

// DoorbellStride returns the doorbell stride in bytes: 4 << CAP.DSTRD.
func (w *Window) DoorbellStride() uint32 { return uapi.DoorbellStrideUnit << w.dstrd }

func (w *Window) loadDoorbellStride() {
	w.dstrd = uint32((w.read64(uapi.RegCAP) >> 32) & 0xF)
}

// VS returns the Version register.
func (w *Window) VS() uint32 { return w.read32(uapi.RegVS) }

// CC returns the Controller Configuration register.
func (w *Window) CC() uint32 { return w.read32(uapi.RegCC) }

// SetCC writes the Controller Configuration register. A fake window has
// no real device to asynchronously flip CSTS.RDY in response, so it
// mirrors CC.EN into CSTS.RDY immediately, simulating an idealized
// controller whose enable/disable transition is instantaneous.
func (w *Window) SetCC(v uint32) {
	w.write32(uapi.RegCC, v)
	if w.fake {
		csts := w.read32(uapi.RegCSTS)
		if v&uapi.CCEnable != 0 {
			csts |= uapi.CSTSReady
		} else {
			csts &^= uapi.CSTSReady
		}
		w.write32(uapi.RegCSTS, csts)
	}
}

// CSTS returns the Controller Status register.
func (w *Window) CSTS() uint32 { return w.read32(uapi.RegCSTS) }

// SetAQA writes the Admin Queue Attributes register (submission and
// completion queue sizes, 0-based, in the low and high 16 bits).
func (w *Window) SetAQA(sqSize, cqSize uint16) {
	w.write32(uapi.RegAQA, uint32(sqSize)|uint32(cqSize)<<16)
}

// SetASQ writes the Admin Submission Queue base address.
func (w *Window) SetASQ(addr uint64) { w.write64(uapi.RegASQ, addr) }

// SetACQ writes the Admin Completion Queue base address.
func (w *Window) SetACQ(addr uint64) { w.write64(uapi.RegACQ, addr) }

// sqTailOffset returns the BAR0 byte offset of the submission queue tail
// doorbell for queue qid: DoorbellBase + (2*qid)*stride.
func (w *Window) sqTailOffset(qid uint16) int {
	return constants.DoorbellBase + int(2*uint32(qid))*int(w.DoorbellStride())
}

// cqHeadOffset returns the BAR0 byte offset of the completion queue head
// doorbell for queue qid: DoorbellBase + (2*qid+1)*stride.
func (w *Window) cqHeadOffset(qid uint16) int {
	return constants.DoorbellBase + int(2*uint32(qid)+1)*int(w.DoorbellStride())
}

// RingSQTail writes newTail to queue qid's submission queue tail
// doorbell.
func (w *Window) RingSQTail(qid uint16, newTail uint32) error {
	off := w.sqTailOffset(qid)
	if off+4 > len(w.bar0) {
		return fmt.Errorf("regwin: SQ tail doorbell for queue %d out of bounds", qid)
	}
	w.write32(off, newTail)
	return nil
}

// RingCQHead writes newHead to queue qid's completion queue head
// doorbell.
func (w *Window) RingCQHead(qid uint16, newHead uint32) error {
	off := w.cqHeadOffset(qid)
	if off+4 > len(w.bar0) {
		return fmt.Errorf("regwin: CQ head doorbell for queue %d out of bounds", qid)
	}
	w.write32(off, newHead)
	return nil
}

// walkCapabilities follows the linked list rooted at the capabilities
// pointer (config offset 0x34) to find the power-management, PCI
// Express, and MSI-X capabilities, recording the MSI-X table's BAR
// offset if present.
func (w *Window) walkCapabilities() {
	if len(w.config) < 0x35 {
		return
	}
	if w.config[0x06]&0x10 == 0 { // status register, capabilities-list bit
		return
	}
	ptr := int(w.config[0x34])
	seen := map[int]bool{}
	for ptr != 0 && ptr+2 <= len(w.config) && !seen[ptr] {
		seen[ptr] = true
		id := w.config[ptr]
		next := int(w.config[ptr+1])

		if id == uapi.PCICapMSIX && ptr+8 <= len(w.config) {
			tableOffsetReg := uint32(w.config[ptr+4]) | uint32(w.config[ptr+5])<<8 |
				uint32(w.config[ptr+6])<<16 | uint32(w.config[ptr+7])<<24
			w.msixOffset = int(tableOffsetReg &^ 0x7)
		}

		ptr = next
	}
}

const msixEntrySize = 16 // address(8) + data(4) + vector control(4)

// msixVectorControlOffset returns the BAR0 offset of vector's Vector
// Control DWORD within the MSI-X table.
func (w *Window) msixVectorControlOffset(vector uint16) int {
	return w.msixOffset + int(vector)*msixEntrySize + 12
}

// Mask sets the MSI-X vector's mask bit, suppressing interrupt delivery.
func (w *Window) Mask(vector uint16) error { return w.setMaskBit(vector, true) }

// Unmask clears the MSI-X vector's mask bit.
func (w *Window) Unmask(vector uint16) error { return w.setMaskBit(vector, false) }

func (w *Window) setMaskBit(vector uint16, set bool) error {
	off := w.msixVectorControlOffset(vector)
	if off+4 > len(w.bar0) {
		return fmt.Errorf("regwin: MSI-X vector %d out of bounds", vector)
	}
	v := w.read32(off)
	if set {
		v |= 1
	} else {
		v &^= 1
	}
	w.write32(off, v)
	return nil
}

// IsSet reports whether vector's mask bit is currently set.
func (w *Window) IsSet(vector uint16) (bool, error) {
	off := w.msixVectorControlOffset(vector)
	if off+4 > len(w.bar0) {
		return false, fmt.Errorf("regwin: MSI-X vector %d out of bounds", vector)
	}
	return w.read32(off)&1 != 0, nil
}

// Clear is a no-op on MSI-X (unlike legacy/MSI pin interrupts, MSI-X has
// no separate pending-bit clear a driver writes; delivery is
// self-clearing once the host reads the associated completion queue). It
// exists to satisfy interfaces.MSIXController uniformly across interrupt
// styles.
func (w *Window) Clear(vector uint16) error { return nil }

// FunctionReset issues a PCIe Function Level Reset via the PCI Express
// capability's Device Control register (bit 15), if present.
func (w *Window) FunctionReset() error {
	off := w.findCapability(uapi.PCICapPCIExpress)
	if off < 0 {
		return fmt.Errorf("regwin: no PCI Express capability present")
	}
	devCtrl := off + 8
	if devCtrl+2 > len(w.config) {
		return fmt.Errorf("regwin: PCI Express Device Control register out of bounds")
	}
	v := uint16(w.config[devCtrl]) | uint16(w.config[devCtrl+1])<<8
	v |= 1 << 15
	w.config[devCtrl] = byte(v)
	w.config[devCtrl+1] = byte(v >> 8)
	return nil
}

func (w *Window) findCapability(id uint8) int {
	if len(w.config) < 0x35 || w.config[0x06]&0x10 == 0 {
		return -1
	}
	ptr := int(w.config[0x34])
	seen := map[int]bool{}
	for ptr != 0 && ptr+2 <= len(w.config) && !seen[ptr] {
		seen[ptr] = true
		if w.config[ptr] == id {
			return ptr
		}
		ptr = int(w.config[ptr+1])
	}
	return -1
}
