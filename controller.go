package nvmekit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvmekit/nvmekit/internal/constants"
	"github.com/nvmekit/nvmekit/internal/interfaces"
	"github.com/nvmekit/nvmekit/internal/queue"
	"github.com/nvmekit/nvmekit/internal/regwin"
	"github.com/nvmekit/nvmekit/internal/supervisor"
	"github.com/nvmekit/nvmekit/internal/uapi"
)

// InitFunc replaces Controller's default NVMe initialization sequence
// when supplied to ControllerConfig.
type InitFunc func(c *Controller) error

var nextControllerID uint32

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Transport interfaces.Transport
	// Window is set only for a PCIe-backed controller; enable/reset use
	// it directly to drive CC/CSTS. A controller built over
	// internal/nvmetcp leaves this nil and relies on the target having
	// already brought itself up.
	Window       *regwin.Window
	DevicePath   string
	AdminDepth   int
	AERL         int
	Logger       interfaces.Logger
	Observer     interfaces.Observer
	InitFunc     InitFunc
	Context      *Context
}

// Controller owns the admin queue pair and every live I/O queue pair for
// one NVMe controller, generalized from an ADD_DEV/SET_PARAMS/START_DEV/
// STOP_DEV/DEL_DEV-over-io_uring control-ring shape into the NVMe admin
// command set: each operation below builds a 64-byte SQE and submits it
// on the admin Qpair instead of issuing a control-ring ioctl.
type Controller struct {
	mu         sync.Mutex
	id         uint32
	transport  interfaces.Transport
	win        *regwin.Window
	devicePath string
	aerl       int
	logger     interfaces.Logger
	observer   interfaces.Observer
	ctx        *Context

	admin *queue.Qpair

	ioQueues map[uint16]*queue.Qpair

	timeouts map[uint8]time.Duration

	lastCDW0   uint32
	lastStatus uint16

	metrics *Metrics
}

// NewController constructs a Controller with a fresh admin queue pair
// (qid 0) over cfg.Transport, then runs cfg.InitFunc if set, or else
// the default init sequence when cfg.Window is set. With neither, the
// controller is returned without any init.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Transport == nil {
		return nil, NewError("new_controller", ErrCodeInvalidParameters, "transport is required")
	}
	depth := cfg.AdminDepth
	if depth == 0 {
		depth = constants.DefaultQueueDepth
	}
	aerl := cfg.AERL
	if aerl == 0 {
		aerl = constants.DefaultAERL
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = DefaultContext()
	}

	c := &Controller{
		id:         atomic.AddUint32(&nextControllerID, 1),
		transport:  cfg.Transport,
		win:        cfg.Window,
		devicePath: cfg.DevicePath,
		aerl:       aerl,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		ctx:        ctx,
		ioQueues:   make(map[uint16]*queue.Qpair),
		timeouts:   make(map[uint8]time.Duration),
		metrics:    NewMetrics(),
	}

	admin, err := queue.NewQpair(queue.Config{
		QueueID:        0,
		Depth:          depth,
		DoorbellPolicy: queue.DoorbellEager,
		Transport:      cfg.Transport,
		Logger:         cfg.Logger,
		Observer:       cfg.Observer,
		TimeoutFor:     c.timeoutFor,
	})
	if err != nil {
		return nil, WrapError("new_controller", err)
	}
	c.admin = admin

	if ctx.Registry != nil {
		ctx.Registry.RegisterController(supervisor.ControllerInfo{
			ControllerID: c.id,
			DevicePath:   c.devicePath,
			Metrics:      func() supervisor.MetricsSnapshot { return c.metricsSnapshot() },
		})
		ctx.Registry.RegisterQpair(supervisor.QpairInfo{
			ControllerID: c.id,
			QueueID:      admin.QueueID(),
			Depth:        admin.Depth(),
			Outstanding:  admin.Outstanding,
		})
	}

	if cfg.InitFunc != nil {
		if err := cfg.InitFunc(c); err != nil {
			return nil, err
		}
	} else if cfg.Window != nil {
		if err := c.defaultInit(); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// metricsSnapshot adapts this controller's ambient Metrics to the
// supervisor registry's reporting shape.
func (c *Controller) metricsSnapshot() supervisor.MetricsSnapshot {
	s := c.metrics.Snapshot()
	return supervisor.MetricsSnapshot{
		ReadOps:    s.ReadOps,
		WriteOps:   s.WriteOps,
		DiscardOps: s.DiscardOps,
		FlushOps:   s.FlushOps,
		ReadBytes:  s.ReadBytes,
		WriteBytes: s.WriteBytes,
		Errors:     s.ReadErrors + s.WriteErrors + s.DiscardErrors + s.FlushErrors,
	}
}

// ID returns this controller's process-local identifier, used by the
// supervisor registry and get_metrics RPC.
func (c *Controller) ID() uint32 { return c.id }

// Metrics returns the controller's ambient metrics counters.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// SetTimeout overrides the completion timeout for opcode, in
// milliseconds.
func (c *Controller) SetTimeout(opcode uint8, ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeouts[opcode] = time.Duration(ms) * time.Millisecond
}

func (c *Controller) timeoutFor(opcode uint8) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.timeouts[opcode]; ok {
		return d
	}
	return constants.DefaultOpTimeout
}

// defaultInit runs the default NVMe initialization sequence: disable
// CC; wait CSTS.RDY=0; program ASQ/ACQ/AQA; enable CC; wait CSTS.RDY=1;
// post AERL async event requests. It issues no Identify (controller or
// namespace) and no Set Features (number of queues) command.
func (c *Controller) defaultInit() error {
	if err := c.disableAndWait(); err != nil {
		return err
	}

	depth := uint16(c.admin.Depth())
	c.win.SetAQA(depth-1, depth-1)
	// ASQ/ACQ physical addresses are programmed by the transport at
	// queue-creation time (PCIeTransport.CreateQueue); Controller only
	// needs to point the register window at them.
	if pt, ok := c.transport.(*regwin.PCIeTransport); ok {
		if addr, err := pt.SQPhysAddr(0); err == nil {
			c.win.SetASQ(addr)
		}
		if addr, err := pt.CQPhysAddr(0); err == nil {
			c.win.SetACQ(addr)
		}
	}

	cc := uint32(uapi.CCCommandSetNVM)
	cc |= 0 << uapi.CCMPSShift // 4096-byte pages
	cc |= uint32(ilog2(uapi.SQESize)) << uapi.CCIOSQESShift
	cc |= uint32(ilog2(uapi.CQESize)) << uapi.CCIOCQESShift
	cc |= uapi.CCEnable
	c.win.SetCC(cc)

	if err := c.waitReady(true, constants.DefaultEnableTimeout); err != nil {
		return err
	}

	for i := 0; i < c.aerl; i++ {
		_ = c.aer(true, nil)
	}
	return nil
}

func ilog2(n int) int {
	v, shift := n, 0
	for v > 1 {
		v >>= 1
		shift++
	}
	return shift
}

func (c *Controller) disableAndWait() error {
	cc := c.win.CC()
	cc &^= uapi.CCEnable
	c.win.SetCC(cc)
	return c.waitReady(false, constants.DefaultDisableTimeout)
}

func (c *Controller) waitReady(want bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ready := c.win.CSTS()&uapi.CSTSReady != 0
		if ready == want {
			return nil
		}
		if time.Now().After(deadline) {
			return NewDeviceError("enable", c.id, ErrCodeTimeout, "timed out waiting for CSTS.RDY")
		}
		time.Sleep(constants.RegisterPollInterval)
	}
}

// Ready reports CSTS.RDY. Returns false for a controller with no
// register window (non-PCIe transport), which never exposes CSTS.
func (c *Controller) Ready() bool {
	if c.win == nil {
		return false
	}
	return c.win.CSTS()&uapi.CSTSReady != 0
}

// Enable runs the default (or InitFunc-overridden) init sequence. It is
// idempotent to call again after Reset.
func (c *Controller) Enable() error {
	if c.win == nil {
		return NewDeviceError("enable", c.id, ErrCodeInvalidParameters, "controller has no register window (non-PCIe transport)")
	}
	return c.defaultInit()
}

// Reset disables the controller, waits CSTS.RDY=0, re-enables, and
// optionally recreates every previously live I/O queue with its
// original depth.
func (c *Controller) Reset(createQpair bool) error {
	if c.win == nil {
		return NewDeviceError("reset", c.id, ErrCodeInvalidParameters, "controller has no register window (non-PCIe transport)")
	}

	c.mu.Lock()
	prior := make(map[uint16]int, len(c.ioQueues))
	for qid, qp := range c.ioQueues {
		prior[qid] = qp.Depth()
		qp.ResetState()
		delete(c.ioQueues, qid)
	}
	c.mu.Unlock()

	c.admin.ResetState()
	if err := c.defaultInit(); err != nil {
		return err
	}

	if createQpair {
		for qid, depth := range prior {
			if _, err := c.CreateIOQueue(qid, depth, false, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// adminSubmit submits sqe on the admin queue and blocks for its
// completion, returning the CQE.
func (c *Controller) adminSubmit(sqe uapi.SQE) (uapi.CQE, error) {
	var result uapi.CQE
	var submitErr error
	done := false
	_, err := c.admin.Submit(sqe, nil, func(cqe uapi.CQE) {
		result = cqe
		done = true
	})
	if err != nil {
		return uapi.CQE{}, WrapError("admin_submit", err)
	}
	for !done {
		if _, err := c.admin.Waitdone(1); err != nil {
			submitErr = err
			break
		}
	}
	c.mu.Lock()
	c.lastCDW0 = result.DW0
	c.lastStatus = result.Status
	c.mu.Unlock()
	if submitErr != nil {
		return result, WrapError("admin_submit", submitErr)
	}
	if sct, sc := result.SCT(), result.SC(); sct != 0 || sc != 0 {
		return result, &StatusError{Op: "admin_submit", SCT: sct, SC: sc, CID: result.CID}
	}
	return result, nil
}

// WaitDone blocks until n admin commands' callbacks have run.
// interruptEnabled is accepted for API parity but does not
// change polling behavior in this userspace driver (no kernel IRQ path
// to block on).
func (c *Controller) WaitDone(n int, interruptEnabled bool) (uint32, error) {
	return c.admin.Waitdone(n)
}

// Identify issues the Identify admin command. buf must be at least 4096
// bytes.
func (c *Controller) Identify(buf *Buffer, nsid uint32, cns uint8) error {
	if buf.Size() < 4096 {
		return NewDeviceError("identify", c.id, ErrCodeInvalidParameters, "identify buffer must be >= 4096 bytes")
	}
	sqe := c.adminSQE(uapi.AdminOpIdentify, nsid, buf)
	sqe.CDW10 = uint32(cns)
	_, err := c.adminSubmit(sqe)
	return err
}

func (c *Controller) adminSQE(opcode uint8, nsid uint32, buf *Buffer) uapi.SQE {
	var sqe uapi.SQE
	sqe.SetCDW0(opcode, uapi.FuseNormal, uapi.PSDTPRP, 0)
	sqe.NSID = nsid
	if buf != nil {
		sqe.PRP1 = buf.PhysAddr()
	}
	return sqe
}

// GetFeatures issues Get Features.
func (c *Controller) GetFeatures(fid uint8, cdw11 uint32, buf *Buffer) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpGetFeatures, 0, buf)
	sqe.CDW10 = uint32(fid)
	sqe.CDW11 = cdw11
	return c.adminSubmit(sqe)
}

// SetFeatures issues Set Features.
func (c *Controller) SetFeatures(fid uint8, cdw11 uint32, buf *Buffer) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpSetFeatures, 0, buf)
	sqe.CDW10 = uint32(fid)
	sqe.CDW11 = cdw11
	return c.adminSubmit(sqe)
}

// GetLogPage issues Get Log Page.
func (c *Controller) GetLogPage(lid uint8, nsid uint32, numDwords uint32, buf *Buffer) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpGetLogPage, nsid, buf)
	sqe.CDW10 = uint32(lid) | (numDwords&0xFFFF)<<16
	return c.adminSubmit(sqe)
}

// Format issues the Format NVM admin command.
func (c *Controller) Format(nsid uint32, lbaFormat uint8, ses uint8) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpFormatNVM, nsid, nil)
	sqe.CDW10 = uint32(lbaFormat) | uint32(ses)<<9
	return c.adminSubmit(sqe)
}

// FirmwareDownload issues Firmware Image Download.
func (c *Controller) FirmwareDownload(buf *Buffer, offset uint32) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpFirmwareDownload, 0, buf)
	sqe.CDW10 = uint32(buf.Size()/4) - 1
	sqe.CDW11 = offset / 4
	return c.adminSubmit(sqe)
}

// FirmwareCommit issues Firmware Commit.
func (c *Controller) FirmwareCommit(slot uint8, action uint8) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpFirmwareCommit, 0, nil)
	sqe.CDW10 = uint32(slot) | uint32(action)<<3
	return c.adminSubmit(sqe)
}

// Sanitize issues the Sanitize admin command.
func (c *Controller) Sanitize(sanact uint8, ause bool, oipbp bool) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpSanitize, 0, nil)
	cdw10 := uint32(sanact)
	if ause {
		cdw10 |= 1 << 3
	}
	if oipbp {
		cdw10 |= 1 << 4
	}
	sqe.CDW10 = cdw10
	return c.adminSubmit(sqe)
}

// DST issues Device Self-test.
func (c *Controller) DST(nsid uint32, stc uint8) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpDeviceSelfTest, nsid, nil)
	sqe.CDW10 = uint32(stc)
	return c.adminSubmit(sqe)
}

// Abort posts an Abort admin command targeting cid on sqid.
func (c *Controller) Abort(sqid uint16, cid uint16) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpAbort, 0, nil)
	sqe.CDW10 = uint32(sqid) | uint32(cid)<<16
	return c.adminSubmit(sqe)
}

// aer posts a new AER slot; cb (if non-nil) runs on completion, and if
// refill is true a replacement AER is submitted automatically from
// within cb so the device may always post one.
func (c *Controller) aer(refill bool, cb func(uapi.CQE)) error {
	var sqe uapi.SQE
	sqe.SetCDW0(uapi.AdminOpAsyncEventRequest, uapi.FuseNormal, uapi.PSDTPRP, 0)
	_, err := c.admin.Submit(sqe, nil, func(cqe uapi.CQE) {
		if cb != nil {
			cb(cqe)
		}
		if refill {
			_ = c.aer(true, cb)
		}
	})
	return err
}

// AER is the public entry point for posting an asynchronous event
// request slot.
func (c *Controller) AER(refill bool, cb func(uapi.CQE)) error {
	return c.aer(refill, cb)
}

// SecuritySend issues Security Send.
func (c *Controller) SecuritySend(buf *Buffer, secp uint8, spsp uint16) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpSecuritySend, 0, buf)
	sqe.CDW10 = uint32(secp)<<24 | uint32(spsp)<<8
	sqe.CDW11 = uint32(buf.Size())
	return c.adminSubmit(sqe)
}

// SecurityReceive issues Security Receive.
func (c *Controller) SecurityReceive(buf *Buffer, secp uint8, spsp uint16) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpSecurityReceive, 0, buf)
	sqe.CDW10 = uint32(secp)<<24 | uint32(spsp)<<8
	sqe.CDW11 = uint32(buf.Size())
	return c.adminSubmit(sqe)
}

// MISend issues the Management Interface Send command.
func (c *Controller) MISend(buf *Buffer, cdw10, cdw11 uint32) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpMISend, 0, buf)
	sqe.CDW10 = cdw10
	sqe.CDW11 = cdw11
	return c.adminSubmit(sqe)
}

// MIReceive issues the Management Interface Receive command.
func (c *Controller) MIReceive(buf *Buffer, cdw10, cdw11 uint32) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpMIReceive, 0, buf)
	sqe.CDW10 = cdw10
	sqe.CDW11 = cdw11
	return c.adminSubmit(sqe)
}

// VirtMgmt issues Virtualization Management.
func (c *Controller) VirtMgmt(cdw10, cdw11 uint32) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpVirtMgmt, 0, nil)
	sqe.CDW10 = cdw10
	sqe.CDW11 = cdw11
	return c.adminSubmit(sqe)
}

// DirectiveSend issues Directive Send.
func (c *Controller) DirectiveSend(nsid uint32, buf *Buffer, dtype uint8, doper uint8, cdw12 uint32) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpDirectiveSend, nsid, buf)
	sqe.CDW11 = uint32(doper) | uint32(dtype)<<8
	sqe.CDW12 = cdw12
	return c.adminSubmit(sqe)
}

// DirectiveReceive issues Directive Receive.
func (c *Controller) DirectiveReceive(nsid uint32, buf *Buffer, dtype uint8, doper uint8, cdw12 uint32) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpDirectiveReceive, nsid, buf)
	sqe.CDW11 = uint32(doper) | uint32(dtype)<<8
	sqe.CDW12 = cdw12
	return c.adminSubmit(sqe)
}

// NamespaceManagement issues the Namespace Management admin command.
func (c *Controller) NamespaceManagement(nsid uint32, sel uint8, buf *Buffer) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpNamespaceManagement, nsid, buf)
	sqe.CDW10 = uint32(sel)
	return c.adminSubmit(sqe)
}

// NamespaceAttach issues the Namespace Attachment admin command.
func (c *Controller) NamespaceAttach(nsid uint32, sel uint8, buf *Buffer) (uapi.CQE, error) {
	sqe := c.adminSQE(uapi.AdminOpNamespaceAttach, nsid, buf)
	sqe.CDW10 = uint32(sel)
	return c.adminSubmit(sqe)
}

// SendCmd is an escape hatch that submits an arbitrary pre-built SQE on
// the admin queue, for protocol corner cases none of the named
// operations cover.
func (c *Controller) SendCmd(sqe uapi.SQE) (uapi.CQE, error) {
	return c.adminSubmit(sqe)
}

// CreateIOQueue allocates a new I/O queue pair. qid=0 auto-assigns the
// lowest free id (qid 0 means auto-assign).
func (c *Controller) CreateIOQueue(qid uint16, depth int, interruptEnabled bool, vector uint16) (*Qpair, error) {
	c.mu.Lock()
	if qid == constants.AutoAssignQueueID {
		qid = c.lowestFreeQID()
	}
	if _, exists := c.ioQueues[qid]; exists {
		c.mu.Unlock()
		return nil, NewQueueError("create_io_queue", c.id, int(qid), ErrCodeQueueIDInUse, fmt.Sprintf("queue id %d already allocated", qid))
	}
	c.mu.Unlock()

	var msix interfaces.MSIXController
	if c.win != nil {
		msix = c.win
	}

	inner, err := queue.NewQpair(queue.Config{
		QueueID:          qid,
		Depth:            depth,
		InterruptEnabled: interruptEnabled,
		InterruptVector:  vector,
		DoorbellPolicy:   queue.DoorbellDeferred,
		Transport:        c.transport,
		Logger:           c.logger,
		Observer:         c.observer,
		MSIX:             msix,
		TimeoutFor:       c.timeoutFor,
		AdminSubmit:      c.adminSubmit,
	})
	if err != nil {
		return nil, WrapError("create_io_queue", err)
	}

	if c.win != nil {
		if pt, ok := c.transport.(*regwin.PCIeTransport); ok {
			cqAddr, err := pt.CQPhysAddr(qid)
			if err != nil {
				return nil, WrapError("create_io_queue", err)
			}
			var createCQ uapi.SQE
			createCQ.SetCDW0(uapi.AdminOpCreateCQ, uapi.FuseNormal, uapi.PSDTPRP, 0)
			createCQ.PRP1 = cqAddr
			createCQ.CDW10 = uint32(qid) | uint32(depth-1)<<16
			createCQ.CDW11 = 1 // physically contiguous
			if interruptEnabled {
				createCQ.CDW11 |= 1 << 1
				createCQ.CDW11 |= uint32(vector) << 16
			}
			if _, err := c.adminSubmit(createCQ); err != nil {
				return nil, WrapError("create_io_queue", err)
			}

			sqAddr, err := pt.SQPhysAddr(qid)
			if err != nil {
				return nil, WrapError("create_io_queue", err)
			}
			var createSQ uapi.SQE
			createSQ.SetCDW0(uapi.AdminOpCreateSQ, uapi.FuseNormal, uapi.PSDTPRP, 0)
			createSQ.PRP1 = sqAddr
			createSQ.CDW10 = uint32(qid) | uint32(depth-1)<<16
			createSQ.CDW11 = 1 | uint32(qid)<<16 // physically contiguous, associated CQ id
			if _, err := c.adminSubmit(createSQ); err != nil {
				return nil, WrapError("create_io_queue", err)
			}
		}
	}

	c.mu.Lock()
	c.ioQueues[qid] = inner
	c.mu.Unlock()

	if c.ctx.Registry != nil {
		c.ctx.Registry.RegisterQpair(supervisor.QpairInfo{
			ControllerID: c.id,
			QueueID:      inner.QueueID(),
			Depth:        inner.Depth(),
			Outstanding:  inner.Outstanding,
		})
	}

	return &Qpair{inner: inner, controller: c}, nil
}

func (c *Controller) lowestFreeQID() uint16 {
	for qid := uint16(1); ; qid++ {
		if _, exists := c.ioQueues[qid]; !exists {
			return qid
		}
	}
}

// deleteIOQueue removes qid from the controller's bookkeeping; called
// by Qpair.Delete after the underlying queue.Qpair tears itself down.
func (c *Controller) deleteIOQueue(qid uint16) {
	c.mu.Lock()
	delete(c.ioQueues, qid)
	c.mu.Unlock()
	if c.ctx.Registry != nil {
		c.ctx.Registry.UnregisterQpair(c.id, qid)
	}
}
