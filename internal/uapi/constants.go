// Package uapi holds NVMe wire-protocol layout: submission/completion
// queue entries, identify structures, register offsets, opcodes and
// status codes, plus the little-endian marshal/unmarshal helpers for all
// of the above.
package uapi

// Admin command opcodes (NVMe base specification, Figure "Admin Command
// Set").
const (
	AdminOpDeleteSQ            = 0x00
	AdminOpCreateSQ            = 0x01
	AdminOpGetLogPage          = 0x02
	AdminOpDeleteCQ            = 0x04
	AdminOpCreateCQ            = 0x05
	AdminOpIdentify            = 0x06
	AdminOpAbort               = 0x08
	AdminOpSetFeatures         = 0x09
	AdminOpGetFeatures         = 0x0A
	AdminOpAsyncEventRequest   = 0x0C
	AdminOpNamespaceManagement = 0x0D
	AdminOpFirmwareCommit      = 0x10
	AdminOpFirmwareDownload    = 0x11
	AdminOpDeviceSelfTest      = 0x14
	AdminOpNamespaceAttach     = 0x15
	AdminOpKeepAlive           = 0x18
	AdminOpDirectiveSend       = 0x19
	AdminOpDirectiveReceive    = 0x1A
	AdminOpVirtMgmt            = 0x1C
	AdminOpMISend              = 0x1D
	AdminOpMIReceive           = 0x1E
	AdminOpDoorbellBufConfig   = 0x7C
	AdminOpFormatNVM           = 0x80
	AdminOpSecuritySend        = 0x81
	AdminOpSecurityReceive     = 0x82
	AdminOpSanitize            = 0x84
)

// I/O command opcodes (NVMe NVM Command Set).
const (
	IOOpFlush               = 0x00
	IOOpWrite               = 0x01
	IOOpRead                = 0x02
	IOOpWriteUncorrectable  = 0x04
	IOOpCompare             = 0x05
	IOOpWriteZeroes         = 0x08
	IOOpDatasetManagement   = 0x09
	IOOpVerify              = 0x0C
	IOOpReservationRegister = 0x0D
	IOOpReservationReport   = 0x0E
	IOOpReservationAcquire  = 0x11
	IOOpReservationRelease  = 0x15
	IOOpCopy                = 0x19
)

// CDW0 fused-operation flags, bits 8-9.
const (
	FuseNormal = 0 << 8
	FuseFirst  = 1 << 8
	FuseSecond = 2 << 8
)

// PRP-or-SGL selector, CDW0 bits 14-15.
const (
	PSDTPRP        = 0 << 14
	PSDTSGLContig  = 1 << 14
	PSDTSGLSegment = 2 << 14
)

// Status Code Types (bits 9-11 of the 16-bit status field).
const (
	SCTGeneric         = 0x0
	SCTCommandSpecific = 0x1
	SCTMediaError      = 0x2
	SCTPath            = 0x3
	SCTVendorSpecific  = 0x7
)

// Well-known status codes used by the spec's worked scenarios and
// invariants (§8).
const (
	// StatusSuccess is SCT=Generic, SC=0x00.
	StatusSuccess = 0x000

	// StatusInvalidField is SCT=Generic, SC=0x02.
	StatusInvalidField = 0x002

	// StatusAbortRequested is SCT=Generic, SC=0x07 ("command abort
	// requested"), used when an Abort succeeds against a targeted cid.
	StatusAbortRequested = 0x007

	// StatusAERLimitExceeded is SCT=CommandSpecific, SC=0x05.
	StatusAERLimitExceeded = 0x105

	// StatusCompareFailure is SCT=MediaError, SC=0x85.
	StatusCompareFailure = 0x285

	// StatusUncorrectable is SCT=MediaError, SC=0x81.
	StatusUncorrectable = 0x281

	// StatusTimeout is the driver-synthesized value for a command whose
	// opcode timeout elapsed without a completion.
	StatusTimeout = 0xFFFF
)

// CDW0 value the driver synthesizes for a timed-out command (the
// §4.4: "reported via callback with cdw0=0xFFFFFFFF").
const TimeoutCDW0 = 0xFFFFFFFF

// Feature identifiers (subset referenced by Controller.getfeatures /
// setfeatures and the default init sequence).
const (
	FeatureNumberOfQueues = 0x07
	FeatureAsyncEventCfg  = 0x0B
)

// Identify CNS values.
const (
	CNSNamespace           = 0x00
	CNSController          = 0x01
	CNSActiveNamespaceList = 0x02
)

// Register byte offsets within BAR0 (NVMe base spec, controller register
// set).
const (
	RegCAP   = 0x00 // Controller Capabilities (64-bit)
	RegVS    = 0x08 // Version
	RegINTMS = 0x0C
	RegINTMC = 0x10
	RegCC    = 0x14 // Controller Configuration
	RegCSTS  = 0x1C // Controller Status
	RegNSSR  = 0x20
	RegAQA   = 0x24 // Admin Queue Attributes
	RegASQ   = 0x28 // Admin Submission Queue Base Address (64-bit)
	RegACQ   = 0x30 // Admin Completion Queue Base Address (64-bit)
)

// Doorbell stride is read from CAP.DSTRD and expressed as 4 << DSTRD
// bytes; DoorbellStrideUnit is that base unit.
const DoorbellStrideUnit = 4

// CC (Controller Configuration) bit layout.
const (
	CCEnable        = 1 << 0
	CCCommandSetNVM = 0 << 4
	CCMPSShift      = 7  // Memory Page Size, 2^(12+MPS) bytes
	CCAMSShift      = 11 // Arbitration Mechanism Selected
	CCShnShift      = 14 // Shutdown Notification
	CCIOSQESShift   = 16 // I/O Submission Queue Entry Size, 2^n bytes
	CCIOCQESShift   = 20 // I/O Completion Queue Entry Size, 2^n bytes
)

// CSTS (Controller Status) bits.
const (
	CSTSReady     = 1 << 0
	CSTSCFS       = 1 << 1 // Controller Fatal Status
	CSTSShstShift = 2      // Shutdown Status
)

// PCIe configuration-space capability IDs.
const (
	PCICapPowerManagement = 0x01
	PCICapMSI             = 0x05
	PCICapPCIExpress      = 0x10
	PCICapMSIX            = 0x11
)

// Dataset Management range attribute bits (used by trim/deallocate).
const (
	DSMAttrIntegralRead  = 1 << 0
	DSMAttrIntegralWrite = 1 << 1
	DSMAttrDeallocate    = 1 << 2
)

// SQESize and CQESize are the fixed NVMe entry sizes this driver speaks
// (no vendor-specific extended entries).
const (
	SQESize = 64
	CQESize = 16
)
