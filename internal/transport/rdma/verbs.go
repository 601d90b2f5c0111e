// Package rdma provides the libibverbs abstraction layer and the device layer
// of the RDMA messaging transport.
//
// This file defines the interface between the device layer and the
// underlying RDMA hardware. It provides:
// - Hardware abstraction for different RDMA implementations
// - CGo bindings for libibverbs (when built with hardware support)
// - Simulated mode for development and testing
//
// Build Tags:
// - Default: Uses simulated backend (no hardware required)
// - rdma_hw: Uses actual libibverbs bindings (requires RDMA hardware)
//
// To build with hardware support:
//
//	go build -tags rdma_hw ./...
package rdma

import (
	"errors"
	"fmt"
)

// Verbs errors.
var (
	ErrVerbsNotInitialized = errors.New("verbs not initialized")
	ErrDeviceNotFound      = errors.New("RDMA device not found")
	ErrContextCreation     = errors.New("failed to create device context")
	ErrPDCreation          = errors.New("failed to create protection domain")
	ErrCQCreation          = errors.New("failed to create completion queue")
	ErrChannelCreation     = errors.New("failed to create completion channel")
	ErrSRQCreation         = errors.New("failed to create shared receive queue")
	ErrQPCreation          = errors.New("failed to create queue pair")
	ErrMRCreation          = errors.New("failed to create memory region")
	ErrPostSend            = errors.New("failed to post send request")
	ErrPostRecv            = errors.New("failed to post receive request")
	ErrPollCQ              = errors.New("failed to poll completion queue")
	ErrModifyQP            = errors.New("failed to modify queue pair state")
	ErrNotifyCQ            = errors.New("failed to request completion notification")
	ErrQueryPort           = errors.New("failed to query port")
	ErrQueryGID            = errors.New("failed to query gid")
	ErrRDMANotAvailable    = errors.New("RDMA hardware not available")
)

// Verbs defines the hardware operations the device layer drives.
// This abstraction allows switching between simulated and hardware backends.
type Verbs interface {
	// Initialization
	Init() error
	Close() error

	// Device Management
	GetDeviceList() ([]VerbsDeviceInfo, error)
	OpenDevice(name string) (VerbsContext, error)
	CloseDevice(ctx VerbsContext) error
	QueryDevice(ctx VerbsContext) (*DeviceAttr, error)
	QueryPort(ctx VerbsContext, port uint8) (*PortAttr, error)
	QueryGID(ctx VerbsContext, port uint8, index int) (GID, error)
	QueryGIDType(ctx VerbsContext, port uint8, index int) (GIDType, error)
	AsyncFD(ctx VerbsContext) int

	// Protection Domain
	AllocPD(ctx VerbsContext) (VerbsPD, error)
	DeallocPD(pd VerbsPD) error

	// Memory Registration
	RegMR(pd VerbsPD, buf []byte, access int) (*MemoryRegistration, error)
	DeregMR(mr VerbsMR) error

	// Completion Channel
	CreateCompChannel(ctx VerbsContext) (VerbsCompChannel, error)
	DestroyCompChannel(ch VerbsCompChannel) error
	CompChannelFD(ch VerbsCompChannel) int
	// GetCQEvent consumes one pending event from the channel without
	// blocking. ok is false when nothing is pending.
	GetCQEvent(ch VerbsCompChannel) (cq VerbsCQ, ok bool, err error)
	AckCQEvents(cq VerbsCQ, n uint32)

	// Completion Queue
	CreateCQ(ctx VerbsContext, cqe int, ch VerbsCompChannel) (VerbsCQ, error)
	DestroyCQ(cq VerbsCQ) error
	PollCQ(cq VerbsCQ, wc []VerbsWorkCompletion) (int, error)
	ReqNotifyCQ(cq VerbsCQ, solicitedOnly bool) error

	// Shared Receive Queue
	CreateSRQ(pd VerbsPD, maxWR, maxSGE uint32) (VerbsSRQ, error)
	DestroySRQ(srq VerbsSRQ) error
	PostSRQRecv(srq VerbsSRQ, wr *VerbsRecvWR) error

	// Queue Pair
	CreateQP(pd VerbsPD, attr *QPInitAttr) (VerbsQP, error)
	DestroyQP(qp VerbsQP) error
	ModifyQPToInit(qp VerbsQP, port int) error
	QueryQP(qp VerbsQP) (*VerbsQPAttr, error)
	PostSend(qp VerbsQP, wr *VerbsSendWR) error
}

// Handle types for verbs objects.
type VerbsContext uintptr
type VerbsPD uintptr
type VerbsCQ uintptr
type VerbsQP uintptr
type VerbsMR uintptr
type VerbsSRQ uintptr
type VerbsCompChannel uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC  QPType = iota // Reliable Connection
	QPTypeUC                // Unreliable Connection
	QPTypeUD                // Unreliable Datagram
	QPTypeXRC               // Extended Reliable Connection
)

func (t QPType) String() string {
	switch t {
	case QPTypeRC:
		return "RC"
	case QPTypeUC:
		return "UC"
	case QPTypeUD:
		return "UD"
	case QPTypeXRC:
		return "XRC"
	default:
		return fmt.Sprintf("QPType(%d)", int(t))
	}
}

// Memory region access flags.
const (
	MRAccessLocalWrite   = 1 << 0
	MRAccessRemoteWrite  = 1 << 1
	MRAccessRemoteRead   = 1 << 2
	MRAccessRemoteAtomic = 1 << 3
)

// PortState mirrors enum ibv_port_state.
type PortState int

const (
	PortStateNop PortState = iota
	PortStateDown
	PortStateInit
	PortStateArmed
	PortStateActive
	PortStateActiveDefer
)

func (s PortState) String() string {
	switch s {
	case PortStateNop:
		return "NOP"
	case PortStateDown:
		return "DOWN"
	case PortStateInit:
		return "INIT"
	case PortStateArmed:
		return "ARMED"
	case PortStateActive:
		return "ACTIVE"
	case PortStateActiveDefer:
		return "ACTIVE_DEFER"
	default:
		return fmt.Sprintf("PortState(%d)", int(s))
	}
}

// GIDType is the addressing protocol of a GID table entry.
type GIDType int

const (
	GIDTypeIB GIDType = iota
	GIDTypeRoCEv1
	GIDTypeRoCEv2
)

func (t GIDType) String() string {
	switch t {
	case GIDTypeIB:
		return "IB"
	case GIDTypeRoCEv1:
		return "RoCEv1"
	case GIDTypeRoCEv2:
		return "RoCEv2"
	default:
		return fmt.Sprintf("GIDType(%d)", int(t))
	}
}

// Work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCLocalRddViolErr
	WCRemoteInvalidRdReqErr
	WCRemoteAbortedErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = [...]string{
	"success", "local_len_err", "local_qp_op_err", "local_eec_op_err",
	"local_prot_err", "wr_flush_err", "mw_bind_err", "bad_resp_err",
	"local_access_err", "remote_inv_req_err", "remote_access_err",
	"remote_op_err", "retry_exc_err", "rnr_retry_exc_err", "local_rdd_viol_err",
	"remote_inv_rd_req_err", "remote_aborted_err", "inv_eecn_err",
	"inv_eec_state_err", "fatal_err", "resp_timeout_err", "general_err",
}

func (s WCStatus) String() string {
	if s >= 0 && int(s) < len(wcStatusNames) {
		return wcStatusNames[s]
	}

	return fmt.Sprintf("WCStatus(%d)", int(s))
}

// Work completion opcode.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpCompSwap
	WCOpFetchAdd
	WCOpBindMW
	WCOpLocalInv
	WCOpRecv
	WCOpRecvRDMAWithImm
)

// Send opcodes.
const (
	SendOpSend = iota
	SendOpSendWithImm
	SendOpRDMAWrite
	SendOpRDMARead
)

// Send flags.
const (
	SendFlagSignaled = 1 << 1
	SendFlagInline   = 1 << 3
)

// VerbsDeviceInfo contains RDMA device information.
type VerbsDeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  int
	VendorID     uint32
	VendorPartID uint32
	HWVer        uint32
}

// DeviceAttr is the capability snapshot returned by QueryDevice.
type DeviceAttr struct {
	FWVer       string
	NodeGUID    uint64
	MaxMRSize   uint64
	MaxQP       int
	MaxQPWR     int
	MaxSGE      int
	MaxCQ       int
	MaxCQE      int
	MaxMR       int
	MaxPD       int
	MaxSRQ      int
	MaxSRQWR    int
	MaxSRQSGE   int
	PhysPortCnt int
}

// PortAttr is the subset of ibv_port_attr the device layer consumes.
type PortAttr struct {
	State       PortState
	MaxMTU      int
	ActiveMTU   int
	GIDTableLen int
	LinkLayer   string
	LID         uint16
	SMLID       uint16
	ActiveSpeed uint8
	ActiveWidth uint8
}

// MemoryRegistration describes a registered memory region.
type MemoryRegistration struct {
	Handle VerbsMR
	LKey   uint32
	RKey   uint32
}

// QPInitAttr carries the queue pair creation parameters.
type QPInitAttr struct {
	SendCQ     VerbsCQ
	RecvCQ     VerbsCQ
	SRQ        VerbsSRQ
	QPType     QPType
	MaxSendWR  uint32
	MaxRecvWR  uint32
	MaxSendSGE uint32
	MaxRecvSGE uint32
	SigAll     bool
}

// VerbsWorkCompletion represents a work completion entry.
type VerbsWorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	ImmData   uint32
	QPN       uint32
	SrcQP     uint32
	WCFlags   int
	PkeyIndex uint16
	SLID      uint16
	SL        uint8
	DLIDPath  uint8
}

// VerbsQPAttr contains queue pair attributes.
type VerbsQPAttr struct {
	State   int
	QPN     uint32
	PortNum uint8
	Cap     VerbsQPCap
}

// VerbsQPCap contains queue pair capabilities.
type VerbsQPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
}

// VerbsSendWR represents a send work request.
type VerbsSendWR struct {
	Next       *VerbsSendWR
	SGList     []VerbsSGE
	WRID       uint64
	Opcode     int
	SendFlags  int
	RemoteAddr uint64
	ImmData    uint32
	RKey       uint32
}

// VerbsRecvWR represents a receive work request.
type VerbsRecvWR struct {
	Next   *VerbsRecvWR
	SGList []VerbsSGE
	WRID   uint64
}

// VerbsSGE represents a scatter/gather entry.
type VerbsSGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// Backend kinds accepted by NewBackend.
const (
	BackendSimulated = "simulated"
	BackendHardware  = "hardware"
)

// NewBackend returns the verbs backend for kind.
func NewBackend(kind string) (Verbs, error) {
	switch kind {
	case "", BackendSimulated:
		return NewSimulatedVerbsBackend(), nil
	case BackendHardware:
		return newHardwareBackend()
	default:
		return nil, fmt.Errorf("unknown verbs backend %q", kind)
	}
}
