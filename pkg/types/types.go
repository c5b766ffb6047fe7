package types

import (
	"fmt"
	"time"
)

// ControllerState is the lifecycle state of a storage controller
type ControllerState string

const (
	ControllerStateNew          ControllerState = "new"
	ControllerStateLive         ControllerState = "live"
	ControllerStateResetting    ControllerState = "resetting"
	ControllerStateReconnecting ControllerState = "reconnecting"
	ControllerStateDeleting     ControllerState = "deleting"
	ControllerStateDead         ControllerState = "dead"
)

// AllControllerStates lists every state in declaration order
var AllControllerStates = []ControllerState{
	ControllerStateNew,
	ControllerStateLive,
	ControllerStateResetting,
	ControllerStateReconnecting,
	ControllerStateDeleting,
	ControllerStateDead,
}

// IOOp is the class of a block I/O request
type IOOp string

const (
	IOOpRead    IOOp = "read"
	IOOpWrite   IOOp = "write"
	IOOpFlush   IOOp = "flush"
	IOOpDiscard IOOp = "discard"
)

// IORequest is a generic block request addressed in bytes.
// Offset and Length must be multiples of the namespace block size for
// read, write and discard. Flush ignores both.
type IORequest struct {
	Op     IOOp
	Offset uint64
	Length uint32
	Buffer []byte
}

func (r *IORequest) String() string {
	return fmt.Sprintf("%s off=%d len=%d", r.Op, r.Offset, r.Length)
}

// ControllerIdentity holds what a controller reports about itself
type ControllerIdentity struct {
	Model          string
	Serial         string
	Firmware       string
	SubsystemNQN   string
	NamespaceCount uint32
	// AsyncEventLimit is the number of async event requests the controller accepts (zero based).
	AsyncEventLimit uint8
	// FirmwareActivationTime is MTFA in 100ms units, zero if unreported.
	FirmwareActivationTime uint16
	MaxTransferBytes       uint32
}

// NamespaceIdentity holds what a controller reports about a namespace
type NamespaceIdentity struct {
	NSID           uint32
	CapacityBlocks uint64
	BlockShift     uint8
	NGUID          string
	Shared         bool
}

// BlockSize returns the logical block size in bytes
func (n NamespaceIdentity) BlockSize() uint32 {
	return 1 << n.BlockShift
}

// ControllerInfo is a point-in-time snapshot of a controller for reporting
type ControllerInfo struct {
	Instance     int
	SubsystemNQN string
	State        ControllerState
	Namespaces   []uint32
	KeepAlive    time.Duration
}

// GroupInfo is a point-in-time snapshot of a multipath group for reporting
type GroupInfo struct {
	ID              string
	Members         []string
	Active          string
	Degraded        bool
	CongestionDepth int
	LastFailover    time.Time
}
