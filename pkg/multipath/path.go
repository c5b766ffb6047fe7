package multipath

import (
	"context"
	"time"

	"github.com/cuemby/nvmpath/pkg/types"
)

// Path is one controller's view of a shared namespace
type Path interface {
	Name() string
	ControllerState() types.ControllerState
	Removing() bool
	// Submit sends io down this path. done is called once unless an error
	// is returned.
	Submit(io *types.IORequest, done func(error)) error
	// Activate makes this path the active one on the device side.
	Activate(ctx context.Context) error
}

type pathState int

const (
	pathStandby pathState = iota
	pathActive
)

func (s pathState) String() string {
	if s == pathActive {
		return "active"
	}
	return "standby"
}

type member struct {
	path         Path
	state        pathState
	lastFailover time.Time
}

// eligible reports whether p may take over as the active path. A resetting
// controller is expected back and still qualifies.
func eligible(p Path) bool {
	if p.Removing() {
		return false
	}
	switch p.ControllerState() {
	case types.ControllerStateReconnecting, types.ControllerStateDeleting, types.ControllerStateDead:
		return false
	default:
		return true
	}
}

// usable reports whether I/O can be sent to m right now
func (m *member) usable() bool {
	return m.state == pathActive && !m.path.Removing() &&
		m.path.ControllerState() == types.ControllerStateLive
}

type groupState uint32

const (
	groupStable groupState = iota
	groupFailover
)
