package controller

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nvmpath/pkg/types"
)

func TestCanTransition(t *testing.T) {
	allowed := map[types.ControllerState]map[types.ControllerState]bool{
		types.ControllerStateNew: {
			types.ControllerStateLive:      true,
			types.ControllerStateResetting: true,
			types.ControllerStateDeleting:  true,
		},
		types.ControllerStateLive: {
			types.ControllerStateResetting:    true,
			types.ControllerStateReconnecting: true,
			types.ControllerStateDeleting:     true,
		},
		types.ControllerStateResetting: {
			types.ControllerStateLive:     true,
			types.ControllerStateDeleting: true,
		},
		types.ControllerStateReconnecting: {
			types.ControllerStateLive:     true,
			types.ControllerStateDeleting: true,
		},
		types.ControllerStateDeleting: {
			types.ControllerStateDead: true,
		},
	}

	for _, from := range types.AllControllerStates {
		for _, to := range types.AllControllerStates {
			want := allowed[from][to]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStateMachinePath(t *testing.T) {
	var seen []string
	m := NewStateMachine(func(change StateChange) {
		seen = append(seen, string(change.From)+">"+string(change.To))
	})
	assert.Equal(t, types.ControllerStateNew, m.State())

	assert.True(t, m.ChangeState(types.ControllerStateLive))
	assert.False(t, m.ChangeState(types.ControllerStateLive), "self transition")
	assert.True(t, m.ChangeState(types.ControllerStateResetting))
	assert.False(t, m.ChangeState(types.ControllerStateReconnecting))
	assert.True(t, m.ChangeState(types.ControllerStateLive))
	assert.True(t, m.ChangeState(types.ControllerStateDeleting))
	assert.False(t, m.ChangeState(types.ControllerStateLive))
	assert.True(t, m.ChangeState(types.ControllerStateDead))

	for _, s := range types.AllControllerStates {
		assert.False(t, m.ChangeState(s), "dead is terminal")
	}
	assert.Equal(t, []string{
		"new>live", "live>resetting", "resetting>live", "live>deleting", "deleting>dead",
	}, seen)
}

func TestStateMachineConcurrentChange(t *testing.T) {
	var notified atomic.Int32
	m := NewStateMachine(func(StateChange) { notified.Add(1) })
	require.True(t, m.ChangeState(types.ControllerStateLive))
	notified.Store(0)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if m.ChangeState(types.ControllerStateResetting) {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), notified.Load())
	assert.Equal(t, types.ControllerStateResetting, m.State())
}

func TestStateMachineHookRunsUnlocked(t *testing.T) {
	var m *StateMachine
	var observed types.ControllerState
	m = NewStateMachine(func(StateChange) {
		observed = m.State()
	})
	require.True(t, m.ChangeState(types.ControllerStateDeleting))
	assert.Equal(t, types.ControllerStateDeleting, observed)
}

func TestStateMachineSequence(t *testing.T) {
	var changes []StateChange
	m := NewStateMachine(func(change StateChange) { changes = append(changes, change) })
	assert.Equal(t, uint64(0), m.Seq())

	require.True(t, m.ChangeState(types.ControllerStateLive))
	require.True(t, m.ChangeState(types.ControllerStateResetting))
	assert.False(t, m.ChangeState(types.ControllerStateReconnecting))
	require.True(t, m.ChangeState(types.ControllerStateLive))

	assert.Equal(t, []StateChange{
		{From: types.ControllerStateNew, To: types.ControllerStateLive, Seq: 1},
		{From: types.ControllerStateLive, To: types.ControllerStateResetting, Seq: 2},
		{From: types.ControllerStateResetting, To: types.ControllerStateLive, Seq: 3},
	}, changes)
	assert.Equal(t, uint64(3), m.Seq())
	assert.False(t, m.Current(changes[1]), "superseded by the return to live")
	assert.True(t, m.Current(changes[2]))
}

func TestNamespaceSetOrdering(t *testing.T) {
	c := &Controller{}
	var set namespaceSet
	for _, id := range []uint32{5, 1, 3, 2, 4} {
		assert.True(t, set.add(newNamespace(c, types.NamespaceIdentity{NSID: id})))
	}
	assert.False(t, set.add(newNamespace(c, types.NamespaceIdentity{NSID: 3})), "duplicate id")

	ids := func() []uint32 {
		var out []uint32
		for _, ns := range set.snapshot() {
			out = append(out, ns.ID())
		}
		return out
	}
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, ids())

	ns := set.find(3)
	require.NotNil(t, ns)
	assert.True(t, set.remove(ns))
	assert.False(t, set.remove(ns))
	assert.Nil(t, set.find(3))
	assert.Equal(t, []uint32{1, 2, 4, 5}, ids())
	assert.Equal(t, 4, set.len())
}
