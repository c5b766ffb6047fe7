package host

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nvmpath/pkg/config"
	"github.com/cuemby/nvmpath/pkg/controller"
	"github.com/cuemby/nvmpath/pkg/events"
	"github.com/cuemby/nvmpath/pkg/nvme"
	"github.com/cuemby/nvmpath/pkg/types"
)

const waitFor = 2 * time.Second

func testConfig() config.Config {
	cfg := config.Default()
	cfg.AdminTimeout = time.Second
	cfg.IOTimeout = time.Second
	cfg.ShutdownTimeout = time.Second
	cfg.KeepAliveTimeout = 0
	cfg.IOQueues = 2
	cfg.MpathIOTimeout = 2 * time.Second
	cfg.FailoverRetryDelay = 5 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	h, err := New(testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// fabric is two controllers exposing the same shared namespace, plus a
// private namespace on the first one.
type fabric struct {
	a, b   *nvme.Loopback
	shared types.NamespaceIdentity
}

func newFabric() fabric {
	identity := types.ControllerIdentity{
		Model:        "loopback",
		Serial:       "SN0001",
		SubsystemNQN: "nqn.2024-01.io.nvmpath:host-test",
	}
	f := fabric{
		a:      nvme.NewLoopback("lb-a", identity),
		b:      nvme.NewLoopback("lb-b", identity),
		shared: nvme.NewSharedNamespace(1, 1024, 9),
	}
	store := nvme.NewMemStore(512)
	f.a.AddNamespace(f.shared, store)
	f.b.AddNamespace(f.shared, store)
	f.a.AddNamespace(types.NamespaceIdentity{NSID: 2, CapacityBlocks: 64, BlockShift: 9}, nvme.NewMemStore(512))
	return f
}

func (f fabric) attach(t *testing.T, h *Host) {
	t.Helper()
	ctx := context.Background()
	a, err := h.AddController(ctx, f.a)
	require.NoError(t, err)
	require.Equal(t, 0, a.Instance())
	b, err := h.AddController(ctx, f.b)
	require.NoError(t, err)
	require.Equal(t, 1, b.Instance())
}

func (h *Host) waitActive(t *testing.T, group, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		ns, ok := h.GroupActiveMember(group)
		g, found := h.Group(group)
		return ok && ns.Name() == name && found && g.HasUsablePath() && !g.FailoverInProgress()
	}, waitFor, time.Millisecond, "active member should become %s", name)
}

type eventLog struct {
	mu    sync.Mutex
	types []events.EventType
}

func collect(b *events.Broker) *eventLog {
	l := &eventLog{}
	sub := b.Subscribe()
	go func() {
		for ev := range sub {
			l.mu.Lock()
			l.types = append(l.types, ev.Type)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) has(t events.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, seen := range l.types {
		if seen == t {
			return true
		}
	}
	return false
}

func block(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 512)
}

func TestHostMultipathFailover(t *testing.T) {
	h := newTestHost(t)
	log := collect(h.Events())
	f := newFabric()
	f.attach(t, h)
	ctx := context.Background()
	group := f.shared.NGUID

	h.waitActive(t, group, "nvme0n1")
	assert.Equal(t, uint32(1), f.a.ActiveNamespace())

	require.NoError(t, h.Do(ctx, group, &types.IORequest{Op: types.IOOpWrite, Length: 512, Buffer: block(0xab)}))

	// the second path sees the same data
	buf := make([]byte, 512)
	require.NoError(t, h.Do(ctx, "nvme1n1", &types.IORequest{Op: types.IOOpRead, Length: 512, Buffer: buf}))
	assert.Equal(t, block(0xab), buf)

	require.True(t, h.ChangeControllerState(0, types.ControllerStateDeleting))
	h.waitActive(t, group, "nvme1n1")
	assert.Equal(t, uint32(1), f.b.ActiveNamespace())

	require.Eventually(t, func() bool {
		_, err := h.QueryState(0)
		return errors.Is(err, ErrNotFound)
	}, waitFor, time.Millisecond)

	require.NoError(t, h.Do(ctx, group, &types.IORequest{Op: types.IOOpWrite, Offset: 512, Length: 512, Buffer: block(0xcd)}))

	want := []types.GroupInfo{{ID: group, Members: []string{"nvme1n1"}, Active: "nvme1n1"}}
	if diff := cmp.Diff(want, h.Groups(), cmpopts.IgnoreFields(types.GroupInfo{}, "LastFailover", "CongestionDepth")); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}

	require.Eventually(t, func() bool {
		return log.has(events.EventFailoverCompleted) &&
			log.has(events.EventControllerRemoved) &&
			log.has(events.EventGroupCreated)
	}, waitFor, time.Millisecond)
}

func TestHostResetFailsOverAndRejoins(t *testing.T) {
	h := newTestHost(t)
	f := newFabric()
	f.attach(t, h)
	group := f.shared.NGUID
	h.waitActive(t, group, "nvme0n1")

	require.True(t, h.ChangeControllerState(0, types.ControllerStateResetting))
	assert.False(t, h.ChangeControllerState(0, types.ControllerStateResetting), "reset already owned")
	h.waitActive(t, group, "nvme1n1")

	require.Eventually(t, func() bool {
		state, err := h.QueryState(0)
		return err == nil && state == types.ControllerStateLive
	}, waitFor, time.Millisecond)

	g, ok := h.Group(group)
	require.True(t, ok)
	assert.Len(t, g.Members(), 2)
	assert.Equal(t, "nvme1n1", g.Info().Active, "the reset path rejoins as standby")
}

func TestHostLiveRequestDuringReset(t *testing.T) {
	h := newTestHost(t)
	f := newFabric()
	f.attach(t, h)

	f.a.SetReadyDelay(200 * time.Millisecond)
	require.True(t, h.ChangeControllerState(0, types.ControllerStateResetting))
	require.True(t, h.ChangeControllerState(0, types.ControllerStateLive))

	state, err := h.QueryState(0)
	require.NoError(t, err)
	assert.Equal(t, types.ControllerStateLive, state)

	buf := make([]byte, 512)
	require.NoError(t, h.Do(context.Background(), "nvme0n2", &types.IORequest{Op: types.IOOpRead, Length: 512, Buffer: buf}))
}

func TestHostIgnoresSupersededStateChange(t *testing.T) {
	h := newTestHost(t)
	f := newFabric()
	f.attach(t, h)
	group := f.shared.NGUID
	h.waitActive(t, group, "nvme0n1")

	c, ok := h.Controller(0)
	require.True(t, ok)
	require.Equal(t, types.ControllerStateLive, c.State())

	// a leave-live notice delivered after the controller is live again
	h.ControllerStateChanged(c, controller.StateChange{
		From: types.ControllerStateLive,
		To:   types.ControllerStateResetting,
		Seq:  0,
	})

	g, ok := h.Group(group)
	require.True(t, ok)
	assert.Never(t, func() bool {
		active, ok := g.ActiveMember()
		return !ok || active.Name() != "nvme0n1" || g.FailoverInProgress()
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestHostPrivateNamespace(t *testing.T) {
	h := newTestHost(t)
	f := newFabric()
	f.attach(t, h)

	ns, ok := h.Namespace("nvme0n2")
	require.True(t, ok)
	assert.False(t, ns.Identity().Shared)
	_, ok = h.Group(ns.Identity().NGUID)
	assert.False(t, ok)
	assert.Len(t, h.Groups(), 1)

	ctx := context.Background()
	require.NoError(t, h.Do(ctx, "nvme0n2", &types.IORequest{Op: types.IOOpWrite, Length: 512, Buffer: block(1)}))
	require.NoError(t, h.Do(ctx, "nvme0n2", &types.IORequest{Op: types.IOOpFlush}))
}

func TestHostUnknownHandles(t *testing.T) {
	h := newTestHost(t)

	err := h.SubmitIO("nvme9n1", &types.IORequest{Op: types.IOOpFlush}, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(h.TriggerFailover("missing"), ErrNotFound))
	assert.True(t, errors.Is(h.RemoveController(3), ErrNotFound))

	_, err = h.QueryState(3)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, h.ChangeControllerState(3, types.ControllerStateLive))

	_, ok := h.GroupActiveMember("missing")
	assert.False(t, ok)
}

func TestHostInstanceReuse(t *testing.T) {
	h := newTestHost(t)
	f := newFabric()
	f.attach(t, h)

	require.NoError(t, h.RemoveController(0))
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return !h.instances[0]
	}, waitFor, time.Millisecond, "instance is freed on release")

	c, err := h.AddController(context.Background(), f.a)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Instance())
	assert.Len(t, h.Controllers(), 2)
}

func TestHostAddControllerInitFailure(t *testing.T) {
	h := newTestHost(t)
	lb := nvme.NewLoopback("lb-down", types.ControllerIdentity{SubsystemNQN: "nqn.test"})
	lb.SetDown(true)

	_, err := h.AddController(context.Background(), lb)
	require.Error(t, err)
	assert.True(t, errors.Is(err, nvme.ErrTransport))

	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.controllers) == 0 && len(h.instances) == 0
	}, waitFor, time.Millisecond)
}

func TestHostClose(t *testing.T) {
	h, err := New(testConfig())
	require.NoError(t, err)
	f := newFabric()
	f.attach(t, h)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	assert.Empty(t, h.Controllers())
	assert.Empty(t, h.Groups())

	_, err = h.AddController(context.Background(), f.b)
	assert.True(t, errors.Is(err, nvme.ErrCancelled))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 0
	_, err := New(cfg)
	assert.Error(t, err)
}
