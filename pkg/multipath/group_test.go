package multipath

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/nvmpath/pkg/nvme"
	"github.com/cuemby/nvmpath/pkg/types"
)

type fakePath struct {
	name string

	mu          sync.Mutex
	state       types.ControllerState
	removing    bool
	gate        chan struct{}
	activateErr error
	activations int
	submitted   int
	failNext    int
	failErr     error
}

func newFakePath(name string) *fakePath {
	return &fakePath{name: name, state: types.ControllerStateLive}
}

func (p *fakePath) Name() string { return p.name }

func (p *fakePath) ControllerState() types.ControllerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePath) Removing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removing
}

func (p *fakePath) setState(s types.ControllerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *fakePath) setRemoving() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removing = true
}

func (p *fakePath) failSubmissions(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
	p.failErr = err
}

func (p *fakePath) Submit(io *types.IORequest, done func(error)) error {
	p.mu.Lock()
	p.submitted++
	var err error
	if p.failNext > 0 {
		p.failNext--
		err = p.failErr
	}
	p.mu.Unlock()

	go done(err)
	return nil
}

func (p *fakePath) Activate(ctx context.Context) error {
	p.mu.Lock()
	p.activations++
	gate := p.gate
	err := p.activateErr
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (p *fakePath) counts() (activations, submitted int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activations, p.submitted
}

func testConfig() Config {
	return Config{
		IOTimeout:         time.Minute,
		IORetries:         3,
		RetryDelay:        time.Millisecond,
		ActivationRetries: 2,
		PoolSize:          64,
	}
}

func newHarness(t *testing.T, cfg Config, paths ...*fakePath) *Group {
	t.Helper()
	reg := NewRegistry(cfg, nil)
	rs := NewResubmitter(reg, 10*time.Millisecond)
	rs.Start()
	t.Cleanup(rs.Stop)
	t.Cleanup(reg.Close)

	var g *Group
	for _, p := range paths {
		var err error
		g, _, err = reg.Attach(t.Name(), p)
		require.NoError(t, err)
	}
	return g
}

func waitActive(t *testing.T, g *Group, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, ok := g.ActiveMember()
		return ok && p.Name() == name && !g.FailoverInProgress()
	}, 2*time.Second, time.Millisecond, "expected %s active", name)
}

func boot(t *testing.T, g *Group, name string) {
	t.Helper()
	require.NoError(t, g.TriggerFailover())
	waitActive(t, g, name)
}

func flush() *types.IORequest {
	return &types.IORequest{Op: types.IOOpFlush}
}

type results struct {
	mu   sync.Mutex
	errs []error
}

func (r *results) done(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *results) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *results) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func TestContextPool(t *testing.T) {
	pool := NewContextPool(4)
	var got []*Context
	for i := 0; i < 4; i++ {
		c, err := pool.Get()
		require.NoError(t, err)
		got = append(got, c)
	}
	assert.Equal(t, 4, pool.InUse())

	_, err := pool.Get()
	assert.True(t, errors.Is(err, nvme.ErrResourceExhausted))

	pool.Put(got[0])
	c, err := pool.Get()
	require.NoError(t, err)
	assert.Nil(t, c.IO)
	assert.Equal(t, 4, pool.Size())
}

func TestBootActivatesFirstEligible(t *testing.T) {
	a, b := newFakePath("A"), newFakePath("B")
	a.setState(types.ControllerStateReconnecting)
	g := newHarness(t, testConfig(), a, b)

	var res results
	require.NoError(t, g.Submit(flush(), res.done))

	waitActive(t, g, "B")
	require.Eventually(t, func() bool { return res.len() == 1 }, time.Second, time.Millisecond)
	assert.NoError(t, res.all()[0])

	activations, _ := a.counts()
	assert.Equal(t, 0, activations)
	_, submitted := b.counts()
	assert.Equal(t, 1, submitted)
}

func TestConcurrentTriggersActivateOnce(t *testing.T) {
	a := newFakePath("A")
	a.gate = make(chan struct{})
	g := newHarness(t, testConfig(), a)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.TriggerFailover())
		}()
	}
	wg.Wait()
	assert.True(t, g.FailoverInProgress())

	close(a.gate)
	waitActive(t, g, "A")
	activations, _ := a.counts()
	assert.Equal(t, 1, activations)
}

func TestFailoverWhenActiveControllerDies(t *testing.T) {
	a, b := newFakePath("A"), newFakePath("B")
	cfg := testConfig()
	cfg.FailoverInterval = time.Hour
	g := newHarness(t, cfg, a, b)
	boot(t, g, "A")

	a.setState(types.ControllerStateDeleting)
	a.setState(types.ControllerStateDead)
	require.NoError(t, g.TriggerFailover())
	waitActive(t, g, "B")

	var res results
	require.NoError(t, g.Submit(flush(), res.done))
	require.Eventually(t, func() bool { return res.len() == 1 }, time.Second, time.Millisecond)
	assert.NoError(t, res.all()[0])

	_, aSubmitted := a.counts()
	assert.Equal(t, 0, aSubmitted)
	assert.False(t, g.Info().LastFailover.IsZero())
}

func TestFailoverRateLimited(t *testing.T) {
	a, b := newFakePath("A"), newFakePath("B")
	cfg := testConfig()
	cfg.FailoverInterval = time.Hour
	g := newHarness(t, cfg, a, b)
	boot(t, g, "A")

	require.NoError(t, g.TriggerFailover())
	waitActive(t, g, "B")

	require.NoError(t, g.TriggerFailover())
	time.Sleep(20 * time.Millisecond)
	waitActive(t, g, "B")

	aActivations, _ := a.counts()
	bActivations, _ := b.counts()
	assert.Equal(t, 1, aActivations)
	assert.Equal(t, 1, bActivations)
}

func TestPathErrorRequeuesOnNextPath(t *testing.T) {
	a, b := newFakePath("A"), newFakePath("B")
	g := newHarness(t, testConfig(), a, b)
	boot(t, g, "A")

	a.failSubmissions(1, fmt.Errorf("link down: %w", nvme.ErrTransport))

	var res results
	require.NoError(t, g.Submit(flush(), res.done))
	require.Eventually(t, func() bool { return res.len() == 1 }, 2*time.Second, time.Millisecond)
	assert.NoError(t, res.all()[0])
	waitActive(t, g, "B")

	_, aSubmitted := a.counts()
	_, bSubmitted := b.counts()
	assert.Equal(t, 1, aSubmitted)
	assert.Equal(t, 1, bSubmitted)
}

func TestNonPathErrorIsTerminal(t *testing.T) {
	a, b := newFakePath("A"), newFakePath("B")
	g := newHarness(t, testConfig(), a, b)
	boot(t, g, "A")

	statusErr := &nvme.StatusError{Opcode: nvme.CmdWrite, Status: nvme.Status(nvme.SCWriteFault | nvme.SCDNR)}
	a.failSubmissions(1, statusErr)

	var res results
	require.NoError(t, g.Submit(flush(), res.done))
	require.Eventually(t, func() bool { return res.len() == 1 }, time.Second, time.Millisecond)

	var se *nvme.StatusError
	assert.True(t, errors.As(res.all()[0], &se))
	assert.Equal(t, nvme.KindMedium, se.Kind())
	waitActive(t, g, "A")
}

func TestRetryBudgetExhausted(t *testing.T) {
	a := newFakePath("A")
	cfg := testConfig()
	cfg.IORetries = 2
	g := newHarness(t, cfg, a)
	boot(t, g, "A")

	a.failSubmissions(100, nvme.ErrTimeout)

	var res results
	require.NoError(t, g.Submit(flush(), res.done))
	require.Eventually(t, func() bool { return res.len() == 1 }, 2*time.Second, time.Millisecond)
	assert.True(t, errors.Is(res.all()[0], nvme.ErrTimeout))

	_, submitted := a.counts()
	assert.Equal(t, 3, submitted)
}

func TestDrainDeliversEveryCallback(t *testing.T) {
	a := newFakePath("A")
	a.gate = make(chan struct{})
	g := newHarness(t, testConfig(), a)

	const n = 20
	var res results
	for i := 0; i < n; i++ {
		require.NoError(t, g.Submit(flush(), res.done))
	}
	assert.Equal(t, n, g.Pending())

	close(a.gate)
	require.Eventually(t, func() bool { return res.len() == n }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, res.len())
	for _, err := range res.all() {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, g.Pending())
	assert.Equal(t, 0, g.ContextsInUse())
}

func TestCloseMidFailoverFailsQueued(t *testing.T) {
	a := newFakePath("A")
	a.gate = make(chan struct{})
	g := newHarness(t, testConfig(), a)

	const n = 10
	var res results
	for i := 0; i < n; i++ {
		require.NoError(t, g.Submit(flush(), res.done))
	}

	g.Close()
	require.Equal(t, n, res.len())
	for _, err := range res.all() {
		assert.True(t, errors.Is(err, nvme.ErrCancelled))
	}

	err := g.Submit(flush(), res.done)
	assert.True(t, errors.Is(err, nvme.ErrCancelled))
	assert.Equal(t, 0, g.ContextsInUse())
}

func TestNoViablePath(t *testing.T) {
	a := newFakePath("A")
	a.setState(types.ControllerStateDead)
	g := newHarness(t, testConfig(), a)

	var res results
	require.NoError(t, g.Submit(flush(), res.done))
	require.Equal(t, 1, res.len())
	assert.True(t, errors.Is(res.all()[0], nvme.ErrNoViablePath))
	assert.True(t, g.Degraded())

	err := g.Submit(flush(), res.done)
	assert.True(t, errors.Is(err, nvme.ErrNoViablePath))
	assert.True(t, errors.Is(g.TriggerFailover(), nvme.ErrNoViablePath))

	// a path coming back clears the condition
	a.setState(types.ControllerStateLive)
	boot(t, g, "A")
	assert.False(t, g.Degraded())
}

func TestSinglePathNoCandidate(t *testing.T) {
	a := newFakePath("A")
	g := newHarness(t, testConfig(), a)
	boot(t, g, "A")

	err := g.TriggerFailover()
	assert.True(t, errors.Is(err, nvme.ErrNoViablePath))
	assert.False(t, g.Degraded(), "active path still usable")
	waitActive(t, g, "A")
}

func TestActivationRetriesExhausted(t *testing.T) {
	a := newFakePath("A")
	a.activateErr = fmt.Errorf("set active: %w", nvme.ErrTimeout)
	g := newHarness(t, testConfig(), a)

	var res results
	require.NoError(t, g.Submit(flush(), res.done))
	require.Eventually(t, func() bool { return res.len() == 1 }, 2*time.Second, time.Millisecond)
	assert.True(t, errors.Is(res.all()[0], nvme.ErrNoViablePath))

	activations, _ := a.counts()
	assert.Equal(t, 3, activations, "first attempt plus two retries")
	assert.True(t, g.Degraded())
	_, ok := g.ActiveMember()
	assert.False(t, ok)
}

func TestRemovingActiveMemberFailsOver(t *testing.T) {
	a, b := newFakePath("A"), newFakePath("B")
	g := newHarness(t, testConfig(), a, b)
	boot(t, g, "A")

	a.setRemoving()
	assert.Equal(t, 1, g.RemoveMember(a))
	waitActive(t, g, "B")
	assert.Equal(t, []string{"B"}, g.Info().Members)
}

func TestQueuedIOTimesOut(t *testing.T) {
	a := newFakePath("A")
	cfg := testConfig()
	cfg.IOTimeout = 20 * time.Millisecond
	g := newHarness(t, cfg, a)
	boot(t, g, "A")

	a.setState(types.ControllerStateResetting)
	var res results
	require.NoError(t, g.Submit(flush(), res.done))
	assert.Equal(t, 1, g.Pending())

	require.Eventually(t, func() bool { return res.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(res.all()[0], nvme.ErrTimeout))
}

func TestQueuedIOResumesWhenPathReturns(t *testing.T) {
	a := newFakePath("A")
	g := newHarness(t, testConfig(), a)
	boot(t, g, "A")

	a.setState(types.ControllerStateResetting)
	var res results
	require.NoError(t, g.Submit(flush(), res.done))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, res.len())

	a.setState(types.ControllerStateLive)
	require.Eventually(t, func() bool { return res.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, res.all()[0])
}

func TestGroupPoolExhaustion(t *testing.T) {
	a := newFakePath("A")
	a.gate = make(chan struct{})
	cfg := testConfig()
	cfg.PoolSize = 4
	g := newHarness(t, cfg, a)

	var res results
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Submit(flush(), res.done))
	}
	err := g.Submit(flush(), res.done)
	assert.True(t, errors.Is(err, nvme.ErrResourceExhausted))

	close(a.gate)
	require.Eventually(t, func() bool { return res.len() == 4 }, time.Second, time.Millisecond)
	assert.NoError(t, g.Submit(flush(), res.done))
}

func TestAddMemberDuplicate(t *testing.T) {
	a := newFakePath("A")
	g := NewGroup("dup", testConfig(), nil, nil)
	defer g.Close()

	require.NoError(t, g.AddMember(a))
	assert.Error(t, g.AddMember(a))
	assert.Equal(t, 1, g.RemoveMember(newFakePath("Z")))
}
