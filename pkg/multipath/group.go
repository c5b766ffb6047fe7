package multipath

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/nvmpath/pkg/log"
	"github.com/cuemby/nvmpath/pkg/metrics"
	"github.com/cuemby/nvmpath/pkg/nvme"
	"github.com/cuemby/nvmpath/pkg/types"
)

// Config tunes failover and the congestion queue
type Config struct {
	// IOTimeout bounds how long an I/O may wait in the congestion queue.
	IOTimeout time.Duration
	// IORetries is the number of path errors an I/O survives.
	IORetries int
	// FailoverInterval is the minimum spacing between path switches.
	FailoverInterval time.Duration
	// RetryDelay spaces activation retries and rate limited failovers.
	RetryDelay        time.Duration
	ActivationRetries int
	PoolSize          int
}

// DefaultConfig returns the driver defaults
func DefaultConfig() Config {
	return Config{
		IOTimeout:         60 * time.Second,
		IORetries:         10,
		FailoverInterval:  60 * time.Second,
		RetryDelay:        time.Second,
		ActivationRetries: 3,
		PoolSize:          4096,
	}
}

// Listener is told about failovers. Calls are made without the group lock.
type Listener interface {
	FailoverStarted(g *Group, from, to string)
	FailoverCompleted(g *Group, active string, took time.Duration)
	FailoverFailed(g *Group, err error)
}

// Group is a multipath namespace: the set of paths to one shared volume,
// the active path choice and the queue of I/O waiting for a usable path.
type Group struct {
	id       string
	cfg      Config
	logger   zerolog.Logger
	pool     *ContextPool
	limiter  *rate.Limiter
	listener Listener
	wake     func()

	ctx         context.Context
	cancel      context.CancelFunc
	activations sync.WaitGroup

	flag atomic.Uint32

	mu              sync.Mutex
	members         []*member
	pending         []*Context
	removing        bool
	cleanupComplete bool
	degraded        bool
	lastFailover    time.Time
	retryTimer      *time.Timer
}

// NewGroup creates an empty group. wake is called when queued I/O can be
// resubmitted; listener may be nil.
func NewGroup(id string, cfg Config, listener Listener, wake func()) *Group {
	limit := rate.Inf
	if cfg.FailoverInterval > 0 {
		limit = rate.Every(cfg.FailoverInterval)
	}
	if cfg.ActivationRetries < 0 {
		cfg.ActivationRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{
		id:              id,
		cfg:             cfg,
		logger:          log.WithGroup(id),
		pool:            NewContextPool(cfg.PoolSize),
		limiter:         rate.NewLimiter(limit, 1),
		listener:        listener,
		wake:            wake,
		ctx:             ctx,
		cancel:          cancel,
		cleanupComplete: true,
	}
}

// ID returns the group id
func (g *Group) ID() string {
	return g.id
}

// AddMember attaches p as a standby path
func (g *Group) AddMember(p Path) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removing {
		return fmt.Errorf("group %s is being removed: %w", g.id, nvme.ErrCancelled)
	}
	for _, m := range g.members {
		if m.path == p || m.path.Name() == p.Name() {
			return fmt.Errorf("path %s already in group %s", p.Name(), g.id)
		}
	}
	g.members = append(g.members, &member{path: p, state: pathStandby})
	g.logger.Info().Str("path", p.Name()).Int("members", len(g.members)).Msg("Path attached")
	return nil
}

// RemoveMember detaches p and returns the number of members left. Removing
// the active path fails over to the next one.
func (g *Group) RemoveMember(p Path) int {
	remaining, wasActive := g.removeMember(p)
	g.failoverAfterRemoval(remaining, wasActive)
	return remaining
}

func (g *Group) removeMember(p Path) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := -1
	for i, m := range g.members {
		if m.path == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		return len(g.members), false
	}
	wasActive := g.members[idx].state == pathActive
	g.members = append(g.members[:idx], g.members[idx+1:]...)
	g.logger.Info().Str("path", p.Name()).Bool("active", wasActive).Int("members", len(g.members)).Msg("Path detached")
	return len(g.members), wasActive
}

func (g *Group) failoverAfterRemoval(remaining int, wasActive bool) {
	if !wasActive || remaining == 0 {
		return
	}
	if err := g.TriggerFailover(); err != nil {
		g.logger.Warn().Err(err).Msg("Failover after path removal failed")
	}
}

// Members returns the paths in attach order
func (g *Group) Members() []Path {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Path, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.path)
	}
	return out
}

// ActiveMember returns the path marked active, usable or not
func (g *Group) ActiveMember() (Path, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m := g.activeLocked(); m != nil {
		return m.path, true
	}
	return nil, false
}

// HasUsablePath reports whether I/O would go straight to a path
func (g *Group) HasUsablePath() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := g.activeLocked()
	return m != nil && m.usable()
}

// Degraded reports whether the group ran out of viable paths
func (g *Group) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

// FailoverInProgress reports whether the failover flag is held
func (g *Group) FailoverInProgress() bool {
	return groupState(g.flag.Load()) == groupFailover
}

// Pending returns the congestion queue depth
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// ContextsInUse returns the number of I/Os the group currently owns
func (g *Group) ContextsInUse() int {
	return g.pool.InUse()
}

// Info returns a reporting snapshot
func (g *Group) Info() types.GroupInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	info := types.GroupInfo{
		ID:              g.id,
		Degraded:        g.degraded,
		CongestionDepth: len(g.pending),
		LastFailover:    g.lastFailover,
	}
	for _, m := range g.members {
		info.Members = append(info.Members, m.path.Name())
		if m.state == pathActive {
			info.Active = m.path.Name()
		}
	}
	return info
}

// Submit sends io to the active path, or queues it until one is available.
// done is called exactly once unless an error is returned.
func (g *Group) Submit(io *types.IORequest, done func(error)) error {
	if done == nil {
		done = func(error) {}
	}

	g.mu.Lock()
	removing := g.removing
	noPath := g.degraded && g.firstEligibleLocked(nil) == nil
	g.mu.Unlock()
	if removing {
		return fmt.Errorf("group %s is being removed: %w", g.id, nvme.ErrCancelled)
	}
	if noPath {
		metrics.MultipathIOTotal.WithLabelValues(string(io.Op), "no_path").Inc()
		return fmt.Errorf("group %s: %w", g.id, nvme.ErrNoViablePath)
	}

	c, err := g.pool.Get()
	if err != nil {
		metrics.MultipathIOTotal.WithLabelValues(string(io.Op), "exhausted").Inc()
		return fmt.Errorf("group %s: %w", g.id, err)
	}
	c.IO = io
	c.Retries = g.cfg.IORetries
	c.Enqueued = time.Now()
	c.done = done
	metrics.ContextsInUse.WithLabelValues(g.id).Set(float64(g.pool.InUse()))

	g.route(c)
	return nil
}

func (g *Group) route(c *Context) {
	g.mu.Lock()
	if g.removing {
		g.mu.Unlock()
		g.finish(c, fmt.Errorf("group %s is being removed: %w", g.id, nvme.ErrCancelled))
		return
	}
	if groupState(g.flag.Load()) == groupStable && g.cleanupComplete {
		if m := g.activeLocked(); m != nil && m.usable() {
			g.mu.Unlock()
			g.dispatch(c, m.path)
			return
		}
	}
	if g.degraded && g.firstEligibleLocked(nil) == nil {
		g.mu.Unlock()
		g.finish(c, fmt.Errorf("group %s: %w", g.id, nvme.ErrNoViablePath))
		return
	}
	g.enqueueLocked(c)
	g.mu.Unlock()

	if err := g.TriggerFailover(); err != nil {
		g.logger.Debug().Err(err).Msg("Failover on submit")
	}
}

func (g *Group) dispatch(c *Context, p Path) {
	c.Path = p.Name()
	if err := p.Submit(c.IO, func(err error) { g.complete(c, p, err) }); err != nil {
		g.complete(c, p, err)
	}
}

func (g *Group) complete(c *Context, p Path, err error) {
	if err == nil {
		g.finish(c, nil)
		return
	}
	if !nvme.IsPathError(err) || c.Retries <= 0 {
		g.finish(c, err)
		return
	}
	c.Retries--

	g.mu.Lock()
	if g.removing {
		g.mu.Unlock()
		g.finish(c, fmt.Errorf("group %s is being removed: %w", g.id, err))
		return
	}
	m := g.activeLocked()
	onActive := m != nil && m.path == p
	g.enqueueLocked(c)
	g.mu.Unlock()

	metrics.MultipathIOTotal.WithLabelValues(string(c.IO.Op), "requeued").Inc()
	g.logger.Debug().Err(err).Str("path", p.Name()).Str("io", c.IO.String()).Int("retries_left", c.Retries).Msg("Path error, requeued")

	if onActive {
		if err := g.TriggerFailover(); err != nil {
			g.logger.Warn().Err(err).Msg("Failover after path error failed")
		}
	}
}

func (g *Group) finish(c *Context, err error) {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	op := string(c.IO.Op)
	metrics.MultipathIOTotal.WithLabelValues(op, ioOutcome(err)).Inc()
	metrics.TimerSince(c.Enqueued).ObserveDurationVec(metrics.MultipathIODuration, op)

	done := c.done
	g.pool.Put(c)
	metrics.ContextsInUse.WithLabelValues(g.id).Set(float64(g.pool.InUse()))
	done(err)
}

func (g *Group) failAll(entries []*Context, err error) {
	for _, c := range entries {
		g.finish(c, err)
	}
}

func (g *Group) enqueueLocked(c *Context) {
	g.pending = append(g.pending, c)
	g.setDepthLocked()
}

func (g *Group) setDepthLocked() {
	metrics.CongestionDepth.WithLabelValues(g.id).Set(float64(len(g.pending)))
}

func (g *Group) activeLocked() *member {
	for _, m := range g.members {
		if m.state == pathActive {
			return m
		}
	}
	return nil
}

// firstEligibleLocked returns the first eligible member other than skip
func (g *Group) firstEligibleLocked(skip *member) *member {
	for _, m := range g.members {
		if m != skip && eligible(m.path) {
			return m
		}
	}
	return nil
}

func (g *Group) hasMemberLocked(m *member) bool {
	for _, x := range g.members {
		if x == m {
			return true
		}
	}
	return false
}

// degradeLocked marks the group without a viable path and takes the queue
// so the caller can fail it.
func (g *Group) degradeLocked() []*Context {
	g.degraded = true
	g.cleanupComplete = true
	entries := g.pending
	g.pending = nil
	g.setDepthLocked()
	return entries
}

func (g *Group) clearFlag() {
	g.flag.Store(uint32(groupStable))
}

func (g *Group) kick() {
	if g.wake != nil {
		g.wake()
	}
}

// TriggerFailover moves the group to a new active path. Only one failover
// runs at a time; a trigger while one is in progress returns nil at once.
// Activation completes in the background.
func (g *Group) TriggerFailover() error {
	if !g.flag.CompareAndSwap(uint32(groupStable), uint32(groupFailover)) {
		return nil
	}

	g.mu.Lock()
	if g.removing {
		g.mu.Unlock()
		g.clearFlag()
		return fmt.Errorf("group %s is being removed: %w", g.id, nvme.ErrCancelled)
	}

	active := g.activeLocked()
	candidate := g.firstEligibleLocked(active)
	if candidate == nil {
		var failed []*Context
		degrade := active == nil || !eligible(active.path)
		if degrade {
			failed = g.degradeLocked()
		}
		g.mu.Unlock()
		g.clearFlag()

		err := fmt.Errorf("group %s: %w", g.id, nvme.ErrNoViablePath)
		if degrade {
			metrics.FailoversTotal.WithLabelValues("no_path").Inc()
			g.logger.Error().Int("failed_io", len(failed)).Msg("No viable path")
			if g.listener != nil {
				g.listener.FailoverFailed(g, err)
			}
		}
		g.failAll(failed, err)
		return err
	}

	if active != nil && !g.limiter.Allow() {
		g.scheduleRetryLocked()
		g.mu.Unlock()
		g.clearFlag()
		metrics.FailoversTotal.WithLabelValues("rate_limited").Inc()
		g.logger.Debug().Dur("interval", g.cfg.FailoverInterval).Msg("Failover rate limited")
		return nil
	}

	var from string
	if active != nil {
		active.state = pathStandby
		from = active.path.Name()
	}
	timer := metrics.NewTimer()
	candidate.lastFailover = timer.Started()
	g.lastFailover = timer.Started()
	g.cleanupComplete = false
	g.activations.Add(1)
	g.mu.Unlock()

	to := candidate.path.Name()
	g.logger.Info().Str("from", from).Str("to", to).Msg("Failing over")
	if g.listener != nil {
		g.listener.FailoverStarted(g, from, to)
	}

	go g.activate(candidate, timer)
	return nil
}

func (g *Group) scheduleRetryLocked() {
	if g.retryTimer != nil || g.removing {
		return
	}
	g.retryTimer = time.AfterFunc(g.cfg.RetryDelay, g.retryFailover)
}

// retryFailover runs after a rate limited trigger and only fails over if
// the group still lacks a usable path.
func (g *Group) retryFailover() {
	g.mu.Lock()
	g.retryTimer = nil
	active := g.activeLocked()
	need := !g.removing && (active == nil || !active.usable())
	g.mu.Unlock()

	if !need {
		return
	}
	if err := g.TriggerFailover(); err != nil {
		g.logger.Warn().Err(err).Msg("Delayed failover failed")
	}
}

// activate runs with the failover flag held until it returns
func (g *Group) activate(m *member, timer *metrics.Timer) {
	defer g.activations.Done()

	name := m.path.Name()
	attempt := 0
	op := func() error {
		attempt++
		if !eligible(m.path) {
			return backoff.Permanent(fmt.Errorf("path %s is no longer eligible: %w", name, nvme.ErrNoViablePath))
		}
		err := m.path.Activate(g.ctx)
		if err != nil {
			g.logger.Warn().Err(err).Str("path", name).Int("attempt", attempt).Msg("Path activation failed")
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.cfg.RetryDelay), uint64(g.cfg.ActivationRetries)),
		g.ctx,
	)
	err := backoff.Retry(op, policy)

	g.mu.Lock()
	if err == nil && (g.removing || !g.hasMemberLocked(m)) {
		err = fmt.Errorf("path %s left group during activation: %w", name, nvme.ErrNoViablePath)
	}
	if err == nil {
		m.state = pathActive
		g.cleanupComplete = true
		g.degraded = false
		g.mu.Unlock()
		g.clearFlag()

		took := timer.Duration()
		metrics.FailoversTotal.WithLabelValues("success").Inc()
		timer.ObserveDuration(metrics.FailoverDuration)
		g.logger.Info().Str("active", name).Dur("took", took).Msg("Failover complete")
		if g.listener != nil {
			g.listener.FailoverCompleted(g, name, took)
		}
		g.kick()
		return
	}

	if g.removing {
		g.mu.Unlock()
		g.clearFlag()
		return
	}
	// the candidate dropped out; try the next one
	retarget := (!eligible(m.path) || !g.hasMemberLocked(m)) && g.firstEligibleLocked(nil) != nil
	var failed []*Context
	if !retarget {
		failed = g.degradeLocked()
	}
	g.mu.Unlock()
	g.clearFlag()

	if retarget {
		g.logger.Info().Str("path", name).Msg("Activation target went away, retrying failover")
		if err := g.TriggerFailover(); err != nil {
			g.logger.Warn().Err(err).Msg("Failover retry failed")
		}
		return
	}

	metrics.FailoversTotal.WithLabelValues("failed").Inc()
	g.logger.Error().Err(err).Str("path", name).Int("attempts", attempt).Int("failed_io", len(failed)).Msg("Activation retries exhausted")
	if g.listener != nil {
		g.listener.FailoverFailed(g, err)
	}
	g.failAll(failed, fmt.Errorf("group %s: %w: %v", g.id, nvme.ErrNoViablePath, err))
}

// resubmit drains the congestion queue to the active path. Entries older
// than the I/O timeout fail. It returns the number resubmitted.
func (g *Group) resubmit() int {
	if groupState(g.flag.Load()) != groupStable {
		return 0
	}

	g.mu.Lock()
	if g.removing || len(g.pending) == 0 {
		g.mu.Unlock()
		return 0
	}
	entries := g.pending
	g.pending = nil

	var target Path
	if m := g.activeLocked(); m != nil && m.usable() && g.cleanupComplete {
		target = m.path
	}

	now := time.Now()
	var expired, keep []*Context
	for _, c := range entries {
		if g.cfg.IOTimeout > 0 && now.Sub(c.Enqueued) >= g.cfg.IOTimeout {
			expired = append(expired, c)
		} else {
			keep = append(keep, c)
		}
	}
	if target == nil {
		g.pending = keep
	}
	g.setDepthLocked()
	g.mu.Unlock()

	for _, c := range expired {
		g.finish(c, fmt.Errorf("queued %s for %s: %w", c.IO, now.Sub(c.Enqueued).Round(time.Millisecond), nvme.ErrTimeout))
	}
	if target == nil {
		return 0
	}

	for _, c := range keep {
		metrics.ResubmittedTotal.Inc()
		g.dispatch(c, target)
	}
	if len(keep) > 0 {
		g.logger.Debug().Int("count", len(keep)).Str("path", target.Name()).Msg("Resubmitted queued I/O")
	}
	return len(keep)
}

// Close tears the group down. Queued I/O fails with ErrCancelled; I/O
// already on a path completes normally.
func (g *Group) Close() {
	g.mu.Lock()
	if g.removing {
		g.mu.Unlock()
		return
	}
	g.removing = true
	entries := g.pending
	g.pending = nil
	if g.retryTimer != nil {
		g.retryTimer.Stop()
		g.retryTimer = nil
	}
	g.mu.Unlock()

	g.cancel()
	g.failAll(entries, fmt.Errorf("group %s removed: %w", g.id, nvme.ErrCancelled))
	g.activations.Wait()

	metrics.CongestionDepth.DeleteLabelValues(g.id)
	metrics.ContextsInUse.DeleteLabelValues(g.id)
	g.logger.Info().Int("failed_io", len(entries)).Msg("Group removed")
}

func ioOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, nvme.ErrNoViablePath):
		return "no_path"
	case errors.Is(err, nvme.ErrTimeout):
		return "timeout"
	case errors.Is(err, nvme.ErrCancelled):
		return "cancelled"
	default:
		return "error"
	}
}
