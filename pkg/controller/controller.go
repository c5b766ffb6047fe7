package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nvmpath/pkg/command"
	"github.com/cuemby/nvmpath/pkg/health"
	"github.com/cuemby/nvmpath/pkg/log"
	"github.com/cuemby/nvmpath/pkg/metrics"
	"github.com/cuemby/nvmpath/pkg/nvme"
	"github.com/cuemby/nvmpath/pkg/types"
	"github.com/cuemby/nvmpath/pkg/workqueue"
)

// Observer is told about lifecycle changes. Calls are made without any
// controller lock held, and notices for back-to-back transitions can arrive
// out of order; Controller.StateCurrent tells a late one apart.
type Observer interface {
	ControllerStateChanged(c *Controller, change StateChange)
	NamespaceAdded(ns *Namespace)
	NamespaceRemoving(ns *Namespace)
}

// Options configures a controller
type Options struct {
	Instance          int
	AdminTimeout      time.Duration
	IOTimeout         time.Duration
	ShutdownTimeout   time.Duration
	KeepAlive         time.Duration
	KeepAliveFailures int
	MaxRetries        int
	IOQueues          int
	IOQueueDepth      int
	AdminQueueDepth   int
	AsyncEventSlots   int

	// Pool runs background work. Required.
	Pool     *workqueue.Pool
	Observer Observer
	// Release runs once when the last reference is dropped.
	Release func(c *Controller)
}

// DefaultOptions returns options matching the driver's module defaults
func DefaultOptions() Options {
	return Options{
		AdminTimeout:      60 * time.Second,
		IOTimeout:         30 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		KeepAliveFailures: 1,
		MaxRetries:        command.DefaultMaxRetries,
		IOQueues:          4,
		IOQueueDepth:      128,
		AdminQueueDepth:   32,
		AsyncEventSlots:   1,
	}
}

// Controller is one storage controller reached through a transport
type Controller struct {
	instance  int
	transport nvme.Transport
	opts      Options
	logger    zerolog.Logger
	pool      *workqueue.Pool
	observer  Observer

	sm       *StateMachine
	admin    *command.Queue
	ioQueues []*command.Queue
	cursor   atomic.Uint32

	mu          sync.Mutex
	capReg      uint64
	identity    types.ControllerIdentity
	eventLimit  int
	eventBudget int

	namespaces namespaceSet

	refs        atomic.Int32
	releaseOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	kaStatus   *health.Status
	kaConfig   health.Config
	kaChecker  health.Checker
	regChecker health.Checker

	scanWork       *pendingWork
	resetWork      *pendingWork
	deleteWork     *pendingWork
	keepAliveWork  *pendingWork
	asyncEventWork *pendingWork
	fwActWork      *pendingWork
}

// New creates a controller in the New state holding one reference
func New(t nvme.Transport, opts Options) (*Controller, error) {
	if t == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("work pool is required")
	}
	if opts.IOQueues < 1 {
		opts.IOQueues = 1
	}
	if opts.AsyncEventSlots < 0 {
		opts.AsyncEventSlots = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		instance:  opts.Instance,
		transport: t,
		opts:      opts,
		logger:    log.WithController(opts.Instance).With().Str("transport", t.Name()).Logger(),
		pool:      opts.Pool,
		observer:  opts.Observer,
		ctx:       ctx,
		cancel:    cancel,
		kaStatus:  health.NewStatus(),
		kaConfig: health.Config{
			Interval: opts.KeepAlive,
			Timeout:  opts.KeepAlive,
			Retries:  opts.KeepAliveFailures,
		},
	}
	c.refs.Store(1)
	c.sm = NewStateMachine(c.stateChanged)

	// Driver-internal admin commands are never retried by the queue.
	c.admin = command.NewQueue(t, command.Config{
		ID:      nvme.AdminQueueID,
		Kind:    command.KindAdmin,
		Depth:   opts.AdminQueueDepth,
		Timeout: opts.AdminTimeout,
	}, c.logger)
	for i := 0; i < opts.IOQueues; i++ {
		c.ioQueues = append(c.ioQueues, command.NewQueue(t, command.Config{
			ID:         uint16(i + 1),
			Kind:       command.KindIO,
			Depth:      opts.IOQueueDepth,
			Timeout:    opts.IOTimeout,
			MaxRetries: opts.MaxRetries,
		}, c.logger))
	}
	c.kaChecker = health.NewKeepAliveChecker(c.admin, opts.KeepAlive)
	c.regChecker = health.NewRegisterChecker(t)

	c.scanWork = newPendingWork(c, c.scan)
	c.resetWork = newPendingWork(c, c.doReset)
	c.deleteWork = newPendingWork(c, c.doDelete)
	c.keepAliveWork = newPendingWork(c, c.keepAlive)
	c.asyncEventWork = newPendingWork(c, c.submitAsyncEvents)
	c.fwActWork = newPendingWork(c, c.firmwareActivation)

	return c, nil
}

// Instance returns the controller instance id
func (c *Controller) Instance() int {
	return c.instance
}

// Name returns the device style name, e.g. nvme0
func (c *Controller) Name() string {
	return fmt.Sprintf("nvme%d", c.instance)
}

// State returns the lifecycle state
func (c *Controller) State() types.ControllerState {
	return c.sm.State()
}

// ChangeState requests a lifecycle transition
func (c *Controller) ChangeState(target types.ControllerState) bool {
	return c.sm.ChangeState(target)
}

// Identity returns the last identify controller data
func (c *Controller) Identity() types.ControllerIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SubsystemNQN returns the subsystem the controller belongs to
func (c *Controller) SubsystemNQN() string {
	return c.Identity().SubsystemNQN
}

// Admin returns the admin queue
func (c *Controller) Admin() *command.Queue {
	return c.admin
}

// Namespaces returns the namespaces in ascending id order
func (c *Controller) Namespaces() []*Namespace {
	return c.namespaces.snapshot()
}

// Namespace returns the namespace with the given id, or nil
func (c *Controller) Namespace(nsid uint32) *Namespace {
	return c.namespaces.find(nsid)
}

// Info returns a reporting snapshot
func (c *Controller) Info() types.ControllerInfo {
	nss := c.namespaces.snapshot()
	ids := make([]uint32, 0, len(nss))
	for _, ns := range nss {
		ids = append(ids, ns.ID())
	}
	return types.ControllerInfo{
		Instance:     c.instance,
		SubsystemNQN: c.SubsystemNQN(),
		State:        c.State(),
		Namespaces:   ids,
		KeepAlive:    c.opts.KeepAlive,
	}
}

// Get takes a reference
func (c *Controller) Get() {
	c.refs.Add(1)
}

// Put drops a reference. The last one releases the controller.
func (c *Controller) Put() {
	n := c.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		c.logger.Error().Int32("refs", n).Msg("Controller reference count underflow")
		return
	}
	c.releaseOnce.Do(c.release)
}

// Refs returns the current reference count
func (c *Controller) Refs() int {
	return int(c.refs.Load())
}

func (c *Controller) release() {
	c.cancel()
	c.KillQueues()
	c.logger.Debug().Msg("Controller released")
	if c.opts.Release != nil {
		c.opts.Release(c)
	}
}

// Init brings the device up: disable, enable, wait for ready, identify.
func (c *Controller) Init(ctx context.Context) error {
	capReg, err := c.transport.ReadRegister64(nvme.RegCAP)
	if err != nil {
		return fmt.Errorf("failed to read CAP: %w", err)
	}
	c.mu.Lock()
	c.capReg = capReg
	c.mu.Unlock()

	if err := c.disable(ctx); err != nil {
		return err
	}
	if err := c.enable(ctx); err != nil {
		return err
	}
	return c.identify(ctx)
}

func (c *Controller) identify(ctx context.Context) error {
	id, err := c.transport.IdentifyController(ctx)
	if err != nil {
		return fmt.Errorf("failed to identify controller: %w", err)
	}

	limit := int(id.AsyncEventLimit) + 1
	if limit > c.opts.AsyncEventSlots {
		limit = c.opts.AsyncEventSlots
	}

	c.mu.Lock()
	c.identity = id
	c.eventLimit = limit
	c.mu.Unlock()

	c.logger.Debug().
		Str("model", id.Model).
		Str("serial", id.Serial).
		Str("subnqn", id.SubsystemNQN).
		Uint32("nn", id.NamespaceCount).
		Msg("Identified controller")
	return nil
}

// Start moves a freshly initialised controller to Live and starts keep-alive,
// async events and the namespace scan.
func (c *Controller) Start() error {
	if !c.sm.ChangeState(types.ControllerStateLive) {
		return fmt.Errorf("%s: start from %s: %w", c.Name(), c.State(), nvme.ErrInvalidTransition)
	}
	c.startBackground()
	return nil
}

func (c *Controller) startBackground() {
	c.kaStatus.Reset()
	if c.opts.KeepAlive > 0 {
		c.keepAliveWork.scheduleAfter(c.opts.KeepAlive)
	}
	c.queueAsyncEvents()
	c.StartQueues()
	c.scanWork.schedule()
}

// Stop cancels background work. Queues are left as they are.
func (c *Controller) Stop() {
	c.keepAliveWork.cancel()
	c.asyncEventWork.cancel()
	c.fwActWork.cancel()
	c.scanWork.cancel()
}

// Rescan queues a namespace scan
func (c *Controller) Rescan() {
	c.scanWork.schedule()
}

// FlushScan waits for a queued scan to finish
func (c *Controller) FlushScan() {
	c.scanWork.flush()
}

// Reset moves the controller to Resetting and queues the reset. It returns
// false when the transition is not allowed, which includes a reset already
// in progress.
func (c *Controller) Reset() bool {
	if !c.sm.ChangeState(types.ControllerStateResetting) {
		return false
	}
	metrics.ControllerResetsTotal.Inc()
	c.resetWork.schedule()
	return true
}

// ResetSync resets and waits for the reset work to finish
func (c *Controller) ResetSync() error {
	if !c.Reset() {
		return fmt.Errorf("%s: reset from %s: %w", c.Name(), c.State(), nvme.ErrInvalidTransition)
	}
	c.resetWork.flush()
	if state := c.State(); state != types.ControllerStateLive {
		return fmt.Errorf("%s: reset ended in %s", c.Name(), state)
	}
	return nil
}

func (c *Controller) doReset() {
	c.logger.Info().Msg("Resetting controller")

	c.keepAliveWork.cancel()
	c.StopQueues()
	c.CancelAll()

	if err := c.reinit(); err != nil {
		c.logger.Error().Err(err).Msg("Reset failed, removing controller")
		c.Delete()
		return
	}

	if !c.sm.ChangeState(types.ControllerStateLive) {
		// an explicit Live request may have committed the edge already;
		// the queues stopped above still need restarting
		if state := c.State(); state != types.ControllerStateLive {
			c.logger.Warn().Str("state", string(state)).Msg("Controller left resetting during reset")
			return
		}
	}
	c.startBackground()
	c.logger.Info().Msg("Controller reset complete")
}

func (c *Controller) reinit() error {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.AdminTimeout)
	defer cancel()
	if err := c.disable(ctx); err != nil {
		return err
	}
	if err := c.enable(ctx); err != nil {
		return err
	}
	return c.identify(ctx)
}

// Delete moves the controller to Deleting and queues teardown. It returns
// false if the controller is already being deleted.
func (c *Controller) Delete() bool {
	if !c.sm.ChangeState(types.ControllerStateDeleting) {
		return false
	}
	c.deleteWork.schedule()
	return true
}

// DeleteSync deletes the controller and waits for teardown. It is safe to
// call on a controller that is already being deleted.
func (c *Controller) DeleteSync() {
	c.Delete()
	c.deleteWork.flush()
}

func (c *Controller) doDelete() {
	c.logger.Info().Msg("Deleting controller")

	c.Stop()
	c.RemoveNamespaces()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
	defer cancel()
	if err := c.shutdown(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Controller shutdown incomplete")
	}

	c.sm.ChangeState(types.ControllerStateDead)
}

func (c *Controller) stateChanged(change StateChange) {
	c.logger.Info().
		Str("from", string(change.From)).
		Str("to", string(change.To)).
		Uint64("seq", change.Seq).
		Msg("Controller state changed")

	if change.To == types.ControllerStateDead {
		c.KillQueues()
		c.cancel()
	}
	if c.observer != nil {
		c.observer.ControllerStateChanged(c, change)
	}
}

// StateCurrent reports whether change is the controller's latest transition
func (c *Controller) StateCurrent(change StateChange) bool {
	return c.sm.Current(change)
}

// StopQueues quiesces every I/O queue
func (c *Controller) StopQueues() {
	for _, q := range c.ioQueues {
		q.Stop()
	}
}

// StartQueues unquiesces every I/O queue
func (c *Controller) StartQueues() {
	for _, q := range c.ioQueues {
		q.Start()
	}
}

// CancelAll aborts outstanding commands on every queue
func (c *Controller) CancelAll() {
	c.admin.CancelAll()
	for _, q := range c.ioQueues {
		q.CancelAll()
	}
}

// KillQueues marks every queue dying and fails everything outstanding
func (c *Controller) KillQueues() {
	c.admin.Kill()
	for _, q := range c.ioQueues {
		q.Kill()
	}
}

func (c *Controller) ioQueue() *command.Queue {
	if len(c.ioQueues) == 0 {
		return nil
	}
	n := c.cursor.Add(1) - 1
	return c.ioQueues[n%uint32(len(c.ioQueues))]
}

// RemoveNamespaces removes every namespace
func (c *Controller) RemoveNamespaces() {
	for _, ns := range c.namespaces.snapshot() {
		c.RemoveNamespace(ns)
	}
}

// RemoveNamespace removes ns. Repeated calls are no-ops.
func (c *Controller) RemoveNamespace(ns *Namespace) {
	if !ns.removing.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info().Str("ns", ns.Name()).Msg("Removing namespace")

	if c.observer != nil {
		c.observer.NamespaceRemoving(ns)
	}
	c.namespaces.remove(ns)
	ns.dead.Store(true)
	c.Put()
}
