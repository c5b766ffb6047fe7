package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/cuemby/nvmpath/pkg/config"
	"github.com/cuemby/nvmpath/pkg/controller"
	"github.com/cuemby/nvmpath/pkg/events"
	"github.com/cuemby/nvmpath/pkg/log"
	"github.com/cuemby/nvmpath/pkg/metrics"
	"github.com/cuemby/nvmpath/pkg/multipath"
	"github.com/cuemby/nvmpath/pkg/nvme"
	"github.com/cuemby/nvmpath/pkg/types"
	"github.com/cuemby/nvmpath/pkg/workqueue"
)

// ErrNotFound is returned for unknown controllers, groups and handles
var ErrNotFound = errors.New("not found")

var (
	_ controller.Observer = (*Host)(nil)
	_ multipath.Listener  = (*Host)(nil)
	_ metrics.Source      = (*Host)(nil)
)

// Host owns every controller and multipath group of one machine and is the
// surface the block front end and admin tooling talk to.
type Host struct {
	cfg    config.Config
	logger zerolog.Logger

	pool        *workqueue.Pool
	registry    *multipath.Registry
	resubmitter *multipath.Resubmitter
	broker      *events.Broker

	mu          sync.RWMutex
	controllers map[int]*controller.Controller
	instances   map[int]bool
	memberships map[*controller.Namespace]string
	closed      bool
}

// New creates a host from cfg and starts its background loops
func New(cfg config.Config) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Host{
		cfg:         cfg,
		logger:      log.WithComponent("host"),
		pool:        workqueue.NewPool("host", cfg.Workers),
		broker:      events.NewBroker(),
		controllers: make(map[int]*controller.Controller),
		instances:   make(map[int]bool),
		memberships: make(map[*controller.Namespace]string),
	}
	h.registry = multipath.NewRegistry(cfg.MultipathConfig(), h)
	h.resubmitter = multipath.NewResubmitter(h.registry, cfg.PollInterval)

	h.broker.Start()
	h.resubmitter.Start()
	return h, nil
}

// Events returns the host event broker
func (h *Host) Events() *events.Broker {
	return h.broker
}

// AddController brings up a controller on t and waits for its first
// namespace scan. The controller gets the lowest free instance id.
func (h *Host) AddController(ctx context.Context, t nvme.Transport) (*controller.Controller, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("host is closed: %w", nvme.ErrCancelled)
	}
	instance := 0
	for h.instances[instance] {
		instance++
	}
	h.instances[instance] = true
	h.mu.Unlock()

	opts := h.cfg.ControllerOptions()
	opts.Instance = instance
	opts.Pool = h.pool
	opts.Observer = h
	opts.Release = func(c *controller.Controller) { h.releaseInstance(c.Instance()) }

	c, err := controller.New(t, opts)
	if err != nil {
		h.releaseInstance(instance)
		return nil, err
	}

	h.mu.Lock()
	h.controllers[instance] = c
	h.mu.Unlock()

	if err := c.Init(ctx); err != nil {
		c.DeleteSync()
		return nil, fmt.Errorf("%s: %w", c.Name(), err)
	}
	if err := c.Start(); err != nil {
		c.DeleteSync()
		return nil, err
	}
	c.FlushScan()

	h.broker.Publish(events.New(events.EventControllerAdded,
		fmt.Sprintf("%s added on %s", c.Name(), t.Name()),
		map[string]string{"controller": c.Name(), "transport": t.Name(), "subnqn": c.SubsystemNQN()}))
	h.logger.Info().
		Str("controller", c.Name()).
		Str("transport", t.Name()).
		Int("namespaces", len(c.Namespaces())).
		Msg("Controller added")
	return c, nil
}

func (h *Host) releaseInstance(instance int) {
	h.mu.Lock()
	delete(h.instances, instance)
	h.mu.Unlock()
}

// RemoveController deletes a controller and waits for teardown
func (h *Host) RemoveController(instance int) error {
	c, err := h.controller(instance)
	if err != nil {
		return err
	}
	c.DeleteSync()
	return nil
}

// Controller returns the controller with the given instance id
func (h *Host) Controller(instance int) (*controller.Controller, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.controllers[instance]
	return c, ok
}

func (h *Host) controller(instance int) (*controller.Controller, error) {
	c, ok := h.Controller(instance)
	if !ok {
		return nil, fmt.Errorf("controller nvme%d: %w", instance, ErrNotFound)
	}
	return c, nil
}

func (h *Host) snapshot() []*controller.Controller {
	h.mu.RLock()
	out := make([]*controller.Controller, 0, len(h.controllers))
	for _, c := range h.controllers {
		out = append(out, c)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Instance() < out[j].Instance() })
	return out
}

// ChangeControllerState requests a transition. Resetting and Deleting also
// queue the reset or teardown work; other targets only move the state.
func (h *Host) ChangeControllerState(instance int, target types.ControllerState) bool {
	c, ok := h.Controller(instance)
	if !ok {
		return false
	}
	switch target {
	case types.ControllerStateResetting:
		return c.Reset()
	case types.ControllerStateDeleting:
		return c.Delete()
	default:
		return c.ChangeState(target)
	}
}

// QueryState returns a controller's lifecycle state
func (h *Host) QueryState(instance int) (types.ControllerState, error) {
	c, err := h.controller(instance)
	if err != nil {
		return "", err
	}
	return c.State(), nil
}

// Namespace looks a namespace up by device name, e.g. nvme0n1
func (h *Host) Namespace(name string) (*controller.Namespace, bool) {
	for _, c := range h.snapshot() {
		for _, ns := range c.Namespaces() {
			if ns.Name() == name {
				return ns, true
			}
		}
	}
	return nil, false
}

// Group returns a multipath group by id
func (h *Host) Group(id string) (*multipath.Group, bool) {
	return h.registry.Get(id)
}

// SubmitIO sends io to handle, which names either a multipath group or a
// single namespace. done is called exactly once unless an error is returned.
func (h *Host) SubmitIO(handle string, io *types.IORequest, done func(error)) error {
	if g, ok := h.registry.Get(handle); ok {
		return g.Submit(io, done)
	}
	if ns, ok := h.Namespace(handle); ok {
		if done == nil {
			done = func(error) {}
		}
		return ns.Submit(io, done)
	}
	return fmt.Errorf("handle %q: %w", handle, ErrNotFound)
}

// Do submits io to handle and waits for it
func (h *Host) Do(ctx context.Context, handle string, io *types.IORequest) error {
	ch := make(chan error, 1)
	if err := h.SubmitIO(handle, io, func(err error) { ch <- err }); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %v", handle, nvme.ErrCancelled, ctx.Err())
	}
}

// TriggerFailover asks group id to pick a new active path
func (h *Host) TriggerFailover(id string) error {
	g, ok := h.registry.Get(id)
	if !ok {
		return fmt.Errorf("group %q: %w", id, ErrNotFound)
	}
	return g.TriggerFailover()
}

// GroupActiveMember returns the namespace currently marked active in group id
func (h *Host) GroupActiveMember(id string) (*controller.Namespace, bool) {
	g, ok := h.registry.Get(id)
	if !ok {
		return nil, false
	}
	p, ok := g.ActiveMember()
	if !ok {
		return nil, false
	}
	ns, ok := p.(*controller.Namespace)
	return ns, ok
}

// Controllers implements metrics.Source
func (h *Host) Controllers() []types.ControllerInfo {
	ctrls := h.snapshot()
	out := make([]types.ControllerInfo, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Info())
	}
	return out
}

// Groups implements metrics.Source
func (h *Host) Groups() []types.GroupInfo {
	groups := h.registry.Groups()
	out := make([]types.GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.Info())
	}
	return out
}

// Close deletes every controller, then stops the loops. Controllers that do
// not reach Dead are reported in the returned error.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	var result *multierror.Error
	for _, c := range h.snapshot() {
		c.DeleteSync()
		if state := c.State(); state != types.ControllerStateDead {
			result = multierror.Append(result, fmt.Errorf("%s stuck in %s", c.Name(), state))
		}
	}

	h.resubmitter.Stop()
	if n := h.registry.Len(); n > 0 {
		h.logger.Warn().Int("groups", n).Msg("Closing groups left without members")
	}
	h.registry.Close()
	h.pool.Close()
	h.broker.Stop()

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("host close: %w", err)
	}
	return nil
}

// groupsOf returns the groups c's namespaces belong to
func (h *Host) groupsOf(c *controller.Controller) map[*multipath.Group]*controller.Namespace {
	out := make(map[*multipath.Group]*controller.Namespace)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ns, id := range h.memberships {
		if ns.Controller() != c {
			continue
		}
		if g, ok := h.registry.Get(id); ok {
			out[g] = ns
		}
	}
	return out
}

// ControllerStateChanged implements controller.Observer. Leaving Live fails
// over every group the controller is active in; coming back to Live gives
// groups without a usable path a new chance and wakes the resubmitter. A
// notice already superseded by a later transition is only published.
func (h *Host) ControllerStateChanged(c *controller.Controller, change controller.StateChange) {
	from, to := change.From, change.To
	h.broker.Publish(events.New(events.EventControllerState,
		fmt.Sprintf("%s %s -> %s", c.Name(), from, to),
		map[string]string{"controller": c.Name(), "from": string(from), "to": string(to)}))

	switch {
	case !c.StateCurrent(change):
		h.logger.Debug().
			Str("controller", c.Name()).
			Uint64("seq", change.Seq).
			Msg("Skipping superseded state change")
	case to != types.ControllerStateLive:
		for g, ns := range h.groupsOf(c) {
			if p, ok := g.ActiveMember(); !ok || p != multipath.Path(ns) {
				continue
			}
			if err := g.TriggerFailover(); err != nil {
				h.logger.Warn().Err(err).Str("group", g.ID()).Msg("Failover after controller state change failed")
			}
		}
	default:
		for g := range h.groupsOf(c) {
			if g.HasUsablePath() {
				continue
			}
			if err := g.TriggerFailover(); err != nil {
				h.logger.Debug().Err(err).Str("group", g.ID()).Msg("Group still without a path")
			}
		}
		h.registry.Wake()
	}

	if to == types.ControllerStateDead {
		h.mu.Lock()
		owned := h.controllers[c.Instance()] == c
		if owned {
			delete(h.controllers, c.Instance())
		}
		h.mu.Unlock()

		h.broker.Publish(events.New(events.EventControllerRemoved,
			fmt.Sprintf("%s removed", c.Name()),
			map[string]string{"controller": c.Name()}))
		if owned {
			c.Put()
		}
	}
}

// NamespaceAdded implements controller.Observer. Shared namespaces join the
// group keyed by their NGUID; the first member of a group is activated.
func (h *Host) NamespaceAdded(ns *controller.Namespace) {
	id := ns.Identity()
	meta := map[string]string{"namespace": ns.Name(), "nguid": id.NGUID}
	h.broker.Publish(events.New(events.EventNamespaceAdded, fmt.Sprintf("%s added", ns.Name()), meta))

	if !id.Shared || id.NGUID == "" {
		return
	}
	g, created, err := h.registry.Attach(id.NGUID, ns)
	if err != nil {
		h.logger.Error().Err(err).Str("namespace", ns.Name()).Msg("Failed to join multipath group")
		return
	}

	h.mu.Lock()
	h.memberships[ns] = g.ID()
	h.mu.Unlock()

	if created {
		h.broker.Publish(events.New(events.EventGroupCreated,
			fmt.Sprintf("group %s created", g.ID()),
			map[string]string{"group": g.ID(), "namespace": ns.Name()}))
	}
	if !g.HasUsablePath() {
		if err := g.TriggerFailover(); err != nil {
			h.logger.Warn().Err(err).Str("group", g.ID()).Msg("Initial activation failed")
		}
	}
}

// NamespaceRemoving implements controller.Observer
func (h *Host) NamespaceRemoving(ns *controller.Namespace) {
	h.mu.Lock()
	id, ok := h.memberships[ns]
	delete(h.memberships, ns)
	h.mu.Unlock()

	h.broker.Publish(events.New(events.EventNamespaceRemoved,
		fmt.Sprintf("%s removed", ns.Name()),
		map[string]string{"namespace": ns.Name()}))

	if ok && h.registry.Detach(id, ns) {
		h.broker.Publish(events.New(events.EventGroupRemoved,
			fmt.Sprintf("group %s removed", id),
			map[string]string{"group": id}))
	}
}

// FailoverStarted implements multipath.Listener
func (h *Host) FailoverStarted(g *multipath.Group, from, to string) {
	h.broker.Publish(events.New(events.EventFailoverStarted,
		fmt.Sprintf("group %s switching %s -> %s", g.ID(), from, to),
		map[string]string{"group": g.ID(), "from": from, "to": to}))
}

// FailoverCompleted implements multipath.Listener
func (h *Host) FailoverCompleted(g *multipath.Group, active string, took time.Duration) {
	h.broker.Publish(events.New(events.EventFailoverCompleted,
		fmt.Sprintf("group %s active on %s", g.ID(), active),
		map[string]string{"group": g.ID(), "active": active, "took": took.String()}))
}

// FailoverFailed implements multipath.Listener. The group is degraded.
func (h *Host) FailoverFailed(g *multipath.Group, err error) {
	h.broker.Publish(events.New(events.EventFailoverFailed,
		fmt.Sprintf("group %s degraded: %v", g.ID(), err),
		map[string]string{"group": g.ID(), "error": err.Error()}))
}
