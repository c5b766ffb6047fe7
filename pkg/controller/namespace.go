package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/nvmpath/pkg/command"
	"github.com/cuemby/nvmpath/pkg/nvme"
	"github.com/cuemby/nvmpath/pkg/types"
)

// Namespace is a logical volume exposed by one controller
type Namespace struct {
	ctrl *Controller

	mu sync.RWMutex
	id types.NamespaceIdentity

	removing atomic.Bool
	dead     atomic.Bool
}

func newNamespace(c *Controller, id types.NamespaceIdentity) *Namespace {
	return &Namespace{ctrl: c, id: id}
}

// ID returns the namespace id
func (ns *Namespace) ID() uint32 {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.id.NSID
}

// Identity returns the last identify data
func (ns *Namespace) Identity() types.NamespaceIdentity {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.id
}

// Name returns the device style name, e.g. nvme0n1
func (ns *Namespace) Name() string {
	return fmt.Sprintf("nvme%dn%d", ns.ctrl.instance, ns.ID())
}

// Controller returns the owning controller
func (ns *Namespace) Controller() *Controller {
	return ns.ctrl
}

// ControllerState returns the owning controller's state
func (ns *Namespace) ControllerState() types.ControllerState {
	return ns.ctrl.State()
}

// Removing reports whether removal has started
func (ns *Namespace) Removing() bool {
	return ns.removing.Load()
}

// Dead reports whether the namespace has been removed
func (ns *Namespace) Dead() bool {
	return ns.dead.Load()
}

// Submit maps io onto a command and sends it on one of the controller's I/O
// queues. done receives the terminal error, nil on success.
func (ns *Namespace) Submit(io *types.IORequest, done func(error)) error {
	if ns.dead.Load() || ns.removing.Load() {
		return fmt.Errorf("%s is being removed: %w", ns.Name(), nvme.ErrCancelled)
	}
	id := ns.Identity()
	cmd, err := nvme.BuildIO(io, id.NSID, id.BlockShift)
	if err != nil {
		return fmt.Errorf("%s: %w", ns.Name(), err)
	}

	q := ns.ctrl.ioQueue()
	if q == nil {
		return fmt.Errorf("%s has no I/O queues: %w", ns.Name(), nvme.ErrTransport)
	}

	var buf []byte
	if io.Op == types.IOOpRead || io.Op == types.IOOpWrite {
		buf = io.Buffer[:io.Length]
	}
	return q.SubmitAsync(cmd, buf, 0, func(r command.Result) {
		done(r.Err)
	})
}

// Do submits io and waits for it
func (ns *Namespace) Do(ctx context.Context, io *types.IORequest) error {
	ch := make(chan error, 1)
	if err := ns.Submit(io, func(err error) { ch <- err }); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %v", ns.Name(), nvme.ErrCancelled, ctx.Err())
	}
}

// Activate asks the controller to make this namespace the active path of
// its multipath group.
func (ns *Namespace) Activate(ctx context.Context) error {
	if ns.dead.Load() || ns.removing.Load() {
		return fmt.Errorf("%s is being removed: %w", ns.Name(), nvme.ErrCancelled)
	}
	timeout := ns.ctrl.opts.AdminTimeout
	if kato := ns.ctrl.opts.KeepAlive; kato > 0 {
		timeout = kato * activationTimeoutFactor
	}
	_, err := ns.ctrl.admin.SubmitSync(ctx, nvme.NewSetActive(ns.ID()), nil, timeout)
	if err != nil {
		return fmt.Errorf("activate %s: %w", ns.Name(), err)
	}
	return nil
}

func (ns *Namespace) revalidate(ctx context.Context) error {
	id, err := ns.ctrl.transport.IdentifyNamespace(ctx, ns.ID())
	if err != nil {
		return err
	}
	if id.CapacityBlocks == 0 {
		return fmt.Errorf("%s reports zero capacity", ns.Name())
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if id.NGUID != ns.id.NGUID {
		return fmt.Errorf("%s identity changed from %s to %s", ns.Name(), ns.id.NGUID, id.NGUID)
	}
	ns.id = id
	return nil
}

const activationTimeoutFactor time.Duration = 3

// namespaceSet keeps a controller's namespaces sorted by id
type namespaceSet struct {
	mu   sync.Mutex
	list []*Namespace
}

func (s *namespaceSet) find(nsid uint32) *Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.searchLocked(nsid)
	if i < len(s.list) && s.list[i].ID() == nsid {
		return s.list[i]
	}
	return nil
}

// add inserts ns keeping ascending order. It returns false on a duplicate id.
func (s *namespaceSet) add(ns *Namespace) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	nsid := ns.ID()
	i := s.searchLocked(nsid)
	if i < len(s.list) && s.list[i].ID() == nsid {
		return false
	}
	s.list = append(s.list, nil)
	copy(s.list[i+1:], s.list[i:])
	s.list[i] = ns
	return true
}

func (s *namespaceSet) remove(ns *Namespace) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.list {
		if n == ns {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot returns a copy in ascending id order, safe to iterate unlocked
func (s *namespaceSet) snapshot() []*Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Namespace(nil), s.list...)
}

func (s *namespaceSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

func (s *namespaceSet) searchLocked(nsid uint32) int {
	return sort.Search(len(s.list), func(i int) bool { return s.list[i].ID() >= nsid })
}
