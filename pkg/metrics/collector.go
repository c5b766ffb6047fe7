package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/nvmpath/pkg/types"
)

// Source reports point-in-time snapshots of controllers and groups
type Source interface {
	Controllers() []types.ControllerInfo
	Groups() []types.GroupInfo
}

// Collector samples a Source into gauges and component health
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	known map[string]bool
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		known:    make(map[string]bool),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect takes one sample
func (c *Collector) Collect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool)
	c.collectControllers(seen)
	c.collectGroups(seen)

	for name := range c.known {
		if !seen[name] {
			RemoveComponent(name)
		}
	}
	c.known = seen
}

func (c *Collector) collectControllers(seen map[string]bool) {
	counts := make(map[types.ControllerState]int)
	for _, s := range types.AllControllerStates {
		counts[s] = 0
	}

	for _, ctrl := range c.source.Controllers() {
		counts[ctrl.State]++

		name := fmt.Sprintf("ctrl/%d", ctrl.Instance)
		seen[name] = true
		RegisterComponent(name, ctrl.State == types.ControllerStateLive, string(ctrl.State))
	}

	for state, n := range counts {
		ControllersTotal.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (c *Collector) collectGroups(seen map[string]bool) {
	for _, g := range c.source.Groups() {
		CongestionDepth.WithLabelValues(g.ID).Set(float64(g.CongestionDepth))

		name := "group/" + g.ID
		seen[name] = true
		switch {
		case g.Degraded:
			RegisterCritical(name, false, "no viable path")
		case g.Active == "":
			RegisterCritical(name, false, "no active path")
		default:
			RegisterCritical(name, true, "active "+g.Active)
		}
	}
}
