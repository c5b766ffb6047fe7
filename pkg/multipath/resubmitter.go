package multipath

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nvmpath/pkg/log"
)

// DefaultPollInterval is how often queued I/O is retried without a wake-up
const DefaultPollInterval = time.Second

// Resubmitter drains congestion queues to their group's active path. It
// runs every poll interval and whenever a group completes a failover.
type Resubmitter struct {
	registry *Registry
	interval time.Duration
	logger   zerolog.Logger

	wakeCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// NewResubmitter creates a resubmitter and registers it as the registry's
// wake-up target.
func NewResubmitter(registry *Registry, interval time.Duration) *Resubmitter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	rs := &Resubmitter{
		registry: registry,
		interval: interval,
		logger:   log.WithComponent("resubmitter"),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	registry.SetWake(rs.Wake)
	return rs
}

// Start begins the resubmission loop
func (rs *Resubmitter) Start() {
	rs.startMu.Lock()
	defer rs.startMu.Unlock()
	if rs.started {
		return
	}
	rs.started = true
	go rs.run()
}

// Stop ends the loop and waits for it
func (rs *Resubmitter) Stop() {
	rs.stopOnce.Do(func() {
		close(rs.stopCh)
		rs.startMu.Lock()
		started := rs.started
		rs.startMu.Unlock()
		if started {
			<-rs.doneCh
		}
	})
}

// Wake runs a pass soon. It never blocks.
func (rs *Resubmitter) Wake() {
	select {
	case rs.wakeCh <- struct{}{}:
	default:
	}
}

func (rs *Resubmitter) run() {
	defer close(rs.doneCh)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rs.RunOnce()
		case <-rs.wakeCh:
			rs.RunOnce()
		case <-rs.stopCh:
			return
		}
	}
}

// RunOnce makes one pass over every group and returns how many I/Os were
// resubmitted.
func (rs *Resubmitter) RunOnce() int {
	total := 0
	for _, g := range rs.registry.Groups() {
		total += g.resubmit()
	}
	if total > 0 {
		rs.logger.Debug().Int("count", total).Msg("Resubmission pass")
	}
	return total
}
