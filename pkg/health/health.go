package health

import (
	"context"
	"time"
)

// CheckType names a controller probe
type CheckType string

const (
	CheckTypeKeepAlive CheckType = "keepalive"
	CheckTypeRegister  CheckType = "register"
)

// Result is the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
	Err       error
}

// Checker probes a controller. Check must return once ctx is done.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config drives the keep-alive loop. Retries is the number of consecutive
// failed probes that mark the controller unhealthy; values below 1 count as 1.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// Status tracks consecutive check outcomes for one controller
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
}

// NewStatus returns a healthy Status with no history
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update records result and reports whether the status just turned unhealthy
func (s *Status) Update(result Result, config Config) bool {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return false
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0

	retries := config.Retries
	if retries < 1 {
		retries = 1
	}
	if s.Healthy && s.ConsecutiveFailures >= retries {
		s.Healthy = false
		return true
	}
	return false
}

// Reset forgets previous results
func (s *Status) Reset() {
	*s = Status{Healthy: true}
}
