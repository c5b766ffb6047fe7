package command

import (
	"fmt"
	"time"

	"github.com/cuemby/nvmpath/pkg/nvme"
)

// DefaultMaxRetries is the global resubmission limit per command.
const DefaultMaxRetries = 5

// Outcome describes a command completion for the retry policy
type Outcome struct {
	Opcode  uint8
	Started bool
	Status  nvme.Status
	Retries int
	Elapsed time.Duration
	// Timeout is the command deadline; zero or negative disables the elapsed check.
	Timeout time.Duration
	Dying   bool
}

// Action is what to do with a completed command
type Action int

const (
	// ActionComplete finishes the command with Decision.Err.
	ActionComplete Action = iota
	// ActionRetry resubmits the command at the head of its queue.
	ActionRetry
)

func (a Action) String() string {
	if a == ActionRetry {
		return "retry"
	}
	return "complete"
}

// Decision is the policy's verdict on an Outcome
type Decision struct {
	Action Action
	Err    error
}

// Policy decides between terminal completion and resubmission
type Policy struct {
	MaxRetries int
}

// Decide applies the completion rules in order: never dispatched commands
// are cancelled, success completes, dying queues, do-not-retry, expired
// deadlines and exhausted budgets fail, everything else is retried.
func (p Policy) Decide(o Outcome) Decision {
	if !o.Started {
		return Decision{Action: ActionComplete, Err: nvme.ErrCancelled}
	}
	if o.Status.Success() {
		return Decision{Action: ActionComplete}
	}
	if o.Dying {
		return Decision{
			Action: ActionComplete,
			Err:    fmt.Errorf("queue dying, status %s: %w", o.Status, nvme.ErrCancelled),
		}
	}
	if o.Status.DoNotRetry() ||
		(o.Timeout > 0 && o.Elapsed >= o.Timeout) ||
		o.Retries >= p.MaxRetries {
		return Decision{Action: ActionComplete, Err: nvme.ErrorFromStatus(o.Opcode, o.Status)}
	}
	return Decision{Action: ActionRetry}
}
