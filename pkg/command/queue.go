package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/nvmpath/pkg/metrics"
	"github.com/cuemby/nvmpath/pkg/nvme"
)

// NoTimeout disables the per-request deadline. Only async event requests,
// which the device holds until something happens, should use it.
const NoTimeout time.Duration = -1

// Queue kinds used as metric labels
const (
	KindAdmin = "admin"
	KindIO    = "io"
)

// Config describes one submission queue
type Config struct {
	ID         uint16
	Kind       string
	Depth      int
	Timeout    time.Duration
	MaxRetries int
}

// Result is the terminal state of a command
type Result struct {
	Status  nvme.Status
	Value   uint32
	Retries int
	Err     error
}

type request struct {
	cmd        *nvme.Command
	buf        []byte
	timeout    time.Duration
	clock      *metrics.Timer
	timer      *time.Timer
	retries    int
	started    bool
	parked     bool
	done       bool
	gen        uint64
	onComplete func(Result)
}

// Queue submits commands to one transport queue and drives each to a single
// terminal completion. Requests come from a tag pool sized to the queue depth.
type Queue struct {
	id        uint16
	kind      string
	transport nvme.Transport
	policy    Policy
	timeout   time.Duration
	logger    zerolog.Logger

	tags chan struct{}

	mu       sync.Mutex
	inflight map[*request]struct{}
	parked   []*request
	quiesced bool
	dying    bool
}

// NewQueue creates a queue on transport t
func NewQueue(t nvme.Transport, cfg Config, logger zerolog.Logger) *Queue {
	if cfg.Depth < 1 {
		cfg.Depth = 1
	}
	if cfg.Kind == "" {
		cfg.Kind = KindIO
	}
	return &Queue{
		id:        cfg.ID,
		kind:      cfg.Kind,
		transport: t,
		policy:    Policy{MaxRetries: cfg.MaxRetries},
		timeout:   cfg.Timeout,
		logger:    logger.With().Uint16("qid", cfg.ID).Logger(),
		tags:      make(chan struct{}, cfg.Depth),
		inflight:  make(map[*request]struct{}),
	}
}

// ID returns the queue id
func (q *Queue) ID() uint16 {
	return q.id
}

// SubmitAsync submits cmd and calls onComplete exactly once with the
// terminal result. A zero timeout uses the queue default. An error means
// nothing was submitted and onComplete will not be called.
func (q *Queue) SubmitAsync(cmd *nvme.Command, buf []byte, timeout time.Duration, onComplete func(Result)) error {
	_, err := q.submit(cmd, buf, timeout, onComplete)
	return err
}

// SubmitSync submits cmd and waits for its terminal result. Protocol
// failures come back as a *nvme.StatusError alongside the status.
func (q *Queue) SubmitSync(ctx context.Context, cmd *nvme.Command, buf []byte, timeout time.Duration) (Result, error) {
	ch := make(chan Result, 1)
	req, err := q.submit(cmd, buf, timeout, func(r Result) { ch <- r })
	if err != nil {
		return Result{Err: err}, err
	}

	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		q.abort(req, fmt.Errorf("%w: %v", nvme.ErrCancelled, ctx.Err()))
		r := <-ch
		return r, r.Err
	}
}

func (q *Queue) submit(cmd *nvme.Command, buf []byte, timeout time.Duration, onComplete func(Result)) (*request, error) {
	if onComplete == nil {
		onComplete = func(Result) {}
	}

	q.mu.Lock()
	if q.dying {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue %d is dying: %w", q.id, nvme.ErrCancelled)
	}
	select {
	case q.tags <- struct{}{}:
	default:
		q.mu.Unlock()
		return nil, fmt.Errorf("queue %d has no free tags: %w", q.id, nvme.ErrResourceExhausted)
	}

	if timeout == 0 {
		timeout = q.timeout
	}
	req := &request{
		cmd:        cmd,
		buf:        buf,
		timeout:    timeout,
		clock:      metrics.NewTimer(),
		onComplete: onComplete,
	}
	q.inflight[req] = struct{}{}
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() { q.expire(req) })
	}

	if q.quiesced {
		req.parked = true
		q.parked = append(q.parked, req)
		q.mu.Unlock()
		return req, nil
	}
	q.mu.Unlock()

	q.dispatch(req)
	return req, nil
}

// dispatch hands req to the transport, or parks it at the head of the
// requeue list while the queue is stopped.
func (q *Queue) dispatch(req *request) {
	q.mu.Lock()
	if req.done {
		q.mu.Unlock()
		return
	}
	if q.quiesced {
		req.parked = true
		q.parked = append([]*request{req}, q.parked...)
		q.mu.Unlock()
		return
	}
	req.gen++
	gen := req.gen
	req.started = true
	q.mu.Unlock()

	err := q.transport.Submit(q.id, req.cmd, req.buf, func(c nvme.Completion) {
		q.complete(req, gen, c)
	})
	if err == nil {
		return
	}
	if !errors.Is(err, nvme.ErrTransport) {
		err = fmt.Errorf("%w: %v", nvme.ErrTransport, err)
	}

	q.mu.Lock()
	if req.done || req.gen != gen {
		q.mu.Unlock()
		return
	}
	q.finishLocked(req, Result{Retries: req.retries, Err: err})
}

func (q *Queue) complete(req *request, gen uint64, c nvme.Completion) {
	q.mu.Lock()
	if req.done || req.gen != gen {
		// late completion after a timeout, cancel or resubmission
		q.mu.Unlock()
		return
	}

	d := q.policy.Decide(Outcome{
		Opcode:  req.cmd.Opcode,
		Started: req.started,
		Status:  c.Status,
		Retries: req.retries,
		Elapsed: req.clock.Duration(),
		Timeout: req.timeout,
		Dying:   q.dying,
	})

	if d.Action == ActionRetry {
		req.retries++
		req.gen++
		retries := req.retries
		q.mu.Unlock()

		metrics.CommandRetriesTotal.WithLabelValues(q.kind).Inc()
		q.logger.Debug().
			Str("cmd", req.cmd.String()).
			Str("status", c.Status.String()).
			Int("retries", retries).
			Msg("Resubmitting command")
		q.dispatch(req)
		return
	}

	q.finishLocked(req, Result{
		Status:  c.Status,
		Value:   c.Result,
		Retries: req.retries,
		Err:     d.Err,
	})
}

func (q *Queue) expire(req *request) {
	q.mu.Lock()
	if req.done {
		q.mu.Unlock()
		return
	}
	q.logger.Warn().
		Str("cmd", req.cmd.String()).
		Dur("timeout", req.timeout).
		Msg("Command timed out")
	q.finishLocked(req, Result{
		Retries: req.retries,
		Err:     fmt.Errorf("%s after %s: %w", req.cmd, req.timeout, nvme.ErrTimeout),
	})
}

func (q *Queue) abort(req *request, err error) {
	q.mu.Lock()
	if req.done {
		q.mu.Unlock()
		return
	}
	q.finishLocked(req, Result{Retries: req.retries, Err: err})
}

// finishLocked completes req and releases q.mu.
func (q *Queue) finishLocked(req *request, res Result) {
	req.done = true
	if req.timer != nil {
		req.timer.Stop()
	}
	delete(q.inflight, req)
	if req.parked {
		q.unparkLocked(req)
	}
	q.mu.Unlock()

	<-q.tags
	metrics.CommandsTotal.WithLabelValues(q.kind, outcomeOf(res.Err)).Inc()
	req.clock.ObserveDurationVec(metrics.CommandDuration, q.kind)
	req.onComplete(res)
}

func (q *Queue) unparkLocked(req *request) {
	req.parked = false
	for i, r := range q.parked {
		if r == req {
			q.parked = append(q.parked[:i], q.parked[i+1:]...)
			return
		}
	}
}

// Stop quiesces the queue. New and retried requests park until Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quiesced = true
}

// Start unquiesces the queue and dispatches parked requests in order.
func (q *Queue) Start() {
	q.mu.Lock()
	q.quiesced = false
	parked := q.parked
	q.parked = nil
	for _, r := range parked {
		r.parked = false
	}
	q.mu.Unlock()

	for _, r := range parked {
		q.dispatch(r)
	}
}

// CancelAll completes every dispatched request with an abort status. The
// retry policy decides what happens next: on a live queue they are retried,
// on a dying one they fail.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	type victim struct {
		req *request
		gen uint64
	}
	var victims []victim
	for r := range q.inflight {
		if r.started && !r.parked && !r.done {
			victims = append(victims, victim{req: r, gen: r.gen})
		}
	}
	status := nvme.Status(nvme.SCAbortReq)
	if q.dying {
		status |= nvme.Status(nvme.SCDNR)
	}
	q.mu.Unlock()

	for _, v := range victims {
		q.complete(v.req, v.gen, nvme.Completion{Status: status})
	}
}

// Kill marks the queue dying and fails everything outstanding. Later
// submissions return ErrCancelled immediately.
func (q *Queue) Kill() {
	q.mu.Lock()
	q.dying = true
	parked := append([]*request(nil), q.parked...)
	q.mu.Unlock()

	status := nvme.Status(nvme.SCAbortReq | nvme.SCDNR)
	for _, r := range parked {
		q.mu.Lock()
		if r.done {
			q.mu.Unlock()
			continue
		}
		d := q.policy.Decide(Outcome{
			Opcode:  r.cmd.Opcode,
			Started: r.started,
			Status:  status,
			Retries: r.retries,
			Dying:   true,
		})
		q.finishLocked(r, Result{Status: status, Retries: r.retries, Err: d.Err})
	}

	q.CancelAll()
}

// Dying reports whether the queue has been killed
func (q *Queue) Dying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dying
}

// Quiesced reports whether the queue is stopped
func (q *Queue) Quiesced() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quiesced
}

// Inflight returns the number of requests holding a tag
func (q *Queue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, nvme.ErrCancelled):
		return "cancelled"
	case errors.Is(err, nvme.ErrTimeout):
		return "timeout"
	case errors.Is(err, nvme.ErrTransport):
		return "transport"
	default:
		return "error"
	}
}
