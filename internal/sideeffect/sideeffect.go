// Package sideeffect runs the best-effort work that follows a confirmed
// payment (receipt, calendar entry, notifications) on a bounded worker pool.
//
// Each confirmed booking is dispatched at most once; later submissions for
// the same booking share the first Handle. Task failures are recorded in
// the Handle's results and logged, never returned to the payment path.
package sideeffect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/deposit-orchestrator/internal/ledger"
)

var (
	// ErrSkipped is returned by a task that is not configured to run.
	ErrSkipped   = errors.New("side effect skipped")
	ErrQueueFull = errors.New("side effect queue full")
	ErrClosed    = errors.New("side effect dispatcher closed")

	ErrUnknownTask   = errors.New("unknown side effect task")
	ErrNotDispatched = errors.New("side effects not dispatched")
	ErrInFlight      = errors.New("side effects still running")
)

// Status of a single task run.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Confirmation is the input to every task.
type Confirmation struct {
	Booking ledger.Booking
	Payment ledger.Payment
}

// Result is the best-effort outcome of one task.
type Result struct {
	Task     string        `json:"task"`
	Status   Status        `json:"status"`
	Ref      string        `json:"ref,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Task is one side effect.
type Task interface {
	Name() string
	Run(ctx context.Context, c Confirmation) (ref string, err error)
}

type funcTask struct {
	name string
	fn   func(ctx context.Context, c Confirmation) (string, error)
}

func (t funcTask) Name() string { return t.name }

func (t funcTask) Run(ctx context.Context, c Confirmation) (string, error) { return t.fn(ctx, c) }

// NewTask adapts fn to Task.
func NewTask(name string, fn func(ctx context.Context, c Confirmation) (string, error)) Task {
	return funcTask{name: name, fn: fn}
}

// Handle tracks one booking's dispatch.
type Handle struct {
	BookingID string

	conf  Confirmation
	done  chan struct{}
	rerun sync.Mutex

	mu      sync.Mutex
	results []Result
}

// Done is closed once every task has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Results returns the task results; it is only complete after Done.
func (h *Handle) Results() []Result {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return append([]Result(nil), h.results...)
	default:
		return nil
	}
}

// Wait blocks until the tasks finish or ctx is done.
func (h *Handle) Wait(ctx context.Context) ([]Result, error) {
	select {
	case <-h.done:
		return h.Results(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Config sizes the dispatcher.
type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	// Retention is how long a finished handle stays available to Lookup.
	Retention time.Duration
}

type job struct {
	c Confirmation
	h *Handle
}

// Dispatcher is a bounded queue of confirmations drained by Workers goroutines.
type Dispatcher struct {
	cfg    Config
	tasks  []Task
	logger *zap.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan job
	handles map[string]*Handle

	group *errgroup.Group
}

// NewDispatcher creates a Dispatcher. Start must be called before work runs.
func NewDispatcher(cfg Config, logger *zap.Logger, tasks ...Task) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	return &Dispatcher{
		cfg:     cfg,
		tasks:   tasks,
		logger:  logger.With(zap.String("component", "sideeffect")),
		queue:   make(chan job, cfg.QueueSize),
		handles: make(map[string]*Handle),
	}
}

// Start launches the workers. Task contexts derive from ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	g := &errgroup.Group{}
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for j := range d.queue {
				d.run(ctx, j)
			}
			return nil
		})
	}
	d.group = g
}

// Close stops accepting work, drains the queue and waits for the workers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	if d.group == nil {
		return nil
	}
	return d.group.Wait()
}

// Submit enqueues c unless its booking was already dispatched, in which
// case the existing handle is returned. It never blocks.
func (d *Dispatcher) Submit(c Confirmation) (*Handle, error) {
	id := c.Booking.ID
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.handles[id]; ok {
		return h, nil
	}
	if d.closed {
		return nil, ErrClosed
	}
	h := &Handle{BookingID: id, conf: c, done: make(chan struct{})}
	select {
	case d.queue <- job{c: c, h: h}:
	default:
		queueRejected.Inc()
		return nil, ErrQueueFull
	}
	d.handles[id] = h
	return h, nil
}

// Lookup returns the handle for a dispatched booking.
func (d *Dispatcher) Lookup(bookingID string) (*Handle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handles[bookingID]
	return h, ok
}

// Rerun runs the named task again for a booking whose dispatch finished
// with that task failed, and replaces the failed result on the handle. When
// the last result did not fail it is returned as is and ran is false.
// Concurrent reruns for one booking are serialized.
func (d *Dispatcher) Rerun(ctx context.Context, bookingID, task string) (res Result, ran bool, err error) {
	idx := -1
	for i, t := range d.tasks {
		if t.Name() == task {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Result{}, false, fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}
	h, ok := d.Lookup(bookingID)
	if !ok {
		return Result{}, false, ErrNotDispatched
	}
	select {
	case <-h.done:
	default:
		return Result{}, false, ErrInFlight
	}

	h.rerun.Lock()
	defer h.rerun.Unlock()
	h.mu.Lock()
	res = h.results[idx]
	h.mu.Unlock()
	if res.Status != StatusFailed {
		return res, false, nil
	}

	res = d.runTask(ctx, d.tasks[idx], h.conf)
	h.mu.Lock()
	h.results[idx] = res
	h.mu.Unlock()
	return res, true, nil
}

// PaymentConfirmed submits the confirmation; it lets the dispatcher listen
// to reconciliation so out-of-band confirmations get their side effects.
func (d *Dispatcher) PaymentConfirmed(_ context.Context, t ledger.Transition) {
	if _, err := d.Submit(Confirmation{Booking: t.Booking, Payment: t.Payment}); err != nil {
		d.logger.Error("dispatch side effects",
			zap.String("booking_id", t.Booking.ID), zap.Error(err))
	}
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	results := make([]Result, len(d.tasks))
	var wg sync.WaitGroup
	for i, task := range d.tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			results[i] = d.runTask(ctx, task, j.c)
		}(i, task)
	}
	wg.Wait()

	j.h.mu.Lock()
	j.h.results = results
	j.h.mu.Unlock()
	close(j.h.done)
	time.AfterFunc(d.cfg.Retention, func() { d.forget(j.h) })
}

func (d *Dispatcher) forget(h *Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.handles[h.BookingID]; ok && cur == h {
		delete(d.handles, h.BookingID)
	}
}

func (d *Dispatcher) runTask(ctx context.Context, task Task, c Confirmation) (res Result) {
	log := d.logger.With(zap.String("task", task.Name()), zap.String("booking_id", c.Booking.ID))
	start := time.Now()
	res = Result{Task: task.Name()}
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("panic: %v", r)
			log.Error("side effect panicked", zap.Any("panic", r))
		}
		res.Duration = time.Since(start)
		tasksTotal.WithLabelValues(res.Task, string(res.Status)).Inc()
		taskDuration.WithLabelValues(res.Task).Observe(res.Duration.Seconds())
	}()

	tctx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
	defer cancel()
	ref, err := task.Run(tctx, c)
	switch {
	case err == nil:
		res.Status, res.Ref = StatusOK, ref
		log.Info("side effect completed", zap.String("ref", ref))
	case errors.Is(err, ErrSkipped):
		res.Status, res.Error = StatusSkipped, err.Error()
		log.Debug("side effect skipped", zap.Error(err))
	default:
		res.Status, res.Error = StatusFailed, err.Error()
		log.Warn("side effect failed", zap.Error(err))
	}
	return res
}
