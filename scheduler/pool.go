package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kbukum/flowkit/component"
	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/observability"
	"github.com/kbukum/flowkit/resilience"
)

type poolState int32

const (
	stateNew poolState = iota
	stateRunning
	stateStopped
)

// Option configures a Pool or Registry.
type Option func(*options)

type options struct {
	metrics *observability.FlowMetrics
	log     *logger.Logger
}

// WithMetrics records scheduler.tasks and scheduler.rejected.
func WithMetrics(m *observability.FlowMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger overrides the "scheduler" component logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// Pool is a fixed set of workers, each with its own bounded FIFO queue.
// It implements component.Component: tasks are accepted between Start and
// Stop.
type Pool struct {
	cfg     PoolConfig
	workers []*worker
	next    atomic.Uint64
	state   atomic.Int32
	metrics *observability.FlowMetrics
	log     *logger.Logger

	// mu orders Schedule against Start and Stop: Schedule enqueues under
	// the read lock, state changes take the write lock.
	mu     sync.RWMutex
	group  *errgroup.Group
	cancel context.CancelFunc
}

var _ Scheduler = (*Pool)(nil)
var _ component.Component = (*Pool)(nil)

// NewPool builds a pool from cfg. Call Start before scheduling work.
func NewPool(cfg PoolConfig, opts ...Option) (*Pool, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler %q: %w", cfg.Name, err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Get("scheduler")
	}

	p := &Pool{
		cfg:     cfg,
		metrics: o.metrics,
		log:     o.log.WithFields(logger.Fields(logger.FieldScheduler, cfg.Name)),
	}
	p.workers = make([]*worker, cfg.Workers)
	for i := range p.workers {
		p.workers[i] = &worker{
			pool:  p,
			index: i,
			tasks: make(chan Task, cfg.QueueSize),
			gate: resilience.NewBulkhead(resilience.BulkheadConfig{
				Name:          fmt.Sprintf("%s-%d", cfg.Name, i),
				MaxConcurrent: cfg.QueueSize,
			}),
		}
	}
	return p, nil
}

// Name returns the configured pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// Workers returns the worker count.
func (p *Pool) Workers() int { return len(p.workers) }

// Worker returns the next worker in round-robin order.
func (p *Pool) Worker() Worker {
	n := p.next.Add(1) - 1
	return p.workers[n%uint64(len(p.workers))]
}

// WorkerAt returns worker i modulo the worker count.
func (p *Pool) WorkerAt(i int) Worker {
	n := len(p.workers)
	return p.workers[((i%n)+n)%n]
}

// Start launches one goroutine per worker. Starting a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch poolState(p.state.Load()) {
	case stateRunning:
		return nil
	case stateStopped:
		return stopped(p.cfg.Name)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, gctx := errgroup.WithContext(runCtx)
	for _, w := range p.workers {
		group.Go(func() error {
			w.loop(gctx)
			return nil
		})
	}
	p.group = group
	p.cancel = cancel
	p.state.Store(int32(stateRunning))
	p.log.Debug("pool started", logger.Fields("workers", len(p.workers), "queue_size", p.cfg.QueueSize))
	return nil
}

// Stop rejects new tasks, lets each worker finish its current task, and
// waits for the workers to exit or ctx to end. Queued tasks are discarded
// and their queue slots released.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if poolState(p.state.Swap(int32(stateStopped))) != stateRunning {
		p.mu.Unlock()
		return nil
	}
	group, cancel := p.group, p.cancel
	p.mu.Unlock()

	cancel()
	done := make(chan error, 1)
	go func() {
		err := group.Wait()
		dropped := 0
		for _, w := range p.workers {
			dropped += w.discard()
		}
		p.log.Debug("pool stopped", logger.Fields("dropped_tasks", dropped))
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("scheduler %s: stop: %w", p.cfg.Name, ctx.Err())
	}
}

// Health reports unhealthy when not running and degraded when any worker
// queue is at least 80% full.
func (p *Pool) Health(ctx context.Context) component.Health {
	h := component.Health{Name: p.cfg.Name, Status: component.StatusHealthy}
	if poolState(p.state.Load()) != stateRunning {
		h.Status = component.StatusUnhealthy
		h.Message = "not running"
		return h
	}
	for _, w := range p.workers {
		if w.gate.InUse()*5 >= p.cfg.QueueSize*4 {
			h.Status = component.StatusDegraded
			h.Message = fmt.Sprintf("worker %d queue at %d/%d", w.index, w.gate.InUse(), p.cfg.QueueSize)
			break
		}
	}
	return h
}

// Pending returns the number of tasks queued or running across all workers.
func (p *Pool) Pending() int {
	total := 0
	for _, w := range p.workers {
		total += w.gate.InUse()
	}
	return total
}

type worker struct {
	pool  *Pool
	index int
	tasks chan Task
	gate  *resilience.Bulkhead
}

func (w *worker) Index() int { return w.index }

func (w *worker) Schedule(task Task) error {
	p := w.pool
	p.mu.RLock()
	defer p.mu.RUnlock()
	if poolState(p.state.Load()) != stateRunning {
		return stopped(p.cfg.Name)
	}
	if !w.gate.TryAcquire() {
		p.metrics.RecordRejected(context.Background(), p.cfg.Name)
		p.log.Warn("task rejected", logger.Fields("worker", w.index, "queue_size", p.cfg.QueueSize))
		return exhausted(p.cfg.Name)
	}
	// The gate holds at most QueueSize slots, so this send never blocks.
	w.tasks <- task
	return nil
}

func (w *worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.tasks:
			w.run(task)
		}
	}
}

// discard drops the queued tasks of a stopped worker and returns how many
// there were.
func (w *worker) discard() int {
	n := 0
	for {
		select {
		case <-w.tasks:
			w.gate.Release()
			n++
		default:
			return n
		}
	}
}

// run executes task and recovers a panic so only that task is aborted.
func (w *worker) run(task Task) {
	p := w.pool
	defer func() {
		w.gate.Release()
		if r := recover(); r != nil {
			p.log.Error("task panicked", logger.Fields(
				"worker", w.index,
				"panic", fmt.Sprint(r),
				"panic_type", fmt.Sprintf("%T", r),
			))
		}
	}()
	p.metrics.RecordTask(context.Background(), p.cfg.Name)
	task()
}
