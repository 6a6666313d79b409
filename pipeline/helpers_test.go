package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/flowkit/scheduler"
)

// recorder is a test subscriber that records every signal and checks that
// items never exceed the demand it requested.
type recorder[T any] struct {
	mu            sync.Mutex
	sub           Subscription
	requested     int64
	items         []T
	fault         *Fault
	completed     bool
	terminals     int
	overDemand    int
	afterTerminal int
	done          chan struct{}
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{done: make(chan struct{})}
}

func (r *recorder[T]) OnSubscribe(s Subscription) {
	r.mu.Lock()
	r.sub = s
	r.mu.Unlock()
}

func (r *recorder[T]) OnSignal(sig Signal[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminals > 0 {
		r.afterTerminal++
		return
	}
	switch sig.Kind {
	case KindItem:
		r.items = append(r.items, sig.Item)
		if r.requested != Unbounded && int64(len(r.items)) > r.requested {
			r.overDemand++
		}
	case KindError:
		r.fault = sig.Fault
		r.terminals++
		close(r.done)
	case KindComplete:
		r.completed = true
		r.terminals++
		close(r.done)
	}
}

func (r *recorder[T]) request(n int64) {
	r.mu.Lock()
	r.requested = addCap(r.requested, n)
	s := r.sub
	r.mu.Unlock()
	s.Request(n)
}

func (r *recorder[T]) cancel() {
	r.mu.Lock()
	s := r.sub
	r.mu.Unlock()
	s.Cancel()
}

func (r *recorder[T]) values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *recorder[T]) err() *Fault {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fault
}

func (r *recorder[T]) isDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// wait blocks until a terminal signal arrived.
func (r *recorder[T]) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal signal before deadline")
	}
}

// check fails the test on any protocol breach observed by r.
func (r *recorder[T]) check(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.overDemand > 0 {
		t.Errorf("%d items delivered beyond demand", r.overDemand)
	}
	if r.afterTerminal > 0 {
		t.Errorf("%d signals delivered after termination", r.afterTerminal)
	}
	if r.terminals > 1 {
		t.Errorf("terminated %d times", r.terminals)
	}
}

func subscribe[T any](f *Flow[T], n int64) *recorder[T] {
	r := newRecorder[T]()
	f.Subscribe(context.Background(), r)
	if n > 0 {
		r.request(n)
	}
	return r
}

func mustCollect[T any](t *testing.T, f *Flow[T]) []T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := Collect(ctx, f)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return got
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func equal[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newPool(t *testing.T, name string, workers int) *scheduler.Pool {
	t.Helper()
	p, err := scheduler.NewPool(scheduler.PoolConfig{Name: name, Workers: workers})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

// taskScheduler runs tasks inline and reports whether a task is running.
// Its workers can be switched to reject work.
type taskScheduler struct {
	workers int
	reject  error
	running atomic.Int32
	tasks   atomic.Int64
	current atomic.Int32
}

type taskWorker struct {
	s     *taskScheduler
	index int
}

func newTaskScheduler(workers int) *taskScheduler {
	return &taskScheduler{workers: workers}
}

func (s *taskScheduler) Name() string { return "test" }
func (s *taskScheduler) Workers() int { return s.workers }

func (s *taskScheduler) Worker() scheduler.Worker {
	return &taskWorker{s: s, index: int(s.tasks.Load()) % s.workers}
}

func (s *taskScheduler) WorkerAt(i int) scheduler.Worker {
	return &taskWorker{s: s, index: ((i % s.workers) + s.workers) % s.workers}
}

func (s *taskScheduler) inTask() bool { return s.running.Load() > 0 }

func (w *taskWorker) Index() int { return w.index }

func (w *taskWorker) Schedule(task scheduler.Task) error {
	if w.s.reject != nil {
		return w.s.reject
	}
	w.s.tasks.Add(1)
	w.s.running.Add(1)
	defer w.s.running.Add(-1)
	w.s.current.Store(int32(w.index))
	task()
	return nil
}
