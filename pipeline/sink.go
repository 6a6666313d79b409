package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kbukum/flowkit/logger"
)

// ManualHooks are the lifecycle callbacks of a ManualSubscriber. All are
// optional. Item and terminal hooks run on the delivering goroutine.
type ManualHooks[T any] struct {
	OnSubscribe func(s *ManualSubscriber[T])
	OnItem      func(v T)
	OnFault     func(f *Fault)
	OnComplete  func()
	OnCancel    func()
	OnFinally   func(r FinallyReason)
}

// ManualSubscriber is a terminal subscriber whose demand is driven by the
// caller through Request and Cancel. Requests made before the subscription
// arrives are accumulated and forwarded once it does.
type ManualSubscriber[T any] struct {
	id    string
	hooks ManualHooks[T]

	mu       sync.Mutex
	upstream Subscription
	pending  int64

	cancelled  atomic.Bool
	terminated atomic.Bool
	fault      atomic.Pointer[Fault]

	done     chan struct{}
	doneOnce sync.Once
	unbind   func() bool
}

// NewManualSubscriber creates a subscriber with the given hooks.
func NewManualSubscriber[T any](hooks ManualHooks[T]) *ManualSubscriber[T] {
	return &ManualSubscriber[T]{
		id:    uuid.New().String(),
		hooks: hooks,
		done:  make(chan struct{}),
	}
}

// ID returns the subscriber's unique id.
func (m *ManualSubscriber[T]) ID() string { return m.id }

// Done is closed once the subscriber has terminated or been cancelled.
func (m *ManualSubscriber[T]) Done() <-chan struct{} { return m.done }

// Err returns the fault that terminated the subscriber, if any.
func (m *ManualSubscriber[T]) Err() error {
	if f := m.fault.Load(); f != nil {
		return f
	}
	return nil
}

// IsCancelled reports whether Cancel has been called.
func (m *ManualSubscriber[T]) IsCancelled() bool { return m.cancelled.Load() }

func (m *ManualSubscriber[T]) OnSubscribe(s Subscription) {
	m.mu.Lock()
	if m.upstream != nil {
		m.mu.Unlock()
		s.Cancel()
		return
	}
	m.upstream = s
	m.mu.Unlock()

	if m.cancelled.Load() {
		s.Cancel()
		return
	}
	if m.hooks.OnSubscribe != nil {
		m.hooks.OnSubscribe(m)
	}

	m.mu.Lock()
	n := m.pending
	m.pending = 0
	m.mu.Unlock()
	if n > 0 {
		s.Request(n)
	}
}

// Request adds n to the outstanding demand. n must be positive.
func (m *ManualSubscriber[T]) Request(n int64) {
	checkRequest("subscriber", n)
	if m.cancelled.Load() || m.terminated.Load() {
		return
	}
	m.mu.Lock()
	up := m.upstream
	if up == nil || m.pending > 0 {
		m.pending = addCap(m.pending, n)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	up.Request(n)
}

// Cancel stops the subscription. No hooks run for signals arriving after it.
func (m *ManualSubscriber[T]) Cancel() {
	if m.terminated.Load() || m.cancelled.Swap(true) {
		return
	}
	m.mu.Lock()
	up := m.upstream
	m.mu.Unlock()
	if up != nil {
		up.Cancel()
	}
	if m.hooks.OnCancel != nil {
		m.hooks.OnCancel()
	}
	m.finish(FinallyCancel)
}

func (m *ManualSubscriber[T]) OnSignal(sig Signal[T]) {
	if m.cancelled.Load() || m.terminated.Load() {
		return
	}
	switch sig.Kind {
	case KindItem:
		if m.hooks.OnItem != nil {
			m.hooks.OnItem(sig.Item)
		}
	case KindError:
		m.terminated.Store(true)
		m.fault.Store(sig.Fault)
		if m.hooks.OnFault != nil {
			m.hooks.OnFault(sig.Fault)
		}
		m.finish(FinallyError)
	case KindComplete:
		m.terminated.Store(true)
		if m.hooks.OnComplete != nil {
			m.hooks.OnComplete()
		}
		m.finish(FinallyComplete)
	}
}

func (m *ManualSubscriber[T]) finish(r FinallyReason) {
	m.doneOnce.Do(func() {
		if m.unbind != nil {
			m.unbind()
		}
		if m.hooks.OnFinally != nil {
			m.hooks.OnFinally(r)
		}
		close(m.done)
	})
}

// bind cancels m when ctx is done. Must be called before subscribing.
func (m *ManualSubscriber[T]) bind(ctx context.Context) {
	if ctx.Done() == nil {
		return
	}
	m.unbind = context.AfterFunc(ctx, m.Cancel)
}

// Callbacks groups the handlers used by SubscribeCallbacks.
type Callbacks[T any] struct {
	OnItem     func(v T)
	OnFault    func(f *Fault)
	OnComplete func()
}

// SubscribeFunc subscribes with unbounded demand and calls onItem for every
// item. Faults are logged. Cancelling ctx cancels the subscription.
func SubscribeFunc[T any](ctx context.Context, f *Flow[T], onItem func(v T)) *ManualSubscriber[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.Get("pipeline").WithContext(ctx).WithStage(f.Name())
	m := NewManualSubscriber(ManualHooks[T]{
		OnSubscribe: func(s *ManualSubscriber[T]) { s.Request(Unbounded) },
		OnItem:      onItem,
		OnFault: func(fault *Fault) {
			log.WithError(fault).Error("unhandled fault in subscriber",
				logger.Fields(logger.FieldCode, string(fault.Code), "origin", fault.Stage))
		},
	})
	m.bind(ctx)
	f.Subscribe(ctx, m)
	return m
}

// SubscribeCallbacks requests one item at a time, asking for the next only
// after OnItem returns.
func SubscribeCallbacks[T any](ctx context.Context, f *Flow[T], cb Callbacks[T]) *ManualSubscriber[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	var m *ManualSubscriber[T]
	m = NewManualSubscriber(ManualHooks[T]{
		OnSubscribe: func(s *ManualSubscriber[T]) { s.Request(1) },
		OnItem: func(v T) {
			if cb.OnItem != nil {
				cb.OnItem(v)
			}
			m.Request(1)
		},
		OnFault:    cb.OnFault,
		OnComplete: cb.OnComplete,
	})
	m.bind(ctx)
	f.Subscribe(ctx, m)
	return m
}
