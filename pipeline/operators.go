package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Map transforms each value using fn. Demand passes through unchanged.
func Map[I, O any](f *Flow[I], fn func(context.Context, I) (O, error)) *Flow[O] {
	return newFlow("map", func(ctx context.Context, stage string, sub Subscriber[O]) {
		f.Subscribe(ctx, &mapSubscriber[I, O]{ctx: ctx, stage: stage, fn: fn, downstream: sub})
	})
}

type mapSubscriber[I, O any] struct {
	ctx        context.Context
	stage      string
	fn         func(context.Context, I) (O, error)
	downstream Subscriber[O]
	upstream   Subscription
	done       bool
}

func (m *mapSubscriber[I, O]) OnSubscribe(s Subscription) {
	m.upstream = s
	m.downstream.OnSubscribe(s)
}

func (m *mapSubscriber[I, O]) OnSignal(sig Signal[I]) {
	if m.done {
		return
	}
	if sig.Kind != KindItem {
		m.done = true
		m.downstream.OnSignal(retype[O](sig))
		return
	}
	out, err := m.fn(m.ctx, sig.Item)
	if err != nil {
		m.done = failItem(m.ctx, m.stage, m.upstream, m.downstream, sig.Item, err)
		return
	}
	m.downstream.OnSignal(ItemSignal(out))
}

// failItem handles a user function error on item. When a downstream Resume
// policy is installed the item is skipped and one replacement is requested;
// otherwise upstream is cancelled and the fault is delivered. It reports
// whether the subscription terminated.
func failItem[O any](ctx context.Context, stage string, upstream Subscription, downstream Subscriber[O], item any, err error) bool {
	fault := itemFault(stage, item, err)
	if tryResume(ctx, fault) {
		upstream.Request(1)
		return false
	}
	upstream.Cancel()
	downstream.OnSignal(ErrorSignal[O](fault))
	return true
}

// Filter keeps only values that satisfy the predicate. Every dropped value
// is replaced by a request for one more.
func Filter[T any](f *Flow[T], fn func(T) bool) *Flow[T] {
	return newFlow("filter", func(ctx context.Context, _ string, sub Subscriber[T]) {
		f.Subscribe(ctx, &filterSubscriber[T]{keep: fn, downstream: sub})
	})
}

type filterSubscriber[T any] struct {
	keep       func(T) bool
	downstream Subscriber[T]
	upstream   Subscription
}

func (s *filterSubscriber[T]) OnSubscribe(up Subscription) {
	s.upstream = up
	s.downstream.OnSubscribe(up)
}

func (s *filterSubscriber[T]) OnSignal(sig Signal[T]) {
	if sig.Kind == KindItem && !s.keep(sig.Item) {
		s.upstream.Request(1)
		return
	}
	s.downstream.OnSignal(sig)
}

// Tap calls fn as a side-effect for each value, then passes the value
// through unchanged. An error from fn fails the flow.
func Tap[T any](f *Flow[T], fn func(context.Context, T) error) *Flow[T] {
	return Map(f, func(ctx context.Context, v T) (T, error) {
		return v, fn(ctx, v)
	}).Named("tap")
}

// FanOut applies multiple functions to each input value in parallel and
// collects all results as a slice. The first error fails the flow.
func FanOut[I, O any](f *Flow[I], fns ...func(context.Context, I) (O, error)) *Flow[[]O] {
	return Map(f, func(ctx context.Context, v I) ([]O, error) {
		results := make([]O, len(fns))
		g, gctx := errgroup.WithContext(ctx)
		for i, fn := range fns {
			g.Go(func() error {
				out, err := fn(gctx, v)
				results[i] = out
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return results, nil
	}).Named("fanOut")
}

// HandleSink lets a Handle callback emit at most one value per input and
// end the flow early.
type HandleSink[O any] struct {
	value    O
	hasValue bool
	complete bool
}

// Next sets the value emitted for the current input. Later calls replace it.
func (s *HandleSink[O]) Next(v O) {
	s.value = v
	s.hasValue = true
}

// Complete ends the flow after the current input.
func (s *HandleSink[O]) Complete() { s.complete = true }

// Handle combines map and filter: fn may emit zero or one value per input
// through the sink, or complete the flow early.
func Handle[I, O any](f *Flow[I], fn func(context.Context, I, *HandleSink[O]) error) *Flow[O] {
	return newFlow("handle", func(ctx context.Context, stage string, sub Subscriber[O]) {
		f.Subscribe(ctx, &handleSubscriber[I, O]{ctx: ctx, stage: stage, fn: fn, downstream: sub})
	})
}

type handleSubscriber[I, O any] struct {
	ctx        context.Context
	stage      string
	fn         func(context.Context, I, *HandleSink[O]) error
	downstream Subscriber[O]
	upstream   Subscription
	done       bool
}

func (h *handleSubscriber[I, O]) OnSubscribe(s Subscription) {
	h.upstream = s
	h.downstream.OnSubscribe(s)
}

func (h *handleSubscriber[I, O]) OnSignal(sig Signal[I]) {
	if h.done {
		return
	}
	if sig.Kind != KindItem {
		h.done = true
		h.downstream.OnSignal(retype[O](sig))
		return
	}
	var sink HandleSink[O]
	if err := h.fn(h.ctx, sig.Item, &sink); err != nil {
		h.done = failItem(h.ctx, h.stage, h.upstream, h.downstream, sig.Item, err)
		return
	}
	if sink.hasValue {
		h.downstream.OnSignal(ItemSignal(sink.value))
	}
	switch {
	case sink.complete:
		h.done = true
		h.upstream.Cancel()
		h.downstream.OnSignal(CompleteSignal[O]())
	case !sink.hasValue:
		h.upstream.Request(1)
	}
}

// Take emits at most n values and then completes, cancelling upstream.
// It never requests more than n from upstream.
func Take[T any](f *Flow[T], n int64) *Flow[T] {
	return newFlow("take", func(ctx context.Context, stage string, sub Subscriber[T]) {
		f.Subscribe(ctx, &takeSubscriber[T]{stage: stage, limit: n, remaining: n, downstream: sub})
	})
}

type takeSubscriber[T any] struct {
	stage      string
	limit      int64
	remaining  int64
	requested  atomic.Int64
	downstream Subscriber[T]
	upstream   Subscription
	done       bool
}

func (t *takeSubscriber[T]) OnSubscribe(s Subscription) {
	t.upstream = s
	if t.limit <= 0 {
		t.done = true
		s.Cancel()
		t.downstream.OnSubscribe(emptySubscription{})
		t.downstream.OnSignal(CompleteSignal[T]())
		return
	}
	t.downstream.OnSubscribe(t)
}

func (t *takeSubscriber[T]) Request(n int64) {
	checkRequest(t.stage, n)
	for {
		cur := t.requested.Load()
		if cur >= t.limit {
			return
		}
		next := min(addCap(cur, n), t.limit)
		if t.requested.CompareAndSwap(cur, next) {
			t.upstream.Request(next - cur)
			return
		}
	}
}

func (t *takeSubscriber[T]) Cancel() { t.upstream.Cancel() }

func (t *takeSubscriber[T]) OnSignal(sig Signal[T]) {
	if t.done {
		return
	}
	if sig.Kind != KindItem {
		t.done = true
		t.downstream.OnSignal(sig)
		return
	}
	t.remaining--
	t.downstream.OnSignal(sig)
	if t.remaining == 0 {
		t.done = true
		t.upstream.Cancel()
		t.downstream.OnSignal(CompleteSignal[T]())
	}
}

// Reduce accumulates all values into a single result. The flow yields
// exactly one value, the final accumulator, which is init for an empty
// upstream.
func Reduce[T, R any](f *Flow[T], init R, fn func(R, T) R) *Flow[R] {
	return newFlow("reduce", func(ctx context.Context, stage string, sub Subscriber[R]) {
		f.Subscribe(ctx, &reduceSubscriber[T, R]{stage: stage, acc: init, fn: fn, downstream: sub})
	})
}

type reduceSubscriber[T, R any] struct {
	stage      string
	acc        R
	fn         func(R, T) R
	downstream Subscriber[R]
	upstream   Subscription

	mu        sync.Mutex
	requested bool
	finished  bool
	delivered bool
}

func (r *reduceSubscriber[T, R]) OnSubscribe(s Subscription) {
	r.upstream = s
	r.downstream.OnSubscribe(r)
}

// Request starts the upstream on the first call. The result is held until
// both a request and the upstream completion have arrived.
func (r *reduceSubscriber[T, R]) Request(n int64) {
	checkRequest(r.stage, n)
	r.mu.Lock()
	first := !r.requested
	r.requested = true
	deliver := r.finished && !r.delivered
	if deliver {
		r.delivered = true
	}
	r.mu.Unlock()
	if first {
		r.upstream.Request(Unbounded)
	}
	if deliver {
		r.deliver()
	}
}

func (r *reduceSubscriber[T, R]) Cancel() { r.upstream.Cancel() }

func (r *reduceSubscriber[T, R]) OnSignal(sig Signal[T]) {
	switch sig.Kind {
	case KindItem:
		r.acc = r.fn(r.acc, sig.Item)
	case KindComplete:
		r.mu.Lock()
		r.finished = true
		deliver := r.requested && !r.delivered
		if deliver {
			r.delivered = true
		}
		r.mu.Unlock()
		if deliver {
			r.deliver()
		}
	default:
		r.downstream.OnSignal(retype[R](sig))
	}
}

func (r *reduceSubscriber[T, R]) deliver() {
	r.downstream.OnSignal(ItemSignal(r.acc))
	r.downstream.OnSignal(CompleteSignal[R]())
}

// SwitchIfEmpty continues with fallback when f completes without emitting.
// Outstanding demand carries over to fallback.
func SwitchIfEmpty[T any](f, fallback *Flow[T]) *Flow[T] {
	return newFlow("switchIfEmpty", func(ctx context.Context, stage string, sub Subscriber[T]) {
		s := &switchSubscriber[T]{ctx: ctx, fallback: fallback, downstream: sub}
		s.arb.stage = stage
		sub.OnSubscribe(&s.arb)
		f.Subscribe(ctx, s)
	})
}

// DefaultIfEmpty emits v when f completes without emitting.
func DefaultIfEmpty[T any](f *Flow[T], v T) *Flow[T] {
	return SwitchIfEmpty(f, Just(v)).Named("defaultIfEmpty")
}

type switchSubscriber[T any] struct {
	ctx        context.Context
	fallback   *Flow[T]
	downstream Subscriber[T]
	arb        arbiter
	nonEmpty   bool
	switched   bool
}

func (s *switchSubscriber[T]) OnSubscribe(up Subscription) { s.arb.set(up) }

func (s *switchSubscriber[T]) OnSignal(sig Signal[T]) {
	switch {
	case sig.Kind == KindItem:
		s.nonEmpty = true
		s.arb.produced(1)
		s.downstream.OnSignal(sig)
	case sig.Kind == KindComplete && !s.nonEmpty && !s.switched:
		s.switched = true
		s.arb.detach()
		s.fallback.Subscribe(s.ctx, s)
	default:
		s.downstream.OnSignal(sig)
	}
}

// Throttle drops values that arrive less than interval after the last
// emitted one. Each dropped value is replaced by a request for one more.
func Throttle[T any](f *Flow[T], interval time.Duration) *Flow[T] {
	return newFlow("throttle", func(ctx context.Context, _ string, sub Subscriber[T]) {
		clock := clockFrom(ctx)
		var lastEmit time.Time
		f.Subscribe(ctx, &filterSubscriber[T]{downstream: sub, keep: func(T) bool {
			now := clock.Now()
			if lastEmit.IsZero() || now.Sub(lastEmit) >= interval {
				lastEmit = now
				return true
			}
			return false
		}})
	})
}
