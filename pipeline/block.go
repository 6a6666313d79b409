package pipeline

import (
	"context"

	"github.com/kbukum/flowkit/observability"
)

// The blocking bridge parks the calling goroutine until the flow produces a
// result. None of these functions may be called from a worker of a
// scheduler that the flow itself runs on: the worker would wait on work
// queued behind it.

// Runnable is a fully-configured flow ready to execute.
type Runnable struct {
	run func(ctx context.Context) error
}

// Run executes the flow until completion, failure or context cancellation.
func (r *Runnable) Run(ctx context.Context) error {
	return r.run(ctx)
}

// await blocks until m finishes or ctx is done, cancelling m in the latter case.
func await[T any](ctx context.Context, m *ManualSubscriber[T]) error {
	select {
	case <-m.Done():
		return m.Err()
	case <-ctx.Done():
		m.Cancel()
		return ctx.Err()
	}
}

// BlockFirst requests a single item and returns it, cancelling the upstream
// afterwards. ok is false when the flow completed empty.
//
// Must not be called from a worker of a scheduler the flow uses.
func BlockFirst[T any](ctx context.Context, f *Flow[T]) (v T, ok bool, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanBlockFirst)
	defer func() { observability.EndSpan(span, err) }()

	var first T
	var found bool
	var m *ManualSubscriber[T]
	m = NewManualSubscriber(ManualHooks[T]{
		OnSubscribe: func(s *ManualSubscriber[T]) { s.Request(1) },
		OnItem: func(x T) {
			first, found = x, true
			m.Cancel()
		},
	})
	f.Subscribe(ctx, m)
	if err = await(ctx, m); err != nil {
		var zero T
		return zero, false, err
	}
	return first, found, nil
}

// BlockLast consumes the whole flow and returns its final item.
//
// Must not be called from a worker of a scheduler the flow uses.
func BlockLast[T any](ctx context.Context, f *Flow[T]) (v T, ok bool, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanBlockLast)
	defer func() { observability.EndSpan(span, err) }()

	var last T
	var found bool
	m := NewManualSubscriber(ManualHooks[T]{
		OnSubscribe: func(s *ManualSubscriber[T]) { s.Request(Unbounded) },
		OnItem:      func(x T) { last, found = x, true },
	})
	f.Subscribe(ctx, m)
	if err = await(ctx, m); err != nil {
		var zero T
		return zero, false, err
	}
	return last, found, nil
}

// Collect runs the flow and returns all items as a slice. On failure the
// items received before the fault are returned with it.
//
// Must not be called from a worker of a scheduler the flow uses.
func Collect[T any](ctx context.Context, f *Flow[T]) (items []T, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanCollect)
	defer func() { observability.EndSpan(span, err) }()

	var out []T
	m := NewManualSubscriber(ManualHooks[T]{
		OnSubscribe: func(s *ManualSubscriber[T]) { s.Request(Unbounded) },
		OnItem:      func(x T) { out = append(out, x) },
	})
	f.Subscribe(ctx, m)
	err = await(ctx, m)
	if err != nil && ctx.Err() != nil {
		return nil, err
	}
	return out, err
}

// Drain creates a Runnable that requests one item at a time and hands each
// to sink. A sink error cancels the flow and is returned from Run.
//
// Run must not be called from a worker of a scheduler the flow uses.
func Drain[T any](f *Flow[T], sink func(context.Context, T) error) *Runnable {
	return &Runnable{
		run: func(ctx context.Context) (err error) {
			ctx, span := observability.StartSpan(ctx, observability.SpanDrain)
			defer func() { observability.EndSpan(span, err) }()

			sinkErr := make(chan error, 1)
			var m *ManualSubscriber[T]
			m = NewManualSubscriber(ManualHooks[T]{
				OnSubscribe: func(s *ManualSubscriber[T]) { s.Request(1) },
				OnItem: func(x T) {
					if e := sink(ctx, x); e != nil {
						sinkErr <- e
						m.Cancel()
						return
					}
					m.Request(1)
				},
			})
			f.Subscribe(ctx, m)
			err = await(ctx, m)
			select {
			case e := <-sinkErr:
				return e
			default:
				return err
			}
		},
	}
}

// ForEach pulls all items and calls fn for each. Convenience wrapper around Drain.
func ForEach[T any](ctx context.Context, f *Flow[T], fn func(context.Context, T) error) error {
	return Drain(f, fn).Run(ctx)
}

// result carries an item or a terminal outcome through a channel.
type result[T any] struct {
	val T
	ok  bool
	err error
}

// ToIterator subscribes to f and exposes it as a pull Iterator with at most
// prefetch items buffered. prefetch <= 0 uses the configured inner prefetch.
// The caller must Close the iterator.
//
// Next must not be called from a worker of a scheduler the flow uses.
func ToIterator[T any](ctx context.Context, f *Flow[T], prefetch int) Iterator[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := ConfigFrom(ctx)
	if prefetch <= 0 {
		prefetch = cfg.InnerPrefetch
	}
	it := &subscriberIter[T]{
		ch:    make(chan result[T], prefetch+1),
		limit: cfg.replenish(int64(prefetch)),
	}
	it.m = NewManualSubscriber(ManualHooks[T]{
		OnSubscribe: func(s *ManualSubscriber[T]) { s.Request(int64(prefetch)) },
		OnItem:      func(v T) { it.ch <- result[T]{val: v, ok: true} },
		OnFault:     func(fault *Fault) { it.ch <- result[T]{err: fault} },
		OnComplete:  func() { it.ch <- result[T]{} },
	})
	f.Subscribe(ctx, it.m)
	return it
}

// subscriberIter reads items delivered by a ManualSubscriber. The channel
// never blocks the producer: outstanding demand plus buffered items never
// exceed its capacity.
type subscriberIter[T any] struct {
	ch       chan result[T]
	m        *ManualSubscriber[T]
	limit    int64
	consumed int64
	done     bool
}

func (it *subscriberIter[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if it.done {
		return zero, false, nil
	}
	select {
	case r := <-it.ch:
		if !r.ok {
			it.done = true
			return zero, false, r.err
		}
		it.consumed++
		if it.consumed == it.limit {
			it.consumed = 0
			it.m.Request(it.limit)
		}
		return r.val, true, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

func (it *subscriberIter[T]) Close() error {
	it.done = true
	it.m.Cancel()
	return nil
}
