package pipeline

import (
	"context"
	stderrors "errors"

	"github.com/kbukum/flowkit/errors"
)

// Iterator provides pull-based sequential access to a stream of values.
type Iterator[T any] interface {
	// Next returns the next value. Returns (zero, false, nil) when exhausted.
	Next(ctx context.Context) (T, bool, error)
	// Close releases any resources held by the iterator.
	Close() error
}

// FromIterator creates a Flow that opens a fresh Iterator per subscription
// and pulls from it only while there is outstanding demand. The iterator is
// closed when the subscription terminates or is cancelled.
func FromIterator[T any](open func(ctx context.Context) (Iterator[T], error)) *Flow[T] {
	return pullSource("iterator", open)
}

// FromSlice emits the items of a slice in order.
func FromSlice[T any](items []T) *Flow[T] {
	return pullSource("slice", func(context.Context) (Iterator[T], error) {
		return &sliceIter[T]{items: items}, nil
	})
}

// Just emits the given values in order.
func Just[T any](values ...T) *Flow[T] {
	return FromSlice(values).Named("just")
}

// Range emits count consecutive integers starting at start.
func Range(start, count int) *Flow[int] {
	return pullSource("range", func(context.Context) (Iterator[int], error) {
		return &rangeIter{next: start, end: start + count}, nil
	})
}

// FromFunc pulls values from fn until it reports false or fails.
func FromFunc[T any](fn func(ctx context.Context) (T, bool, error)) *Flow[T] {
	return pullSource("func", func(context.Context) (Iterator[T], error) {
		return funcIter[T](fn), nil
	})
}

// FromChannel emits values received from ch until it is closed. Receives
// happen on the goroutine that requested, so a consumer that must not block
// should move the subscription with SubscribeOn.
func FromChannel[T any](ch <-chan T) *Flow[T] {
	return pullSource("channel", func(context.Context) (Iterator[T], error) {
		return &channelIter[T]{ch: ch}, nil
	})
}

// Empty completes immediately.
func Empty[T any]() *Flow[T] {
	return newFlow("empty", func(_ context.Context, stage string, sub Subscriber[T]) {
		e := NewEmitter(stage, sub)
		sub.OnSubscribe(e)
		e.Complete()
	})
}

// Error fails immediately with err.
func Error[T any](err error) *Flow[T] {
	return newFlow("error", func(_ context.Context, stage string, sub Subscriber[T]) {
		e := NewEmitter(stage, sub)
		sub.OnSubscribe(e)
		e.Fail(err)
	})
}

// Never neither emits nor terminates.
func Never[T any]() *Flow[T] {
	return newFlow("never", func(_ context.Context, stage string, sub Subscriber[T]) {
		sub.OnSubscribe(NewEmitter(stage, sub))
	})
}

// Defer calls fn for every subscription and subscribes to the Flow it
// returns. A nil Flow completes immediately.
func Defer[T any](fn func(ctx context.Context) *Flow[T]) *Flow[T] {
	return newFlow("defer", func(ctx context.Context, _ string, sub Subscriber[T]) {
		f := fn(ctx)
		if f == nil {
			f = Empty[T]()
		}
		f.Subscribe(ctx, sub)
	})
}

// Sink is the producer handle passed to a Create callback.
type Sink[T any] struct {
	ctx context.Context
	e   *Emitter[T]
}

// Next blocks until the consumer has demand, then emits v. It returns an
// error once the subscription is cancelled or the context is done.
func (s *Sink[T]) Next(v T) error {
	if err := s.e.Wait(s.ctx); err != nil {
		return err
	}
	s.e.Emit(v)
	return nil
}

// Demand returns the consumer's outstanding demand.
func (s *Sink[T]) Demand() int64 { return s.e.Demand() }

// Create runs fn on its own goroutine for each subscription. fn pushes with
// sink.Next, which blocks while the consumer has no demand; returning nil
// completes the Flow and returning an error fails it. fn must return once
// ctx is done.
func Create[T any](fn func(ctx context.Context, sink *Sink[T]) error) *Flow[T] {
	return newFlow("create", func(ctx context.Context, stage string, sub Subscriber[T]) {
		ctx, cancel := context.WithCancel(ctx)
		e := NewEmitter(stage, sub)
		e.OnCancel(cancel)
		e.OnRelease(cancel)
		sub.OnSubscribe(e)
		go func() {
			err := fn(ctx, &Sink[T]{ctx: ctx, e: e})
			if e.Done() {
				return
			}
			if err != nil {
				e.Fail(err)
				return
			}
			e.Complete()
		}()
	})
}

// SyncSink is handed to a Generate callback. One call emits at most one
// item and may end the flow after it.
type SyncSink[T any] struct {
	stage string
	item  T
	has   bool
	ended bool
	err   error
}

// Next emits v. Calling it twice in one callback is a protocol violation.
func (s *SyncSink[T]) Next(v T) {
	if s.has {
		violate(s.stage, "generator emitted twice in one call")
	}
	if s.ended {
		violate(s.stage, "generator emitted after ending the flow")
	}
	s.item, s.has = v, true
}

// Complete ends the flow after the item emitted in this call, if any.
func (s *SyncSink[T]) Complete() { s.ended = true }

// Fail ends the flow with err after the item emitted in this call, if any.
func (s *SyncSink[T]) Fail(err error) {
	s.ended = true
	s.err = err
}

// Generate produces items one demand unit at a time from per-subscription
// state. init creates the state on subscription; fn receives it and returns
// the state for the next call. Every call must emit an item or end the flow.
func Generate[S, T any](init func() S, fn func(state S, sink *SyncSink[T]) S) *Flow[T] {
	return pullSource("generate", func(context.Context) (Iterator[T], error) {
		return &generateIter[S, T]{state: init(), fn: fn}, nil
	})
}

type generateIter[S, T any] struct {
	state S
	fn    func(S, *SyncSink[T]) S
	ended bool
	err   error
}

func (it *generateIter[S, T]) Next(context.Context) (T, bool, error) {
	var zero T
	if it.ended {
		return zero, false, it.err
	}
	sink := &SyncSink[T]{stage: "generate"}
	it.state = it.fn(it.state, sink)
	if sink.ended {
		it.ended, it.err = true, sink.err
	}
	switch {
	case sink.has:
		return sink.item, true, nil
	case sink.ended:
		return zero, false, sink.err
	}
	return zero, false, errors.Internal(stderrors.New("generator neither emitted nor ended the flow"))
}

func (*generateIter[S, T]) Close() error { return nil }

func pullSource[T any](name string, open func(ctx context.Context) (Iterator[T], error)) *Flow[T] {
	return newFlow(name, func(ctx context.Context, stage string, sub Subscriber[T]) {
		ctx, cancel := context.WithCancel(ctx)
		e := NewEmitter(stage, sub)
		var it Iterator[T]
		e.OnCancel(cancel)
		e.OnRelease(func() {
			cancel()
			if it != nil {
				_ = it.Close()
			}
		})
		e.OnDemand(func() {
			if it == nil {
				var err error
				if it, err = open(ctx); err != nil {
					e.Fail(err)
					return
				}
			}
			for e.Demand() > 0 && !e.Done() {
				v, ok, err := it.Next(ctx)
				switch {
				case e.IsCancelled():
					return
				case err != nil:
					e.Fail(err)
					return
				case !ok:
					e.Complete()
					return
				}
				e.Emit(v)
			}
		})
		sub.OnSubscribe(e)
	})
}

type sliceIter[T any] struct {
	items []T
	index int
}

func (it *sliceIter[T]) Next(_ context.Context) (T, bool, error) {
	if it.index >= len(it.items) {
		var zero T
		return zero, false, nil
	}
	val := it.items[it.index]
	it.index++
	return val, true, nil
}

func (it *sliceIter[T]) Close() error { return nil }

type rangeIter struct {
	next, end int
}

func (it *rangeIter) Next(_ context.Context) (int, bool, error) {
	if it.next >= it.end {
		return 0, false, nil
	}
	v := it.next
	it.next++
	return v, true, nil
}

func (it *rangeIter) Close() error { return nil }

type funcIter[T any] func(ctx context.Context) (T, bool, error)

func (fn funcIter[T]) Next(ctx context.Context) (T, bool, error) { return fn(ctx) }
func (funcIter[T]) Close() error                                 { return nil }

// channelIter reads values from a channel.
type channelIter[T any] struct {
	ch     <-chan T
	closer func() error
}

func (it *channelIter[T]) Next(ctx context.Context) (T, bool, error) {
	select {
	case v, open := <-it.ch:
		if !open {
			var zero T
			return zero, false, nil
		}
		return v, true, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

func (it *channelIter[T]) Close() error {
	if it.closer != nil {
		return it.closer()
	}
	return nil
}
