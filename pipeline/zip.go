package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
)

// Zip pairs the i-th items of every source into a slice. Each output demand
// unit requests one item from every source. The flow completes as soon as
// a source has completed and its buffered items are used up.
func Zip[T any](sources ...*Flow[T]) *Flow[[]T] {
	return zipWith("zip", sources, func(items []T) []T { return items })
}

// Zip2 combines the i-th items of a and b with fn.
func Zip2[A, B, R any](a *Flow[A], b *Flow[B], fn func(A, B) R) *Flow[R] {
	sources := []*Flow[any]{boxed(a), boxed(b)}
	return zipWith("zip2", sources, func(items []any) R {
		return fn(items[0].(A), items[1].(B))
	})
}

// Zip3 combines the i-th items of a, b and c with fn.
func Zip3[A, B, C, R any](a *Flow[A], b *Flow[B], c *Flow[C], fn func(A, B, C) R) *Flow[R] {
	sources := []*Flow[any]{boxed(a), boxed(b), boxed(c)}
	return zipWith("zip3", sources, func(items []any) R {
		return fn(items[0].(A), items[1].(B), items[2].(C))
	})
}

func boxed[T any](f *Flow[T]) *Flow[any] {
	return Map(f, func(_ context.Context, v T) (any, error) { return v, nil }).Named(f.name)
}

func zipWith[T, R any](name string, sources []*Flow[T], combine func([]T) R) *Flow[R] {
	if len(sources) == 0 {
		return Empty[R]().Named(name)
	}
	return newFlow(name, func(ctx context.Context, stage string, sub Subscriber[R]) {
		z := &zipCoordinator[T, R]{stage: stage, combine: combine, downstream: sub}
		z.inners = make([]*zipInner[T, R], len(sources))
		for i := range sources {
			z.inners[i] = &zipInner[T, R]{parent: z, queue: newRing[T](8)}
			z.inners[i].arb.stage = stage
		}
		sub.OnSubscribe(z)
		for i, src := range sources {
			if z.cancelled.Load() {
				return
			}
			src.Subscribe(ctx, z.inners[i])
		}
	})
}

type zipCoordinator[T, R any] struct {
	stage      string
	combine    func([]T) R
	downstream Subscriber[R]
	inners     []*zipInner[T, R]

	wip       atomic.Int32
	cancelled atomic.Bool
	done      bool

	mu        sync.Mutex
	requested int64
	fault     *Fault
}

type zipInner[T, R any] struct {
	parent *zipCoordinator[T, R]
	arb    arbiter
	queue  *ring[T]
	done   bool
}

func (z *zipCoordinator[T, R]) Request(n int64) {
	checkRequest(z.stage, n)
	z.mu.Lock()
	z.requested = addCap(z.requested, n)
	z.mu.Unlock()
	for _, in := range z.inners {
		in.arb.Request(n)
	}
	z.drain()
}

func (z *zipCoordinator[T, R]) Cancel() {
	if z.cancelled.Swap(true) {
		return
	}
	z.cancelAll()
	z.drain()
}

func (z *zipCoordinator[T, R]) cancelAll() {
	for _, in := range z.inners {
		in.arb.Cancel()
	}
}

func (in *zipInner[T, R]) OnSubscribe(s Subscription) { in.arb.set(s) }

func (in *zipInner[T, R]) OnSignal(sig Signal[T]) {
	z := in.parent
	z.mu.Lock()
	switch sig.Kind {
	case KindItem:
		in.queue.Push(sig.Item)
	case KindComplete:
		in.done = true
	default:
		in.done = true
		if z.fault == nil {
			z.fault = sig.Fault
		}
	}
	z.mu.Unlock()
	z.drain()
}

func (z *zipCoordinator[T, R]) drain() {
	if z.wip.Add(1) != 1 {
		return
	}
	missed := int32(1)
	for {
		z.drainLoop()
		missed = z.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}

func (z *zipCoordinator[T, R]) drainLoop() {
	for !z.done {
		if z.cancelled.Load() {
			z.done = true
			return
		}
		z.mu.Lock()
		if fault := z.fault; fault != nil {
			z.mu.Unlock()
			z.done = true
			z.cancelAll()
			z.downstream.OnSignal(ErrorSignal[R](fault))
			return
		}
		exhausted := false
		ready := true
		for _, in := range z.inners {
			if in.queue.Len() == 0 {
				ready = false
				if in.done {
					exhausted = true
				}
			}
		}
		if exhausted {
			z.mu.Unlock()
			z.done = true
			z.cancelAll()
			z.downstream.OnSignal(CompleteSignal[R]())
			return
		}
		if !ready || z.requested == 0 {
			z.mu.Unlock()
			return
		}
		tuple := make([]T, len(z.inners))
		for i, in := range z.inners {
			tuple[i], _ = in.queue.Pop()
		}
		if z.requested != Unbounded {
			z.requested--
		}
		z.mu.Unlock()
		z.downstream.OnSignal(ItemSignal(z.combine(tuple)))
	}
}
