package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kbukum/flowkit/validation"
)

// FlatMap maps each value to an inner Flow and merges the inner items as
// they arrive. At most FlowConfig.FlatMapConcurrency inner flows are open at
// once; further upstream values are requested only when one finishes.
func FlatMap[I, O any](f *Flow[I], fn func(context.Context, I) (*Flow[O], error)) *Flow[O] {
	return flatMap(f, "flatMap", 0, false, fn)
}

// FlatMapN is FlatMap with an explicit concurrency.
func FlatMapN[I, O any](f *Flow[I], concurrency int, fn func(context.Context, I) (*Flow[O], error)) *Flow[O] {
	if err := validation.New().Positive("concurrency", concurrency).Validate(); err != nil {
		return invalidFlow[O]("flatMap", err)
	}
	return flatMap(f, "flatMap", concurrency, false, fn)
}

// FlatMapSequential subscribes to inner flows eagerly, like FlatMap, but
// emits their items in the order the upstream values arrived.
func FlatMapSequential[I, O any](f *Flow[I], fn func(context.Context, I) (*Flow[O], error)) *Flow[O] {
	return flatMap(f, "flatMapSequential", 0, true, fn)
}

// ConcatMap maps each value to an inner Flow and subscribes to them one at a
// time.
func ConcatMap[I, O any](f *Flow[I], fn func(context.Context, I) (*Flow[O], error)) *Flow[O] {
	return flatMap(f, "concatMap", 1, true, fn)
}

// Merge interleaves the items of all sources. It completes when every source
// has completed; the first failure cancels the others.
func Merge[T any](sources ...*Flow[T]) *Flow[T] {
	if len(sources) == 0 {
		return Empty[T]().Named("merge")
	}
	return flatMap(FromSlice(sources), "merge", len(sources), false, identityFlow[T])
}

// Concat emits every item of each source in turn. A source is not
// subscribed until the previous one completed.
func Concat[T any](sources ...*Flow[T]) *Flow[T] {
	return flatMap(FromSlice(sources), "concat", 1, true, identityFlow[T])
}

func identityFlow[T any](_ context.Context, f *Flow[T]) (*Flow[T], error) { return f, nil }

func flatMap[I, O any](f *Flow[I], name string, concurrency int, ordered bool, fn func(context.Context, I) (*Flow[O], error)) *Flow[O] {
	return newFlow(name, func(ctx context.Context, stage string, sub Subscriber[O]) {
		cfg := ConfigFrom(ctx)
		open := concurrency
		if open <= 0 {
			open = cfg.FlatMapConcurrency
		}
		prefetch := int64(cfg.InnerPrefetch)
		m := &flatMapMain[I, O]{
			ctx:         ctx,
			stage:       stage,
			fn:          fn,
			concurrency: int64(open),
			prefetch:    prefetch,
			limit:       cfg.replenish(prefetch),
			ordered:     ordered,
			downstream:  sub,
		}
		f.Subscribe(ctx, m)
	})
}

type flatMapMain[I, O any] struct {
	ctx         context.Context
	stage       string
	fn          func(context.Context, I) (*Flow[O], error)
	concurrency int64
	prefetch    int64
	limit       int64
	ordered     bool
	downstream  Subscriber[O]
	upstream    Subscription

	wip       atomic.Int32
	cancelled atomic.Bool
	done      bool

	mu           sync.Mutex
	requested    int64
	inners       []*flatMapInner[I, O]
	cursor       int
	upstreamDone bool
	fault        *Fault
}

type flatMapInner[I, O any] struct {
	parent   *flatMapMain[I, O]
	sub      Subscription
	queue    *ring[O]
	consumed int64
	done     bool
}

func (m *flatMapMain[I, O]) OnSubscribe(s Subscription) {
	m.upstream = s
	m.downstream.OnSubscribe(m)
	s.Request(m.concurrency)
}

func (m *flatMapMain[I, O]) OnSignal(sig Signal[I]) {
	switch sig.Kind {
	case KindItem:
		m.onItem(sig.Item)
	case KindError:
		m.onError(sig.Fault)
	default:
		m.mu.Lock()
		m.upstreamDone = true
		m.mu.Unlock()
		m.drain()
	}
}

func (m *flatMapMain[I, O]) onItem(v I) {
	if m.cancelled.Load() {
		return
	}
	inner, err := m.fn(m.ctx, v)
	if err != nil {
		fault := itemFault(m.stage, v, err)
		if tryResume(m.ctx, fault) {
			m.upstream.Request(1)
			return
		}
		m.onError(fault)
		return
	}
	if inner == nil {
		m.upstream.Request(1)
		return
	}
	in := &flatMapInner[I, O]{parent: m, queue: newRing[O](int(min(m.prefetch, 64)))}
	m.mu.Lock()
	if m.fault != nil {
		m.mu.Unlock()
		return
	}
	m.inners = append(m.inners, in)
	m.mu.Unlock()
	inner.Subscribe(m.ctx, in)
}

func (m *flatMapMain[I, O]) onError(f *Fault) {
	m.mu.Lock()
	if m.fault == nil {
		m.fault = f
	}
	m.mu.Unlock()
	m.upstream.Cancel()
	m.cancelInners()
	m.drain()
}

func (m *flatMapMain[I, O]) cancelInners() {
	m.mu.Lock()
	subs := make([]Subscription, 0, len(m.inners))
	for _, in := range m.inners {
		if in.sub != nil && !in.done {
			subs = append(subs, in.sub)
		}
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

func (m *flatMapMain[I, O]) Request(n int64) {
	checkRequest(m.stage, n)
	m.mu.Lock()
	m.requested = addCap(m.requested, n)
	m.mu.Unlock()
	m.drain()
}

func (m *flatMapMain[I, O]) Cancel() {
	if m.cancelled.Swap(true) {
		return
	}
	m.upstream.Cancel()
	m.cancelInners()
	m.drain()
}

func (in *flatMapInner[I, O]) OnSubscribe(s Subscription) {
	m := in.parent
	m.mu.Lock()
	in.sub = s
	stop := m.fault != nil
	m.mu.Unlock()
	if stop || m.cancelled.Load() {
		s.Cancel()
		return
	}
	s.Request(m.prefetch)
}

func (in *flatMapInner[I, O]) OnSignal(sig Signal[O]) {
	m := in.parent
	switch sig.Kind {
	case KindItem:
		m.mu.Lock()
		in.queue.Push(sig.Item)
		m.mu.Unlock()
		m.drain()
	case KindError:
		m.mu.Lock()
		in.done = true
		m.mu.Unlock()
		m.onError(sig.Fault)
	default:
		m.mu.Lock()
		in.done = true
		m.mu.Unlock()
		m.drain()
	}
}

func (m *flatMapMain[I, O]) drain() {
	if m.wip.Add(1) != 1 {
		return
	}
	missed := int32(1)
	for {
		m.drainLoop()
		missed = m.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}

func (m *flatMapMain[I, O]) drainLoop() {
	for !m.done {
		m.mu.Lock()
		if m.cancelled.Load() {
			m.clear()
			m.mu.Unlock()
			m.done = true
			return
		}
		if fault := m.fault; fault != nil {
			m.clear()
			m.mu.Unlock()
			m.done = true
			m.downstream.OnSignal(ErrorSignal[O](fault))
			return
		}

		var (
			v         O
			found     bool
			refill    int64
			refillSub Subscription
		)
		if m.requested > 0 {
			v, found, refill, refillSub = m.poll()
			if found && m.requested != Unbounded {
				m.requested--
			}
		}
		freed := m.reap()
		upstreamDone := m.upstreamDone
		finished := upstreamDone && len(m.inners) == 0
		m.mu.Unlock()

		if freed > 0 && !upstreamDone {
			m.upstream.Request(freed)
		}
		if refill > 0 {
			refillSub.Request(refill)
		}
		if found {
			m.downstream.OnSignal(ItemSignal(v))
			continue
		}
		if finished {
			m.done = true
			m.downstream.OnSignal(CompleteSignal[O]())
			return
		}
		if freed == 0 {
			return
		}
	}
}

// poll takes the next deliverable item. Callers hold m.mu.
func (m *flatMapMain[I, O]) poll() (O, bool, int64, Subscription) {
	var zero O
	n := len(m.inners)
	if n == 0 {
		return zero, false, 0, nil
	}
	if m.ordered {
		n = 1
		m.cursor = 0
	}
	for i := range n {
		idx := (m.cursor + i) % len(m.inners)
		in := m.inners[idx]
		v, ok := in.queue.Pop()
		if !ok {
			continue
		}
		m.cursor = idx + 1
		in.consumed++
		if in.done || m.limit == Unbounded || in.consumed < m.limit {
			return v, true, 0, nil
		}
		in.consumed = 0
		return v, true, m.limit, in.sub
	}
	return zero, false, 0, nil
}

// reap drops finished, drained inners and returns how many. Callers hold
// m.mu.
func (m *flatMapMain[I, O]) reap() int64 {
	live := m.inners[:0]
	var freed int64
	for _, in := range m.inners {
		if in.done && in.queue.Len() == 0 {
			freed++
			continue
		}
		live = append(live, in)
	}
	for i := len(live); i < len(m.inners); i++ {
		m.inners[i] = nil
	}
	m.inners = live
	if len(live) > 0 {
		m.cursor %= len(live)
	} else {
		m.cursor = 0
	}
	return freed
}

func (m *flatMapMain[I, O]) clear() {
	for _, in := range m.inners {
		in.queue.Clear()
	}
	m.inners = nil
}
