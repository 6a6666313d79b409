package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kbukum/flowkit/scheduler"
	"github.com/kbukum/flowkit/validation"
)

// SubscribeOn subscribes to f on one worker of sched and routes every later
// upstream request through the same worker. When several SubscribeOn stages
// are stacked, the one closest to the source decides where it runs.
func SubscribeOn[T any](f *Flow[T], sched scheduler.Scheduler) *Flow[T] {
	return newFlow("subscribeOn", func(ctx context.Context, stage string, sub Subscriber[T]) {
		s := &subscribeOnSubscriber[T]{stage: stage, worker: sched.Worker(), ser: newSerializer(sub)}
		s.arb.stage = stage
		sub.OnSubscribe(s)
		if err := s.worker.Schedule(func() { f.Subscribe(ctx, s) }); err != nil {
			s.fail(err)
		}
	})
}

type subscribeOnSubscriber[T any] struct {
	stage  string
	worker scheduler.Worker
	ser    *serializer[T]
	arb    arbiter
}

func (s *subscribeOnSubscriber[T]) OnSubscribe(up Subscription) { s.arb.set(up) }

func (s *subscribeOnSubscriber[T]) OnSignal(sig Signal[T]) { s.ser.OnSignal(sig) }

func (s *subscribeOnSubscriber[T]) Request(n int64) {
	checkRequest(s.stage, n)
	if err := s.worker.Schedule(func() { s.arb.Request(n) }); err != nil {
		s.fail(err)
	}
}

func (s *subscribeOnSubscriber[T]) Cancel() { s.arb.Cancel() }

func (s *subscribeOnSubscriber[T]) fail(err error) {
	if s.arb.isCancelled() {
		return
	}
	s.arb.Cancel()
	s.ser.OnSignal(ErrorSignal[T](NewFault(s.stage, err)))
}

// PublishOn delivers downstream signals from one worker of sched. Up to
// prefetch values are queued between the two sides; zero selects
// FlowConfig.PublishPrefetch.
func PublishOn[T any](f *Flow[T], sched scheduler.Scheduler, prefetch int) *Flow[T] {
	if err := validation.New().Custom(prefetch >= 0, "prefetch", "must not be negative").Validate(); err != nil {
		return invalidFlow[T]("publishOn", err)
	}
	return newFlow("publishOn", func(ctx context.Context, stage string, sub Subscriber[T]) {
		cfg := ConfigFrom(ctx)
		p := int64(prefetch)
		if p == 0 {
			p = int64(cfg.PublishPrefetch)
		}
		w := sched.Worker()
		run := func(task func()) error { return w.Schedule(task) }
		f.Subscribe(ctx, newQueueStage(stage, p, cfg.replenish(p), run, sub))
	})
}

// ParallelOptions configures ParallelMap.
type ParallelOptions[I any] struct {
	// Rails is the number of workers used. Defaults to the scheduler's
	// worker count.
	Rails int
	// Key pins values with equal keys to the same worker. Without it values
	// are spread round-robin.
	Key func(I) int
	// Ordered re-sequences results into upstream order.
	Ordered bool
	// Prefetch bounds the values in flight per rail. Defaults to
	// FlowConfig.InnerPrefetch.
	Prefetch int
}

// ParallelMap applies fn to each value on a worker of sched. Every value is
// processed by exactly one worker; results are emitted as they finish
// unless opts.Ordered is set.
func ParallelMap[I, O any](f *Flow[I], sched scheduler.Scheduler, opts ParallelOptions[I], fn func(context.Context, I) (O, error)) *Flow[O] {
	v := validation.New().
		Custom(opts.Rails >= 0, "rails", "must not be negative").
		Custom(opts.Prefetch >= 0, "prefetch", "must not be negative")
	if err := v.Validate(); err != nil {
		return invalidFlow[O]("parallelMap", err)
	}
	return newFlow("parallelMap", func(ctx context.Context, stage string, sub Subscriber[O]) {
		cfg := ConfigFrom(ctx)
		rails := opts.Rails
		if rails == 0 {
			rails = sched.Workers()
		}
		prefetch := opts.Prefetch
		if prefetch == 0 {
			prefetch = cfg.InnerPrefetch
		}
		window := int64(rails * prefetch)
		p := &parallelMap[I, O]{
			ctx:        ctx,
			stage:      stage,
			fn:         fn,
			key:        opts.Key,
			ordered:    opts.Ordered,
			window:     window,
			limit:      cfg.replenish(window),
			downstream: sub,
			rails:      make([]scheduler.Worker, rails),
		}
		for i := range p.rails {
			p.rails[i] = sched.WorkerAt(i)
		}
		if p.ordered {
			p.results = make(map[uint64]parallelResult[O])
		} else {
			p.queue = newRing[O](int(min(window, 64)))
		}
		f.Subscribe(ctx, p)
	})
}

type parallelResult[O any] struct {
	value O
	skip  bool
}

type parallelMap[I, O any] struct {
	ctx        context.Context
	stage      string
	fn         func(context.Context, I) (O, error)
	key        func(I) int
	ordered    bool
	window     int64
	limit      int64
	rails      []scheduler.Worker
	downstream Subscriber[O]
	upstream   Subscription
	seq        uint64

	wip       atomic.Int32
	cancelled atomic.Bool
	done      bool

	mu           sync.Mutex
	requested    int64
	inFlight     int
	consumed     int64
	queue        *ring[O]
	results      map[uint64]parallelResult[O]
	nextSeq      uint64
	upstreamDone bool
	fault        *Fault
}

func (p *parallelMap[I, O]) OnSubscribe(s Subscription) {
	p.upstream = s
	p.downstream.OnSubscribe(p)
	s.Request(p.window)
}

func (p *parallelMap[I, O]) OnSignal(sig Signal[I]) {
	switch sig.Kind {
	case KindItem:
		seq := p.seq
		p.seq++
		rail := p.rails[seq%uint64(len(p.rails))]
		if p.key != nil {
			n := len(p.rails)
			rail = p.rails[((p.key(sig.Item)%n)+n)%n]
		}
		p.mu.Lock()
		p.inFlight++
		p.mu.Unlock()
		v := sig.Item
		if err := rail.Schedule(func() { p.process(seq, v) }); err != nil {
			p.onError(NewFault(p.stage, err))
		}
	case KindError:
		p.onError(sig.Fault)
	default:
		p.mu.Lock()
		p.upstreamDone = true
		p.mu.Unlock()
		p.drain()
	}
}

func (p *parallelMap[I, O]) process(seq uint64, v I) {
	if p.cancelled.Load() {
		return
	}
	out, err := p.fn(p.ctx, v)
	if err != nil {
		if fault := itemFault(p.stage, v, err); !tryResume(p.ctx, fault) {
			p.onError(fault)
			return
		}
	}
	p.mu.Lock()
	p.inFlight--
	switch {
	case p.ordered:
		p.results[seq] = parallelResult[O]{value: out, skip: err != nil}
	case err != nil:
		p.consumed++
	default:
		p.queue.Push(out)
	}
	p.mu.Unlock()
	p.drain()
}

func (p *parallelMap[I, O]) onError(f *Fault) {
	p.mu.Lock()
	if p.fault == nil {
		p.fault = f
	}
	p.mu.Unlock()
	p.upstream.Cancel()
	p.drain()
}

func (p *parallelMap[I, O]) Request(n int64) {
	checkRequest(p.stage, n)
	p.mu.Lock()
	p.requested = addCap(p.requested, n)
	p.mu.Unlock()
	p.drain()
}

func (p *parallelMap[I, O]) Cancel() {
	if p.cancelled.Swap(true) {
		return
	}
	p.upstream.Cancel()
	p.drain()
}

func (p *parallelMap[I, O]) drain() {
	if p.wip.Add(1) != 1 {
		return
	}
	missed := int32(1)
	for {
		p.emit()
		missed = p.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}

func (p *parallelMap[I, O]) emit() {
	for !p.done {
		p.mu.Lock()
		if p.cancelled.Load() {
			p.clear()
			p.mu.Unlock()
			p.done = true
			return
		}
		if fault := p.fault; fault != nil {
			p.clear()
			p.mu.Unlock()
			p.done = true
			p.downstream.OnSignal(ErrorSignal[O](fault))
			return
		}

		var (
			v       O
			found   bool
			skipped bool
		)
		if p.ordered {
			if r, ok := p.results[p.nextSeq]; ok && (r.skip || p.requested > 0) {
				delete(p.results, p.nextSeq)
				p.nextSeq++
				v, found, skipped = r.value, !r.skip, r.skip
			}
		} else if p.requested > 0 {
			v, found = p.queue.Pop()
		}
		if found && p.requested != Unbounded {
			p.requested--
		}
		if found || skipped {
			p.consumed++
		}
		var refill int64
		if p.consumed >= p.limit && !p.upstreamDone {
			refill = p.consumed
			p.consumed = 0
		}
		finished := p.upstreamDone && p.inFlight == 0 && p.buffered() == 0
		p.mu.Unlock()

		if refill > 0 {
			p.upstream.Request(refill)
		}
		switch {
		case found:
			p.downstream.OnSignal(ItemSignal(v))
		case skipped:
		case finished:
			p.done = true
			p.downstream.OnSignal(CompleteSignal[O]())
			return
		default:
			return
		}
	}
}

func (p *parallelMap[I, O]) buffered() int {
	if p.ordered {
		return len(p.results)
	}
	return p.queue.Len()
}

func (p *parallelMap[I, O]) clear() {
	if p.ordered {
		clear(p.results)
		return
	}
	p.queue.Clear()
}
