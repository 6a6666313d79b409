package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kbukum/flowkit/validation"
)

// LimitRate splits downstream demand into upstream requests of at most size.
// It prefetches size values and requests another batch once
// FlowConfig.LowTidePercent of the previous one has been consumed (75 of
// 100 by default).
func LimitRate[T any](f *Flow[T], size int) *Flow[T] {
	if err := validation.New().Positive("size", size).Validate(); err != nil {
		return invalidFlow[T]("limitRate", err)
	}
	return newFlow("limitRate", func(ctx context.Context, stage string, sub Subscriber[T]) {
		prefetch := int64(size)
		f.Subscribe(ctx, newQueueStage(stage, prefetch, ConfigFrom(ctx).replenish(prefetch), nil, sub))
	})
}

// LimitRateWithTide is LimitRate with an explicit replenish threshold:
// after lowTide values are consumed, lowTide more are requested.
func LimitRateWithTide[T any](f *Flow[T], size, lowTide int) *Flow[T] {
	v := validation.New().Positive("size", size).Range("lowTide", lowTide, 1, max(size, 1))
	if err := v.Validate(); err != nil {
		return invalidFlow[T]("limitRate", err)
	}
	return newFlow("limitRate", func(ctx context.Context, stage string, sub Subscriber[T]) {
		f.Subscribe(ctx, newQueueStage(stage, int64(size), int64(lowTide), nil, sub))
	})
}

// queueStage decouples upstream from downstream with a queue bounded by
// prefetch. Delivery runs inline or, when run is set, as a task on a
// scheduler worker. A terminal signal is delivered after the queue drains.
type queueStage[T any] struct {
	stage      string
	prefetch   int64
	limit      int64
	run        func(task func()) error
	downstream Subscriber[T]
	upstream   Subscription

	wip       atomic.Int32
	cancelled atomic.Bool
	done      bool

	mu        sync.Mutex
	queue     *ring[T]
	requested int64
	consumed  int64
	terminal  *Signal[T]
}

func newQueueStage[T any](stage string, prefetch, limit int64, run func(func()) error, sub Subscriber[T]) *queueStage[T] {
	capacity := 64
	if prefetch < int64(capacity) {
		capacity = int(prefetch)
	}
	return &queueStage[T]{
		stage:      stage,
		prefetch:   prefetch,
		limit:      limit,
		run:        run,
		downstream: sub,
		queue:      newRing[T](capacity),
	}
}

func (q *queueStage[T]) OnSubscribe(s Subscription) {
	q.upstream = s
	q.downstream.OnSubscribe(q)
	s.Request(q.prefetch)
}

func (q *queueStage[T]) OnSignal(sig Signal[T]) {
	q.mu.Lock()
	if sig.Kind == KindItem {
		q.queue.Push(sig.Item)
	} else if q.terminal == nil {
		q.terminal = &sig
	}
	q.mu.Unlock()
	q.schedule()
}

func (q *queueStage[T]) Request(n int64) {
	checkRequest(q.stage, n)
	q.mu.Lock()
	q.requested = addCap(q.requested, n)
	q.mu.Unlock()
	q.schedule()
}

func (q *queueStage[T]) Cancel() {
	if q.cancelled.Swap(true) {
		return
	}
	q.upstream.Cancel()
	q.schedule()
}

func (q *queueStage[T]) schedule() {
	if q.wip.Add(1) != 1 {
		return
	}
	if q.run == nil {
		q.drain()
		return
	}
	if err := q.run(q.drain); err != nil {
		// The wip token stays taken: nothing is delivered after this fault.
		q.done = true
		q.upstream.Cancel()
		if !q.cancelled.Load() {
			q.downstream.OnSignal(ErrorSignal[T](NewFault(q.stage, err)))
		}
	}
}

func (q *queueStage[T]) drain() {
	missed := int32(1)
	for {
		q.emit()
		missed = q.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}

func (q *queueStage[T]) emit() {
	for !q.done {
		q.mu.Lock()
		if q.cancelled.Load() {
			q.queue.Clear()
			q.mu.Unlock()
			q.done = true
			return
		}
		if q.requested > 0 {
			if v, ok := q.queue.Pop(); ok {
				if q.requested != Unbounded {
					q.requested--
				}
				var refill int64
				q.consumed++
				if q.limit != Unbounded && q.consumed == q.limit {
					q.consumed = 0
					if q.terminal == nil {
						refill = q.limit
					}
				}
				q.mu.Unlock()
				if refill > 0 {
					q.upstream.Request(refill)
				}
				q.downstream.OnSignal(ItemSignal(v))
				continue
			}
		}
		if q.queue.Len() == 0 && q.terminal != nil {
			t := *q.terminal
			q.mu.Unlock()
			q.done = true
			q.downstream.OnSignal(t)
			return
		}
		q.mu.Unlock()
		return
	}
}
