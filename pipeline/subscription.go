package pipeline

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
)

// Unbounded is the demand value meaning "no limit". Demand arithmetic
// saturates at Unbounded.
const Unbounded int64 = math.MaxInt64

// Subscription is the consumer's handle on a producer. Both methods are safe
// to call from any goroutine. Request with n <= 0 panics with a
// *ProtocolViolation.
type Subscription interface {
	Request(n int64)
	Cancel()
}

// Subscriber receives exactly one OnSubscribe call followed by Item signals,
// never more than requested, and at most one terminal signal. Signals on one
// subscription are never delivered concurrently.
type Subscriber[T any] interface {
	OnSubscribe(s Subscription)
	OnSignal(s Signal[T])
}

func addCap(a, b int64) int64 {
	if a == Unbounded || b >= Unbounded-a {
		return Unbounded
	}
	return a + b
}

func mulCap(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > Unbounded/b {
		return Unbounded
	}
	return a * b
}

// addDemand adds n to v, saturating, and returns the previous value.
func addDemand(v *atomic.Int64, n int64) int64 {
	for {
		cur := v.Load()
		if cur == Unbounded {
			return cur
		}
		if v.CompareAndSwap(cur, addCap(cur, n)) {
			return cur
		}
	}
}

func checkRequest(stage string, n int64) {
	if n <= 0 {
		violate(stage, "request(%d): demand must be positive", n)
	}
}

type emptySubscription struct{}

func (emptySubscription) Request(int64) {}
func (emptySubscription) Cancel()       {}

// Emitter is the producer side of a subscription and, at the same time, the
// Subscription handed to the consumer. Demand accumulates from any goroutine;
// at most one drain loop runs the producer callback at a time.
type Emitter[T any] struct {
	stage      string
	downstream Subscriber[T]

	requested  atomic.Int64
	cancelled  atomic.Bool
	terminated atomic.Bool
	wip        atomic.Int32

	produce     func()
	cancelFn    func()
	wake        chan struct{}
	releaseFn   func()
	releaseOnce sync.Once
}

// NewEmitter returns an emitter delivering to sub. The caller still has to
// hand it to sub via OnSubscribe.
func NewEmitter[T any](stage string, sub Subscriber[T]) *Emitter[T] {
	return &Emitter[T]{stage: stage, downstream: sub, wake: make(chan struct{}, 1)}
}

// OnDemand installs a pull callback. It runs inside the drain loop whenever
// demand is outstanding and must emit at most Demand() items.
func (e *Emitter[T]) OnDemand(fn func()) { e.produce = fn }

// OnCancel installs a callback run on the cancelling goroutine, before the
// drain loop notices the cancellation. Use it to unblock a pending pull.
func (e *Emitter[T]) OnCancel(fn func()) { e.cancelFn = fn }

// OnRelease installs a callback run once after termination or cancellation.
func (e *Emitter[T]) OnRelease(fn func()) { e.releaseFn = fn }

// Request adds n to the outstanding demand.
func (e *Emitter[T]) Request(n int64) {
	checkRequest(e.stage, n)
	if e.cancelled.Load() || e.terminated.Load() {
		return
	}
	addDemand(&e.requested, n)
	e.signalWake()
	e.drain()
}

// Cancel stops the producer. It is idempotent.
func (e *Emitter[T]) Cancel() {
	if e.cancelled.Swap(true) {
		return
	}
	if e.cancelFn != nil {
		e.cancelFn()
	}
	e.signalWake()
	e.drain()
}

// Demand returns the outstanding demand.
func (e *Emitter[T]) Demand() int64 { return e.requested.Load() }

// IsCancelled reports whether the consumer cancelled.
func (e *Emitter[T]) IsCancelled() bool { return e.cancelled.Load() }

// Done reports whether the emitter terminated or was cancelled.
func (e *Emitter[T]) Done() bool { return e.cancelled.Load() || e.terminated.Load() }

// Emit delivers v. Emitting with zero demand panics; emitting after cancel
// is ignored.
func (e *Emitter[T]) Emit(v T) {
	if e.cancelled.Load() {
		return
	}
	if e.terminated.Load() {
		violate(e.stage, "emit after termination")
	}
	for {
		r := e.requested.Load()
		if r == 0 {
			violate(e.stage, "emit without demand")
		}
		if r == Unbounded || e.requested.CompareAndSwap(r, r-1) {
			break
		}
	}
	e.downstream.OnSignal(ItemSignal(v))
}

// Complete terminates the subscription successfully.
func (e *Emitter[T]) Complete() {
	e.terminate(CompleteSignal[T]())
}

// Fail terminates the subscription with err, classified as a Fault raised
// by this emitter's stage.
func (e *Emitter[T]) Fail(err error) {
	e.terminate(ErrorSignal[T](NewFault(e.stage, err)))
}

func (e *Emitter[T]) terminate(sig Signal[T]) {
	if e.cancelled.Load() {
		e.release()
		return
	}
	if e.terminated.Swap(true) {
		violate(e.stage, "terminated twice")
	}
	e.downstream.OnSignal(sig)
	e.release()
}

// Wait blocks until there is demand, the subscription is cancelled or ctx
// is done. It is meant for a single pushing goroutine.
func (e *Emitter[T]) Wait(ctx context.Context) error {
	for {
		if e.cancelled.Load() {
			return context.Canceled
		}
		if e.requested.Load() > 0 {
			return nil
		}
		select {
		case <-e.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Emitter[T]) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Emitter[T]) release() {
	e.releaseOnce.Do(func() {
		if e.releaseFn != nil {
			e.releaseFn()
		}
	})
}

func (e *Emitter[T]) drain() {
	if e.wip.Add(1) != 1 {
		return
	}
	missed := int32(1)
	for {
		switch {
		case e.cancelled.Load():
			e.release()
		case e.terminated.Load():
		case e.produce != nil && e.requested.Load() > 0:
			e.produce()
		}
		missed = e.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}
