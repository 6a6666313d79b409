package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/kbukum/flowkit/errors"
)

// Interval emits 0, 1, 2, ... once every d on the clock attached with
// WithClock. Ticks are not queued: a tick that finds no outstanding demand
// fails the flow with BACKPRESSURE_OVERFLOW, so a consumer that may lag
// needs a stage that keeps demand open, such as LimitRate or PublishOn.
func Interval(d time.Duration) *Flow[int64] {
	if d <= 0 {
		return invalidFlow[int64]("interval", errors.InvalidInput("period", "must be positive"))
	}
	return newFlow("interval", func(ctx context.Context, stage string, sub Subscriber[int64]) {
		ctx, cancel := context.WithCancel(ctx)
		ticker := clockFrom(ctx).NewTicker(d)
		e := NewEmitter(stage, sub)
		e.OnCancel(cancel)
		e.OnRelease(cancel)
		sub.OnSubscribe(e)
		go func() {
			defer ticker.Stop()
			for n := int64(0); ; n++ {
				select {
				case <-ctx.Done():
					if !e.Done() {
						e.Fail(errors.Cancelled(ctx.Err()))
					}
					return
				case <-ticker.C():
				}
				if e.Done() {
					return
				}
				if e.Demand() == 0 {
					e.Fail(errors.Overflow(stage, fmt.Sprintf("tick %d found no demand", n)))
					return
				}
				e.Emit(n)
			}
		}()
	})
}

// After emits v once d has elapsed since subscription and demand is
// outstanding, then completes.
func After[T any](d time.Duration, v T) *Flow[T] {
	if d <= 0 {
		return Just(v).Named("after")
	}
	return newFlow("after", func(ctx context.Context, stage string, sub Subscriber[T]) {
		ctx, cancel := context.WithCancel(ctx)
		timer := clockFrom(ctx).NewTimer(d)
		e := NewEmitter(stage, sub)
		e.OnCancel(cancel)
		e.OnRelease(cancel)
		sub.OnSubscribe(e)
		go func() {
			defer timer.Stop()
			var err error
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-timer.C():
				err = e.Wait(ctx)
			}
			if e.Done() {
				return
			}
			if err != nil {
				e.Fail(errors.Cancelled(err))
				return
			}
			e.Emit(v)
			e.Complete()
		}()
	})
}

// DelayElements shifts every item of f by d. Items keep their order and
// leave at least d apart.
func DelayElements[T any](f *Flow[T], d time.Duration) *Flow[T] {
	return ConcatMap(f, func(_ context.Context, v T) (*Flow[T], error) {
		return After(d, v), nil
	}).Named("delayElements")
}
