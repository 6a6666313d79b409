package pipeline

import (
	"context"
)

type subscribeFunc[T any] func(ctx context.Context, stage string, sub Subscriber[T])

// Flow is a lazy, reusable description of a stream. Nothing runs until
// Subscribe is called; each subscription runs its own copy of every stage
// unless a Hub shares one.
type Flow[T any] struct {
	name      string
	subscribe subscribeFunc[T]
}

// NewFlow builds a Flow from a raw subscribe function. fn must call
// sub.OnSubscribe exactly once before any signal.
func NewFlow[T any](name string, fn func(ctx context.Context, sub Subscriber[T])) *Flow[T] {
	return newFlow(name, func(ctx context.Context, _ string, sub Subscriber[T]) { fn(ctx, sub) })
}

func newFlow[T any](name string, fn subscribeFunc[T]) *Flow[T] {
	return &Flow[T]{name: name, subscribe: fn}
}

// Name returns the stage name used in faults, logs and metrics.
func (f *Flow[T]) Name() string { return f.name }

// Named returns a copy of f whose outermost stage reports as name.
func (f *Flow[T]) Named(name string) *Flow[T] {
	return &Flow[T]{name: name, subscribe: f.subscribe}
}

// Subscribe starts a new subscription. Values carried by ctx are visible to
// every stage upstream of the subscriber.
func (f *Flow[T]) Subscribe(ctx context.Context, sub Subscriber[T]) {
	if sub == nil {
		violate(f.name, "nil subscriber")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	f.subscribe(ctx, f.name, sub)
}

// errorOnSubscribe delivers an immediate Error signal to sub.
func errorOnSubscribe[T any](sub Subscriber[T], fault *Fault) {
	sub.OnSubscribe(emptySubscription{})
	sub.OnSignal(ErrorSignal[T](fault))
}
