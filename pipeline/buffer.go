package pipeline

import (
	"context"

	"github.com/kbukum/flowkit/validation"
)

// Buffer groups values into slices of size. Each downstream demand unit
// requests size values upstream; a final partial batch is emitted on
// completion and dropped on failure.
func Buffer[T any](f *Flow[T], size int) *Flow[[]T] {
	if err := validation.New().Positive("size", size).Validate(); err != nil {
		return invalidFlow[[]T]("buffer", err)
	}
	return newFlow("buffer", func(ctx context.Context, stage string, sub Subscriber[[]T]) {
		f.Subscribe(ctx, &bufferSubscriber[T]{stage: stage, size: size, downstream: sub})
	})
}

type bufferSubscriber[T any] struct {
	stage      string
	size       int
	buf        []T
	downstream Subscriber[[]T]
	upstream   Subscription
}

func (b *bufferSubscriber[T]) OnSubscribe(s Subscription) {
	b.upstream = s
	b.downstream.OnSubscribe(b)
}

func (b *bufferSubscriber[T]) Request(n int64) {
	checkRequest(b.stage, n)
	b.upstream.Request(mulCap(n, int64(b.size)))
}

func (b *bufferSubscriber[T]) Cancel() { b.upstream.Cancel() }

func (b *bufferSubscriber[T]) OnSignal(sig Signal[T]) {
	switch sig.Kind {
	case KindItem:
		if b.buf == nil {
			b.buf = make([]T, 0, b.size)
		}
		b.buf = append(b.buf, sig.Item)
		if len(b.buf) == b.size {
			batch := b.buf
			b.buf = nil
			b.downstream.OnSignal(ItemSignal(batch))
		}
	case KindComplete:
		if len(b.buf) > 0 {
			batch := b.buf
			b.buf = nil
			b.downstream.OnSignal(ItemSignal(batch))
		}
		b.downstream.OnSignal(CompleteSignal[[]T]())
	default:
		b.buf = nil
		b.downstream.OnSignal(retype[[]T](sig))
	}
}
