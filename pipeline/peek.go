package pipeline

import (
	"context"
	"sync"

	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/observability"
)

// FinallyReason tells a DoFinally callback how the subscription ended.
type FinallyReason uint8

const (
	FinallyComplete FinallyReason = iota + 1
	FinallyError
	FinallyCancel
)

func (r FinallyReason) String() string {
	switch r {
	case FinallyComplete:
		return "complete"
	case FinallyError:
		return "error"
	case FinallyCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

type peekHooks[T any] struct {
	onSubscribe func()
	onSignal    func(Signal[T])
	onRequest   func(int64)
	onCancel    func()
	onFinally   func(FinallyReason)
}

func peek[T any](f *Flow[T], name string, hooks func(ctx context.Context, stage string) peekHooks[T]) *Flow[T] {
	return newFlow(name, func(ctx context.Context, stage string, sub Subscriber[T]) {
		f.Subscribe(ctx, &peekSubscriber[T]{hooks: hooks(ctx, stage), downstream: sub})
	})
}

type peekSubscriber[T any] struct {
	hooks       peekHooks[T]
	downstream  Subscriber[T]
	upstream    Subscription
	finallyOnce sync.Once
}

func (p *peekSubscriber[T]) OnSubscribe(s Subscription) {
	p.upstream = s
	if p.hooks.onSubscribe != nil {
		p.hooks.onSubscribe()
	}
	p.downstream.OnSubscribe(p)
}

func (p *peekSubscriber[T]) Request(n int64) {
	if p.hooks.onRequest != nil {
		p.hooks.onRequest(n)
	}
	p.upstream.Request(n)
}

func (p *peekSubscriber[T]) Cancel() {
	if p.hooks.onCancel != nil {
		p.hooks.onCancel()
	}
	p.upstream.Cancel()
	p.finally(FinallyCancel)
}

func (p *peekSubscriber[T]) OnSignal(sig Signal[T]) {
	if p.hooks.onSignal != nil {
		p.hooks.onSignal(sig)
	}
	p.downstream.OnSignal(sig)
	switch sig.Kind {
	case KindComplete:
		p.finally(FinallyComplete)
	case KindError:
		p.finally(FinallyError)
	}
}

func (p *peekSubscriber[T]) finally(r FinallyReason) {
	if p.hooks.onFinally == nil {
		return
	}
	p.finallyOnce.Do(func() { p.hooks.onFinally(r) })
}

// DoOnSignal calls fn for every signal before it is delivered downstream.
func DoOnSignal[T any](f *Flow[T], fn func(Signal[T])) *Flow[T] {
	return peek(f, "doOnSignal", func(context.Context, string) peekHooks[T] {
		return peekHooks[T]{onSignal: fn}
	})
}

// DoOnRequest calls fn with every demand request before it goes upstream.
func DoOnRequest[T any](f *Flow[T], fn func(n int64)) *Flow[T] {
	return peek(f, "doOnRequest", func(context.Context, string) peekHooks[T] {
		return peekHooks[T]{onRequest: fn}
	})
}

// DoOnCancel calls fn when the downstream cancels.
func DoOnCancel[T any](f *Flow[T], fn func()) *Flow[T] {
	return peek(f, "doOnCancel", func(context.Context, string) peekHooks[T] {
		return peekHooks[T]{onCancel: fn}
	})
}

// DoFinally calls fn once after the subscription completes, fails or is
// cancelled.
func DoFinally[T any](f *Flow[T], fn func(FinallyReason)) *Flow[T] {
	return peek(f, "doFinally", func(context.Context, string) peekHooks[T] {
		return peekHooks[T]{onFinally: fn}
	})
}

// Log writes every signal, request and cancellation passing this point to
// the "pipeline" logger at debug level, tagged with name.
func Log[T any](f *Flow[T], name string) *Flow[T] {
	return peek(f, name, func(ctx context.Context, stage string) peekHooks[T] {
		log := logger.Get("pipeline").WithContext(ctx).WithStage(stage)
		if !log.Enabled("debug") {
			return peekHooks[T]{}
		}
		return peekHooks[T]{
			onSubscribe: func() { log.Debug("onSubscribe") },
			onSignal: func(sig Signal[T]) {
				switch sig.Kind {
				case KindItem:
					log.Debug("onItem", logger.Fields("item", sig.Item))
				case KindError:
					log.Debug("onError", logger.Fields(logger.FieldCode, string(sig.Fault.Code), "error", sig.Fault.Error()))
				default:
					log.Debug("onComplete")
				}
			},
			onRequest: func(n int64) {
				if n == Unbounded {
					log.Debug("request(unbounded)")
					return
				}
				log.Debug("request", logger.Fields(logger.FieldDemand, n))
			},
			onCancel: func() { log.Debug("cancel") },
		}
	})
}

// Instrument records item, fault and completion counts for the signals
// passing this point, attributed to stage.
func Instrument[T any](f *Flow[T], m *observability.FlowMetrics, stage string) *Flow[T] {
	return peek(f, stage, func(ctx context.Context, _ string) peekHooks[T] {
		return peekHooks[T]{
			onSignal: func(sig Signal[T]) {
				switch sig.Kind {
				case KindItem:
					m.RecordItem(ctx, stage)
				case KindError:
					m.RecordFault(ctx, stage, string(sig.Fault.Code))
				case KindComplete:
					m.RecordComplete(ctx, stage)
				}
			},
		}
	})
}
