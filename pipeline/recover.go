package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/observability"
	"github.com/kbukum/flowkit/resilience"
)

// GovernorState is the state of a recovery stage.
type GovernorState uint32

const (
	GovernorRunning GovernorState = iota
	GovernorRecovering
	GovernorTerminated
)

func (s GovernorState) String() string {
	switch s {
	case GovernorRecovering:
		return "recovering"
	case GovernorTerminated:
		return "terminated"
	default:
		return "running"
	}
}

type policyKind uint8

const (
	policySubstituteValue policyKind = iota + 1
	policySubstituteStream
	policyMapFault
	policyRetry
	policyRetryBackoff
	policyResume
	policyTimeout
	policySuppress
	policyDoOnFault
)

// Policy tells Recover what to do with a fault.
type Policy[T any] struct {
	kind     policyKind
	value    T
	fallback *Flow[T]
	mapFn    func(*Fault) error
	onFault  func(*Fault)
	retries  int
	backoff  resilience.RetryConfig
	clock    clockz.Clock
	timeout  time.Duration
	then     []Policy[T]
	when     func(*Fault) bool
	observe  func(from, to GovernorState, f *Fault)
}

// SubstituteValue replaces the failed remainder of the flow with v.
func SubstituteValue[T any](v T) Policy[T] {
	return Policy[T]{kind: policySubstituteValue, value: v}
}

// SubstituteStream continues with fallback, carrying outstanding demand.
func SubstituteStream[T any](fallback *Flow[T]) Policy[T] {
	return Policy[T]{kind: policySubstituteStream, fallback: fallback}
}

// MapFault rethrows the fault converted by fn.
func MapFault[T any](fn func(*Fault) error) Policy[T] {
	return Policy[T]{kind: policyMapFault, mapFn: fn}
}

// Retry resubscribes from the origin up to n times after the first failure,
// so the upstream is attempted n+1 times. The final fault is delivered when
// every retry failed.
func Retry[T any](n int) Policy[T] {
	return Policy[T]{kind: policyRetry, retries: max(n, 0)}
}

// RetryBackoff retries like Retry, waiting resilience.Backoff between
// attempts. cfg.MaxAttempts counts the first attempt; cfg.RetryIf filters
// which faults are retried.
func RetryBackoff[T any](cfg resilience.RetryConfig) Policy[T] {
	clock := cfg.Clock
	cfg.ApplyDefaults()
	return Policy[T]{kind: policyRetryBackoff, retries: cfg.MaxAttempts - 1, backoff: cfg, clock: clock}
}

// Resume skips items whose user function failed upstream and keeps the
// subscription alive. onFault sees every skipped fault. Faults raised by a
// source cannot be skipped and terminate the flow.
func Resume[T any](onFault func(*Fault)) Policy[T] {
	return Policy[T]{kind: policyResume, onFault: onFault}
}

// Timeout fails the flow with a TIMEOUT fault when no item arrives within d
// while demand is outstanding. The follow-up policies are chained in order:
// then[0] handles the TIMEOUT fault and any other fault from upstream, and
// each later policy handles what the one before it let through.
func Timeout[T any](d time.Duration, then ...Policy[T]) Policy[T] {
	return Policy[T]{kind: policyTimeout, timeout: d, then: then}
}

// Suppress completes the flow instead of failing it.
func Suppress[T any]() Policy[T] {
	return Policy[T]{kind: policySuppress}
}

// DoOnFault calls fn and then lets the fault through.
func DoOnFault[T any](fn func(*Fault)) Policy[T] {
	return Policy[T]{kind: policyDoOnFault, onFault: fn}
}

// When restricts the policy to faults matching pred. Other faults pass
// through unchanged.
func (p Policy[T]) When(pred func(*Fault) bool) Policy[T] {
	p.when = pred
	return p
}

// Observe registers fn to be called on every state transition.
func (p Policy[T]) Observe(fn func(from, to GovernorState, f *Fault)) Policy[T] {
	p.observe = fn
	return p
}

func (p Policy[T]) String() string {
	switch p.kind {
	case policySubstituteValue:
		return "substitute_value"
	case policySubstituteStream:
		return "substitute_stream"
	case policyMapFault:
		return "map_fault"
	case policyRetry:
		return fmt.Sprintf("retry(%d)", p.retries)
	case policyRetryBackoff:
		return fmt.Sprintf("retry_backoff(%d)", p.retries)
	case policyResume:
		return "resume"
	case policyTimeout:
		out := fmt.Sprintf("timeout(%s)", p.timeout)
		for _, next := range p.then {
			out += ">" + next.String()
		}
		return out
	case policySuppress:
		return "suppress"
	case policyDoOnFault:
		return "do_on_fault"
	default:
		return "none"
	}
}

func (p Policy[T]) matches(f *Fault) bool {
	return p.when == nil || p.when(f)
}

// Recover applies p to faults reaching this point of f.
func Recover[T any](f *Flow[T], p Policy[T]) *Flow[T] {
	switch p.kind {
	case policyTimeout:
		out := timeoutFlow(f, p.timeout)
		if len(p.then) == 0 {
			return out.Named("timeout")
		}
		for _, next := range p.then {
			if p.when != nil {
				next.when = and(p.when, next.when)
			}
			if next.observe == nil {
				next.observe = p.observe
			}
			out = Recover(out, next)
		}
		return out
	case policyResume:
		return recoverResume(f, p)
	}
	return newFlow("recover", func(ctx context.Context, stage string, sub Subscriber[T]) {
		g := &governor[T]{
			ctx:        ctx,
			stage:      stage,
			src:        f,
			policy:     p,
			downstream: sub,
			log:        logger.Get("governor").WithContext(ctx).WithStage(stage),
			metrics:    metricsFrom(ctx),
			clock:      clockFrom(ctx),
			quit:       make(chan struct{}),
		}
		if p.clock != nil {
			g.clock = p.clock
		}
		g.arb.stage = stage
		g.arb.onCancel = func() { g.quitOnce.Do(func() { close(g.quit) }) }
		sub.OnSubscribe(&g.arb)
		f.Subscribe(ctx, g)
	})
}

func and(a, b func(*Fault) bool) func(*Fault) bool {
	if b == nil {
		return a
	}
	return func(f *Fault) bool { return a(f) && b(f) }
}

// recoverResume installs a hook that upstream stages running user functions
// consult before failing.
func recoverResume[T any](f *Flow[T], p Policy[T]) *Flow[T] {
	return newFlow("resume", func(ctx context.Context, stage string, sub Subscriber[T]) {
		log := logger.Get("governor").WithContext(ctx).WithStage(stage)
		metrics := metricsFrom(ctx)
		hook := resumeHook(func(fault *Fault) bool {
			if !p.matches(fault) {
				return false
			}
			log.Debug("skipping failed item", logger.Fields(
				logger.FieldCode, string(fault.Code), "origin", fault.Stage, "error", fault.Cause.Error()))
			metrics.RecordRecovery(ctx, stage, p.String())
			if p.observe != nil {
				p.observe(GovernorRunning, GovernorRecovering, fault)
				p.observe(GovernorRecovering, GovernorRunning, fault)
			}
			if p.onFault != nil {
				p.onFault(fault)
			}
			return true
		})
		f.Subscribe(withResume(ctx, hook), sub)
	})
}

// governor runs one recovery policy for one subscription. Signals from the
// current upstream arrive serially; a new upstream is only subscribed after
// the previous one terminated, so attempts and fallback need no lock.
type governor[T any] struct {
	ctx        context.Context
	stage      string
	src        *Flow[T]
	policy     Policy[T]
	downstream Subscriber[T]
	arb        arbiter
	log        *logger.Logger
	metrics    *observability.FlowMetrics
	clock      clockz.Clock
	quit       chan struct{}
	quitOnce   sync.Once

	state    atomic.Uint32
	attempts int
	fallback bool
}

func (g *governor[T]) OnSubscribe(s Subscription) { g.arb.set(s) }

func (g *governor[T]) OnSignal(sig Signal[T]) {
	switch sig.Kind {
	case KindItem:
		g.arb.produced(1)
		g.downstream.OnSignal(sig)
	case KindComplete:
		g.transition(GovernorTerminated, nil)
		g.downstream.OnSignal(sig)
	default:
		g.recover(sig.Fault)
	}
}

func (g *governor[T]) recover(f *Fault) {
	if g.arb.isCancelled() {
		return
	}
	p := g.policy
	if g.fallback || !p.matches(f) || p.kind == policyResume {
		g.fail(f)
		return
	}
	g.transition(GovernorRecovering, f)
	g.metrics.RecordRecovery(g.ctx, g.stage, p.String())

	switch p.kind {
	case policySubstituteValue:
		g.switchTo(Just(p.value))
	case policySubstituteStream:
		g.switchTo(p.fallback)
	case policyMapFault:
		g.fail(remapped(f, p.mapFn(f)))
	case policySuppress:
		g.transition(GovernorTerminated, f)
		g.downstream.OnSignal(CompleteSignal[T]())
	case policyDoOnFault:
		if p.onFault != nil {
			p.onFault(f)
		}
		g.fail(f)
	case policyRetry:
		if g.attempts >= p.retries {
			g.fail(f)
			return
		}
		g.attempts++
		g.resubscribe()
	case policyRetryBackoff:
		if g.attempts >= p.retries || !p.backoff.RetryIf(f) {
			g.fail(f)
			return
		}
		g.attempts++
		delay := resilience.Backoff(g.attempts, p.backoff)
		if p.backoff.OnRetry != nil {
			p.backoff.OnRetry(g.attempts, f, delay)
		}
		g.arb.detach()
		timer := g.clock.NewTimer(delay)
		go func() {
			defer timer.Stop()
			select {
			case <-timer.C():
				g.resubscribe()
			case <-g.quit:
			}
		}()
	default:
		g.fail(f)
	}
}

// remapped builds the fault rethrown by MapFault. The origin stage and item
// are kept; the code follows the new error.
func remapped(orig *Fault, err error) *Fault {
	if err == nil {
		return orig
	}
	if f, ok := err.(*Fault); ok {
		return f
	}
	return &Fault{Code: errors.CodeOf(err), Stage: orig.Stage, Item: orig.Item, HasItem: orig.HasItem, Cause: err}
}

func (g *governor[T]) resubscribe() {
	g.log.Info("resubscribing", logger.Fields(logger.FieldAttempt, g.attempts, logger.FieldPolicy, g.policy.String()))
	g.arb.detach()
	g.transition(GovernorRunning, nil)
	g.src.Subscribe(g.ctx, g)
}

func (g *governor[T]) switchTo(f *Flow[T]) {
	g.fallback = true
	g.arb.detach()
	g.transition(GovernorRunning, nil)
	f.Subscribe(g.ctx, g)
}

func (g *governor[T]) fail(f *Fault) {
	g.transition(GovernorTerminated, f)
	g.downstream.OnSignal(ErrorSignal[T](f))
}

func (g *governor[T]) transition(to GovernorState, f *Fault) {
	from := GovernorState(g.state.Swap(uint32(to)))
	if from == to {
		return
	}
	if to == GovernorRecovering {
		g.log.Warn("recovering from fault", logger.Fields(
			logger.FieldPolicy, g.policy.String(),
			logger.FieldCode, string(f.Code),
			"origin", f.Stage,
			"error", f.Error(),
		))
	} else {
		g.log.Debug("governor state", logger.Fields("from", from.String(), "to", to.String()))
	}
	if g.policy.observe != nil {
		g.policy.observe(from, to, f)
	}
}
