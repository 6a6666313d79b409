package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/kbukum/flowkit/errors"
)

// timeoutFlow fails with a TIMEOUT fault when no item arrives within d
// while demand is outstanding. The deadline restarts on every request and
// on every item that leaves demand outstanding.
func timeoutFlow[T any](f *Flow[T], d time.Duration) *Flow[T] {
	return newFlow("timeout", func(ctx context.Context, stage string, sub Subscriber[T]) {
		t := &timeoutSubscriber[T]{
			stage:      stage,
			d:          d,
			clock:      clockFrom(ctx),
			downstream: sub,
			ser:        newSerializer(sub),
			quit:       make(chan struct{}),
		}
		f.Subscribe(ctx, t)
	})
}

type timeoutSubscriber[T any] struct {
	stage      string
	d          time.Duration
	clock      clockz.Clock
	downstream Subscriber[T]
	ser        *serializer[T]
	upstream   Subscription
	quit       chan struct{}
	quitOnce   sync.Once

	mu          sync.Mutex
	outstanding int64
	armed       bool
	armedAt     time.Time
	timer       clockz.Timer
	done        bool
}

func (t *timeoutSubscriber[T]) OnSubscribe(s Subscription) {
	t.upstream = s
	t.downstream.OnSubscribe(t)
}

func (t *timeoutSubscriber[T]) Request(n int64) {
	checkRequest(t.stage, n)
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.outstanding = addCap(t.outstanding, n)
	t.arm()
	t.mu.Unlock()
	t.upstream.Request(n)
}

func (t *timeoutSubscriber[T]) Cancel() {
	t.mu.Lock()
	t.done = true
	t.disarm()
	t.mu.Unlock()
	t.stop()
	t.upstream.Cancel()
}

func (t *timeoutSubscriber[T]) OnSignal(sig Signal[T]) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	if sig.IsTerminal() {
		t.done = true
		t.disarm()
		t.mu.Unlock()
		t.stop()
		t.ser.OnSignal(sig)
		return
	}
	if t.outstanding != Unbounded {
		t.outstanding--
	}
	if t.outstanding > 0 {
		t.arm()
	} else {
		t.disarm()
	}
	t.mu.Unlock()
	t.ser.OnSignal(sig)
}

// arm restarts the deadline. Callers hold t.mu.
func (t *timeoutSubscriber[T]) arm() {
	t.armed = true
	t.armedAt = t.clock.Now()
	if t.timer == nil {
		t.timer = t.clock.NewTimer(t.d)
		go t.wait(t.timer)
		return
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C():
		default:
		}
	}
	t.timer.Reset(t.d)
}

// disarm stops the deadline. Callers hold t.mu.
func (t *timeoutSubscriber[T]) disarm() {
	t.armed = false
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *timeoutSubscriber[T]) stop() {
	t.quitOnce.Do(func() { close(t.quit) })
}

func (t *timeoutSubscriber[T]) wait(timer clockz.Timer) {
	for {
		select {
		case <-t.quit:
			return
		case <-timer.C():
			t.expire()
		}
	}
}

func (t *timeoutSubscriber[T]) expire() {
	t.mu.Lock()
	// A tick from before the last re-arm is stale.
	if t.done || !t.armed || t.clock.Since(t.armedAt) < t.d {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.disarm()
	t.mu.Unlock()
	t.stop()
	t.upstream.Cancel()
	t.ser.OnSignal(ErrorSignal[T](NewFault(t.stage, errors.Timeout(t.stage))))
}
