package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kbukum/flowkit/errors"
)

// EmitResult reports the outcome of a ManySink emission.
type EmitResult uint8

const (
	// EmitOK: the item was buffered for the subscriber.
	EmitOK EmitResult = iota
	// EmitFailZeroSubscriber: no subscriber is attached, the item was not
	// kept.
	EmitFailZeroSubscriber
	// EmitFailOverflow: the subscriber's buffer is full.
	EmitFailOverflow
	// EmitFailTerminated: the sink already completed or failed.
	EmitFailTerminated
)

func (r EmitResult) String() string {
	switch r {
	case EmitOK:
		return "ok"
	case EmitFailZeroSubscriber:
		return "fail_zero_subscriber"
	case EmitFailOverflow:
		return "fail_overflow"
	default:
		return "fail_terminated"
	}
}

// IsSuccess reports whether the emission was accepted.
func (r EmitResult) IsSuccess() bool { return r == EmitOK }

// ManySink bridges imperative code into a Flow. Items pushed with
// TryEmitNext are buffered up to a fixed capacity until the attached
// subscriber requests them; nothing ever blocks the caller. One subscriber
// is attached at a time, so a ManySink is usually shared through a Hub:
//
//	sink := pipeline.NewManySink[Event]("events", 64)
//	hub := pipeline.NewHub(sink.Flow(), pipeline.Multicast())
//	if r := sink.TryEmitNext(ev); !r.IsSuccess() {
//	    log.Warn("event dropped", logger.Fields("result", r.String()))
//	}
type ManySink[T any] struct {
	name     string
	capacity int

	mu       sync.Mutex
	sub      *manySub[T]
	terminal *Signal[T]
}

// NewManySink returns a sink whose subscriber buffers up to capacity items.
// A capacity below one selects DefaultSlotBuffer.
func NewManySink[T any](name string, capacity int) *ManySink[T] {
	if capacity < 1 {
		capacity = DefaultSlotBuffer
	}
	return &ManySink[T]{name: name, capacity: capacity}
}

// TryEmitNext offers v to the attached subscriber.
func (m *ManySink[T]) TryEmitNext(v T) EmitResult {
	m.mu.Lock()
	if m.terminal != nil {
		m.mu.Unlock()
		return EmitFailTerminated
	}
	s := m.sub
	if s == nil {
		m.mu.Unlock()
		return EmitFailZeroSubscriber
	}
	if s.queue.Len() >= m.capacity {
		m.mu.Unlock()
		return EmitFailOverflow
	}
	s.queue.Push(v)
	m.mu.Unlock()
	s.drain()
	return EmitOK
}

// TryEmitComplete completes the sink. Buffered items are delivered first;
// later subscribers complete immediately.
func (m *ManySink[T]) TryEmitComplete() EmitResult {
	return m.terminate(CompleteSignal[T]())
}

// TryEmitError fails the sink with err after the buffered items.
func (m *ManySink[T]) TryEmitError(err error) EmitResult {
	return m.terminate(ErrorSignal[T](NewFault(m.name, err)))
}

func (m *ManySink[T]) terminate(sig Signal[T]) EmitResult {
	m.mu.Lock()
	if m.terminal != nil {
		m.mu.Unlock()
		return EmitFailTerminated
	}
	m.terminal = &sig
	s := m.sub
	m.sub = nil
	if s != nil {
		t := sig
		s.terminal = &t
	}
	m.mu.Unlock()
	if s != nil {
		s.drain()
	}
	return EmitOK
}

// Attached reports whether a subscriber is currently attached.
func (m *ManySink[T]) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub != nil
}

// Flow returns the Flow that attaches a subscriber to the sink. A second
// subscriber joining while one is attached fails with UNICAST_VIOLATION.
func (m *ManySink[T]) Flow() *Flow[T] {
	return newFlow(m.name, func(_ context.Context, stage string, sub Subscriber[T]) {
		s := &manySub[T]{owner: m, down: sub, queue: newRing[T](16)}
		m.mu.Lock()
		switch {
		case m.terminal != nil:
			t := *m.terminal
			s.terminal = &t
		case m.sub != nil:
			m.mu.Unlock()
			errorOnSubscribe(sub, NewFault(stage, errors.UnicastViolation(m.name)))
			return
		default:
			m.sub = s
		}
		m.mu.Unlock()

		sub.OnSubscribe(s)
		m.mu.Lock()
		s.ready = true
		m.mu.Unlock()
		s.drain()
	})
}

type manySub[T any] struct {
	owner *ManySink[T]
	down  Subscriber[T]

	// Guarded by owner.mu.
	ready     bool
	cancelled bool
	requested int64
	queue     *ring[T]
	terminal  *Signal[T]

	wip       atomic.Int32
	delivered bool
}

func (s *manySub[T]) Request(n int64) {
	checkRequest(s.owner.name, n)
	m := s.owner
	m.mu.Lock()
	s.requested = addCap(s.requested, n)
	m.mu.Unlock()
	s.drain()
}

func (s *manySub[T]) Cancel() {
	m := s.owner
	m.mu.Lock()
	s.cancelled = true
	s.queue.Clear()
	if m.sub == s {
		m.sub = nil
	}
	m.mu.Unlock()
	s.drain()
}

func (s *manySub[T]) drain() {
	if s.wip.Add(1) != 1 {
		return
	}
	missed := int32(1)
	for {
		s.emit()
		missed = s.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}

func (s *manySub[T]) emit() {
	m := s.owner
	for !s.delivered {
		m.mu.Lock()
		if !s.ready {
			m.mu.Unlock()
			return
		}
		if s.cancelled {
			m.mu.Unlock()
			s.delivered = true
			return
		}
		if s.requested > 0 {
			if v, ok := s.queue.Pop(); ok {
				if s.requested != Unbounded {
					s.requested--
				}
				m.mu.Unlock()
				s.down.OnSignal(ItemSignal(v))
				continue
			}
		}
		if s.queue.Len() == 0 && s.terminal != nil {
			t := *s.terminal
			m.mu.Unlock()
			s.delivered = true
			s.down.OnSignal(t)
			return
		}
		m.mu.Unlock()
		return
	}
}
