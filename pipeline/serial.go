package pipeline

import "sync"

// serializer funnels signals from several goroutines into one subscriber,
// one at a time and in arrival order. Anything after the first terminal
// signal is dropped.
type serializer[T any] struct {
	downstream Subscriber[T]

	mu         sync.Mutex
	queue      []Signal[T]
	emitting   bool
	terminated bool
}

func newSerializer[T any](downstream Subscriber[T]) *serializer[T] {
	return &serializer[T]{downstream: downstream}
}

func (s *serializer[T]) OnSignal(sig Signal[T]) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	if sig.IsTerminal() {
		s.terminated = true
	}
	if s.emitting {
		s.queue = append(s.queue, sig)
		s.mu.Unlock()
		return
	}
	s.emitting = true
	s.mu.Unlock()

	s.downstream.OnSignal(sig)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.emitting = false
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, q := range batch {
			s.downstream.OnSignal(q)
		}
	}
}

// isTerminated reports whether a terminal signal has been accepted.
func (s *serializer[T]) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// arbiter is a Subscription that can be re-pointed at a new upstream while
// keeping the consumer's unfulfilled demand.
type arbiter struct {
	stage    string
	onCancel func()

	mu        sync.Mutex
	requested int64
	current   Subscription
	cancelled bool
}

func (a *arbiter) Request(n int64) {
	checkRequest(a.stage, n)
	a.mu.Lock()
	if a.cancelled {
		a.mu.Unlock()
		return
	}
	a.requested = addCap(a.requested, n)
	cur := a.current
	a.mu.Unlock()
	if cur != nil {
		cur.Request(n)
	}
}

func (a *arbiter) Cancel() {
	a.mu.Lock()
	if a.cancelled {
		a.mu.Unlock()
		return
	}
	a.cancelled = true
	cur := a.current
	a.current = nil
	a.mu.Unlock()
	if cur != nil {
		cur.Cancel()
	}
	if a.onCancel != nil {
		a.onCancel()
	}
}

// set switches to s and requests the outstanding demand from it.
func (a *arbiter) set(s Subscription) {
	a.mu.Lock()
	if a.cancelled {
		a.mu.Unlock()
		s.Cancel()
		return
	}
	a.current = s
	r := a.requested
	a.mu.Unlock()
	if r > 0 {
		s.Request(r)
	}
}

// produced records n items delivered downstream.
func (a *arbiter) produced(n int64) {
	a.mu.Lock()
	if a.requested != Unbounded {
		a.requested -= n
	}
	a.mu.Unlock()
}

func (a *arbiter) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// detach drops the current upstream without cancelling it.
func (a *arbiter) detach() {
	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()
}
