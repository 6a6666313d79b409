package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/observability"
)

type hubKind uint8

const (
	hubMulticast hubKind = iota
	hubUnicast
	hubReplay
	hubCache
)

// HubPolicy decides how a Hub shares its upstream.
type HubPolicy struct {
	kind    hubKind
	history int
}

// Unicast allows exactly one subscriber for the lifetime of the Hub. Later
// subscribers fail with UNICAST_VIOLATION.
func Unicast() HubPolicy { return HubPolicy{kind: hubUnicast} }

// Multicast shares live items with the current subscribers. The upstream is
// connected by the first subscriber and cancelled when the last one leaves.
func Multicast() HubPolicy { return HubPolicy{kind: hubMulticast} }

// Replay is Multicast that hands the last k items to every new subscriber
// before the live ones. Once the upstream terminates the history and the
// terminal signal are kept, so later subscribers receive them without a new
// run. The last subscriber leaving before termination disconnects the
// upstream and clears the history.
func Replay(k int) HubPolicy { return HubPolicy{kind: hubReplay, history: max(k, 0)} }

// Cache runs the upstream once. Late subscribers, including those arriving
// after termination, receive the last k items and then the live items or the
// terminal signal.
func Cache(k int) HubPolicy { return HubPolicy{kind: hubCache, history: max(k, 0)} }

func (p HubPolicy) String() string {
	switch p.kind {
	case hubUnicast:
		return "unicast"
	case hubReplay:
		return fmt.Sprintf("replay(%d)", p.history)
	case hubCache:
		return fmt.Sprintf("cache(%d)", p.history)
	default:
		return "multicast"
	}
}

// OverflowAction is applied when a multicast subscriber's buffer is full.
type OverflowAction uint8

const (
	DropOldest OverflowAction = iota
	DropLatest
	FailSlot
)

func (a OverflowAction) String() string {
	switch a {
	case DropLatest:
		return "drop_latest"
	case FailSlot:
		return "fail_slot"
	default:
		return "drop_oldest"
	}
}

// SlotState is the lifecycle of one Hub subscriber.
type SlotState uint8

const (
	SlotUnjoined SlotState = iota
	SlotJoined
	SlotCompleted
	SlotCancelled
	SlotFailed
)

func (s SlotState) String() string {
	return [...]string{"unjoined", "joined", "completed", "cancelled", "failed"}[s]
}

type hubOptions struct {
	name     string
	overflow OverflowAction
	slotCap  int
	metrics  *observability.FlowMetrics
	log      *logger.Logger
}

// Hub shares one upstream subscription among many subscribers. Every
// subscriber gets its own slot with independent demand; the upstream is
// asked for the largest outstanding need among live slots.
type Hub[T any] struct {
	hubOptions
	policy HubPolicy
	src    *Flow[T]

	mu           sync.Mutex
	slots        []*hubSlot[T]
	retained     *ring[T]
	upstream     Subscription
	cancelUp     context.CancelFunc
	connected    bool
	closed       bool
	gen          uint64
	outstanding  int64
	terminal     *Signal[T]
	unicastTaken bool
}

// HubOption configures a Hub.
type HubOption func(*hubOptions)

// WithHubName names the Hub in faults, logs and metrics.
func WithHubName(name string) HubOption { return func(o *hubOptions) { o.name = name } }

// WithOverflow sets the action taken when a multicast slot buffer is full.
func WithOverflow(a OverflowAction) HubOption { return func(o *hubOptions) { o.overflow = a } }

// WithSlotBuffer sets the per-slot buffer capacity of a multicast Hub.
func WithSlotBuffer(n int) HubOption {
	return func(o *hubOptions) {
		if n > 0 {
			o.slotCap = n
		}
	}
}

// WithHubMetrics records subscriber counts and overflows.
func WithHubMetrics(m *observability.FlowMetrics) HubOption {
	return func(o *hubOptions) { o.metrics = m }
}

// WithHubLogger overrides the "hub" logger.
func WithHubLogger(l *logger.Logger) HubOption { return func(o *hubOptions) { o.log = l } }

// NewHub wraps src in a Hub with the given policy.
func NewHub[T any](src *Flow[T], policy HubPolicy, opts ...HubOption) *Hub[T] {
	o := hubOptions{name: "hub-" + uuid.NewString()[:8], slotCap: DefaultSlotBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Get("hub")
	}
	o.log = o.log.WithFields(logger.Fields("hub", o.name, logger.FieldPolicy, policy.String()))
	h := &Hub[T]{hubOptions: o, policy: policy, src: src}
	if policy.history > 0 {
		h.retained = newRing[T](policy.history)
	}
	return h
}

// NewHubFromConfig validates cfg and builds the Hub it describes.
func NewHubFromConfig[T any](src *Flow[T], cfg HubConfig, opts ...HubOption) (*Hub[T], error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := []HubOption{WithHubName(cfg.Name), WithOverflow(cfg.OverflowAction()), WithSlotBuffer(cfg.SlotBuffer)}
	return NewHub(src, cfg.HubPolicy(), append(base, opts...)...), nil
}

// Share is NewHub(f, Multicast()).Flow().
func Share[T any](f *Flow[T]) *Flow[T] {
	return NewHub(f, Multicast()).Flow()
}

// Name returns the Hub name.
func (h *Hub[T]) Name() string { return h.name }

// Subscribers returns the number of live slots.
func (h *Hub[T]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.slots)
}

// Flow returns the Flow through which subscribers join the Hub.
func (h *Hub[T]) Flow() *Flow[T] {
	return newFlow(h.name, func(ctx context.Context, _ string, sub Subscriber[T]) {
		h.join(ctx, sub)
	})
}

func (h *Hub[T]) join(ctx context.Context, sub Subscriber[T]) {
	s := &hubSlot[T]{hub: h, id: uuid.NewString(), sub: sub, queue: newRing[T](16)}

	h.mu.Lock()
	if h.policy.kind == hubUnicast && h.unicastTaken {
		h.mu.Unlock()
		h.log.Warn("second subscriber rejected", logger.Fields(logger.FieldSubscriptionID, s.id))
		errorOnSubscribe(sub, NewFault(h.name, errors.UnicastViolation(h.name)))
		return
	}
	h.unicastTaken = true
	if h.retained != nil {
		for _, v := range h.retained.Items() {
			s.queue.Push(v)
		}
	}
	live := h.terminal == nil
	if live {
		s.state = SlotJoined
		h.slots = append(h.slots, s)
	} else {
		t := *h.terminal
		s.terminal = &t
		s.state = stateAfter(t)
	}
	connect := live && !h.connected
	var upCtx context.Context
	if connect {
		h.connected = true
		// A shared upstream outlives the joiner that connected it; slot
		// cancellation, reset and Close end it.
		parent := ctx
		if h.policy.kind != hubUnicast {
			parent = context.WithoutCancel(ctx)
		}
		upCtx, h.cancelUp = context.WithCancel(parent)
	}
	gen := h.gen
	h.mu.Unlock()

	if live {
		h.metrics.RecordSubscribers(ctx, h.name, 1)
		h.log.Debug("slot joined", logger.Fields(logger.FieldSubscriptionID, s.id))
	}
	sub.OnSubscribe(s)
	h.mu.Lock()
	s.ready = true
	h.mu.Unlock()
	if connect {
		h.src.Subscribe(upCtx, &hubUpstream[T]{hub: h, gen: gen, ctx: upCtx})
	}
	s.drain()
}

func stateAfter[T any](sig Signal[T]) SlotState {
	if sig.Kind == KindError {
		return SlotFailed
	}
	return SlotCompleted
}

// requestMore asks upstream for the largest unmet need of a live slot.
func (h *Hub[T]) requestMore() {
	h.mu.Lock()
	if h.upstream == nil || h.outstanding == Unbounded {
		h.mu.Unlock()
		return
	}
	var need int64
	for _, s := range h.slots {
		if s.requested == Unbounded {
			need = Unbounded
			break
		}
		if d := s.requested - int64(s.queue.Len()); d > need {
			need = d
		}
	}
	var delta int64
	if need > h.outstanding {
		if need == Unbounded {
			delta = Unbounded
		} else {
			delta = need - h.outstanding
		}
		h.outstanding = need
	}
	up := h.upstream
	h.mu.Unlock()
	if delta > 0 {
		up.Request(delta)
	}
}

// reset disconnects from the upstream so the next subscriber starts a new
// run. Callers hold h.mu and call the returned func after releasing it.
func (h *Hub[T]) reset() func() {
	up, cancel := h.upstream, h.cancelUp
	h.upstream = nil
	h.cancelUp = nil
	h.connected = false
	h.outstanding = 0
	h.gen++
	if h.retained != nil {
		h.retained.Clear()
	}
	return func() {
		if up != nil {
			up.Cancel()
		}
		if cancel != nil {
			cancel()
		}
	}
}

// Close disconnects the upstream and fails every live slot with CANCELLED.
// Subscribers joining afterwards receive the terminal signal the Hub ended
// with: the upstream's own when it had already terminated, CANCELLED
// otherwise. Close is idempotent.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	slots := h.slots
	h.slots = nil
	var stop func()
	if h.terminal == nil {
		f := ErrorSignal[T](NewFault(h.name, errors.Cancelled(nil).WithDetail("hub", h.name)))
		for _, s := range slots {
			t := f
			s.queue.Clear()
			s.terminal = &t
			s.state = SlotFailed
		}
		stop = h.reset()
		h.terminal = &f
	} else if h.cancelUp != nil {
		stop = h.cancelUp
		h.cancelUp = nil
	}
	h.mu.Unlock()

	if len(slots) > 0 {
		h.metrics.RecordSubscribers(context.Background(), h.name, -int64(len(slots)))
	}
	h.log.Debug("hub closed", logger.Fields("slots", len(slots)))
	if stop != nil {
		stop()
	}
	for _, s := range slots {
		s.drain()
	}
}

// offer queues v for s, applying the overflow action to a full multicast
// slot. It reports whether the slot overflowed. Callers hold h.mu.
func (h *Hub[T]) offer(s *hubSlot[T], v T) bool {
	if h.policy.kind != hubMulticast || s.queue.Len() < h.slotCap {
		s.queue.Push(v)
		return false
	}
	switch h.overflow {
	case DropOldest:
		s.queue.Pop()
		s.queue.Push(v)
	case FailSlot:
		s.queue.Clear()
		f := ErrorSignal[T](NewFault(h.name, errors.HubOverflow(h.name, h.slotCap)))
		s.terminal = &f
		s.state = SlotFailed
	}
	return true
}

type hubUpstream[T any] struct {
	hub *Hub[T]
	gen uint64
	ctx context.Context
}

func (u *hubUpstream[T]) OnSubscribe(s Subscription) {
	h := u.hub
	h.mu.Lock()
	if u.gen != h.gen {
		h.mu.Unlock()
		s.Cancel()
		return
	}
	h.upstream = s
	h.mu.Unlock()
	h.requestMore()
}

func (u *hubUpstream[T]) OnSignal(sig Signal[T]) {
	h := u.hub
	h.mu.Lock()
	if u.gen != h.gen {
		h.mu.Unlock()
		return
	}
	if sig.IsTerminal() {
		u.terminate(sig)
		return
	}

	if h.outstanding != Unbounded {
		h.outstanding--
	}
	if h.retained != nil {
		h.retained.Push(sig.Item)
		if h.retained.Len() > h.policy.history {
			h.retained.Pop()
		}
	}
	targets := make([]*hubSlot[T], len(h.slots))
	copy(targets, h.slots)
	var overflowed, failed []*hubSlot[T]
	live := h.slots[:0]
	for _, s := range targets {
		if h.offer(s, sig.Item) {
			overflowed = append(overflowed, s)
		}
		if s.state == SlotFailed {
			failed = append(failed, s)
			continue
		}
		live = append(live, s)
	}
	for i := len(live); i < len(h.slots); i++ {
		h.slots[i] = nil
	}
	h.slots = live
	var stop func()
	if len(failed) > 0 && len(live) == 0 {
		stop = h.reset()
	}
	h.mu.Unlock()

	for _, s := range overflowed {
		h.metrics.RecordOverflow(u.ctx, h.name, h.overflow.String())
		h.log.Warn("slot buffer overflow", logger.Fields(
			logger.FieldSubscriptionID, s.id, "action", h.overflow.String(), "capacity", h.slotCap))
	}
	if len(failed) > 0 {
		h.metrics.RecordSubscribers(u.ctx, h.name, -int64(len(failed)))
	}
	if stop != nil {
		stop()
	}
	for _, s := range targets {
		s.drain()
	}
	h.requestMore()
}

// terminate hands sig to every live slot. Called with h.mu held; releases it.
func (u *hubUpstream[T]) terminate(sig Signal[T]) {
	h := u.hub
	slots := h.slots
	h.slots = nil
	for _, s := range slots {
		t := sig
		s.terminal = &t
		s.state = stateAfter(sig)
	}
	var stop func()
	if h.policy.kind == hubCache || h.policy.kind == hubReplay {
		t := sig
		h.terminal = &t
		stop, h.cancelUp = h.cancelUp, nil
	} else {
		stop = h.reset()
	}
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
	h.metrics.RecordSubscribers(u.ctx, h.name, -int64(len(slots)))
	h.log.Debug("upstream terminated", logger.Fields("signal", sig.Kind.String(), "slots", len(slots)))
	for _, s := range slots {
		s.drain()
	}
}

type hubSlot[T any] struct {
	hub *Hub[T]
	id  string
	sub Subscriber[T]

	// Guarded by hub.mu.
	ready     bool
	state     SlotState
	requested int64
	queue     *ring[T]
	terminal  *Signal[T]

	wip       atomic.Int32
	delivered bool
}

func (s *hubSlot[T]) Request(n int64) {
	checkRequest(s.hub.name, n)
	h := s.hub
	h.mu.Lock()
	s.requested = addCap(s.requested, n)
	h.mu.Unlock()
	s.drain()
	h.requestMore()
}

func (s *hubSlot[T]) Cancel() {
	h := s.hub
	h.mu.Lock()
	if s.state == SlotCancelled {
		h.mu.Unlock()
		return
	}
	joined := s.state == SlotJoined
	s.state = SlotCancelled
	s.queue.Clear()
	var stop func()
	if joined {
		for i, other := range h.slots {
			if other == s {
				h.slots = append(h.slots[:i], h.slots[i+1:]...)
				break
			}
		}
		if len(h.slots) == 0 && h.connected && h.terminal == nil && h.policy.kind != hubCache {
			stop = h.reset()
		}
	}
	h.mu.Unlock()

	if joined {
		h.metrics.RecordSubscribers(context.Background(), h.name, -1)
		h.log.Debug("slot cancelled", logger.Fields(logger.FieldSubscriptionID, s.id))
	}
	if stop != nil {
		stop()
	}
	s.drain()
}

func (s *hubSlot[T]) drain() {
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

func (s *hubSlot[T]) emit() {
	h := s.hub
	for !s.delivered {
		h.mu.Lock()
		if !s.ready {
			h.mu.Unlock()
			return
		}
		if s.state == SlotCancelled {
			s.queue.Clear()
			h.mu.Unlock()
			s.delivered = true
			return
		}
		if s.requested > 0 {
			if v, ok := s.queue.Pop(); ok {
				if s.requested != Unbounded {
					s.requested--
				}
				h.mu.Unlock()
				s.sub.OnSignal(ItemSignal(v))
				continue
			}
		}
		if s.queue.Len() == 0 && s.terminal != nil {
			t := *s.terminal
			h.mu.Unlock()
			s.delivered = true
			s.sub.OnSignal(t)
			return
		}
		h.mu.Unlock()
		return
	}
}
