package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/pipeline"
)

// DefaultWindow is the number of items requested ahead of the client.
const DefaultWindow = 16

// DefaultKeepAlive is the idle interval after which a comment line is sent.
// It stays below common proxy timeouts.
const DefaultKeepAlive = 30 * time.Second

type options struct {
	window    int
	keepAlive time.Duration
	event     string
	metadata  map[string]string
	clock     clockz.Clock
	log       *logger.Logger
}

// Option configures Serve and Handler.
type Option func(*options)

// WithWindow sets how many items may be in flight to the client.
func WithWindow(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.window = n
		}
	}
}

// WithKeepAlive sets the idle keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.keepAlive = d
		}
	}
}

// WithEvent names item events. Defaults to EventTypeItem.
func WithEvent(name string) Option {
	return func(o *options) { o.event = name }
}

// WithMetadata adds a key-value pair to the connected event.
func WithMetadata(key, value string) Option {
	return func(o *options) {
		if o.metadata == nil {
			o.metadata = make(map[string]string)
		}
		o.metadata[key] = value
	}
}

// WithClock overrides the keep-alive clock.
func WithClock(c clockz.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger overrides the "sse" logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func newOptions(opts []Option) options {
	o := options{
		window:    DefaultWindow,
		keepAlive: DefaultKeepAlive,
		event:     EventTypeItem,
		clock:     clockz.RealClock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Get("sse")
	}
	return o
}

type delivery[T any] struct {
	val   T
	ok    bool
	fault *pipeline.Fault
}

// Serve subscribes to f and writes its signals to w until the flow
// terminates, a write fails or ctx is done. One more item is requested
// after each item is flushed. It returns the flow's fault, the write error
// or ctx.Err(); a completed flow returns nil.
func Serve[T any](ctx context.Context, w http.ResponseWriter, f *pipeline.Flow[T], opts ...Option) error {
	o := newOptions(opts)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New(errors.ErrCodeInternal, "response writer does not support streaming")
	}

	clientID := uuid.NewString()
	log := o.log.WithContext(ctx).WithFields(logger.Fields(logger.FieldSubscriptionID, clientID))

	// Long-lived streams must outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		log.Debug("write deadline not cleared", logger.Fields(logger.FieldError, err.Error()))
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	connected, _ := json.Marshal(ConnectedEvent{ClientID: clientID, Metadata: o.metadata})
	if err := writeEvent(w, 0, EventTypeConnected, connected); err != nil {
		return err
	}
	flusher.Flush()

	// Outstanding demand plus queued items never exceed window, so the
	// delivering goroutine never blocks on ch.
	ch := make(chan delivery[T], o.window+1)
	sub := pipeline.NewManualSubscriber(pipeline.ManualHooks[T]{
		OnSubscribe: func(s *pipeline.ManualSubscriber[T]) { s.Request(int64(o.window)) },
		OnItem:      func(v T) { ch <- delivery[T]{val: v, ok: true} },
		OnFault:     func(f *pipeline.Fault) { ch <- delivery[T]{fault: f} },
		OnComplete:  func() { ch <- delivery[T]{} },
	})
	f.Subscribe(ctx, sub)
	defer sub.Cancel()
	log.Debug("stream opened", logger.Fields("window", o.window))

	keepAlive := o.clock.NewTimer(o.keepAlive)
	defer keepAlive.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			log.Debug("client disconnected", logger.Fields("reason", ctx.Err().Error(), "sent", seq))
			return ctx.Err()

		case d := <-ch:
			switch {
			case d.ok:
				data, err := json.Marshal(d.val)
				if err != nil {
					return fmt.Errorf("encode item %d: %w", seq+1, err)
				}
				seq++
				if err := writeEvent(w, seq, o.event, data); err != nil {
					return err
				}
				flusher.Flush()
				sub.Request(1)
			case d.fault != nil:
				data, _ := json.Marshal(ErrorEvent{
					Code:    string(d.fault.Code),
					Stage:   d.fault.Stage,
					Message: d.fault.Error(),
				})
				if err := writeEvent(w, 0, EventTypeError, data); err != nil {
					return err
				}
				flusher.Flush()
				log.Warn("stream failed", logger.Fields(logger.FieldCode, string(d.fault.Code), "sent", seq))
				return d.fault
			default:
				if err := writeEvent(w, 0, EventTypeComplete, []byte("{}")); err != nil {
					return err
				}
				flusher.Flush()
				log.Debug("stream completed", logger.Fields("sent", seq))
				return nil
			}
			resetTimer(keepAlive, o.keepAlive)

		case <-keepAlive.C():
			if _, err := fmt.Fprintf(w, ": keepalive %d\n\n", o.clock.Now().Unix()); err != nil {
				return err
			}
			flusher.Flush()
			keepAlive.Reset(o.keepAlive)
		}
	}
}

func resetTimer(t clockz.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C():
		default:
		}
	}
	t.Reset(d)
}

// writeEvent writes one event. id 0 omits the id field.
func writeEvent(w io.Writer, id uint64, event string, data []byte) error {
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
