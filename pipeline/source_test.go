package pipeline

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/kbukum/flowkit/errors"
)

func TestFromSlice_Collect(t *testing.T) {
	got := mustCollect(t, FromSlice([]int{1, 2, 3}))
	if !equal(got, []int{1, 2, 3}) {
		t.Errorf("got %v, want [1 2 3]", got)
	}
}

func TestFromSlice_Empty(t *testing.T) {
	got := mustCollect(t, FromSlice([]int{}))
	if len(got) != 0 {
		t.Errorf("expected empty, got %v", got)
	}
}

func TestSources(t *testing.T) {
	tests := []struct {
		name string
		flow *Flow[int]
		want []int
	}{
		{"just", Just(4, 5, 6), []int{4, 5, 6}},
		{"range", Range(3, 4), []int{3, 4, 5, 6}},
		{"range empty", Range(3, 0), nil},
		{"empty", Empty[int](), nil},
		{"defer", Defer(func(context.Context) *Flow[int] { return Just(9) }), []int{9}},
		{"defer nil", Defer(func(context.Context) *Flow[int] { return nil }), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustCollect(t, tt.flow)
			if !equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSource_EmitsOnlyOnDemand(t *testing.T) {
	r := subscribe(Range(0, 10), 0)
	if r.count() != 0 {
		t.Fatalf("emitted %d items without demand", r.count())
	}
	r.request(3)
	if got := r.values(); !equal(got, []int{0, 1, 2}) {
		t.Fatalf("after request(3) got %v", got)
	}
	r.request(100)
	r.wait(t)
	r.check(t)
	if r.count() != 10 || !r.completed {
		t.Errorf("expected 10 items and completion, got %d, completed=%v", r.count(), r.completed)
	}
}

func TestError_Source(t *testing.T) {
	boom := stderrors.New("boom")
	r := subscribe(Error[int](boom), 1)
	r.wait(t)
	f := r.err()
	if f == nil || !stderrors.Is(f, boom) {
		t.Fatalf("expected fault wrapping boom, got %v", f)
	}
	if f.Stage != "error" || f.Code != errors.ErrCodeUpstreamFault {
		t.Errorf("unexpected fault %+v", f)
	}
}

func TestNever_BlockFirstTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err := BlockFirst(ctx, Never[int]())
	if ok || !stderrors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got ok=%v err=%v", ok, err)
	}
}

func TestFromFunc(t *testing.T) {
	n := 0
	f := FromFunc(func(context.Context) (int, bool, error) {
		if n == 3 {
			return 0, false, nil
		}
		n++
		return n * 10, true, nil
	})
	if got := mustCollect(t, f); !equal(got, []int{10, 20, 30}) {
		t.Errorf("got %v", got)
	}
}

func TestFromFunc_Error(t *testing.T) {
	f := FromFunc(func(context.Context) (int, bool, error) {
		return 0, false, stderrors.New("read failed")
	})
	_, err := Collect(context.Background(), f)
	fault, ok := AsFault(err)
	if !ok || fault.Stage != "func" {
		t.Fatalf("expected fault from stage func, got %v", err)
	}
}

type closeTracker struct {
	items  []int
	closed bool
}

func (c *closeTracker) Next(context.Context) (int, bool, error) {
	if len(c.items) == 0 {
		return 0, false, nil
	}
	v := c.items[0]
	c.items = c.items[1:]
	return v, true, nil
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestFromIterator_ClosesOnCancel(t *testing.T) {
	it := &closeTracker{items: []int{1, 2, 3, 4}}
	f := FromIterator(func(context.Context) (Iterator[int], error) { return it, nil })
	r := subscribe(f, 2)
	r.cancel()
	if !it.closed {
		t.Error("iterator not closed after cancel")
	}
	if r.count() != 2 || r.isDone() {
		t.Errorf("expected 2 items and no terminal, got %d done=%v", r.count(), r.isDone())
	}
}

func TestFromIterator_OpenError(t *testing.T) {
	f := FromIterator(func(context.Context) (Iterator[int], error) {
		return nil, stderrors.New("dial failed")
	})
	r := subscribe(f, 1)
	r.wait(t)
	if r.err() == nil {
		t.Fatal("expected open failure to surface as a fault")
	}
}

func TestFromChannel(t *testing.T) {
	ch := make(chan string, 3)
	ch <- "a"
	ch <- "b"
	close(ch)
	if got := mustCollect(t, FromChannel(ch)); !equal(got, []string{"a", "b"}) {
		t.Errorf("got %v", got)
	}
}

func TestCreate_BlocksOnDemand(t *testing.T) {
	pushed := make(chan int, 10)
	f := Create(func(ctx context.Context, sink *Sink[int]) error {
		for i := range 5 {
			if err := sink.Next(i); err != nil {
				return err
			}
			pushed <- i
		}
		return nil
	})
	r := subscribe(f, 2)
	waitFor(t, func() bool { return len(pushed) == 2 })
	time.Sleep(10 * time.Millisecond)
	if len(pushed) != 2 {
		t.Fatalf("producer ran ahead of demand: %d pushed", len(pushed))
	}
	r.request(10)
	r.wait(t)
	r.check(t)
	if got := r.values(); !equal(got, []int{0, 1, 2, 3, 4}) {
		t.Errorf("got %v", got)
	}
}

func TestCreate_CancelStopsProducer(t *testing.T) {
	exited := make(chan error, 1)
	f := Create(func(ctx context.Context, sink *Sink[int]) error {
		for i := 0; ; i++ {
			if err := sink.Next(i); err != nil {
				exited <- err
				return err
			}
		}
	})
	r := subscribe(f, 3)
	waitFor(t, func() bool { return r.count() == 3 })
	r.cancel()
	select {
	case err := <-exited:
		if err == nil {
			t.Error("expected Next to fail after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not exit after cancel")
	}
	if r.isDone() {
		t.Error("no terminal signal expected after cancel")
	}
}

func TestCreate_ErrorFails(t *testing.T) {
	f := Create(func(ctx context.Context, sink *Sink[int]) error {
		if err := sink.Next(1); err != nil {
			return err
		}
		return stderrors.New("producer broke")
	})
	got, err := Collect(context.Background(), f)
	if err == nil || !equal(got, []int{1}) {
		t.Errorf("expected [1] and an error, got %v, %v", got, err)
	}
}

func expectViolation(t *testing.T, fn func()) *ProtocolViolation {
	t.Helper()
	var pv *ProtocolViolation
	func() {
		defer func() {
			r := recover()
			var ok bool
			if pv, ok = r.(*ProtocolViolation); !ok {
				t.Fatalf("expected *ProtocolViolation panic, got %v", r)
			}
		}()
		fn()
	}()
	return pv
}

func TestProtocolViolations(t *testing.T) {
	t.Run("non-positive request", func(t *testing.T) {
		r := subscribe(Range(0, 3), 0)
		pv := expectViolation(t, func() { r.sub.Request(0) })
		if pv.Stage != "range" {
			t.Errorf("violation stage = %q", pv.Stage)
		}
	})
	t.Run("emit without demand", func(t *testing.T) {
		e := NewEmitter("manual", Subscriber[int](newRecorder[int]()))
		expectViolation(t, func() { e.Emit(1) })
	})
	t.Run("terminate twice", func(t *testing.T) {
		e := NewEmitter("manual", Subscriber[int](newRecorder[int]()))
		e.Complete()
		expectViolation(t, func() { e.Complete() })
	})
	t.Run("emit after termination", func(t *testing.T) {
		e := NewEmitter("manual", Subscriber[int](newRecorder[int]()))
		e.Request(1)
		e.Complete()
		expectViolation(t, func() { e.Emit(1) })
	})
}

func TestEmitter_IgnoresSignalsAfterCancel(t *testing.T) {
	r := newRecorder[int]()
	e := NewEmitter("manual", Subscriber[int](r))
	r.OnSubscribe(e)
	r.request(2)
	e.Emit(1)
	r.cancel()
	e.Emit(2)
	e.Complete()
	if r.count() != 1 || r.isDone() {
		t.Errorf("signals leaked after cancel: items=%d done=%v", r.count(), r.isDone())
	}
}

func TestDemandArithmetic(t *testing.T) {
	tests := []struct {
		name string
		got  int64
		want int64
	}{
		{"add", addCap(2, 3), 5},
		{"add saturates", addCap(Unbounded-1, 5), Unbounded},
		{"add unbounded", addCap(Unbounded, 1), Unbounded},
		{"mul", mulCap(4, 3), 12},
		{"mul saturates", mulCap(Unbounded/2, 3), Unbounded},
		{"mul zero", mulCap(0, 3), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %d, want %d", tt.got, tt.want)
			}
		})
	}
}

func TestSignalString(t *testing.T) {
	tests := []struct {
		sig  Signal[int]
		want string
	}{
		{ItemSignal(3), "item(3)"},
		{CompleteSignal[int](), "complete"},
	}
	for _, tt := range tests {
		if got := tt.sig.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
	if !CompleteSignal[int]().IsTerminal() || ItemSignal(1).IsTerminal() {
		t.Error("IsTerminal misclassifies signals")
	}
}

func TestGenerate(t *testing.T) {
	fib := Generate(func() [2]int { return [2]int{0, 1} }, func(s [2]int, sink *SyncSink[int]) [2]int {
		sink.Next(s[0])
		if s[0] >= 8 {
			sink.Complete()
		}
		return [2]int{s[1], s[0] + s[1]}
	})

	r := subscribe(fib, 2)
	if got := r.values(); !equal(got, []int{0, 1}) {
		t.Fatalf("after request(2) got %v", got)
	}
	r.request(10)
	r.wait(t)
	r.check(t)
	if got := r.values(); !equal(got, []int{0, 1, 1, 2, 3, 5, 8}) || !r.completed {
		t.Errorf("got %v completed=%v", got, r.completed)
	}

	// State is created per subscription.
	if got := mustCollect(t, Take(fib, 3)); !equal(got, []int{0, 1, 1}) {
		t.Errorf("second subscription got %v", got)
	}
}

func TestGenerate_Ending(t *testing.T) {
	boom := stderrors.New("boom")
	tests := []struct {
		name     string
		fn       func(int, *SyncSink[int]) int
		want     []int
		wantCode errors.ErrorCode
	}{
		{"fail after item", func(n int, sink *SyncSink[int]) int {
			sink.Next(n)
			if n == 1 {
				sink.Fail(boom)
			}
			return n + 1
		}, []int{0, 1}, errors.ErrCodeUpstreamFault},
		{"complete without item", func(n int, sink *SyncSink[int]) int {
			if n == 2 {
				sink.Complete()
				return n
			}
			sink.Next(n)
			return n + 1
		}, []int{0, 1}, ""},
		{"no signal", func(n int, sink *SyncSink[int]) int {
			if n < 1 {
				sink.Next(n)
			}
			return n + 1
		}, []int{0}, errors.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Collect(context.Background(), Generate(func() int { return 0 }, tt.fn))
			if !equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			fault, _ := AsFault(err)
			switch {
			case tt.wantCode == "" && err != nil:
				t.Errorf("unexpected error %v", err)
			case tt.wantCode != "" && (fault == nil || fault.Code != tt.wantCode):
				t.Errorf("expected %s, got %v", tt.wantCode, err)
			}
		})
	}
}

func TestGenerate_SecondNextIsViolation(t *testing.T) {
	f := Generate(func() int { return 0 }, func(n int, sink *SyncSink[int]) int {
		sink.Next(n)
		sink.Next(n + 1)
		return n
	})
	r := subscribe(f, 0)
	pv := expectViolation(t, func() { r.request(1) })
	if pv.Stage != "generate" {
		t.Errorf("violation stage = %q", pv.Stage)
	}
}
