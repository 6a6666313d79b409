package main

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/observability"
	"github.com/kbukum/flowkit/pipeline"
	"github.com/kbukum/flowkit/resilience"
	"github.com/kbukum/flowkit/scheduler"
)

func testFeed(t *testing.T, clock clockz.Clock) *Feed {
	t.Helper()
	m, err := observability.NewFlowMetrics(noop.NewMeterProvider().Meter("flowdemo-test"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := QuotesConfig{Symbols: []string{"ACME", "GLOBX"}, Interval: time.Second, Pool: "compute", Window: 4}
	return NewFeed(cfg, resilience.DefaultRetryConfig(), scheduler.Immediate(), m, clock)
}

func TestFeed_TicksFollowClock(t *testing.T) {
	clock := clockz.NewFakeClock()
	feed := testFeed(t, clock)

	type result struct {
		ticks []Tick
		err   error
	}
	done := make(chan result, 1)
	go func() {
		ticks, err := pipeline.Collect(context.Background(), pipeline.Take(feed.Ticks(), 3))
		done <- result{ticks, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case r := <-done:
			if r.err != nil {
				t.Fatal(r.err)
			}
			want := []Tick{{1, "ACME"}, {2, "GLOBX"}, {3, "ACME"}}
			if len(r.ticks) != len(want) {
				t.Fatalf("ticks = %v", r.ticks)
			}
			for i := range want {
				if r.ticks[i] != want[i] {
					t.Errorf("tick %d = %v, want %v", i, r.ticks[i], want[i])
				}
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("ticks not emitted")
		}
		clock.Advance(time.Second)
		clock.BlockUntilReady()
		time.Sleep(time.Millisecond)
	}
}

func TestFeed_Quotes(t *testing.T) {
	feed := testFeed(t, clockz.NewFakeClock())
	ticks := pipeline.Just(Tick{1, "ACME"}, Tick{2, "GLOBX"}, Tick{3, "ACME"})
	quotes, err := pipeline.Collect(context.Background(), feed.Quotes(ticks))
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 3 {
		t.Fatalf("quotes = %v", quotes)
	}
	for i, q := range quotes {
		if q.Seq != int64(i+1) {
			t.Errorf("quote %d out of order: %+v", i, q)
		}
		if q.Price <= 0 {
			t.Errorf("quote %d has no price: %+v", i, q)
		}
	}
	a1, a3 := quotes[0], quotes[2]
	if a1.Mean != a1.Price {
		t.Errorf("first mean = %v, want %v", a1.Mean, a1.Price)
	}
	want := float64(int((a1.Price+a3.Price)/2*100+0.5)) / 100
	if diff := a3.Mean - want; diff > 0.011 || diff < -0.011 {
		t.Errorf("running mean = %v, want about %v", a3.Mean, want)
	}
}

func TestFeed_QuotesInvalidTickFails(t *testing.T) {
	feed := testFeed(t, clockz.NewFakeClock())
	feed.retry.MaxAttempts = 1
	_, err := pipeline.Collect(context.Background(), feed.Quotes(pipeline.Just(Tick{Seq: 1})))
	if fault, ok := pipeline.AsFault(err); !ok || fault.Stage != "price" {
		t.Errorf("expected fault from price stage, got %v", err)
	}
}

func TestFeed_PricerRetried(t *testing.T) {
	feed := testFeed(t, clockz.NewFakeClock())
	feed.retry = resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Microsecond, MaxBackoff: time.Microsecond}
	var calls int
	feed.WithPricer(func(context.Context, Tick) (float64, error) {
		calls++
		if calls < 3 {
			return 0, errors.New(errors.ErrCodeUpstreamFault, "quote service unavailable")
		}
		return 42, nil
	})
	quotes, err := pipeline.Collect(context.Background(), feed.Quotes(pipeline.Just(Tick{1, "ACME"})))
	if err != nil || len(quotes) != 1 || quotes[0].Price != 42 || calls != 3 {
		t.Fatalf("quotes=%v err=%v calls=%d", quotes, err, calls)
	}

	calls = -10
	_, err = pipeline.Collect(context.Background(), feed.Quotes(pipeline.Just(Tick{2, "ACME"})))
	if errors.CodeOf(err) != errors.ErrCodeRetryExhausted {
		t.Errorf("expected RETRY_EXHAUSTED, got %v", err)
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	cfg := AppConfig{}
	cfg.Name = "flowdemo"
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.Hub.HubPolicy().String() != "replay(32)" || cfg.Quotes.Pool != "compute" || len(cfg.Schedulers.Pools) != 1 {
		t.Errorf("unexpected defaults %+v", cfg)
	}

	cfg.Quotes.Symbols = nil
	cfg.Quotes.Window = 0
	cfg.Quotes.Interval = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected invalid quotes section to fail")
	}
}
