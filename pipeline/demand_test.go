package pipeline

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestDemand_NeverExceededUnderConcurrentRequests(t *testing.T) {
	pool := newPool(t, "demand", 4)
	stages := []struct {
		name  string
		build func(*Flow[int]) *Flow[int]
	}{
		{"map", func(f *Flow[int]) *Flow[int] {
			return Map(f, func(_ context.Context, n int) (int, error) { return n + 1, nil })
		}},
		{"limitRate", func(f *Flow[int]) *Flow[int] { return LimitRate(f, 16) }},
		{"publishOn", func(f *Flow[int]) *Flow[int] { return PublishOn(f, pool, 8) }},
		{"flatMap", func(f *Flow[int]) *Flow[int] {
			return FlatMap(f, func(_ context.Context, n int) (*Flow[int], error) { return Just(n), nil })
		}},
		{"parallelMap", func(f *Flow[int]) *Flow[int] {
			return ParallelMap(f, pool, ParallelOptions[int]{Prefetch: 4},
				func(_ context.Context, n int) (int, error) { return n, nil })
		}},
		{"hub", func(f *Flow[int]) *Flow[int] { return NewHub(f, Multicast()).Flow() }},
	}
	for _, st := range stages {
		t.Run(st.name, func(t *testing.T) {
			r := subscribe(st.build(Range(0, 100000)), 0)

			var wg sync.WaitGroup
			for g := 0; g < 4; g++ {
				wg.Add(1)
				go func(seed uint64) {
					defer wg.Done()
					rng := rand.New(rand.NewPCG(seed, seed+1))
					for i := 0; i < 200; i++ {
						r.request(int64(rng.IntN(7) + 1))
						if rng.IntN(4) == 0 {
							time.Sleep(time.Microsecond)
						}
					}
				}(uint64(g))
			}
			wg.Wait()

			r.mu.Lock()
			total := r.requested
			r.mu.Unlock()
			waitFor(t, func() bool { return int64(r.count()) == total })
			r.cancel()
			r.check(t)
		})
	}
}

func TestCancel_NoSignalsAfterGraceWindow(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	pool := newPool(t, "cancel", 2)

	f := Create(func(ctx context.Context, sink *Sink[int]) error {
		for i := 0; ; i++ {
			if err := sink.Next(i); err != nil {
				return err
			}
		}
	})
	mapped := Map(f, func(_ context.Context, n int) (int, error) { return n * 2, nil })
	r := subscribe(PublishOn(mapped, pool, 16), Unbounded)
	waitFor(t, func() bool { return r.count() >= 100 })
	r.cancel()

	time.Sleep(10 * time.Millisecond)
	settled := r.count()
	time.Sleep(50 * time.Millisecond)
	if r.count() != settled {
		t.Errorf("items kept arriving after cancel: %d -> %d", settled, r.count())
	}
	if r.isDone() {
		t.Error("terminal signal delivered after cancel")
	}
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestLimitRate_ReplenishesAtLowTide(t *testing.T) {
	var mu sync.Mutex
	var requests []int64
	src := DoOnRequest(Range(0, 1000), func(n int64) {
		mu.Lock()
		requests = append(requests, n)
		mu.Unlock()
	})
	got := mustCollect(t, LimitRate(src, 100))
	if len(got) != 1000 {
		t.Fatalf("got %d items, want 1000", len(got))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(requests) == 0 || requests[0] != 100 {
		t.Fatalf("first request = %v, want 100", requests)
	}
	var total int64
	for i, n := range requests {
		total += n
		if i > 0 && n != 75 {
			t.Errorf("request %d = %d, want 75", i, n)
		}
	}
	if total > 1000+100 {
		t.Errorf("requested %d in total, outstanding need exceeded", total)
	}
}

func TestLimitRate_ConfiguredTide(t *testing.T) {
	var requests []int64
	src := DoOnRequest(Range(0, 40), func(n int64) { requests = append(requests, n) })
	ctx := WithConfig(context.Background(), FlowConfig{LowTidePercent: 50})
	if _, err := Collect(ctx, LimitRate(src, 10)); err != nil {
		t.Fatal(err)
	}
	if requests[0] != 10 || requests[1] != 5 {
		t.Errorf("requests = %v, want 10 then 5s", requests)
	}

	requests = nil
	if _, err := Collect(context.Background(), LimitRateWithTide(src, 10, 2)); err != nil {
		t.Fatal(err)
	}
	if requests[0] != 10 || requests[1] != 2 {
		t.Errorf("requests = %v, want 10 then 2s", requests)
	}
}

func TestLimitRate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		flow *Flow[int]
	}{
		{"zero size", LimitRate(Range(0, 3), 0)},
		{"tide above size", LimitRateWithTide(Range(0, 3), 4, 5)},
		{"zero tide", LimitRateWithTide(Range(0, 3), 4, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Collect(context.Background(), tt.flow); err == nil {
				t.Error("expected a validation fault")
			}
		})
	}
}

func TestLimitRate_SlowConsumerBoundsUpstream(t *testing.T) {
	var mu sync.Mutex
	var requested int64
	src := DoOnRequest(Range(0, 1000), func(n int64) {
		mu.Lock()
		requested += n
		mu.Unlock()
	})
	r := subscribe(LimitRate(src, 10), 1)
	mu.Lock()
	defer mu.Unlock()
	if requested != 10 {
		t.Errorf("upstream asked for %d with one item consumed, want 10", requested)
	}
	if r.count() != 1 {
		t.Errorf("delivered %d items for demand 1", r.count())
	}
}
