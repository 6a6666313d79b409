package main

import (
	"context"
	"hash/fnv"
	"math"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/observability"
	"github.com/kbukum/flowkit/pipeline"
	"github.com/kbukum/flowkit/resilience"
	"github.com/kbukum/flowkit/scheduler"
)

// Tick is one clock beat of the feed.
type Tick struct {
	Seq    int64  `json:"seq"`
	Symbol string `json:"symbol"`
}

// Quote is a priced tick.
type Quote struct {
	Seq    int64     `json:"seq"`
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Mean   float64   `json:"mean"`
	At     time.Time `json:"at"`
}

// Feed builds the quote flows.
type Feed struct {
	cfg     QuotesConfig
	retry   resilience.RetryConfig
	sched   scheduler.Scheduler
	metrics *observability.FlowMetrics
	clock   clockz.Clock
	pricer  Pricer
	seq     atomic.Int64
}

// Pricer prices one tick. It may fail transiently; each call is retried
// with the feed's backoff before the fault reaches the stream.
type Pricer func(ctx context.Context, t Tick) (float64, error)

// NewFeed returns a Feed that prices on sched.
func NewFeed(cfg QuotesConfig, retry resilience.RetryConfig, sched scheduler.Scheduler, m *observability.FlowMetrics, clock clockz.Clock) *Feed {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Feed{cfg: cfg, retry: retry, sched: sched, metrics: m, clock: clock, pricer: walkPricer}
}

// WithPricer replaces the built-in price walk.
func (f *Feed) WithPricer(p Pricer) *Feed {
	f.pricer = p
	return f
}

// Ticks emits one tick per interval, cycling through the symbols. Ticks
// are not queued: one that finds the pricing window full fails with
// BACKPRESSURE_OVERFLOW, which the retry in Quotes absorbs. Sequence
// numbers keep counting across resubscriptions.
func (f *Feed) Ticks() *pipeline.Flow[Tick] {
	symbols := f.cfg.Symbols
	ticks := pipeline.Map(pipeline.Interval(f.cfg.Interval), func(context.Context, int64) (Tick, error) {
		seq := f.seq.Add(1)
		return Tick{Seq: seq, Symbol: symbols[int(seq-1)%len(symbols)]}, nil
	})
	return ticks.Named("ticks").WithClock(f.clock)
}

// Quotes prices ticks on the scheduler, pinning each symbol to one worker
// so its running mean needs no locking.
func (f *Feed) Quotes(ticks *pipeline.Flow[Tick]) *pipeline.Flow[Quote] {
	means := make([]*runningMean, max(f.sched.Workers(), 1))
	for i := range means {
		means[i] = &runningMean{sums: make(map[string]*meanState)}
	}
	priced := pipeline.ParallelMap(ticks, f.sched, pipeline.ParallelOptions[Tick]{
		Key:     func(t Tick) int { return symbolKey(t.Symbol) },
		Ordered: true,
	}, func(ctx context.Context, t Tick) (Quote, error) {
		if t.Symbol == "" {
			return Quote{}, errors.InvalidInput("symbol", "empty symbol")
		}
		price, err := resilience.Retry(ctx, f.retry, func() (float64, error) { return f.pricer(ctx, t) })
		if err != nil {
			return Quote{}, err
		}
		m := means[symbolKey(t.Symbol)%len(means)]
		return Quote{Seq: t.Seq, Symbol: t.Symbol, Price: price, Mean: m.add(t.Symbol, price), At: f.clock.Now()}, nil
	}).Named("price")

	recovered := pipeline.Recover(priced, pipeline.RetryBackoff[Quote](f.retry))
	return pipeline.Instrument(recovered, f.metrics, "quotes")
}

func symbolKey(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() & math.MaxInt32)
}

// walkPricer is a deterministic walk around a per-symbol base.
func walkPricer(_ context.Context, t Tick) (float64, error) {
	base := float64(symbolKey(t.Symbol)%50) + 75
	return math.Round((base+10*math.Sin(float64(t.Seq)/7))*100) / 100, nil
}

type meanState struct {
	sum float64
	n   int
}

// runningMean is owned by one worker.
type runningMean struct {
	sums map[string]*meanState
}

func (r *runningMean) add(symbol string, v float64) float64 {
	st, ok := r.sums[symbol]
	if !ok {
		st = &meanState{}
		r.sums[symbol] = st
	}
	st.sum += v
	st.n++
	return math.Round(st.sum/float64(st.n)*100) / 100
}
