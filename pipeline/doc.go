// Package pipeline provides a demand-driven reactive flow engine.
//
// Flows are lazy: nothing runs until a subscriber subscribes and requests
// items. Every stage emits at most as many items as its downstream has
// requested, so a slow consumer throttles the whole chain instead of
// growing unbounded queues.
//
// A subscriber receives exactly one Subscription through OnSubscribe, then
// zero or more item signals followed by at most one terminal signal
// (complete or error). Requesting n <= 0, emitting without demand or
// signalling after termination panics with a *ProtocolViolation.
//
// # Operators
//
// Transformation:
//
//   - Map, Filter, Tap, Handle: per-item functions; errors become Faults
//   - FlatMap, FlatMapSequential, ConcatMap, Merge, Concat: inner flows
//   - Buffer, Zip, Zip2, Zip3, Reduce, Take, FanOut
//   - SwitchIfEmpty, DefaultIfEmpty, Throttle
//
// Demand shaping and scheduling:
//
//   - LimitRate: prefetch n, replenish at the low tide (75% by default)
//   - SubscribeOn, PublishOn: move subscription or delivery onto a scheduler
//   - ParallelMap: spread work over rails, optionally preserving order
//
// Recovery:
//
//   - Recover with SubstituteValue, SubstituteStream, MapFault, Retry,
//     RetryBackoff, Resume, Timeout, Suppress or DoOnFault
//
// Sharing:
//
//   - Hub: one upstream, many subscribers, under a unicast, multicast,
//     replay(k) or cache(k) policy
//
// # Usage
//
//	src := pipeline.Range(1, 100)
//	doubled := pipeline.Map(src, func(_ context.Context, n int) (int, error) {
//	    return n * 2, nil
//	})
//	limited := pipeline.LimitRate(doubled, 16)
//	results, err := pipeline.Collect(ctx, limited)
//
// Sharing a source between subscribers:
//
//	hub := pipeline.NewHub(ticks, pipeline.Replay(10))
//	sub := pipeline.SubscribeFunc(ctx, hub.Flow(), func(t Tick) { ... })
//	defer sub.Cancel()
package pipeline
