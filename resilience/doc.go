// Package resilience provides the retry and admission primitives used by the
// flowkit engine.
//
// Retry and Backoff implement exponential backoff with jitter. The
// pipeline's RetryBackoff recovery policy computes its resubscription delays
// with Backoff and waits on the configured clockz.Clock. Retry is the
// per-call variant for work done inside a stage; giving up returns a
// RETRY_EXHAUSTED error.
//
// Bulkhead is a bounded admission gate. Scheduler pools use TryAcquire to
// reject submissions once a worker queue is saturated.
//
//	bh := resilience.NewBulkhead(resilience.BulkheadConfig{Name: "io", MaxConcurrent: 64})
//	if !bh.TryAcquire() {
//	    return scheduler.ErrExhausted
//	}
//	defer bh.Release()
package resilience
