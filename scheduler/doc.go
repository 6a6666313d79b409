// Package scheduler provides the named execution contexts that flowkit
// pipelines hop onto with SubscribeOn, PublishOn and ParallelMap.
//
// There is no global default pool. Applications create explicit, sized
// pools, usually from configuration:
//
//	reg, err := scheduler.NewRegistry(cfg.Schedulers, scheduler.WithMetrics(m))
//	io, _ := reg.Get("io")
//
// Every Pool worker runs its tasks serially in submission order. A pipeline
// pins one worker per subscription, so signals on one edge never reorder.
// Submissions beyond a worker's queue capacity fail fast with ErrExhausted.
package scheduler
