// Package worker provides a generic, bounded worker pool.
//
// A Pool owns a fixed number of goroutines that pull work items from a channel.
// Submit blocks while the pool is saturated, which pushes backpressure to the caller:
// for a NATS subscription callback this means messages wait in the subscription's
// pending buffer rather than being dropped.
//
//	pool := worker.NewPool(8, 0, func(ctx context.Context, job Job) error {
//	    return handle(ctx, job)
//	})
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(10 * time.Second)
//
//	if err := pool.Submit(ctx, job); err != nil {
//	    // ctx cancelled or pool stopped
//	}
//
// Stats are tracked with atomics and are always available. Prometheus metrics are
// registered only when WithMetricsRegistry is supplied.
package worker
