// Package worker provides a bounded, generic worker pool.
//
// A pool runs a fixed number of goroutines that take work items from a bounded queue.
// Submit never blocks: when the queue is full the item is dropped and ErrQueueFull is
// returned, so producers such as message handlers stay responsive under load.
//
// Statistics are always tracked; Prometheus metrics are registered when a registry is
// supplied with WithMetrics.
//
//	pool, err := worker.NewPool("invalidations", 4, 256,
//	    func(ctx context.Context, req invalidateRequest) error {
//	        return qc.InvalidateQueries(ctx, filtersFor(req), query.RefetchOptions{})
//	    },
//	    worker.WithMetrics[invalidateRequest](registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Stop closes the queue and waits for queued items to drain. Cancelling the context
// passed to Start makes workers exit without draining.
package worker
