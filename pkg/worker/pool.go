package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/querystate/metric"
)

// Defaults applied when NewPool receives non-positive sizes.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// Pool processes work items of type T on a fixed set of goroutines.
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T) error
	logger    *slog.Logger

	workChan chan T
	metrics  *poolMetrics
	registry *metric.MetricsRegistry
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers the pool's metrics with registry. A nil registry disables them.
func WithMetrics[T any](registry *metric.MetricsRegistry) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
	}
}

// WithLogger sets the logger used to report failed work items.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool named name. It fails when processor is nil or metric
// registration fails.
func NewPool[T any](
	name string,
	workers, queueSize int,
	processor func(context.Context, T) error,
	opts ...Option[T],
) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	p := &Pool[T]{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		logger:    slog.Default(),
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "worker", "pool", name)

	if p.registry != nil {
		m, err := newPoolMetrics(p.registry, name)
		if err != nil {
			return nil, err
		}
		p.metrics = m
	}
	return p, nil
}

// Submit queues work without blocking. A full queue drops the item and returns ErrQueueFull.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		p.metrics.outcome("submitted")
		p.metrics.depth(len(p.workChan))
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.outcome("dropped")
		return ErrQueueFull
	}
}

// Start launches the workers. Cancelling ctx stops them without draining the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Stop rejects new work and waits up to timeout for queued items to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.metrics.depth(len(p.workChan))

			start := time.Now()
			err := p.processor(ctx, work)
			p.metrics.observe(time.Since(start), err)

			p.processed.Add(1)
			p.metrics.outcome("processed")
			if err != nil {
				p.failed.Add(1)
				p.metrics.outcome("failed")
				p.logger.Debug("Work item failed", "error", err)
			}
		}
	}
}
