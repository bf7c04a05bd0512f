// Package dispatcher fans queued work out to a fixed pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/org-harvester/internal/metrics"
	"github.com/JakeFAU/org-harvester/internal/queue"
)

// Handler processes one dequeued item.
type Handler[T any] func(ctx context.Context, item T)

// Dispatcher runs Handler over queue items with bounded concurrency.
type Dispatcher[T any] struct {
	queue   queue.Queue[T]
	workers int
	handle  Handler[T]
	logger  *zap.Logger
}

// New creates a Dispatcher. workers below one is treated as one.
func New[T any](q queue.Queue[T], workers int, handle Handler[T], logger *zap.Logger) *Dispatcher[T] {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher[T]{
		queue:   q,
		workers: workers,
		handle:  handle,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts the workers and blocks until the queue is closed and drained or
// the context finishes.
func (d *Dispatcher[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.work(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher[T]) work(ctx context.Context, id int) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			d.logger.Error("queue dequeue failed", zap.Int("worker", id), zap.Error(err))
			continue
		}
		d.process(ctx, id, item)
	}
}

func (d *Dispatcher[T]) process(ctx context.Context, id int, item T) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("worker handler panicked",
				zap.Int("worker", id),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	d.handle(ctx, item)
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher[T]) Enqueue(ctx context.Context, item T) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
