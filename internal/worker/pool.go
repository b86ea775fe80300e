// Package worker provides a small generic goroutine pool used for health
// probe fan-out.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job is a unit of work processed by the pool.
type Job interface {
	// Execute performs the work synchronously. Implementations should honor
	// ctx cancellation.
	Execute(ctx context.Context) error
}

// SpawnPool starts numWorkers goroutines draining jobQueue. Workers exit
// when the queue closes; on context cancellation they drain whatever is
// already buffered first so enqueued work is never silently dropped. The
// returned WaitGroup tracks the workers.
func SpawnPool(
	ctx context.Context,
	numWorkers int,
	jobQueue <-chan Job,
	logger *slog.Logger,
) *sync.WaitGroup {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	wg := &sync.WaitGroup{}

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			execute := func(job Job) {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("Job panicked",
							"worker_id", workerID,
							"panic", fmt.Sprintf("%v", r),
						)
					}
				}()

				if err := job.Execute(ctx); err != nil {
					logger.Error("Job execution failed",
						"worker_id", workerID,
						"error", err,
					)
				}
			}

			for {
				select {
				case <-ctx.Done():
					for job := range jobQueue {
						execute(job)
					}
					return
				case job, ok := <-jobQueue:
					if !ok {
						return
					}
					execute(job)
				}
			}
		}(i)
	}

	return wg
}
