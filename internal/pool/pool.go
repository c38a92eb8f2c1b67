// Package pool runs a batch of independent tasks under a concurrency ceiling.
package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const DefaultLimit = 5

// Task is one unit of batch work. Its error is counted, never propagated.
type Task func(ctx context.Context) error

// Result reports how a batch settled.
type Result struct {
	Total  int
	Failed int
}

// Run executes tasks with at most limit of them in flight at once and
// returns after every task has settled. A task failure never aborts the
// batch. A cancelled context stops admitting new tasks; those count as
// failed so Total always reflects the full batch.
func Run(ctx context.Context, tasks []Task, limit int) Result {
	if limit <= 0 {
		limit = DefaultLimit
	}
	sem := semaphore.NewWeighted(int64(limit))
	var failed atomic.Int64
	var wg sync.WaitGroup
	for _, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			failed.Add(1)
			continue
		}
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer sem.Release(1)
			if err := task(ctx); err != nil {
				failed.Add(1)
			}
		}(task)
	}
	wg.Wait()
	return Result{Total: len(tasks), Failed: int(failed.Load())}
}
