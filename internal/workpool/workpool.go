// Package workpool runs index-addressed jobs on a bounded set of
// goroutines. Each job writes only its own slot, so results come back in
// input order regardless of scheduling.
package workpool

import (
	"context"
	"runtime"
	"sync"
)

// Size normalises a requested worker count: zero or negative means one
// worker per CPU, and never more workers than jobs.
func Size(requested, jobs int) int {
	n := requested
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > jobs {
		n = jobs
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Run calls fn(i) for every i in [0, n). It stops handing out work once ctx
// is cancelled and returns ctx.Err() in that case.
func Run(ctx context.Context, n, workers int, fn func(i int)) error {
	if n == 0 {
		return ctx.Err()
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < Size(workers, n); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}

	var err error
feed:
	for i := 0; i < n; i++ {
		if err = ctx.Err(); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	return err
}

// Map applies fn to every item and returns the results in input order.
func Map[T, R any](ctx context.Context, items []T, workers int, fn func(T) R) ([]R, error) {
	out := make([]R, len(items))
	err := Run(ctx, len(items), workers, func(i int) {
		out[i] = fn(items[i])
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
