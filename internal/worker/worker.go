// ============================================================================
// Market-Sizer Worker - Unit Execution
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Goroutine that runs the units of one job
//
// Each worker loops until the task channel is closed:
//
//   ┌──────────────────────────────────────┐
//   │  worker goroutine                    │
//   │   for task := range pool.tasks       │
//   │     ├─ skip if the pool is stopping  │
//   │     ├─ ctx (+ task timeout)          │
//   │     ├─ task.Run(ctx), recover        │
//   │     ├─ observer(result)              │
//   │     └─ pool.results <- result        │
//   └──────────────────────────────────────┘
//
// A panicking unit becomes a failed Result; the worker keeps running.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

type worker struct {
	id   int
	pool *Pool
}

func (w *worker) run(ctx context.Context) {
	p := w.pool
	for task := range p.tasks {
		if p.stopping() {
			continue
		}

		res := w.execute(ctx, task)
		if p.observe != nil {
			p.observe(res)
		}

		select {
		case p.results <- res:
		case <-p.stop:
		}
	}
}

func (w *worker) execute(ctx context.Context, task Task) (res Result) {
	res = Result{TaskID: task.ID, Kind: task.Kind}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("worker %d: unit %s panicked: %v", w.id, task.ID, r)
			res.Panicked = true
		}
		res.Duration = time.Since(start)
	}()

	if task.Run == nil {
		res.Err = fmt.Errorf("worker %d: unit %s has no work", w.id, task.ID)
		return res
	}
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	res.Err = task.Run(ctx)
	return res
}
