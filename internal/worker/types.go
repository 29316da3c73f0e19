package worker

import (
	"context"
	"time"
)

// Task is one unit of work: a company page, a person count, a probe.
type Task struct {
	ID      string                          // segment id; the runner matches results on it
	Kind    string                          // label for metrics, e.g. "company" or "person"
	Run     func(ctx context.Context) error // reports its outcome itself; the error is for the pool
	Timeout time.Duration                   // zero means no per-task deadline
}

// Result reports the end of a task.
type Result struct {
	TaskID   string
	Kind     string
	Err      error         // Run's error, or the recovered panic
	Panicked bool          // Run panicked
	Duration time.Duration // wall time spent in Run
}

// Failed reports whether the task did not return cleanly.
func (r Result) Failed() bool {
	return r.Err != nil
}
