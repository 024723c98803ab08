package taskqueue

import (
	"context"
	"sync/atomic"
)

// ProgressFunc receives a task's absolute progress, between 0 and its weight.
type ProgressFunc func(progress float64)

// Task is a unit of work scheduled by a Queue.
type Task interface {
	Weight() float64
	Run(ctx context.Context, report ProgressFunc) error
	Cancel()
	Cancelled() bool
}

// Base carries the weight and cancellation flag shared by all tasks. Embed
// it by value in a task struct that is used through a pointer.
type Base struct {
	TaskWeight float64

	cancelled atomic.Bool
}

func (b *Base) Weight() float64 {
	if b.TaskWeight <= 0 {
		return 1
	}
	return b.TaskWeight
}

// Cancel marks the task so a queue skips it. It has no effect once the task
// has started.
func (b *Base) Cancel() {
	b.cancelled.Store(true)
}

func (b *Base) Cancelled() bool {
	return b.cancelled.Load()
}

// Func adapts a plain function into a Task.
type Func struct {
	Base
	fn func(ctx context.Context, report ProgressFunc) error
}

// NewFunc returns a task of the given weight that runs fn.
func NewFunc(weight float64, fn func(ctx context.Context, report ProgressFunc) error) *Func {
	return &Func{Base: Base{TaskWeight: weight}, fn: fn}
}

func (f *Func) Run(ctx context.Context, report ProgressFunc) error {
	return f.fn(ctx, report)
}
