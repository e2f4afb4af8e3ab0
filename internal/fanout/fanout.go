// Package fanout runs a batch of tasks concurrently with staggered starts and
// waits for all of them to settle.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/retry"
)

// Task is one unit of work in a batch.
type Task[T any] func(ctx context.Context) (T, error)

// Outcome is the settled result of the task at Index.
type Outcome[T any] struct {
	Index int
	Value T
	Err   error
}

// Run starts task i at i*stagger after the batch start and returns once every
// task has settled. Outcomes are in task order. A task that panics settles
// with an error; a task whose start delay is cut short by ctx settles with
// ctx.Err() without running.
func Run[T any](ctx context.Context, stagger time.Duration, tasks []Task[T]) []Outcome[T] {
	out := make([]Outcome[T], len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		out[i].Index = i
		if task == nil {
			out[i].Err = fmt.Errorf("task %d is nil", i)
			continue
		}
		wg.Add(1)
		go func(i int, task Task[T]) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					out[i].Err = fmt.Errorf("task %d panicked: %v", i, r)
				}
			}()
			if err := retry.Sleep(ctx, time.Duration(i)*stagger); err != nil {
				out[i].Err = err
				return
			}
			v, err := task(ctx)
			out[i].Value = v
			out[i].Err = err
		}(i, task)
	}
	wg.Wait()
	return out
}
