package analyst

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ExecMode tells how an analyst runs tasks and kill requests.
type ExecMode int

const (
	// ModeAsync runs tasks on a bounded pool and kills on the goroutine
	// started by Run.
	ModeAsync = ExecMode(iota)
	// ModeInline runs both on the caller's goroutine before returning.
	ModeInline
)

// Runner runs task executions.
type Runner interface {
	Run(fn func())
	// Wait blocks until every fn passed to Run returned.
	Wait()
}

// InlineRunner runs fn before Run returns.
type InlineRunner struct{}

func (InlineRunner) Run(fn func()) {
	fn()
}

func (InlineRunner) Wait() {}

// PoolRunner runs up to n fns at once, each on its own goroutine.
type PoolRunner struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewPoolRunner(n int) *PoolRunner {
	if n < 1 {
		n = 1
	}
	return &PoolRunner{sem: semaphore.NewWeighted(int64(n))}
}

func (r *PoolRunner) Run(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer r.sem.Release(1)
		fn()
	}()
}

func (r *PoolRunner) Wait() {
	r.wg.Wait()
}
