package compose

import "sync"

// Executor runs workers. Go may block; Wait returns once every function
// passed to Go returned.
type Executor interface {
	Go(fn func())
	Wait()
}

// InlineExecutor runs each function to completion inside Go.
type InlineExecutor struct{}

func (InlineExecutor) Go(fn func()) { fn() }

func (InlineExecutor) Wait() {}

// ConcurrentExecutor runs each function in its own goroutine.
type ConcurrentExecutor struct {
	wg sync.WaitGroup
}

func (e *ConcurrentExecutor) Go(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *ConcurrentExecutor) Wait() {
	e.wg.Wait()
}
