// Package dispatchertest provides a scripted Runner for tests that need to
// control agent subprocess outcomes without spawning real processes.
package dispatchertest

import (
	"context"
	"sync"

	"github.com/crewd/crewd/internal/dispatcher"
)

// Step scripts the outcome of one Start call.
type Step struct {
	// StartErr, when set, makes Start fail without producing a process.
	StartErr error
	// Result is what Wait returns. Nil means a clean zero exit.
	Result *dispatcher.Result
	// Block makes Wait block until the process is released or its start
	// context is cancelled.
	Block bool
}

// Runner is a dispatcher.Runner that pops one scripted Step per Start call
// and records every invocation. A Start call with no step queued produces an
// immediate zero exit.
type Runner struct {
	mu    sync.Mutex
	steps []Step
	calls []dispatcher.Invocation
	procs []*Proc
}

// NewRunner returns an empty scripted runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Enqueue appends steps to the script.
func (r *Runner) Enqueue(steps ...Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, steps...)
}

// Start implements dispatcher.Runner.
func (r *Runner) Start(ctx context.Context, inv dispatcher.Invocation) (dispatcher.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, inv)

	step := Step{}
	if len(r.steps) > 0 {
		step = r.steps[0]
		r.steps = r.steps[1:]
	}
	if step.StartErr != nil {
		return nil, step.StartErr
	}

	res := step.Result
	if res == nil {
		res = &dispatcher.Result{ExitCode: 0}
	}
	p := &Proc{ctx: ctx, result: res, done: make(chan struct{})}
	if !step.Block {
		close(p.done)
	}
	r.procs = append(r.procs, p)
	return p, nil
}

// Calls returns a copy of every invocation seen so far.
func (r *Runner) Calls() []dispatcher.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatcher.Invocation(nil), r.calls...)
}

// CallCount returns how many Start calls were made.
func (r *Runner) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Proc returns the i-th started process.
func (r *Runner) Proc(i int) *Proc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[i]
}

// Proc is a scripted process handle.
type Proc struct {
	ctx    context.Context
	result *dispatcher.Result

	releaseOnce sync.Once
	done        chan struct{}
}

// Wait blocks until the process is released or its start context ends.
func (p *Proc) Wait() (*dispatcher.Result, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-p.ctx.Done():
		return &dispatcher.Result{ExitCode: -1, Stderr: "killed"}, nil
	}
}

// Kill releases a blocked process.
func (p *Proc) Kill() error {
	p.Release()
	return nil
}

// Release unblocks Wait for a blocking step.
func (p *Proc) Release() {
	p.releaseOnce.Do(func() { close(p.done) })
}
