package runner

import (
	"context"
	"sync"
)

// FakeRunner scripts container runs for tests and dev mode: instead of
// executing an image, it invokes a function that may write the same
// output files a real container would.
type FakeRunner struct {
	mu   sync.Mutex
	fn   func(ctx context.Context, spec Spec) (Result, error)
	runs []Spec
}

// NewFakeRunner creates a fake whose runs are handled by fn. A nil fn
// reports every run as exiting zero.
func NewFakeRunner(fn func(ctx context.Context, spec Spec) (Result, error)) *FakeRunner {
	return &FakeRunner{fn: fn}
}

func (r *FakeRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	r.mu.Lock()
	r.runs = append(r.runs, spec)
	fn := r.fn
	r.mu.Unlock()

	if fn == nil {
		return Result{}, nil
	}
	return fn(ctx, spec)
}

// Runs returns every spec the fake has been asked to run.
func (r *FakeRunner) Runs() []Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Spec, len(r.runs))
	copy(out, r.runs)
	return out
}
