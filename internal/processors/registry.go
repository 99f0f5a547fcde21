package processors

import (
	"context"
	"fmt"
	"time"

	"github.com/MimeLyc/docbatch/internal/jobs"
	"github.com/MimeLyc/docbatch/pkg/log"
)

type Options struct {
	// Timeout bounds every call; zero disables it.
	Timeout time.Duration
}

// Default returns a registry with a processor for every document type.
func Default(opts Options) *jobs.Registry {
	r := jobs.NewRegistry()
	r.Register(jobs.DocumentPDF, WithTimeout(ProcessPDF, opts.Timeout))
	r.Register(jobs.DocumentExcel, WithTimeout(ProcessExcel, opts.Timeout))
	r.Register(jobs.DocumentFinancial, WithTimeout(ProcessFinancial, opts.Timeout))
	r.Register(jobs.DocumentPortfolio, WithTimeout(ProcessPortfolio, opts.Timeout))
	r.Register(jobs.DocumentGeneric, WithTimeout(ProcessGeneric, opts.Timeout))
	log.Debug("Registered processors for %v (timeout %s)", r.Types(), opts.Timeout)
	return r
}

type callResult struct {
	value any
	err   error
}

// WithTimeout runs fn under a deadline. A call that ignores its context is
// abandoned when the deadline passes and its result discarded.
func WithTimeout(fn jobs.ProcessFunc, d time.Duration) jobs.ProcessFunc {
	if d <= 0 {
		return fn
	}
	return func(ctx context.Context, file jobs.FileEntry, job *jobs.Job) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan callResult, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- callResult{err: fmt.Errorf("processor panicked: %v", r)}
				}
			}()
			v, err := fn(ctx, file, job)
			done <- callResult{value: v, err: err}
		}()

		select {
		case res := <-done:
			return res.value, res.err
		case <-ctx.Done():
			return nil, fmt.Errorf("process %s: %w", file.Name, ctx.Err())
		}
	}
}
