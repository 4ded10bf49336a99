// Package app fans a batch of URLs out over a bounded set of workers.
package app

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultJobs bounds concurrent acquisitions per request when the caller
// passes a non-positive value.
const DefaultJobs = 4

// Run calls process once for every url with at most jobs calls in flight
// and returns the outputs in input order. process owns its own failure
// reporting and is still called after ctx is done, so every input gets
// an output.
func Run[T any](ctx context.Context, urls []string, jobs int, process func(ctx context.Context, url string) T) []T {
	if jobs < 1 {
		jobs = DefaultJobs
	}
	out := make([]T, len(urls))
	if len(urls) == 0 {
		return out
	}

	var g errgroup.Group
	g.SetLimit(jobs)
	for i, url := range urls {
		g.Go(func() error {
			out[i] = process(ctx, url)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
