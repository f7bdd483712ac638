package state

import (
	"context"
	"runtime"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// ParallelRows splits [0, n) into ranges of at most chunk rows and calls fn for each of them
// concurrently. fn must only touch the rows in its range, and the result must not depend on the
// order the ranges run in. The first error cancels ctx for the remaining ranges and is returned.
func ParallelRows(ctx context.Context, n, chunk int, fn func(ctx context.Context, lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	if chunk <= 0 {
		return eris.Errorf("chunk size must be positive, got %d", chunk)
	}
	if n <= chunk {
		return fn(ctx, 0, n)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, lo, hi)
		})
	}
	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "parallel row update failed")
	}
	return nil
}
