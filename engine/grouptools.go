package engine

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"
)

// GroupTools exposes the scoped composition helpers. Every step tool
// invoked inside a Parallel callback inherits ParallelModeRace via the
// ambient context value, unless the step's own context overrides it.
type GroupTools struct {
	exec *Execution
}

// launchGated starts fn on the group's runner, then blocks until the
// branch either suspends on its first unresolved step or returns. Starting
// branches one at a time this way keeps step discovery in argument order,
// so replays report identical batches no matter how the goroutines are
// scheduled.
func launchGated(ctx context.Context, run func(func() error), fn func(ctx context.Context) error) {
	gate := make(chan struct{}, 1)
	release := func() {
		select {
		case gate <- struct{}{}:
		default:
		}
	}
	branchCtx := withBranchGate(ctx, release)
	run(func() error {
		defer release()
		return fn(branchCtx)
	})
	<-gate
}

// Parallel runs each fn inside a "race" scope, fanning out with a
// panic-safe pool. It errors, rather than panicking, when called outside a
// run, since there is no ambient scope to inherit.
func (g *GroupTools) Parallel(ctx context.Context, fns ...func(ctx context.Context) error) error {
	if _, ok := scopeFrom(ctx); !ok {
		return fmt.Errorf("engine: group.Parallel called outside a run; pass a parallel mode on each step instead")
	}
	scoped := withParallelMode(ctx, ParallelModeRace)

	p := pool.New().WithErrors()
	for _, fn := range fns {
		launchGated(scoped, p.Go, fn)
	}
	// Every branch has suspended or finished; if this group is itself a
	// branch of an enclosing group, let the next sibling start before
	// blocking.
	releaseBranchGate(ctx)
	return p.Wait()
}

// All runs each fn with discover-all semantics: every step the callbacks
// produce is reported in the same batch, none tagged as racing.
func (g *GroupTools) All(ctx context.Context, fns ...func(ctx context.Context) error) error {
	if _, ok := scopeFrom(ctx); !ok {
		return fmt.Errorf("engine: group.All called outside a run")
	}
	eg, scoped := errgroup.WithContext(ctx)
	for _, fn := range fns {
		launchGated(scoped, eg.Go, fn)
	}
	releaseBranchGate(ctx)
	return eg.Wait()
}
