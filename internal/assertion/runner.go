// Package assertion executes compiled directive probes against the
// warehouse and classifies each as passed or failed.
package assertion

import (
	"context"
	"fmt"

	"github.com/henryivesjones/sql-scheduler-go/internal/directive"
	"golang.org/x/sync/errgroup"
)

// Runner is the subset of dbx.Pool that probe execution needs, so tests can
// substitute a fake without standing up a real pool.
type Runner interface {
	ProbeRowExists(ctx context.Context, query string) (bool, error)
	ProbeCount(ctx context.Context, query string) (int64, error)
}

// Result is the outcome of running a single probe.
type Result struct {
	Probe  directive.Probe
	Passed bool
}

// Run executes a single probe and reports whether it passed. A probe that
// errors while running (a malformed query, a connection drop) is treated as
// a failure rather than propagated, since one bad assertion should not stop
// the other assertions in the same batch from being evaluated; the error is
// still returned alongside the failing Result so the caller can log it.
func Run(ctx context.Context, r Runner, p directive.Probe) (Result, error) {
	if p.Kind == directive.KindUpstreamCount {
		if p.MinCountInvalid {
			return Result{Probe: p, Passed: false}, fmt.Errorf("probe %s: threshold is not a valid integer", p.Name)
		}
		count, err := r.ProbeCount(ctx, p.Query)
		if err != nil {
			return Result{Probe: p, Passed: false}, err
		}
		return Result{Probe: p, Passed: count > int64(p.MinCount)}, nil
	}

	violated, err := r.ProbeRowExists(ctx, p.Query)
	if err != nil {
		return Result{Probe: p, Passed: false}, err
	}
	return Result{Probe: p, Passed: !violated}, nil
}

// RunAll executes every probe in probes and returns the results in the same
// order it was given them in. Errors from individual probes are collected
// but do not stop the remaining probes from running; the caller decides
// what to do with a partial failure.
func RunAll(ctx context.Context, r Runner, probes []directive.Probe) ([]Result, []error) {
	results := make([]Result, len(probes))
	var errs []error
	for i, p := range probes {
		res, err := Run(ctx, r, p)
		results[i] = res
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errs
}

// RunAllConcurrent runs every probe in probes concurrently, each on its own
// connection, via an errgroup. Unlike RunAll it does not return a per-probe
// error list: the first probe error is returned as the group error. A probe
// error does not cancel the other probes; every probe runs to completion and
// its outcome is reflected in results, in the order probes were given.
// This is the mode the executor uses for a task's own assertion batches,
// where probes are independent queries against the same warehouse and
// running them in parallel materially shortens a task's wall-clock time.
func RunAllConcurrent(ctx context.Context, r Runner, probes []directive.Probe) ([]Result, error) {
	results := make([]Result, len(probes))

	var g errgroup.Group
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			// Each goroutine owns a disjoint index, so no lock is needed here.
			res, err := Run(ctx, r, p)
			results[i] = res
			return err
		})
	}

	err := g.Wait()
	return results, err
}
