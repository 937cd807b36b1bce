// Package orchestrator builds the task graph, checks it for cycles,
// optionally subsets it to a set of targets, and drives every task through
// the scheduling loop described in the task package's state machine.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/henryivesjones/sql-scheduler-go/internal/cache"
	"github.com/henryivesjones/sql-scheduler-go/internal/executor"
	"github.com/henryivesjones/sql-scheduler-go/internal/logging"
	"github.com/henryivesjones/sql-scheduler-go/internal/task"
)

const defaultTick = 250 * time.Millisecond

// CycleError reports that the dependency graph contains one or more cycles.
// Every distinct cycle found during the scan is recorded, each as the
// ordered list of task ids composing it.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	var b strings.Builder
	b.WriteString("dependency graph contains cycles:")
	for _, c := range e.Cycles {
		b.WriteString("\n  " + strings.Join(c, " -> "))
	}
	return b.String()
}

// MissingTargetError reports that a requested target does not correspond
// to any known task.
type MissingTargetError struct {
	ID string
}

func (e *MissingTargetError) Error() string {
	return fmt.Sprintf("unknown task id %q", e.ID)
}

// BuildTasks discovers every <schema>.<table>.sql file in insertDir,
// constructs a Task per id, and prunes each task's dependency set down to
// ids present in the discovered set after exclusions. ids not in
// exclusions survive; excluded ids are dropped outright — any other task's
// reference to an excluded id is pruned as a second-class dependency, the
// same as a reference to an unmanaged table.
func BuildTasks(ddlDir, insertDir string, exclusions []string) (map[string]*task.Task, []string, error) {
	ids, err := task.DiscoverIDs(insertDir)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(ids)

	excluded := make(map[string]struct{}, len(exclusions))
	for _, e := range exclusions {
		excluded[strings.ToLower(e)] = struct{}{}
	}

	tasks := make(map[string]*task.Task, len(ids))
	var order []string
	for _, id := range ids {
		if _, skip := excluded[strings.ToLower(id)]; skip {
			continue
		}
		t, err := task.New(ddlDir, insertDir, id)
		if err != nil {
			return nil, nil, err
		}
		tasks[t.ID] = t
		order = append(order, t.ID)
	}

	managed := idSet(tasks)
	for _, t := range tasks {
		t.PruneSecondClassDependencies(managed)
	}

	return tasks, order, nil
}

func idSet(tasks map[string]*task.Task) map[string]struct{} {
	ids := make(map[string]struct{}, len(tasks))
	for id := range tasks {
		ids[id] = struct{}{}
	}
	return ids
}

// DetectCycles runs a DFS with an explicit path stack from every node so
// that multiple disjoint cycles are all reported in one pass, rather than
// stopping at the first one found.
func DetectCycles(tasks map[string]*task.Task) error {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))
	var cycles [][]string

	var visit func(id string, path []string)
	visit = func(id string, path []string) {
		if state[id] == done {
			return
		}
		if state[id] == inStack {
			// Found a back-edge into the current path: the cycle is the
			// path from the first occurrence of id onward.
			for i, p := range path {
				if p == id {
					cycle := append(append([]string{}, path[i:]...), id)
					cycles = append(cycles, cycle)
					return
				}
			}
			return
		}

		state[id] = inStack
		path = append(path, id)

		t := tasks[id]
		deps := make([]string, 0, len(t.Dependencies))
		for d := range t.Dependencies {
			deps = append(deps, d)
		}
		sort.Strings(deps)
		for _, d := range deps {
			visit(d, path)
		}

		state[id] = done
	}

	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited {
			visit(id, nil)
		}
	}

	if len(cycles) > 0 {
		return &CycleError{Cycles: cycles}
	}
	return nil
}

// Subset restricts tasks to the requested targets. Without withDependencies
// it is exactly the intersection of targets and known ids. With
// withDependencies it is the transitive ancestor closure of every target,
// each included along with the target itself. Any target id absent from
// tasks is a fatal MissingTargetError.
func Subset(tasks map[string]*task.Task, targets []string, withDependencies bool) (map[string]*task.Task, error) {
	if len(targets) == 0 {
		return tasks, nil
	}

	normalized := make([]string, len(targets))
	for i, t := range targets {
		normalized[i] = strings.ToLower(t)
	}
	for _, id := range normalized {
		if _, ok := tasks[id]; !ok {
			return nil, &MissingTargetError{ID: id}
		}
	}

	if !withDependencies {
		out := make(map[string]*task.Task, len(normalized))
		for _, id := range normalized {
			out[id] = tasks[id]
		}
		return out, nil
	}

	out := make(map[string]*task.Task)
	var include func(id string)
	include = func(id string) {
		if _, ok := out[id]; ok {
			return
		}
		t, ok := tasks[id]
		if !ok {
			return
		}
		out[id] = t
		for d := range t.Dependencies {
			include(d)
		}
	}
	for _, id := range normalized {
		include(id)
	}
	return out, nil
}

// Recorder is the subset of metrics.Recorder the orchestrator reports to.
// Optional: a nil Recorder in Options disables reporting entirely.
type Recorder interface {
	RecordStarted(ctx context.Context, taskID string)
	RecordTerminal(ctx context.Context, taskID, status string, scriptDuration float64, cached bool)
}

// Options configures a single orchestrator run.
type Options struct {
	Concurrency int
	Tick        time.Duration
	Exec        executor.Config
	Metrics     Recorder
}

// Orchestrator drives a fixed task set through the scheduling loop to
// completion.
type Orchestrator struct {
	tasks map[string]*task.Task
	order []string // FIFO tie-break order: filesystem enumeration order.
	pool  executor.DB
	store *cache.Store
	opts  Options
}

// New constructs an Orchestrator over tasks. order determines FIFO
// tie-breaking among simultaneously-ready tasks; it is typically the order
// BuildTasks returned, filtered down to ids still present in tasks.
func New(tasks map[string]*task.Task, order []string, pool executor.DB, store *cache.Store, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	return &Orchestrator{tasks: tasks, order: order, pool: pool, store: store, opts: opts}
}

// Report summarizes one completed run.
type Report struct {
	Ran            []*task.Task // tasks that reached RUNNING, sorted by start time
	Failed         []string
	TestFailed     map[string][]string
	UpstreamFailed []string
	ExitCode       int
}

// Run executes the scheduling loop until every task reaches a terminal
// state, or ctx is cancelled. On cancellation, already-running Executors
// are given ctx's cancellation signal and awaited before Run returns; tasks
// that were never admitted keep their WAITING or QUEUED status.
func (o *Orchestrator) Run(parent context.Context) (*Report, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	managed := idSet(o.tasks)

	var queue []string
	var wg sync.WaitGroup

	ticker := time.NewTicker(o.opts.Tick)
	defer ticker.Stop()

	start := time.Now()

	for {
		counts := o.statusCounts()
		if counts[task.StatusWaiting]+counts[task.StatusQueued]+counts[task.StatusRunning] == 0 {
			break
		}

		for _, id := range o.order {
			t := o.tasks[id]
			if t.Status() != task.StatusWaiting {
				continue
			}
			switch o.readiness(t) {
			case readinessUpstreamFailed:
				t.SetStatus(task.StatusUpstreamFailed)
			case readinessReady:
				t.SetStatus(task.StatusQueued)
				queue = append(queue, id)
			}
		}

		slots := o.opts.Concurrency - counts[task.StatusRunning]
		for slots > 0 && len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			t := o.tasks[id]
			// Set RUNNING here, synchronously, rather than waiting for the
			// spawned goroutine to reach executor.Run's own status update —
			// otherwise the next tick's admission count could still see this
			// task as QUEUED and over-admit past Concurrency.
			t.SetStatus(task.StatusRunning)
			wg.Add(1)
			go func(t *task.Task) {
				defer wg.Done()
				if o.opts.Metrics != nil {
					o.opts.Metrics.RecordStarted(ctx, t.ID)
				}
				_ = executor.Run(ctx, t, o.pool, o.store, managed, o.opts.Exec)
				if o.opts.Metrics != nil {
					duration := 0.0
					if t.ScriptDuration != nil {
						duration = *t.ScriptDuration
					}
					o.opts.Metrics.RecordTerminal(ctx, t.ID, string(t.Status()), duration, t.ScriptDuration != nil && duration == 0)
				}
			}(t)
			slots--
		}

		if !logging.Simple() {
			logging.Statusf(
				"%d running. %d waiting. %d queued. %d completed. %d failed. %d upstream failed. %d test failed. Elapsed: %s",
				counts[task.StatusRunning], counts[task.StatusWaiting], counts[task.StatusQueued],
				counts[task.StatusSuccess], counts[task.StatusFailed], counts[task.StatusUpstreamFailed],
				counts[task.StatusTestFailed], time.Since(start).Round(time.Second),
			)
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return o.buildReport(), ctx.Err()
		case <-ticker.C:
		}
	}

	wg.Wait()
	return o.buildReport(), nil
}

type readiness int

const (
	readinessWaiting readiness = iota
	readinessReady
	readinessUpstreamFailed
)

func (o *Orchestrator) readiness(t *task.Task) readiness {
	allSuccess := true
	for depID := range t.Dependencies {
		dep, ok := o.tasks[depID]
		if !ok {
			continue
		}
		switch dep.Status() {
		case task.StatusFailed, task.StatusTestFailed, task.StatusUpstreamFailed:
			return readinessUpstreamFailed
		case task.StatusSuccess:
			// satisfied
		default:
			allSuccess = false
		}
	}
	if allSuccess {
		return readinessReady
	}
	return readinessWaiting
}

func (o *Orchestrator) statusCounts() map[task.Status]int {
	counts := make(map[task.Status]int)
	for _, t := range o.tasks {
		counts[t.Status()]++
	}
	return counts
}

func (o *Orchestrator) buildReport() *Report {
	report := &Report{TestFailed: map[string][]string{}}

	var ran []*task.Task
	for _, id := range o.order {
		t := o.tasks[id]
		switch t.Status() {
		case task.StatusFailed:
			report.Failed = append(report.Failed, id)
			ran = append(ran, t)
		case task.StatusTestFailed:
			report.TestFailed[id] = t.FailedTests()
			ran = append(ran, t)
		case task.StatusUpstreamFailed:
			report.UpstreamFailed = append(report.UpstreamFailed, id)
		case task.StatusSuccess:
			ran = append(ran, t)
		}
	}

	sort.Slice(ran, func(i, j int) bool {
		si, sj := ran[i].StartTimestamp, ran[j].StartTimestamp
		if si == nil || sj == nil {
			return false
		}
		return *si < *sj
	})
	report.Ran = ran

	report.ExitCode = len(report.Failed) + len(report.TestFailed) + len(report.UpstreamFailed)
	return report
}
