// Package executor drives a single task from QUEUED through the fixed
// ten-step pipeline (read scripts, dev rewrite, cache check, upstream
// asserts, transactional DDL/DML/ANALYZE, downstream asserts, cache
// record) to one of its terminal states.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/henryivesjones/sql-scheduler-go/internal/assertion"
	"github.com/henryivesjones/sql-scheduler-go/internal/cache"
	"github.com/henryivesjones/sql-scheduler-go/internal/dbx"
	"github.com/henryivesjones/sql-scheduler-go/internal/directive"
	"github.com/henryivesjones/sql-scheduler-go/internal/logging"
	"github.com/henryivesjones/sql-scheduler-go/internal/sqlanalyzer"
	"github.com/henryivesjones/sql-scheduler-go/internal/task"
)

const timestampLayout = "2006-01-02 15:04:05"

// Stage selects whether scripts run against their declared schemas or a
// rewritten dev overlay.
type Stage string

const (
	StageProd Stage = "prod"
	StageDev  Stage = "dev"
)

// Config carries the run-wide settings an Executor needs that are not
// specific to one task.
type Config struct {
	Stage         Stage
	DevSchema     string
	NoCache       bool
	Refill        bool
	IntervalStart time.Time
	IntervalEnd   time.Time
	CacheDuration time.Duration
}

// DB is the slice of dbx.Pool's behavior the pipeline needs. Defined here
// (rather than depended on concretely) so tests can substitute a fake
// warehouse without a live connection.
type DB interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx dbx.Execer) error) error
	TableExists(ctx context.Context, schema, table string) (bool, error)
	ProbeRowExists(ctx context.Context, query string) (bool, error)
	ProbeCount(ctx context.Context, query string) (int64, error)
}

// now is overridable in tests; production code always uses time.Now.
var now = time.Now

func elapsedSeconds(start time.Time) float64 {
	return time.Since(start).Seconds()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix())
}

// Run drives t through the pipeline and leaves it in a terminal status.
// managedIDs is the full set of task ids in the current run, used for the
// dev-schema membership test during rewriting. It always returns nil:
// every failure, including a database call aborted by a cancelled ctx, is
// recorded on t itself via SetStatus/AppendFailedTest.
func Run(ctx context.Context, t *task.Task, pool DB, store *cache.Store, managedIDs map[string]struct{}, cfg Config) error {
	start := now()
	t.StartTimestamp = floatPtr(unixSeconds(start))
	t.SetStatus(task.StatusRunning)

	ddlText, err := t.ReadDDL()
	if err != nil {
		t.SetStatus(task.StatusFailed)
		return nil
	}
	dmlText, err := t.ReadDML()
	if err != nil {
		t.SetStatus(task.StatusFailed)
		return nil
	}

	if t.Incremental {
		ddlText = substituteInterval(ddlText, cfg.IntervalStart, cfg.IntervalEnd)
		dmlText = substituteInterval(dmlText, cfg.IntervalStart, cfg.IntervalEnd)
	}

	effectiveSchema, table := t.SchemaTable()
	if cfg.Stage == StageDev {
		effectiveSchema = cfg.DevSchema
		ddlText = sqlanalyzer.RewriteForDev(ddlText, managedIDs, cfg.DevSchema)
		dmlText = sqlanalyzer.RewriteForDev(dmlText, managedIDs, cfg.DevSchema)

		if !cfg.NoCache {
			key := task.CacheKey(ddlText, dmlText)
			if store.IsFresh(t.ID, key, cfg.CacheDuration) {
				logging.Statusf("%s cached", t.DisplayID)
				t.ScriptDuration = floatPtr(0)
				t.SetStatus(task.StatusSuccess)
				return nil
			}
		}
	}

	upstreamStart := now()
	t.UpstreamTestStartTimestamp = floatPtr(unixSeconds(upstreamStart))
	if !runUpstreamAssertions(ctx, t, pool, dmlText) {
		t.UpstreamTestDuration = floatPtr(elapsedSeconds(upstreamStart))
		t.SetStatus(task.StatusTestFailed)
		return nil
	}
	t.UpstreamTestDuration = floatPtr(elapsedSeconds(upstreamStart))

	needsCreation := true
	if t.Incremental && !cfg.Refill {
		exists, err := pool.TableExists(ctx, effectiveSchema, table)
		if err != nil {
			t.SetStatus(task.StatusFailed)
			return nil
		}
		needsCreation = !exists
	}
	runDDL := !t.Incremental || cfg.Refill || needsCreation

	err = pool.RunInTransaction(ctx, func(ctx context.Context, tx dbx.Execer) error {
		if runDDL {
			logging.Logf("%s: %s\n", t.DisplayID, ddlText)
			if err := dbx.Exec(ctx, tx, "DDL", ddlText); err != nil {
				return err
			}
		}
		logging.Logf("%s: %s\n", t.DisplayID, dmlText)
		if err := dbx.Exec(ctx, tx, "DML", dmlText); err != nil {
			return err
		}
		analyzeStmt := fmt.Sprintf("ANALYZE %s.%s", quoteIdent(effectiveSchema), quoteIdent(table))
		logging.Logf("%s: %s\n", t.DisplayID, analyzeStmt)
		return dbx.Exec(ctx, tx, "ANALYZE", analyzeStmt)
	})
	if err != nil {
		t.SetStatus(task.StatusFailed)
		return nil
	}
	t.ScriptDuration = floatPtr(elapsedSeconds(start))

	testStart := now()
	t.TestStartTimestamp = floatPtr(unixSeconds(testStart))
	downstreamOK := runDownstreamAssertions(ctx, t, pool, dmlText, effectiveSchema, table, managedIDs, cfg)
	t.TestDuration = floatPtr(elapsedSeconds(testStart))
	if !downstreamOK {
		t.SetStatus(task.StatusTestFailed)
		return nil
	}

	if cfg.Stage == StageDev && !cfg.NoCache {
		key := task.CacheKey(ddlText, dmlText)
		_ = store.Record(t.ID, key)
	}

	t.SetStatus(task.StatusSuccess)
	return nil
}

func runUpstreamAssertions(ctx context.Context, t *task.Task, pool DB, dmlText string) bool {
	probes := directive.ParseUpstream(dmlText)
	if len(probes) == 0 {
		return true
	}
	results, _ := assertion.RunAllConcurrent(ctx, pool, probes)
	return recordFailures(t, results)
}

func runDownstreamAssertions(ctx context.Context, t *task.Task, pool DB, dmlText, schema, table string, managedIDs map[string]struct{}, cfg Config) bool {
	devSchema := ""
	if cfg.Stage == StageDev {
		devSchema = cfg.DevSchema
	}
	probes := directive.ParseDownstream(dmlText, schema, table, managedIDs, devSchema)
	if len(probes) == 0 {
		return true
	}
	results, _ := assertion.RunAllConcurrent(ctx, pool, probes)
	return recordFailures(t, results)
}

func recordFailures(t *task.Task, results []assertion.Result) bool {
	ok := true
	for _, r := range results {
		if !r.Passed {
			t.AppendFailedTest(r.Probe.Name)
			ok = false
		}
	}
	return ok
}

func substituteInterval(text string, start, end time.Time) string {
	startLit := fmt.Sprintf("'%s'::timestamp", start.Format(timestampLayout))
	endLit := fmt.Sprintf("'%s'::timestamp", end.Format(timestampLayout))
	text = strings.ReplaceAll(text, "$1", startLit)
	text = strings.ReplaceAll(text, "$2", endLit)
	return text
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

func floatPtr(f float64) *float64 {
	return &f
}
