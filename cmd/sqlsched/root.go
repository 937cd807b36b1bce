package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/henryivesjones/sql-scheduler-go/internal/cache"
	schedcfg "github.com/henryivesjones/sql-scheduler-go/internal/config"
	"github.com/henryivesjones/sql-scheduler-go/internal/dbx"
	"github.com/henryivesjones/sql-scheduler-go/internal/executor"
	"github.com/henryivesjones/sql-scheduler-go/internal/logging"
	"github.com/henryivesjones/sql-scheduler-go/internal/metrics"
	"github.com/henryivesjones/sql-scheduler-go/internal/orchestrator"
	"github.com/henryivesjones/sql-scheduler-go/internal/task"
	"github.com/henryivesjones/sql-scheduler-go/internal/version"
)

var flags struct {
	prod         bool
	dev          bool
	devSchema    string
	targets      []string
	exclusions   []string
	dependencies bool
	noCache      bool
	refill       bool
	start        string
	end          string
	check        bool
	clearCache   bool
	ddlDir       string
	insertDir    string
	dsn          string
	cacheDur     int64
	concurrency  int
	simple       bool
	showVersion  bool
	verbose      bool
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sqlsched",
		Short: "A task runner for SQL transformation scripts against a Postgres-compatible warehouse",
		Long: "sqlsched infers dependencies between SQL scripts, schedules them into a DAG, " +
			"executes them concurrently against a live database, and runs declarative data-quality assertions.",
		SilenceUsage: true,
		RunE:         runEntrypoint,
	}

	f := cmd.Flags()
	f.BoolVar(&flags.prod, "prod", false, "Run in prod stage (write to declared schemas)")
	f.BoolVar(&flags.dev, "dev", false, "Run in dev stage (rewrite schema references to --dev-schema)")
	f.StringVar(&flags.devSchema, "dev-schema", "", "The dev schema to rewrite schema references to")
	f.StringSliceVarP(&flags.targets, "target", "t", nil, "Specific tasks to run instead of a complete run (repeatable)")
	f.StringSliceVarP(&flags.exclusions, "exclusion", "e", nil, "Exclude specific tasks from the run (repeatable)")
	f.BoolVar(&flags.dependencies, "dependencies", false, "Also run the transitive upstream dependencies of --target")
	f.BoolVar(&flags.noCache, "no-cache", false, "Disable the dev-stage result cache")
	f.BoolVar(&flags.refill, "refill", false, "Force drop and recreate of all incremental tables")
	f.StringVar(&flags.start, "start", "", "Start datetime for incremental table updates (RFC3339 or \"2006-01-02 15:04:05\")")
	f.StringVar(&flags.end, "end", "", "End datetime for incremental table updates")
	f.BoolVar(&flags.check, "check", false, "Check for circular dependencies and print the run plan without executing")
	f.BoolVar(&flags.clearCache, "clear-cache", false, "Clear the dev-stage result cache and exit")
	f.StringVar(&flags.ddlDir, "ddl-dir", "", "The DDL directory")
	f.StringVar(&flags.insertDir, "insert-dir", "", "The insert (DML) directory")
	f.StringVar(&flags.dsn, "dsn", "", "Database data source name")
	f.Int64Var(&flags.cacheDur, "cache-duration", 0, "Cache persistence in seconds (0 = use default)")
	f.IntVar(&flags.concurrency, "concurrency", 0, "Max number of concurrently running tasks (0 = use default)")
	f.BoolVar(&flags.simple, "simple-output", false, "Don't print the per-tick status line")
	f.BoolVar(&flags.showVersion, "version", false, "Print the version and exit")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "Log every SQL statement executed")

	return cmd
}

func runEntrypoint(cmd *cobra.Command, args []string) error {
	if flags.showVersion {
		logging.Printf("sql-scheduler v%s\n", version.Version)
		return nil
	}

	cacheDir, err := schedcfg.CacheDirectory()
	if err != nil {
		return err
	}

	if flags.clearCache {
		entries, err := os.ReadDir(cacheDir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading cache directory: %w", err)
		}
		for _, e := range entries {
			if err := os.Remove(cacheDir + "/" + e.Name()); err != nil {
				return fmt.Errorf("clearing cache file %s: %w", e.Name(), err)
			}
		}
		logging.Println("cache cleared")
		return nil
	}

	overrides := map[string]any{}
	if flags.ddlDir != "" {
		overrides["ddl-directory"] = flags.ddlDir
	}
	if flags.insertDir != "" {
		overrides["insert-directory"] = flags.insertDir
	}
	if flags.dsn != "" {
		overrides["dsn"] = flags.dsn
	}
	if flags.prod {
		overrides["stage"] = "prod"
	}
	if flags.dev {
		overrides["stage"] = "dev"
	}
	if flags.devSchema != "" {
		overrides["dev-schema"] = flags.devSchema
	}
	if len(flags.targets) > 0 {
		overrides["target"] = flags.targets
	}
	if len(flags.exclusions) > 0 {
		overrides["exclusion"] = flags.exclusions
	}
	if flags.dependencies {
		overrides["dependencies"] = true
	}
	if flags.noCache {
		overrides["no-cache"] = true
	}
	if flags.refill {
		overrides["refill"] = true
	}
	if flags.cacheDur > 0 {
		overrides["cache-duration"] = flags.cacheDur
	}
	if flags.concurrency > 0 {
		overrides["concurrency"] = flags.concurrency
	}
	if flags.simple {
		overrides["simple-output"] = true
	}
	if flags.verbose {
		overrides["verbose"] = true
	}
	if flags.start != "" {
		overrides["start"] = flags.start
	}
	if flags.end != "" {
		overrides["end"] = flags.end
	}

	cfg, err := schedcfg.Load("", overrides)
	if err != nil {
		return err
	}

	logging.SetVerbose(cfg.Verbose)
	logging.SetSimple(cfg.SimpleOutput)

	tasks, order, err := orchestrator.BuildTasks(cfg.DDLDirectory, cfg.InsertDirectory, cfg.Exclusions)
	if err != nil {
		return err
	}
	if err := orchestrator.DetectCycles(tasks); err != nil {
		return err
	}

	tasks, err = orchestrator.Subset(tasks, cfg.Targets, cfg.Dependencies)
	if err != nil {
		return err
	}
	order = filterOrder(order, tasks)

	if flags.check {
		printPlan(order, tasks)
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := dbx.Open(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	store, err := cache.NewStore(cacheDir)
	if err != nil {
		return err
	}

	start, end := cfg.DefaultIncrementalInterval(time.Now())
	if cfg.Start != nil {
		start = *cfg.Start
	}
	if cfg.End != nil {
		end = *cfg.End
	}

	recorder, err := metrics.New()
	if err != nil {
		return err
	}
	defer recorder.Close(context.Background())

	execCfg := executor.Config{
		Stage:         executor.Stage(cfg.Stage),
		DevSchema:     cfg.DevSchema,
		NoCache:       cfg.NoCache,
		Refill:        cfg.Refill,
		IntervalStart: start,
		IntervalEnd:   end,
		CacheDuration: cfg.CacheDuration,
	}

	orch := orchestrator.New(tasks, order, pool, store, orchestrator.Options{
		Concurrency: cfg.Concurrency,
		Exec:        execCfg,
		Metrics:     recorder,
	})

	report, err := orch.Run(ctx)
	if err != nil && report == nil {
		return err
	}

	printReport(report)
	if report.ExitCode != 0 {
		// os.Exit skips deferred calls, so flush the metrics here.
		_ = recorder.Close(context.Background())
		os.Exit(report.ExitCode)
	}
	return nil
}

func filterOrder(order []string, tasks map[string]*task.Task) []string {
	out := make([]string, 0, len(order))
	for _, id := range order {
		if _, ok := tasks[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func printPlan(order []string, tasks map[string]*task.Task) {
	logging.Printf("%d tasks would run, no cycles detected:\n", len(order))
	for _, id := range order {
		t := tasks[id]
		deps := make([]string, 0, len(t.Dependencies))
		for d := range t.Dependencies {
			deps = append(deps, d)
		}
		logging.Printf("  %s depends on: %s\n", id, strings.Join(deps, ", "))
	}
}

func printReport(r *orchestrator.Report) {
	logging.Println("\nfinished:")
	for _, t := range r.Ran {
		duration := 0.0
		if t.ScriptDuration != nil {
			duration = *t.ScriptDuration
		}
		test := 0.0
		if t.TestDuration != nil {
			test = *t.TestDuration
		}
		logging.Printf("  %-40s script=%.2fs test=%.2fs\n", t.DisplayID, duration, test)
	}

	if len(r.Failed) > 0 {
		logging.Printf("\n%d tasks failed:\n", len(r.Failed))
		for _, id := range r.Failed {
			logging.Printf("  %s\n", id)
		}
	}
	if len(r.TestFailed) > 0 {
		logging.Printf("\n%d tasks had failing assertions:\n", len(r.TestFailed))
		for id, tests := range r.TestFailed {
			logging.Printf("  %s: %s\n", id, strings.Join(tests, ", "))
		}
	}
	if len(r.UpstreamFailed) > 0 {
		logging.Printf("\n%d tasks were skipped due to upstream failure:\n", len(r.UpstreamFailed))
		for _, id := range r.UpstreamFailed {
			logging.Printf("  %s\n", id)
		}
	}
	logging.Printf("\nexit code: %d\n", r.ExitCode)
}
