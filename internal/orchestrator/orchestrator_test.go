package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/henryivesjones/sql-scheduler-go/internal/cache"
	"github.com/henryivesjones/sql-scheduler-go/internal/dbx"
	"github.com/henryivesjones/sql-scheduler-go/internal/executor"
	"github.com/henryivesjones/sql-scheduler-go/internal/task"
)

func writeTask(t *testing.T, insertDir, id, dml string) {
	t.Helper()
	path := filepath.Join(insertDir, id+".sql")
	if err := os.WriteFile(path, []byte(dml), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func writeDDL(t *testing.T, ddlDir, id, ddl string) {
	t.Helper()
	path := filepath.Join(ddlDir, id+".sql")
	if err := os.WriteFile(path, []byte(ddl), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestBuildTasksPrunesSecondClassDependencies(t *testing.T) {
	ddlDir, insertDir := t.TempDir(), t.TempDir()
	writeTask(t, insertDir, "public.a", "INSERT INTO public.a SELECT * FROM raw.unmanaged")
	writeTask(t, insertDir, "public.b", "INSERT INTO public.b SELECT * FROM public.a")

	tasks, order, err := BuildTasks(ddlDir, insertDir, nil)
	if err != nil {
		t.Fatalf("BuildTasks: %v", err)
	}
	if len(order) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(order))
	}
	if _, ok := tasks["public.a"].Dependencies["raw.unmanaged"]; ok {
		t.Errorf("expected raw.unmanaged to be pruned as a second-class dependency")
	}
	if _, ok := tasks["public.b"].Dependencies["public.a"]; !ok {
		t.Errorf("expected public.b to depend on public.a")
	}
}

func TestBuildTasksAppliesExclusions(t *testing.T) {
	ddlDir, insertDir := t.TempDir(), t.TempDir()
	writeTask(t, insertDir, "public.a", "INSERT INTO public.a SELECT 1")
	writeTask(t, insertDir, "public.b", "INSERT INTO public.b SELECT * FROM public.a")

	tasks, _, err := BuildTasks(ddlDir, insertDir, []string{"Public.A"})
	if err != nil {
		t.Fatalf("BuildTasks: %v", err)
	}
	if _, ok := tasks["public.a"]; ok {
		t.Fatalf("expected public.a to be excluded")
	}
	if _, ok := tasks["public.b"].Dependencies["public.a"]; ok {
		t.Errorf("expected public.b's reference to the excluded task to be pruned")
	}
}

func TestDetectCyclesFindsDisjointCycles(t *testing.T) {
	ddlDir, insertDir := t.TempDir(), t.TempDir()
	writeTask(t, insertDir, "public.a", "INSERT INTO public.a SELECT * FROM public.b")
	writeTask(t, insertDir, "public.b", "INSERT INTO public.b SELECT * FROM public.a")
	writeTask(t, insertDir, "public.c", "INSERT INTO public.c SELECT * FROM public.d")
	writeTask(t, insertDir, "public.d", "INSERT INTO public.d SELECT * FROM public.c")

	tasks, _, err := BuildTasks(ddlDir, insertDir, nil)
	if err != nil {
		t.Fatalf("BuildTasks: %v", err)
	}

	err = DetectCycles(tasks)
	if err == nil {
		t.Fatalf("expected a CycleError")
	}
	cycleErr, ok := err.(*CycleError)
	if !ok {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if len(cycleErr.Cycles) != 2 {
		t.Fatalf("expected 2 disjoint cycles, got %d: %v", len(cycleErr.Cycles), cycleErr.Cycles)
	}
}

func TestDetectCyclesNoneFound(t *testing.T) {
	ddlDir, insertDir := t.TempDir(), t.TempDir()
	writeTask(t, insertDir, "public.a", "INSERT INTO public.a SELECT 1")
	writeTask(t, insertDir, "public.b", "INSERT INTO public.b SELECT * FROM public.a")

	tasks, _, err := BuildTasks(ddlDir, insertDir, nil)
	if err != nil {
		t.Fatalf("BuildTasks: %v", err)
	}
	if err := DetectCycles(tasks); err != nil {
		t.Fatalf("expected no cycles, got %v", err)
	}
}

func TestSubsetWithoutDependencies(t *testing.T) {
	ddlDir, insertDir := t.TempDir(), t.TempDir()
	writeTask(t, insertDir, "public.a", "INSERT INTO public.a SELECT 1")
	writeTask(t, insertDir, "public.b", "INSERT INTO public.b SELECT * FROM public.a")

	tasks, _, err := BuildTasks(ddlDir, insertDir, nil)
	if err != nil {
		t.Fatalf("BuildTasks: %v", err)
	}

	subset, err := Subset(tasks, []string{"public.b"}, false)
	if err != nil {
		t.Fatalf("Subset: %v", err)
	}
	if len(subset) != 1 {
		t.Fatalf("expected exactly the target, got %d tasks", len(subset))
	}
}

func TestSubsetWithDependencies(t *testing.T) {
	ddlDir, insertDir := t.TempDir(), t.TempDir()
	writeTask(t, insertDir, "public.a", "INSERT INTO public.a SELECT 1")
	writeTask(t, insertDir, "public.b", "INSERT INTO public.b SELECT * FROM public.a")
	writeTask(t, insertDir, "public.c", "INSERT INTO public.c SELECT 1")

	tasks, _, err := BuildTasks(ddlDir, insertDir, nil)
	if err != nil {
		t.Fatalf("BuildTasks: %v", err)
	}

	subset, err := Subset(tasks, []string{"public.b"}, true)
	if err != nil {
		t.Fatalf("Subset: %v", err)
	}
	if len(subset) != 2 {
		t.Fatalf("expected target plus its dependency, got %d tasks: %v", len(subset), subset)
	}
	if _, ok := subset["public.c"]; ok {
		t.Errorf("expected public.c, an unrelated task, to be excluded")
	}
}

func TestSubsetMissingTarget(t *testing.T) {
	ddlDir, insertDir := t.TempDir(), t.TempDir()
	writeTask(t, insertDir, "public.a", "INSERT INTO public.a SELECT 1")

	tasks, _, err := BuildTasks(ddlDir, insertDir, nil)
	if err != nil {
		t.Fatalf("BuildTasks: %v", err)
	}

	if _, err := Subset(tasks, []string{"public.missing"}, false); err == nil {
		t.Fatalf("expected MissingTargetError")
	}
}

type fakeTx struct{}

func (fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

type fakeDB struct{}

func (fakeDB) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx dbx.Execer) error) error {
	return fn(ctx, fakeTx{})
}

func (fakeDB) TableExists(ctx context.Context, schema, table string) (bool, error) { return true, nil }
func (fakeDB) ProbeRowExists(ctx context.Context, query string) (bool, error)      { return false, nil }
func (fakeDB) ProbeCount(ctx context.Context, query string) (int64, error)        { return 0, nil }

var _ executor.DB = fakeDB{}

func TestRunPropagatesUpstreamFailure(t *testing.T) {
	ddlDir, insertDir := t.TempDir(), t.TempDir()
	writeTask(t, insertDir, "public.a", "INSERT INTO public.a SELECT 1")
	writeTask(t, insertDir, "public.b", "INSERT INTO public.b SELECT * FROM public.a")
	writeDDL(t, ddlDir, "public.a", "CREATE TABLE public.a (id int)")
	writeDDL(t, ddlDir, "public.b", "CREATE TABLE public.b (id int)")

	tasks, order, err := BuildTasks(ddlDir, insertDir, nil)
	if err != nil {
		t.Fatalf("BuildTasks: %v", err)
	}
	tasks["public.a"].SetStatus(task.StatusFailed)

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("cache.NewStore: %v", err)
	}

	orch := New(tasks, order, fakeDB{}, store, Options{
		Concurrency: 2,
		Tick:        5 * time.Millisecond,
		Exec:        executor.Config{Stage: executor.StageProd},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	report, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.UpstreamFailed) != 1 || report.UpstreamFailed[0] != "public.b" {
		t.Fatalf("expected public.b to be upstream failed, got %+v", report)
	}
	// public.a (FAILED) and public.b (UPSTREAM_FAILED) both count.
	if report.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", report.ExitCode)
	}
}

func TestRunAllSucceed(t *testing.T) {
	ddlDir, insertDir := t.TempDir(), t.TempDir()
	writeTask(t, insertDir, "public.a", "INSERT INTO public.a SELECT 1")
	writeTask(t, insertDir, "public.b", "INSERT INTO public.b SELECT * FROM public.a")
	writeDDL(t, ddlDir, "public.a", "CREATE TABLE public.a (id int)")
	writeDDL(t, ddlDir, "public.b", "CREATE TABLE public.b (id int)")

	tasks, order, err := BuildTasks(ddlDir, insertDir, nil)
	if err != nil {
		t.Fatalf("BuildTasks: %v", err)
	}

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("cache.NewStore: %v", err)
	}

	orch := New(tasks, order, fakeDB{}, store, Options{
		Concurrency: 2,
		Tick:        5 * time.Millisecond,
		Exec:        executor.Config{Stage: executor.StageProd},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	report, err := orch.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d: %+v", report.ExitCode, report)
	}
	if len(report.Ran) != 2 {
		t.Fatalf("expected both tasks to have run, got %d", len(report.Ran))
	}
}
