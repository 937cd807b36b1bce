// Package task models a single scheduler task: the pairing of a DDL and a
// DML script that together define and populate one managed table.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/henryivesjones/sql-scheduler-go/internal/sqlanalyzer"
)

// Status is a task's position in the scheduler's state machine.
type Status string

const (
	StatusWaiting        Status = "WAITING"
	StatusQueued         Status = "QUEUED"
	StatusRunning        Status = "RUNNING"
	StatusSuccess        Status = "SUCCESS"
	StatusFailed         Status = "FAILED"
	StatusTestFailed     Status = "TEST_FAILED"
	StatusUpstreamFailed Status = "UPSTREAM_FAILED"
)

// IsTerminal reports whether s is one of the four states execute() never
// advances out of once reached.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTestFailed, StatusUpstreamFailed:
		return true
	}
	return false
}

const fileSuffix = ".sql"

// Task is one managed table: its DDL/DML scripts, dependency set, and
// mutable run-time state. status and failedTests are guarded by mu so the
// scheduling loop and the task's own executor goroutine can read/write them
// concurrently. The timing fields are not guarded: they are written by the
// task's executor and read only after it has finished.
type Task struct {
	// ID is the lowercase "schema.table" identity used for comparisons and
	// map keys. DisplayID preserves the original filename casing for
	// output.
	ID        string
	DisplayID string

	DDLPath string
	DMLPath string

	// Dependencies is the set of lowercase "schema.table" ids this task
	// reads from, pruned to managed (first-class) tasks only.
	Dependencies map[string]struct{}

	Incremental bool

	mu          sync.Mutex
	status      Status
	failedTests []string

	StartTimestamp             *float64
	ScriptDuration             *float64
	TestStartTimestamp         *float64
	TestDuration               *float64
	UpstreamTestStartTimestamp *float64
	UpstreamTestDuration       *float64
}

// New constructs a Task from the DML file at <insertDir>/<displayID>.sql,
// reading it once to pre-compute the raw (unpruned) dependency set and the
// incremental marker. ddlDir/insertDir are recorded for later execution;
// the DDL file itself is not read here — a missing DDL file is a
// task-level failure surfaced at execution time, not at construction.
func New(ddlDir, insertDir, displayID string) (*Task, error) {
	dmlPath := filepath.Join(insertDir, displayID+fileSuffix)
	raw, err := os.ReadFile(dmlPath) // #nosec G304 -- path built from a trusted script directory
	if err != nil {
		return nil, fmt.Errorf("reading DML for task %s: %w", displayID, err)
	}
	text := string(raw)

	return &Task{
		ID:           strings.ToLower(displayID),
		DisplayID:    displayID,
		DDLPath:      filepath.Join(ddlDir, displayID+fileSuffix),
		DMLPath:      dmlPath,
		Dependencies: sqlanalyzer.ExtractDependencies(text),
		Incremental:  sqlanalyzer.IsIncremental(text),
		status:       StatusWaiting,
	}, nil
}

// DiscoverIDs lists the display ids present in insertDir: the name, minus
// the suffix, of every regular file ending in .sql. The name is not checked
// for the <schema>.<table> form. The DDL file is not required to exist at
// this point.
func DiscoverIDs(insertDir string) ([]string, error) {
	entries, err := os.ReadDir(insertDir)
	if err != nil {
		return nil, fmt.Errorf("reading insert directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileSuffix))
	}
	return ids, nil
}

// PruneSecondClassDependencies discards dependency ids that are not
// themselves managed tasks, per the invariant that every surviving
// dependency id must correspond to another Task in the set.
func (t *Task) PruneSecondClassDependencies(managedIDs map[string]struct{}) {
	pruned := make(map[string]struct{}, len(t.Dependencies))
	for id := range t.Dependencies {
		if _, ok := managedIDs[id]; ok {
			pruned[id] = struct{}{}
		}
	}
	t.Dependencies = pruned
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus transitions the task to s.
func (t *Task) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
}

// AppendFailedTest records the name of an assertion that did not pass.
func (t *Task) AppendFailedTest(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedTests = append(t.failedTests, name)
}

// FailedTests returns a copy of the ordered list of failed assertion names.
func (t *Task) FailedTests() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.failedTests))
	copy(out, t.failedTests)
	return out
}

// ReadDDL reads the task's DDL script from disk.
func (t *Task) ReadDDL() (string, error) {
	raw, err := os.ReadFile(t.DDLPath) // #nosec G304 -- path built from a trusted script directory
	if err != nil {
		return "", fmt.Errorf("reading DDL for task %s: %w", t.DisplayID, err)
	}
	return string(raw), nil
}

// ReadDML reads the task's DML script from disk.
func (t *Task) ReadDML() (string, error) {
	raw, err := os.ReadFile(t.DMLPath) // #nosec G304 -- path built from a trusted script directory
	if err != nil {
		return "", fmt.Errorf("reading DML for task %s: %w", t.DisplayID, err)
	}
	return string(raw), nil
}

// SchemaTable splits the task's id into its schema and table parts.
func (t *Task) SchemaTable() (schema, table string) {
	parts := strings.SplitN(t.ID, ".", 2)
	if len(parts) != 2 {
		return t.ID, ""
	}
	return parts[0], parts[1]
}

// CacheKey derives the content-addressed cache key from the post-rewrite
// DDL and DML text, per the dev-stage cache record format:
// sha256(ddl) + "_" + sha256(dml).
func CacheKey(rewrittenDDL, rewrittenDML string) string {
	ddlSum := sha256.Sum256([]byte(rewrittenDDL))
	dmlSum := sha256.Sum256([]byte(rewrittenDML))
	return hex.EncodeToString(ddlSum[:]) + "_" + hex.EncodeToString(dmlSum[:])
}
