package checkpoint

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/state"
	"github.com/aristath/autopilot/internal/tool"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker(DefaultCategorySets(), tool.DefaultRegistry(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	return tr
}

func conflictTask() *state.Task {
	return &state.Task{
		ID:          "task-1",
		Category:    state.CategoryIntegrationConflict,
		Status:      state.TaskInProgress,
		TargetFiles: []string{"pkg/a.go", "pkg/b.go"},
		MaxAttempts: 3,
	}
}

func readCall(path string) tool.Call {
	return tool.Call{Name: "read_file", Arguments: map[string]any{"file_path": path}}
}

func TestResolvingRejectedBeforeAnalysis(t *testing.T) {
	tr := newTestTracker(t)
	task := conflictTask()

	merge := tool.Call{Name: "merge_file_implementations", Arguments: map[string]any{
		"source_paths": []any{"pkg/a.go", "pkg/b.go"},
		"target_path":  "pkg/a.go",
	}}

	err := tr.ValidateProposedCalls(task, []tool.Call{merge})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Missing) != 3 {
		t.Fatalf("expected 3 missing checkpoints, got %d", len(verr.Missing))
	}
	if verr.NextStep.Name != "read_target_files" {
		t.Errorf("next step = %q, want read_target_files", verr.NextStep.Name)
	}
	if !strings.Contains(verr.Error(), "read_architecture") {
		t.Errorf("error message should name all missing checkpoints: %s", verr.Error())
	}
}

func TestCheckpointsCompleteInOrder(t *testing.T) {
	tr := newTestTracker(t)
	task := conflictTask()

	merge := tool.Call{Name: "merge_file_implementations", Arguments: map[string]any{
		"source_paths": []any{"pkg/a.go", "pkg/b.go"},
		"target_path":  "pkg/a.go",
	}}

	// Reading only one of two targets leaves the first checkpoint open.
	tr.RecordToolCall(task, readCall("pkg/a.go"), "ok")
	err := tr.ValidateProposedCalls(task, []tool.Call{merge})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.NextStep.Name != "read_target_files" {
		t.Fatalf("after partial read, next step should stay read_target_files, got %v", err)
	}

	tr.RecordToolCall(task, readCall("pkg/b.go"), "ok")
	err = tr.ValidateProposedCalls(task, []tool.Call{merge})
	if !errors.As(err, &verr) || verr.NextStep.Name != "read_architecture" {
		t.Fatalf("after reading targets, next step should be read_architecture, got %v", err)
	}

	tr.RecordToolCall(task, readCall("docs/ARCHITECTURE.md"), "ok")
	err = tr.ValidateProposedCalls(task, []tool.Call{merge})
	if !errors.As(err, &verr) || verr.NextStep.Name != "compare_implementations" {
		t.Fatalf("next step should be compare_implementations, got %v", err)
	}

	tr.RecordToolCall(task, tool.Call{
		Name:      "compare_file_implementations",
		Arguments: map[string]any{"file_paths": []any{"pkg/a.go", "pkg/b.go"}},
	}, "diff summary")

	if err := tr.ValidateProposedCalls(task, []tool.Call{merge}); err != nil {
		t.Fatalf("all checkpoints complete, merge should pass: %v", err)
	}
}

func TestReadCallsAlwaysPass(t *testing.T) {
	tr := newTestTracker(t)
	task := conflictTask()

	calls := []tool.Call{readCall("pkg/a.go"), {Name: "search_code", Arguments: map[string]any{"query": "func main"}}}
	if err := tr.ValidateProposedCalls(task, calls); err != nil {
		t.Fatalf("non-resolving calls must not be gated: %v", err)
	}
}

func TestNewAttemptResetsCheckpoints(t *testing.T) {
	tr := newTestTracker(t)
	task := conflictTask()

	tr.RecordToolCall(task, readCall("pkg/a.go"), "ok")
	tr.RecordToolCall(task, readCall("pkg/b.go"), "ok")

	statuses := tr.Checkpoints(task)
	if !statuses[0].Completed {
		t.Fatal("read_target_files should be complete")
	}

	task.Attempts++
	statuses = tr.Checkpoints(task)
	for _, s := range statuses {
		if s.Completed {
			t.Errorf("checkpoint %s should reset on a new attempt", s.Spec.Name)
		}
	}
	if len(tr.History(task)) != 0 {
		t.Error("history should reset on a new attempt")
	}
}

func TestOrderSpecsRejectsCycle(t *testing.T) {
	specs := []Spec{
		{Name: "a", After: []string{"b"}},
		{Name: "b", After: []string{"a"}},
	}
	if _, err := orderSpecs(specs); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestTaskWithoutTargetsCompletesOnAnyRead(t *testing.T) {
	tr := newTestTracker(t)
	task := &state.Task{
		ID:          "task-2",
		Category:    state.CategoryBugFix,
		Status:      state.TaskInProgress,
		MaxAttempts: 3,
	}

	tr.RecordToolCall(task, readCall("main.go"), "ok")
	fix := tool.Call{Name: "str_replace", Arguments: map[string]any{
		"file_path": "main.go", "old_str": "x", "new_str": "y",
	}}
	if err := tr.ValidateProposedCalls(task, []tool.Call{fix}); err != nil {
		t.Fatalf("bug_fix with read history should pass: %v", err)
	}
}
