package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "state.json"), zap.NewNop())
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func addTask(t *testing.T, s *Store, task *Task) {
	t.Helper()
	if task.Status == "" {
		task.Status = TaskNew
	}
	if err := s.UpsertTask(task); err != nil {
		t.Fatalf("UpsertTask(%s): %v", task.ID, err)
	}
}

// advance walks a task through legal edges to the wanted status.
func advance(t *testing.T, s *Store, id string, statuses ...TaskStatus) {
	t.Helper()
	task, err := s.GetTask(id)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", id, err)
	}
	for _, status := range statuses {
		task.Status = status
		if err := s.UpsertTask(task); err != nil {
			t.Fatalf("transition %s -> %s: %v", id, status, err)
		}
	}
}

func TestLoadMissingFileStartsFresh(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.json"), zap.NewNop())
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.ListTasks(TaskFilter{})) != 0 {
		t.Fatal("fresh state has tasks")
	}
}

func TestLoadCorruptFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, zap.NewNop())
	err := s.Load()
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("Load = %v, want CorruptionError", err)
	}
	if !IsFatal(err) {
		t.Fatal("corruption must be fatal")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, &Task{ID: "t-1", Title: "Fix loader", Category: CategoryBugFix, MaxAttempts: 3})
	s.SetCurrentPhase("coding")
	s.SetPhaseHint("qa")
	s.RecordRun("coding", OutcomeSuccess, "t-1")
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := NewStore(s.Path(), zap.NewNop())
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	task, err := reloaded.GetTask("t-1")
	if err != nil {
		t.Fatalf("GetTask after reload: %v", err)
	}
	if task.Title != "Fix loader" || task.Status != TaskNew {
		t.Fatalf("task after reload = %+v", task)
	}
	if reloaded.CurrentPhase() != "coding" || reloaded.PhaseHint() != "qa" {
		t.Fatalf("phase fields = %q, %q", reloaded.CurrentPhase(), reloaded.PhaseHint())
	}
	if ps := reloaded.GetPhaseState("coding"); ps.RunCount != 1 || ps.SuccessCount != 1 {
		t.Fatalf("phase stats = %+v", ps)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, &Task{ID: "t-1", MaxAttempts: 1})
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Fatalf("state dir entries = %v", entries)
	}
}

func TestUpsertTaskRejectsIllegalTransition(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, &Task{ID: "t-1", MaxAttempts: 3})

	task, _ := s.GetTask("t-1")
	task.Status = TaskCompleted
	err := s.UpsertTask(task)
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("new -> completed = %v, want CorruptionError", err)
	}
}

func TestStoreReturnsDetachedCopies(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, &Task{ID: "t-1", MaxAttempts: 3})

	// Mutating a fetched task must not short-circuit upsert validation:
	// the illegal new -> completed edge is caught against the stored status.
	task, _ := s.GetTask("t-1")
	task.Status = TaskCompleted
	err := s.UpsertTask(task)
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("new -> completed via fetched task = %v, want CorruptionError", err)
	}
	stored, _ := s.GetTask("t-1")
	if stored.Status != TaskNew {
		t.Fatalf("rejected write leaked: stored status = %s", stored.Status)
	}

	// Same for listed tasks and fetched objectives.
	s.ListTasks(TaskFilter{})[0].Title = "scribbled"
	if stored, _ = s.GetTask("t-1"); stored.Title == "scribbled" {
		t.Fatal("ListTasks returned the stored task")
	}
	if err := s.UpsertObjective(&Objective{ID: "obj-1", Status: ObjectiveNew}); err != nil {
		t.Fatal(err)
	}
	obj, _ := s.GetObjective("obj-1")
	obj.Status = ObjectiveActive
	if fetched, _ := s.GetObjective("obj-1"); fetched.Status != ObjectiveNew {
		t.Fatalf("objective mutation leaked: status = %s", fetched.Status)
	}
}

func TestUpsertTaskRejectsNonNewInsert(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertTask(&Task{ID: "t-1", Status: TaskInProgress})
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("insert in_progress = %v, want CorruptionError", err)
	}
}

func TestFailedTaskRetriesOnlyWithinBudget(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, &Task{ID: "t-1", MaxAttempts: 2})
	advance(t, s, "t-1", TaskPending, TaskInProgress)

	task, _ := s.GetTask("t-1")
	task.Attempts = 1
	task.Status = TaskFailed
	if err := s.UpsertTask(task); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// One attempt left.
	advance(t, s, "t-1", TaskPending, TaskInProgress)
	task, _ = s.GetTask("t-1")
	task.Attempts = 2
	task.Status = TaskFailed
	if err := s.UpsertTask(task); err != nil {
		t.Fatalf("second fail: %v", err)
	}

	task.Status = TaskPending
	err := s.UpsertTask(task)
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("retry past budget = %v, want CorruptionError", err)
	}
}

func TestListTasksOrdersByPriorityThenAge(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	addTask(t, s, &Task{ID: "t-low", Priority: PriorityLow, CreatedAt: base})
	addTask(t, s, &Task{ID: "t-old", Priority: PriorityNormal, CreatedAt: base.Add(1 * time.Minute)})
	addTask(t, s, &Task{ID: "t-new", Priority: PriorityNormal, CreatedAt: base.Add(2 * time.Minute)})
	addTask(t, s, &Task{ID: "t-crit", Priority: PriorityCritical, CreatedAt: base.Add(3 * time.Minute)})

	got := s.ListTasks(TaskFilter{})
	want := []string{"t-crit", "t-old", "t-new", "t-low"}
	for i, task := range got {
		if task.ID != want[i] {
			t.Fatalf("order[%d] = %s, want %s", i, task.ID, want[i])
		}
	}
}

func TestListTasksFilters(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, &Task{ID: "t-1", Category: CategoryBugFix, ObjectiveID: "obj-1"})
	addTask(t, s, &Task{ID: "t-2", Category: CategoryDeadCode, ObjectiveID: "obj-1"})
	addTask(t, s, &Task{ID: "t-3", Category: CategoryBugFix, ObjectiveID: "obj-2"})

	if got := s.ListTasks(TaskFilter{Category: CategoryBugFix}); len(got) != 2 {
		t.Fatalf("category filter matched %d tasks", len(got))
	}
	if got := s.ListTasks(TaskFilter{ObjectiveID: "obj-1", Category: CategoryDeadCode}); len(got) != 1 || got[0].ID != "t-2" {
		t.Fatalf("combined filter = %v", got)
	}
	if got := s.ListTasks(TaskFilter{Status: TaskCompleted}); len(got) != 0 {
		t.Fatalf("status filter matched %d tasks", len(got))
	}
}

func TestSingleActiveObjectiveEnforced(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertObjective(&Objective{ID: "obj-1", Status: ObjectiveActive}); err != nil {
		t.Fatalf("first active: %v", err)
	}
	err := s.UpsertObjective(&Objective{ID: "obj-2", Status: ObjectiveActive})
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("second active = %v, want CorruptionError", err)
	}
	// Re-upserting the same active objective is fine.
	if err := s.UpsertObjective(&Objective{ID: "obj-1", Status: ObjectiveActive}); err != nil {
		t.Fatalf("re-upsert active: %v", err)
	}
}

func TestObjectiveCompletesWithItsTasks(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertObjective(&Objective{
		ID:      "obj-1",
		Status:  ObjectiveActive,
		TaskIDs: []string{"t-1", "t-2"},
	}); err != nil {
		t.Fatal(err)
	}
	addTask(t, s, &Task{ID: "t-1", ObjectiveID: "obj-1", MaxAttempts: 3})
	addTask(t, s, &Task{ID: "t-2", ObjectiveID: "obj-1", MaxAttempts: 3})

	advance(t, s, "t-1", TaskPending, TaskInProgress, TaskCompleted)
	obj, _ := s.GetObjective("obj-1")
	if obj.Status != ObjectiveActive {
		t.Fatalf("objective completed early: %s", obj.Status)
	}

	advance(t, s, "t-2", TaskPending, TaskInProgress, TaskCompleted)
	obj, _ = s.GetObjective("obj-1")
	if obj.Status != ObjectiveCompleted {
		t.Fatalf("objective status = %s, want completed", obj.Status)
	}
	if obj.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if s.ActiveObjective() != nil {
		t.Fatal("completed objective still returned as active")
	}
	if !s.AllObjectivesCompleted() {
		t.Fatal("AllObjectivesCompleted = false with all objectives done")
	}
}

func TestAllObjectivesCompletedFalseWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	if s.AllObjectivesCompleted() {
		t.Fatal("empty store reports all objectives completed")
	}
}

func TestCompletingTaskOfUnknownObjectiveIsFatal(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, &Task{ID: "t-1", ObjectiveID: "ghost", MaxAttempts: 3})
	advance(t, s, "t-1", TaskPending, TaskInProgress)

	task, _ := s.GetTask("t-1")
	task.Status = TaskCompleted
	err := s.UpsertTask(task)
	var ce *CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("unknown objective = %v, want CorruptionError", err)
	}
}

func TestSnapshotCopiesStateFile(t *testing.T) {
	s := newTestStore(t)
	addTask(t, s, &Task{ID: "t-1", MaxAttempts: 1})
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	original, _ := os.ReadFile(s.Path())
	copied, err := os.ReadFile(snap)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if string(original) != string(copied) {
		t.Fatal("snapshot differs from state file")
	}
}
