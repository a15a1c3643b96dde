package phase

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/loopdetect"
	"github.com/aristath/autopilot/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	st := state.NewStore(filepath.Join(t.TempDir(), "state.json"), zap.NewNop())
	if err := st.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return st
}

func newTestNavigator() *Navigator {
	return NewNavigator(DefaultGraph(), zap.NewNop())
}

func addTask(t *testing.T, st *state.Store, task *state.Task) {
	t.Helper()
	if task.MaxAttempts == 0 {
		task.MaxAttempts = 3
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if err := st.UpsertTask(task); err != nil {
		t.Fatalf("UpsertTask(%s): %v", task.ID, err)
	}
}

// advance moves a task along new -> pending -> ... one edge per call.
func setStatus(t *testing.T, st *state.Store, id string, path ...state.TaskStatus) {
	t.Helper()
	for _, status := range path {
		task, err := st.GetTask(id)
		if err != nil {
			t.Fatalf("GetTask(%s): %v", id, err)
		}
		task.Status = status
		if err := st.UpsertTask(task); err != nil {
			t.Fatalf("UpsertTask(%s -> %s): %v", id, status, err)
		}
	}
}

func TestInterventionOverridesEverything(t *testing.T) {
	nav := newTestNavigator()
	st := newTestStore(t)
	addTask(t, st, &state.Task{ID: "t1", Status: state.TaskNew, Category: state.CategoryBugFix})

	verdict := loopdetect.Verdict{
		Level:                   5,
		Strategy:                loopdetect.StrategyUserIntervention,
		RequestUserIntervention: true,
		Guidance:                "ask the operator",
	}
	act := nav.NextAction(st, verdict)
	if !act.RequestUserIntervention {
		t.Fatal("detector escalation must override task selection")
	}
	if act.Guidance != "ask the operator" {
		t.Errorf("guidance not carried through: %q", act.Guidance)
	}
}

func TestReachableHintTaken(t *testing.T) {
	nav := newTestNavigator()
	st := newTestStore(t)
	st.SetCurrentPhase(Coding)
	st.SetPhaseHint(QA)

	act := nav.NextAction(st, loopdetect.Verdict{})
	if act.Phase != QA {
		t.Errorf("reachable hint should win, got %s", act.Phase)
	}
}

func TestUnknownHintIgnored(t *testing.T) {
	nav := newTestNavigator()
	st := newTestStore(t)
	st.SetCurrentPhase(Coding)
	st.SetPhaseHint("deployment")

	act := nav.NextAction(st, loopdetect.Verdict{})
	if act.Phase == "deployment" {
		t.Error("undeclared phase hint must be ignored")
	}
}

func TestFailedTaskSelectsDebugging(t *testing.T) {
	nav := newTestNavigator()
	st := newTestStore(t)
	addTask(t, st, &state.Task{ID: "t1", Status: state.TaskNew, Category: state.CategoryBugFix})
	setStatus(t, st, "t1", state.TaskPending, state.TaskInProgress, state.TaskFailed)

	act := nav.NextAction(st, loopdetect.Verdict{})
	if act.Phase != Debugging || act.TaskID != "t1" {
		t.Errorf("retryable failed task should route to debugging, got %+v", act)
	}
}

func TestExhaustedFailureNotRetried(t *testing.T) {
	nav := newTestNavigator()
	st := newTestStore(t)
	addTask(t, st, &state.Task{ID: "t1", Status: state.TaskNew, Category: state.CategoryBugFix, Attempts: 3, MaxAttempts: 3})
	setStatus(t, st, "t1", state.TaskPending, state.TaskInProgress, state.TaskFailed)

	act := nav.NextAction(st, loopdetect.Verdict{})
	if act.Phase == Debugging {
		t.Errorf("task with exhausted attempts must not be retried, got %+v", act)
	}
}

func TestImplementedTaskRoutesToQA(t *testing.T) {
	nav := newTestNavigator()
	st := newTestStore(t)
	addTask(t, st, &state.Task{ID: "t1", Status: state.TaskNew, Category: state.CategoryBugFix})
	setStatus(t, st, "t1", state.TaskPending, state.TaskInProgress)
	task, _ := st.GetTask("t1")
	task.Result = "patch applied"
	if err := st.UpsertTask(task); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	act := nav.NextAction(st, loopdetect.Verdict{})
	if act.Phase != QA || act.TaskID != "t1" {
		t.Errorf("implemented task should route to qa, got %+v", act)
	}
}

func TestInFlightTaskWithoutResultStaysInCoding(t *testing.T) {
	nav := newTestNavigator()
	st := newTestStore(t)
	addTask(t, st, &state.Task{ID: "t1", Status: state.TaskNew, Category: state.CategoryBugFix})
	setStatus(t, st, "t1", state.TaskPending, state.TaskInProgress)

	act := nav.NextAction(st, loopdetect.Verdict{Guidance: "complete the analysis first"})
	if act.Phase != Coding || act.TaskID != "t1" {
		t.Errorf("in-progress task without result should stay in coding, got %+v", act)
	}
	if act.Guidance != "complete the analysis first" {
		t.Errorf("guidance not carried through: %q", act.Guidance)
	}
}

func TestPendingTaskRoutesToCoding(t *testing.T) {
	nav := newTestNavigator()
	st := newTestStore(t)
	addTask(t, st, &state.Task{ID: "t1", Status: state.TaskNew, Category: state.CategoryMissingImplementation})
	setStatus(t, st, "t1", state.TaskPending)

	act := nav.NextAction(st, loopdetect.Verdict{})
	if act.Phase != Coding || act.TaskID != "t1" {
		t.Errorf("pending task should route to coding, got %+v", act)
	}
}

func TestPendingTasksFIFOWithinPriority(t *testing.T) {
	nav := newTestNavigator()
	st := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	addTask(t, st, &state.Task{ID: "newer", Status: state.TaskNew, Category: state.CategoryBugFix,
		Priority: state.PriorityNormal, CreatedAt: base.Add(time.Minute)})
	addTask(t, st, &state.Task{ID: "older", Status: state.TaskNew, Category: state.CategoryBugFix,
		Priority: state.PriorityNormal, CreatedAt: base})
	addTask(t, st, &state.Task{ID: "urgent", Status: state.TaskNew, Category: state.CategoryBugFix,
		Priority: state.PriorityCritical, CreatedAt: base.Add(2 * time.Minute)})
	setStatus(t, st, "newer", state.TaskPending)
	setStatus(t, st, "older", state.TaskPending)
	setStatus(t, st, "urgent", state.TaskPending)

	act := nav.NextAction(st, loopdetect.Verdict{})
	if act.TaskID != "urgent" {
		t.Fatalf("critical priority should win, got %s", act.TaskID)
	}

	setStatus(t, st, "urgent", state.TaskInProgress, state.TaskCompleted)
	act = nav.NextAction(st, loopdetect.Verdict{})
	if act.TaskID != "older" {
		t.Errorf("oldest task should win within a priority band, got %s", act.TaskID)
	}
}

func TestNoTasksWithObjectiveRoutesToPlanning(t *testing.T) {
	nav := newTestNavigator()
	st := newTestStore(t)
	if err := st.UpsertObjective(&state.Objective{ID: "o1", Title: "goal", Status: state.ObjectiveActive}); err != nil {
		t.Fatalf("UpsertObjective: %v", err)
	}

	act := nav.NextAction(st, loopdetect.Verdict{})
	if act.Phase != Planning || act.ObjectiveID != "o1" {
		t.Errorf("objective without tasks should route to planning, got %+v", act)
	}
}

func TestAllObjectivesCompleteRoutesToDocumentation(t *testing.T) {
	nav := newTestNavigator()
	st := newTestStore(t)
	if err := st.UpsertObjective(&state.Objective{ID: "o1", Title: "goal", Status: state.ObjectiveCompleted}); err != nil {
		t.Fatalf("UpsertObjective: %v", err)
	}

	act := nav.NextAction(st, loopdetect.Verdict{})
	if act.Phase != Documentation {
		t.Errorf("completed objectives should route to documentation, got %+v", act)
	}
}

func TestNextActionDeterministic(t *testing.T) {
	nav := newTestNavigator()
	st := newTestStore(t)
	addTask(t, st, &state.Task{ID: "t1", Status: state.TaskNew, Category: state.CategoryBugFix})
	addTask(t, st, &state.Task{ID: "t2", Status: state.TaskNew, Category: state.CategoryBugFix})
	setStatus(t, st, "t1", state.TaskPending)
	setStatus(t, st, "t2", state.TaskPending)

	first := nav.NextAction(st, loopdetect.Verdict{})
	second := nav.NextAction(st, loopdetect.Verdict{})
	if first != second {
		t.Errorf("NextAction must be deterministic: %+v vs %+v", first, second)
	}
}
