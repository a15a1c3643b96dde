package loopdetect

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/checkpoint"
	"github.com/aristath/autopilot/internal/state"
	"github.com/aristath/autopilot/internal/tool"
)

func newTestDetector() *Detector {
	return New(DefaultConfig(), tool.DefaultRegistry(), zap.NewNop())
}

func phaseWithHistory(outcomes ...state.Outcome) *state.PhaseState {
	ps := &state.PhaseState{Name: "coding"}
	at := time.Now().Add(-time.Hour)
	for _, o := range outcomes {
		ps.Record(o, "task-1", at)
		at = at.Add(time.Minute)
	}
	return ps
}

func TestFailureStreakTriggersUserIntervention(t *testing.T) {
	d := newTestDetector()
	ps := phaseWithHistory(
		state.OutcomeFailure, state.OutcomeFailure, state.OutcomeFailure,
		state.OutcomeFailure, state.OutcomeFailure,
	)
	if got := ps.ConsecutiveFailures(); got != 5 {
		t.Fatalf("ConsecutiveFailures = %d, want 5", got)
	}

	v := d.Check(nil, nil, ps)
	if !v.Detected() {
		t.Fatal("expected a verdict")
	}
	if !v.RequestUserIntervention {
		t.Errorf("5 consecutive failures should request user intervention, got level %d", v.Level)
	}
	if v.Strategy != StrategyUserIntervention {
		t.Errorf("strategy = %v, want StrategyUserIntervention", v.Strategy)
	}
	if len(v.BlockedTools) == 0 {
		t.Error("intervention verdict should block resolving tools")
	}
}

func TestImprovingTrendSuppressesEscalation(t *testing.T) {
	d := newTestDetector()
	ps := phaseWithHistory(
		state.OutcomeFailure, state.OutcomeFailure, state.OutcomeFailure,
		state.OutcomeSuccess, state.OutcomeSuccess,
	)
	if !ps.IsImproving() {
		t.Fatal("history should read as improving")
	}

	// A phase cycle would normally escalate; the improving trend caps it.
	for i := 0; i < 3; i++ {
		d.RecordTransition("coding", 0)
		d.RecordTransition("qa", 0)
	}

	v := d.Check(nil, nil, ps)
	if !v.Detected() {
		t.Fatal("cycle signal should still be reported")
	}
	if v.Level > 1 {
		t.Errorf("improving trend must suppress escalation, got level %d", v.Level)
	}
	if v.RequestUserIntervention {
		t.Error("suppressed verdict must not request intervention")
	}
}

func TestActionLoopDetected(t *testing.T) {
	d := newTestDetector()
	task := &state.Task{ID: "task-1", Status: state.TaskInProgress}

	call := tool.Call{Name: "str_replace", Arguments: map[string]any{
		"file_path": "a.go", "old_str": "x", "new_str": "y",
	}}
	var history []checkpoint.RecordedCall
	for i := 0; i < 3; i++ {
		history = append(history, checkpoint.RecordedCall{Call: call, Result: "no match"})
	}

	v := d.Check(task, history, nil)
	if !v.Detected() {
		t.Fatal("three identical calls should fire the action loop signal")
	}
	if v.Signals[0].Kind != SignalActionLoop {
		t.Errorf("signal kind = %s, want %s", v.Signals[0].Kind, SignalActionLoop)
	}
}

func TestDifferentArgumentsDoNotLoop(t *testing.T) {
	d := newTestDetector()
	task := &state.Task{ID: "task-1", Status: state.TaskInProgress}

	var history []checkpoint.RecordedCall
	for _, p := range []string{"a.go", "b.go", "c.go"} {
		history = append(history, checkpoint.RecordedCall{Call: tool.Call{
			Name: "read_file", Arguments: map[string]any{"file_path": p},
		}})
	}

	if v := d.Check(task, history, nil); v.Detected() {
		t.Fatalf("distinct calls must not fire, got %+v", v.Signals)
	}
}

func TestModificationLoopDetected(t *testing.T) {
	d := newTestDetector()
	task := &state.Task{ID: "task-1", Status: state.TaskInProgress}

	var history []checkpoint.RecordedCall
	edits := []string{"a", "b", "c", "d"}
	for _, s := range edits {
		history = append(history, checkpoint.RecordedCall{Call: tool.Call{
			Name:      "str_replace",
			Arguments: map[string]any{"file_path": "pkg/a.go", "old_str": s, "new_str": s + s},
		}})
	}

	v := d.Check(task, history, nil)
	found := false
	for _, s := range v.Signals {
		if s.Kind == SignalModificationLoop {
			found = true
		}
	}
	if !found {
		t.Fatalf("four edits to one file should fire the modification loop signal, got %+v", v.Signals)
	}
}

func TestConversationLoopDetected(t *testing.T) {
	d := newTestDetector()
	task := &state.Task{ID: "task-1", Status: state.TaskInProgress}

	read := []tool.Call{{Name: "read_file", Arguments: map[string]any{"file_path": "a.go"}}}
	for i := 0; i < 3; i++ {
		d.RecordTurn(task.ID, read)
	}

	v := d.Check(task, nil, nil)
	if !v.Detected() || v.Signals[0].Kind != SignalConversationLoop {
		t.Fatalf("three read-only turns should fire the conversation loop signal, got %+v", v.Signals)
	}

	// A state-changing turn breaks the streak.
	d.RecordTurn(task.ID, []tool.Call{{Name: "str_replace", Arguments: map[string]any{
		"file_path": "a.go", "old_str": "x", "new_str": "y",
	}}})
	if v := d.Check(task, nil, nil); v.Detected() {
		t.Fatalf("streak should reset after a write turn, got %+v", v.Signals)
	}
}

func TestStateCycleDetected(t *testing.T) {
	d := newTestDetector()
	for i := 0; i < 3; i++ {
		d.RecordTransition("coding", 0)
		d.RecordTransition("qa", 0)
	}

	v := d.Check(nil, nil, nil)
	found := false
	for _, s := range v.Signals {
		if s.Kind == SignalStateCycle {
			found = true
		}
	}
	if !found {
		t.Fatalf("repeated coding/qa cycle with no completions should fire, got %+v", v.Signals)
	}
}

func TestStateCycleIgnoredWhenTasksComplete(t *testing.T) {
	d := newTestDetector()
	completed := 0
	for i := 0; i < 3; i++ {
		d.RecordTransition("coding", completed)
		completed++
		d.RecordTransition("qa", completed)
	}

	v := d.Check(nil, nil, nil)
	for _, s := range v.Signals {
		if s.Kind == SignalStateCycle {
			t.Fatalf("cycle with completions is progress, not a loop: %+v", s)
		}
	}
}

func TestRepeatedInterventionsEscalate(t *testing.T) {
	cfg := DefaultConfig()
	d := New(cfg, tool.DefaultRegistry(), zap.NewNop())
	task := &state.Task{ID: "task-1", Status: state.TaskInProgress}

	call := tool.Call{Name: "str_replace", Arguments: map[string]any{
		"file_path": "a.go", "old_str": "x", "new_str": "y",
	}}
	var history []checkpoint.RecordedCall
	for i := 0; i < 3; i++ {
		history = append(history, checkpoint.RecordedCall{Call: call})
	}

	var last Verdict
	for i := 0; i < cfg.MaxInterventions; i++ {
		last = d.Check(task, history, nil)
	}
	if !last.RequestUserIntervention {
		t.Errorf("after %d interventions the verdict should escalate to the user, got level %d",
			cfg.MaxInterventions, last.Level)
	}

	d.Reset(task.ID)
	if got := d.InterventionCount(task.ID); got != 0 {
		t.Errorf("Reset should clear intervention count, got %d", got)
	}
}
