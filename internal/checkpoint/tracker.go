package checkpoint

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/state"
	"github.com/aristath/autopilot/internal/tool"
)

// RecordedCall is one observed tool call with its outcome summary.
type RecordedCall struct {
	Call      tool.Call
	Result    string
	Timestamp time.Time
}

// Status reports one checkpoint's completion state.
type Status struct {
	Spec        Spec
	Completed   bool
	CompletedAt time.Time
}

// taskState holds the analysis progress for one task attempt. A new attempt
// starts from a clean state: prior investigation may have led to the failure.
type taskState struct {
	taskID      string
	attempt     int
	history     []RecordedCall
	checkpoints []*Status
}

// ValidationError rejects a batch of proposed tool calls because required
// checkpoints are incomplete. It names every missing checkpoint and the
// single recommended next step.
type ValidationError struct {
	TaskID   string
	Missing  []Spec
	NextStep Spec
}

func (e *ValidationError) Error() string {
	names := make([]string, len(e.Missing))
	for i, s := range e.Missing {
		names[i] = s.Name
	}
	return fmt.Sprintf(
		"task %s: cannot apply changes before completing analysis checkpoints [%s]; next step: %s (%s)",
		e.TaskID, strings.Join(names, ", "), e.NextStep.Name, e.NextStep.Description,
	)
}

// Tracker records tool calls per task and gates resolving calls on the
// category's required checkpoints.
type Tracker struct {
	mu       sync.Mutex
	sets     CategorySets
	registry *tool.Registry
	logger   *zap.Logger
	tasks    map[string]*taskState
}

// NewTracker compiles the category configuration. Every category's checkpoint
// ordering is validated up front so a bad config fails at startup, not
// mid-run.
func NewTracker(sets CategorySets, registry *tool.Registry, logger *zap.Logger) (*Tracker, error) {
	compiled := make(CategorySets, len(sets))
	for cat, specs := range sets {
		ordered, err := orderSpecs(specs)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", cat, err)
		}
		compiled[cat] = ordered
	}
	return &Tracker{
		sets:     compiled,
		registry: registry,
		logger:   logger,
		tasks:    make(map[string]*taskState),
	}, nil
}

func (t *Tracker) stateFor(task *state.Task) *taskState {
	ts, ok := t.tasks[task.ID]
	if ok && ts.attempt == task.Attempts {
		return ts
	}
	specs := t.sets[task.Category]
	ts = &taskState{taskID: task.ID, attempt: task.Attempts}
	for _, s := range specs {
		ts.checkpoints = append(ts.checkpoints, &Status{Spec: s})
	}
	t.tasks[task.ID] = ts
	return ts
}

// RecordToolCall appends the call to the task's history and re-evaluates the
// checkpoint predicates.
func (t *Tracker) RecordToolCall(task *state.Task, call tool.Call, result string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.stateFor(task)
	ts.history = append(ts.history, RecordedCall{Call: call, Result: result, Timestamp: time.Now().UTC()})

	for _, cp := range ts.checkpoints {
		if cp.Completed {
			continue
		}
		if t.satisfied(cp.Spec, task, ts.history) {
			cp.Completed = true
			cp.CompletedAt = time.Now().UTC()
			t.logger.Debug("checkpoint completed",
				zap.String("task_id", task.ID),
				zap.String("checkpoint", cp.Spec.Name))
		}
	}
}

// ValidateProposedCalls rejects the batch if any call is a resolving tool and
// the task's checkpoints are not all complete. Read, analysis, and control
// calls always pass.
func (t *Tracker) ValidateProposedCalls(task *state.Task, proposed []tool.Call) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	resolving := false
	for _, call := range proposed {
		if t.registry.Category(call.Name) == tool.CategoryResolving {
			resolving = true
			break
		}
	}
	if !resolving {
		return nil
	}

	ts := t.stateFor(task)
	var missing []Spec
	for _, cp := range ts.checkpoints {
		if !cp.Completed {
			missing = append(missing, cp.Spec)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &ValidationError{TaskID: task.ID, Missing: missing, NextStep: missing[0]}
}

// Checkpoints returns the current statuses for the task's attempt.
func (t *Tracker) Checkpoints(task *state.Task) []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.stateFor(task)
	out := make([]Status, len(ts.checkpoints))
	for i, cp := range ts.checkpoints {
		out[i] = *cp
	}
	return out
}

// History returns the recorded calls for the task's current attempt.
func (t *Tracker) History(task *state.Task) []RecordedCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.stateFor(task)
	out := make([]RecordedCall, len(ts.history))
	copy(out, ts.history)
	return out
}

// Forget drops tracking state for a terminal task.
func (t *Tracker) Forget(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, taskID)
}

func (t *Tracker) satisfied(spec Spec, task *state.Task, history []RecordedCall) bool {
	matching := func(rc RecordedCall) bool {
		for _, name := range spec.SatisfiedBy {
			if rc.Call.Name == name {
				return true
			}
		}
		return false
	}

	switch {
	case spec.TargetFiles:
		if len(task.TargetFiles) == 0 {
			// Nothing to read; any satisfying call completes the step.
			for _, rc := range history {
				if matching(rc) {
					return true
				}
			}
			return false
		}
		for _, target := range task.TargetFiles {
			seen := false
			for _, rc := range history {
				if matching(rc) && argsContain(rc.Call.Arguments, target) {
					seen = true
					break
				}
			}
			if !seen {
				return false
			}
		}
		return true

	case spec.PathContains != "":
		for _, rc := range history {
			if matching(rc) && argsContain(rc.Call.Arguments, spec.PathContains) {
				return true
			}
		}
		return false

	default:
		for _, rc := range history {
			if matching(rc) {
				return true
			}
		}
		return false
	}
}

// argsContain reports whether any string argument, at any nesting depth,
// contains the given substring.
func argsContain(args map[string]any, want string) bool {
	var walk func(v any) bool
	walk = func(v any) bool {
		switch val := v.(type) {
		case string:
			return strings.Contains(val, want)
		case []any:
			for _, item := range val {
				if walk(item) {
					return true
				}
			}
		case []string:
			for _, item := range val {
				if strings.Contains(item, want) {
					return true
				}
			}
		case map[string]any:
			for _, item := range val {
				if walk(item) {
					return true
				}
			}
		}
		return false
	}
	for _, v := range args {
		if walk(v) {
			return true
		}
	}
	return false
}
