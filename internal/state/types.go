package state

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskNew        TaskStatus = "new"
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// IsTerminal reports whether the status is a final state.
// Failed is terminal only once attempts are exhausted; callers that need
// that distinction should check Task.CanRetry as well.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// allowedTransitions is the closed edge set of the task state machine.
// Failed -> Pending is additionally guarded by the attempt budget in
// Task.ValidateTransition.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskNew:        {TaskPending},
	TaskPending:    {TaskInProgress},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskSkipped},
	TaskFailed:     {TaskPending},
}

// TaskCategory classifies the kind of work a task represents. The set is
// closed: the checkpoint configuration keys off it.
type TaskCategory string

const (
	CategoryMissingImplementation TaskCategory = "missing_implementation"
	CategoryDuplicateCode         TaskCategory = "duplicate_code"
	CategoryIntegrationConflict   TaskCategory = "integration_conflict"
	CategoryDeadCode              TaskCategory = "dead_code"
	CategoryComplexityViolation   TaskCategory = "complexity_violation"
	CategoryArchitectureViolation TaskCategory = "architecture_violation"
	CategoryBugFix                TaskCategory = "bug_fix"
)

// Priority determines scheduling order. Lower values are more urgent, so a
// plain numeric sort yields critical-first ordering.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// Task is an atomic unit of work dispatched to a phase.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Category    TaskCategory `json:"category"`
	Status      TaskStatus   `json:"status"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	TargetFiles []string     `json:"target_files,omitempty"`
	Priority    Priority     `json:"priority"`
	ObjectiveID string       `json:"objective_id,omitempty"`
	Result      string       `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// CanRetry reports whether a failed task may loop back to pending.
func (t *Task) CanRetry() bool {
	return t.Attempts < t.MaxAttempts
}

// clone returns a copy detached from the store's internal map, so callers
// can stage changes without bypassing upsert validation.
func (t *Task) clone() *Task {
	c := *t
	if t.TargetFiles != nil {
		c.TargetFiles = append([]string(nil), t.TargetFiles...)
	}
	return &c
}

// ValidateTransition checks a status change against the allowed edge set.
// A nil return means the transition is legal.
func (t *Task) ValidateTransition(to TaskStatus) error {
	if t.Status == to {
		return nil // no-op update
	}
	for _, next := range allowedTransitions[t.Status] {
		if next == to {
			if t.Status == TaskFailed && to == TaskPending && !t.CanRetry() {
				return &CorruptionError{
					Entity:    "task",
					ID:        t.ID,
					Invariant: "failed task may return to pending only while attempts < max_attempts",
				}
			}
			return nil
		}
	}
	return &CorruptionError{
		Entity:    "task",
		ID:        t.ID,
		Invariant: "illegal status transition " + string(t.Status) + " -> " + string(to),
	}
}

// ObjectiveStatus represents the lifecycle state of an objective.
type ObjectiveStatus string

const (
	ObjectiveNew       ObjectiveStatus = "new"
	ObjectiveApproved  ObjectiveStatus = "approved"
	ObjectiveActive    ObjectiveStatus = "active"
	ObjectiveBlocked   ObjectiveStatus = "blocked"
	ObjectiveCompleted ObjectiveStatus = "completed"
)

// Objective is a top-level goal decomposed into tasks. At most one objective
// is active at a time; the store enforces this on upsert.
type Objective struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Status         ObjectiveStatus `json:"status"`
	PriorityWeight float64         `json:"priority_weight"`
	TaskIDs        []string        `json:"task_ids,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// clone returns a copy detached from the store's internal map.
func (o *Objective) clone() *Objective {
	c := *o
	if o.TaskIDs != nil {
		c.TaskIDs = append([]string(nil), o.TaskIDs...)
	}
	if o.CompletedAt != nil {
		at := *o.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Outcome is the result of a single phase run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// RunHistoryCap bounds the per-phase run history ring.
const RunHistoryCap = 20

// RunRecord is one entry in a phase's run history.
type RunRecord struct {
	Outcome   Outcome   `json:"outcome"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PhaseState accumulates run statistics for one phase name. It is created
// lazily on first run and lives for the pipeline run.
type PhaseState struct {
	Name         string      `json:"name"`
	LastRun      *time.Time  `json:"last_run,omitempty"`
	RunCount     int         `json:"run_count"`
	SuccessCount int         `json:"success_count"`
	FailureCount int         `json:"failure_count"`
	RunHistory   []RunRecord `json:"run_history,omitempty"`
}

// Record appends a run to the bounded history and updates counters.
func (p *PhaseState) Record(outcome Outcome, taskID string, at time.Time) {
	p.LastRun = &at
	p.RunCount++
	if outcome == OutcomeSuccess {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	p.RunHistory = append(p.RunHistory, RunRecord{Outcome: outcome, TaskID: taskID, Timestamp: at})
	if len(p.RunHistory) > RunHistoryCap {
		p.RunHistory = p.RunHistory[len(p.RunHistory)-RunHistoryCap:]
	}
}

// ConsecutiveFailures counts failures from the end of the history.
func (p *PhaseState) ConsecutiveFailures() int {
	count := 0
	for i := len(p.RunHistory) - 1; i >= 0; i-- {
		if p.RunHistory[i].Outcome != OutcomeFailure {
			break
		}
		count++
	}
	return count
}

// ConsecutiveSuccesses counts successes from the end of the history.
func (p *PhaseState) ConsecutiveSuccesses() int {
	count := 0
	for i := len(p.RunHistory) - 1; i >= 0; i-- {
		if p.RunHistory[i].Outcome != OutcomeSuccess {
			break
		}
		count++
	}
	return count
}

// successRate returns the success fraction of the given window.
func successRate(window []RunRecord) float64 {
	if len(window) == 0 {
		return 0
	}
	ok := 0
	for _, r := range window {
		if r.Outcome == OutcomeSuccess {
			ok++
		}
	}
	return float64(ok) / float64(len(window))
}

// IsImproving reports whether the second half of the history window has a
// strictly higher success rate than the first half.
func (p *PhaseState) IsImproving() bool {
	if len(p.RunHistory) < 4 {
		return false
	}
	mid := len(p.RunHistory) / 2
	return successRate(p.RunHistory[mid:]) > successRate(p.RunHistory[:mid])
}

// IsDegrading reports whether the second half of the history window has a
// strictly lower success rate than the first half.
func (p *PhaseState) IsDegrading() bool {
	if len(p.RunHistory) < 4 {
		return false
	}
	mid := len(p.RunHistory) / 2
	return successRate(p.RunHistory[mid:]) < successRate(p.RunHistory[:mid])
}

// IsOscillating reports whether outcomes alternate at least three times
// within the history window.
func (p *PhaseState) IsOscillating() bool {
	changes := 0
	for i := 1; i < len(p.RunHistory); i++ {
		if p.RunHistory[i].Outcome != p.RunHistory[i-1].Outcome {
			changes++
		}
	}
	return changes >= 3
}
