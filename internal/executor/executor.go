// Package executor defines the boundary between the coordinator and the
// external phase modules, and the resilient dispatch path that calls them.
package executor

import (
	"context"
	"fmt"

	"github.com/aristath/autopilot/internal/state"
	"github.com/aristath/autopilot/internal/tool"
)

// Request carries everything a phase module needs for one tick. The executor
// must not mutate the store; it reports results through PhaseResult and the
// coordinator applies them.
type Request struct {
	Phase       string
	Task        *state.Task
	Objective   *state.Objective
	// Guidance carries escalation advice from the loop detector, when any.
	Guidance string
}

// PhaseResult is what a phase module returns from one execution.
type PhaseResult struct {
	Success bool
	Message string
	// NextPhaseHint suggests the following phase; the navigator honors it
	// only when it is reachable in the graph.
	NextPhaseHint string
	// ProposedToolCalls are the structured calls the phase wants applied.
	// The coordinator validates them before any handler sees them.
	ProposedToolCalls []tool.Call
	// NewTasks and NewObjectives are created by planning-type phases.
	NewTasks      []*state.Task
	NewObjectives []*state.Objective
	// TaskResult summarizes what was done to the dispatched task.
	TaskResult string
}

// Executor is implemented by external phase modules.
type Executor interface {
	Execute(ctx context.Context, req Request) (PhaseResult, error)
}

// TransientError marks a dispatch failure that may succeed on retry, such as
// a backend timeout or connection failure.
type TransientError struct {
	Phase string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure dispatching phase %s: %v", e.Phase, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
