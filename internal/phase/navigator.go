package phase

import (
	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/loopdetect"
	"github.com/aristath/autopilot/internal/state"
)

// Action is the navigator's decision for the next tick.
type Action struct {
	Phase       string
	TaskID      string
	ObjectiveID string
	// RequestUserIntervention halts automatic progress; the coordinator
	// surfaces the guidance instead of dispatching a phase.
	RequestUserIntervention bool
	Guidance                string
	Reason                  string
}

// Navigator selects the next action from the just-loaded store state. It
// holds no task or objective state of its own: every decision reads the
// store directly.
type Navigator struct {
	graph  *Graph
	logger *zap.Logger
}

// NewNavigator builds a navigator over the given graph.
func NewNavigator(graph *Graph, logger *zap.Logger) *Navigator {
	return &Navigator{graph: graph, logger: logger}
}

// Graph returns the underlying transition graph.
func (n *Navigator) Graph() *Graph { return n.graph }

// NextAction applies the selection ladder. Each rule short-circuits:
//
//  1. a detector verdict override,
//  2. a pending phase hint reachable from the current phase,
//  3. domain precedence over the task set,
//  4. the graph's entry phase.
//
// The call is read-only: calling it twice without an intervening mutation
// returns the same action.
func (n *Navigator) NextAction(st *state.Store, verdict loopdetect.Verdict) Action {
	current := st.CurrentPhase()
	if current == "" {
		current = n.graph.Entry()
	}

	if verdict.RequestUserIntervention {
		return Action{
			RequestUserIntervention: true,
			Guidance:                verdict.Guidance,
			Reason:                  "stagnation escalated past automatic recovery",
		}
	}
	if verdict.Strategy == loopdetect.StrategyDifferent || verdict.Strategy == loopdetect.StrategyPatternInformed {
		act := Action{Phase: Debugging, Guidance: verdict.Guidance, Reason: "detector forced a strategy change"}
		if task := first(st.ListTasks(state.TaskFilter{Status: state.TaskInProgress})); task != nil {
			act.TaskID = task.ID
			act.ObjectiveID = task.ObjectiveID
		}
		return act
	}

	if hint := st.PhaseHint(); hint != "" {
		if n.graph.Known(hint) && n.graph.Reachable(current, hint) {
			return Action{Phase: hint, Reason: "phase hint from previous result"}
		}
		n.logger.Warn("ignoring unreachable phase hint",
			zap.String("hint", hint),
			zap.String("current", current))
	}

	// Failed tasks with attempts remaining block everything else.
	for _, task := range st.ListTasks(state.TaskFilter{Status: state.TaskFailed}) {
		if task.CanRetry() {
			return Action{
				Phase:       Debugging,
				TaskID:      task.ID,
				ObjectiveID: task.ObjectiveID,
				Guidance:    verdict.Guidance,
				Reason:      "failed task with attempts remaining",
			}
		}
	}

	// Work that finished its implementation pass awaits verification; work
	// still without a result stays in the implementation phase.
	for _, task := range st.ListTasks(state.TaskFilter{Status: state.TaskInProgress}) {
		if task.Result != "" {
			return Action{
				Phase:       QA,
				TaskID:      task.ID,
				ObjectiveID: task.ObjectiveID,
				Reason:      "implemented task awaiting verification",
			}
		}
	}
	if task := first(st.ListTasks(state.TaskFilter{Status: state.TaskInProgress})); task != nil {
		return Action{
			Phase:       Coding,
			TaskID:      task.ID,
			ObjectiveID: task.ObjectiveID,
			Guidance:    verdict.Guidance,
			Reason:      "in-progress task without a result",
		}
	}

	if task := first(st.ListTasks(state.TaskFilter{Status: state.TaskPending})); task != nil {
		return Action{
			Phase:       Coding,
			TaskID:      task.ID,
			ObjectiveID: task.ObjectiveID,
			Guidance:    verdict.Guidance,
			Reason:      "pending implementation task",
		}
	}
	if task := first(st.ListTasks(state.TaskFilter{Status: state.TaskNew})); task != nil {
		return Action{
			Phase:       Coding,
			TaskID:      task.ID,
			ObjectiveID: task.ObjectiveID,
			Reason:      "new implementation task",
		}
	}

	if st.AllObjectivesCompleted() {
		return Action{Phase: Documentation, Reason: "all objectives completed"}
	}

	if obj := st.ActiveObjective(); obj != nil {
		return Action{Phase: Planning, ObjectiveID: obj.ID, Reason: "active objective has no runnable tasks"}
	}
	return Action{Phase: n.graph.Entry(), Reason: "no actionable state, starting at entry phase"}
}

func first(tasks []*state.Task) *state.Task {
	if len(tasks) == 0 {
		return nil
	}
	return tasks[0]
}
