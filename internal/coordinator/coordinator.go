// Package coordinator wires the state store, message bus, checkpoint
// tracker, loop detector, and navigator into the single control loop that
// drives a pipeline run.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/bus"
	"github.com/aristath/autopilot/internal/checkpoint"
	"github.com/aristath/autopilot/internal/executor"
	"github.com/aristath/autopilot/internal/loopdetect"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/phase"
	"github.com/aristath/autopilot/internal/state"
	"github.com/aristath/autopilot/internal/tool"
)

// ErrInterventionRequired stops the run because automatic recovery is
// exhausted and an operator must decide how to proceed.
var ErrInterventionRequired = errors.New("user intervention required")

// Options collects the coordinator's collaborators and knobs.
type Options struct {
	Store      *state.Store
	Bus        *bus.Bus
	Tracker    *checkpoint.Tracker
	Detector   *loopdetect.Detector
	Navigator  *phase.Navigator
	Dispatcher executor.Executor
	Registry   *tool.Registry
	// Archive receives terminal records; nil disables archiving.
	Archive persistence.Archive
	Logger  *zap.Logger

	// MaxIterations stops the loop after this many ticks; 0 means unbounded.
	MaxIterations int
	// DefaultMaxAttempts is applied to tasks created without a budget.
	DefaultMaxAttempts int
	// InitialPhase seeds the first tick's phase hint, overriding whatever
	// hint the loaded state carries.
	InitialPhase string
}

// Coordinator owns all sub-components of one pipeline run. It is
// single-threaded: exactly one phase executes at a time and the only
// suspension point is the dispatch call.
type Coordinator struct {
	store      *state.Store
	bus        *bus.Bus
	tracker    *checkpoint.Tracker
	detector   *loopdetect.Detector
	navigator  *phase.Navigator
	dispatcher executor.Executor
	registry   *tool.Registry
	archive    persistence.Archive
	logger     *zap.Logger

	maxIterations      int
	defaultMaxAttempts int
	initialPhase       string

	// lastVerdict carries the detector's view from the previous tick into
	// the next selection.
	lastVerdict loopdetect.Verdict
	summary     Summary
}

// Summary accumulates run totals for the final report.
type Summary struct {
	Iterations     int
	TasksCompleted int
	TasksFailed    int
	Dispatches     map[string]int
}

// New builds a coordinator. All collaborators are required except Archive.
func New(opts Options) *Coordinator {
	maxAttempts := opts.DefaultMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Coordinator{
		store:              opts.Store,
		bus:                opts.Bus,
		tracker:            opts.Tracker,
		detector:           opts.Detector,
		navigator:          opts.Navigator,
		dispatcher:         opts.Dispatcher,
		registry:           opts.Registry,
		archive:            opts.Archive,
		logger:             opts.Logger,
		maxIterations:      opts.MaxIterations,
		defaultMaxAttempts: maxAttempts,
		initialPhase:       opts.InitialPhase,
		summary:            Summary{Dispatches: make(map[string]int)},
	}
}

// Summary returns the run totals collected so far.
func (c *Coordinator) Summary() Summary { return c.summary }

// Run executes the control loop until all objectives complete, a fatal state
// error occurs, the iteration budget runs out, or the context is cancelled.
// Each tick: next_action, dispatch, record outcome, publish, update the loop
// detector, save.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.store.Load(); err != nil {
		return c.fatal(err)
	}
	if c.initialPhase != "" {
		c.store.SetPhaseHint(c.initialPhase)
	}
	c.subscribePhases()

	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("run stopped by operator")
			return err
		}
		if c.store.AllObjectivesCompleted() {
			c.publish(bus.SystemInfo, bus.PriorityNormal,
				bus.SystemPayload{Detail: "all objectives completed"}, bus.Context{})
			c.logger.Info("all objectives completed",
				zap.Int("iterations", c.summary.Iterations),
				zap.Int("tasks_completed", c.summary.TasksCompleted))
			return c.store.Save()
		}
		if c.maxIterations > 0 && c.summary.Iterations >= c.maxIterations {
			c.logger.Info("iteration budget exhausted",
				zap.Int("iterations", c.summary.Iterations))
			return c.store.Save()
		}

		action := c.navigator.NextAction(c.store, c.lastVerdict)
		if action.RequestUserIntervention {
			c.publish(bus.RequestUserIntervention, bus.PriorityCritical,
				bus.SystemPayload{Detail: action.Guidance}, bus.Context{})
			c.logger.Error("automatic progress halted", zap.String("guidance", action.Guidance))
			if err := c.store.Save(); err != nil {
				return c.fatal(err)
			}
			return ErrInterventionRequired
		}

		if err := c.tick(ctx, action); err != nil {
			return c.fatal(err)
		}
		if err := c.store.Save(); err != nil {
			return c.fatal(err)
		}
	}
}

// tick performs one dispatch and applies its result. Returned errors are
// fatal; everything recoverable is folded into state and messages.
func (c *Coordinator) tick(ctx context.Context, action phase.Action) error {
	c.summary.Iterations++
	c.summary.Dispatches[action.Phase]++

	// The hint is one-shot: consumed or invalid, it never survives a tick.
	c.store.SetPhaseHint("")

	prev := c.store.CurrentPhase()
	c.store.SetCurrentPhase(action.Phase)
	if prev != action.Phase {
		c.publish(bus.PhaseTransition, bus.PriorityNormal,
			bus.SystemPayload{Phase: action.Phase, Detail: action.Reason}, bus.Context{})
	}
	c.detector.RecordTransition(action.Phase, c.completedCount())

	task, err := c.taskForDispatch(action)
	if err != nil {
		return err
	}

	req := executor.Request{Phase: action.Phase, Task: task, Guidance: action.Guidance}
	if action.ObjectiveID != "" {
		if obj, err := c.store.GetObjective(action.ObjectiveID); err == nil {
			req.Objective = obj
		}
	}

	c.logger.Info("dispatching phase",
		zap.String("phase", action.Phase),
		zap.String("task_id", action.TaskID),
		zap.String("reason", action.Reason))

	result, dispatchErr := c.dispatcher.Execute(ctx, req)

	outcome := state.OutcomeFailure
	rejected := false
	detail := result.Message
	switch {
	case dispatchErr != nil:
		var transient *executor.TransientError
		if errors.As(dispatchErr, &transient) {
			detail = fmt.Sprintf("dispatch did not complete: %v", transient)
			c.publish(bus.PhaseTimeout, bus.PriorityHigh,
				bus.SystemPayload{Phase: action.Phase, Detail: detail}, bus.Context{TaskID: action.TaskID})
		} else {
			detail = dispatchErr.Error()
			c.publish(bus.PhaseError, bus.PriorityHigh,
				bus.SystemPayload{Phase: action.Phase, Detail: detail}, bus.Context{TaskID: action.TaskID})
		}
	case task != nil:
		if verr := c.applyToolCalls(task, result.ProposedToolCalls); verr != nil {
			// Checkpoint rejection is recoverable guidance, not a fault.
			detail = verr.Error()
			rejected = true
			c.publish(bus.SystemWarning, bus.PriorityNormal,
				bus.SystemPayload{Phase: action.Phase, Detail: detail}, bus.Context{TaskID: task.ID})
		} else if result.Success {
			outcome = state.OutcomeSuccess
		}
	case result.Success:
		outcome = state.OutcomeSuccess
	}

	if rejected {
		// The rejection feeds the next dispatch through the task record
		// without charging the attempt budget.
		task.Error = detail
		if err := c.store.UpsertTask(task); err != nil {
			return err
		}
	} else if err := c.recordTaskOutcome(action.Phase, task, result, outcome, detail); err != nil {
		return err
	}
	if err := c.applyCreations(result); err != nil {
		return err
	}
	if result.NextPhaseHint != "" {
		c.store.SetPhaseHint(result.NextPhaseHint)
	}

	c.store.RecordRun(action.Phase, outcome, action.TaskID)
	if c.archive != nil {
		if err := c.archive.RecordRun(ctx, action.Phase, outcome, action.TaskID); err != nil {
			c.logger.Warn("archive write failed", zap.Error(err))
		}
	}
	c.detector.RecordPhaseOutcome(action.Phase, outcome == state.OutcomeSuccess)

	var history []checkpoint.RecordedCall
	if task != nil {
		history = c.tracker.History(task)
	}
	c.lastVerdict = c.detector.Check(task, history, c.store.GetPhaseState(action.Phase))
	if c.lastVerdict.Detected() {
		c.publish(bus.LoopDetected, bus.PriorityHigh,
			bus.SystemPayload{Phase: action.Phase, Detail: c.lastVerdict.Guidance},
			bus.Context{TaskID: action.TaskID})
	}
	return nil
}

// taskForDispatch loads the selected task and moves it to in_progress,
// walking the legal edges from wherever it currently is.
func (c *Coordinator) taskForDispatch(action phase.Action) (*state.Task, error) {
	if action.TaskID == "" {
		return nil, nil
	}
	task, err := c.store.GetTask(action.TaskID)
	if err != nil {
		return nil, err
	}

	var path []state.TaskStatus
	switch task.Status {
	case state.TaskNew:
		path = []state.TaskStatus{state.TaskPending, state.TaskInProgress}
	case state.TaskPending, state.TaskFailed:
		path = []state.TaskStatus{state.TaskPending, state.TaskInProgress}
		if task.Status == state.TaskPending {
			path = path[1:]
		}
	case state.TaskInProgress:
		// Already running, e.g. awaiting verification.
	default:
		return nil, &state.CorruptionError{
			Entity:    "task",
			ID:        task.ID,
			Invariant: fmt.Sprintf("terminal task selected for dispatch (status %s)", task.Status),
		}
	}
	for _, status := range path {
		task.Status = status
		if err := c.store.UpsertTask(task); err != nil {
			return nil, err
		}
	}
	if task.Status == state.TaskInProgress && len(path) > 0 {
		c.publish(bus.TaskStarted, bus.PriorityNormal,
			bus.TaskPayload{TaskID: task.ID, Title: task.Title}, bus.Context{TaskID: task.ID, ObjectiveID: task.ObjectiveID})
	}
	return task, nil
}

// applyToolCalls validates the proposed batch against schemas and the
// checkpoint gate, then records accepted calls.
func (c *Coordinator) applyToolCalls(task *state.Task, calls []tool.Call) error {
	if len(calls) == 0 {
		return nil
	}
	for _, call := range calls {
		if _, err := c.registry.Validate(call); err != nil {
			return fmt.Errorf("invalid tool call %s: %w", call.Name, err)
		}
	}
	if err := c.tracker.ValidateProposedCalls(task, calls); err != nil {
		return err
	}
	for _, call := range calls {
		c.tracker.RecordToolCall(task, call, "applied")
	}
	c.detector.RecordTurn(task.ID, calls)
	return nil
}

// recordTaskOutcome applies the dispatch outcome to the task state machine
// and publishes the result message. Success in a verification phase
// completes the task; success elsewhere leaves it in progress awaiting
// verification. Failure increments the attempt count and re-queues the task
// while budget remains.
func (c *Coordinator) recordTaskOutcome(phaseName string, task *state.Task, result executor.PhaseResult, outcome state.Outcome, detail string) error {
	if task == nil {
		return nil
	}

	if outcome == state.OutcomeSuccess {
		if result.TaskResult != "" {
			task.Result = result.TaskResult
		}
		if phaseName == phase.QA {
			task.Status = state.TaskCompleted
			if err := c.store.UpsertTask(task); err != nil {
				return err
			}
			c.summary.TasksCompleted++
			c.tracker.Forget(task.ID)
			c.detector.Reset(task.ID)
			c.archiveTask(task)
			c.publish(bus.TaskCompleted, bus.PriorityNormal,
				bus.TaskPayload{TaskID: task.ID, Title: task.Title, Detail: task.Result},
				bus.Context{TaskID: task.ID, ObjectiveID: task.ObjectiveID})
			if task.ObjectiveID != "" {
				if obj, err := c.store.GetObjective(task.ObjectiveID); err == nil && obj.Status == state.ObjectiveCompleted {
					c.archiveObjective(obj)
					c.publish(bus.ObjectiveCompleted, bus.PriorityHigh,
						bus.ObjectivePayload{ObjectiveID: obj.ID, Title: obj.Title},
						bus.Context{ObjectiveID: obj.ID})
				}
			}
			return nil
		}
		// Implementation succeeded; QA decides completion.
		return c.store.UpsertTask(task)
	}

	c.summary.TasksFailed++
	task.Attempts++
	task.Error = detail
	task.Status = state.TaskFailed
	if err := c.store.UpsertTask(task); err != nil {
		return err
	}

	priority := bus.PriorityHigh
	if !task.CanRetry() {
		priority = bus.PriorityCritical
	}
	c.publish(bus.TaskFailed, priority,
		bus.TaskPayload{TaskID: task.ID, Title: task.Title, Detail: detail},
		bus.Context{TaskID: task.ID, ObjectiveID: task.ObjectiveID})

	if !task.CanRetry() {
		c.archiveTask(task)
		c.publish(bus.RequestUserIntervention, bus.PriorityCritical,
			bus.SystemPayload{Detail: fmt.Sprintf("task %s exhausted %d attempts: %s", task.ID, task.MaxAttempts, detail)},
			bus.Context{TaskID: task.ID})
	}
	return nil
}

// applyCreations upserts tasks and objectives produced by planning-type
// phases and announces them on the bus.
func (c *Coordinator) applyCreations(result executor.PhaseResult) error {
	for _, obj := range result.NewObjectives {
		if obj.CreatedAt.IsZero() {
			obj.CreatedAt = time.Now().UTC()
		}
		if err := c.store.UpsertObjective(obj); err != nil {
			return err
		}
		if obj.Status == state.ObjectiveActive {
			c.publish(bus.ObjectiveActivated, bus.PriorityNormal,
				bus.ObjectivePayload{ObjectiveID: obj.ID, Title: obj.Title},
				bus.Context{ObjectiveID: obj.ID})
		}
	}
	for _, task := range result.NewTasks {
		if task.Status == "" {
			task.Status = state.TaskNew
		}
		if task.MaxAttempts == 0 {
			task.MaxAttempts = c.defaultMaxAttempts
		}
		if task.CreatedAt.IsZero() {
			task.CreatedAt = time.Now().UTC()
		}
		if err := c.store.UpsertTask(task); err != nil {
			return err
		}
		c.publish(bus.TaskCreated, bus.PriorityNormal,
			bus.TaskPayload{TaskID: task.ID, Title: task.Title, Category: string(task.Category)},
			bus.Context{TaskID: task.ID, ObjectiveID: task.ObjectiveID})
	}
	return nil
}

func (c *Coordinator) completedCount() int {
	return len(c.store.ListTasks(state.TaskFilter{Status: state.TaskCompleted}))
}

func (c *Coordinator) archiveTask(task *state.Task) {
	if c.archive == nil {
		return
	}
	if err := c.archive.ArchiveTask(context.Background(), task); err != nil {
		c.logger.Warn("task archive failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (c *Coordinator) archiveObjective(obj *state.Objective) {
	if c.archive == nil {
		return
	}
	if err := c.archive.ArchiveObjective(context.Background(), obj); err != nil {
		c.logger.Warn("objective archive failed", zap.String("objective_id", obj.ID), zap.Error(err))
	}
}

// publish sends a message and mirrors it into the archive audit trail.
func (c *Coordinator) publish(t bus.MessageType, priority bus.Priority, payload bus.Payload, msgCtx bus.Context) {
	id, err := c.bus.Publish(t, priority, payload, msgCtx)
	if err != nil {
		c.logger.Warn("publish failed", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if c.archive != nil {
		if msg, ok := c.bus.Lookup(id); ok {
			if err := c.archive.AuditMessage(context.Background(), msg); err != nil {
				c.logger.Warn("message audit failed", zap.Error(err))
			}
		}
	}
}

// fatal persists a diagnostic snapshot and annotates the error with the last
// consistent state location.
func (c *Coordinator) fatal(err error) error {
	if err == nil {
		return nil
	}
	snapshot, snapErr := c.store.Snapshot()
	if snapErr != nil {
		c.logger.Error("diagnostic snapshot failed", zap.Error(snapErr))
		return err
	}
	c.logger.Error("fatal state error",
		zap.Error(err),
		zap.String("last_consistent_state", snapshot))
	return fmt.Errorf("%w (last consistent state: %s)", err, snapshot)
}

// subscribePhases wires the standing consumers so publishes fan out from the
// first tick. No retroactive delivery: a consumer only sees messages of
// types it was subscribed to at publish time.
func (c *Coordinator) subscribePhases() {
	c.bus.Subscribe(phase.QA,
		bus.TaskCompleted, bus.FileModified, bus.FileCreated, bus.FileDeleted)
	c.bus.Subscribe(phase.Debugging,
		bus.TaskFailed, bus.IssueFound, bus.IssueReopened, bus.PhaseError, bus.PhaseTimeout)
	c.bus.Subscribe(phase.Planning,
		bus.ObjectiveCompleted, bus.ObjectiveBlocked, bus.TaskBlocked)
	c.bus.Subscribe("operator",
		bus.RequestUserIntervention, bus.SystemAlert, bus.LoopDetected)
}
