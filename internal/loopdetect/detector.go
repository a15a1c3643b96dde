// Package loopdetect watches tool-call history, phase transitions, and phase
// run outcomes for signs of stagnation, and converts what it finds into an
// escalation verdict the navigator can act on.
package loopdetect

import (
	"fmt"
	"sync"

	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/checkpoint"
	"github.com/aristath/autopilot/internal/state"
	"github.com/aristath/autopilot/internal/tool"
)

// SignalKind identifies one stagnation pattern.
type SignalKind string

const (
	SignalActionLoop        SignalKind = "action_loop"
	SignalModificationLoop  SignalKind = "modification_loop"
	SignalConversationLoop  SignalKind = "conversation_loop"
	SignalStateCycle        SignalKind = "state_cycle"
	SignalPatternRepetition SignalKind = "pattern_repetition"
	SignalFailureStreak     SignalKind = "failure_streak"
)

// Strategy is the response the escalation ladder selects for a level.
type Strategy int

const (
	StrategyNone Strategy = iota
	// StrategyWarn logs and continues.
	StrategyWarn
	// StrategyAlternate forces an alternate approach within the same phase.
	StrategyAlternate
	// StrategyDifferent forces a different phase or technique.
	StrategyDifferent
	// StrategyPatternInformed forces an approach chosen from the observed
	// failure pattern.
	StrategyPatternInformed
	// StrategyUserIntervention halts automatic progress on the task.
	StrategyUserIntervention
)

func strategyFor(level int) Strategy {
	switch {
	case level <= 0:
		return StrategyNone
	case level == 1:
		return StrategyWarn
	case level == 2:
		return StrategyAlternate
	case level == 3:
		return StrategyDifferent
	case level == 4:
		return StrategyPatternInformed
	default:
		return StrategyUserIntervention
	}
}

// Signal is one detected stagnation pattern with its escalation level.
type Signal struct {
	Kind        SignalKind
	Level       int
	Description string
	Evidence    []string
}

// Verdict aggregates the signals found by one check. A zero Verdict means no
// stagnation was detected.
type Verdict struct {
	Signals                 []Signal
	Level                   int
	Strategy                Strategy
	Guidance                string
	SuggestedTools          []string
	BlockedTools            []string
	RequestUserIntervention bool
}

// Detected reports whether any signal fired.
func (v Verdict) Detected() bool { return v.Level > 0 }

// Config holds the detection thresholds.
type Config struct {
	// ActionRepeat fires when the same tool call repeats this many times
	// consecutively.
	ActionRepeat int `koanf:"action_repeat"`
	// ModificationRepeat fires when one file is modified this many times
	// within a single attempt.
	ModificationRepeat int `koanf:"modification_repeat"`
	// ConversationRepeat fires after this many consecutive read-only turns.
	ConversationRepeat int `koanf:"conversation_repeat"`
	// PatternRepeat fires when a (phase, outcome) signature recurs this many
	// times without a new completion.
	PatternRepeat int `koanf:"pattern_repeat"`
	// FailureStreak fires at this many consecutive phase failures.
	FailureStreak int `koanf:"failure_streak"`
	// CycleMaxLen bounds the phase-cycle length searched for.
	CycleMaxLen int `koanf:"cycle_max_len"`
	// Window bounds how much transition and outcome history is considered.
	Window int `koanf:"window"`
	// MaxInterventions is how many non-trivial verdicts a task absorbs
	// before escalating straight to user intervention.
	MaxInterventions int `koanf:"max_interventions"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		ActionRepeat:       3,
		ModificationRepeat: 4,
		ConversationRepeat: 3,
		PatternRepeat:      3,
		FailureStreak:      3,
		CycleMaxLen:        4,
		Window:             30,
		MaxInterventions:   3,
	}
}

type transition struct {
	phase     string
	completed int
}

type phaseOutcome struct {
	Phase   string
	Success bool
}

type turnRecord struct {
	readOnly bool
}

// Detector accumulates run history and produces escalation verdicts.
type Detector struct {
	mu            sync.Mutex
	cfg           Config
	registry      *tool.Registry
	logger        *zap.Logger
	transitions   []transition
	outcomes      []phaseOutcome
	turns         map[string][]turnRecord
	interventions map[string]int
}

// New builds a detector with the given thresholds.
func New(cfg Config, registry *tool.Registry, logger *zap.Logger) *Detector {
	return &Detector{
		cfg:           cfg,
		registry:      registry,
		logger:        logger,
		turns:         make(map[string][]turnRecord),
		interventions: make(map[string]int),
	}
}

// RecordTransition notes a phase transition along with the total completed
// task count at that moment.
func (d *Detector) RecordTransition(phase string, completedTasks int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transitions = append(d.transitions, transition{phase: phase, completed: completedTasks})
	if len(d.transitions) > d.cfg.Window {
		d.transitions = d.transitions[len(d.transitions)-d.cfg.Window:]
	}
}

// RecordPhaseOutcome notes one dispatch result.
func (d *Detector) RecordPhaseOutcome(phase string, success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes = append(d.outcomes, phaseOutcome{Phase: phase, Success: success})
	if len(d.outcomes) > d.cfg.Window {
		d.outcomes = d.outcomes[len(d.outcomes)-d.cfg.Window:]
	}
}

// RecordTurn notes one executor turn for a task: the set of tool calls it
// proposed. A turn with no state-changing call is read-only.
func (d *Detector) RecordTurn(taskID string, calls []tool.Call) {
	if taskID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	readOnly := true
	for _, c := range calls {
		switch d.registry.Category(c.Name) {
		case tool.CategoryRead, tool.CategoryAnalysis:
		default:
			readOnly = false
		}
	}
	d.turns[taskID] = append(d.turns[taskID], turnRecord{readOnly: readOnly})
}

// Reset drops per-task tracking, used when the task makes real progress or
// reaches a terminal status.
func (d *Detector) Reset(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.turns, taskID)
	delete(d.interventions, taskID)
}

// Check evaluates all signals for the given task (nil for phase-only checks)
// and phase state, and returns the escalation verdict.
func (d *Detector) Check(task *state.Task, history []checkpoint.RecordedCall, ps *state.PhaseState) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	var signals []Signal
	taskID := ""
	if task != nil {
		taskID = task.ID
		if s, ok := d.actionLoop(history); ok {
			signals = append(signals, s)
		}
		if s, ok := d.modificationLoop(history); ok {
			signals = append(signals, s)
		}
		if s, ok := d.conversationLoop(taskID); ok {
			signals = append(signals, s)
		}
	}
	if s, ok := d.stateCycle(); ok {
		signals = append(signals, s)
	}
	if s, ok := d.patternRepetition(); ok {
		signals = append(signals, s)
	}
	if ps != nil {
		if s, ok := d.failureStreak(ps); ok {
			signals = append(signals, s)
		}
	}

	if len(signals) == 0 {
		delete(d.interventions, taskID)
		return Verdict{}
	}

	level := 0
	top := signals[0]
	for _, s := range signals {
		if s.Level > level {
			level = s.Level
			top = s
		}
	}

	if ps != nil && ps.IsImproving() {
		d.logger.Info("stagnation signals suppressed, phase trend improving",
			zap.String("signal", string(top.Kind)),
			zap.Int("raw_level", level))
		level = 1
	} else if level >= 2 && taskID != "" {
		d.interventions[taskID]++
		if d.interventions[taskID] >= d.cfg.MaxInterventions {
			level = 5
		}
	}

	v := Verdict{
		Signals:  signals,
		Level:    level,
		Strategy: strategyFor(level),
		Guidance: guidanceFor(top, level),
	}
	if level >= 5 {
		v.RequestUserIntervention = true
		v.SuggestedTools = []string{"ask"}
		v.BlockedTools = resolvingTools(d.registry)
	} else {
		v.SuggestedTools, v.BlockedTools = toolAdvice(top)
	}
	return v
}

// InterventionCount returns how many times the task has been escalated.
func (d *Detector) InterventionCount(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interventions[taskID]
}

func levelForCount(count int) int {
	switch {
	case count >= 10:
		return 5
	case count >= 7:
		return 4
	case count >= 5:
		return 3
	default:
		return 2
	}
}

func (d *Detector) actionLoop(history []checkpoint.RecordedCall) (Signal, bool) {
	if len(history) < d.cfg.ActionRepeat {
		return Signal{}, false
	}
	last := history[len(history)-1]
	lastSig, err := last.Call.Signature()
	if err != nil {
		return Signal{}, false
	}
	run := 1
	for i := len(history) - 2; i >= 0; i-- {
		sig, err := history[i].Call.Signature()
		if err != nil || sig != lastSig {
			break
		}
		run++
	}
	if run < d.cfg.ActionRepeat {
		return Signal{}, false
	}
	return Signal{
		Kind:        SignalActionLoop,
		Level:       levelForCount(run),
		Description: fmt.Sprintf("same call to %s repeated %d times consecutively", last.Call.Name, run),
		Evidence:    []string{fmt.Sprintf("tool: %s", last.Call.Name), fmt.Sprintf("repeats: %d", run)},
	}, true
}

func (d *Detector) modificationLoop(history []checkpoint.RecordedCall) (Signal, bool) {
	counts := make(map[string]int)
	for _, rc := range history {
		if d.registry.Category(rc.Call.Name) != tool.CategoryResolving {
			continue
		}
		for _, key := range []string{"file_path", "target_path", "destination_path"} {
			if p, ok := rc.Call.Arguments[key].(string); ok && p != "" {
				counts[p]++
			}
		}
	}
	worstFile, worst := "", 0
	for p, n := range counts {
		if n > worst {
			worstFile, worst = p, n
		}
	}
	if worst < d.cfg.ModificationRepeat {
		return Signal{}, false
	}
	return Signal{
		Kind:        SignalModificationLoop,
		Level:       levelForCount(worst),
		Description: fmt.Sprintf("%s modified %d times within one attempt", worstFile, worst),
		Evidence:    []string{fmt.Sprintf("file: %s", worstFile), fmt.Sprintf("modifications: %d", worst)},
	}, true
}

func (d *Detector) conversationLoop(taskID string) (Signal, bool) {
	turns := d.turns[taskID]
	run := 0
	for i := len(turns) - 1; i >= 0; i-- {
		if !turns[i].readOnly {
			break
		}
		run++
	}
	if run < d.cfg.ConversationRepeat {
		return Signal{}, false
	}
	level := 2
	if run >= d.cfg.ConversationRepeat*2 {
		level = 3
	}
	return Signal{
		Kind:        SignalConversationLoop,
		Level:       level,
		Description: fmt.Sprintf("%d consecutive turns with only read and analysis calls", run),
		Evidence:    []string{fmt.Sprintf("read-only turns: %d", run)},
	}, true
}

func (d *Detector) stateCycle() (Signal, bool) {
	n := len(d.transitions)
	for cycleLen := 2; cycleLen <= d.cfg.CycleMaxLen; cycleLen++ {
		if n < cycleLen*2 {
			break
		}
		cycles := 1
		for start := n - cycleLen*2; start >= 0; start -= cycleLen {
			match := true
			for i := 0; i < cycleLen; i++ {
				if d.transitions[start+i].phase != d.transitions[n-cycleLen+i].phase {
					match = false
					break
				}
			}
			if !match {
				break
			}
			cycles++
		}
		if cycles < 2 {
			continue
		}
		window := d.transitions[n-cycleLen*cycles:]
		if window[len(window)-1].completed > window[0].completed {
			continue
		}
		phases := make([]string, cycleLen)
		for i, t := range d.transitions[n-cycleLen:] {
			phases[i] = t.phase
		}
		level := 3
		if cycles >= 3 {
			level = 4
		}
		return Signal{
			Kind:        SignalStateCycle,
			Level:       level,
			Description: fmt.Sprintf("phase sequence of length %d repeated %d times with no task completed", cycleLen, cycles),
			Evidence:    []string{fmt.Sprintf("cycle: %v", phases), fmt.Sprintf("repeats: %d", cycles)},
		}, true
	}
	return Signal{}, false
}

func (d *Detector) patternRepetition() (Signal, bool) {
	n := len(d.outcomes)
	if n == 0 {
		return Signal{}, false
	}
	last := d.outcomes[n-1]
	lastSig, err := hashstructure.Hash(last, hashstructure.FormatV2, nil)
	if err != nil {
		return Signal{}, false
	}
	count := 0
	for _, o := range d.outcomes {
		sig, err := hashstructure.Hash(o, hashstructure.FormatV2, nil)
		if err != nil {
			continue
		}
		if sig == lastSig {
			count++
		}
	}
	if count < d.cfg.PatternRepeat {
		return Signal{}, false
	}
	if len(d.transitions) >= 2 {
		first, lastT := d.transitions[0], d.transitions[len(d.transitions)-1]
		if lastT.completed > first.completed {
			return Signal{}, false
		}
	}
	outcome := "failure"
	if last.Success {
		outcome = "success"
	}
	level := 2
	if count >= d.cfg.PatternRepeat+2 {
		level = 3
	}
	return Signal{
		Kind:        SignalPatternRepetition,
		Level:       level,
		Description: fmt.Sprintf("phase %s produced %s %d times with no new completions", last.Phase, outcome, count),
		Evidence:    []string{fmt.Sprintf("phase: %s", last.Phase), fmt.Sprintf("outcome: %s", outcome), fmt.Sprintf("occurrences: %d", count)},
	}, true
}

func (d *Detector) failureStreak(ps *state.PhaseState) (Signal, bool) {
	n := ps.ConsecutiveFailures()
	if n < d.cfg.FailureStreak {
		return Signal{}, false
	}
	level := n
	if level > 5 {
		level = 5
	}
	return Signal{
		Kind:        SignalFailureStreak,
		Level:       level,
		Description: fmt.Sprintf("phase failed %d times in a row", n),
		Evidence:    []string{fmt.Sprintf("consecutive failures: %d", n)},
	}, true
}

func guidanceFor(top Signal, level int) string {
	if level >= 5 {
		return fmt.Sprintf(
			"automatic interventions exhausted (%s). Use the ask tool to request guidance: explain what was attempted, what pattern was detected, and what input is needed. Do not attempt further changes without user input.",
			top.Description)
	}
	switch top.Kind {
	case SignalActionLoop:
		return "the same call keeps repeating without a different result. Stop using it, re-read the current file state, and try a different tool or approach."
	case SignalModificationLoop:
		return "the same file keeps being modified without success. Re-read it to see its actual current content, then prefer full_file_rewrite over incremental edits."
	case SignalConversationLoop:
		return "analysis keeps repeating without any state-changing action. Use what was already gathered, make a decision, and act on it."
	case SignalStateCycle:
		return "the phase sequence is cycling without completing any task. Break the cycle with a fundamentally different approach."
	case SignalPatternRepetition:
		return "the same phase outcome keeps recurring with no net progress. Repeating the pattern will not change the result; change strategy."
	case SignalFailureStreak:
		return "this phase keeps failing. Investigate the failure cause before retrying the same work."
	default:
		return "no progress is being made. Try a different strategy."
	}
}

func toolAdvice(top Signal) (suggested, blocked []string) {
	switch top.Kind {
	case SignalActionLoop:
		return []string{"read_file", "search_code", "ask"}, nil
	case SignalModificationLoop:
		return []string{"read_file", "full_file_rewrite", "ask"}, []string{"str_replace"}
	case SignalConversationLoop:
		return []string{"str_replace", "full_file_rewrite", "create_file", "ask"},
			[]string{"read_file", "search_code", "list_directory"}
	default:
		return []string{"ask"}, nil
	}
}

func resolvingTools(registry *tool.Registry) []string {
	var out []string
	for _, name := range registry.Names() {
		if registry.Category(name) == tool.CategoryResolving {
			out = append(out, name)
		}
	}
	return out
}
