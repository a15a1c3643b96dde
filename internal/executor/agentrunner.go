package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/autopilot/internal/agent"
	"github.com/aristath/autopilot/internal/state"
	"github.com/aristath/autopilot/internal/tool"
)

// AgentRunner executes phases by prompting a conversational coding agent.
// Each phase gets its own session so its conversation context survives
// across ticks without bleeding into other phases.
type AgentRunner struct {
	cfg    agent.Config
	pm     *agent.ProcessManager
	logger *zap.Logger

	mu     sync.Mutex
	agents map[string]agent.Agent
}

// phaseReply is the structured contract every phase prompt asks the agent to
// answer with.
type phaseReply struct {
	Success   bool        `json:"success"`
	Summary   string      `json:"summary"`
	Result    string      `json:"result,omitempty"`
	NextPhase string      `json:"next_phase,omitempty"`
	ToolCalls []tool.Call `json:"tool_calls,omitempty"`
	NewTasks  []struct {
		Title       string   `json:"title"`
		Description string   `json:"description,omitempty"`
		Category    string   `json:"category"`
		TargetFiles []string `json:"target_files,omitempty"`
		// Pointer so an omitted priority is told apart from an explicit 0.
		Priority *int `json:"priority,omitempty"`
	} `json:"new_tasks,omitempty"`
	NewObjectives []struct {
		Title          string  `json:"title"`
		PriorityWeight float64 `json:"priority_weight,omitempty"`
	} `json:"new_objectives,omitempty"`
}

// NewAgentRunner builds a runner that lazily opens one agent session per
// phase using the given base config.
func NewAgentRunner(cfg agent.Config, pm *agent.ProcessManager, logger *zap.Logger) *AgentRunner {
	return &AgentRunner{
		cfg:    cfg,
		pm:     pm,
		logger: logger,
		agents: make(map[string]agent.Agent),
	}
}

// Execute prompts the phase's agent and maps its structured reply to a
// PhaseResult. Subprocess and parse failures are transient: the dispatcher
// may retry them.
func (r *AgentRunner) Execute(ctx context.Context, req Request) (PhaseResult, error) {
	ag, err := r.agentFor(req.Phase)
	if err != nil {
		return PhaseResult{}, err
	}

	prompt := buildPrompt(req)
	reply, err := ag.Run(ctx, agent.Prompt{Content: prompt, Role: "user"})
	if err != nil {
		if ctx.Err() != nil {
			return PhaseResult{}, ctx.Err()
		}
		return PhaseResult{}, &TransientError{Phase: req.Phase, Err: err}
	}

	parsed, ok := parseReply(reply.Content)
	if !ok {
		// An unstructured answer is not a crash. Surface it as a failed
		// attempt so the loop detector sees the lack of progress.
		r.logger.Warn("agent reply not structured",
			zap.String("phase", req.Phase),
			zap.Int("reply_len", len(reply.Content)))
		return PhaseResult{
			Success: false,
			Message: "agent reply missing structured result: " + clip(reply.Content, 400),
		}, nil
	}

	return resultFromReply(parsed), nil
}

// resultFromReply maps the agent's structured answer to a PhaseResult,
// minting IDs and defaults for newly planned work.
func resultFromReply(parsed phaseReply) PhaseResult {
	result := PhaseResult{
		Success:           parsed.Success,
		Message:           parsed.Summary,
		NextPhaseHint:     parsed.NextPhase,
		ProposedToolCalls: parsed.ToolCalls,
		TaskResult:        parsed.Result,
	}
	for _, nt := range parsed.NewTasks {
		priority := state.PriorityNormal
		if nt.Priority != nil {
			priority = state.Priority(*nt.Priority)
		}
		result.NewTasks = append(result.NewTasks, &state.Task{
			ID:          uuid.NewString(),
			Title:       nt.Title,
			Description: nt.Description,
			Category:    state.TaskCategory(nt.Category),
			Status:      state.TaskNew,
			TargetFiles: nt.TargetFiles,
			Priority:    priority,
		})
	}
	for _, no := range parsed.NewObjectives {
		result.NewObjectives = append(result.NewObjectives, &state.Objective{
			ID:             uuid.NewString(),
			Title:          no.Title,
			Status:         state.ObjectiveNew,
			PriorityWeight: no.PriorityWeight,
		})
	}
	return result
}

// Close shuts down every phase session.
func (r *AgentRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, ag := range r.agents {
		if err := ag.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s agent: %w", name, err)
		}
	}
	r.agents = make(map[string]agent.Agent)
	return firstErr
}

func (r *AgentRunner) agentFor(phase string) (agent.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ag, ok := r.agents[phase]; ok {
		return ag, nil
	}
	cfg := r.cfg
	cfg.SessionID = ""
	cfg.SystemPrompt = systemPromptFor(phase)
	ag, err := agent.New(cfg, r.pm, r.logger.With(zap.String("phase", phase)))
	if err != nil {
		return nil, err
	}
	r.agents[phase] = ag
	return ag, nil
}

func systemPromptFor(phase string) string {
	return fmt.Sprintf(
		"You are the %s phase of an autonomous code maintenance pipeline. "+
			"Work only inside the project directory. Answer every prompt with a "+
			"single JSON object matching the contract you are given.", phase)
}

// buildPrompt renders the dispatch request into the instruction sent to the
// phase agent, ending with the reply contract.
func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase: %s\n", req.Phase)
	if req.Objective != nil {
		fmt.Fprintf(&b, "Objective: %s\n", req.Objective.Title)
	}
	if req.Task != nil {
		fmt.Fprintf(&b, "Task %s: %s\n", req.Task.ID, req.Task.Title)
		if req.Task.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", req.Task.Description)
		}
		fmt.Fprintf(&b, "Category: %s\n", req.Task.Category)
		if len(req.Task.TargetFiles) > 0 {
			fmt.Fprintf(&b, "Target files: %s\n", strings.Join(req.Task.TargetFiles, ", "))
		}
		if req.Task.Error != "" {
			fmt.Fprintf(&b, "Previous attempt failed: %s\n", req.Task.Error)
		}
		fmt.Fprintf(&b, "Attempt %d of %d\n", req.Task.Attempts+1, req.Task.MaxAttempts)
	}
	if req.Guidance != "" {
		fmt.Fprintf(&b, "Guidance: %s\n", req.Guidance)
	}
	b.WriteString("\nReply with one JSON object: " +
		`{"success": bool, "summary": string, "result": string, ` +
		`"next_phase": string, "tool_calls": [{"name": string, "arguments": object}], ` +
		`"new_tasks": [{"title", "description", "category", "target_files", "priority"}], ` +
		`"new_objectives": [{"title", "priority_weight"}]}` + "\n")
	return b.String()
}

// parseReply extracts the structured object from the agent's answer,
// tolerating a surrounding markdown code fence.
func parseReply(content string) (phaseReply, bool) {
	trimmed := strings.TrimSpace(content)
	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return phaseReply{}, false
	}
	var reply phaseReply
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &reply); err != nil {
		return phaseReply{}, false
	}
	return reply, true
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
