// Package agent adapts external LLM agent CLIs into a uniform interface the
// phase executors dispatch to. Each adapter shells out to its CLI once per
// prompt and threads a session identifier through so the agent keeps its
// conversation context across ticks.
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Prompt is one instruction sent to an agent session.
type Prompt struct {
	Content string
	// Role distinguishes operator instructions from pipeline-generated ones.
	Role string
}

// Reply is an agent's answer to a single prompt.
type Reply struct {
	Content   string
	SessionID string
}

// Agent is a conversational coding agent reachable through its CLI.
type Agent interface {
	// Run sends one prompt and blocks until the agent answers or ctx ends.
	Run(ctx context.Context, p Prompt) (Reply, error)
	// Close releases any session resources.
	Close() error
	// SessionID identifies the conversation for resumption.
	SessionID() string
}

// Config selects and parameterizes an agent adapter.
type Config struct {
	Kind         string `koanf:"kind"` // "claude", "codex", or "goose"
	WorkDir      string `koanf:"work_dir"`
	SessionID    string `koanf:"session_id"`
	Model        string `koanf:"model"`
	Provider     string `koanf:"provider"` // local LLM provider for goose
	SystemPrompt string `koanf:"system_prompt"`
}

// New builds the adapter named by cfg.Kind. The process manager tracks the
// spawned CLI subprocesses so shutdown can reap them; pass nil to disable
// tracking.
func New(cfg Config, pm *ProcessManager, logger *zap.Logger) (Agent, error) {
	switch cfg.Kind {
	case "claude":
		return NewClaudeAgent(cfg, pm, logger)
	case "codex":
		return NewCodexAgent(cfg, pm, logger), nil
	case "goose":
		return NewGooseAgent(cfg, pm, logger), nil
	default:
		return nil, fmt.Errorf("unknown agent kind %q", cfg.Kind)
	}
}
