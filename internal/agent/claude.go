package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClaudeAgent drives the Claude Code CLI. Each prompt is one subprocess
// invocation; the session ID ties invocations into a single conversation.
type ClaudeAgent struct {
	sessionID    string
	workDir      string
	model        string
	systemPrompt string
	started      bool
	pm           *ProcessManager
	logger       *zap.Logger
}

type claudeOutput struct {
	SessionID string `json:"session_id"`
	Result    struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
}

// NewClaudeAgent builds the adapter, minting a session ID when the config
// does not carry one.
func NewClaudeAgent(cfg Config, pm *ProcessManager, logger *zap.Logger) (*ClaudeAgent, error) {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving work dir: %w", err)
		}
		workDir = wd
	}
	return &ClaudeAgent{
		sessionID:    sessionID,
		workDir:      workDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		pm:           pm,
		logger:       logger,
	}, nil
}

// Run invokes the CLI. The first call opens the session with --session-id;
// later calls continue it with --resume.
func (a *ClaudeAgent) Run(ctx context.Context, p Prompt) (Reply, error) {
	args := a.buildArgs(p, a.started)
	cmd := newCommand(ctx, "claude", args...)
	cmd.Dir = a.workDir

	a.logger.Debug("invoking claude",
		zap.String("session_id", a.sessionID),
		zap.Bool("resume", a.started))

	stdout, stderr, err := run(cmd, a.pm)
	if err != nil {
		return Reply{}, err
	}
	reply, err := parseClaudeOutput(stdout)
	if err != nil {
		return Reply{}, fmt.Errorf("parsing claude output: %w (stderr: %s)", err, stderr)
	}
	a.started = true
	return reply, nil
}

// Close is a no-op: the CLI is subprocess-per-prompt.
func (a *ClaudeAgent) Close() error { return nil }

func (a *ClaudeAgent) SessionID() string { return a.sessionID }

func (a *ClaudeAgent) buildArgs(p Prompt, resume bool) []string {
	args := []string{"-p", p.Content, "--output-format", "json"}
	if resume {
		args = append(args, "--resume", a.sessionID)
	} else {
		args = append(args, "--session-id", a.sessionID)
	}
	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	if a.systemPrompt != "" {
		args = append(args, "--system-prompt", a.systemPrompt)
	}
	return args
}

func parseClaudeOutput(data []byte) (Reply, error) {
	var out claudeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Reply{}, err
	}
	var content string
	for _, item := range out.Result.Content {
		if item.Type == "text" {
			content += item.Text
		}
	}
	return Reply{Content: content, SessionID: out.SessionID}, nil
}
