package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// CodexAgent drives the Codex CLI, which emits a newline-delimited JSON
// event stream. Conversations resume via the thread ID from the first run.
type CodexAgent struct {
	threadID string
	workDir  string
	model    string
	started  bool
	pm       *ProcessManager
	logger   *zap.Logger
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Content  string `json:"content,omitempty"`
}

// NewCodexAgent builds the adapter. A configured session ID means the thread
// already exists and the first prompt resumes it.
func NewCodexAgent(cfg Config, pm *ProcessManager, logger *zap.Logger) *CodexAgent {
	return &CodexAgent{
		threadID: cfg.SessionID,
		workDir:  cfg.WorkDir,
		model:    cfg.Model,
		started:  cfg.SessionID != "",
		pm:       pm,
		logger:   logger,
	}
}

func (c *CodexAgent) Run(ctx context.Context, p Prompt) (Reply, error) {
	cmd := newCommand(ctx, "codex", c.buildArgs(p)...)
	cmd.Dir = c.workDir

	c.logger.Debug("invoking codex",
		zap.String("thread_id", c.threadID),
		zap.Bool("resume", c.started))

	stdout, _, err := run(cmd, c.pm)
	if err != nil {
		return Reply{}, err
	}
	threadID, content, err := parseCodexStream(stdout)
	if err != nil {
		return Reply{}, fmt.Errorf("parsing codex events: %w", err)
	}
	if threadID != "" {
		c.threadID = threadID
	}
	c.started = true
	return Reply{Content: content, SessionID: c.threadID}, nil
}

// Close is a no-op: the CLI is subprocess-per-prompt.
func (c *CodexAgent) Close() error { return nil }

func (c *CodexAgent) SessionID() string { return c.threadID }

func (c *CodexAgent) buildArgs(p Prompt) []string {
	var args []string
	if !c.started && c.threadID == "" {
		args = []string{"exec", p.Content, "--json"}
	} else {
		args = []string{"resume", c.threadID, p.Content, "--json"}
	}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	return args
}

// parseCodexStream walks the event stream, keeping the thread ID from
// ThreadStarted and the content of the final TurnCompleted.
func parseCodexStream(data []byte) (threadID, content string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return "", "", fmt.Errorf("malformed event %q: %w", line, err)
		}
		switch evt.Type {
		case "ThreadStarted":
			threadID = evt.ThreadID
		case "TurnCompleted":
			content = evt.Content
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("reading event stream: %w", err)
	}
	return threadID, content, nil
}
