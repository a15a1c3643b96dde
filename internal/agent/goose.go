package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GooseAgent drives the Goose CLI, which fronts local LLM providers such as
// ollama and llama.cpp. Output may be a single JSON object, an NDJSON
// stream, or plain text depending on the installed version, so parsing falls
// back progressively.
type GooseAgent struct {
	sessionName  string
	workDir      string
	model        string
	provider     string
	systemPrompt string
	started      bool
	pm           *ProcessManager
	logger       *zap.Logger
}

type gooseOutput struct {
	Content string `json:"content"`
}

// NewGooseAgent builds the adapter, deriving a session name when none is
// configured.
func NewGooseAgent(cfg Config, pm *ProcessManager, logger *zap.Logger) *GooseAgent {
	sessionName := cfg.SessionID
	if sessionName == "" {
		sessionName = "autopilot-" + uuid.NewString()[:8]
	}
	return &GooseAgent{
		sessionName:  sessionName,
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		provider:     cfg.Provider,
		systemPrompt: cfg.SystemPrompt,
		pm:           pm,
		logger:       logger,
	}
}

func (g *GooseAgent) Run(ctx context.Context, p Prompt) (Reply, error) {
	cmd := newCommand(ctx, "goose", g.buildArgs(p)...)
	cmd.Dir = g.workDir

	g.logger.Debug("invoking goose",
		zap.String("session", g.sessionName),
		zap.String("provider", g.provider))

	stdout, stderr, err := run(cmd, g.pm)
	if err != nil {
		return Reply{SessionID: g.sessionName}, err
	}
	g.started = true

	if content, ok := parseGooseOutput(stdout); ok {
		return Reply{Content: content, SessionID: g.sessionName}, nil
	}
	// Older goose builds ignore --output-format and print plain text.
	content := string(stdout)
	if len(stderr) > 0 {
		content += "\n[stderr]: " + string(stderr)
	}
	return Reply{Content: content, SessionID: g.sessionName}, nil
}

// Close is a no-op: the CLI is subprocess-per-prompt.
func (g *GooseAgent) Close() error { return nil }

func (g *GooseAgent) SessionID() string { return g.sessionName }

func (g *GooseAgent) buildArgs(p Prompt) []string {
	args := []string{"run", "--text", p.Content, "--output-format", "json"}
	if !g.started {
		args = append(args, "--name", g.sessionName)
	} else {
		args = append(args, "--resume")
	}
	if g.provider != "" {
		args = append(args, "--provider", g.provider)
	}
	if g.model != "" {
		args = append(args, "--model", g.model)
	}
	if g.systemPrompt != "" {
		args = append(args, "--system", g.systemPrompt)
	}
	return args
}

// parseGooseOutput tries a single JSON object first, then NDJSON.
func parseGooseOutput(data []byte) (string, bool) {
	var out gooseOutput
	if err := json.Unmarshal(data, &out); err == nil {
		return out.Content, true
	}

	var parts []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var lineOut gooseOutput
		if err := json.Unmarshal([]byte(line), &lineOut); err == nil && lineOut.Content != "" {
			parts = append(parts, lineOut.Content)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n"), true
	}
	return "", false
}
