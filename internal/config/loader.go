package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/aristath/autopilot/internal/phase"
)

const envPrefix = "AUTOPILOT_"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment variables, project
// config, global config, defaults. Missing files are not errors; malformed
// YAML returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	for _, path := range []string{globalPath, projectPath} {
		if path == "" {
			continue
		}
		if err := loadFile(k, path); err != nil {
			return nil, err
		}
	}

	// Environment variables map section by first underscore:
	// AUTOPILOT_PIPELINE_DISPATCH_TIMEOUT -> pipeline.dispatch_timeout.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(key, "_", 2)
		if len(parts) == 1 {
			return key
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.autopilot/config.yaml
// Project: <projectDir>/.autopilot/config.yaml
func LoadDefault(projectDir string) (*Config, error) {
	var globalPath string
	if home, err := os.UserHomeDir(); err == nil {
		globalPath = filepath.Join(home, ".autopilot", "config.yaml")
	}
	projectPath := filepath.Join(projectDir, ".autopilot", "config.yaml")
	return Load(globalPath, projectPath)
}

func loadFile(k *koanf.Koanf, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations that would misbehave at runtime: an
// unusable phase graph, a missing dispatch deadline, or nonsensical loop
// thresholds.
func (c *Config) Validate() error {
	if c.Pipeline.DispatchTimeout <= 0 {
		return fmt.Errorf("pipeline.dispatch_timeout must be positive")
	}
	if c.Pipeline.DefaultMaxAttempts < 1 {
		return fmt.Errorf("pipeline.default_max_attempts must be at least 1")
	}
	if c.Loop.ActionRepeat < 2 || c.Loop.ModificationRepeat < 2 || c.Loop.ConversationRepeat < 2 {
		return fmt.Errorf("loop thresholds must be at least 2")
	}
	switch c.Agent.Kind {
	case "claude", "codex", "goose":
	default:
		return fmt.Errorf("agent.kind must be claude, codex, or goose, got %q", c.Agent.Kind)
	}
	if _, err := phase.NewGraph(c.Graph.Entry, c.Graph.Edges); err != nil {
		return fmt.Errorf("graph: %w", err)
	}
	return nil
}

// BuildGraph constructs the configured phase graph.
func (c *Config) BuildGraph() (*phase.Graph, error) {
	return phase.NewGraph(c.Graph.Entry, c.Graph.Edges)
}
