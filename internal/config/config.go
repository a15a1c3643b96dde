// Package config provides layered configuration for a pipeline run.
// Precedence, highest to lowest: environment variables, project config,
// global config, built-in defaults.
package config

import (
	"time"

	"github.com/aristath/autopilot/internal/agent"
	"github.com/aristath/autopilot/internal/checkpoint"
	"github.com/aristath/autopilot/internal/executor"
	"github.com/aristath/autopilot/internal/loopdetect"
	"github.com/aristath/autopilot/internal/phase"
)

// GraphConfig declares the phase graph as data.
type GraphConfig struct {
	Entry string              `koanf:"entry"`
	Edges map[string][]string `koanf:"edges"`
}

// PipelineConfig bounds the coordinator loop.
type PipelineConfig struct {
	// StateFile is the persisted state path, relative to the project dir.
	StateFile string `koanf:"state_file"`
	// ArchiveFile is the SQLite archive path, relative to the project dir.
	// Empty disables archiving.
	ArchiveFile string `koanf:"archive_file"`
	// DispatchTimeout is the hard deadline for one phase dispatch.
	DispatchTimeout time.Duration `koanf:"dispatch_timeout"`
	// MaxIterations stops the loop after this many ticks; 0 means unbounded.
	MaxIterations int `koanf:"max_iterations"`
	// DefaultMaxAttempts is applied to tasks created without a budget.
	DefaultMaxAttempts int `koanf:"default_max_attempts"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `koanf:"level"`
	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// Config is the full configuration for one pipeline run.
type Config struct {
	Pipeline    PipelineConfig          `koanf:"pipeline"`
	Agent       agent.Config            `koanf:"agent"`
	Retry       executor.RetryConfig    `koanf:"retry"`
	Loop        loopdetect.Config       `koanf:"loop"`
	Graph       GraphConfig             `koanf:"graph"`
	Checkpoints checkpoint.CategorySets `koanf:"checkpoints"`
	Log         LogConfig               `koanf:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			StateFile:          ".autopilot/state.json",
			ArchiveFile:        ".autopilot/archive.db",
			DispatchTimeout:    5 * time.Minute,
			MaxIterations:      0,
			DefaultMaxAttempts: 3,
		},
		Agent: agent.Config{Kind: "claude"},
		Retry: executor.DefaultRetryConfig(),
		Loop:  loopdetect.DefaultConfig(),
		Graph: GraphConfig{
			Entry: phase.Planning,
			Edges: phase.DefaultEdges(),
		},
		Checkpoints: checkpoint.DefaultCategorySets(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
