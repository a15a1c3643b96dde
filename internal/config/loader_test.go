package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.DispatchTimeout != 5*time.Minute {
		t.Errorf("dispatch timeout = %v, want 5m", cfg.Pipeline.DispatchTimeout)
	}
	if cfg.Graph.Entry != "planning" {
		t.Errorf("entry = %q, want planning", cfg.Graph.Entry)
	}
	if cfg.Loop.ActionRepeat != 3 {
		t.Errorf("action repeat = %d, want 3", cfg.Loop.ActionRepeat)
	}
}

func TestProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := writeConfig(t, dir, "global.yaml", `
pipeline:
  dispatch_timeout: 1m
  default_max_attempts: 5
`)
	project := writeConfig(t, dir, "project.yaml", `
pipeline:
  dispatch_timeout: 2m
`)

	cfg, err := Load(global, project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.DispatchTimeout != 2*time.Minute {
		t.Errorf("project file should win: %v", cfg.Pipeline.DispatchTimeout)
	}
	if cfg.Pipeline.DefaultMaxAttempts != 5 {
		t.Errorf("global setting without project override should survive: %d", cfg.Pipeline.DefaultMaxAttempts)
	}
}

func TestEnvironmentOverridesFiles(t *testing.T) {
	dir := t.TempDir()
	project := writeConfig(t, dir, "project.yaml", `
pipeline:
  dispatch_timeout: 2m
`)
	t.Setenv("AUTOPILOT_PIPELINE_DISPATCH_TIMEOUT", "90s")

	cfg, err := Load("", project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.DispatchTimeout != 90*time.Second {
		t.Errorf("environment should win: %v", cfg.Pipeline.DispatchTimeout)
	}
}

func TestMissingFilesAreNotErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), ""); err != nil {
		t.Fatalf("missing file should be skipped: %v", err)
	}
}

func TestMalformedYAMLRejected(t *testing.T) {
	dir := t.TempDir()
	bad := writeConfig(t, dir, "bad.yaml", "pipeline: [unclosed")
	if _, err := Load("", bad); err == nil {
		t.Fatal("malformed YAML should be an error")
	}
}

func TestValidateRejectsBrokenGraph(t *testing.T) {
	cfg := Default()
	cfg.Graph.Edges["island"] = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("unreachable phase should fail validation")
	}
}

func TestValidateRejectsZeroTimeout(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.DispatchTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero dispatch timeout should fail validation")
	}
}
