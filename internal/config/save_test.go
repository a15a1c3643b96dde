package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := Default()
	cfg.Pipeline.DispatchTimeout = 90 * time.Second
	cfg.Pipeline.DefaultMaxAttempts = 7
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if loaded.Pipeline.DispatchTimeout != 90*time.Second {
		t.Errorf("dispatch timeout = %v, want 90s", loaded.Pipeline.DispatchTimeout)
	}
	if loaded.Pipeline.DefaultMaxAttempts != 7 {
		t.Errorf("default max attempts = %d, want 7", loaded.Pipeline.DefaultMaxAttempts)
	}
}

func TestSaveWritesReadableYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(Default(), path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved config: %v", err)
	}
	content := string(data)
	for _, key := range []string{"pipeline", "graph", "checkpoints", "state_file"} {
		if !strings.Contains(content, key) {
			t.Errorf("saved config missing %q section", key)
		}
	}
}
