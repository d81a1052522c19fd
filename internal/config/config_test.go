package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cortex.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

const validConfig = `
[general]
log_level = "info"
work_dir = "."

[store]
root = "data"

[monitor]
stale_seconds = 300

[learner]
scratch_root = "scratch"
max_assignment_work_time_secs = 3600

[brain]
image = "cortex-brain:latest"
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitor.PollInterval.Duration == 0 {
		t.Fatal("expected default monitor.poll_interval to be applied")
	}
	if cfg.Learner.SaveIntervalBatches != 20000 {
		t.Fatalf("expected default save_interval_batches, got %d", cfg.Learner.SaveIntervalBatches)
	}
	if cfg.Brain.ResourceLimits.MemoryMB == 0 {
		t.Fatal("expected default brain.resource_limits.memory_mb to be applied")
	}
	if cfg.Store.IndexPath == "" {
		t.Fatal("expected store.index_path to be derived from store.root")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRejectsInvalidStaleSeconds(t *testing.T) {
	cfg := `
[store]
root = "data"

[monitor]
stale_seconds = -1

[brain]
image = "cortex-brain:latest"
`
	path := writeTestConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative monitor.stale_seconds")
	}
}

func TestLoadDefaultsBrainImageWhenEmptyStringExplicit(t *testing.T) {
	// An explicit empty image is not rejected: applyDefaults treats "" as
	// unset and fills in the default before validate runs.
	path := writeTestConfig(t, `
[store]
root = "data"

[monitor]
stale_seconds = 300

[brain]
image = ""
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Brain.Image == "" {
		t.Fatal("expected brain.image to be populated")
	}
}

func TestLoadExpandsHomeInPaths(t *testing.T) {
	cfg := `
[store]
root = "~/cortex-data"

[monitor]
stale_seconds = 300

[brain]
image = "cortex-brain:latest"
`
	path := writeTestConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Store.Root[0] == '~' {
		t.Fatalf("expected ~ expansion in store.root, got %q", loaded.Store.Root)
	}
}

func TestConfigCloneIsIndependentCopy(t *testing.T) {
	cfg := &Config{Learner: Learner{ScratchRoot: "a"}}
	clone := cfg.Clone()
	clone.Learner.ScratchRoot = "b"
	if cfg.Learner.ScratchRoot != "a" {
		t.Fatal("expected original config to be unaffected by mutating the clone")
	}
}
