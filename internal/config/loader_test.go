package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name            string
		globalConfig    string
		projectConfig   string
		expectWorkers   int
		expectStrategy  string
		expectWorkflows int
		expectInterval  time.Duration
	}{
		{
			name:            "No config files - returns defaults",
			expectWorkers:   4,
			expectStrategy:  "server-wins",
			expectWorkflows: 0,
			expectInterval:  30 * time.Second,
		},
		{
			name:            "Global only - overrides one field",
			globalConfig:    `{"scheduler": {"max_concurrent_tasks": 8}}`,
			expectWorkers:   8,
			expectStrategy:  "server-wins",
			expectWorkflows: 0,
			expectInterval:  30 * time.Second,
		},
		{
			name:            "Project only - adds workflow and strategy",
			projectConfig:   `{"sync": {"strategy": "merge", "interval": "5s"}, "workflows": {"release": {"steps": [{"type": "build"}, {"type": "publish"}]}}}`,
			expectWorkers:   4,
			expectStrategy:  "merge",
			expectWorkflows: 1,
			expectInterval:  5 * time.Second,
		},
		{
			name:            "Project overrides global - project wins",
			globalConfig:    `{"scheduler": {"max_concurrent_tasks": 2}, "workflows": {"a": {"steps": [{"type": "x"}, {"type": "y"}]}}}`,
			projectConfig:   `{"scheduler": {"max_concurrent_tasks": 16}, "workflows": {"b": {"steps": [{"type": "y"}, {"type": "z"}]}}}`,
			expectWorkers:   16,
			expectStrategy:  "server-wins",
			expectWorkflows: 2,
			expectInterval:  30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalConfig != "" {
				globalPath = writeFile(t, tmpDir, "global.json", tt.globalConfig)
			}
			projectPath := ""
			if tt.projectConfig != "" {
				projectPath = writeFile(t, tmpDir, "project.json", tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := cfg.Scheduler.MaxConcurrentTasks; got != tt.expectWorkers {
				t.Errorf("max_concurrent_tasks = %d, want %d", got, tt.expectWorkers)
			}
			if got := cfg.Sync.Strategy; got != tt.expectStrategy {
				t.Errorf("strategy = %q, want %q", got, tt.expectStrategy)
			}
			if got := len(cfg.Workflows); got != tt.expectWorkflows {
				t.Errorf("workflows count = %d, want %d", got, tt.expectWorkflows)
			}
			if got := cfg.Sync.Interval.Std(); got != tt.expectInterval {
				t.Errorf("sync interval = %s, want %s", got, tt.expectInterval)
			}
			// Untouched sections keep their defaults
			if got := cfg.Progress.BroadcastInterval.Std(); got != time.Second {
				t.Errorf("broadcast interval = %s, want 1s", got)
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("loaded config should validate: %v", err)
			}
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	tmpDir := t.TempDir()
	globalPath := writeFile(t, tmpDir, "global.json", "{invalid json")

	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
	if !strings.Contains(err.Error(), "global.json") {
		t.Errorf("error should name the file, got: %v", err)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeFile(t, tmpDir, "project.json", `{"scheduler": {"default_timeout": "soon"}}`)

	if _, err := Load("", path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.Scheduler.MaxConcurrentTasks != 4 {
		t.Errorf("max_concurrent_tasks = %d, want 4", cfg.Scheduler.MaxConcurrentTasks)
	}
	if cfg.Workflows == nil {
		t.Error("workflows map should not be nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Scheduler.MaxConcurrentTasks = 0 },
			wantErr: "MaxConcurrentTasks",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.Sync.Strategy = "coin-flip" },
			wantErr: "Strategy",
		},
		{
			name:    "bad remote URL",
			mutate:  func(c *Config) { c.Sync.Remote = "not a url" },
			wantErr: "Remote",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "Level",
		},
		{
			name: "single-step workflow",
			mutate: func(c *Config) {
				c.Workflows["solo"] = WorkflowConfig{Steps: []WorkflowStep{{Type: "build"}}}
			},
			wantErr: "Steps",
		},
		{
			name:    "encryption without key",
			mutate:  func(c *Config) { c.Storage.Encrypt = true },
			wantErr: "encrypt",
		},
		{
			name: "encryption with passphrase",
			mutate: func(c *Config) {
				c.Storage.Encrypt = true
				c.Storage.Passphrase = "hunter2"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}
