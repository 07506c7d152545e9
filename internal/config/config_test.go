// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.PollInterval != 2*time.Second {
		t.Errorf("expected poll interval 2s, got %v", cfg.PollInterval)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseBackoff != 5*time.Second {
		t.Errorf("expected retry base backoff 5s, got %v", cfg.Retry.BaseBackoff)
	}
	if cfg.Retry.Multiplier != 2.0 {
		t.Errorf("expected retry multiplier 2.0, got %v", cfg.Retry.Multiplier)
	}
	if cfg.Retry.Cap != 300*time.Second {
		t.Errorf("expected retry cap 300s, got %v", cfg.Retry.Cap)
	}
	if cfg.Completion.MaxProbes != 5 {
		t.Errorf("expected max probes 5, got %d", cfg.Completion.MaxProbes)
	}
	if cfg.Completion.ProbeInterval != 30*time.Second {
		t.Errorf("expected probe interval 30s, got %v", cfg.Completion.ProbeInterval)
	}
	if cfg.Completion.ProbeTimeout != 60*time.Second {
		t.Errorf("expected probe timeout 60s, got %v", cfg.Completion.ProbeTimeout)
	}
	if cfg.NoCommitLimit != 3 {
		t.Errorf("expected no_commit_limit 3, got %d", cfg.NoCommitLimit)
	}
	if cfg.MaxParallel != 5 {
		t.Errorf("expected max_parallel 5, got %d", cfg.MaxParallel)
	}
	if !cfg.CommitGateEnabled {
		t.Errorf("expected commit_gate_enabled true")
	}
	if len(cfg.MockOnlyPathPatterns) == 0 {
		t.Errorf("expected default mock_only_path_patterns to be non-empty")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "empty workflow dir name",
			modify:  func(c *Config) { c.WorkflowDirName = "" },
			wantErr: "workflow_dir_name must not be empty",
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.PollInterval = 0 },
			wantErr: "poll_interval_s must be positive",
		},
		{
			name:    "retry multiplier too small",
			modify:  func(c *Config) { c.Retry.Multiplier = 1.0 },
			wantErr: "retry.multiplier must be greater than 1.0",
		},
		{
			name:    "retry cap below base",
			modify:  func(c *Config) { c.Retry.Cap = 1 * time.Second },
			wantErr: "retry.cap_s must be >= retry.base_backoff_s",
		},
		{
			name:    "zero probe timeout",
			modify:  func(c *Config) { c.Completion.ProbeTimeout = 0 },
			wantErr: "completion.probe_timeout_s must be positive",
		},
		{
			name:    "no commit limit zero",
			modify:  func(c *Config) { c.NoCommitLimit = 0 },
			wantErr: "no_commit_limit must be positive",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: `log.format "xml" must be one of: json, text`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			errs := cfg.Validate()
			if tt.wantErr == "" {
				if len(errs) != 0 {
					t.Errorf("expected no errors, got %v", errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if e == tt.wantErr {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("expected error %q in %v", tt.wantErr, errs)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("RUNNER_POLL_INTERVAL_S", "10")
	os.Setenv("RUNNER_MAX_RETRIES", "7")
	os.Setenv("RUNNER_NO_COMMIT_LIMIT", "5")
	os.Setenv("RUNNER_LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("RUNNER_POLL_INTERVAL_S")
		os.Unsetenv("RUNNER_MAX_RETRIES")
		os.Unsetenv("RUNNER_NO_COMMIT_LIMIT")
		os.Unsetenv("RUNNER_LOG_LEVEL")
	}()

	cfg := Default()
	loadFromEnv(cfg)

	if cfg.PollInterval != 10*time.Second {
		t.Errorf("expected poll interval 10s, got %v", cfg.PollInterval)
	}
	if cfg.Retry.MaxRetries != 7 {
		t.Errorf("expected max retries 7, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.NoCommitLimit != 5 {
		t.Errorf("expected no_commit_limit 5, got %d", cfg.NoCommitLimit)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Log.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := []byte(`
workspace_root: /srv/projects
poll_interval_s: 5s
retry:
  max_retries: 10
no_commit_limit: 4
`)
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WorkspaceRoot != "/srv/projects" {
		t.Errorf("expected workspace_root /srv/projects, got %q", cfg.WorkspaceRoot)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("expected poll interval 5s, got %v", cfg.PollInterval)
	}
	if cfg.Retry.MaxRetries != 10 {
		t.Errorf("expected max retries 10, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.NoCommitLimit != 4 {
		t.Errorf("expected no_commit_limit 4, got %d", cfg.NoCommitLimit)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("expected default poll interval, got %v", cfg.PollInterval)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("not: valid: yaml: [["), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Errorf("expected error for invalid YAML")
	}
}

func TestLoadValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("no_commit_limit: -1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Errorf("expected validation error")
	}
}

func TestHashDeterministic(t *testing.T) {
	a := Default()
	b := Default()

	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if ha != hb {
		t.Errorf("expected identical configs to hash identically: %s != %s", ha, hb)
	}

	b.MaxParallel = 99
	hc, err := b.Hash()
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if ha == hc {
		t.Errorf("expected different configs to hash differently")
	}
}
