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

// Package config loads and validates the runner's configuration: the
// workspace discovery roots, polling/retry/completion tunables, and the
// commit-gate and logging knobs enumerated in the configuration contract.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	runnererrors "github.com/RyosukeMondo/spec-workflow-runner/pkg/errors"
)

// RetryConfig holds the exponential-backoff tunables for the retry policy (C3).
type RetryConfig struct {
	Enabled     bool          `yaml:"on_crash"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff_s"`
	Multiplier  float64       `yaml:"multiplier"`
	Cap         time.Duration `yaml:"cap_s"`
}

// CompletionConfig holds the tunables for the Smart Completion Checker (C7).
type CompletionConfig struct {
	MaxProbes         int           `yaml:"max_probes"`
	ProbeInterval     time.Duration `yaml:"probe_interval_s"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout_s"`
	FinalRescue       bool          `yaml:"final_rescue"`
}

// Config is the root configuration document, loaded from YAML and
// overridden by RUNNER_-prefixed environment variables.
type Config struct {
	WorkspaceRoot     string   `yaml:"workspace_root"`
	WorkflowDirName   string   `yaml:"workflow_dir_name"`
	TasksFilename     string   `yaml:"tasks_filename"`
	PollInterval      time.Duration `yaml:"poll_interval_s"`
	LogTailBytes      int64    `yaml:"log_tail_bytes"`
	MinTerminalCols   int      `yaml:"min_terminal_cols"`
	MinTerminalRows   int      `yaml:"min_terminal_rows"`

	Retry      RetryConfig      `yaml:"retry"`
	Completion CompletionConfig `yaml:"completion"`

	CommitGateEnabled  bool `yaml:"commit_gate_enabled"`
	ThreePhaseEnabled  bool `yaml:"three_phase_enabled"`
	NoCommitLimit      int  `yaml:"no_commit_limit"`

	// MaxParallel is the soft concurrency limit on simultaneous driver
	// threads (§5); breach emits a warning event but is not enforced.
	MaxParallel int `yaml:"max_parallel"`

	// ProviderConfigOverrides is an opaque pass-through map to the
	// provider adapter (§6.6); values may themselves be small expr-lang
	// expressions evaluated by internal/provider.
	ProviderConfigOverrides map[string]string `yaml:"provider_config_overrides"`

	// MockOnlyPathPatterns is the glob set (matched with doublestar) used
	// by the Validator and Phase 3 to classify a task's declared Files as
	// mock/test-only.
	MockOnlyPathPatterns []string `yaml:"mock_only_path_patterns"`

	Log LogConfig `yaml:"log"`
}

// LogConfig configures the structured logger (C10).
type LogConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Path         string `yaml:"path"`
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
	MaxBackups   int    `yaml:"max_backups"`
}

// Default returns the configuration with every default named in the
// specification: poll interval 2s, retry base 5s/multiplier 2.0/cap
// 300s/max_retries 3, completion max_probes 5/probe_interval 30s/
// probe_timeout 60s, no_commit_limit 3, soft concurrency limit 5.
func Default() *Config {
	return &Config{
		WorkflowDirName: ".spec-workflow",
		TasksFilename:   "tasks.md",
		PollInterval:    2 * time.Second,
		LogTailBytes:    8192,
		MinTerminalCols: 80,
		MinTerminalRows: 24,
		Retry: RetryConfig{
			Enabled:     true,
			MaxRetries:  3,
			BaseBackoff: 5 * time.Second,
			Multiplier:  2.0,
			Cap:         300 * time.Second,
		},
		Completion: CompletionConfig{
			MaxProbes:     5,
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  60 * time.Second,
			FinalRescue:   true,
		},
		CommitGateEnabled: true,
		ThreePhaseEnabled: true,
		NoCommitLimit:     3,
		MaxParallel:       5,
		MockOnlyPathPatterns: []string{
			"**/*_test.go",
			"**/*.test.ts",
			"**/mocks/**",
			"**/__mocks__/**",
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			MaxSizeBytes: 1024 * 1024 * 1024,
			MaxBackups:   5,
		},
	}
}

// Load reads configuration from path (or the XDG default location if path
// is empty), applies defaults for unset fields, then applies environment
// overrides, then validates. A missing config file is not an error — the
// defaults (plus env overrides) are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		p, err := ConfigPath()
		if err == nil {
			path = p
		}
	}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			loaded := &Config{}
			if err := yaml.Unmarshal(data, loaded); err != nil {
				return nil, &runnererrors.ConfigError{Key: path, Reason: "invalid YAML", Cause: err}
			}
			applyOverrides(cfg, loaded)
		} else if !os.IsNotExist(err) {
			return nil, &runnererrors.ConfigError{Key: path, Reason: "failed to read config file", Cause: err}
		}
	}

	loadFromEnv(cfg)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, &runnererrors.ConfigError{Reason: strings.Join(errs, "; ")}
	}

	return cfg, nil
}

// applyOverrides merges non-zero fields from loaded onto cfg (cfg already
// carries defaults).
func applyOverrides(cfg, loaded *Config) {
	if loaded.WorkspaceRoot != "" {
		cfg.WorkspaceRoot = loaded.WorkspaceRoot
	}
	if loaded.WorkflowDirName != "" {
		cfg.WorkflowDirName = loaded.WorkflowDirName
	}
	if loaded.TasksFilename != "" {
		cfg.TasksFilename = loaded.TasksFilename
	}
	if loaded.PollInterval != 0 {
		cfg.PollInterval = loaded.PollInterval
	}
	if loaded.LogTailBytes != 0 {
		cfg.LogTailBytes = loaded.LogTailBytes
	}
	if loaded.MinTerminalCols != 0 {
		cfg.MinTerminalCols = loaded.MinTerminalCols
	}
	if loaded.MinTerminalRows != 0 {
		cfg.MinTerminalRows = loaded.MinTerminalRows
	}
	if loaded.Retry.MaxRetries != 0 {
		cfg.Retry.MaxRetries = loaded.Retry.MaxRetries
	}
	if loaded.Retry.BaseBackoff != 0 {
		cfg.Retry.BaseBackoff = loaded.Retry.BaseBackoff
	}
	if loaded.Retry.Multiplier != 0 {
		cfg.Retry.Multiplier = loaded.Retry.Multiplier
	}
	if loaded.Retry.Cap != 0 {
		cfg.Retry.Cap = loaded.Retry.Cap
	}
	cfg.Retry.Enabled = loaded.Retry.Enabled || cfg.Retry.Enabled
	if loaded.Completion.MaxProbes != 0 {
		cfg.Completion.MaxProbes = loaded.Completion.MaxProbes
	}
	if loaded.Completion.ProbeInterval != 0 {
		cfg.Completion.ProbeInterval = loaded.Completion.ProbeInterval
	}
	if loaded.Completion.ProbeTimeout != 0 {
		cfg.Completion.ProbeTimeout = loaded.Completion.ProbeTimeout
	}
	cfg.Completion.FinalRescue = loaded.Completion.FinalRescue || cfg.Completion.FinalRescue
	cfg.CommitGateEnabled = loaded.CommitGateEnabled || cfg.CommitGateEnabled
	cfg.ThreePhaseEnabled = loaded.ThreePhaseEnabled || cfg.ThreePhaseEnabled
	if loaded.NoCommitLimit != 0 {
		cfg.NoCommitLimit = loaded.NoCommitLimit
	}
	if loaded.MaxParallel != 0 {
		cfg.MaxParallel = loaded.MaxParallel
	}
	if len(loaded.ProviderConfigOverrides) > 0 {
		cfg.ProviderConfigOverrides = loaded.ProviderConfigOverrides
	}
	if len(loaded.MockOnlyPathPatterns) > 0 {
		cfg.MockOnlyPathPatterns = loaded.MockOnlyPathPatterns
	}
	if loaded.Log.Level != "" {
		cfg.Log.Level = loaded.Log.Level
	}
	if loaded.Log.Format != "" {
		cfg.Log.Format = loaded.Log.Format
	}
	if loaded.Log.Path != "" {
		cfg.Log.Path = loaded.Log.Path
	}
	if loaded.Log.MaxSizeBytes != 0 {
		cfg.Log.MaxSizeBytes = loaded.Log.MaxSizeBytes
	}
	if loaded.Log.MaxBackups != 0 {
		cfg.Log.MaxBackups = loaded.Log.MaxBackups
	}
}

// loadFromEnv applies RUNNER_-prefixed environment variable overrides.
func loadFromEnv(cfg *Config) {
	if v := os.Getenv("RUNNER_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("RUNNER_WORKFLOW_DIR_NAME"); v != "" {
		cfg.WorkflowDirName = v
	}
	if v := os.Getenv("RUNNER_TASKS_FILENAME"); v != "" {
		cfg.TasksFilename = v
	}
	if v := os.Getenv("RUNNER_POLL_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("RUNNER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("RUNNER_NO_COMMIT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NoCommitLimit = n
		}
	}
	if v := os.Getenv("RUNNER_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallel = n
		}
	}
	if v := os.Getenv("RUNNER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	} else if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RUNNER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	} else if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("RUNNER_COMMIT_GATE_ENABLED"); v != "" {
		cfg.CommitGateEnabled = v == "true" || v == "1"
	}
}

// Hash computes the config_hash stored with each RunnerRecord (§3.1, §4.9)
// from the fields that affect runner behavior.
func (c *Config) Hash() (string, error) {
	return hashConfig(c)
}
