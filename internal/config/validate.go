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
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
)

// Validate accumulates every problem with the configuration rather than
// failing on the first. An empty slice means the configuration is usable.
func (c *Config) Validate() []string {
	var errs []string

	if c.WorkflowDirName == "" {
		errs = append(errs, "workflow_dir_name must not be empty")
	}
	if c.TasksFilename == "" {
		errs = append(errs, "tasks_filename must not be empty")
	}
	if c.PollInterval <= 0 {
		errs = append(errs, "poll_interval_s must be positive")
	}
	if c.MinTerminalCols <= 0 {
		errs = append(errs, "min_terminal_cols must be positive")
	}
	if c.MinTerminalRows <= 0 {
		errs = append(errs, "min_terminal_rows must be positive")
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.max_retries must not be negative")
	}
	if c.Retry.BaseBackoff <= 0 {
		errs = append(errs, "retry.base_backoff_s must be positive")
	}
	if c.Retry.Multiplier <= 1.0 {
		errs = append(errs, "retry.multiplier must be greater than 1.0")
	}
	if c.Retry.Cap < c.Retry.BaseBackoff {
		errs = append(errs, "retry.cap_s must be >= retry.base_backoff_s")
	}

	if c.Completion.MaxProbes <= 0 {
		errs = append(errs, "completion.max_probes must be positive")
	}
	if c.Completion.ProbeInterval <= 0 {
		errs = append(errs, "completion.probe_interval_s must be positive")
	}
	if c.Completion.ProbeTimeout <= 0 {
		errs = append(errs, "completion.probe_timeout_s must be positive")
	}

	if c.NoCommitLimit <= 0 {
		errs = append(errs, "no_commit_limit must be positive")
	}
	if c.MaxParallel <= 0 {
		errs = append(errs, "max_parallel must be positive")
	}

	for i, pattern := range c.MockOnlyPathPatterns {
		if pattern == "" {
			errs = append(errs, fmt.Sprintf("mock_only_path_patterns[%d] must not be empty", i))
		}
	}

	switch c.Log.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be one of: json, text", c.Log.Format))
	}

	return errs
}

// hashConfig derives the config_hash recorded against each runner so that
// Restore can detect a configuration drift between a resumed runner and the
// configuration currently on disk.
func hashConfig(c *Config) (string, error) {
	h, err := hashstructure.Hash(c, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hash config: %w", err)
	}
	return fmt.Sprintf("%x", h), nil
}
