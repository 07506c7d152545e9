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

// Package store implements the runner state file and project discovery
// cache: flat JSON documents written with write-to-temp-then-rename so a
// reader never observes a partial write, and read back defensively — a
// corrupt document is logged and treated as empty rather than failing the
// caller.
package store

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/RyosukeMondo/spec-workflow-runner/pkg/security"
)

// LoadRunnerState reads the runner state document at path. A missing file
// is not an error: it returns an empty, version-stamped state. A corrupt
// file logs a warning, is removed, and also yields an empty state — per
// spec, read errors degrade to last-known-empty rather than propagate.
func LoadRunnerState(logger *slog.Logger, path string) (*RunnerState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Missing file is the common startup case; any other read error
		// (permissions, I/O) also degrades to empty state rather than
		// failing the caller — see spec's read-error propagation policy.
		return emptyRunnerState(), nil
	}

	var state RunnerState
	if err := json.Unmarshal(data, &state); err != nil {
		logger.Warn("corrupt runner state file, resetting to empty", "path", path, "error", err)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("failed to remove corrupt runner state file", "path", path, "error", rmErr)
		}
		return emptyRunnerState(), nil
	}

	if state.Records == nil {
		state.Records = []RunnerRecord{}
	}
	return &state, nil
}

// SaveRunnerState atomically persists the runner state document.
func SaveRunnerState(path string, state *RunnerState) error {
	state.Version = runnerStateVersion
	state.SavedAt = time.Now()
	return writeAtomic(path, state)
}

func emptyRunnerState() *RunnerState {
	return &RunnerState{Version: runnerStateVersion, Records: []RunnerRecord{}}
}

// LoadProjectCache reads the project discovery cache at path. maxAge
// invalidates the cache (returns found=false) if its SavedAt is older than
// maxAge, or if rootDigest does not match the caller's current digest of
// the configured workspace root.
func LoadProjectCache(logger *slog.Logger, path string, rootDigest string, maxAge time.Duration) (cache *ProjectCache, found bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var c ProjectCache
	if err := json.Unmarshal(data, &c); err != nil {
		logger.Warn("corrupt project cache file, resetting", "path", path, "error", err)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("failed to remove corrupt project cache file", "path", path, "error", rmErr)
		}
		return nil, false
	}

	if c.RootDigest != rootDigest {
		return nil, false
	}
	if maxAge > 0 && time.Since(c.SavedAt) > maxAge {
		return nil, false
	}

	return &c, true
}

// SaveProjectCache atomically persists the project discovery cache.
func SaveProjectCache(path string, cache *ProjectCache) error {
	cache.Version = projectCacheVersion
	cache.SavedAt = time.Now()
	return writeAtomic(path, cache)
}

// writeAtomic marshals v as indented JSON and writes it to path via a
// temp-file-then-rename, so a crash mid-write never leaves a partial
// document at path.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fileMode, dirMode := security.DeterminePermissions(path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".runner-store-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	if err := tmp.Chmod(fileMode); err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	// The deferred cleanup cannot remove the file just renamed into place:
	// nothing remains at tmpPath, and os.Remove on it is a silent no-op.
	return nil
}
