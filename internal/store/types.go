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

package store

import "time"

// RunnerStatus is a RunnerRecord's lifecycle state.
type RunnerStatus string

const (
	RunnerStarting  RunnerStatus = "starting"
	RunnerRunning   RunnerStatus = "running"
	RunnerCompleted RunnerStatus = "completed"
	RunnerStopped   RunnerStatus = "stopped"
	RunnerCrashed   RunnerStatus = "crashed"
)

// RunnerRecord is the durable handle for one supervised subprocess. The
// Runner Manager exclusively owns and mutates the live copy; what this
// package persists is always a snapshot, never a shared reference.
type RunnerRecord struct {
	ID             string `json:"id"`
	ProjectPath    string `json:"project_path"`
	SpecName       string `json:"spec_name"`
	ProviderName   string `json:"provider_name"`
	ModelName      string `json:"model_name"`
	PID            int    `json:"pid"`
	CmdFingerprint string `json:"cmd_fingerprint"`

	StartTime        time.Time  `json:"start_time"`
	LastActivityTime time.Time  `json:"last_activity_time"`
	LastRetryTime    *time.Time `json:"last_retry_time,omitempty"`

	Status   RunnerStatus `json:"status"`
	ExitCode *int         `json:"exit_code,omitempty"`

	RetryCount     int    `json:"retry_count"`
	MaxRetries     int    `json:"max_retries"`
	ConfigHash     string `json:"config_hash"`
	LogPath        string `json:"log_path"`
	BaselineCommit string `json:"baseline_commit"`
}

// RunnerState is the top-level document persisted for all active runners
// on a host.
type RunnerState struct {
	Version int            `json:"version"`
	Records []RunnerRecord `json:"records"`
	SavedAt time.Time      `json:"saved_at"`
}

// ProjectCacheEntry is one discovered project in the cache document.
type ProjectCacheEntry struct {
	Path string `json:"path"`
}

// ProjectCache is the discovery cache document: the set of project paths
// found under the configured workspace root, plus a digest of that root
// used to invalidate the cache when the root's contents change.
type ProjectCache struct {
	Version    int                 `json:"version"`
	RootDigest string              `json:"root_digest"`
	Projects   []ProjectCacheEntry `json:"projects"`
	SavedAt    time.Time           `json:"saved_at"`
}

const (
	runnerStateVersion  = 1
	projectCacheVersion = 1
)
