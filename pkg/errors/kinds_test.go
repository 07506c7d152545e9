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

package errors_test

import (
	"errors"
	"testing"

	runnererrors "github.com/RyosukeMondo/spec-workflow-runner/pkg/errors"
)

func TestErrorKinds_ClassifierAndMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      runnererrors.Classifier
		wantKind string
	}{
		{
			name:     "task format invalid",
			err:      &runnererrors.TaskFormatInvalidError{Path: "tasks.md", Issues: []string{"missing task id"}},
			wantKind: "task_format_invalid",
		},
		{
			name:     "precondition failed",
			err:      &runnererrors.PreconditionFailedError{Reason: "working tree is dirty"},
			wantKind: "precondition_failed",
		},
		{
			name:     "spawn failed",
			err:      &runnererrors.SpawnFailedError{Command: "claude", Cause: errors.New("executable not found")},
			wantKind: "spawn_failed",
		},
		{
			name:     "subprocess crashed",
			err:      &runnererrors.SubprocessCrashedError{RunnerID: "r-1", ExitCode: 1},
			wantKind: "subprocess_crashed",
		},
		{
			name:     "probe malformed",
			err:      &runnererrors.ProbeMalformedError{Raw: "not json"},
			wantKind: "probe_malformed",
		},
		{
			name:     "probe timeout",
			err:      &runnererrors.ProbeTimeoutError{Timeout: "60s"},
			wantKind: "probe_timeout",
		},
		{
			name:     "rescue failed",
			err:      &runnererrors.RescueFailedError{Detail: "git commit exited 1"},
			wantKind: "rescue_failed",
		},
		{
			name:     "stalled",
			err:      &runnererrors.StalledError{Streak: 3, Limit: 3},
			wantKind: "stalled",
		},
		{
			name:     "persistence error",
			err:      &runnererrors.PersistenceError{Path: "state.json", Op: "write", Cause: errors.New("disk full")},
			wantKind: "persistence_error",
		},
		{
			name:     "fs read error",
			err:      &runnererrors.FSReadError{Path: "tasks.md", Cause: errors.New("permission denied")},
			wantKind: "fs_read_error",
		},
		{
			name:     "fs write error",
			err:      &runnererrors.FSWriteError{Path: "tasks.md", Cause: errors.New("permission denied")},
			wantKind: "fs_write_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Classifier(); got != tt.wantKind {
				t.Errorf("Classifier() = %q, want %q", got, tt.wantKind)
			}
			if tt.err.Error() == "" {
				t.Errorf("Error() returned empty string")
			}
		})
	}
}

func TestErrorKinds_Unwrap(t *testing.T) {
	cause := errors.New("root cause")

	spawnErr := &runnererrors.SpawnFailedError{Command: "claude", Cause: cause}
	if !errors.Is(spawnErr, cause) {
		t.Errorf("SpawnFailedError does not unwrap to cause")
	}

	persistErr := &runnererrors.PersistenceError{Path: "state.json", Op: "read", Cause: cause}
	if !errors.Is(persistErr, cause) {
		t.Errorf("PersistenceError does not unwrap to cause")
	}

	readErr := &runnererrors.FSReadError{Path: "tasks.md", Cause: cause}
	if !errors.Is(readErr, cause) {
		t.Errorf("FSReadError does not unwrap to cause")
	}

	writeErr := &runnererrors.FSWriteError{Path: "tasks.md", Cause: cause}
	if !errors.Is(writeErr, cause) {
		t.Errorf("FSWriteError does not unwrap to cause")
	}
}

func TestStalledError_Message(t *testing.T) {
	err := &runnererrors.StalledError{Streak: 3, Limit: 3}
	want := "stalled: 3 consecutive no-commit iterations (limit 3)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
