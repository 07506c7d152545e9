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

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/config"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/store"
)

// withIsolatedXDG points every XDG-derived path at a fresh temp tree so
// tests never touch the operator's real config/cache directories.
func withIsolatedXDG(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
}

func seedRunnerState(t *testing.T, records ...store.RunnerRecord) {
	t.Helper()
	statePath, err := config.RunnerStatePath()
	if err != nil {
		t.Fatalf("resolve state path: %v", err)
	}
	state := &store.RunnerState{Version: 1, Records: records, SavedAt: time.Now()}
	if err := store.SaveRunnerState(statePath, state); err != nil {
		t.Fatalf("seed runner state: %v", err)
	}
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestClassifierExitCode(t *testing.T) {
	cases := map[string]int{
		"stalled":             2,
		"task_format_invalid": 3,
		"precondition_failed": 4,
		"something_else":      1,
		"":                    1,
	}
	for classifier, want := range cases {
		if got := classifierExitCode(classifier); got != want {
			t.Errorf("classifierExitCode(%q) = %d, want %d", classifier, got, want)
		}
	}
}

func TestStatusCommand_NoActiveRunners(t *testing.T) {
	withIsolatedXDG(t)
	seedRunnerState(t)

	out, err := runCmd(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "no active runners") {
		t.Errorf("output %q does not report an empty active set", out)
	}
}

func TestStatusCommand_SpecificRunner(t *testing.T) {
	withIsolatedXDG(t)
	seedRunnerState(t, store.RunnerRecord{
		ID:          "r1",
		ProjectPath: "/tmp/proj",
		SpecName:    "auth",
		Status:      store.RunnerRunning,
		MaxRetries:  3,
	})

	out, err := runCmd(t, "status", "r1")
	if err != nil {
		t.Fatalf("status r1: %v", err)
	}
	if !strings.Contains(out, "r1") || !strings.Contains(out, "running") {
		t.Errorf("output %q missing expected runner fields", out)
	}

	if _, err := runCmd(t, "status", "missing"); err == nil {
		t.Error("expected an error for an unknown runner id")
	}
}

func TestStopCommand_UnknownRunner(t *testing.T) {
	withIsolatedXDG(t)
	seedRunnerState(t)

	if _, err := runCmd(t, "stop", "ghost", "--grace=5s"); err == nil {
		t.Error("expected an error stopping an id absent from the state file")
	}
}

func TestRetryCommand_ExhaustedBudgetWithoutForce_Errors(t *testing.T) {
	withIsolatedXDG(t)
	seedRunnerState(t, store.RunnerRecord{
		ID:         "r2",
		Status:     store.RunnerCrashed,
		RetryCount: 3,
		MaxRetries: 3,
	})

	out, err := runCmd(t, "retry", "r2")
	if err == nil {
		t.Fatalf("expected an error for an exhausted retry budget; output: %q", out)
	}
	if !strings.Contains(err.Error(), "--force") {
		t.Errorf("error %q should mention --force", err)
	}
}

func TestRetryCommand_UnknownRunner(t *testing.T) {
	withIsolatedXDG(t)
	seedRunnerState(t)

	if _, err := runCmd(t, "retry", "ghost"); err == nil {
		t.Error("expected an error retrying an id absent from the state file")
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "runnerctl") {
		t.Errorf("output %q missing runnerctl", out)
	}
}
