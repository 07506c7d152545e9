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

package driver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/completion"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/config"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/retry"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/runner"
	runnererrors "github.com/RyosukeMondo/spec-workflow-runner/pkg/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %s: %v", args, out, err)
		}
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func writeTasks(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "tasks.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write tasks.md: %v", err)
	}
	return path
}

func newRunnerManager(t *testing.T) *runner.Manager {
	t.Helper()
	cfg := config.RetryConfig{Enabled: true, MaxRetries: 3, BaseBackoff: time.Millisecond, Multiplier: 2.0, Cap: time.Second}
	statePath := filepath.Join(t.TempDir(), "runner-state.json")
	return runner.New(discardLogger(), retry.New(cfg), statePath)
}

// fakeProvider builds an argv that commits a file and exits 0 — a stand-in
// for an AI provider subprocess that makes real progress.
type fakeProvider struct {
	argv []string
}

func (f *fakeProvider) BuildArgv(prompt, projectPath string, overrides map[string]string) ([]string, error) {
	return f.argv, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context, projectPath string) error { return nil }

func commitScript(dir, filename, msg string) []string {
	script := "cd " + dir + " && echo done > " + filename +
		" && git add " + filename + " && git -c user.email=test@example.com -c user.name=test commit -m '" + msg + "'"
	return []string{"sh", "-c", script}
}

func newDriver(t *testing.T, runners *runner.Manager, checker *completion.Checker) *Driver {
	t.Helper()
	cfg := Config{NoCommitLimit: 2, CommitGateEnabled: true, PollInterval: 20 * time.Millisecond}
	return New(cfg, runners, checker, discardLogger())
}

func baseRequest(dir, tasksPath string, prov *fakeProvider) IterationRequest {
	return IterationRequest{
		ProjectPath: dir,
		SpecName:    "add-auth",
		ProviderName: "claude",
		ModelName:    "default",
		Provider:    prov,
		TasksPath:   tasksPath,
		LogDir:      filepath.Join(dir, "logs"),
		ConfigHash:  "hash-1",
		MaxRetries:  3,
	}
}

func TestRun_AlreadyDone_ReturnsIterationDoneWithoutSpawning(t *testing.T) {
	dir := initRepo(t)
	tasksPath := writeTasks(t, dir, "- [x] 1 Already done\n  - **Files**: README.md\n")

	runners := newRunnerManager(t)
	checker := completion.New(completion.Config{MaxProbes: 1, ProbeInterval: time.Millisecond, ProbeTimeout: time.Second}, nil, nil)
	d := newDriver(t, runners, checker)

	res, err := d.Run(context.Background(), baseRequest(dir, tasksPath, &fakeProvider{}))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeIterationDone || res.Iterations != 1 {
		t.Errorf("Run() = %+v, want IterationDone at iteration 1", res)
	}
}

func TestRun_TaskFormatInvalid(t *testing.T) {
	dir := initRepo(t)
	tasksPath := writeTasks(t, dir, "- [Q] 1 Malformed\n")

	runners := newRunnerManager(t)
	checker := completion.New(completion.Config{MaxProbes: 1, ProbeInterval: time.Millisecond, ProbeTimeout: time.Second}, nil, nil)
	d := newDriver(t, runners, checker)

	_, err := d.Run(context.Background(), baseRequest(dir, tasksPath, &fakeProvider{}))
	if err == nil {
		t.Fatal("Run() error = nil, want TaskFormatInvalidError")
	}
	var classifier runnererrors.Classifier
	if !as(err, &classifier) || classifier.Classifier() != "task_format_invalid" {
		t.Errorf("Run() error = %v, want task_format_invalid classifier", err)
	}
}

func TestRun_CommitDuringSession_CompletesIteration(t *testing.T) {
	dir := initRepo(t)
	// The task starts in_progress with a satisfied acceptance item so Phase 3
	// promotes it to completed once out.txt exists, ending the loop on the
	// next Phase 1 pass.
	tasksPath := writeTasks(t, dir, "- [-] 1 Do the thing\n  - **Files**: out.txt\n  - **Acceptance**:\n    - [x] creates out.txt\n")

	runners := newRunnerManager(t)
	checker := completion.New(completion.Config{MaxProbes: 1, ProbeInterval: time.Millisecond, ProbeTimeout: time.Second}, nil, nil)
	d := newDriver(t, runners, checker)

	prov := &fakeProvider{argv: commitScript(dir, "out.txt", "implement task 1")}
	req := baseRequest(dir, tasksPath, prov)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := d.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Outcome != OutcomeIterationDone {
		t.Errorf("Run() outcome = %v, want IterationDone", res.Outcome)
	}
}

func as(err error, target *runnererrors.Classifier) bool {
	if c, ok := err.(runnererrors.Classifier); ok {
		*target = c
		return true
	}
	return false
}
