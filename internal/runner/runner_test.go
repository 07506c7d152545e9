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

package runner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/config"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/retry"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/store"
	runnererrors "github.com/RyosukeMondo/spec-workflow-runner/pkg/errors"
)

type fakeProvider struct {
	argv        []string
	healthErr   error
	buildErr    error
}

func (f *fakeProvider) BuildArgv(prompt, projectPath string, overrides map[string]string) ([]string, error) {
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return f.argv, nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context, projectPath string) error {
	return f.healthErr
}

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

const pendingTask = "- [ ] 1 Do the thing\n"

func newManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.RetryConfig{Enabled: true, MaxRetries: 3, BaseBackoff: time.Millisecond, Multiplier: 2.0, Cap: time.Second}
	statePath := filepath.Join(t.TempDir(), "runner-state.json")
	return New(discardLogger(), retry.New(cfg), statePath)
}

func baseRequest(dir, tasksPath string) StartRequest {
	return StartRequest{
		ProjectPath:  dir,
		SpecName:     "add-auth",
		ProviderName: "claude",
		ModelName:    "default",
		Provider:     &fakeProvider{argv: []string{"true"}},
		Prompt:       "implement",
		TasksPath:    tasksPath,
		LogDir:       filepath.Join(dir, "logs"),
		ConfigHash:   "hash-1",
		MaxRetries:   3,
	}
}

func TestStart_PreconditionDirtyWorkingTree(t *testing.T) {
	dir := initRepo(t)
	tasksPath := writeTasks(t, dir, pendingTask)
	if err := os.WriteFile(filepath.Join(dir, "dirty.txt"), []byte("oops"), 0o644); err != nil {
		t.Fatalf("write dirty file: %v", err)
	}

	m := newManager(t)
	_, err := m.Start(context.Background(), baseRequest(dir, tasksPath))
	if err == nil {
		t.Fatal("Start() error = nil, want precondition failure for dirty working tree")
	}
	var precondErr *runnererrors.PreconditionFailedError
	if !isPrecondition(err, &precondErr) {
		t.Errorf("Start() error = %v, want *PreconditionFailedError", err)
	}
}

func TestStart_PreconditionNoPendingTasks(t *testing.T) {
	dir := initRepo(t)
	tasksPath := writeTasks(t, dir, "- [x] 1 Already done\n")

	m := newManager(t)
	_, err := m.Start(context.Background(), baseRequest(dir, tasksPath))
	if err == nil {
		t.Fatal("Start() error = nil, want precondition failure for no pending tasks")
	}
}

func TestStart_PreconditionProviderHealthCheckFails(t *testing.T) {
	dir := initRepo(t)
	tasksPath := writeTasks(t, dir, pendingTask)

	m := newManager(t)
	req := baseRequest(dir, tasksPath)
	req.Provider = &fakeProvider{argv: []string{"true"}, healthErr: errProviderDown}
	_, err := m.Start(context.Background(), req)
	if err == nil {
		t.Fatal("Start() error = nil, want precondition failure for failed health check")
	}
}

func TestStart_SpawnsPersistsAndStops(t *testing.T) {
	dir := initRepo(t)
	tasksPath := writeTasks(t, dir, pendingTask)

	m := newManager(t)
	req := baseRequest(dir, tasksPath)
	req.Provider = &fakeProvider{argv: []string{"sleep", "5"}}

	rec, err := m.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if rec.Status != store.RunnerRunning {
		t.Errorf("Start() status = %v, want running", rec.Status)
	}
	if rec.PID == 0 {
		t.Error("Start() PID = 0, want nonzero")
	}
	if rec.BaselineCommit == "" {
		t.Error("Start() BaselineCommit is empty")
	}

	active := m.ListActive()
	if len(active) != 1 || active[0].ID != rec.ID {
		t.Fatalf("ListActive() = %v, want one record matching %s", active, rec.ID)
	}

	status, err := m.Status(rec.ID)
	if err != nil || status != store.RunnerRunning {
		t.Errorf("Status() = (%v, %v), want (running, nil)", status, err)
	}

	if err := m.Stop(rec.ID, 2*time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if _, err := m.Status(rec.ID); err == nil {
		t.Error("Status() after Stop() error = nil, want not-found")
	}
	if got := m.ListActive(); len(got) != 0 {
		t.Errorf("ListActive() after Stop() = %v, want empty", got)
	}
}

func TestStart_RejectsConcurrentSameProjectSpec(t *testing.T) {
	dir := initRepo(t)
	tasksPath := writeTasks(t, dir, pendingTask)

	m := newManager(t)
	req := baseRequest(dir, tasksPath)
	req.Provider = &fakeProvider{argv: []string{"sleep", "5"}}

	rec, err := m.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop(rec.ID, time.Second)

	if _, err := m.Start(context.Background(), req); err == nil {
		t.Fatal("second Start() error = nil, want RM1 violation rejected")
	}
}

func TestStatus_NotFound(t *testing.T) {
	m := newManager(t)
	if _, err := m.Status("does-not-exist"); err == nil {
		t.Fatal("Status() error = nil, want not-found")
	}
}

func TestRestore_DropsRecordWithDeadPID(t *testing.T) {
	m := newManager(t)
	persisted := []store.RunnerRecord{
		{ID: "dead-1", PID: 999999, CmdFingerprint: "claude", Status: store.RunnerRunning, ConfigHash: "hash-1"},
	}
	m.Restore("hash-1", persisted)
	if got := m.ListActive(); len(got) != 0 {
		t.Errorf("ListActive() after Restore() = %v, want empty for a dead PID", got)
	}
}

func TestRestore_DropsRecordWithMismatchedConfigHash(t *testing.T) {
	m := newManager(t)
	persisted := []store.RunnerRecord{
		{ID: "stale-1", PID: os.Getpid(), CmdFingerprint: "", Status: store.RunnerRunning, ConfigHash: "old-hash"},
	}
	m.Restore("new-hash", persisted)
	if got := m.ListActive(); len(got) != 0 {
		t.Errorf("ListActive() after Restore() = %v, want empty for mismatched config_hash", got)
	}
}

func TestRestore_KeepsRecordWithLivePIDAndMatchingHash(t *testing.T) {
	m := newManager(t)
	persisted := []store.RunnerRecord{
		{ID: "live-1", PID: os.Getpid(), CmdFingerprint: "", Status: store.RunnerRunning, ConfigHash: "hash-1"},
	}
	m.Restore("hash-1", persisted)
	got := m.ListActive()
	if len(got) != 1 || got[0].ID != "live-1" {
		t.Errorf("ListActive() after Restore() = %v, want [live-1]", got)
	}
}

func TestMaybeRetry_NotScheduledWhenRetriesExhausted(t *testing.T) {
	m := newManager(t)
	exitCode := 1
	m.records["r1"] = &runtimeRecord{record: store.RunnerRecord{
		ID: "r1", Status: store.RunnerCrashed, ExitCode: &exitCode, RetryCount: 3, MaxRetries: 3,
	}}

	scheduled, err := m.MaybeRetry(context.Background(), "r1")
	if err != nil {
		t.Fatalf("MaybeRetry() error = %v", err)
	}
	if scheduled {
		t.Error("MaybeRetry() scheduled = true, want false when retry_count == max_retries")
	}
}

func TestMaybeRetry_NotFound(t *testing.T) {
	m := newManager(t)
	if _, err := m.MaybeRetry(context.Background(), "nope"); err == nil {
		t.Fatal("MaybeRetry() error = nil, want not-found")
	}
}

var errProviderDown = &runnererrors.ProviderError{Provider: "claude", Message: "mcp server not running"}

func isPrecondition(err error, target **runnererrors.PreconditionFailedError) bool {
	if pe, ok := err.(*runnererrors.PreconditionFailedError); ok {
		*target = pe
		return true
	}
	return false
}
