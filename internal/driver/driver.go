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

// Package driver implements the three-phase iteration driver: the
// orchestration loop that replaces a naive "run subprocess, check commits"
// cycle with Pre-session Validation, Implementation-under-commit-gate, and
// Post-session Verification, repeating until the spec is done or the
// no-commit streak trips the stall guard.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/commitgate"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/completion"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/fsprobe"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/gitprobe"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/provider"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/runner"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/store"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/taskdoc"
	runnererrors "github.com/RyosukeMondo/spec-workflow-runner/pkg/errors"
)

// Outcome is the terminal classification of a completed Run call.
type Outcome string

const (
	OutcomeIterationDone Outcome = "iteration_done"
)

// Config carries the driver's tunables.
type Config struct {
	MockOnlyPatterns  []string
	NoCommitLimit     int
	CommitGateEnabled bool
	PollInterval      time.Duration
}

// IterationRequest names the (project, spec) pair to drive and the
// provider to supervise it with.
type IterationRequest struct {
	ProjectPath       string
	SpecName          string
	ProviderName      string
	ModelName         string
	Provider          provider.Provider
	ProviderOverrides map[string]string
	TasksPath         string
	LogDir            string
	ConfigHash        string
	MaxRetries        int
}

// Result is the outcome of a completed Run: either IterationDone or an
// error (TaskFormatInvalidError, PreconditionFailedError, or
// *runnererrors.StalledError — all Classifier values per the
// non-interactive CLI exit contract).
type Result struct {
	Outcome    Outcome
	Iterations int
	FinalStats taskdoc.TaskStats
}

// Driver runs the three-phase loop for one (project, spec) at a time. A
// process may run several Drivers concurrently, one per active iteration.
type Driver struct {
	cfg     Config
	runners *runner.Manager
	checker *completion.Checker
	logger  *slog.Logger
}

// New constructs a Driver.
func New(cfg Config, runners *runner.Manager, checker *completion.Checker, logger *slog.Logger) *Driver {
	if cfg.NoCommitLimit <= 0 {
		cfg.NoCommitLimit = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Driver{cfg: cfg, runners: runners, checker: checker, logger: logger}
}

// Run drives (project, spec) through repeated Phase 1/2/3 iterations until
// the spec is done or the no-commit streak reaches NoCommitLimit.
func (d *Driver) Run(ctx context.Context, req IterationRequest) (Result, error) {
	if d.cfg.CommitGateEnabled {
		if recovered, err := commitgate.New(req.ProjectPath).Recover(); err != nil {
			d.logger.Warn("commit gate recovery sweep failed", "project", req.ProjectPath, "error", err)
		} else if recovered {
			d.logger.Info("recovered a commit gate left by a prior crashed run", "project", req.ProjectPath)
		}
	}

	noCommitStreak := 0

	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		stats, err := d.phase1(req, iteration)
		if err != nil {
			return Result{}, err
		}
		if stats.Total > 0 && stats.Total == stats.Completed {
			return Result{Outcome: OutcomeIterationDone, Iterations: iteration, FinalStats: stats}, nil
		}

		rec, err := d.phase2(ctx, req)
		if err != nil {
			return Result{}, err
		}

		result, taskStatusChanged, err := d.phase3(ctx, req, iteration, rec.BaselineCommit)
		if err != nil {
			return Result{}, err
		}

		if result.Complete {
			noCommitStreak = 0
			continue
		}

		if result.Status == completion.StatusTimeout && !taskStatusChanged {
			noCommitStreak++
			if noCommitStreak >= d.cfg.NoCommitLimit {
				return Result{}, &runnererrors.StalledError{Streak: noCommitStreak, Limit: d.cfg.NoCommitLimit}
			}
		}
	}
}

// phase1 runs Pre-session Validation: parse, validate (log issues),
// reset-unimplemented (atomic rewrite if it changed anything), and report
// current task stats.
func (d *Driver) phase1(req IterationRequest, iteration int) (taskdoc.TaskStats, error) {
	data, err := os.ReadFile(req.TasksPath)
	if err != nil {
		return taskdoc.TaskStats{}, &runnererrors.FSReadError{Path: req.TasksPath, Cause: err}
	}
	text := string(data)

	tasks, parseIssues := taskdoc.Parse(text)
	if hasErrorIssue(parseIssues) {
		return taskdoc.TaskStats{}, &runnererrors.TaskFormatInvalidError{Path: req.TasksPath, Issues: issueMessages(parseIssues)}
	}

	validationIssues := taskdoc.Validate(text, d.cfg.MockOnlyPatterns)
	d.writeLog(req.LogDir, req.SpecName, fmt.Sprintf("validation_%d.log", iteration), formatIssues(validationIssues))

	rewritten := taskdoc.ResetUnimplemented(text, fsprobe.Rooted(req.ProjectPath), d.cfg.MockOnlyPatterns)
	if rewritten != text {
		if err := atomicWrite(req.TasksPath, []byte(rewritten)); err != nil {
			return taskdoc.TaskStats{}, err
		}
		tasks, _ = taskdoc.Parse(rewritten)
	}

	return taskdoc.Count(tasks), nil
}

// phase2 runs Implementation under Commit Gate: install the gate, start
// the supervised subprocess, passively wait for it to leave the running
// state, and uninstall the gate unconditionally — including on panic.
func (d *Driver) phase2(ctx context.Context, req IterationRequest) (store.RunnerRecord, error) {
	var gate *commitgate.Gate
	if d.cfg.CommitGateEnabled {
		gate = commitgate.New(req.ProjectPath)
		if err := gate.Enter(); err != nil {
			return store.RunnerRecord{}, err
		}
		defer func() {
			if err := gate.Exit(); err != nil {
				d.logger.Warn("commit gate exit failed", "project", req.ProjectPath, "error", err)
			}
		}()
	}

	rec, err := d.runners.Start(ctx, runner.StartRequest{
		ProjectPath:       req.ProjectPath,
		SpecName:          req.SpecName,
		ProviderName:      req.ProviderName,
		ModelName:         req.ModelName,
		Provider:          req.Provider,
		Prompt:            implementationPrompt(req.SpecName),
		ProviderOverrides: req.ProviderOverrides,
		TasksPath:         req.TasksPath,
		LogDir:            req.LogDir,
		ConfigHash:        req.ConfigHash,
		MaxRetries:        req.MaxRetries,
	})
	if err != nil {
		return store.RunnerRecord{}, err
	}

	d.waitForExit(ctx, rec.ID)
	return rec, nil
}

// waitForExit polls status (driving health_scan, which itself decides
// crash-restarts) until the runner reaches a settled terminal state or
// its record is no longer tracked. This is the driver's "passive wait":
// cancellation is honored at each poll boundary, never mid-scan.
//
// A crashed record with a retry scheduled is not terminal: maybe_retry's
// backoff goroutine only restores RunnerRunning once it actually
// relaunches, seconds after health_scan observed the crash, so a naive
// "status != running" check would treat that gap as exit and let the
// caller start a second record for the same (project, spec) out from
// under the pending relaunch. retryPending latches across scan cycles
// until the runner is next seen running (the relaunch landed) or
// maybe_retry declines to schedule another attempt (retries exhausted).
func (d *Driver) waitForExit(ctx context.Context, id string) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	retryPending := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, change := range d.runners.HealthScan(ctx) {
				if change.RunnerID == id && change.Retrying {
					retryPending = true
				}
			}

			status, err := d.runners.Status(id)
			if err != nil {
				return
			}
			if status == store.RunnerRunning {
				retryPending = false
				continue
			}
			if status == store.RunnerCrashed && retryPending {
				continue
			}
			return
		}
	}
}

// phase3 runs Post-session Verification: promote in-progress tasks whose
// acceptance criteria are now satisfied, then run the Smart Completion
// Checker against the iteration's baseline commit.
func (d *Driver) phase3(ctx context.Context, req IterationRequest, iteration int, baseline string) (completion.Result, bool, error) {
	data, err := os.ReadFile(req.TasksPath)
	if err != nil {
		return completion.Result{}, false, &runnererrors.FSReadError{Path: req.TasksPath, Cause: err}
	}
	text := string(data)

	promoted := taskdoc.PromoteImplemented(text, fsprobe.Rooted(req.ProjectPath), d.cfg.MockOnlyPatterns)
	taskStatusChanged := promoted != text
	if taskStatusChanged {
		if err := atomicWrite(req.TasksPath, []byte(promoted)); err != nil {
			return completion.Result{}, false, err
		}
	}

	result, err := d.checker.Check(ctx, gitprobe.New(req.ProjectPath), req.ProjectPath, req.SpecName, baseline)
	if err != nil {
		return completion.Result{}, taskStatusChanged, err
	}

	d.writeLog(req.LogDir, req.SpecName, fmt.Sprintf("verification_%d.log", iteration), formatCompletionResult(result))
	return result, taskStatusChanged, nil
}

func implementationPrompt(specName string) string {
	return fmt.Sprintf("Implement the next pending task for spec %q. Work only on tasks from tasks.md; do not mark a task complete unless its declared files exist and its acceptance criteria are satisfied.", specName)
}

func hasErrorIssue(issues []taskdoc.Issue) bool {
	for _, i := range issues {
		if i.Severity == taskdoc.SeverityError {
			return true
		}
	}
	return false
}

func issueMessages(issues []taskdoc.Issue) []string {
	msgs := make([]string, 0, len(issues))
	for _, i := range issues {
		msgs = append(msgs, fmt.Sprintf("line %d: %s: %s", i.Line, i.Kind, i.Message))
	}
	return msgs
}

func formatIssues(issues []taskdoc.Issue) string {
	if len(issues) == 0 {
		return "no issues\n"
	}
	var b strings.Builder
	for _, i := range issues {
		fmt.Fprintf(&b, "[%s] line %d: %s: %s\n", i.Severity, i.Line, i.Kind, i.Message)
	}
	return b.String()
}

func formatCompletionResult(r completion.Result) string {
	return fmt.Sprintf("status=%s complete=%t new_commits=%d probes_used=%d rescued=%t\n",
		r.Status, r.Complete, r.NewCommits, r.ProbesUsed, r.Rescued)
}

// writeLog best-effort persists a phase log under LogDir/<spec>/<name>.
// A failure here is logged but never aborts the iteration: these logs are
// diagnostic, not load-bearing for correctness.
func (d *Driver) writeLog(logDir, specName, name, content string) {
	path := filepath.Join(logDir, specName, name)
	if err := atomicWrite(path, []byte(content)); err != nil {
		d.logger.Warn("failed to write phase log", "path", path, "error", err)
	}
}

// atomicWrite writes data to path via temp-file-then-rename, creating
// parent directories as needed.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &runnererrors.FSWriteError{Path: path, Cause: err}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &runnererrors.FSWriteError{Path: path, Cause: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &runnererrors.FSWriteError{Path: path, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &runnererrors.FSWriteError{Path: path, Cause: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &runnererrors.FSWriteError{Path: path, Cause: err}
	}
	return nil
}
