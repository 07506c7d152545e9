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

// Package runner implements the Runner Manager: it owns the set of active
// RunnerRecords, spawns the supervised AI-provider subprocesses, monitors
// their liveness via a PID-reuse-guarded probe, decides retries through
// the retry policy, and persists a snapshot of every record before Start
// returns it. The child is spawned, and begins working from its argv,
// before that snapshot is written.
//
// A RunnerRecord handed back to a caller is always a value copy: the
// manager's in-memory map is the only mutable copy, guarded by a single
// mutex, mirroring the immutable-snapshot discipline of the workflow
// engine this package was adapted from.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/gitprobe"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/lifecycle"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/provider"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/retry"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/store"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/taskdoc"
	runnererrors "github.com/RyosukeMondo/spec-workflow-runner/pkg/errors"
)

// StartRequest carries everything start() needs to spawn a supervised
// subprocess for one (project, spec) pair.
type StartRequest struct {
	ProjectPath       string
	SpecName          string
	ProviderName      string
	ModelName         string
	Provider          provider.Provider
	Prompt            string
	ProviderOverrides map[string]string
	TasksPath         string
	LogDir            string
	ConfigHash        string
	MaxRetries        int
}

// StatusChange reports one RunnerRecord status transition observed during
// health_scan or scheduled by maybe_retry; the poller turns these into
// RunnerStatusChanged updates.
type StatusChange struct {
	RunnerID string
	Status   store.RunnerStatus
	ExitCode *int
	Retrying bool
}

// runtimeRecord is the manager's private bookkeeping for one RunnerRecord:
// the persisted fields plus the original start parameters needed to
// relaunch the same child on retry.
type runtimeRecord struct {
	record  store.RunnerRecord
	startReq StartRequest
}

// Manager owns the in-memory set of RunnerRecords for one host.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*runtimeRecord

	logger    *slog.Logger
	retry     retry.Policy
	spawner   *lifecycle.Spawner
	statePath string

	draining atomic.Bool
	wg       sync.WaitGroup
}

// New returns a Manager that persists to statePath.
func New(logger *slog.Logger, retryPolicy retry.Policy, statePath string) *Manager {
	return &Manager{
		records:   make(map[string]*runtimeRecord),
		logger:    logger,
		retry:     retryPolicy,
		spawner:   lifecycle.NewSpawner(),
		statePath: statePath,
	}
}

// Start checks every start() precondition, spawns the supervised child,
// and persists the resulting RunnerRecord before returning it. No
// subprocess is spawned if a precondition fails.
func (m *Manager) Start(ctx context.Context, req StartRequest) (store.RunnerRecord, error) {
	if m.draining.Load() {
		return store.RunnerRecord{}, &runnererrors.PreconditionFailedError{Reason: "runner manager is draining"}
	}

	m.mu.RLock()
	for _, rr := range m.records {
		if rr.record.ProjectPath == req.ProjectPath && rr.record.SpecName == req.SpecName && rr.record.Status == store.RunnerRunning {
			m.mu.RUnlock()
			return store.RunnerRecord{}, &runnererrors.PreconditionFailedError{
				Reason: fmt.Sprintf("a runner is already active for %s/%s", req.ProjectPath, req.SpecName),
			}
		}
	}
	m.mu.RUnlock()

	probe := gitprobe.New(req.ProjectPath)
	clean, err := probe.WorkingTreeClean(ctx)
	if err != nil {
		return store.RunnerRecord{}, fmt.Errorf("start: %w", err)
	}
	if !clean {
		return store.RunnerRecord{}, &runnererrors.PreconditionFailedError{Reason: "working tree is not clean"}
	}

	if req.Provider != nil {
		if err := req.Provider.HealthCheck(ctx, req.ProjectPath); err != nil {
			return store.RunnerRecord{}, &runnererrors.PreconditionFailedError{
				Reason: fmt.Sprintf("provider health check failed: %v", err),
			}
		}
	}

	stats, err := pendingTaskStats(req.TasksPath)
	if err != nil {
		return store.RunnerRecord{}, &runnererrors.PreconditionFailedError{Reason: err.Error()}
	}
	if stats.Pending == 0 && stats.InProgress == 0 {
		return store.RunnerRecord{}, &runnererrors.PreconditionFailedError{Reason: "no pending or in-progress tasks"}
	}

	baseline, err := probe.Head(ctx)
	if err != nil {
		return store.RunnerRecord{}, fmt.Errorf("start: %w", err)
	}

	argv, err := req.Provider.BuildArgv(req.Prompt, req.ProjectPath, req.ProviderOverrides)
	if err != nil {
		return store.RunnerRecord{}, fmt.Errorf("start: %w", err)
	}

	id := uuid.New().String()
	logPath := filepath.Join(req.LogDir, "run_1.log")
	fingerprint := filepath.Base(argv[0])

	pid, err := m.spawnWithExitCapture(argv, logPath)
	if err != nil {
		return store.RunnerRecord{}, &runnererrors.SpawnFailedError{Command: strings.Join(argv, " "), Cause: err}
	}

	now := time.Now()
	rec := store.RunnerRecord{
		ID:               id,
		ProjectPath:      req.ProjectPath,
		SpecName:         req.SpecName,
		ProviderName:     req.ProviderName,
		ModelName:        req.ModelName,
		PID:              pid,
		CmdFingerprint:   fingerprint,
		StartTime:        now,
		LastActivityTime: now,
		Status:           store.RunnerRunning,
		RetryCount:       0,
		MaxRetries:       req.MaxRetries,
		ConfigHash:       req.ConfigHash,
		LogPath:          logPath,
		BaselineCommit:   baseline,
	}

	m.mu.Lock()
	m.records[id] = &runtimeRecord{record: rec, startReq: req}
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.mu.Lock()
		delete(m.records, id)
		m.mu.Unlock()
		_ = lifecycle.SendSignal(pid, syscall.SIGTERM)
		return store.RunnerRecord{}, &runnererrors.PersistenceError{Path: m.statePath, Op: "write", Cause: err}
	}

	return rec, nil
}

// Stop signals graceful termination, escalating to a forceful kill after
// grace elapses, and always removes the record once the child is
// observed to have exited (or was already gone).
func (m *Manager) Stop(id string, grace time.Duration) error {
	m.mu.RLock()
	rr, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return &runnererrors.NotFoundError{Resource: "runner", ID: id}
	}

	err := lifecycle.GracefulShutdown(rr.record.PID, grace, true)

	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()

	if perr := m.persist(); perr != nil {
		m.logger.Warn("persist failed after stop", "runner_id", id, "error", perr)
	}

	if err != nil && !errors.Is(err, lifecycle.ErrProcessNotRunning) {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// Status returns the current status of a known runner.
func (m *Manager) Status(id string) (store.RunnerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rr, ok := m.records[id]
	if !ok {
		return "", &runnererrors.NotFoundError{Resource: "runner", ID: id}
	}
	return rr.record.Status, nil
}

// HealthScan checks pid_alive for every running record; a dead PID
// transitions the record to completed (exit code 0, when recoverable) or
// crashed (otherwise), and hands crashed records to maybe_retry. Returns
// every status transition observed this cycle.
func (m *Manager) HealthScan(ctx context.Context) []StatusChange {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id, rr := range m.records {
		if rr.record.Status == store.RunnerRunning {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	var changes []StatusChange
	for _, id := range ids {
		m.mu.RLock()
		rr, ok := m.records[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if lifecycle.PidAlive(rr.record.PID, rr.record.CmdFingerprint) {
			continue
		}

		exitCode, known := readExitCode(rr.record.LogPath + ".exit")

		m.mu.Lock()
		rr2, ok := m.records[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		if known {
			ec := exitCode
			rr2.record.ExitCode = &ec
		}
		if known && exitCode == 0 {
			rr2.record.Status = store.RunnerCompleted
		} else {
			rr2.record.Status = store.RunnerCrashed
		}
		rr2.record.LastActivityTime = time.Now()
		newStatus := rr2.record.Status
		exitPtr := rr2.record.ExitCode
		m.mu.Unlock()

		if err := m.persist(); err != nil {
			m.logger.Warn("persist failed after health scan transition", "runner_id", id, "error", err)
		}
		changes = append(changes, StatusChange{RunnerID: id, Status: newStatus, ExitCode: exitPtr})

		if newStatus == store.RunnerCrashed {
			if retried, err := m.MaybeRetry(ctx, id); err != nil {
				m.logger.Warn("maybe_retry failed", "runner_id", id, "error", err)
			} else if retried {
				changes = append(changes, StatusChange{RunnerID: id, Status: store.RunnerRunning, Retrying: true})
			}
		}
	}
	return changes
}

// MaybeRetry schedules a restart after the configured backoff if the
// retry policy allows it, incrementing retry_count and rotating log_path
// to a new sequential file. Returns whether a retry was scheduled.
func (m *Manager) MaybeRetry(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	rr, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return false, &runnererrors.NotFoundError{Resource: "runner", ID: id}
	}

	lastExit := 1
	if rr.record.ExitCode != nil {
		lastExit = *rr.record.ExitCode
	}
	localRetry := m.retry.WithMaxRetries(rr.record.MaxRetries)
	if !localRetry.ShouldRetry(rr.record.RetryCount, lastExit) {
		m.mu.Unlock()
		return false, nil
	}

	delay := localRetry.Backoff(rr.record.RetryCount)
	rr.record.RetryCount++
	now := time.Now()
	rr.record.LastRetryTime = &now
	retryN, maxN := rr.record.RetryCount, rr.record.MaxRetries
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Warn("persist failed after scheduling retry", "runner_id", id, "error", err)
	}
	m.logger.Info("scheduling runner retry", "runner_id", id, "retry_count", retryN, "max_retries", maxN, "backoff", delay)

	if m.draining.Load() {
		return false, nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		m.relaunch(id)
	}()

	return true, nil
}

// ListActive returns a snapshot of every starting or running record; the
// returned records are value copies, never aliased to the manager's
// mutable state.
func (m *Manager) ListActive() []store.RunnerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.RunnerRecord, 0, len(m.records))
	for _, rr := range m.records {
		if rr.record.Status == store.RunnerRunning || rr.record.Status == store.RunnerStarting {
			out = append(out, rr.record)
		}
	}
	return out
}

// Restore seeds the manager from a persisted RunnerState document read at
// process startup. A record survives as running only if its PID is still
// alive under its fingerprint and its config_hash matches; otherwise it is
// dropped from the active set entirely.
func (m *Manager) Restore(currentConfigHash string, persisted []store.RunnerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range persisted {
		if rec.Status != store.RunnerRunning {
			continue
		}
		if !lifecycle.PidAlive(rec.PID, rec.CmdFingerprint) || rec.ConfigHash != currentConfigHash {
			continue
		}
		m.records[rec.ID] = &runtimeRecord{record: rec}
	}
}

// SeedRecord loads a single persisted record into the manager regardless
// of its status, bypassing the liveness/config_hash filtering Restore
// applies. Used by the CLI's retry/stop commands, which act on one
// specific record (possibly crashed) read directly from the state file
// rather than resuming the full active set at daemon startup.
func (m *Manager) SeedRecord(rec store.RunnerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = &runtimeRecord{record: rec}
}

// StartDraining stops new retries from being scheduled; already-scheduled
// retry timers still fire but relaunch becomes a no-op once draining.
func (m *Manager) StartDraining() {
	m.draining.Store(true)
}

// Wait blocks until every in-flight retry goroutine has returned or ctx is
// done, whichever comes first.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// relaunch re-spawns the child for id using its original start parameters,
// at a rotated log_path reflecting the new retry count.
func (m *Manager) relaunch(id string) {
	m.mu.RLock()
	rr, ok := m.records[id]
	var req StartRequest
	var retryCount int
	if ok {
		req = rr.startReq
		retryCount = rr.record.RetryCount
	}
	m.mu.RUnlock()
	if !ok || m.draining.Load() {
		return
	}

	logPath := filepath.Join(req.LogDir, fmt.Sprintf("run_%d.log", retryCount+1))

	argv, err := req.Provider.BuildArgv(req.Prompt, req.ProjectPath, req.ProviderOverrides)
	if err != nil {
		m.logger.Warn("retry relaunch failed to build argv", "runner_id", id, "error", err)
		return
	}

	pid, err := m.spawnWithExitCapture(argv, logPath)

	m.mu.Lock()
	rr2, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if err != nil {
		rr2.record.Status = store.RunnerCrashed
		m.mu.Unlock()
		if perr := m.persist(); perr != nil {
			m.logger.Warn("persist failed after failed relaunch", "runner_id", id, "error", perr)
		}
		m.logger.Warn("retry relaunch spawn failed", "runner_id", id, "error", err)
		return
	}

	now := time.Now()
	rr2.record.PID = pid
	rr2.record.CmdFingerprint = filepath.Base(argv[0])
	rr2.record.Status = store.RunnerRunning
	rr2.record.LogPath = logPath
	rr2.record.StartTime = now
	rr2.record.LastActivityTime = now
	rr2.record.ExitCode = nil
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Warn("persist failed after relaunch", "runner_id", id, "error", err)
	}
}

// persist writes a snapshot of every known record to the runner state
// file. Failure here is logged by callers that treat it as best-effort;
// Start treats it as fatal to the spawn it just performed.
func (m *Manager) persist() error {
	m.mu.RLock()
	records := make([]store.RunnerRecord, 0, len(m.records))
	for _, rr := range m.records {
		records = append(records, rr.record)
	}
	m.mu.RUnlock()
	return store.SaveRunnerState(m.statePath, &store.RunnerState{Records: records})
}

// spawnWithExitCapture wraps argv in a shell invocation that writes the
// child's real exit status to a sentinel file beside its log, since a
// detached, released process can no longer be wait()ed on by this
// process directly — health_scan reads that sentinel to distinguish a
// clean exit from a crash.
func (m *Manager) spawnWithExitCapture(argv []string, logPath string) (int, error) {
	exitPath := logPath + ".exit"
	_ = os.Remove(exitPath)

	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shQuote(a)
	}
	script := strings.Join(quoted, " ") + "; echo $? > " + shQuote(exitPath)

	return m.spawner.SpawnDetached("sh", []string{"-c", script}, logPath)
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func readExitCode(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return n, true
}

// pendingTaskStats reads and parses tasks.md and returns its task counts,
// wrapped as a plain error describing the failure for the caller's
// PreconditionFailedError.
func pendingTaskStats(tasksPath string) (taskdoc.TaskStats, error) {
	data, err := os.ReadFile(tasksPath)
	if err != nil {
		return taskdoc.TaskStats{}, fmt.Errorf("tasks.md unreadable: %w", err)
	}
	tasks, _ := taskdoc.Parse(string(data))
	return taskdoc.Count(tasks), nil
}
