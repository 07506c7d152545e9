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

package errors

import "fmt"

// Classifier is the stable machine-readable string surfaced by the
// non-interactive CLI exit contract. Every error kind the driver can
// surface to a caller implements it.
type Classifier interface {
	error
	Classifier() string
}

// TaskFormatInvalidError reports that the task document parser produced
// errors the Validator cannot reconcile.
type TaskFormatInvalidError struct {
	Path   string
	Issues []string
}

func (e *TaskFormatInvalidError) Error() string {
	return fmt.Sprintf("task document invalid: %s (%d issue(s))", e.Path, len(e.Issues))
}

func (e *TaskFormatInvalidError) Classifier() string { return "task_format_invalid" }

// PreconditionFailedError reports a failed start() precondition: dirty
// working tree, missing tasks.md, failed provider health check, or an
// already-running runner for the same (project, spec).
type PreconditionFailedError struct {
	Reason string
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("precondition failed: %s", e.Reason)
}

func (e *PreconditionFailedError) Classifier() string { return "precondition_failed" }

// SpawnFailedError reports that the OS refused to create the child
// process. Counts as one failed attempt against the retry budget.
type SpawnFailedError struct {
	Command string
	Cause   error
}

func (e *SpawnFailedError) Error() string {
	return fmt.Sprintf("spawn failed for %q: %v", e.Command, e.Cause)
}

func (e *SpawnFailedError) Unwrap() error      { return e.Cause }
func (e *SpawnFailedError) Classifier() string { return "spawn_failed" }

// SubprocessCrashedError reports a nonzero exit with no commits and no
// status transitions. The retry policy applies.
type SubprocessCrashedError struct {
	RunnerID string
	ExitCode int
}

func (e *SubprocessCrashedError) Error() string {
	return fmt.Sprintf("runner %s crashed with exit code %d", e.RunnerID, e.ExitCode)
}

func (e *SubprocessCrashedError) Classifier() string { return "subprocess_crashed" }

// ProbeMalformedError reports a completion probe whose reply did not parse
// as the expected JSON shape. Recovered locally; counted toward the probe
// budget.
type ProbeMalformedError struct {
	Raw string
}

func (e *ProbeMalformedError) Error() string {
	return fmt.Sprintf("probe reply malformed: %.200s", e.Raw)
}

func (e *ProbeMalformedError) Classifier() string { return "probe_malformed" }

// ProbeTimeoutError reports a completion probe that exceeded its timeout.
// Recovered locally; counted toward the probe budget.
type ProbeTimeoutError struct {
	Timeout string
}

func (e *ProbeTimeoutError) Error() string {
	return fmt.Sprintf("probe timed out after %s", e.Timeout)
}

func (e *ProbeTimeoutError) Classifier() string { return "probe_timeout" }

// RescueFailedError reports a failed commit-rescue attempt. Surfaced in
// CompletionResult; does not itself abort the driver.
type RescueFailedError struct {
	Detail string
}

func (e *RescueFailedError) Error() string {
	return fmt.Sprintf("commit rescue failed: %s", e.Detail)
}

func (e *RescueFailedError) Classifier() string { return "rescue_failed" }

// StalledError reports that no_commit_streak reached the configured
// no_commit_limit. Surfaced; the driver halts.
type StalledError struct {
	Streak int
	Limit  int
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("stalled: %d consecutive no-commit iterations (limit %d)", e.Streak, e.Limit)
}

func (e *StalledError) Classifier() string { return "stalled" }

// PersistenceError reports a failure to read or write a persisted
// document (runner state file, project cache). Best-effort logged unless
// it occurs at start() time, in which case start() fails closed.
type PersistenceError struct {
	Path  string
	Op    string // "read" | "write"
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed for %s: %v", e.Op, e.Path, e.Cause)
}

func (e *PersistenceError) Unwrap() error      { return e.Cause }
func (e *PersistenceError) Classifier() string { return "persistence_error" }

// FSReadError reports a filesystem probe read failure. Logged; the caller
// degrades to last-known state.
type FSReadError struct {
	Path  string
	Cause error
}

func (e *FSReadError) Error() string {
	return fmt.Sprintf("read failed for %s: %v", e.Path, e.Cause)
}

func (e *FSReadError) Unwrap() error      { return e.Cause }
func (e *FSReadError) Classifier() string { return "fs_read_error" }

// FSWriteError reports a filesystem write failure (e.g. during an atomic
// task-document rewrite). Logged; propagated to the caller.
type FSWriteError struct {
	Path  string
	Cause error
}

func (e *FSWriteError) Error() string {
	return fmt.Sprintf("write failed for %s: %v", e.Path, e.Cause)
}

func (e *FSWriteError) Unwrap() error      { return e.Cause }
func (e *FSWriteError) Classifier() string { return "fs_write_error" }
