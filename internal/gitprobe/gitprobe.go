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

// Package gitprobe wraps the git queries the driver and completion checker
// need to observe a project's working tree: HEAD, new-commit counts since a
// baseline, and working-tree cleanliness. Every call carries an explicit
// timeout and never blocks indefinitely.
package gitprobe

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	runnererrors "github.com/RyosukeMondo/spec-workflow-runner/pkg/errors"
)

// DefaultTimeout is applied when a caller does not already carry a deadline
// on its context.
const DefaultTimeout = 10 * time.Second

// transientPatterns are error substrings that indicate a retryable git
// failure — a concurrent process briefly holding the index or a ref lock.
var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
}

func isTransient(msg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

const (
	retryInitialDelay = 100 * time.Millisecond
	retryMaxAttempts  = 4
	retryMultiplier   = 2
)

// Probe runs git queries against a single repository root.
type Probe struct {
	Dir string

	// sleep is overridable in tests to avoid real delays between retries.
	sleep func(time.Duration)
}

// New returns a Probe rooted at dir.
func New(dir string) *Probe {
	return &Probe{Dir: dir, sleep: time.Sleep}
}

// run executes a git subcommand with a bounded timeout, retrying transient
// lock-contention failures with exponential backoff.
func (p *Probe) run(ctx context.Context, args ...string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	delay := retryInitialDelay
	var lastErr error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = p.Dir
		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		if ctx.Err() != nil {
			return "", &runnererrors.TimeoutError{Operation: "git " + strings.Join(args, " "), Duration: DefaultTimeout, Cause: ctx.Err()}
		}
		trimmed := strings.TrimSpace(string(out))
		lastErr = fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), trimmed, err)
		if !isTransient(trimmed) || attempt == retryMaxAttempts-1 {
			return "", lastErr
		}
		sleep(delay)
		delay *= retryMultiplier
	}
	return "", lastErr
}

// Head returns the commit hash at HEAD.
func (p *Probe) Head(ctx context.Context) (string, error) {
	out, err := p.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git_head: %w", err)
	}
	return out, nil
}

// NewCommitCount returns the number of commits reachable from HEAD but not
// from baseline: `git rev-list baseline..HEAD --count`.
func (p *Probe) NewCommitCount(ctx context.Context, baseline string) (int, error) {
	out, err := p.run(ctx, "rev-list", baseline+"..HEAD", "--count")
	if err != nil {
		return 0, fmt.Errorf("new_commit_count: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("new_commit_count: unexpected rev-list output %q: %w", out, err)
	}
	return n, nil
}

// WorkingTreeClean reports whether `git status --porcelain` is empty.
func (p *Probe) WorkingTreeClean(ctx context.Context) (bool, error) {
	paths, err := p.DirtyPaths(ctx)
	if err != nil {
		return false, err
	}
	return len(paths) == 0, nil
}

// DirtyPaths returns the paths reported by `git status --porcelain`, one
// per line, path only (the two-character status prefix stripped).
func (p *Probe) DirtyPaths(ctx context.Context) ([]string, error) {
	out, err := p.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("dirty_paths: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	lines := strings.Split(out, "\n")
	paths := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if len(line) > 3 {
			paths = append(paths, strings.TrimSpace(line[3:]))
		}
	}
	return paths, nil
}
