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

// Package poller implements the single background state-poller: on every
// tick it refreshes project/spec membership, re-reads any task document or
// log whose mtime moved, compares git HEAD, and calls the Runner Manager's
// health_scan — emitting one StateUpdate per observed change onto a
// bounded, last-writer-wins channel. The poller owns no application state
// of its own beyond the mtimes and heads it needs to detect a change.
package poller

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/fsprobe"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/gitprobe"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/runner"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/store"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/taskdoc"
)

// DefaultInterval is the poll cycle period when none is configured.
const DefaultInterval = 2 * time.Second

// DefaultTailBytes is the log-tail budget when none is configured.
const DefaultTailBytes int64 = 8192

// DefaultCapacity is the outbound channel's buffer size.
const DefaultCapacity = 256

// UpdateKind tags the variant of a StateUpdate.
type UpdateKind string

const (
	KindTaskCountsChanged   UpdateKind = "task_counts_changed"
	KindLogAppended         UpdateKind = "log_appended"
	KindCommitObserved      UpdateKind = "commit_observed"
	KindRunnerStatusChanged UpdateKind = "runner_status_changed"
	KindProjectSetChanged   UpdateKind = "project_set_changed"
)

// StateUpdate is the tagged union published by the poller. Only the
// fields relevant to Kind are populated.
type StateUpdate struct {
	Kind UpdateKind

	SpecID string

	Stats   taskdoc.TaskStats
	LogTail []byte

	CommitHash    string
	CommitSubject string

	RunnerID     string
	RunnerStatus store.RunnerStatus
	ExitCode     *int

	Projects []string
}

// Target is one tracked (project, spec) pair the poller watches.
type Target struct {
	ProjectPath string
	SpecName    string
	TasksPath   string
	LogPath     string
}

// SpecID returns the stable identifier used to key mtime/head tracking and
// event coalescing for this target.
func (t Target) SpecID() string {
	return t.ProjectPath + "::" + t.SpecName
}

// Poller runs the single background polling loop described by the state
// poller contract.
type Poller struct {
	interval  time.Duration
	tailBytes int64
	targetsFn func() []Target
	runners   *runner.Manager

	out     chan StateUpdate
	pending map[string]StateUpdate
	wake    chan struct{}
	pendMu  sync.Mutex

	lastTaskMtime map[string]float64
	lastLogMtime  map[string]float64
	lastHead      map[string]string
	lastProjects  map[string]bool

	stopCh chan struct{}
	once   sync.Once
}

// New constructs a Poller. targetsFn performs the cheap directory scan
// that refreshes project/spec membership each cycle; runners is the
// Runner Manager whose health_scan is invoked at the end of every cycle.
func New(interval time.Duration, tailBytes int64, capacity int, targetsFn func() []Target, runners *runner.Manager) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if tailBytes <= 0 {
		tailBytes = DefaultTailBytes
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Poller{
		interval:      interval,
		tailBytes:     tailBytes,
		targetsFn:     targetsFn,
		runners:       runners,
		out:           make(chan StateUpdate, capacity),
		pending:       make(map[string]StateUpdate),
		wake:          make(chan struct{}, 1),
		lastTaskMtime: make(map[string]float64),
		lastLogMtime:  make(map[string]float64),
		lastHead:      make(map[string]string),
		lastProjects:  make(map[string]bool),
		stopCh:        make(chan struct{}),
	}
}

// Updates returns the channel StateUpdates are published on.
func (p *Poller) Updates() <-chan StateUpdate {
	return p.out
}

// Stop requests the poller complete its current cycle and return. Safe to
// call more than once.
func (p *Poller) Stop() {
	p.once.Do(func() { close(p.stopCh) })
}

// Run executes the poll loop until ctx is done or Stop is called.
// Shutdown is bounded by interval plus the longest single probe timeout,
// since only a full cycle boundary is checked between ticks.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	go p.drainPending(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle runs exactly one poll iteration, emitting updates in the order
// the state-poller contract specifies: project-set diff, then per-target
// task/log/commit checks, then health_scan transitions.
func (p *Poller) cycle(ctx context.Context) {
	start := time.Now()
	defer func() { cycleDuration.Observe(time.Since(start).Seconds()) }()

	targets := p.targetsFn()

	projSet := make(map[string]bool, len(targets))
	for _, t := range targets {
		projSet[t.ProjectPath] = true
	}
	if !sameSet(p.lastProjects, projSet) {
		p.lastProjects = projSet
		projects := make([]string, 0, len(projSet))
		for proj := range projSet {
			projects = append(projects, proj)
		}
		sort.Strings(projects)
		p.sendDurable(ctx, StateUpdate{Kind: KindProjectSetChanged, Projects: projects})
	}

	for _, t := range targets {
		id := t.SpecID()

		if mt, ok := fsprobe.Mtime(t.TasksPath); ok {
			if last, seen := p.lastTaskMtime[id]; !seen || mt != last {
				p.lastTaskMtime[id] = mt
				if data, err := os.ReadFile(t.TasksPath); err == nil {
					tasks, _ := taskdoc.Parse(string(data))
					p.enqueueCoalesced(id+"|tasks", StateUpdate{Kind: KindTaskCountsChanged, SpecID: id, Stats: taskdoc.Count(tasks)})
				}
			}
		}

		if t.LogPath != "" {
			if mt, ok := fsprobe.Mtime(t.LogPath); ok {
				if last, seen := p.lastLogMtime[id]; !seen || mt != last {
					p.lastLogMtime[id] = mt
					if tail, err := fsprobe.Tail(t.LogPath, p.tailBytes); err == nil {
						p.enqueueCoalesced(id+"|log", StateUpdate{Kind: KindLogAppended, SpecID: id, LogTail: tail})
					}
				}
			}
		}

		probe := gitprobe.New(t.ProjectPath)
		headCtx, cancel := context.WithTimeout(ctx, gitprobe.DefaultTimeout)
		head, err := probe.Head(headCtx)
		cancel()
		if err == nil {
			if last, seen := p.lastHead[t.ProjectPath]; !seen || head != last {
				p.lastHead[t.ProjectPath] = head
				p.sendDurable(ctx, StateUpdate{
					Kind:          KindCommitObserved,
					SpecID:        id,
					CommitHash:    head,
					CommitSubject: commitSubject(ctx, t.ProjectPath, head),
				})
			}
		}
	}

	if p.runners != nil {
		for _, change := range p.runners.HealthScan(ctx) {
			p.sendDurable(ctx, StateUpdate{
				Kind:         KindRunnerStatusChanged,
				RunnerID:     change.RunnerID,
				RunnerStatus: change.Status,
				ExitCode:     change.ExitCode,
			})
		}
	}
}

// enqueueCoalesced stores upd under key, overwriting any update still
// waiting to be delivered under that key — the last-writer-wins policy
// for TaskCountsChanged/LogAppended on channel backpressure.
func (p *Poller) enqueueCoalesced(key string, upd StateUpdate) {
	p.pendMu.Lock()
	if _, overwriting := p.pending[key]; overwriting {
		coalescedTotal.WithLabelValues(string(upd.Kind)).Inc()
	}
	p.pending[key] = upd
	p.pendMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// drainPending forwards coalesced updates onto out as capacity allows,
// always delivering the most recent value queued under each key.
func (p *Poller) drainPending(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		p.flushPending(ctx)
	}
}

// flushPending forwards every currently-pending coalesced update onto out,
// one at a time, until the pending set is empty or ctx is done. Exposed
// internally so tests can observe cycle() output without running the
// background drainPending goroutine.
func (p *Poller) flushPending(ctx context.Context) {
	for {
		p.pendMu.Lock()
		if len(p.pending) == 0 {
			p.pendMu.Unlock()
			return
		}
		var key string
		var upd StateUpdate
		for k, v := range p.pending {
			key, upd = k, v
			break
		}
		delete(p.pending, key)
		p.pendMu.Unlock()

		select {
		case p.out <- upd:
		case <-ctx.Done():
			return
		}
	}
}

// sendDurable delivers a never-dropped update (CommitObserved,
// RunnerStatusChanged, ProjectSetChanged) directly, blocking until the
// channel accepts it or ctx is done.
func (p *Poller) sendDurable(ctx context.Context, upd StateUpdate) {
	select {
	case p.out <- upd:
	case <-ctx.Done():
	}
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// commitSubject reads the subject line of hash via `git log -1 --format=%s`.
// Best-effort: an error yields an empty subject rather than failing the
// cycle, since the hash change has already been observed and must not be
// lost.
func commitSubject(ctx context.Context, repoDir, hash string) string {
	probeCtx, cancel := context.WithTimeout(ctx, gitprobe.DefaultTimeout)
	defer cancel()
	cmd := exec.CommandContext(probeCtx, "git", "log", "-1", "--format=%s", hash)
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
