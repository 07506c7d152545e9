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

// Package completion implements the Smart Completion Checker: the
// multi-signal decision of whether an AI coding session produced real
// progress. It replaces a naive "did the process exit 0" circuit breaker
// with three signals evaluated in strict priority — new commits, a
// structured session probe, and a last-resort commit rescue.
package completion

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/gitprobe"
)

// StatusCode is the terminal classification of a Check call.
type StatusCode string

const (
	StatusCommitsCreated StatusCode = "commits_created"
	StatusRescued        StatusCode = "rescued"
	StatusRescuedFinal   StatusCode = "rescued_final"
	StatusNothingToDo    StatusCode = "nothing_to_do"
	StatusTimeout        StatusCode = "timeout"
	StatusProbeError     StatusCode = "probe_error"
	StatusLLMStopped     StatusCode = "llm_stopped"
)

// ProbeStatus is the status field of a single session probe reply.
type ProbeStatus string

const (
	ProbeComplete ProbeStatus = "complete"
	ProbeWaiting  ProbeStatus = "waiting"
	ProbeWorking  ProbeStatus = "working"
	ProbeError    ProbeStatus = "error"
)

// ProbeReply is the structured JSON reply the §6.2 probe adapter returns.
type ProbeReply struct {
	Status         ProbeStatus
	Message        string
	ShouldContinue bool
	AgentsActive   *int
	TasksCompleted []string
	TasksPending   []string
}

// Prober is the consumed Smart-Completion Probe adapter: a single
// structured question to the external AI provider asking whether the
// session believes it is done, with a mandatory per-call timeout.
type Prober interface {
	Probe(ctx context.Context, projectPath string) (ProbeReply, error)
}

// RescueOutcome is the result of one Commit Rescue adapter invocation.
type RescueOutcome struct {
	OK     bool
	Detail string
}

// Rescuer is the consumed Commit Rescue adapter: best-effort external
// collaborator asked to turn uncommitted work into at least one commit.
// The checker never trusts RescueOutcome.OK alone — it always re-verifies
// via Signal A after invoking this.
type Rescuer interface {
	Rescue(ctx context.Context, projectPath, specName string) (RescueOutcome, error)
}

// Result is the CompletionResult entity returned by Check.
type Result struct {
	Complete   bool
	NewCommits int
	ProbesUsed int
	Rescued    bool
	Status     StatusCode
}

// Config carries the Smart Completion Checker's tunables, all supplied at
// construction time per the determinism requirement.
type Config struct {
	MaxProbes     int
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	FinalRescue   bool
}

// Checker evaluates CompletionResult for one (project, spec) iteration.
type Checker struct {
	cfg     Config
	prober  Prober
	rescuer Rescuer
	limiter *rate.Limiter
}

// New constructs a Checker. prober and rescuer may be nil only if the
// corresponding signal is never reached in practice (a caller that wires
// neither gets Signal A only, which is a valid degenerate configuration
// for dry runs). Probe issuance is paced to at most one per ProbeInterval
// via a token-bucket limiter with burst 1, so the first probe fires
// immediately and every subsequent one waits out the full interval.
func New(cfg Config, prober Prober, rescuer Rescuer) *Checker {
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = 5
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 60 * time.Second
	}
	return &Checker{
		cfg:     cfg,
		prober:  prober,
		rescuer: rescuer,
		limiter: rate.NewLimiter(rate.Every(cfg.ProbeInterval), 1),
	}
}

// Check runs the full Signal A → B → C decision for one iteration.
// baseline is the commit the subprocess started from (RunnerRecord's
// baseline_commit); projectPath/specName identify the git repo and the
// rescue adapter's target respectively.
func (c *Checker) Check(ctx context.Context, probe *gitprobe.Probe, projectPath, specName, baseline string) (Result, error) {
	newCommits, err := probe.NewCommitCount(ctx, baseline)
	if err != nil {
		return Result{}, err
	}
	if newCommits > 0 {
		return Result{Complete: true, NewCommits: newCommits, Status: StatusCommitsCreated}, nil
	}

	probesUsed := 0
	consecutiveFailures := 0

	for probesUsed < c.cfg.MaxProbes {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{ProbesUsed: probesUsed, Status: StatusTimeout}, nil
		}

		reply, probeErr := c.runProbe(ctx, projectPath)
		probesUsed++

		if probeErr != nil || reply.Status == ProbeError {
			consecutiveFailures++
			if consecutiveFailures >= c.cfg.MaxProbes {
				return Result{ProbesUsed: probesUsed, Status: StatusProbeError}, nil
			}
			continue
		}
		consecutiveFailures = 0

		if !reply.ShouldContinue {
			return Result{ProbesUsed: probesUsed, Status: StatusLLMStopped}, nil
		}

		switch reply.Status {
		case ProbeWorking, ProbeWaiting:
			continue
		case ProbeComplete:
			res, rescued, err := c.tryRescue(ctx, probe, projectPath, specName, baseline)
			if err != nil {
				return Result{}, err
			}
			if rescued {
				res.ProbesUsed = probesUsed
				res.Status = StatusRescued
				return res, nil
			}
			// Rescue failed or nothing to rescue; the session claims
			// completion with no evidence of it. Keep probing.
			continue
		}
	}

	if c.cfg.FinalRescue {
		res, rescued, err := c.tryRescue(ctx, probe, projectPath, specName, baseline)
		if err != nil {
			return Result{}, err
		}
		res.ProbesUsed = probesUsed
		if rescued {
			res.Status = StatusRescuedFinal
			return res, nil
		}
	}

	return Result{ProbesUsed: probesUsed, Status: StatusTimeout}, nil
}

// runProbe issues one Signal-B probe, bounding it to ProbeTimeout
// regardless of the caller's ctx deadline.
func (c *Checker) runProbe(ctx context.Context, projectPath string) (ProbeReply, error) {
	if c.prober == nil {
		return ProbeReply{Status: ProbeError}, nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	return c.prober.Probe(probeCtx, projectPath)
}

// tryRescue implements Signal C: invoke the rescue adapter if the working
// tree is dirty, then re-verify via Signal A against the session's
// original baseline — the adapter's own ok flag is never trusted alone.
func (c *Checker) tryRescue(ctx context.Context, probe *gitprobe.Probe, projectPath, specName, baseline string) (Result, bool, error) {
	dirty, err := probe.DirtyPaths(ctx)
	if err != nil {
		return Result{}, false, err
	}
	if len(dirty) == 0 || c.rescuer == nil {
		return Result{}, false, nil
	}

	if _, err := c.rescuer.Rescue(ctx, projectPath, specName); err != nil {
		return Result{}, false, nil
	}

	newCommits, err := probe.NewCommitCount(ctx, baseline)
	if err != nil {
		return Result{}, false, err
	}
	if newCommits == 0 {
		return Result{}, false, nil
	}
	return Result{Complete: true, NewCommits: newCommits, Rescued: true}, true, nil
}
