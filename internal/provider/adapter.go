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

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/completion"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/tracing/redact"
)

// stderrRedactor strips API keys, tokens, and other secrets a failing
// provider subprocess might echo into its stderr before that text is
// embedded in an error and potentially logged.
var stderrRedactor = redact.NewRedactor(redact.ModeStandard)

// fencedJSONRe matches a fenced code block that is tagged (or not tagged)
// as json: ```json\n{...}\n``` or bare ```\n{...}\n```.
var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

// wireProbeReply is the JSON shape the §6.2 probe adapter returns over the
// wire; completion.ProbeReply is the decoded, typed form the checker
// consumes.
type wireProbeReply struct {
	Status         string   `json:"status"`
	Message        string   `json:"message"`
	ShouldContinue bool     `json:"should_continue"`
	AgentsActive   *int     `json:"agents_active"`
	TasksCompleted []string `json:"tasks_completed"`
	TasksPending   []string `json:"tasks_pending"`
}

// ShellProbeRescue runs a provider's CLI as a one-shot subprocess to answer
// the Smart Completion Checker's probe question and, separately, to ask the
// provider to commit outstanding work. It implements both
// completion.Prober and completion.Rescuer over the same shellProvider
// already used to drive the supervised implementation session, grounded on
// the same fixed-argv-plus-rendered-prompt exec pattern as BuildArgv.
type ShellProbeRescue struct {
	prov Provider
}

// NewShellProbeRescue wraps prov as a completion.Prober and
// completion.Rescuer.
func NewShellProbeRescue(prov Provider) *ShellProbeRescue {
	return &ShellProbeRescue{prov: prov}
}

const probePrompt = `Report whether this spec-workflow session is complete. Reply with a single fenced JSON block: {"status": "complete|waiting|working|error", "message": "<string>", "should_continue": <bool>, "agents_active": <int|null>, "tasks_completed": [<string>...], "tasks_pending": [<string>...]}. Do not write any other output.`

const rescuePrompt = `Uncommitted changes were found after the session exited. If any of the work in the working tree represents real progress, commit it now with a descriptive message. If there is nothing worth keeping, make no commit.`

// Probe implements completion.Prober: runs the provider with a fixed
// probe prompt and extracts the structured JSON reply.
func (s *ShellProbeRescue) Probe(ctx context.Context, projectPath string) (completion.ProbeReply, error) {
	out, err := s.run(ctx, probePrompt, projectPath)
	if err != nil {
		return completion.ProbeReply{Status: completion.ProbeError, Message: err.Error()}, nil
	}
	return parseProbeReply(out), nil
}

// Rescue implements completion.Rescuer: runs the provider with the
// commit-rescue prompt. The caller (internal/completion) never trusts OK
// alone; it always re-verifies via a fresh git probe.
func (s *ShellProbeRescue) Rescue(ctx context.Context, projectPath, specName string) (completion.RescueOutcome, error) {
	prompt := fmt.Sprintf("%s\n\nspec: %s", rescuePrompt, specName)
	out, err := s.run(ctx, prompt, projectPath)
	if err != nil {
		return completion.RescueOutcome{OK: false, Detail: err.Error()}, nil
	}
	return completion.RescueOutcome{OK: true, Detail: strings.TrimSpace(out)}, nil
}

func (s *ShellProbeRescue) run(ctx context.Context, prompt, projectPath string) (string, error) {
	argv, err := s.prov.BuildArgv(prompt, projectPath, nil)
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = projectPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("provider invocation failed: %w: %s", err, stderrRedactor.RedactString(stderr.String()))
	}
	return stdout.String(), nil
}

// parseProbeReply implements the tolerant extraction spec.md §6.2
// requires: a fenced JSON block if present, otherwise the whole reply
// parsed as JSON, otherwise status=error.
func parseProbeReply(raw string) completion.ProbeReply {
	candidate := raw
	if m := fencedJSONRe.FindStringSubmatch(raw); m != nil {
		candidate = m[1]
	}

	var wire wireProbeReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &wire); err != nil {
		return completion.ProbeReply{
			Status:  completion.ProbeError,
			Message: fmt.Sprintf("malformed probe reply: %v", err),
		}
	}

	return completion.ProbeReply{
		Status:         completion.ProbeStatus(wire.Status),
		Message:        wire.Message,
		ShouldContinue: wire.ShouldContinue,
		AgentsActive:   wire.AgentsActive,
		TasksCompleted: wire.TasksCompleted,
		TasksPending:   wire.TasksPending,
	}
}
