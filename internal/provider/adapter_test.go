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
	"context"
	"testing"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/completion"
)

// echoProvider ignores the prompt and emits a fixed shell script's stdout,
// mimicking a provider CLI's final reply.
type echoProvider struct {
	script string
}

func (e *echoProvider) BuildArgv(prompt, projectPath string, overrides map[string]string) ([]string, error) {
	return []string{"sh", "-c", e.script}, nil
}

func (e *echoProvider) HealthCheck(ctx context.Context, projectPath string) error { return nil }

func TestShellProbeRescue_Probe_FencedJSON(t *testing.T) {
	script := `echo 'noise before'; echo '` + "```json" + `'; echo '{"status":"complete","message":"done","should_continue":false}'; echo '` + "```" + `'`
	s := NewShellProbeRescue(&echoProvider{script: script})

	reply, err := s.Probe(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if reply.Status != completion.ProbeComplete || reply.Message != "done" {
		t.Errorf("Probe() = %+v, want status=complete message=done", reply)
	}
}

func TestShellProbeRescue_Probe_BareJSON(t *testing.T) {
	script := `echo '{"status":"working","message":"still going","should_continue":true}'`
	s := NewShellProbeRescue(&echoProvider{script: script})

	reply, err := s.Probe(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if reply.Status != completion.ProbeWorking || !reply.ShouldContinue {
		t.Errorf("Probe() = %+v, want status=working should_continue=true", reply)
	}
}

func TestShellProbeRescue_Probe_MalformedReply(t *testing.T) {
	s := NewShellProbeRescue(&echoProvider{script: `echo 'not json at all'`})

	reply, err := s.Probe(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if reply.Status != completion.ProbeError {
		t.Errorf("Probe() status = %v, want error", reply.Status)
	}
}

func TestShellProbeRescue_Probe_ProviderExitsNonzero(t *testing.T) {
	s := NewShellProbeRescue(&echoProvider{script: `exit 1`})

	reply, err := s.Probe(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if reply.Status != completion.ProbeError {
		t.Errorf("Probe() status = %v, want error", reply.Status)
	}
}

func TestShellProbeRescue_Rescue_Success(t *testing.T) {
	s := NewShellProbeRescue(&echoProvider{script: `echo 'committed out.txt'`})

	outcome, err := s.Rescue(context.Background(), t.TempDir(), "add-auth")
	if err != nil {
		t.Fatalf("Rescue() error = %v", err)
	}
	if !outcome.OK || outcome.Detail != "committed out.txt" {
		t.Errorf("Rescue() = %+v, want ok=true detail=%q", outcome, "committed out.txt")
	}
}

func TestShellProbeRescue_Rescue_ProviderFails(t *testing.T) {
	s := NewShellProbeRescue(&echoProvider{script: `exit 1`})

	outcome, err := s.Rescue(context.Background(), t.TempDir(), "add-auth")
	if err != nil {
		t.Fatalf("Rescue() error = %v", err)
	}
	if outcome.OK {
		t.Errorf("Rescue() = %+v, want ok=false", outcome)
	}
}
