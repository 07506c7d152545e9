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

// Package provider adapts the closed set of recognized AI coding agents to
// a uniform argv-building and health-check contract. The core passes a
// provider name through opaquely; this package is the only place that
// knows what each name means on the command line.
package provider

import (
	"context"
	"fmt"
	"os/exec"
	"sort"

	"github.com/expr-lang/expr"

	runnererrors "github.com/RyosukeMondo/spec-workflow-runner/pkg/errors"
)

// Provider builds the argv for a supervised subprocess and verifies any
// auxiliary integration it depends on before a runner is started.
type Provider interface {
	// BuildArgv is pure: the same inputs always produce the same argv.
	BuildArgv(prompt, projectPath string, overrides map[string]string) ([]string, error)
	// HealthCheck verifies the provider's prerequisites (e.g. an MCP
	// server binary, a CLI on PATH) are satisfied for projectPath.
	HealthCheck(ctx context.Context, projectPath string) error
}

// Spec describes one recognized provider's command-line shape. Command and
// Args are the fixed argv prefix; PromptFlag, if non-empty, is appended
// followed by the rendered prompt as a single argument. HealthCheckBinary,
// if set, must resolve on PATH for HealthCheck to succeed.
type Spec struct {
	Name              string
	Command           string
	Args              []string
	PromptFlag        string
	HealthCheckBinary string
}

// Registry is the closed set of recognized providers, keyed by name.
var Registry = map[string]Spec{
	"claude": {
		Name:              "claude",
		Command:           "claude",
		Args:              []string{"--dangerously-skip-permissions", "-p"},
		HealthCheckBinary: "claude",
	},
	"codex": {
		Name:              "codex",
		Command:           "codex",
		Args:              []string{"exec", "--full-auto"},
		HealthCheckBinary: "codex",
	},
	"gemini": {
		Name:              "gemini",
		Command:           "gemini",
		Args:              []string{"-y"},
		PromptFlag:        "-p",
		HealthCheckBinary: "gemini",
	},
}

// shellProvider runs Spec.Command with Spec.Args and the rendered prompt,
// in projectPath. Grounded on the detached-subprocess shell-exec pattern
// used for agent subprocesses across the example pack: a fixed argv
// prefix plus a single prompt argument, no shell interpretation.
type shellProvider struct {
	spec      Spec
	overrides map[string]string
}

// New returns the Provider for name, or an error if name is not in the
// recognized set. staticOverrides come from configuration and are merged
// under any per-call overrides passed to BuildArgv.
func New(name string, staticOverrides map[string]string) (Provider, error) {
	spec, ok := Registry[name]
	if !ok {
		return nil, &runnererrors.ProviderError{Provider: name, Message: "unrecognized provider"}
	}
	return &shellProvider{spec: spec, overrides: staticOverrides}, nil
}

// BuildArgv renders argv = [Command, Args..., (PromptFlag), expandedPrompt].
// overrides passed here take precedence over the provider's static
// overrides; each value may itself be an expr-lang expression, evaluated
// with the prompt and project path bound as `prompt` and `project`.
func (p *shellProvider) BuildArgv(prompt, projectPath string, overrides map[string]string) ([]string, error) {
	merged := make(map[string]string, len(p.overrides)+len(overrides))
	for k, v := range p.overrides {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	rendered, err := renderPrompt(prompt, projectPath, merged)
	if err != nil {
		return nil, fmt.Errorf("build_argv: %w", err)
	}

	argv := make([]string, 0, len(p.spec.Args)+3)
	argv = append(argv, p.spec.Command)
	argv = append(argv, p.spec.Args...)
	if p.spec.PromptFlag != "" {
		argv = append(argv, p.spec.PromptFlag)
	}
	argv = append(argv, rendered)
	return argv, nil
}

// HealthCheck verifies the provider's binary resolves on PATH. A provider
// with no HealthCheckBinary is assumed always healthy.
func (p *shellProvider) HealthCheck(ctx context.Context, projectPath string) error {
	if p.spec.HealthCheckBinary == "" {
		return nil
	}
	if _, err := exec.LookPath(p.spec.HealthCheckBinary); err != nil {
		return &runnererrors.ProviderError{
			Provider: p.spec.Name,
			Message:  fmt.Sprintf("binary %q not found on PATH", p.spec.HealthCheckBinary),
			Cause:    err,
		}
	}
	return nil
}

// renderPrompt evaluates any expr-lang expression values in overrides and
// appends a rendered "key: value" directive block beneath the base prompt.
// This is how provider_config_overrides (§6.6 of the configuration
// contract) reach the subprocess without the core needing to understand
// provider-specific flags.
func renderPrompt(prompt, projectPath string, overrides map[string]string) (string, error) {
	if len(overrides) == 0 {
		return prompt, nil
	}

	env := map[string]any{
		"prompt":  prompt,
		"project": projectPath,
	}

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rendered := prompt
	for _, key := range keys {
		rawExpr := overrides[key]
		program, err := expr.Compile(rawExpr, expr.Env(env))
		if err != nil {
			// Not every override is an expression; fall back to the
			// literal string when it fails to compile.
			rendered += fmt.Sprintf("\n%s: %s", key, rawExpr)
			continue
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return "", fmt.Errorf("evaluating override %q: %w", key, err)
		}
		rendered += fmt.Sprintf("\n%s: %v", key, out)
	}
	return rendered, nil
}
