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

package main

import (
	"log/slog"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/completion"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/config"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/driver"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/log"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/provider"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/retry"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/runner"
)

// app bundles the core components every subcommand needs, constructed
// once from loaded configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	runners *runner.Manager
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := log.New(log.FromEnv())

	statePath, err := config.RunnerStatePath()
	if err != nil {
		return nil, err
	}

	runners := runner.New(logger, retry.New(cfg.Retry), statePath)

	return &app{cfg: cfg, logger: logger, runners: runners}, nil
}

// buildDriver constructs a Driver and the Prober/Rescuer pair that back
// its Smart Completion Checker, both sourced from the same provider the
// session itself runs under.
func (a *app) buildDriver(providerName string) (*driver.Driver, error) {
	prov, err := provider.New(providerName, a.cfg.ProviderConfigOverrides)
	if err != nil {
		return nil, err
	}
	adapter := provider.NewShellProbeRescue(prov)

	checker := completion.New(completion.Config{
		MaxProbes:     a.cfg.Completion.MaxProbes,
		ProbeInterval: a.cfg.Completion.ProbeInterval,
		ProbeTimeout:  a.cfg.Completion.ProbeTimeout,
		FinalRescue:   a.cfg.Completion.FinalRescue,
	}, adapter, adapter)

	return driver.New(driver.Config{
		MockOnlyPatterns:  a.cfg.MockOnlyPathPatterns,
		NoCommitLimit:     a.cfg.NoCommitLimit,
		CommitGateEnabled: a.cfg.CommitGateEnabled,
		PollInterval:      a.cfg.PollInterval,
	}, a.runners, checker, a.logger), nil
}
