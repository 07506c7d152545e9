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
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/config"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/discovery"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/driver"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/provider"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/store"
	runnererrors "github.com/RyosukeMondo/spec-workflow-runner/pkg/errors"
)

func newRunCommand() *cobra.Command {
	var (
		configPath   string
		model        string
		dryRun       bool
		refreshCache bool
		maxRetries   int
	)

	cmd := &cobra.Command{
		Use:   "run <project> <spec> <provider>",
		Short: "Drive one (project, spec) through the three-phase iteration loop until done or stalled",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectPath, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			specName, providerName := args[1], args[2]

			a, err := newApp(configPath)
			if err != nil {
				return err
			}

			if refreshCache {
				if err := refreshProjectCache(a.cfg); err != nil {
					a.logger.Warn("refresh_cache failed", "error", err)
				}
			}

			tasksPath := filepath.Join(projectPath, a.cfg.WorkflowDirName, "specs", specName, a.cfg.TasksFilename)
			stats, err := discovery.TaskSummary(discovery.Spec{Name: specName, TasksPath: tasksPath})
			if err != nil {
				return &runnererrors.TaskFormatInvalidError{Path: tasksPath, Issues: []string{err.Error()}}
			}

			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "dry_run: %s/%s pending=%d in_progress=%d completed=%d total=%d\n",
					projectPath, specName, stats.Pending, stats.InProgress, stats.Completed, stats.Total)
				return nil
			}

			d, err := a.buildDriver(providerName)
			if err != nil {
				return err
			}

			configHash, err := a.cfg.Hash()
			if err != nil {
				return err
			}
			if maxRetries <= 0 {
				maxRetries = a.cfg.Retry.MaxRetries
			}

			prov, err := provider.New(providerName, a.cfg.ProviderConfigOverrides)
			if err != nil {
				return err
			}

			req := driver.IterationRequest{
				ProjectPath:       projectPath,
				SpecName:          specName,
				ProviderName:      providerName,
				ModelName:         model,
				Provider:          prov,
				ProviderOverrides: a.cfg.ProviderConfigOverrides,
				TasksPath:         tasksPath,
				LogDir:            filepath.Join(projectPath, a.cfg.WorkflowDirName, "logs"),
				ConfigHash:        configHash,
				MaxRetries:        maxRetries,
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			result, err := d.Run(ctx, req)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s after %d iteration(s): pending=%d in_progress=%d completed=%d\n",
				result.Outcome, result.Iterations, result.FinalStats.Pending, result.FinalStats.InProgress, result.FinalStats.Completed)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to XDG config location)")
	cmd.Flags().StringVar(&model, "model", "default", "model name passed through opaquely to the provider")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report current task counts and exit without spawning a session")
	cmd.Flags().BoolVar(&refreshCache, "refresh-cache", false, "force a fresh project discovery walk before running")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "override retry.max_retries for this runner")

	return cmd
}

func refreshProjectCache(cfg *config.Config) error {
	projects, err := discovery.Walk(discovery.Options{
		WorkspaceRoot:   cfg.WorkspaceRoot,
		WorkflowDirName: cfg.WorkflowDirName,
		TasksFilename:   cfg.TasksFilename,
	})
	if err != nil {
		return err
	}
	digest := discovery.RootDigest(projects)
	cache := discovery.ToProjectCache(projects, digest, time.Now())

	cachePath, err := config.ProjectCachePath()
	if err != nil {
		return err
	}
	return store.SaveProjectCache(cachePath, &cache)
}
