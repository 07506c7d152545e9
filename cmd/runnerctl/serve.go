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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/config"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/discovery"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/lifecycle"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/poller"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/store"
)

// newServeCommand runs the background supervisor: a single state poller
// thread keeps project/spec/runner state current (emitting health_scan
// transitions that trigger retries on their own), a consumer thread turns
// poll updates into log lines and metrics, and an optional HTTP endpoint
// exposes them. Unlike `run`, serve never starts a new session on its
// own — it supervises whatever the manager already has recorded.
func newServeCommand() *cobra.Command {
	var (
		configPath string
		metricsAddr string
		noPIDFile   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background state poller and runner supervisor as a daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			startedAt := time.Now()

			lifecycleLogPath, err := config.LifecycleLogPath()
			if err != nil {
				return err
			}
			lifecycleLogger := lifecycle.NewLifecycleLogger(lifecycleLogPath)
			lifecycleLogger.LogStart(version, os.Args[1:], configPath)

			a, err := newApp(configPath)
			if err != nil {
				lifecycleLogger.LogStartFailure(err)
				return err
			}

			if !noPIDFile {
				pidPath, err := config.PIDFilePath()
				if err != nil {
					lifecycleLogger.LogStartFailure(err)
					return err
				}
				pf := lifecycle.NewPIDFileManager(pidPath)
				if err := pf.Create(os.Getpid()); err != nil {
					if errors.Is(err, lifecycle.ErrPIDFileExists) || errors.Is(err, lifecycle.ErrPIDFileLocked) {
						if existing, readErr := pf.Read(); readErr == nil {
							lifecycleLogger.LogAlreadyRunning(existing)
						} else {
							lifecycleLogger.LogStartFailure(err)
						}
						return fmt.Errorf("runnerctl serve is already running (pid file %s): %w", pidPath, err)
					}
					lifecycleLogger.LogStartFailure(err)
					return err
				}
				defer pf.Remove()
			}

			statePath, err := config.RunnerStatePath()
			if err != nil {
				return err
			}
			if state, err := store.LoadRunnerState(a.logger, statePath); err == nil {
				hash, err := a.cfg.Hash()
				if err != nil {
					return err
				}
				a.runners.Restore(hash, state.Records)
			}

			targetsFn := func() []poller.Target {
				projects, err := discovery.Walk(discovery.Options{
					WorkspaceRoot:   a.cfg.WorkspaceRoot,
					WorkflowDirName: a.cfg.WorkflowDirName,
					TasksFilename:   a.cfg.TasksFilename,
				})
				if err != nil {
					a.logger.Warn("project discovery failed during poll cycle", "error", err)
					return nil
				}
				var targets []poller.Target
				for _, p := range projects {
					for _, s := range p.Specs {
						targets = append(targets, poller.Target{
							ProjectPath: p.Path,
							SpecName:    s.Name,
							TasksPath:   s.TasksPath,
						})
					}
				}
				return targets
			}

			p := poller.New(a.cfg.PollInterval, a.cfg.LogTailBytes, poller.DefaultCapacity, targetsFn, a.runners)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				p.Run(gctx)
				return nil
			})

			g.Go(func() error {
				consumeUpdates(gctx, a, p.Updates())
				return nil
			})

			var srv *http.Server
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv = &http.Server{Addr: metricsAddr, Handler: mux}
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						return err
					}
					return nil
				})
			}

			lifecycleLogger.LogStartSuccess(os.Getpid(), 0, time.Since(startedAt))

			var forced bool
			select {
			case sig := <-sigCh:
				a.logger.Info("received signal, shutting down", "signal", sig.String())
				forced = sig == syscall.SIGTERM
			case <-gctx.Done():
			}

			stopStarted := time.Now()
			lifecycleLogger.LogStop(os.Getpid(), forced)

			cancel()
			p.Stop()
			a.runners.StartDraining()
			if srv != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}

			waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer waitCancel()
			if err := a.runners.Wait(waitCtx); err != nil {
				a.logger.Warn("timed out waiting for in-flight retries during shutdown", "error", err)
			}

			if err := g.Wait(); err != nil {
				lifecycleLogger.LogStopFailure(os.Getpid(), err)
				return err
			}
			lifecycleLogger.LogStopSuccess(os.Getpid(), time.Since(stopStarted))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to XDG config location)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (disabled if empty)")
	cmd.Flags().BoolVar(&noPIDFile, "no-pid-file", false, "skip PID-file locking (for tests / supervised environments that already ensure a single instance)")
	return cmd
}

// consumeUpdates drains the poller's update channel, turning each
// StateUpdate into a log line and a metrics observation until ctx is
// done and the channel is closed.
func consumeUpdates(ctx context.Context, a *app, updates <-chan poller.StateUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			switch upd.Kind {
			case poller.KindRunnerStatusChanged:
				a.logger.Info("runner status changed", "runner_id", upd.RunnerID, "status", upd.RunnerStatus)
				if upd.RunnerStatus == store.RunnerRunning {
					retriesScheduled.WithLabelValues(upd.RunnerID).Inc()
				}
			case poller.KindCommitObserved:
				a.logger.Info("commit observed", "spec_id", upd.SpecID, "commit", upd.CommitHash, "subject", upd.CommitSubject)
			case poller.KindTaskCountsChanged:
				a.logger.Debug("task counts changed", "spec_id", upd.SpecID, "stats", upd.Stats)
			case poller.KindProjectSetChanged:
				a.logger.Info("project set changed", "projects", upd.Projects)
			}
			activeRunners.Set(float64(len(a.runners.ListActive())))
		}
	}
}
