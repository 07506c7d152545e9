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
	"fmt"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/config"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/store"
)

func newStopCommand() *cobra.Command {
	var (
		configPath string
		grace      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stop <runner-id>",
		Short: "Stop a supervised runner, gracefully then forcefully past the grace period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}

			statePath, err := config.RunnerStatePath()
			if err != nil {
				return err
			}
			state, err := store.LoadRunnerState(a.logger, statePath)
			if err != nil {
				return err
			}

			found := false
			for _, rec := range state.Records {
				if rec.ID == args[0] {
					a.runners.SeedRecord(rec)
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("no runner with id %q", args[0])
			}

			if grace <= 0 {
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("Stop runner %s with no grace period (immediate SIGKILL)?", args[0]),
					Default: false,
				}
				if err := survey.AskOne(prompt, &confirmed); err != nil {
					return err
				}
				if !confirmed {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}

			if err := a.runners.Stop(args[0], grace); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to XDG config location)")
	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "graceful-shutdown grace period before SIGKILL; 0 requires confirmation")
	return cmd
}
