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

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/config"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/store"
)

func newRetryCommand() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "retry <runner-id>",
		Short: "Force a retry attempt for a crashed runner",
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

			var target *store.RunnerRecord
			for i := range state.Records {
				if state.Records[i].ID == args[0] {
					target = &state.Records[i]
					break
				}
			}
			if target == nil {
				return fmt.Errorf("no runner with id %q", args[0])
			}

			exhausted := target.RetryCount >= target.MaxRetries
			if exhausted {
				if !force {
					return fmt.Errorf("runner %s has exhausted its retry budget (%d/%d); pass --force to bypass", args[0], target.RetryCount, target.MaxRetries)
				}
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("Runner %s has exhausted its retry budget (%d/%d). Force a retry anyway?", args[0], target.RetryCount, target.MaxRetries),
					Default: false,
				}
				if err := survey.AskOne(prompt, &confirmed); err != nil {
					return err
				}
				if !confirmed {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
				target.RetryCount = 0
			}

			a.runners.SeedRecord(*target)

			retried, err := a.runners.MaybeRetry(context.Background(), target.ID)
			if err != nil {
				return err
			}
			if !retried {
				return fmt.Errorf("runner %s was not eligible for retry", target.ID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retry scheduled for %s\n", target.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to XDG config location)")
	cmd.Flags().BoolVar(&force, "force", false, "bypass an exhausted retry budget (asks for confirmation)")
	return cmd
}
