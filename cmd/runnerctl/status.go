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

	"github.com/spf13/cobra"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/config"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/store"
)

func newStatusCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status [runner-id]",
		Short: "Show the persisted status of active runners, or one runner by id",
		Args:  cobra.MaximumNArgs(1),
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

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				for _, rec := range state.Records {
					if rec.ID == args[0] {
						printRecord(cmd, rec)
						return nil
					}
				}
				return fmt.Errorf("no runner with id %q", args[0])
			}

			if len(state.Records) == 0 {
				fmt.Fprintln(out, "no active runners")
				return nil
			}
			for _, rec := range state.Records {
				printRecord(cmd, rec)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to XDG config location)")
	return cmd
}

func printRecord(cmd *cobra.Command, rec store.RunnerRecord) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s/%s  provider=%s  status=%s  retries=%d/%d  pid=%d\n",
		rec.ID, rec.ProjectPath, rec.SpecName, rec.ProviderName, rec.Status, rec.RetryCount, rec.MaxRetries, rec.PID)
}
