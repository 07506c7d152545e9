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

	"github.com/RyosukeMondo/spec-workflow-runner/internal/discovery"
)

func newListCommand() *cobra.Command {
	var (
		configPath string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered projects and their specs under workspace_root",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}

			opts := discovery.Options{
				WorkspaceRoot:   a.cfg.WorkspaceRoot,
				WorkflowDirName: a.cfg.WorkflowDirName,
				TasksFilename:   a.cfg.TasksFilename,
			}

			if !watch {
				projects, err := discovery.Walk(opts)
				if err != nil {
					return err
				}
				printProjects(cmd, projects)
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), "watching for changes (ctrl-c to stop)...")
			return discovery.Watch(cmd.Context(), opts, func(projects []discovery.Project, err error) {
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
					return
				}
				printProjects(cmd, projects)
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to XDG config location)")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running, re-listing on every filesystem change under workspace_root")

	return cmd
}

func printProjects(cmd *cobra.Command, projects []discovery.Project) {
	out := cmd.OutOrStdout()
	if len(projects) == 0 {
		fmt.Fprintln(out, "no projects found")
		return
	}
	for _, p := range projects {
		fmt.Fprintf(out, "%s\n", p.Path)
		for _, s := range p.Specs {
			stats, err := discovery.TaskSummary(s)
			if err != nil {
				fmt.Fprintf(out, "  %s (unreadable: %v)\n", s.Name, err)
				continue
			}
			fmt.Fprintf(out, "  %s  pending=%d in_progress=%d completed=%d total=%d\n",
				s.Name, stats.Pending, stats.InProgress, stats.Completed, stats.Total)
		}
	}
}
