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

// Command runnerctl is the non-interactive driver CLI (§6.7): it wires the
// task document model, retry policy, runner manager, state poller, smart
// completion checker, commit gate, and persistence layer into a set of
// cobra subcommands, and nothing else reaches the core library on its
// behalf.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	runnererrors "github.com/RyosukeMondo/spec-workflow-runner/pkg/errors"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		handleExitError(err)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "runnerctl",
		Short:         "Supervise AI coding sessions against spec-workflow tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newListCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newStopCommand())
	root.AddCommand(newRetryCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "runnerctl %s (%s)\n", version, commit)
			return nil
		},
	}
}

// handleExitError maps a Classifier error to the stable exit-code contract
// in §6.7: classifier string printed to stderr, process exits nonzero.
// Errors that are not a Classifier (flag parsing, usage) exit 1 with
// cobra's own message.
func handleExitError(err error) {
	var classifier runnererrors.Classifier
	if errors.As(err, &classifier) {
		fmt.Fprintf(os.Stderr, "error: %s: %v\n", classifier.Classifier(), err)
		os.Exit(classifierExitCode(classifier.Classifier()))
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// classifierExitCode assigns distinct exit codes to the classifiers named
// in §6.7's CLI contract so a caller script can distinguish "nothing to
// do" conditions from hard failures without parsing stderr.
func classifierExitCode(classifier string) int {
	switch classifier {
	case "stalled":
		return 2
	case "task_format_invalid":
		return 3
	case "precondition_failed":
		return 4
	default:
		return 1
	}
}
