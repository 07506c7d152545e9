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

// Package commitgate installs and removes a repository-local block on
// human-invoked commits for the duration of a single supervised
// implementation session (Phase 2 of the three-phase driver). It is scoped
// to one iteration: Enter backs up any existing pre-commit hook, Exit
// always restores it, and Recover cleans up a gate left behind by a
// process that was killed mid-session.
package commitgate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	runnererrors "github.com/RyosukeMondo/spec-workflow-runner/pkg/errors"
)

const sentinel = "# BEGIN spec-workflow-runner commit gate"

const hookBody = `#!/bin/sh
# BEGIN spec-workflow-runner commit gate
echo "commits are blocked: an implementation session is in progress" >&2
exit 1
# END spec-workflow-runner commit gate
`

// Gate blocks commits in a single repository while installed.
type Gate struct {
	repoDir string
}

// New returns a Gate scoped to the repository rooted at repoDir.
func New(repoDir string) *Gate {
	return &Gate{repoDir: repoDir}
}

func (g *Gate) hookPath() string {
	return filepath.Join(g.repoDir, ".git", "hooks", "pre-commit")
}

// Enter installs the blocking pre-commit hook, renaming any existing hook
// to a `.bak-<nonce>` sibling first so Exit can restore it byte-for-byte.
func (g *Gate) Enter() error {
	hookPath := g.hookPath()

	if _, err := os.Stat(hookPath); err == nil {
		nonce := fmt.Sprintf("%d", time.Now().UnixNano())
		backup := hookPath + ".bak-" + nonce
		if err := os.Rename(hookPath, backup); err != nil {
			return &runnererrors.FSWriteError{Path: hookPath, Cause: err}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return &runnererrors.FSReadError{Path: hookPath, Cause: err}
	}

	if err := os.MkdirAll(filepath.Dir(hookPath), 0o755); err != nil {
		return &runnererrors.FSWriteError{Path: hookPath, Cause: err}
	}

	if err := os.WriteFile(hookPath, []byte(hookBody), 0o755); err != nil {
		return &runnererrors.FSWriteError{Path: hookPath, Cause: err}
	}

	return nil
}

// Exit removes the installed gate hook and restores the most recent
// backup, if one exists. It is idempotent and safe to call even if Enter
// was never called for this Gate — it only acts on a hook carrying this
// gate's sentinel, and only restores a backup if one is present.
func (g *Gate) Exit() error {
	hookPath := g.hookPath()

	data, err := os.ReadFile(hookPath)
	switch {
	case err == nil:
		if strings.Contains(string(data), sentinel) {
			if err := os.Remove(hookPath); err != nil {
				return &runnererrors.FSWriteError{Path: hookPath, Cause: err}
			}
		}
	case errors.Is(err, os.ErrNotExist):
		// Nothing installed; fall through to backup restore in case a
		// prior Exit removed the hook but was killed before the rename.
	default:
		return &runnererrors.FSReadError{Path: hookPath, Cause: err}
	}

	backup, found, err := g.latestBackup()
	if err != nil {
		return err
	}
	if found {
		if err := os.Rename(backup, hookPath); err != nil {
			return &runnererrors.FSWriteError{Path: hookPath, Cause: err}
		}
	}

	return nil
}

// Recover implements the process-start sweep: if this repo's pre-commit
// hook still carries the gate sentinel, a prior run was killed mid Phase 2.
// It is cleaned up exactly as Exit would, and recovered=true is returned so
// the caller can log a single commit_gate_recovered event.
func (g *Gate) Recover() (recovered bool, err error) {
	data, readErr := os.ReadFile(g.hookPath())
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return false, nil
		}
		return false, &runnererrors.FSReadError{Path: g.hookPath(), Cause: readErr}
	}

	if !strings.Contains(string(data), sentinel) {
		return false, nil
	}

	if err := g.Exit(); err != nil {
		return false, err
	}
	return true, nil
}

// latestBackup finds the most recently created `.bak-<nonce>` sibling of
// the hook path. Nonces are UnixNano timestamps, so lexicographic order
// matches chronological order.
func (g *Gate) latestBackup() (string, bool, error) {
	matches, err := filepath.Glob(g.hookPath() + ".bak-*")
	if err != nil {
		return "", false, &runnererrors.FSReadError{Path: g.hookPath(), Cause: err}
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	sort.Strings(matches)
	return matches[len(matches)-1], true, nil
}
