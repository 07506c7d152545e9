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

// Package discovery walks a workspace root for projects and specs. It is
// outside the core's scope (spec.md §1 names "project/spec discovery
// walker" as an external collaborator), but nothing else in this tree can
// exercise the Runner Manager or the three-phase driver end to end without
// something producing (project, spec) pairs — so this package is the
// reference implementation the CLI wires in.
//
// A project is any directory under the workspace root containing a
// subdirectory named after the configured workflow_dir_name. A spec is any
// subdirectory of <project>/<workflow_dir_name>/specs containing a tasks
// file.
package discovery

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/store"
	"github.com/RyosukeMondo/spec-workflow-runner/internal/taskdoc"
)

// Project is one discovered project directory.
type Project struct {
	Path  string
	Specs []Spec
}

// Spec is one discovered spec within a project: a subdirectory of
// <workflow_dir_name>/specs containing a tasks document.
type Spec struct {
	Name      string
	TasksPath string
}

// Options configures a Walk.
type Options struct {
	WorkspaceRoot   string
	WorkflowDirName string
	TasksFilename   string
	// ExcludeGlobs are doublestar patterns (matched against paths relative
	// to WorkspaceRoot) pruned from the walk — e.g. "**/node_modules/**".
	ExcludeGlobs []string
}

// Walk scans opts.WorkspaceRoot for projects and their specs. A directory
// is a project root when it contains <workflow_dir_name>; the walk does not
// descend into a project root, so a project nested inside another project's
// own dependency tree is not double-counted once the outer directory is
// recognized as a project.
func Walk(opts Options) ([]Project, error) {
	root := opts.WorkspaceRoot
	if root == "" {
		return nil, fmt.Errorf("discovery: workspace_root is required")
	}
	if opts.WorkflowDirName == "" {
		opts.WorkflowDirName = ".spec-workflow"
	}
	if opts.TasksFilename == "" {
		opts.TasksFilename = "tasks.md"
	}

	var projects []Project

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && excluded(root, path, opts.ExcludeGlobs) {
			return filepath.SkipDir
		}

		workflowDir := filepath.Join(path, opts.WorkflowDirName)
		info, statErr := os.Stat(workflowDir)
		if statErr != nil || !info.IsDir() {
			return nil
		}

		specs, err := walkSpecs(workflowDir, opts.TasksFilename)
		if err != nil {
			return err
		}
		projects = append(projects, Project{Path: path, Specs: specs})
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: walk %s: %w", root, err)
	}

	sort.Slice(projects, func(i, j int) bool { return projects[i].Path < projects[j].Path })
	return projects, nil
}

func excluded(root, path string, globs []string) bool {
	if len(globs) == 0 {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

func walkSpecs(workflowDir, tasksFilename string) ([]Spec, error) {
	specsDir := filepath.Join(workflowDir, "specs")
	entries, err := os.ReadDir(specsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read specs dir %s: %w", specsDir, err)
	}

	var specs []Spec
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tasksPath := filepath.Join(specsDir, e.Name(), tasksFilename)
		if _, err := os.Stat(tasksPath); err != nil {
			continue
		}
		specs = append(specs, Spec{Name: e.Name(), TasksPath: tasksPath})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

// RootDigest computes the project-cache invalidation digest for root: a
// concatenation of every discovered tasks.md's path and mtime, hashed.
// Unlike hashstructure's struct-reflection approach (used for config_hash),
// this digest must be cheap to recompute on every cache refresh, so it is a plain
// FNV sum over a deterministic byte stream rather than a full content hash.
func RootDigest(projects []Project) string {
	h := fnv.New64a()
	for _, p := range projects {
		for _, s := range p.Specs {
			info, err := os.Stat(s.TasksPath)
			if err != nil {
				continue
			}
			fmt.Fprintf(h, "%s|%d\n", s.TasksPath, info.ModTime().UnixNano())
		}
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// TaskSummary reports the pending/in-progress/completed counts for spec,
// read fresh from disk. Used by the CLI's `list` command to show progress
// without starting a runner.
func TaskSummary(s Spec) (taskdoc.TaskStats, error) {
	data, err := os.ReadFile(s.TasksPath)
	if err != nil {
		return taskdoc.TaskStats{}, err
	}
	tasks, _ := taskdoc.Parse(string(data))
	return taskdoc.Count(tasks), nil
}

// ToProjectCache projects a Walk result into the persisted store.ProjectCache
// shape (§4.9).
func ToProjectCache(projects []Project, rootDigest string, savedAt time.Time) store.ProjectCache {
	entries := make([]store.ProjectCacheEntry, 0, len(projects))
	for _, p := range projects {
		entries = append(entries, store.ProjectCacheEntry{Path: p.Path})
	}
	return store.ProjectCache{
		Version:    1,
		RootDigest: rootDigest,
		Projects:   entries,
		SavedAt:    savedAt,
	}
}

// WatchFunc is called with a freshly re-walked project list whenever the
// watched tree changes. Errors from the walk itself are passed through
// rather than silently dropped.
type WatchFunc func([]Project, error)

// Watch re-walks opts.WorkspaceRoot on every fsnotify event under it and
// invokes fn with the result, until ctx is cancelled. This is the CLI's
// optional `list --watch` mode (spec.md §1 places discovery outside the
// core, which is what permits a push-based watcher here — the State
// Poller itself stays interval/mtime-poll based per §4.5).
func Watch(ctx context.Context, opts Options, fn WatchFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("discovery: create watcher: %w", err)
	}
	defer w.Close()

	if err := addRecursive(w, opts.WorkspaceRoot); err != nil {
		return fmt.Errorf("discovery: watch %s: %w", opts.WorkspaceRoot, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-w.Events:
			if !ok {
				return nil
			}
			fn(Walk(opts))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			fn(nil, err)
		}
	}
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
