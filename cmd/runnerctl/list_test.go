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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T, workspaceRoot string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "workspace_root: " + workspaceRoot + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func seedProject(t *testing.T, root, name string, tasksBody string) {
	t.Helper()
	specDir := filepath.Join(root, name, ".spec-workflow", "specs", "demo")
	if err := os.MkdirAll(specDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(specDir, "tasks.md"), []byte(tasksBody), 0o644); err != nil {
		t.Fatalf("write tasks.md: %v", err)
	}
}

func TestListCommand_PrintsDiscoveredProjectsAndSpecs(t *testing.T) {
	withIsolatedXDG(t)
	workspaceRoot := t.TempDir()
	seedProject(t, workspaceRoot, "proj-a", "- [ ] 1 first task\n- [x] 2 second task\n")

	configPath := writeTestConfig(t, workspaceRoot)

	out, err := runCmd(t, "list", "--config", configPath)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "proj-a") {
		t.Errorf("output %q missing discovered project", out)
	}
	if !strings.Contains(out, "demo") {
		t.Errorf("output %q missing discovered spec", out)
	}
	if !strings.Contains(out, "pending=1") || !strings.Contains(out, "completed=1") {
		t.Errorf("output %q missing expected task counts", out)
	}
}

func TestListCommand_NoProjectsFound(t *testing.T) {
	withIsolatedXDG(t)
	configPath := writeTestConfig(t, t.TempDir())

	out, err := runCmd(t, "list", "--config", configPath)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "no projects found") {
		t.Errorf("output %q does not report an empty workspace", out)
	}
}
