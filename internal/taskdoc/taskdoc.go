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

// Package taskdoc parses and validates a spec's tasks.md checkbox list, and
// rewrites falsely-completed tasks back to in-progress. It never reads file
// contents itself beyond the document text it is given; existence checks
// for declared implementation files are delegated to an fsprobe.ExistenceChecker.
package taskdoc

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/fsprobe"
)

// Status is a task's or acceptance sub-checkbox's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// AcceptanceItem is a sub-checkbox nested under a task's Acceptance block.
type AcceptanceItem struct {
	Status Status
	Text   string
}

// Task is a single numbered checkbox entry parsed from a tasks.md document.
type Task struct {
	ID         string
	Status     Status
	Title      string
	Files      []string
	Acceptance []AcceptanceItem

	// headerLine is the 0-indexed position of this task's checkbox line
	// within the document's line slice. Rewrites touch only this line.
	headerLine int
}

// TaskStats is a projection of task counts by status.
type TaskStats struct {
	Pending    int
	InProgress int
	Completed  int
	Total      int
}

// Count computes TaskStats from a parsed task slice.
func Count(tasks []Task) TaskStats {
	var s TaskStats
	for _, t := range tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.InProgress++
		case StatusCompleted:
			s.Completed++
		}
	}
	s.Total = s.Pending + s.InProgress + s.Completed
	return s
}

// Severity classifies an Issue's importance.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single parse or validation finding tied to a source line.
type Issue struct {
	Line     int
	Severity Severity
	Kind     string
	Message  string
}

var (
	taskHeaderRe       = regexp.MustCompile(`^- \[([ xX-])\]\s*(\d+(?:\.\d+)*)\.?\s+(.+)$`)
	bracketCandidateRe = regexp.MustCompile(`^- \[(.*?)\]\s*(\d+(?:\.\d+)*)\.?\s+(.+)$`)
	noCheckboxRe       = regexp.MustCompile(`^- (\d+(?:\.\d+)*)\.?\s+(.+)$`)
	filesHeaderRe      = regexp.MustCompile(`^\s+- \*\*Files\*\*:\s*(.*)$`)
	acceptanceHeaderRe = regexp.MustCompile(`^\s+- \*\*Acceptance\*\*:\s*$`)
	subCheckboxRe      = regexp.MustCompile(`^\s+- \[([ xX-])\]\s+(.+)$`)
	indentedBulletRe   = regexp.MustCompile(`^\s+- (.+)$`)
)

func statusFromCheckbox(ch byte) Status {
	switch ch {
	case 'x', 'X':
		return StatusCompleted
	case '-':
		return StatusInProgress
	default:
		return StatusPending
	}
}

// Parse recognizes `- [ ]`, `- [-]`, `- [x]` checkbox lines (case-insensitive)
// followed by a dotted numeric id and a title. It is pure and single-pass: a
// task continues until the next top-level checkbox line or EOF, and
// indented `- **Files**:` / `- **Acceptance**:` sub-records attach to the
// task currently open. Lines that look like a numbered task but are
// malformed (missing checkbox, invalid checkbox character) do not abort
// parsing — they surface as Issues and the scanner moves on.
func Parse(text string) ([]Task, []Issue) {
	lines := strings.Split(text, "\n")

	var tasks []Task
	var issues []Issue
	var current *Task
	inAcceptance := false

	for i, line := range lines {
		lineNo := i + 1

		if m := taskHeaderRe.FindStringSubmatch(line); m != nil {
			tasks = append(tasks, Task{
				ID:         m[2],
				Status:     statusFromCheckbox(m[1][0]),
				Title:      strings.TrimSpace(m[3]),
				headerLine: i,
			})
			current = &tasks[len(tasks)-1]
			inAcceptance = false
			continue
		}

		if m := bracketCandidateRe.FindStringSubmatch(line); m != nil {
			issues = append(issues, Issue{
				Line:     lineNo,
				Severity: SeverityError,
				Kind:     "invalid_checkbox",
				Message:  fmt.Sprintf("task %s has an invalid checkbox character %q", m[2], m[1]),
			})
			current = nil
			continue
		}

		if m := noCheckboxRe.FindStringSubmatch(line); m != nil {
			issues = append(issues, Issue{
				Line:     lineNo,
				Severity: SeverityError,
				Kind:     "missing_checkbox",
				Message:  fmt.Sprintf("task %s has no checkbox", m[1]),
			})
			current = nil
			continue
		}

		if current == nil {
			continue
		}

		if m := filesHeaderRe.FindStringSubmatch(line); m != nil {
			current.Files = append(current.Files, splitFiles(m[1])...)
			inAcceptance = false
			continue
		}

		if acceptanceHeaderRe.MatchString(line) {
			inAcceptance = true
			continue
		}

		if inAcceptance {
			if m := subCheckboxRe.FindStringSubmatch(line); m != nil {
				current.Acceptance = append(current.Acceptance, AcceptanceItem{
					Status: statusFromCheckbox(m[1][0]),
					Text:   strings.TrimSpace(m[2]),
				})
				continue
			}
			if !indentedBulletRe.MatchString(line) {
				inAcceptance = false
			}
		}
		// Unknown indented content: preserved verbatim in the document,
		// ignored semantically here.
	}

	return tasks, issues
}

func splitFiles(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	files := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			files = append(files, p)
		}
	}
	return files
}

// Validate reports every issue Parse found plus: duplicate or non-monotonic
// task ids, and completed tasks that declare no Files or whose declared
// files all match one of mockOnlyPatterns (doublestar globs). Deterministic
// given identical text and patterns.
func Validate(text string, mockOnlyPatterns []string) []Issue {
	tasks, issues := Parse(text)

	seenAt := make(map[string]int, len(tasks))
	var prevID string
	for _, t := range tasks {
		lineNo := t.headerLine + 1

		if firstLine, ok := seenAt[t.ID]; ok {
			issues = append(issues, Issue{
				Line:     lineNo,
				Severity: SeverityError,
				Kind:     "duplicate_id",
				Message:  fmt.Sprintf("duplicate task id %q (first seen at line %d)", t.ID, firstLine),
			})
		} else {
			seenAt[t.ID] = lineNo
		}

		if prevID != "" && compareIDs(t.ID, prevID) < 0 {
			issues = append(issues, Issue{
				Line:     lineNo,
				Severity: SeverityWarning,
				Kind:     "non_monotonic_id",
				Message:  fmt.Sprintf("task id %q appears out of order after %q", t.ID, prevID),
			})
		}
		prevID = t.ID

		if t.Status == StatusCompleted {
			if len(t.Files) == 0 {
				issues = append(issues, Issue{
					Line:     lineNo,
					Severity: SeverityError,
					Kind:     "completed_without_files",
					Message:  fmt.Sprintf("task %q is completed but declares no Files", t.ID),
				})
			} else if allFilesMatch(t.Files, mockOnlyPatterns) {
				issues = append(issues, Issue{
					Line:     lineNo,
					Severity: SeverityWarning,
					Kind:     "completed_mock_only",
					Message:  fmt.Sprintf("task %q is completed but its files are all mock/test-only", t.ID),
				})
			}
		}
	}

	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Line < issues[j].Line })
	return issues
}

// compareIDs orders dotted numeric ids ("4.2.1") segment-by-segment,
// numerically within each segment. A shorter id that is a prefix of a
// longer one sorts before it.
func compareIDs(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr != nil || berr != nil {
			if as[i] != bs[i] {
				if as[i] < bs[i] {
					return -1
				}
				return 1
			}
			continue
		}
		if an != bn {
			if an < bn {
				return -1
			}
			return 1
		}
	}
	return len(as) - len(bs)
}

func allFilesMatch(files, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, f := range files {
		matched := false
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, f); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// ResetUnimplemented rewrites every `- [x]` task that declares no files, or
// whose declared files do not all exist, or exist but match only
// mockOnlyPatterns, to `- [-]`. All
// other bytes of text are preserved exactly, and the rewrite touches only
// each affected task's checkbox line — so it round-trips idempotently: a
// second call on the result is a no-op.
func ResetUnimplemented(text string, fs fsprobe.ExistenceChecker, mockOnlyPatterns []string) string {
	tasks, _ := Parse(text)
	lines := strings.Split(text, "\n")

	for _, t := range tasks {
		if t.Status != StatusCompleted {
			continue
		}
		if !isImplemented(t, fs, mockOnlyPatterns) {
			lines[t.headerLine] = rewriteCheckbox(lines[t.headerLine], '-')
		}
	}

	return strings.Join(lines, "\n")
}

// PromoteImplemented rewrites every in-progress (`- [-]`) task to completed
// (`- [x]`) when its declared files all exist (and are not purely
// mock/test-only) and every Acceptance sub-checkbox is checked. It mirrors
// ResetUnimplemented's single-line, byte-preserving rewrite in the opposite
// direction and is likewise idempotent.
func PromoteImplemented(text string, fs fsprobe.ExistenceChecker, mockOnlyPatterns []string) string {
	tasks, _ := Parse(text)
	lines := strings.Split(text, "\n")

	for _, t := range tasks {
		if t.Status != StatusInProgress {
			continue
		}
		if isImplemented(t, fs, mockOnlyPatterns) && allAcceptanceChecked(t) {
			lines[t.headerLine] = rewriteCheckbox(lines[t.headerLine], 'x')
		}
	}

	return strings.Join(lines, "\n")
}

func allAcceptanceChecked(t Task) bool {
	for _, a := range t.Acceptance {
		if a.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func isImplemented(t Task, fs fsprobe.ExistenceChecker, mockOnlyPatterns []string) bool {
	if len(t.Files) == 0 {
		return false
	}
	for _, f := range t.Files {
		if !fs.Exists(f) {
			return false
		}
	}
	return !allFilesMatch(t.Files, mockOnlyPatterns)
}

// rewriteCheckbox replaces the checkbox character of a "- [X] ..." line
// in place, leaving every other byte untouched. line is assumed to match
// taskHeaderRe, so the checkbox character always sits at index 3.
func rewriteCheckbox(line string, newChar byte) string {
	if len(line) < 5 || line[0] != '-' || line[1] != ' ' || line[2] != '[' || line[4] != ']' {
		return line
	}
	return line[:3] + string(newChar) + line[4:]
}
