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

// Package fsprobe wraps the plain-filesystem queries the poller and the
// task document model need: existence checks, mtime polling, and tailing a
// log file without reading it in full. Every call is a thin layer over the
// OS and never blocks indefinitely.
package fsprobe

import (
	"io"
	"os"
	"path/filepath"

	runnererrors "github.com/RyosukeMondo/spec-workflow-runner/pkg/errors"
)

// ExistenceChecker is the narrow capability the task document model needs
// from this package: a stable, injectable seam so tests can fake
// filesystem state without touching disk.
type ExistenceChecker interface {
	Exists(path string) bool
}

// OSChecker is the default ExistenceChecker, backed by the real filesystem.
type OSChecker struct{}

// Exists reports whether path exists on disk.
func (OSChecker) Exists(path string) bool {
	return Exists(path)
}

// RootedChecker resolves a relative path against a base directory before
// checking existence. Task documents declare Files as project-relative
// paths, so the task document model is always handed a RootedChecker
// scoped to the project under inspection rather than a bare OSChecker.
type RootedChecker struct {
	baseDir string
}

// Rooted returns an ExistenceChecker that resolves relative paths under
// baseDir; an already-absolute path is checked as-is.
func Rooted(baseDir string) RootedChecker {
	return RootedChecker{baseDir: baseDir}
}

// Exists reports whether path, resolved against baseDir, exists on disk.
func (r RootedChecker) Exists(path string) bool {
	if filepath.IsAbs(path) {
		return Exists(path)
	}
	return Exists(filepath.Join(r.baseDir, path))
}

// Exists reports whether path exists on disk. It does not distinguish
// files from directories; callers that care should follow up with Stat.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Mtime returns the modification time of path as a Unix timestamp in
// seconds (with sub-second precision), and true if path exists. If path
// does not exist, it returns (0, false) rather than an error — a missing
// file is an expected poll outcome, not a fault.
func Mtime(path string) (float64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	mtime := info.ModTime()
	return float64(mtime.Unix()) + float64(mtime.Nanosecond())/1e9, true
}

// Tail reads up to maxBytes from the end of path. It seeks to
// max(0, size-maxBytes) and reads to EOF, so the result is lossy across a
// rotation that happened mid-read: callers must accept truncation rather
// than treat the result as a guaranteed-complete suffix.
func Tail(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &runnererrors.FSReadError{Path: path, Cause: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &runnererrors.FSReadError{Path: path, Cause: err}
	}

	size := info.Size()
	offset := size - maxBytes
	if offset < 0 {
		offset = 0
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, &runnererrors.FSReadError{Path: path, Cause: err}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &runnererrors.FSReadError{Path: path, Cause: err}
	}
	return data, nil
}
