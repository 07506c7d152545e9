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

// Package audit provides a size- and age-bounded rotating file sink for the
// structured logger: the "sink is rotating (size-bounded, N backups)"
// requirement the daemon's logging stack carries regardless of which
// features are in scope for a given build.
package audit

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxSize is the default maximum file size before rotation (1GB).
	DefaultMaxSize = 1024 * 1024 * 1024

	// DefaultMaxAge is the default retention period for rotated logs (90 days).
	DefaultMaxAge = 90 * 24 * time.Hour

	// DefaultRotateDaily enables daily rotation.
	DefaultRotateDaily = true
)

// RotatingFileDestination is an io.Writer that rotates the underlying log
// file by size and/or calendar day, optionally gzip-compressing rotated
// files and pruning ones older than maxAge.
type RotatingFileDestination struct {
	mu          sync.Mutex
	basePath    string
	currentPath string
	file        *os.File
	maxSize     int64
	maxAge      time.Duration
	maxBackups  int
	rotateDaily bool
	currentSize int64
	currentDate string
	compress    bool
}

// RotationConfig configures log rotation.
type RotationConfig struct {
	Path        string        `yaml:"path" json:"path"`
	MaxSize     int64         `yaml:"max_size,omitempty" json:"max_size,omitempty"`
	MaxAge      time.Duration `yaml:"max_age,omitempty" json:"max_age,omitempty"`
	MaxBackups  int           `yaml:"max_backups,omitempty" json:"max_backups,omitempty"`
	RotateDaily bool          `yaml:"rotate_daily,omitempty" json:"rotate_daily,omitempty"`
	Compress    bool          `yaml:"compress,omitempty" json:"compress,omitempty"`
}

// NewRotatingFileDestination creates a new rotating file destination.
func NewRotatingFileDestination(config RotationConfig) (*RotatingFileDestination, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("rotating file destination requires path")
	}

	if config.MaxSize == 0 {
		config.MaxSize = DefaultMaxSize
	}
	if config.MaxAge == 0 {
		config.MaxAge = DefaultMaxAge
	}

	path := config.Path
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	dest := &RotatingFileDestination{
		basePath:    path,
		currentPath: path,
		maxSize:     config.MaxSize,
		maxAge:      config.MaxAge,
		maxBackups:  config.MaxBackups,
		rotateDaily: config.RotateDaily,
		compress:    config.Compress,
		currentDate: time.Now().Format("2006-01-02"),
	}

	if err := dest.openFile(); err != nil {
		return nil, err
	}

	if err := dest.cleanupOldLogs(); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to cleanup old logs: %v\n", err)
	}

	return dest, nil
}

// Write implements io.Writer, rotating the underlying file first if needed.
// This lets the destination be passed directly as slog.HandlerOptions'
// output writer.
func (d *RotatingFileDestination) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shouldRotate() {
		if err := d.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := d.file.Write(p)
	if err != nil {
		return n, err
	}

	d.currentSize += int64(n)
	return n, nil
}

// Close closes the current log file.
func (d *RotatingFileDestination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file != nil {
		return d.file.Close()
	}
	return nil
}

// shouldRotate checks if the log should be rotated.
func (d *RotatingFileDestination) shouldRotate() bool {
	if d.currentSize >= d.maxSize {
		return true
	}

	if d.rotateDaily {
		currentDate := time.Now().Format("2006-01-02")
		if currentDate != d.currentDate {
			return true
		}
	}

	return false
}

// rotate closes the current file and opens a new one.
func (d *RotatingFileDestination) rotate() error {
	if d.file != nil {
		if err := d.file.Close(); err != nil {
			return fmt.Errorf("failed to close current log: %w", err)
		}
	}

	timestamp := time.Now().Format("2006-01-02-150405")
	ext := filepath.Ext(d.basePath)
	base := strings.TrimSuffix(d.basePath, ext)
	rotatedPath := fmt.Sprintf("%s.%s%s", base, timestamp, ext)

	if err := os.Rename(d.currentPath, rotatedPath); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to rename log file: %w", err)
		}
	} else if d.compress {
		if err := d.compressFile(rotatedPath); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: Failed to compress rotated log: %v\n", err)
		}
	}

	if err := d.openFile(); err != nil {
		return err
	}

	d.currentDate = time.Now().Format("2006-01-02")

	if err := d.cleanupOldLogs(); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: Failed to cleanup old logs: %v\n", err)
	}

	return nil
}

// openFile opens the current log file.
func (d *RotatingFileDestination) openFile() error {
	file, err := os.OpenFile(d.currentPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	d.file = file
	d.currentSize = info.Size()

	return nil
}

// compressFile compresses a rotated log file with gzip.
func (d *RotatingFileDestination) compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	dstPath := path + ".gz"
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create compressed file: %w", err)
	}
	defer dst.Close()

	gzWriter := gzip.NewWriter(dst)
	defer gzWriter.Close()

	if _, err := io.Copy(gzWriter, src); err != nil {
		return fmt.Errorf("failed to compress file: %w", err)
	}

	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("failed to finalize compression: %w", err)
	}

	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close compressed file: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove uncompressed file: %w", err)
	}

	return nil
}

// cleanupOldLogs removes logs older than maxAge, and — if maxBackups is set
// — the oldest excess backups beyond that count.
func (d *RotatingFileDestination) cleanupOldLogs() error {
	logs, err := ListRotatedLogs(d.basePath)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-d.maxAge)
	kept := 0
	for _, l := range logs {
		tooOld := l.ModTime.Before(cutoff)
		tooMany := d.maxBackups > 0 && kept >= d.maxBackups
		if tooOld || tooMany {
			if err := os.Remove(l.Path); err != nil {
				fmt.Fprintf(os.Stderr, "WARNING: Failed to remove old log %s: %v\n", l.Path, err)
			}
			continue
		}
		kept++
	}

	return nil
}

// ListRotatedLogs returns information about rotated log files, newest first.
func ListRotatedLogs(basePath string) ([]RotatedLogInfo, error) {
	dir := filepath.Dir(basePath)
	base := filepath.Base(basePath)

	pattern := strings.TrimSuffix(base, filepath.Ext(base)) + ".*"
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("failed to find rotated logs: %w", err)
	}

	var logs []RotatedLogInfo
	for _, match := range matches {
		if match == basePath {
			continue
		}

		info, err := os.Stat(match)
		if err != nil {
			continue
		}

		logs = append(logs, RotatedLogInfo{
			Path:      match,
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			IsGzipped: strings.HasSuffix(match, ".gz"),
		})
	}

	sort.Slice(logs, func(i, j int) bool {
		return logs[i].ModTime.After(logs[j].ModTime)
	})

	return logs, nil
}

// RotatedLogInfo contains information about a rotated log file.
type RotatedLogInfo struct {
	Path      string
	Size      int64
	ModTime   time.Time
	IsGzipped bool
}
