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

package security

import (
	"os"
	"path/filepath"
	"strings"
)

// sensitivePatterns defines filename patterns that require restrictive
// permissions (0600/0700). Matched case-insensitively against the basename.
var sensitivePatterns = []string{
	"config", "settings", "conf", ".cfg", ".ini",
	"secret", "credential", "password", "auth",
	"key", ".pem", ".p12", ".jks", "private",
	".env",
	"token", "bearer", "api_key",
	"state", "cache",
}

// DeterminePermissions returns appropriate file and directory permissions
// based on the file path. Sensitive files (matching patterns) get
// 0600/0700; general files get 0640/0750. Pattern matching is
// case-insensitive and applies to the basename only.
func DeterminePermissions(path string) (fileMode, dirMode os.FileMode) {
	base := strings.ToLower(filepath.Base(path))

	for _, pattern := range sensitivePatterns {
		if strings.Contains(base, pattern) {
			return 0600, 0700
		}
	}

	return 0640, 0750
}

// VerifyPermissions verifies that an open file has the expected
// permissions, checked via its file descriptor to avoid a TOCTOU race
// against a path-based stat.
func VerifyPermissions(fd *os.File, expected os.FileMode) error {
	info, err := fd.Stat()
	if err != nil {
		return err
	}
	if actual := info.Mode().Perm(); actual != expected {
		return &PermissionMismatchError{Path: fd.Name(), Want: expected, Got: actual}
	}
	return nil
}

// PermissionMismatchError reports that a file's on-disk permissions do not
// match what was expected after a chmod.
type PermissionMismatchError struct {
	Path string
	Want os.FileMode
	Got  os.FileMode
}

func (e *PermissionMismatchError) Error() string {
	return "permissions mismatch for " + e.Path + ": got " + e.Got.String() + ", want " + e.Want.String()
}
