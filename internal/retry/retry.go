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

// Package retry implements the Runner Manager's crash-restart policy as a
// pure function of (retry_count, config): it never sleeps, spawns, or
// mutates anything itself. The caller is responsible for actually waiting
// out the returned delay and for honoring cancellation during that wait.
package retry

import (
	"math"
	"time"

	"github.com/RyosukeMondo/spec-workflow-runner/internal/config"
)

// Policy evaluates the exponential-backoff-with-cap schedule described by a
// RetryConfig.
type Policy struct {
	cfg config.RetryConfig
}

// New constructs a Policy from the given retry configuration.
func New(cfg config.RetryConfig) Policy {
	return Policy{cfg: cfg}
}

// Backoff returns the delay to wait before retry attempt n (0-indexed):
//
//	backoff(n) = min(base * multiplier^n, cap)
//
// A negative n is treated as 0.
func (p Policy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}

	base := float64(p.cfg.BaseBackoff)
	delay := base * math.Pow(p.cfg.Multiplier, float64(n))

	ceiling := float64(p.cfg.Cap)
	if ceiling > 0 && delay > ceiling {
		delay = ceiling
	}

	return time.Duration(delay)
}

// WithMaxRetries returns a copy of the policy with max_retries overridden.
// Used when a RunnerRecord carries its own retry budget distinct from the
// process-wide default configured at startup.
func (p Policy) WithMaxRetries(maxRetries int) Policy {
	p.cfg.MaxRetries = maxRetries
	return p
}

// ShouldRetry reports whether a crashed runner at retry_count n and last
// exit code lastExitCode should be restarted:
//
//	should_retry(n) = enabled ∧ n < max_retries ∧ last_exit != success
func (p Policy) ShouldRetry(n int, lastExitCode int) bool {
	if !p.cfg.Enabled {
		return false
	}
	if lastExitCode == 0 {
		return false
	}
	return n < p.cfg.MaxRetries
}
