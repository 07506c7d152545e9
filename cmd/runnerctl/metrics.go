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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// activeRunners tracks the number of runners the manager currently
	// believes are alive, sampled each time a StateUpdate is consumed.
	activeRunners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runnerctl_active_runners",
			Help: "Number of runner processes currently tracked as running",
		},
	)

	// retriesScheduled counts every runner that transitions back to running
	// via health_scan's automatic retry, by runner id.
	retriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerctl_retries_scheduled_total",
			Help: "Total retry attempts scheduled after a runner crash",
		},
		[]string{"runner_id"},
	)
)
