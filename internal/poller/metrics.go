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

package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cycleDuration observes wall-clock time spent in one poll cycle.
	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runner_poller_cycle_duration_seconds",
			Help:    "Duration of one state-poller cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// coalescedTotal counts StateUpdates overwritten by a newer update under
	// the same key before they could be delivered, by update kind.
	coalescedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_poller_coalesced_total",
			Help: "Total StateUpdates dropped under channel backpressure by coalescing, by update kind",
		},
		[]string{"kind"},
	)
)
