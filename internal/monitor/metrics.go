// Copyright 2024 The lnxdrive Authors
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

// Package monitor holds the prometheus instruments of the filesystem
// core. The daemon decides whether and where to expose them.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HydrationBytes counts bytes streamed from the cloud into the cache.
	HydrationBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lnxdrive_hydration_bytes_total",
		Help: "Bytes downloaded into the content cache.",
	})

	// HydrationsTotal counts finished hydration requests by outcome:
	// done, failed or cancelled.
	HydrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lnxdrive_hydrations_total",
		Help: "Completed hydration requests by outcome.",
	}, []string{"outcome"})

	// EvictionsTotal counts cache objects removed by the dehydration
	// sweep.
	EvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lnxdrive_evictions_total",
		Help: "Cache objects evicted by dehydration.",
	})

	// CacheUsageBytes is the last disk usage observed by the sweep.
	CacheUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lnxdrive_cache_usage_bytes",
		Help: "Bytes used by the content cache at the last sweep.",
	})
)
