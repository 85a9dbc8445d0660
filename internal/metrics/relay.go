// Copyright (C) 2025 ephemera-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunksPushed tracks accepted chunk pushes
	ChunksPushed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "chunks_pushed_total",
			Help:      "Total number of chunk pushes by outcome",
		},
		[]string{"outcome"}, // accepted, duplicate, mismatch, invalid, conflict
	)

	// ChunksDelivered tracks chunks handed to receivers
	ChunksDelivered = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "chunks_delivered_total",
			Help:      "Total number of chunks delivered to receivers",
		},
	)

	// SessionsCompleted tracks relay sessions that reached done
	SessionsCompleted = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions_completed_total",
			Help:      "Total number of relay sessions fully delivered",
		},
	)

	// PushRetries tracks optimistic-loop retries
	PushRetries = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "push_retries_total",
			Help:      "Total number of push attempts repeated after a lost write race",
		},
	)

	// PushAttempts tracks how many loop iterations a successful push took
	PushAttempts = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "push_attempts",
			Help:      "Attempts needed for a push to land",
			Buckets:   prometheus.LinearBuckets(1, 1, 5),
		},
	)

	// ChunkBytes tracks pushed chunk sizes
	ChunkBytes = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "chunk_bytes",
			Help:      "Size of pushed chunks in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8), // 64B to 1MB
		},
	)
)
