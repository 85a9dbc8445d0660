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
	// EnvelopeSessionsCreated tracks envelope session creation
	EnvelopeSessionsCreated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "sessions_created_total",
			Help:      "Total number of envelope sessions created",
		},
		[]string{"status"}, // success, failure
	)

	// PinResolves tracks PIN lookups
	PinResolves = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "pin_resolves_total",
			Help:      "Total number of PIN resolutions by outcome",
		},
		[]string{"outcome"}, // resolved, not_found, expired
	)

	// EnvelopesStored tracks offer/answer writes
	EnvelopesStored = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "stored_total",
			Help:      "Total number of envelopes stored",
		},
		[]string{"kind"}, // offer, answer
	)

	// AnswersDelivered tracks one-shot answer handoffs
	AnswersDelivered = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "envelope",
			Name:      "answers_delivered_total",
			Help:      "Total number of answer envelopes delivered",
		},
	)
)
