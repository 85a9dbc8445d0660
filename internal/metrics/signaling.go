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
	// PeersRegistered tracks peer registrations
	PeersRegistered = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "peers_registered_total",
			Help:      "Total number of peer registrations by outcome",
		},
		[]string{"outcome"}, // registered, in_use
	)

	// SignalsQueued tracks signals appended to mailboxes
	SignalsQueued = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "queued_total",
			Help:      "Total number of signals queued by type",
		},
		[]string{"type"}, // offer, answer, ice-candidate
	)

	// SignalsDelivered tracks signals handed out by polls
	SignalsDelivered = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "delivered_total",
			Help:      "Total number of signals drained from mailboxes",
		},
	)

	// WebsocketSessions tracks open realtime signaling sockets
	WebsocketSessions = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "websocket_sessions",
			Help:      "Number of currently open signaling websockets",
		},
	)
)
