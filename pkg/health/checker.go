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

package health

import (
	"context"
	"time"

	"github.com/ephemera-project/ephemera/pkg/storage"
)

// Checker performs health checks
type Checker struct {
	kv      storage.KV
	backend string
	edition string
	started time.Time
}

// NewChecker creates a new health checker
func NewChecker(kv storage.KV, backend, edition string) *Checker {
	return &Checker{
		kv:      kv,
		backend: backend,
		edition: edition,
		started: time.Now(),
	}
}

// CheckAll performs all health checks
func (c *Checker) CheckAll(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Timestamp: time.Now().UTC(),
		Status:    StatusHealthy,
		Edition:   c.edition,
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Errors:    make([]string, 0),
	}

	status.Storage = c.checkStorage(ctx)
	if status.Storage.Status != StatusHealthy {
		status.Status = status.Storage.Status
		if status.Storage.Error != "" {
			status.Errors = append(status.Errors, "Storage: "+status.Storage.Error)
		}
	}

	return status
}

func (c *Checker) checkStorage(ctx context.Context) *StorageHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.kv.Ping(ctx); err != nil {
		return &StorageHealth{
			Status:  StatusUnhealthy,
			Backend: c.backend,
			Error:   err.Error(),
		}
	}

	return &StorageHealth{
		Status:  StatusHealthy,
		Backend: c.backend,
		Latency: time.Since(start).String(),
	}
}
