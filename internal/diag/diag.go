/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package diag exposes liveness and readiness checks for processes hosting
// channels: goroutine-count liveness, host memory pressure and selector
// registry occupancy readiness.
package diag

import (
	"fmt"

	"github.com/heptiolabs/healthcheck"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	defaultMaxGoroutines = 5000
	defaultMinFreeMemory = 64 << 20 // 64 MB
	defaultMaxRegistered = 65536
)

// Registry is the slice of a selector the checks need.
type Registry interface {
	Len() int
}

// Options tunes the handler's thresholds. Zero values select the defaults.
type Options struct {
	// MaxGoroutines fails liveness when exceeded.
	MaxGoroutines int
	// MinFreeMemoryBytes fails readiness when the host has less available
	// memory.
	MinFreeMemoryBytes uint64
	// Registry, when set, is checked against MaxRegistered.
	Registry Registry
	// MaxRegistered fails readiness when the registry holds more channels.
	MaxRegistered int
}

// NewHandler builds the HTTP health handler.
func NewHandler(opts Options) healthcheck.Handler {
	maxGoroutines := opts.MaxGoroutines
	if maxGoroutines <= 0 {
		maxGoroutines = defaultMaxGoroutines
	}
	minFree := opts.MinFreeMemoryBytes
	if minFree == 0 {
		minFree = defaultMinFreeMemory
	}
	maxRegistered := opts.MaxRegistered
	if maxRegistered <= 0 {
		maxRegistered = defaultMaxRegistered
	}

	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(maxGoroutines))
	h.AddReadinessCheck("host-memory", func() error {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return fmt.Errorf("diag: read host memory: %w", err)
		}
		if vm.Available < minFree {
			return fmt.Errorf("diag: host memory low: available=%d min=%d", vm.Available, minFree)
		}
		return nil
	})
	if opts.Registry != nil {
		h.AddReadinessCheck("channel-registry", func() error {
			if n := opts.Registry.Len(); n > maxRegistered {
				return fmt.Errorf("diag: too many registered channels: %d > %d", n, maxRegistered)
			}
			return nil
		})
	}
	return h
}
