// Copyright 2024 yoock, Inc.
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

package gctuner

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// GlobalTuner only allow one memory limit tuner in one process.
var GlobalTuner = &memoryLimitTuner{}

// Go runtime triggers GC when hitting the memory limit managed via
// runtime/debug.SetMemoryLimit. The tuner lifts the limit temporarily when
// the next GC target crowds the soft limit, to avoid back-to-back GC
// cycles while the engine's wait-for-reclaim loops are draining memory.
type memoryLimitTuner struct {
	finalizer *finalizer
	softLimit atomic.Uint64
	running   atomic.Bool
}

// tuning checks the next GC target and judges whether this GC was
// triggered by the memory limit. Go runtime ensures it is called serially.
func (t *memoryLimitTuner) tuning() {
	softLimit := t.softLimit.Load()
	if softLimit == 0 {
		return
	}
	r := &runtime.MemStats{}
	runtime.ReadMemStats(r)
	if r.NextGC > softLimit/10*9 {
		if t.running.CompareAndSwap(false, true) {
			go func() {
				debug.SetMemoryLimit(math.MaxInt64)
				time.Sleep(60 * time.Second)
				debug.SetMemoryLimit(int64(t.softLimit.Load()))
				for !t.running.CompareAndSwap(true, false) {
				}
			}()
		}
	}
}

// Stop detaches the tuner from the GC cycle.
func (t *memoryLimitTuner) Stop() {
	if t.finalizer != nil {
		t.finalizer.stop()
		t.finalizer = nil
	}
}

// SetSoftLimit sets the soft memory limit the tuner maintains.
func (t *memoryLimitTuner) SetSoftLimit(softLimit uint64) {
	t.softLimit.Store(softLimit)
	if softLimit > 0 {
		debug.SetMemoryLimit(int64(softLimit))
	}
}

// GetSoftLimit returns the current soft limit.
func (t *memoryLimitTuner) GetSoftLimit() uint64 {
	return t.softLimit.Load()
}

// Start hooks the tuner into the GC cycle.
func (t *memoryLimitTuner) Start() {
	t.Stop()
	t.finalizer = newFinalizer(t.tuning) // start tuning
}
