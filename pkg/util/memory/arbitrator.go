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

package memory

import (
	"fmt"

	"go.uber.org/atomic"
)

// Arbitrator is the process-wide authority on aggregate memory usage and
// hard-limit admission. Its aggregate counter is shared by all tasks and
// mutated by every consume/release call; admission is advisory, check
// then act is not atomic across workers, so transient over-commit past the
// hard limit is possible. Convergence relies on the per-task limit checks
// and cancellation rather than strict admission control.
//
// It is constructed explicitly and injected into each allocation engine so
// tests can run an isolated arbitrator per test instead of process-wide
// state.
type Arbitrator struct {
	hardLimit     atomic.Int64
	consumed      atomic.Int64
	waitReclaimed atomic.Int64
}

// NewArbitrator creates an arbitrator with the given hard limit in bytes.
// "hardLimit <= 0" means no limit.
func NewArbitrator(hardLimit int64) *Arbitrator {
	a := &Arbitrator{}
	a.hardLimit.Store(hardLimit)
	return a
}

// WouldExceedHardLimit reports whether granting size more bytes would
// exceed the process hard limit.
func (a *Arbitrator) WouldExceedHardLimit(size int64) bool {
	limit := a.hardLimit.Load()
	return limit > 0 && a.consumed.Load()+size > limit
}

// Consume adds size to the aggregate counter. Negative size releases.
func (a *Arbitrator) Consume(size int64) {
	a.consumed.Add(size)
}

// Release subtracts size from the aggregate counter.
func (a *Arbitrator) Release(size int64) {
	a.consumed.Sub(size)
}

// Consumed returns the aggregate consumption in bytes.
func (a *Arbitrator) Consumed() int64 {
	return a.consumed.Load()
}

// HardLimit returns the process hard limit in bytes.
func (a *Arbitrator) HardLimit() int64 {
	return a.hardLimit.Load()
}

// SetHardLimit replaces the process hard limit.
func (a *Arbitrator) SetHardLimit(limit int64) {
	a.hardLimit.Store(limit)
}

// RecordReclaimed accumulates bytes that were granted only after a worker
// waited for concurrent reclamation to free memory.
func (a *Arbitrator) RecordReclaimed(size int64) {
	a.waitReclaimed.Add(size)
}

// WaitReclaimedBytes returns the total recorded by RecordReclaimed.
func (a *Arbitrator) WaitReclaimedBytes() int64 {
	return a.waitReclaimed.Load()
}

// UsageSummary returns a human-readable diagnostic of current usage.
func (a *Arbitrator) UsageSummary() string {
	return fmt.Sprintf("process memory used %s, hard limit %s, reclaimed by waiting %s",
		FormatBytes(a.consumed.Load()), FormatBytes(a.hardLimit.Load()), FormatBytes(a.waitReclaimed.Load()))
}
