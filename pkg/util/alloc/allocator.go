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

// Package alloc implements the memory-accounting allocation engine used by
// query operators and columnar buffers. Every allocation runs a two-phase
// check, first against the process-wide arbitrator's hard limit, then
// against the worker's task tracker limit, before delegating to a raw
// memory source. When memory is scarce an attached task may wait once, in
// bounded increments, for concurrent reclamation before the allocation
// fails or the task is cancelled asynchronously.
package alloc

import (
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/pingcap/failpoint"
	"github.com/yoock/doris/pkg/config"
	"github.com/yoock/doris/pkg/execenv"
	"github.com/yoock/doris/pkg/metrics"
	"github.com/yoock/doris/pkg/util/logutil"
	"github.com/yoock/doris/pkg/util/memory"
	"go.uber.org/zap"
)

// waitGCPollInterval is the fixed interval between hard-limit re-checks
// while a worker waits for memory to be reclaimed.
const waitGCPollInterval = 100 * time.Millisecond

// Options selects the allocation engine's behavior at construction time,
// not per call.
type Options struct {
	// ClearMemory guarantees newly allocated bytes read as zero. Every
	// MemorySource in this package returns zero-filled fresh memory; the
	// engine enforces the guarantee for sources that recycle buffers.
	ClearMemory bool
	// UseMmap serves large allocations from anonymous memory mappings.
	UseMmap bool
	// MmapPopulate pre-faults mapped pages. Only meaningful with UseMmap.
	MmapPopulate bool
	// Source overrides the raw memory source. When nil it is chosen from
	// UseMmap.
	Source MemorySource
}

// Allocator is the allocation engine. It owns no memory state of its own;
// per-call decisions consult the worker's ThreadContext and the injected
// arbitrator. One Allocator belongs to one worker goroutine, like its
// ThreadContext.
type Allocator struct {
	clearMemory bool
	source      MemorySource
	tc          *memory.ThreadContext
	arbitrator  *memory.Arbitrator
}

// New creates an allocation engine bound to the worker's thread context
// and the process arbitrator. The arbitrator is injected rather than read
// from a singleton so tests can run an isolated one per test.
func New(opts Options, tc *memory.ThreadContext, arbitrator *memory.Arbitrator) *Allocator {
	source := opts.Source
	if source == nil {
		if opts.UseMmap {
			threshold, err := config.GetGlobalConfig().Memory.MmapThresholdBytes()
			if err != nil {
				logutil.BgLogger().Warn("invalid mmap threshold, page-mapped source disabled", zap.Error(err))
				source = NewDefaultSource()
			} else {
				source = NewMmapSource(int(threshold), opts.MmapPopulate)
			}
		} else {
			source = NewDefaultSource()
		}
	}
	return &Allocator{
		clearMemory: opts.ClearMemory,
		source:      source,
		tc:          tc,
		arbitrator:  arbitrator,
	}
}

// Source returns the raw memory source the engine was built with.
func (a *Allocator) Source() MemorySource {
	return a.source
}

// Alloc obtains size bytes aligned to alignment. It never returns a nil
// buffer together with a nil error for size > 0; failure is signalled
// through the error (or through asynchronous task cancellation, per the
// process-wide failure mode).
func (a *Allocator) Alloc(size, alignment int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if err := a.memoryCheck(int64(size)); err != nil {
		return nil, err
	}
	buf, err := a.source.Allocate(size, alignment)
	if err != nil {
		return nil, a.rawSourceFailed(size, err)
	}
	if a.clearMemory {
		clear(buf)
	}
	a.consumeMemory(int64(size))
	a.addAddressSanitizer(buf, size)
	return buf, nil
}

// Realloc resizes buf from oldSize to newSize bytes, possibly moving it.
// The caller must discard buf unconditionally after the call, whether or
// not the address changed. Growing runs the limit checks on the size
// delta; shrinking never increases pressure and runs none.
func (a *Allocator) Realloc(buf []byte, oldSize, newSize, alignment int) ([]byte, error) {
	if newSize > oldSize {
		if err := a.memoryCheck(int64(newSize - oldSize)); err != nil {
			return nil, err
		}
	}
	if newSize == 0 {
		a.Free(buf, oldSize)
		return nil, nil
	}
	oldAddr := bufAddr(buf)
	newBuf, err := a.source.Reallocate(buf, oldSize, newSize, alignment)
	if err != nil {
		return nil, a.rawSourceFailed(newSize, err)
	}
	if newSize > oldSize {
		if a.clearMemory {
			// Only the bytes past the preserved prefix are new.
			clear(newBuf[oldSize:])
		}
		a.consumeMemory(int64(newSize - oldSize))
	} else if newSize < oldSize {
		a.releaseMemory(int64(oldSize - newSize))
	}
	if oldSize > 0 {
		a.removeSanitizerRegion(oldAddr, oldSize)
	}
	a.addAddressSanitizer(newBuf, newSize)
	return newBuf, nil
}

// Free returns buf to the raw source and releases size bytes from the
// accounting. size must equal the size passed to the matching Alloc or
// the last Realloc.
func (a *Allocator) Free(buf []byte, size int) {
	if buf == nil && size == 0 {
		return
	}
	a.removeAddressSanitizer(buf, size)
	if err := a.source.Free(buf); err != nil {
		logutil.BgLogger().Warn("raw memory source free failed",
			zap.Int("size", size), zap.Error(err))
	}
	a.releaseMemory(int64(size))
}

// memoryCheck runs the system check and then the tracker check. Both
// always run on success paths since they enforce independent limits.
func (a *Allocator) memoryCheck(size int64) error {
	if err := a.sysMemoryCheck(size); err != nil {
		return err
	}
	return a.memoryTrackerCheck(size)
}

// sysMemoryCheck decides whether the process can grant size more bytes.
// On hard-limit exceedance an attached, wait-eligible task polls for
// reclaimed memory before the failure mode applies. A task gets one full
// wait per lifetime.
func (a *Allocator) sysMemoryCheck(size int64) error {
	if !execenv.Ready() {
		return nil
	}
	if a.tc.SkipMemoryCheck() > 0 {
		return nil
	}
	cfg := config.GetGlobalConfig()

	if p := cfg.Memory.AllocFaultProbability; p > 0 && rand.Float64() < p {
		injectMsg := fmt.Sprintf("[MemAllocInjectFault] task %s alloc of %d bytes failed due to fault injection",
			a.tc.TaskID(), size)
		metrics.MemAllocFailedCounter.WithLabelValues(metrics.ReasonInjectFault).Inc()
		logutil.BgLogger().Info("memory allocation fault injected",
			zap.String(logutil.LogFieldTask, a.tc.TaskID()), zap.Int64("size", size))
		if !cfg.Memory.EnableCatchBadAlloc {
			a.cancelTask(injectMsg)
			return nil
		}
		return memory.ErrMemAllocFailed.GenWithStackByArgs(injectMsg)
	}

	exceeded := a.arbitrator.WouldExceedHardLimit(size)
	failpoint.Inject("forceSysMemoryExceeded", func() {
		exceeded = true
	})
	if !exceeded {
		return nil
	}

	tracker := a.tc.MemTracker()
	errMsg := fmt.Sprintf("sys memory check failed: cannot alloc %d bytes, consuming tracker:<%s>, peak used %d, current used %d, last consumer:<%s>, %s",
		size, tracker.Label(), tracker.MaxConsumed(), tracker.BytesConsumed(),
		a.tc.LastConsumerLabel(), a.arbitrator.UsageSummary())
	if threshold := cfg.Memory.StacktraceInAllocLargeMemoryBytes; threshold > 0 && size > threshold {
		errMsg += "\nAlloc Stacktrace:\n" + string(debug.Stack())
	}

	if a.tc.IsTaskCancelled() {
		if cfg.Memory.EnableCatchBadAlloc {
			return memory.ErrMemAllocFailed.GenWithStackByArgs(errMsg)
		}
		return nil
	}

	if a.tc.IsAttached() && a.tc.WaitGC() {
		maxWait := time.Duration(cfg.Memory.WaitGCMaxMilliseconds) * time.Millisecond
		logutil.BgLogger().Info("waiting for enough memory",
			zap.String(logutil.LogFieldTask, a.tc.TaskID()),
			zap.Duration("maxWait", maxWait), zap.String("err", errMsg))
		var waited time.Duration
		if !cfg.Memory.DisableMemoryGC {
			for waited < maxWait {
				time.Sleep(waitGCPollInterval)
				if !a.arbitrator.WouldExceedHardLimit(size) {
					a.arbitrator.RecordReclaimed(size)
					metrics.MemWaitReclaimedBytes.Add(float64(size))
					return nil
				}
				if a.tc.IsTaskCancelled() {
					if cfg.Memory.EnableCatchBadAlloc {
						return memory.ErrMemAllocFailed.GenWithStackByArgs(errMsg)
					}
					return nil
				}
				waited += waitGCPollInterval
			}
		}
		if waited >= maxWait {
			// Make sure to completely wait out the budget only once per
			// task lifetime.
			a.tc.DisableWaitGC()
			metrics.MemAllocFailedCounter.WithLabelValues(metrics.ReasonHardLimit).Inc()
			if !cfg.Memory.EnableCatchBadAlloc {
				logutil.BgLogger().Info("task cancelled asynchronously after waiting for memory",
					zap.String(logutil.LogFieldTask, a.tc.TaskID()),
					zap.Duration("waited", waited), zap.String("err", errMsg))
				a.cancelTask(errMsg)
				return nil
			}
			logutil.BgLogger().Info("allocation failed after waiting for memory",
				zap.String(logutil.LogFieldTask, a.tc.TaskID()),
				zap.Duration("waited", waited), zap.String("err", errMsg))
			return memory.ErrMemAllocFailed.GenWithStackByArgs(errMsg)
		}
		// Enough memory became available without waiting, continue.
		return nil
	} else if cfg.Memory.EnableCatchBadAlloc {
		metrics.MemAllocFailedCounter.WithLabelValues(metrics.ReasonHardLimit).Inc()
		logutil.BgLogger().Info("sys memory check failed", zap.String("err", errMsg))
		return memory.ErrMemAllocFailed.GenWithStackByArgs(errMsg)
	}
	// Best-effort degrade mode: not attached and no synchronous failure
	// configured, the allocation proceeds past the hard limit.
	logutil.BgLogger().Info("sys memory check failed, no throw", zap.String("err", errMsg))
	return nil
}

// memoryTrackerCheck enforces the task tracker's own limit. Task-level
// breaches do not wait for reclamation; they fail or cancel immediately.
func (a *Allocator) memoryTrackerCheck(size int64) error {
	if !execenv.Ready() {
		return nil
	}
	if a.tc.SkipMemoryCheck() > 0 {
		return nil
	}
	tracker := a.tc.MemTracker()
	err := tracker.CheckLimit(size)
	if err == nil {
		return nil
	}
	errMsg := fmt.Sprintf("allocator tracker check failed: %v", err)
	tracker.LogUsage(errMsg)
	metrics.MemAllocFailedCounter.WithLabelValues(metrics.ReasonTrackerLimit).Inc()
	cfg := config.GetGlobalConfig()
	if a.tc.IsAttached() {
		a.tc.DisableWaitGC()
		if !cfg.Memory.EnableCatchBadAlloc {
			a.cancelTask(errMsg)
			return nil
		}
		return memory.ErrMemAllocFailed.GenWithStackByArgs(errMsg)
	} else if cfg.Memory.EnableCatchBadAlloc {
		return memory.ErrMemAllocFailed.GenWithStackByArgs(errMsg)
	}
	logutil.BgLogger().Info("memory tracker check failed, no throw", zap.String("err", errMsg))
	return nil
}

// consumeMemory registers size bytes with the worker's tracker and the
// arbitrator. The reentrancy guard keeps this bookkeeping from triggering
// the checks recursively.
func (a *Allocator) consumeMemory(size int64) {
	a.tc.IncSkipCheck()
	defer a.tc.DecSkipCheck()
	tracker := a.tc.MemTracker()
	tracker.Consume(size)
	a.tc.SetLastConsumerLabel(tracker.Label())
	a.arbitrator.Consume(size)
	metrics.MemConsumedGauge.Set(float64(a.arbitrator.Consumed()))
}

// releaseMemory is the exact inverse of consumeMemory.
func (a *Allocator) releaseMemory(size int64) {
	a.tc.IncSkipCheck()
	defer a.tc.DecSkipCheck()
	a.tc.MemTracker().Consume(-size)
	a.arbitrator.Release(size)
	metrics.MemConsumedGauge.Set(float64(a.arbitrator.Consumed()))
}

// addAddressSanitizer registers buf with the tracker's instrumentation
// table. No-op when sanitizer support is not configured.
func (a *Allocator) addAddressSanitizer(buf []byte, size int) {
	if !execenv.Ready() || a.tc.SkipMemoryCheck() > 0 {
		return
	}
	if !config.GetGlobalConfig().Memory.EnableAddressSanitizer || len(buf) == 0 {
		return
	}
	a.tc.MemTracker().AddSanitizerRegion(bufAddr(buf), int64(size))
}

// removeAddressSanitizer unregisters buf from the instrumentation table.
func (a *Allocator) removeAddressSanitizer(buf []byte, size int) {
	a.removeSanitizerRegion(bufAddr(buf), size)
}

func (a *Allocator) removeSanitizerRegion(addr uintptr, size int) {
	if !execenv.Ready() || a.tc.SkipMemoryCheck() > 0 {
		return
	}
	if !config.GetGlobalConfig().Memory.EnableAddressSanitizer || addr == 0 {
		return
	}
	a.tc.MemTracker().RemoveSanitizerRegion(addr, int64(size))
}

func (a *Allocator) cancelTask(reason string) {
	metrics.MemTaskCancelCounter.Inc()
	a.tc.CancelTask(reason)
}

func (a *Allocator) rawSourceFailed(size int, err error) error {
	// Raw failure after the checks already passed is an unrecoverable
	// process condition; it is not retried.
	metrics.MemAllocFailedCounter.WithLabelValues(metrics.ReasonRawSource).Inc()
	logutil.BgLogger().Error("raw memory source failed",
		zap.Int("size", size),
		zap.String("summary", a.arbitrator.UsageSummary()),
		zap.Error(err), zap.Stack("stack"))
	return memory.ErrMemAllocFailed.GenWithStackByArgs(err.Error())
}
