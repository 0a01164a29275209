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
	"github.com/yoock/doris/pkg/util/logutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// taskBinding is one immutable task attachment. The owner goroutine
// replaces the whole binding on attach/detach; cross-goroutine readers
// load one consistent snapshot instead of reading fields that may be
// mid-rebind.
type taskBinding struct {
	taskID     string
	attached   bool
	tracker    *Tracker
	cancelHook func(taskID, reason string)
}

// ThreadContext holds the per-worker accounting state consulted by the
// allocation engine. One instance belongs to exactly one worker goroutine;
// the skip-check depth is owned and mutated only by that goroutine. The
// cancellation flag and the task binding may be read by other goroutines
// (for example a reclamation driver cancelling the top consumer), so the
// binding is swapped atomically as a whole and every cancellation check
// re-reads the flag.
type ThreadContext struct {
	binding atomic.Pointer[taskBinding]

	// skipMemoryCheck bypasses the limit checks while the accounting
	// machinery performs its own bookkeeping, so that bookkeeping can
	// never re-enter the checks. Owned by the worker goroutine.
	skipMemoryCheck int

	waitGC    atomic.Bool
	cancelled atomic.Bool

	lastConsumerLabel atomic.String
}

// NewThreadContext creates a detached context. Memory consumed before a
// task is attached is accounted to an orphan tracker without a limit.
func NewThreadContext() *ThreadContext {
	tc := &ThreadContext{}
	tc.binding.Store(&taskBinding{tracker: NewTracker(LabelForOrphan, -1)})
	return tc
}

// AttachTask binds the context to a task. The tracker carries the task's
// soft limit; cancelHook is invoked when the task is cancelled
// asynchronously by the engine, and may be nil.
func (tc *ThreadContext) AttachTask(taskID string, tracker *Tracker, cancelHook func(taskID, reason string)) {
	tc.binding.Store(&taskBinding{
		taskID:     taskID,
		attached:   true,
		tracker:    tracker,
		cancelHook: cancelHook,
	})
	tc.waitGC.Store(true)
	tc.cancelled.Store(false)
}

// DetachTask unbinds the context from its task and restores the orphan
// tracker.
func (tc *ThreadContext) DetachTask() {
	tc.binding.Store(&taskBinding{tracker: NewTracker(LabelForOrphan, -1)})
	tc.waitGC.Store(false)
	tc.cancelled.Store(false)
}

// TaskID returns the attached task id, empty when detached.
func (tc *ThreadContext) TaskID() string {
	return tc.binding.Load().taskID
}

// IsAttached reports whether the worker is currently executing on behalf
// of a trackable task.
func (tc *ThreadContext) IsAttached() bool {
	return tc.binding.Load().attached
}

// MemTracker returns the tracker currently consuming on this worker.
func (tc *ThreadContext) MemTracker() *Tracker {
	return tc.binding.Load().tracker
}

// IncSkipCheck enters the reentrancy guard.
func (tc *ThreadContext) IncSkipCheck() {
	tc.skipMemoryCheck++
}

// DecSkipCheck leaves the reentrancy guard. It must be paired with
// IncSkipCheck on every exit path, including failure paths.
func (tc *ThreadContext) DecSkipCheck() {
	tc.skipMemoryCheck--
}

// SkipMemoryCheck reports the current guard depth.
func (tc *ThreadContext) SkipMemoryCheck() int {
	return tc.skipMemoryCheck
}

// IsTaskCancelled re-reads the cancellation flag. It must never be cached
// across wait iterations.
func (tc *ThreadContext) IsTaskCancelled() bool {
	return tc.cancelled.Load()
}

// CancelTask marks the owning task cancelled and notifies the cancel hook.
// It is safe to call from any goroutine; the binding snapshot keeps the
// task id and hook consistent even while the owner rebinds. The flag is
// visible to every goroutine working on the same task; failure surfacing
// is deferred to the task's normal cancellation-check points.
func (tc *ThreadContext) CancelTask(reason string) {
	b := tc.binding.Load()
	if !b.attached {
		return
	}
	if tc.cancelled.CompareAndSwap(false, true) {
		logutil.BgLogger().Info("task cancelled asynchronously",
			zap.String(logutil.LogFieldTask, b.taskID), zap.String("reason", reason))
		if b.cancelHook != nil {
			b.cancelHook(b.taskID, reason)
		}
	}
}

// WaitGC reports whether the task is still eligible to wait for memory
// reclamation.
func (tc *ThreadContext) WaitGC() bool {
	return tc.waitGC.Load()
}

// DisableWaitGC permanently disables waiting for this task. A task gets one
// full wait per lifetime to avoid repeated multi-second stalls under
// sustained memory pressure.
func (tc *ThreadContext) DisableWaitGC() {
	tc.waitGC.Store(false)
}

// SetLastConsumerLabel records the label of the last tracker that consumed
// through this context, for diagnostics.
func (tc *ThreadContext) SetLastConsumerLabel(label string) {
	tc.lastConsumerLabel.Store(label)
}

// LastConsumerLabel returns the label recorded by SetLastConsumerLabel.
func (tc *ThreadContext) LastConsumerLabel() string {
	return tc.lastConsumerLabel.Load()
}
