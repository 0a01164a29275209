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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetLabel(t *testing.T) {
	tracker := NewTracker("old label", -1)
	require.Equal(t, "old label", tracker.Label())
	require.Equal(t, int64(0), tracker.BytesConsumed())
	require.Equal(t, int64(-1), tracker.GetBytesLimit())
	tracker.SetLabel("new label")
	require.Equal(t, "new label", tracker.Label())
	require.Equal(t, int64(0), tracker.BytesConsumed())
	require.Equal(t, int64(-1), tracker.GetBytesLimit())
}

func TestConsume(t *testing.T) {
	tracker := NewTracker("tracker", -1)
	require.Equal(t, int64(0), tracker.BytesConsumed())

	tracker.Consume(100)
	require.Equal(t, int64(100), tracker.BytesConsumed())

	waitGroup := sync.WaitGroup{}
	waitGroup.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer waitGroup.Done()
			tracker.Consume(10)
		}()
	}
	waitGroup.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer waitGroup.Done()
			tracker.Consume(-10)
		}()
	}

	waitGroup.Wait()
	require.Equal(t, int64(100), tracker.BytesConsumed())
}

func TestMaxConsumed(t *testing.T) {
	tracker := NewTracker("tracker", -1)
	require.Equal(t, int64(0), tracker.MaxConsumed())

	// Peak never decreases across any sequence of consume/release.
	steps := []int64{100, -50, 200, -250, 30}
	var prevMax int64
	for _, step := range steps {
		tracker.Consume(step)
		require.GreaterOrEqual(t, tracker.MaxConsumed(), prevMax)
		prevMax = tracker.MaxConsumed()
	}
	require.Equal(t, int64(250), tracker.MaxConsumed())
	require.Equal(t, int64(30), tracker.BytesConsumed())
}

func TestCheckLimit(t *testing.T) {
	tracker := NewTracker("tracker", 1000)
	require.NoError(t, tracker.CheckLimit(600))
	tracker.Consume(600)
	// Consuming up to the limit exactly is allowed.
	require.NoError(t, tracker.CheckLimit(400))
	err := tracker.CheckLimit(500)
	require.Error(t, err)
	require.True(t, ErrMemExceedThreshold.Equal(err))
	// CheckLimit must not change the consumption.
	require.Equal(t, int64(600), tracker.BytesConsumed())

	unlimited := NewTracker("unlimited", -1)
	require.NoError(t, unlimited.CheckLimit(1<<40))
}

func TestOOMAction(t *testing.T) {
	tracker := NewTracker("oom tracker", 100)
	// make sure no panic here.
	tracker.Consume(10000)

	tracker = NewTracker("oom tracker", 100)
	action := &mockAction{}
	tracker.SetActionOnExceed(action)

	require.False(t, action.called)
	tracker.Consume(10000)
	require.True(t, action.called)

	// test fallback
	action1 := &mockAction{priority: DefPanicPriority}
	action2 := &mockAction{priority: DefLogPriority}
	tracker.SetActionOnExceed(action1)
	tracker.FallbackOldAndSetNewAction(action2)
	require.False(t, action1.called)
	require.False(t, action2.called)
	tracker.Consume(10000)
	require.False(t, action1.called)
	require.True(t, action2.called)
	tracker.Consume(10000)
	require.True(t, action1.called)
	require.True(t, action2.called)
}

type mockAction struct {
	BaseOOMAction
	called   bool
	priority int64
}

func (a *mockAction) Action(t *Tracker) {
	if a.called && a.GetFallback() != nil {
		a.GetFallback().Action(t)
		return
	}
	a.called = true
}

func (a *mockAction) GetPriority() int64 {
	return a.priority
}

func TestAttachTo(t *testing.T) {
	oldParent := NewTracker("old parent", -1)
	newParent := NewTracker("new parent", -1)
	child := NewTracker("child", -1)
	child.Consume(100)
	child.AttachTo(oldParent)
	require.Equal(t, int64(100), child.BytesConsumed())
	require.Equal(t, int64(100), oldParent.BytesConsumed())

	child.AttachTo(newParent)
	require.Equal(t, int64(100), child.BytesConsumed())
	require.Equal(t, int64(100), newParent.BytesConsumed())
	require.Equal(t, int64(0), oldParent.BytesConsumed())

	child.Consume(100)
	require.Equal(t, int64(200), newParent.BytesConsumed())

	child.Detach()
	require.Equal(t, int64(0), newParent.BytesConsumed())
	require.Equal(t, int64(200), child.BytesConsumed())
}

func TestSanitizerRegions(t *testing.T) {
	tracker := NewTracker("tracker", -1)
	require.Equal(t, 0, tracker.SanitizerRegionCount())
	tracker.AddSanitizerRegion(0x1000, 64)
	tracker.AddSanitizerRegion(0x2000, 128)
	require.Equal(t, 2, tracker.SanitizerRegionCount())
	tracker.RemoveSanitizerRegion(0x1000, 64)
	require.Equal(t, 1, tracker.SanitizerRegionCount())
	// Unknown region is tolerated with a warning.
	tracker.RemoveSanitizerRegion(0x3000, 8)
	require.Equal(t, 1, tracker.SanitizerRegionCount())
	tracker.RemoveSanitizerRegion(0x2000, 128)
	require.Equal(t, 0, tracker.SanitizerRegionCount())
}

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "0 Bytes", FormatBytes(0))
	require.Equal(t, "1024 Bytes", FormatBytes(1024))
	require.Equal(t, "1.00 KB", FormatBytes(1<<10+1))
	require.Equal(t, "512 MB", FormatBytes(512<<20))
	require.Equal(t, "2 GB", FormatBytes(2<<30))
	require.Equal(t, "1.50 GB", FormatBytes(3<<29))
}
