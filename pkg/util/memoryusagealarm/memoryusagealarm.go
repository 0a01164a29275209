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

// Package memoryusagealarm drives reclamation under sustained memory
// pressure. It watches the arbitrator's aggregate usage; past the alarm
// ratio it logs the usage picture and forces a GC cycle so workers parked
// in the allocator's wait-for-reclaim loop can proceed, and past the hard
// limit it cancels the top consuming task.
package memoryusagealarm

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/yoock/doris/pkg/util/logutil"
	"github.com/yoock/doris/pkg/util/memory"
	"go.uber.org/zap"
)

const (
	tickInterval = 100 * time.Millisecond
	// logInterval rate-limits the usage record; pressure tends to stay
	// high for many ticks in a row.
	logInterval = 10 * time.Second
)

// TaskInfo describes one running task to the alarm.
type TaskInfo struct {
	ID      string
	Tracker *memory.Tracker
	Cancel  func(reason string)
}

// TaskManager enumerates the tasks currently running on this process.
type TaskManager interface {
	RunningTasks() []TaskInfo
}

// Handle is the handler for the memory usage alarm.
type Handle struct {
	exitCh     chan struct{}
	arbitrator *memory.Arbitrator
	ratio      float64
	tm         atomic.Pointer[TaskManager]

	lastLogTime     time.Time
	killingTask     string
	lastForcedGC    time.Time
	forcedGCMinimum time.Duration
}

// NewHandle builds a memory usage alarm handler. ratio is the fraction of
// the hard limit past which the alarm fires.
func NewHandle(exitCh chan struct{}, arbitrator *memory.Arbitrator, ratio float64) *Handle {
	return &Handle{
		exitCh:          exitCh,
		arbitrator:      arbitrator,
		ratio:           ratio,
		forcedGCMinimum: time.Second,
	}
}

// SetTaskManager sets the TaskManager used to fetch the info of all
// running tasks.
func (h *Handle) SetTaskManager(tm TaskManager) *Handle {
	h.tm.Store(&tm)
	return h
}

// Run starts the alarm goroutine at the start time of the server.
func (h *Handle) Run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.alarm4ExcessiveMemUsage()
		case <-h.exitCh:
			return
		}
	}
}

func (h *Handle) alarm4ExcessiveMemUsage() {
	if h.ratio <= 0.0 || h.ratio >= 1.0 {
		return
	}
	limit := h.arbitrator.HardLimit()
	if limit <= 0 {
		return
	}
	consumed := h.arbitrator.Consumed()
	if float64(consumed) < float64(limit)*h.ratio {
		h.killingTask = ""
		return
	}

	if time.Since(h.lastLogTime) >= logInterval {
		h.lastLogTime = time.Now()
		h.recordUsage(consumed, limit)
	}

	// Give the workers parked in the wait-for-reclaim loop a chance.
	if time.Since(h.lastForcedGC) >= h.forcedGCMinimum {
		h.lastForcedGC = time.Now()
		//nolint: all_revive,revive
		runtime.GC()
	}

	if consumed > limit {
		h.killTopConsumer(consumed, limit)
	}
}

func (h *Handle) recordUsage(consumed, limit int64) {
	fields := []zap.Field{
		zap.String("summary", h.arbitrator.UsageSummary()),
		zap.Float64("alarmRatio", h.ratio),
	}
	// The accounted total and what the OS sees can diverge; record both.
	if sysUsed, err := memory.MemUsed(); err == nil {
		fields = append(fields, zap.String("sysMemUsed", memory.FormatBytes(int64(sysUsed))))
	}
	for _, task := range h.runningTasks() {
		fields = append(fields, zap.String("task-"+task.ID,
			fmt.Sprintf("consumed %s, peak %s",
				memory.FormatBytes(task.Tracker.BytesConsumed()),
				memory.FormatBytes(task.Tracker.MaxConsumed()))))
	}
	logutil.BgLogger().Warn("memory usage exceeds alarm ratio", fields...)
}

// killTopConsumer cancels the task with the largest consumption, once per
// breach. A new kill is issued only after the previous victim disappears
// from the running set.
func (h *Handle) killTopConsumer(consumed, limit int64) {
	tasks := h.runningTasks()
	if h.killingTask != "" {
		for _, task := range tasks {
			if task.ID == h.killingTask {
				return // Wait for the previous kill to finish.
			}
		}
		h.killingTask = ""
	}
	var top *TaskInfo
	for i := range tasks {
		if tasks[i].Cancel == nil {
			continue
		}
		if top == nil || tasks[i].Tracker.BytesConsumed() > top.Tracker.BytesConsumed() {
			top = &tasks[i]
		}
	}
	if top == nil {
		return
	}
	h.killingTask = top.ID
	reason := fmt.Sprintf("process memory used %s exceeds hard limit %s, cancelling top consumer task %s (consumed %s)",
		memory.FormatBytes(consumed), memory.FormatBytes(limit), top.ID,
		memory.FormatBytes(top.Tracker.BytesConsumed()))
	logutil.BgLogger().Warn("cancelling top memory consumer",
		zap.String(logutil.LogFieldTask, top.ID), zap.String("reason", reason))
	top.Cancel(reason)
}

func (h *Handle) runningTasks() []TaskInfo {
	tmp := h.tm.Load()
	if tmp == nil {
		return nil
	}
	return (*tmp).RunningTasks()
}
