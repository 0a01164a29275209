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

package execenv

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/yoock/doris/pkg/config"
	"github.com/yoock/doris/pkg/metrics"
	"github.com/yoock/doris/pkg/util"
	"github.com/yoock/doris/pkg/util/gctuner"
	"github.com/yoock/doris/pkg/util/logutil"
	"github.com/yoock/doris/pkg/util/memory"
	"github.com/yoock/doris/pkg/util/memoryusagealarm"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	ready           atomic.Bool
	registerMetrics sync.Once
)

// Ready reports whether the process execution environment is initialized.
// The allocation engine bypasses its checks until then, so unit tests and
// early startup code can allocate without process-wide state.
func Ready() bool {
	return ready.Load()
}

// SetReadyForTest flips the readiness flag. Only used in tests that
// exercise the allocation engine's check paths without a full Init.
func SetReadyForTest(v bool) {
	ready.Store(v)
}

// ExecEnv holds the process-wide collaborators of the allocation engine:
// the memory arbitrator, the root tracker, the GC tuner and the memory
// usage alarm.
type ExecEnv struct {
	cfg         *config.Config
	arbitrator  *memory.Arbitrator
	rootTracker *memory.Tracker
	alarm       *memoryusagealarm.Handle
	exitCh      chan struct{}
	wg          util.WaitGroupWrapper
}

// Init builds the execution environment from cfg, starts the background
// drivers and marks the process ready. It must be called once, from main.
func Init(cfg *config.Config) (*ExecEnv, error) {
	logCfg := logutil.NewLogConfig(cfg.Log.Level, cfg.Log.Format,
		logutil.FileLogConfig(cfg.Log.File), cfg.Log.DisableTimestamp)
	if err := logutil.InitLogger(logCfg); err != nil {
		return nil, errors.Trace(err)
	}
	registerMetrics.Do(metrics.RegisterMetrics)

	total, err := memory.MemTotal()
	if err != nil {
		return nil, errors.Trace(err)
	}
	hardLimit, err := cfg.Memory.LimitBytes(total)
	if err != nil {
		return nil, errors.Trace(err)
	}

	env := &ExecEnv{
		cfg:         cfg,
		arbitrator:  memory.NewArbitrator(hardLimit),
		rootTracker: memory.NewTracker(memory.LabelForProcess, hardLimit),
		exitCh:      make(chan struct{}),
	}
	env.alarm = memoryusagealarm.NewHandle(env.exitCh, env.arbitrator, cfg.Memory.UsageAlarmRatio)
	env.wg.Run(env.alarm.Run)

	if !cfg.Memory.DisableMemoryGC && cfg.Memory.GCSoftLimitRatio > 0 {
		gctuner.GlobalTuner.SetSoftLimit(uint64(float64(hardLimit) * cfg.Memory.GCSoftLimitRatio))
		gctuner.GlobalTuner.Start()
	}

	config.StoreGlobalConfig(cfg)
	ready.Store(true)
	logutil.BgLogger().Info("execution environment initialized",
		zap.String("hardLimit", memory.FormatBytes(hardLimit)),
		zap.String("totalMem", memory.FormatBytes(int64(total))))
	return env, nil
}

// Arbitrator returns the process-wide memory arbitrator.
func (e *ExecEnv) Arbitrator() *memory.Arbitrator {
	return e.arbitrator
}

// RootTracker returns the process root tracker. Task trackers attach to it
// so process consumption aggregates the whole tree.
func (e *ExecEnv) RootTracker() *memory.Tracker {
	return e.rootTracker
}

// Alarm returns the memory usage alarm handle, so the embedding server can
// plug in its task manager.
func (e *ExecEnv) Alarm() *memoryusagealarm.Handle {
	return e.alarm
}

// Close stops the background drivers and marks the process not ready.
func (e *ExecEnv) Close() {
	ready.Store(false)
	close(e.exitCh)
	e.wg.Wait()
	gctuner.GlobalTuner.Stop()
}
