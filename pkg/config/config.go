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

package config

import (
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/yoock/doris/pkg/util/logutil"
)

// Config contains configuration options for a worker process.
type Config struct {
	Log    Log    `toml:"log" json:"log"`
	Memory Memory `toml:"memory" json:"memory"`
}

// Log is the log section of config.
type Log struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log format. one of json, text, or console.
	Format string `toml:"format" json:"format"`
	// Disable automatic timestamps in output.
	DisableTimestamp bool `toml:"disable-timestamp" json:"disable-timestamp"`
	// File log config.
	File logutil.FileLogConfig `toml:"file" json:"file"`
}

// Memory is the memory section of the config. It controls the allocation
// engine's limit checks and reclamation behavior.
type Memory struct {
	// MemLimit is the process hard limit, in human readable form ("32GB").
	// Empty means MemLimitRatio of the total system memory.
	MemLimit string `toml:"mem-limit" json:"mem-limit"`
	// MemLimitRatio is applied to the total system memory when MemLimit
	// is not set.
	MemLimitRatio float64 `toml:"mem-limit-ratio" json:"mem-limit-ratio"`
	// AllocFaultProbability injects allocation failures with the given
	// probability. Only for testing out-of-memory recovery paths.
	AllocFaultProbability float64 `toml:"mem-alloc-fault-probability" json:"mem-alloc-fault-probability"`
	// WaitGCMaxMilliseconds is the maximum total time one task may spend
	// waiting for memory to be reclaimed before its allocation fails.
	WaitGCMaxMilliseconds int64 `toml:"thread-wait-gc-max-milliseconds" json:"thread-wait-gc-max-milliseconds"`
	// EnableCatchBadAlloc selects the synchronous failure mode: exceeding
	// a limit returns an error to the caller instead of asynchronously
	// cancelling the owning task.
	EnableCatchBadAlloc bool `toml:"enable-catch-bad-alloc" json:"enable-catch-bad-alloc"`
	// StacktraceInAllocLargeMemoryBytes appends a stack trace to the
	// diagnostic when a failing request is larger than this. 0 disables.
	StacktraceInAllocLargeMemoryBytes int64 `toml:"stacktrace-in-alloc-large-memory-bytes" json:"stacktrace-in-alloc-large-memory-bytes"`
	// DisableMemoryGC disables waiting for reclamation entirely.
	DisableMemoryGC bool `toml:"disable-memory-gc" json:"disable-memory-gc"`
	// EnableAddressSanitizer registers allocated regions with the
	// tracker's sanitizer table for out-of-band validation.
	EnableAddressSanitizer bool `toml:"enable-address-sanitizer" json:"enable-address-sanitizer"`
	// MmapThreshold is the minimum size served by the page-mapped source,
	// in human readable form.
	MmapThreshold string `toml:"mmap-threshold" json:"mmap-threshold"`
	// UsageAlarmRatio triggers the memory usage alarm when the aggregate
	// consumption exceeds this fraction of the hard limit.
	UsageAlarmRatio float64 `toml:"usage-alarm-ratio" json:"usage-alarm-ratio"`
	// GCSoftLimitRatio sets the Go runtime soft memory limit as a
	// fraction of the hard limit.
	GCSoftLimitRatio float64 `toml:"gc-soft-limit-ratio" json:"gc-soft-limit-ratio"`
}

var defaultConf = Config{
	Log: Log{
		Level:  logutil.DefaultLogLevel,
		Format: logutil.DefaultLogFormat,
		File:   logutil.NewFileLogConfig(logutil.DefaultLogMaxSize),
	},
	Memory: Memory{
		MemLimitRatio:                     0.9,
		AllocFaultProbability:             0,
		WaitGCMaxMilliseconds:             1000,
		EnableCatchBadAlloc:               true,
		StacktraceInAllocLargeMemoryBytes: 2 * units.GiB,
		DisableMemoryGC:                   false,
		EnableAddressSanitizer:            false,
		MmapThreshold:                     "64KiB",
		UsageAlarmRatio:                   0.8,
		GCSoftLimitRatio:                  0.9,
	},
}

var globalConf atomic.Pointer[Config]

func init() {
	conf := defaultConf
	globalConf.Store(&conf)
}

// NewConfig creates a new config instance with default value.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// GetGlobalConfig returns the global configuration for this server.
// It should store configuration from command line and configuration file.
// Other parts of the system can read the global configuration use this function.
func GetGlobalConfig() *Config {
	return globalConf.Load()
}

// StoreGlobalConfig stores a new config to the globalConf.
func StoreGlobalConfig(config *Config) {
	globalConf.Store(config)
}

// Load loads config options from a toml file.
func (c *Config) Load(confFile string) error {
	_, err := toml.DecodeFile(confFile, c)
	return errors.Trace(err)
}

// LimitBytes resolves the configured hard limit against the total system
// memory. "mem-limit" wins over "mem-limit-ratio" when both are set.
func (m *Memory) LimitBytes(totalMem uint64) (int64, error) {
	if m.MemLimit != "" {
		limit, err := units.RAMInBytes(m.MemLimit)
		if err != nil {
			return 0, errors.Annotatef(err, "invalid mem-limit %q", m.MemLimit)
		}
		return limit, nil
	}
	ratio := m.MemLimitRatio
	if ratio <= 0 || ratio > 1 {
		ratio = defaultConf.Memory.MemLimitRatio
	}
	return int64(float64(totalMem) * ratio), nil
}

// MmapThresholdBytes resolves the configured page-mapped threshold.
func (m *Memory) MmapThresholdBytes() (int64, error) {
	if m.MmapThreshold == "" {
		return units.RAMInBytes(defaultConf.Memory.MmapThreshold)
	}
	threshold, err := units.RAMInBytes(m.MmapThreshold)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid mmap-threshold %q", m.MmapThreshold)
	}
	return threshold, nil
}
