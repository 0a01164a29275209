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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	conf := NewConfig()
	require.Equal(t, "info", conf.Log.Level)
	require.Equal(t, "text", conf.Log.Format)
	require.Equal(t, "", conf.Memory.MemLimit)
	require.Equal(t, 0.9, conf.Memory.MemLimitRatio)
	require.Equal(t, float64(0), conf.Memory.AllocFaultProbability)
	require.Equal(t, int64(1000), conf.Memory.WaitGCMaxMilliseconds)
	require.True(t, conf.Memory.EnableCatchBadAlloc)
	require.False(t, conf.Memory.DisableMemoryGC)
	require.False(t, conf.Memory.EnableAddressSanitizer)
	require.Equal(t, "64KiB", conf.Memory.MmapThreshold)
	require.Equal(t, 0.8, conf.Memory.UsageAlarmRatio)
	require.Equal(t, 0.9, conf.Memory.GCSoftLimitRatio)
}

func TestLoadFromToml(t *testing.T) {
	confFile := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(confFile, []byte(`
[log]
level = "warn"
format = "json"

[memory]
mem-limit = "2GB"
mem-alloc-fault-probability = 0.25
thread-wait-gc-max-milliseconds = 250
enable-catch-bad-alloc = false
mmap-threshold = "1MB"
usage-alarm-ratio = 0.7
`), 0o644))

	conf := NewConfig()
	require.NoError(t, conf.Load(confFile))
	require.Equal(t, "warn", conf.Log.Level)
	require.Equal(t, "json", conf.Log.Format)
	require.Equal(t, "2GB", conf.Memory.MemLimit)
	require.Equal(t, 0.25, conf.Memory.AllocFaultProbability)
	require.Equal(t, int64(250), conf.Memory.WaitGCMaxMilliseconds)
	require.False(t, conf.Memory.EnableCatchBadAlloc)
	require.Equal(t, 0.7, conf.Memory.UsageAlarmRatio)
	// Unset keys keep their defaults.
	require.Equal(t, 0.9, conf.Memory.GCSoftLimitRatio)

	limit, err := conf.Memory.LimitBytes(1 << 40)
	require.NoError(t, err)
	require.Equal(t, int64(2<<30), limit)

	threshold, err := conf.Memory.MmapThresholdBytes()
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), threshold)
}

func TestLoadMissingFile(t *testing.T) {
	conf := NewConfig()
	require.Error(t, conf.Load(filepath.Join(t.TempDir(), "no-such-file.toml")))
}

func TestLimitBytesRatio(t *testing.T) {
	m := Memory{MemLimitRatio: 0.5}
	limit, err := m.LimitBytes(1000)
	require.NoError(t, err)
	require.Equal(t, int64(500), limit)

	// Out-of-range ratios fall back to the default.
	m = Memory{MemLimitRatio: 1.5}
	limit, err = m.LimitBytes(1000)
	require.NoError(t, err)
	require.Equal(t, int64(900), limit)
}

func TestLimitBytesInvalid(t *testing.T) {
	m := Memory{MemLimit: "twelve parsecs"}
	_, err := m.LimitBytes(1000)
	require.Error(t, err)

	m = Memory{MmapThreshold: "not-a-size"}
	_, err = m.MmapThresholdBytes()
	require.Error(t, err)
}

func TestMmapThresholdDefault(t *testing.T) {
	m := Memory{}
	threshold, err := m.MmapThresholdBytes()
	require.NoError(t, err)
	require.Equal(t, int64(64<<10), threshold)
}

func TestStoreGlobalConfig(t *testing.T) {
	old := GetGlobalConfig()
	defer StoreGlobalConfig(old)

	conf := NewConfig()
	conf.Memory.WaitGCMaxMilliseconds = 42
	StoreGlobalConfig(conf)
	require.Equal(t, int64(42), GetGlobalConfig().Memory.WaitGCMaxMilliseconds)
}
