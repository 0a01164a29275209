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

package execenv_test

import (
	"math"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yoock/doris/pkg/config"
	"github.com/yoock/doris/pkg/execenv"
	"github.com/yoock/doris/pkg/util/memory"
)

func TestInitClose(t *testing.T) {
	defer debug.SetMemoryLimit(math.MaxInt64)
	oldConf := config.GetGlobalConfig()
	defer config.StoreGlobalConfig(oldConf)

	cfg := config.NewConfig()
	cfg.Memory.MemLimit = "1GB"
	env, err := execenv.Init(cfg)
	require.NoError(t, err)
	require.True(t, execenv.Ready())
	require.Equal(t, int64(1<<30), env.Arbitrator().HardLimit())
	require.Equal(t, memory.LabelForProcess, env.RootTracker().Label())
	require.Equal(t, int64(1<<30), env.RootTracker().GetBytesLimit())
	require.NotNil(t, env.Alarm())
	require.Same(t, cfg, config.GetGlobalConfig())

	env.Close()
	require.False(t, execenv.Ready())
}

func TestInitBadLimit(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Memory.MemLimit = "over 9000"
	_, err := execenv.Init(cfg)
	require.Error(t, err)
	require.False(t, execenv.Ready())
}
