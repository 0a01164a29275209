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
	"github.com/pingcap/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/atomic"
)

var cachedMemTotal atomic.Uint64

// MemTotal returns the total amount of RAM on this system. The value does
// not change while the process runs, so it is read once and cached.
func MemTotal() (uint64, error) {
	if total := cachedMemTotal.Load(); total > 0 {
		return total, nil
	}
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Trace(err)
	}
	cachedMemTotal.Store(v.Total)
	return v.Total, nil
}

// MemUsed returns the used amount of RAM on this system.
func MemUsed() (uint64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Trace(err)
	}
	return v.Used, nil
}
