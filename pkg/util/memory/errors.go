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
)

// Memory errors.
var (
	// ErrMemAllocFailed is the sole error kind surfaced by the allocation
	// engine: process or task limit exceeded, injected fault, or the raw
	// source returning failure.
	ErrMemAllocFailed = errors.Normalize("memory allocation failed: %s", errors.RFCCodeText("MEM:AllocFailed"))
	// ErrMemExceedThreshold is returned by Tracker.CheckLimit when
	// consuming more bytes would exceed the tracker's own limit.
	ErrMemExceedThreshold = errors.Normalize("tracker:<%s> used %d bytes, limit %d, failed to consume %d more", errors.RFCCodeText("MEM:ExceedThreshold"))
)
