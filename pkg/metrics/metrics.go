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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants.
const (
	LblReason = "reason"

	ReasonHardLimit    = "hard_limit"
	ReasonTrackerLimit = "tracker_limit"
	ReasonInjectFault  = "inject_fault"
	ReasonRawSource    = "raw_source"
)

// Memory metrics.
var (
	MemAllocFailedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "doris",
			Subsystem: "mem",
			Name:      "alloc_failed_total",
			Help:      "Counter of allocations denied by the memory checks.",
		}, []string{LblReason})

	MemWaitReclaimedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "doris",
			Subsystem: "mem",
			Name:      "wait_reclaimed_bytes_total",
			Help:      "Bytes granted after waiting for memory reclamation.",
		})

	MemTaskCancelCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "doris",
			Subsystem: "mem",
			Name:      "task_cancel_total",
			Help:      "Counter of tasks cancelled asynchronously by the allocator.",
		})

	MemConsumedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "doris",
			Subsystem: "mem",
			Name:      "consumed_bytes",
			Help:      "Aggregate bytes currently accounted by the arbitrator.",
		})
)

// RegisterMetrics registers the metrics which are ONLY used in this process.
func RegisterMetrics() {
	prometheus.MustRegister(MemAllocFailedCounter)
	prometheus.MustRegister(MemWaitReclaimedBytes)
	prometheus.MustRegister(MemTaskCancelCounter)
	prometheus.MustRegister(MemConsumedGauge)
}
