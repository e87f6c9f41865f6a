// Copyright 2026 The Qserv-sub001 Authors.
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

// Package metrics centralizes the Prometheus gauges/counters used by the
// worker-side scheduler (C7/C8) and send channel (C9) to make spec §8
// invariant 4 (reply-buffer budget never exceeded) and the chunk-scan
// ordering observable in production.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SchedulerQueueDepth tracks the number of queued (not yet running) tasks
	// per priority class, for C7.
	SchedulerQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "qserv",
		Subsystem: "worker",
		Name:      "scheduler_queue_depth",
		Help:      "Number of tasks queued in a priority class, not yet running.",
	}, []string{"priority"})

	// SchedulerRunning tracks the number of currently running tasks per
	// priority class.
	SchedulerRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "qserv",
		Subsystem: "worker",
		Name:      "scheduler_running",
		Help:      "Number of tasks currently running in a priority class.",
	}, []string{"priority"})

	// ChunkScanActiveSize tracks the size of the chunk-scan scheduler's active
	// heap (C8).
	ChunkScanActiveSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qserv",
		Subsystem: "worker",
		Name:      "chunk_scan_active_size",
		Help:      "Number of tasks in the chunk-scan scheduler's active heap.",
	})

	// ChunkScanPendingSize tracks the size of the pending heap.
	ChunkScanPendingSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qserv",
		Subsystem: "worker",
		Name:      "chunk_scan_pending_size",
		Help:      "Number of tasks in the chunk-scan scheduler's pending heap.",
	})

	// ChunkScanActiveChunkID reports the chunkId of the task the chunk-scan
	// scheduler most recently started; it keeps that value once the heaps
	// drain.
	ChunkScanActiveChunkID = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qserv",
		Subsystem: "worker",
		Name:      "chunk_scan_active_chunk_id",
		Help:      "chunkId of the task the chunk-scan scheduler most recently started.",
	})

	// ReplyBufferBytesInFlight is the aggregate outstanding blob bytes across
	// all send channels on a worker; must stay <= maxReplyBufferBytes.
	ReplyBufferBytesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qserv",
		Subsystem: "worker",
		Name:      "reply_buffer_bytes_in_flight",
		Help:      "Aggregate outstanding reply-blob bytes across all send channels.",
	})

	// TasksBooted counts tasks booted out of the active scan slot for
	// exceeding maxMinutesPer(class).
	TasksBooted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qserv",
		Subsystem: "worker",
		Name:      "tasks_booted_total",
		Help:      "Tasks booted from the active chunk-scan slot for exceeding their time budget.",
	}, []string{"priority"})

	// JobRetries counts czar-side Job retries by cause.
	JobRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qserv",
		Subsystem: "czar",
		Name:      "job_retries_total",
		Help:      "Job retries, labeled by retry cause.",
	}, []string{"cause"})
)

func init() {
	prometheus.MustRegister(
		SchedulerQueueDepth,
		SchedulerRunning,
		ChunkScanActiveSize,
		ChunkScanPendingSize,
		ChunkScanActiveChunkID,
		ReplyBufferBytesInFlight,
		TasksBooted,
		JobRetries,
	)
}
