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

// Package config loads the worker process's toml configuration file: the
// priority-queue ladder (C7), the MemMan capacity (C8), the reply-buffer
// budget (C9), and the etcd registration surface. Grounded on the same
// Default()-then-decode convention as pkg/czar/config.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
)

// Duration wraps time.Duration for plain-string toml fields ("60s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// QueueSpec configures one C7 priority class, highest priority first.
type QueueSpec struct {
	Priority   int `toml:"priority"`
	MinRunning int `toml:"min_running"`
	MaxRunning int `toml:"max_running"`
}

// BootClass bounds how long a task may hold the active chunk-scan slot
// before C8 boots it to a lower-priority queue (spec §4.7 "Starvation
// bound").
type BootClass struct {
	Name       string   `toml:"name"`
	MaxHeldFor Duration `toml:"max_held_for"`
}

// TableSize seeds MemMan's per-table size estimates (toml has no map of
// structs keyed by composite identity, so this is a flat list decoded into
// MemMan.SetTableSize calls at startup).
type TableSize struct {
	Db         string `toml:"db"`
	Table      string `toml:"table"`
	ApproxBytes int64 `toml:"approx_bytes"`
}

// ScanRating assigns a scan cost ("SNAIL"/"SLOW"/"MEDIUM"/"FAST") to a
// table. cmd/worker serves these through dispatch.ScanInfoProvider, whose
// rating replaces the one a TaskMsg's ScanTables carries; unlisted tables
// rate MEDIUM.
type ScanRating struct {
	Db     string `toml:"db"`
	Table  string `toml:"table"`
	Rating string `toml:"rating"`
}

// OwnedChunkSet statically assigns the chunk ids this worker owns for one
// database, standing in for the partition assignment a real deployment
// would learn from the replication controller (out of scope per spec §1).
type OwnedChunkSet struct {
	Db     string  `toml:"db"`
	Chunks []int32 `toml:"chunks"`
}

// Config is the worker's top-level configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	AdminAddr  string `toml:"admin_addr"`
	WorkerName string `toml:"worker_name"`

	// MaxReplyBufferBytes is C9's global reply-buffer budget (spec §3
	// invariant 5); ReplyRateLimitBytesPerSec layers a token-bucket pace on
	// top of the hard cap (0 disables pacing).
	MaxReplyBufferBytes   int64 `toml:"max_reply_buffer_bytes"`
	ReplyRateLimitBytesPerSec int `toml:"reply_rate_limit_bytes_per_sec"`

	MemManCapacityBytes int64        `toml:"memman_capacity_bytes"`
	TableSizes          []TableSize  `toml:"table_sizes"`
	ScanRatings         []ScanRating `toml:"scan_ratings"`

	// QueryDSN is the go-sql-driver/mysql DSN this worker executes chunk
	// query fragments against (spec §4.5's local-execution assumption).
	QueryDSN string `toml:"query_dsn"`

	OwnedChunks []OwnedChunkSet `toml:"owned_chunks"`

	PriorityQueues         []QueueSpec `toml:"priority_queues"`
	BootClasses            []BootClass `toml:"boot_classes"`
	MaxTasksBootedPerQuery int         `toml:"max_tasks_booted_per_query"`
	ScanWorkerCount        int         `toml:"scan_worker_count"`
	InteractiveWorkerCount int         `toml:"interactive_worker_count"`

	// UseGroupScheduler selects the simpler GroupScheduler (kept from
	// original_source/core/modules/wsched/GroupScheduler.cc) instead of the
	// full ChunkScanScheduler, for small deployments that don't need
	// shared-scan ordering (SPEC_FULL.md §4).
	UseGroupScheduler bool `toml:"use_group_scheduler"`

	RegistryEndpoints []string `toml:"registry_endpoints"`
	RegistryPrefix    string   `toml:"registry_prefix"`
	LeaseTTL          Duration `toml:"lease_ttl"`

	LogLevel string `toml:"log_level"`
}

// Default returns the worker configuration baseline.
func Default() Config {
	return Config{
		ListenAddr:                ":5012",
		AdminAddr:                 ":5013",
		MaxReplyBufferBytes:       512 << 20, // 512MiB
		ReplyRateLimitBytesPerSec: 0,
		MemManCapacityBytes:       4 << 30, // 4GiB
		PriorityQueues: []QueueSpec{
			{Priority: 2, MinRunning: 2, MaxRunning: 8},
			{Priority: 1, MinRunning: 1, MaxRunning: 4},
			{Priority: 0, MinRunning: 0, MaxRunning: 2},
		},
		MaxTasksBootedPerQuery: 3,
		ScanWorkerCount:        2,
		InteractiveWorkerCount: 2,
		RegistryPrefix:         "/qserv/workers/",
		LeaseTTL:               Duration{30 * time.Second},
		LogLevel:               "info",
	}
}

// Load decodes path over the Default baseline.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, qerror.Wrap(qerror.KindInternal, 0, "decoding worker config "+path, err)
	}
	return cfg, nil
}
