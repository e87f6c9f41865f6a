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

// Package config loads the czar process's toml configuration file:
// listen addresses, the merge-table MySQL DSN, retry/timeout budgets, and
// the async-result TTL. Grounded on the teacher's pkg/config convention of
// a Default() baseline decoded over with github.com/BurntSushi/toml.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
)

// Duration wraps time.Duration so it can be written as a plain string
// ("60s", "30m") in the toml file instead of a raw nanosecond integer.
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

// ChunkAssignment statically assigns chunk ids of one database to a
// worker, standing in for the replication controller's assignment feed
// (out of scope per spec §1) — the czar-side mirror of the worker's own
// config.OwnedChunkSet.
type ChunkAssignment struct {
	Db     string  `toml:"db"`
	Worker string  `toml:"worker"`
	Chunks []int32 `toml:"chunks"`
}

// Config is the czar's top-level configuration (spec §4.2's retry/timeout
// budgets, §4.9's result TTL, and the listen surface).
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	AdminAddr  string `toml:"admin_addr"`
	CzarID     uint32 `toml:"czar_id"`

	ChunkAssignments []ChunkAssignment `toml:"chunk_assignments"`

	// MergeDSN is the go-sql-driver/mysql DSN for the database holding
	// per-query merge tables (qserv_result_<queryId>).
	MergeDSN string `toml:"merge_dsn"`

	MaxAttempts int      `toml:"max_attempts"`
	TDispatch   Duration `toml:"t_dispatch"`
	TJob        Duration `toml:"t_job"`
	TQuery      Duration `toml:"t_query"`
	ResultTTL   Duration `toml:"result_ttl"`

	// RegistryEndpoints are the etcd endpoints the czar watches to log
	// worker liveness (spec §6's registry service, replaced here by a
	// watched etcd prefix per SPEC_FULL.md's domain-stack mapping). Chunk
	// ownership comes from ChunkAssignments, not from this watch.
	RegistryEndpoints []string `toml:"registry_endpoints"`
	RegistryPrefix    string   `toml:"registry_prefix"`

	LogLevel string `toml:"log_level"`
}

// Default returns the configuration baseline matching SPEC_FULL.md's Open
// Question decisions, before any toml file is applied.
func Default() Config {
	return Config{
		ListenAddr:     ":4040",
		AdminAddr:      ":4041",
		CzarID:         1,
		MaxAttempts:    3,
		TDispatch:      Duration{60 * time.Second},
		TJob:           Duration{300 * time.Second},
		TQuery:         Duration{1800 * time.Second},
		ResultTTL:      Duration{time.Hour},
		RegistryPrefix: "/qserv/workers/",
		LogLevel:       "info",
	}
}

// Load decodes path over the Default baseline; fields absent from the file
// keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, qerror.Wrap(qerror.KindInternal, 0, "decoding czar config "+path, err)
	}
	return cfg, nil
}
