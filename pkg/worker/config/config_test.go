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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultHasThreePriorityClassesHighestFirst(t *testing.T) {
	cfg := Default()
	require.Len(t, cfg.PriorityQueues, 3)
	require.Equal(t, 2, cfg.PriorityQueues[0].Priority)
	require.Equal(t, 0, cfg.PriorityQueues[len(cfg.PriorityQueues)-1].Priority)
}

func TestLoadDecodesPriorityLadderAndTableSizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.toml")
	contents := `
worker_name = "worker-a"
memman_capacity_bytes = 1073741824
use_group_scheduler = true

[[priority_queues]]
priority = 1
min_running = 1
max_running = 2

[[table_sizes]]
db = "LSST"
table = "Object"
approx_bytes = 204800

[[boot_classes]]
name = "interactive"
max_held_for = "2m"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "worker-a", cfg.WorkerName)
	require.True(t, cfg.UseGroupScheduler)
	require.Len(t, cfg.PriorityQueues, 1)
	require.Equal(t, int64(204800), cfg.TableSizes[0].ApproxBytes)
	require.Equal(t, "2m0s", cfg.BootClasses[0].MaxHeldFor.String())
	// Untouched fields keep the Default baseline.
	require.Equal(t, Default().MaxReplyBufferBytes, cfg.MaxReplyBufferBytes)
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}
