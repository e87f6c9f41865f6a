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

// Package admincmd handles the 0x10 WorkerCommand admin channel's echo
// and perf kinds, grounded on
// original_source/src/wpublish/qserv-worker-perf.cc's self-check RPC.
// Chunk add/remove/list kinds are out of scope — those belong to the
// replication controller (spec §1 Non-goals).
package admincmd

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"github.com/hellebore74/qserv-sub001/pkg/wire"
)

// Handle dispatches cmd to its kind and returns the StatusMsg to send
// back over the admin channel; StatusMsg is reused here as a generic
// reply envelope since spec §6 defines no dedicated WorkerCommand-reply
// shape.
func Handle(cmd wire.WorkerCommand) wire.StatusMsg {
	switch cmd.Kind {
	case "echo":
		return wire.StatusMsg{State: "OK", ExtendedStatus: cmd.Arguments["text"]}
	case "perf":
		return wire.StatusMsg{State: "OK", ExtendedStatus: runPerfCheck(cmd.Arguments)}
	default:
		return wire.StatusMsg{State: "UNSUPPORTED", ExtendedStatus: "unrecognized worker command " + cmd.Kind}
	}
}

// runPerfCheck times filling an in-memory buffer, a stand-in for
// qserv-worker-perf.cc's disk/memory self-test (no shared filesystem
// assumption is safe to make here).
func runPerfCheck(args map[string]string) string {
	size := 1 << 20
	if s, ok := args["bytes"]; ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			size = n
		}
	}
	buf := make([]byte, size)
	start := time.Now()
	_, _ = rand.Read(buf)
	elapsed := time.Since(start)
	return fmt.Sprintf("filled %d bytes in %s", size, elapsed)
}
