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

// Package task defines the worker-side Task: the mirror of a czar Job plus
// the scheduling/locking/streaming state described in spec §3 ("Task
// (worker side)"). It is a leaf package imported by both the schedulers
// (C7/C8) and the send channel (C9) so those two packages don't need to
// import each other.
package task

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hellebore74/qserv-sub001/pkg/wire"
	"github.com/hellebore74/qserv-sub001/pkg/worker/sendchannel"
)

// State mirrors a Job's state machine on the worker side.
type State int32

const (
	StateQueued State = iota
	StateDispatched
	StateRunning
	StateStreaming
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDispatched:
		return "DISPATCHED"
	case StateRunning:
		return "RUNNING"
	case StateStreaming:
		return "STREAMING"
	case StateDone:
		return "DONE"
	case StateCancelled:
		return "CANCELLED"
	case StateFailed:
		return "FAILED"
	default:
		return "QUEUED"
	}
}

// ScanInfo is the ordered (table, rating) list from spec §3. Comparison
// defines a total order: slower-rated tables sort first; within the same
// rating, tables sort lexicographically by name -- grounded on
// original_source/core/modules/wsched/ChunkDisk.h's MinHeap::compareFunc.
type ScanInfo struct {
	Tables []wire.ScanTableInfo
}

// worstRating returns the slowest (smallest ScanRating value) rating across
// the table list, used as the scan's overall rating for comparison.
func (s ScanInfo) worstRating() wire.ScanRating {
	worst := wire.RatingFast
	for _, t := range s.Tables {
		if t.ScanRating < worst {
			worst = t.ScanRating
		}
	}
	return worst
}

// sortedNames returns the table names in sorted order for lexicographic
// tie-breaking.
func (s ScanInfo) sortedNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Db + "." + t.Table
	}
	sort.Strings(names)
	return names
}

// CompareTables implements the total order from spec §4.7 "Fairness": a
// negative result means s should run before other (s is "slower" or
// lexicographically earlier within the same rating).
func (s ScanInfo) CompareTables(other ScanInfo) int {
	sw, ow := s.worstRating(), other.worstRating()
	if sw != ow {
		if sw < ow {
			return -1 // s is slower (smaller rating value), sorts first
		}
		return 1
	}
	sn, on := s.sortedNames(), s.sortedNames2(other)
	for i := 0; i < len(sn) && i < len(on); i++ {
		if sn[i] != on[i] {
			if sn[i] < on[i] {
				return -1
			}
			return 1
		}
	}
	return len(sn) - len(on)
}

func (s ScanInfo) sortedNames2(other ScanInfo) []string { return other.sortedNames() }

// Task is the worker-side mirror of a czar Job (spec §3).
type Task struct {
	QueryID uint64
	JobID   uint32
	Attempt uint32
	Chunk   int32
	Db      string

	ScanInteractive bool
	Info            ScanInfo
	Fragments       []wire.Fragment

	MemHandle uint64 // set once a MemMan lock succeeds

	// Reply is the connection's C9 send channel, created once at Dispatch
	// time from the wire connection the TaskMsg arrived on. Carrying it on
	// the Task itself (rather than threading it separately alongside the
	// scheduler queues) is what lets C7/C8's pop loops be the only place
	// that ever replies: admission and execution share one handle, so a
	// task can run at most once.
	Reply *sendchannel.SendChannel

	state      int32 // atomic, holds State
	cancelled  int32 // atomic bool
	bootCount  int32 // atomic, number of times booted from the active slot

	mu   sync.Mutex
	done chan struct{}
}

// New constructs a Task in state QUEUED. reply is the SendChannel this
// Task's result must be streamed to once a scheduler admits it.
func New(queryID uint64, jobID uint32, attempt uint32, chunk int32, db string, info ScanInfo, frags []wire.Fragment, interactive bool, reply *sendchannel.SendChannel) *Task {
	return &Task{
		QueryID: queryID, JobID: jobID, Attempt: attempt, Chunk: chunk, Db: db,
		Info: info, Fragments: frags, ScanInteractive: interactive, Reply: reply,
		state: int32(StateQueued),
		done:  make(chan struct{}),
	}
}

// Key uniquely identifies a (queryId, jobId) pair, ignoring attempt -- used
// by C6 duplicate-admission detection (spec §3 invariant 4).
func (t *Task) Key() string {
	return taskKey(t.QueryID, t.JobID)
}

func taskKey(queryID uint64, jobID uint32) string {
	return fmt.Sprintf("%d/%d", queryID, jobID)
}

// State returns the task's current state.
func (t *Task) State() State { return State(atomic.LoadInt32(&t.state)) }

// SetState advances the task's state.
func (t *Task) SetState(s State) { atomic.StoreInt32(&t.state, int32(s)) }

// Cancel sets the cooperative cancellation flag. Cancellation is best
// effort: a running task checks the flag between row batches (spec §5).
func (t *Task) Cancel() {
	atomic.StoreInt32(&t.cancelled, 1)
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool { return atomic.LoadInt32(&t.cancelled) != 0 }

// IncrBoot increments the boot counter (spec §4.7 "Starvation bound") and
// returns the new count.
func (t *Task) IncrBoot() int32 { return atomic.AddInt32(&t.bootCount, 1) }

// BootCount returns how many times the task has been booted from the
// active scan slot.
func (t *Task) BootCount() int32 { return atomic.LoadInt32(&t.bootCount) }

// MarkDone closes the task's done channel exactly once.
func (t *Task) MarkDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

// Done returns a channel closed once the task completes.
func (t *Task) Done() <-chan struct{} { return t.done }
