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

package sched

import (
	"container/heap"
	"sync"
	"time"

	"github.com/hellebore74/qserv-sub001/pkg/metrics"
	"github.com/hellebore74/qserv-sub001/pkg/worker/memman"
	"github.com/hellebore74/qserv-sub001/pkg/worker/task"
)

// chunkHeap is ChunkDisk::MinHeap: a min-heap ordered by (chunkId asc,
// scanInfo desc i.e. slower scans first), grounded on
// original_source/core/modules/wsched/ChunkDisk.h.
type chunkHeap []*task.Task

func (h chunkHeap) Len() int { return len(h) }

func (h chunkHeap) Less(i, j int) bool {
	if h[i].Chunk != h[j].Chunk {
		return h[i].Chunk < h[j].Chunk
	}
	return h[i].Info.CompareTables(h[j].Info) < 0
}

func (h chunkHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *chunkHeap) Push(x interface{}) { *h = append(*h, x.(*task.Task)) }

func (h *chunkHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

func (h chunkHeap) peek() *task.Task {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// BootPolicy bounds how long a Task may hold the active scan slot (spec
// §4.7 "Starvation bound").
type BootPolicy struct {
	MaxMinutesPerClass     map[string]time.Duration
	MaxTasksBootedPerQuery int
}

// ChunkScanScheduler is C8: the shared-scan scheduler. It groups tasks per
// chunk, locks required tables into MemMan, and advances chunk-by-chunk.
type ChunkScanScheduler struct {
	mu              sync.Mutex
	active          chunkHeap
	pending         chunkHeap
	activeChunkID   int32
	memMan          *memman.MemMan
	boot            BootPolicy
	bootedByQuery   map[uint64]int
	resourceStarved bool
}

// NewChunkScanScheduler builds a C8 scheduler backed by mm.
func NewChunkScanScheduler(mm *memman.MemMan, boot BootPolicy) *ChunkScanScheduler {
	return &ChunkScanScheduler{
		memMan:        mm,
		activeChunkID: -100, // impossibly small, mirrors ChunkDisk's _lastChunk sentinel
		boot:          boot,
		bootedByQuery: map[uint64]int{},
	}
}

// Enqueue implements spec §4.7's Enqueue(task) transition.
func (s *ChunkScanScheduler) Enqueue(t *task.Task) bool {
	if t.Cancelled() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) == 0 {
		s.activeChunkID = t.Chunk
		heap.Push(&s.active, t)
	} else if t.Chunk == s.activeChunkID {
		heap.Push(&s.active, t)
	} else {
		heap.Push(&s.pending, t)
	}
	metrics.ChunkScanActiveSize.Set(float64(len(s.active)))
	metrics.ChunkScanPendingSize.Set(float64(len(s.pending)))
	return true
}

// ReadyResult reports the outcome of a Ready? call.
type ReadyResult int

const (
	ReadyNone ReadyResult = iota
	ReadyRunning
	ReadyMemoryPressure
)

// Ready implements spec §4.7's Ready? transition: promotes Pending into
// Active when Active drains, then attempts a MemMan lock on the
// highest-priority (slowest-scan) Active task.
func (s *ChunkScanScheduler) Ready() (*task.Task, ReadyResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resourceStarved {
		return nil, ReadyNone
	}

	for {
		if len(s.active) == 0 {
			if len(s.pending) == 0 {
				return nil, ReadyNone
			}
			s.promoteLocked()
		}
		top := s.active.peek()
		if top == nil {
			return nil, ReadyNone
		}
		if top.Cancelled() {
			heap.Pop(&s.active)
			metrics.ChunkScanActiveSize.Set(float64(len(s.active)))
			continue // skip cancelled tasks and re-evaluate
		}
		break
	}

	top := s.active.peek()
	h, res := s.memMan.Lock(top.Info.Tables)
	switch res {
	case memman.LockOK:
		heap.Pop(&s.active)
		top.MemHandle = uint64(h)
		metrics.ChunkScanActiveSize.Set(float64(len(s.active)))
		metrics.ChunkScanActiveChunkID.Set(float64(s.activeChunkID))
		return top, ReadyRunning
	case memman.LockInsufficient:
		return nil, ReadyMemoryPressure
	default: // LockBusy
		return nil, ReadyNone
	}
}

// promoteLocked moves all Pending tasks for the lowest pending chunkId into
// Active. Caller holds s.mu.
func (s *ChunkScanScheduler) promoteLocked() {
	nextChunk := s.pending.peek().Chunk
	s.activeChunkID = nextChunk
	var rest chunkHeap
	for len(s.pending) > 0 {
		t := heap.Pop(&s.pending).(*task.Task)
		if t.Chunk == nextChunk {
			heap.Push(&s.active, t)
		} else {
			rest = append(rest, t)
		}
	}
	for _, t := range rest {
		heap.Push(&s.pending, t)
	}
	metrics.ChunkScanActiveSize.Set(float64(len(s.active)))
	metrics.ChunkScanPendingSize.Set(float64(len(s.pending)))
}

// TaskComplete implements spec §4.7's TaskComplete(task) transition.
func (s *ChunkScanScheduler) TaskComplete(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memMan.Unlock(memman.Handle(t.MemHandle))
	if len(s.active) == 0 && len(s.pending) > 0 {
		s.promoteLocked()
	}
}

// SetResourceStarved toggles whether Ready should report ReadyNone
// regardless of queue state, mirroring ChunkDisk::setResourceStarved
// (used by the worker pool when all disk I/O threads are saturated).
func (s *ChunkScanScheduler) SetResourceStarved(starved bool) {
	s.mu.Lock()
	s.resourceStarved = starved
	s.mu.Unlock()
}

// MaybeBoot applies the starvation bound: if t has held the active slot
// at least maxMinutesPer(class), it counts a boot against t and against
// maxTasksBootedPerUserQuery. booted reports that the bound was hit (the
// task should not keep the slot) and budgetExceeded that the per-query
// boot budget is now exceeded. MaybeBoot does not move t to another queue.
func (s *ChunkScanScheduler) MaybeBoot(t *task.Task, class string, heldFor time.Duration) (booted bool, budgetExceeded bool) {
	limit, ok := s.boot.MaxMinutesPerClass[class]
	if !ok || heldFor < limit {
		return false, false
	}
	t.IncrBoot()
	metrics.TasksBooted.WithLabelValues(class).Inc()

	s.mu.Lock()
	s.bootedByQuery[t.QueryID]++
	exceeded := s.boot.MaxTasksBootedPerQuery > 0 && s.bootedByQuery[t.QueryID] > s.boot.MaxTasksBootedPerQuery
	s.mu.Unlock()
	return true, exceeded
}

// ActiveSize and PendingSize report heap sizes for tests/diagnostics.
func (s *ChunkScanScheduler) ActiveSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *ChunkScanScheduler) PendingSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
