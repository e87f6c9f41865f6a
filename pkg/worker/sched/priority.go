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

// Package sched implements C7 (the priority scheduler) and C8 (the
// chunk-scan scheduler), plus a legacy GroupScheduler kept for smoke
// testing a worker's scan path end-to-end. Grounded on
// original_source/core/modules/qdisp/QdispPool.cc for the queue-walking
// selection algorithm and original_source/core/modules/wsched/ChunkDisk.h
// for the chunk-scan heap discipline.
package sched

import (
	"sync"

	"github.com/hellebore74/qserv-sub001/pkg/metrics"
	"github.com/hellebore74/qserv-sub001/pkg/worker/task"
)

// priorityQueue is one {priority, minRunning, maxRunning, running} class
// from spec §4.6.
type priorityQueue struct {
	priority   int
	minRunning int
	maxRunning int
	running    int
	tasks      []*task.Task
}

func (q *priorityQueue) label() string {
	switch {
	case q.priority >= 2:
		return "high"
	case q.priority == 1:
		return "normal"
	default:
		return "low"
	}
}

// PriorityScheduler is C7: a fixed-size thread pool draws work from
// priority queues, each guaranteeing `minRunning` forward progress and
// capping at `maxRunning`.
type PriorityScheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queues   []*priorityQueue // highest priority first
	draining bool
}

// QueueSpec configures one priority class, highest priority first.
type QueueSpec struct {
	Priority   int
	MinRunning int
	MaxRunning int
}

// NewPriorityScheduler builds a PriorityScheduler from specs, which must be
// supplied highest-priority-first.
func NewPriorityScheduler(specs []QueueSpec) *PriorityScheduler {
	s := &PriorityScheduler{}
	s.cond = sync.NewCond(&s.mu)
	for _, spec := range specs {
		s.queues = append(s.queues, &priorityQueue{
			priority:   spec.Priority,
			minRunning: spec.MinRunning,
			maxRunning: spec.MaxRunning,
		})
	}
	return s
}

// Enqueue admits a task to the queue matching its priority class, or the
// lowest-priority queue if no exact match exists. Refuses already-cancelled
// tasks per spec §5 "C7/C8 refuse to admit cancelled tasks".
func (s *PriorityScheduler) Enqueue(t *task.Task, priority int) bool {
	if t.Cancelled() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queueFor(priority)
	q.tasks = append(q.tasks, t)
	metrics.SchedulerQueueDepth.WithLabelValues(q.label()).Inc()
	s.cond.Broadcast()
	return true
}

func (s *PriorityScheduler) queueFor(priority int) *priorityQueue {
	for _, q := range s.queues {
		if q.priority == priority {
			return q
		}
	}
	return s.queues[len(s.queues)-1]
}

// Next implements spec §4.6's selection algorithm: a worker thread calls
// Next and blocks until a task is runnable or the scheduler is draining
// with nothing left to admit.
func (s *PriorityScheduler) Next() *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if t := s.popForMin(); t != nil {
			return t
		}
		if t := s.popForMax(); t != nil {
			return t
		}
		if s.draining && s.totalQueuedLocked() == 0 {
			return nil
		}
		s.cond.Wait()
	}
}

// popForMin implements step 2: walk queues highest to lowest; if
// running < minRunning, pop and run.
func (s *PriorityScheduler) popForMin() *task.Task {
	for _, q := range s.queues {
		if q.running < q.minRunning && len(q.tasks) > 0 {
			return s.pop(q)
		}
	}
	return nil
}

// popForMax implements step 3: walk again; if running < maxRunning, pop.
func (s *PriorityScheduler) popForMax() *task.Task {
	for _, q := range s.queues {
		if q.running < q.maxRunning && len(q.tasks) > 0 {
			return s.pop(q)
		}
	}
	return nil
}

func (s *PriorityScheduler) pop(q *priorityQueue) *task.Task {
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.running++
	metrics.SchedulerQueueDepth.WithLabelValues(q.label()).Dec()
	metrics.SchedulerRunning.WithLabelValues(q.label()).Inc()
	return t
}

func (s *PriorityScheduler) totalQueuedLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q.tasks)
	}
	return n
}

// Complete reports that a task previously returned by Next has finished
// running, freeing its queue's running slot.
func (s *PriorityScheduler) Complete(priority int) {
	s.mu.Lock()
	q := s.queueFor(priority)
	if q.running > 0 {
		q.running--
	}
	metrics.SchedulerRunning.WithLabelValues(q.label()).Dec()
	s.mu.Unlock()
	s.cond.Broadcast()
}

// PrepareShutdown marks the scheduler draining (spec §4.7 "Shutdown"):
// admission for min-running quotas continues so outstanding queries
// finish, but Next returns nil once the queues empty.
func (s *PriorityScheduler) PrepareShutdown() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// QueueDepth reports the number of queued (not running) tasks for a given
// priority, for tests and diagnostics.
func (s *PriorityScheduler) QueueDepth(priority int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queueFor(priority).tasks)
}
