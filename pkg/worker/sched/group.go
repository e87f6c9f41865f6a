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
	"sync"

	"github.com/hellebore74/qserv-sub001/pkg/worker/task"
)

// GroupScheduler is a simple scheduler that limits disk scans to one batch
// at a time but lets multiple queries share it, useful for smoke-testing a
// worker's scan path without the full chunk-scan machinery. Grounded on
// original_source/core/modules/wsched/GroupScheduler.cc.
type GroupScheduler struct {
	mu         sync.Mutex
	maxRunning int
	running    int
	queue      []*task.Task
}

// NewGroupScheduler builds a GroupScheduler capped at maxRunning concurrent
// tasks (GroupScheduler.cc defaults this to 4).
func NewGroupScheduler(maxRunning int) *GroupScheduler {
	if maxRunning <= 0 {
		maxRunning = 4
	}
	return &GroupScheduler{maxRunning: maxRunning}
}

// QueueTask enqueues a task (GroupScheduler::queueTaskAct).
func (g *GroupScheduler) QueueTask(t *task.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enqueueLocked(t)
}

// Enqueue satisfies dispatch.Scheduler so a GroupScheduler can stand in for
// the chunk-scan scheduler on deployments that opt into
// config.UseGroupScheduler.
func (g *GroupScheduler) Enqueue(t *task.Task) bool {
	g.QueueTask(t)
	return true
}

func (g *GroupScheduler) enqueueLocked(t *task.Task) {
	g.queue = append(g.queue, t)
}

// RemoveByKey removes all queued tasks matching key, mirroring
// GroupScheduler::removeByHash. Reports whether anything was removed.
func (g *GroupScheduler) RemoveByKey(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := false
	kept := g.queue[:0]
	for _, t := range g.queue {
		if t.Key() == key {
			removed = true
			continue
		}
		kept = append(kept, t)
	}
	g.queue = kept
	return removed
}

// NewTask enqueues incoming and returns however many tasks are now
// runnable given runningCount already in flight, mirroring
// GroupScheduler::newTaskAct.
func (g *GroupScheduler) NewTask(incoming *task.Task, runningCount int) []*task.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enqueueLocked(incoming)
	return g.getNextIfAvailLocked(runningCount)
}

// TaskFinish reports a completed task and returns the next batch runnable
// given runningCount, mirroring GroupScheduler::taskFinishAct.
func (g *GroupScheduler) TaskFinish(runningCount int) []*task.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getNextIfAvailLocked(runningCount)
}

func (g *GroupScheduler) getNextIfAvailLocked(runningCount int) []*task.Task {
	available := g.maxRunning - runningCount
	if available <= 0 {
		return nil
	}
	return g.getNextTasksLocked(available)
}

func (g *GroupScheduler) getNextTasksLocked(max int) []*task.Task {
	if max < 1 || len(g.queue) == 0 {
		return nil
	}
	if max > len(g.queue) {
		max = len(g.queue)
	}
	out := g.queue[:max]
	g.queue = g.queue[max:]
	return out
}

// Empty reports whether the queue is empty.
func (g *GroupScheduler) Empty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue) == 0
}

// Size reports the queue length.
func (g *GroupScheduler) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}
