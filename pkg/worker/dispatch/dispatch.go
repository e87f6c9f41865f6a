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

// Package dispatch implements C6, the worker dispatcher: it validates an
// incoming TaskMsg, assembles the Task's ScanInfo, rejects duplicates, and
// routes the Task to the priority scheduler (C7) or the chunk-scan
// scheduler (C8) by (scanInteractive, scanRating). Grounded on
// original_source/core/modules/wcontrol (the worker's request-to-Task
// translation) and spec §4.5.
package dispatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
	"github.com/hellebore74/qserv-sub001/pkg/qlog"
	"github.com/hellebore74/qserv-sub001/pkg/wire"
	"github.com/hellebore74/qserv-sub001/pkg/worker/sendchannel"
	"github.com/hellebore74/qserv-sub001/pkg/worker/task"
)

// ChunkOwnership answers whether this worker owns (db, chunk), the worker
// side mirror of the czar's catalog.Catalog.WorkerFor lookup.
type ChunkOwnership interface {
	Owns(db string, chunk uint32) bool
}

// ScanInfoProvider resolves the scan rating for a table, used to assemble
// a Task's ScanInfo from a TaskMsg's table list.
type ScanInfoProvider interface {
	ScanRating(db, table string) wire.ScanRating
}

// Scheduler is the subset of sched.PriorityScheduler/ChunkScanScheduler
// that the dispatcher needs; satisfied by both via small adapters so this
// package does not import pkg/worker/sched (avoiding an import cycle, as
// neither scheduler needs to know about TaskMsg decoding).
type Scheduler interface {
	Enqueue(t *task.Task) bool
}

// PriorityAdapter adapts a *sched.PriorityScheduler (which additionally
// takes a priority class) to the Scheduler interface for interactive
// tasks, which always enqueue at the interactive class.
type PriorityAdapter struct {
	Enqueuer       func(t *task.Task, priority int) bool
	InteractivePri int
}

func (p PriorityAdapter) Enqueue(t *task.Task) bool { return p.Enqueuer(t, p.InteractivePri) }

// Dispatcher is C6.
type Dispatcher struct {
	ownership ChunkOwnership
	scanInfo  ScanInfoProvider
	log       *zap.Logger

	interactive Scheduler
	scan        Scheduler

	mu     sync.Mutex
	active map[string]*task.Task // Task.Key() -> Task, for duplicate detection
}

// New builds a C6 dispatcher. interactive and scan are the C7/C8
// schedulers to route onto.
func New(ownership ChunkOwnership, scanInfo ScanInfoProvider, interactive, scan Scheduler, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		ownership:   ownership,
		scanInfo:    scanInfo,
		interactive: interactive,
		scan:        scan,
		log:         log,
		active:      map[string]*task.Task{},
	}
}

// Dispatch implements spec §4.5's four steps and returns the admitted
// Task, or an error classified per the qerror taxonomy. reply is the
// Task's C9 send channel, built by the caller from the connection the
// TaskMsg arrived on; Dispatch only enqueues onto C7/C8 and never runs
// the Task itself, so reply is carried on the Task for whichever
// scheduler pop loop eventually admits and executes it, keeping
// admission and execution a single path that runs a Task exactly once.
func (d *Dispatcher) Dispatch(msg wire.TaskMsg, reply *sendchannel.SendChannel) (*task.Task, error) {
	// 1. Verify ownership.
	if !d.ownership.Owns(msg.Db, msg.Chunk) {
		return nil, qerror.New(qerror.KindResourceMismatch, 0,
			"worker does not own chunk "+msg.Db)
	}

	// 2. Assemble ScanInfo from the TaskMsg's declared tables, filling in
	// authoritative per-table ratings from the catalog-equivalent provider.
	tables := make([]wire.ScanTableInfo, len(msg.ScanTables))
	for i, t := range msg.ScanTables {
		rating := t.ScanRating
		if d.scanInfo != nil {
			rating = d.scanInfo.ScanRating(t.Db, t.Table)
		}
		tables[i] = wire.ScanTableInfo{Db: t.Db, Table: t.Table, LockInMem: t.LockInMem, ScanRating: rating}
	}
	info := task.ScanInfo{Tables: tables}

	newTask := task.New(msg.QueryID, msg.JobID, msg.Attempt, int32(msg.Chunk), msg.Db, info, msg.Fragments, msg.ScanInteractive, reply)
	key := newTask.Key()

	// 3. Reject duplicates; cancel a terminal-but-unacknowledged previous
	// attempt first so it stops holding scheduler/MemMan resources.
	d.mu.Lock()
	if prev, ok := d.active[key]; ok {
		if isTerminal(prev.State()) {
			prev.Cancel()
			delete(d.active, key)
		} else {
			d.mu.Unlock()
			return nil, qerror.New(qerror.KindInternal, 0, "duplicate task for "+key)
		}
	}
	d.active[key] = newTask
	d.mu.Unlock()

	// 4. Route to C7 (interactive) or C8 (scan).
	var admitted bool
	if msg.ScanInteractive {
		admitted = d.interactive.Enqueue(newTask)
	} else {
		admitted = d.scan.Enqueue(newTask)
	}
	if !admitted {
		d.forget(key)
		return nil, qerror.New(qerror.KindCancelled, 0, "task rejected at admission")
	}

	if d.log != nil {
		d.log.Debug("dispatched task",
			qlog.QueryField(msg.QueryID), qlog.JobField(msg.JobID), qlog.ChunkField(int32(msg.Chunk)))
	}
	return newTask, nil
}

// Forget removes a task from the duplicate-detection registry once it
// reaches a terminal state and has been acknowledged.
func (d *Dispatcher) Forget(key string) { d.forget(key) }

// Cancel looks up the active Task for (queryID, jobID) — the identity a
// wire.CancelMsg carries — and cancels it in place. Reports whether a
// matching Task was found.
func (d *Dispatcher) Cancel(queryID uint64, jobID uint32) bool {
	d.mu.Lock()
	t, ok := d.active[taskKeyOf(queryID, jobID)]
	d.mu.Unlock()
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

func taskKeyOf(queryID uint64, jobID uint32) string {
	return fmt.Sprintf("%d/%d", queryID, jobID)
}

func (d *Dispatcher) forget(key string) {
	d.mu.Lock()
	delete(d.active, key)
	d.mu.Unlock()
}

func isTerminal(s task.State) bool {
	switch s {
	case task.StateDone, task.StateCancelled, task.StateFailed:
		return true
	default:
		return false
	}
}
