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

// Package memman implements the worker's table-memory manager: it pins
// table sets into a capacity budget and serializes tasks that require
// overlapping table sets, per spec §3 invariant 6 and §4.7's "MemMan"
// contract (lock/unlock). Grounded on the shared-scan locking model
// described throughout original_source/core/modules/wsched/ChunkDisk.h
// (memman::MemMan::Ptr consulted before a task may run).
package memman

import (
	"sync"

	"github.com/hellebore74/qserv-sub001/pkg/wire"
)

// LockResult is MemMan.lock's three-way outcome from spec §4.7.
type LockResult int

const (
	LockOK LockResult = iota
	LockBusy
	LockInsufficient
)

// Handle identifies an acquired lock set, released via Unlock.
type Handle uint64

// MemMan is the worker's memory manager. It is intentionally simple: it
// tracks aggregate "pinned bytes" against a capacity and a per-table
// reference count, refusing new locks when capacity would be exceeded
// (LockInsufficient) and serializing overlapping table sets that are
// already held by a different handle (LockBusy). A Task holding a handle
// never suspends until it calls Unlock (spec §3 invariant 6, §5).
type MemMan struct {
	mu          sync.Mutex
	capacity    int64
	used        int64
	tableSize   map[string]int64 // table name -> approximate size in bytes
	refCount    map[string]int
	heldBy      map[string]Handle // table -> holder, when refCount==1 and held exclusively is not required; shared scans share a handle's tables with other handles transparently via refCount
	nextHandle  Handle
	handleTables map[Handle][]string
}

// New builds a MemMan with the given capacity in bytes.
func New(capacityBytes int64) *MemMan {
	return &MemMan{
		capacity:     capacityBytes,
		tableSize:    map[string]int64{},
		refCount:     map[string]int{},
		heldBy:       map[string]Handle{},
		handleTables: map[Handle][]string{},
		nextHandle:   1,
	}
}

// SetTableSize registers (or updates) a table's approximate in-memory size,
// consulted when deciding whether a lock request fits within capacity.
func (m *MemMan) SetTableSize(db, table string, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tableSize[db+"."+table] = bytes
}

// Lock attempts to pin the tables named in scanInfo. Slower-rated tables
// should be locked first by the caller (chunk-scan scheduler's ordering),
// but MemMan itself is rating-agnostic: it only tracks capacity and
// reference counts.
func (m *MemMan) Lock(scanInfo []wire.ScanTableInfo) (Handle, LockResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(scanInfo))
	requested := make(map[string]bool, len(scanInfo))
	for _, s := range scanInfo {
		name := s.Db + "." + s.Table
		names = append(names, name)
		requested[name] = true
	}

	// BUSY: a requested table is already held by a handle whose table set
	// only partially overlaps this request -- the two tasks can't share a
	// single pass over the chunk's tables without fragmenting the scan.
	for _, name := range names {
		holder, held := m.heldBy[name]
		if !held {
			continue
		}
		for _, other := range m.handleTables[holder] {
			if !requested[other] {
				return 0, LockBusy
			}
		}
	}

	var needed int64
	for _, name := range names {
		if m.refCount[name] == 0 {
			needed += m.tableSize[name]
		}
	}
	if m.used+needed > m.capacity && m.capacity > 0 {
		return 0, LockInsufficient
	}

	h := m.nextHandle
	m.nextHandle++
	for _, name := range names {
		m.refCount[name]++
		if m.refCount[name] == 1 {
			m.used += m.tableSize[name]
		}
		m.heldBy[name] = h
	}
	m.handleTables[h] = names
	return h, LockOK
}

// Unlock releases a previously acquired handle.
func (m *MemMan) Unlock(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names, ok := m.handleTables[h]
	if !ok {
		return
	}
	for _, name := range names {
		if m.refCount[name] > 0 {
			m.refCount[name]--
			if m.refCount[name] == 0 {
				m.used -= m.tableSize[name]
				delete(m.heldBy, name)
			}
		}
	}
	delete(m.handleTables, h)
}

// UsedBytes reports current pinned bytes, for metrics/tests.
func (m *MemMan) UsedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}
