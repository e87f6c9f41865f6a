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

// Package catalog implements C1, the partitioning catalog: it maps
// (database, table) to a TableDescriptor and answers chunk-geometry
// queries for the analyzer (C2) and dispatcher (C3). It is grounded on
// original_source/master/src/MetadataCache.cc (table/db lookup,
// director/child/match bookkeeping) and SphericalBoxStrategy.cc (chunk
// geometry / area-restrictor pruning), adapted into a concurrency-safe Go
// type using a TTL cache the way the teacher caches metadata lookups.
package catalog

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pingcap/errors"

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
)

// Kind is a TableDescriptor's partitioning kind.
type Kind int

const (
	Unpartitioned Kind = iota
	Director
	Child
	Match
)

func (k Kind) String() string {
	switch k {
	case Director:
		return "director"
	case Child:
		return "child"
	case Match:
		return "match"
	default:
		return "unpartitioned"
	}
}

// TableDescriptor is the sum type from spec §3 / §9: a single struct with
// kind-specific fields populated according to Kind, mirroring the "pure
// function of the two kinds" design note (no virtual dispatch needed).
type TableDescriptor struct {
	Database string
	Name     string
	Kind     Kind

	// Director fields.
	PrimaryKey           string
	LonColumn            string
	LatColumn            string
	PartitioningFamilyID int

	// Child fields.
	ForeignKey     string
	DirectorTable  string // strong reference: "db.table"

	// Match fields.
	Director1, FK1 string
	Director2, FK2 string
}

// Director-family chunk geometry. All directors sharing a
// PartitioningFamilyID share this geometry, per spec §3.
type Geometry struct {
	FamilyID   int
	NumStripes int
	NumSubStripesPerStripe int
}

// ChunkLocker mirrors original_source/src/replica/ChunkLocker.h: a
// read-path check the dispatcher consults before sending a Job, so a
// replica rebalance in progress doesn't race a dispatch. Only the read
// side is implemented; no migration/write API (out of scope per spec §1).
type ChunkLocker interface {
	IsLocked(db string, chunk int32) bool
}

// WorkerHealth tracks a cumulative per-worker success/failure ratio,
// grounded on original_source/src/replica/SuccessRateGenerator.h. The
// catalog records one owner per chunk, so Score does not influence which
// worker a Job is sent to.
type WorkerHealth struct {
	mu          sync.Mutex
	successes   map[string]int
	failures    map[string]int
}

func NewWorkerHealth() *WorkerHealth {
	return &WorkerHealth{successes: map[string]int{}, failures: map[string]int{}}
}

func (h *WorkerHealth) RecordSuccess(worker string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes[worker]++
}

func (h *WorkerHealth) RecordFailure(worker string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[worker]++
}

// Score returns successes / (successes + failures), defaulting to 1.0 for an
// unseen worker so a never-tried worker is not penalized.
func (h *WorkerHealth) Score(worker string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, f := h.successes[worker], h.failures[worker]
	if s+f == 0 {
		return 1.0
	}
	return float64(s) / float64(s+f)
}

// CatalogAdmin forwards administrative SQL commands recognized by C10
// (DROP DATABASE/TABLE) the way UserQueryQservManager.cc delegates to the
// replication controller.
type CatalogAdmin interface {
	DropDatabase(db string) error
	DropTable(db, table string) error
}

// Catalog is C1: the partitioning catalog.
type Catalog struct {
	mu      sync.RWMutex
	tables  map[string]TableDescriptor // key: "db.table"
	chunks  map[string][]int32         // key: "db" (or family) -> owned chunkIds
	geo     map[int]Geometry           // familyId -> geometry
	owners  map[string]map[int32]string // "db" -> chunk -> worker name
	cache   *ttlcache.Cache[string, TableDescriptor]
	locker  ChunkLocker
	health  *WorkerHealth
	admin   CatalogAdmin
}

// New constructs an empty Catalog with a TTL cache over table lookups, used
// by the FLUSH QSERV_CHUNKS_CACHE in-band command (spec §4.9) to invalidate
// entries without tearing down the whole process.
func New(admin CatalogAdmin, locker ChunkLocker) *Catalog {
	cache := ttlcache.New[string, TableDescriptor](
		ttlcache.WithTTL[string, TableDescriptor](10 * time.Minute),
	)
	go cache.Start()
	return &Catalog{
		tables: map[string]TableDescriptor{},
		chunks: map[string][]int32{},
		geo:    map[int]Geometry{},
		owners: map[string]map[int32]string{},
		cache:  cache,
		locker: locker,
		health: NewWorkerHealth(),
		admin:  admin,
	}
}

func key(db, table string) string { return db + "." + table }

// RegisterTable adds or replaces a TableDescriptor.
func (c *Catalog) RegisterTable(td TableDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[key(td.Database, td.Name)] = td
	c.cache.Delete(key(td.Database, td.Name))
}

// Lookup resolves a (db, table) to its TableDescriptor.
func (c *Catalog) Lookup(db, table string) (TableDescriptor, error) {
	k := key(db, table)
	if item := c.cache.Get(k); item != nil {
		return item.Value(), nil
	}
	c.mu.RLock()
	td, ok := c.tables[k]
	c.mu.RUnlock()
	if !ok {
		return TableDescriptor{}, qerror.New(qerror.KindPlanError, 1001, "unknown table "+k)
	}
	c.cache.Set(k, td, ttlcache.DefaultTTL)
	return td, nil
}

// RegisterGeometry sets the chunk geometry for a partitioning family.
func (c *Catalog) RegisterGeometry(g Geometry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.geo[g.FamilyID] = g
}

// SetChunkOwnership records which worker owns which chunks for a database,
// the in-memory analogue of the registry HTTP service of spec §6.
func (c *Catalog) SetChunkOwnership(db string, chunkToWorker map[int32]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[db] = chunkToWorker
	chunks := make([]int32, 0, len(chunkToWorker))
	for id := range chunkToWorker {
		chunks = append(chunks, id)
	}
	c.chunks[db] = chunks
}

// WorkerFor returns the worker owning (db, chunk).
func (c *Catalog) WorkerFor(db string, chunk int32) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.owners[db][chunk]
	return w, ok
}

// ChunksFor returns the full chunk set registered for db (spec §4.2). Area
// restrictors do not prune this set.
func (c *Catalog) ChunksFor(db string) []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int32, len(c.chunks[db]))
	copy(out, c.chunks[db])
	return out
}

// Health exposes the worker health tracker, into which the dispatcher
// records each Job outcome per worker.
func (c *Catalog) Health() *WorkerHealth { return c.health }

// Locked reports whether a chunk is currently locked against dispatch.
func (c *Catalog) Locked(db string, chunk int32) bool {
	if c.locker == nil {
		return false
	}
	return c.locker.IsLocked(db, chunk)
}

// InvalidateCache drops all cached table lookups for db (or everything if
// db is empty), implementing "FLUSH QSERV_CHUNKS_CACHE [FOR db]".
func (c *Catalog) InvalidateCache(db string) {
	if db == "" {
		c.cache.DeleteAll()
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k := range c.tables {
		if len(k) > len(db) && k[:len(db)+1] == db+"." {
			c.cache.Delete(k)
		}
	}
}

// DropDatabase forwards to the catalog admin collaborator (spec §4.9).
func (c *Catalog) DropDatabase(db string) error {
	if c.admin == nil {
		return errors.Trace(qerror.New(qerror.KindUnsupported, 1010, "no catalog admin configured"))
	}
	if err := c.admin.DropDatabase(db); err != nil {
		return errors.Trace(err)
	}
	c.mu.Lock()
	for k := range c.tables {
		if len(k) > len(db) && k[:len(db)+1] == db+"." {
			delete(c.tables, k)
			c.cache.Delete(k)
		}
	}
	delete(c.chunks, db)
	delete(c.owners, db)
	c.mu.Unlock()
	c.InvalidateCache(db)
	return nil
}

// DropTable forwards to the catalog admin collaborator.
func (c *Catalog) DropTable(db, table string) error {
	if c.admin == nil {
		return errors.Trace(qerror.New(qerror.KindUnsupported, 1011, "no catalog admin configured"))
	}
	if err := c.admin.DropTable(db, table); err != nil {
		return errors.Trace(err)
	}
	c.mu.Lock()
	delete(c.tables, key(db, table))
	c.mu.Unlock()
	c.cache.Delete(key(db, table))
	return nil
}

// Close stops the background TTL-cache janitor goroutine.
func (c *Catalog) Close() { c.cache.Stop() }
