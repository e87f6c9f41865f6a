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

// Package session implements the UserQuery/Job registry underlying C10's
// lifecycle operations and C3's dispatch bookkeeping: the entity shapes
// from spec §3, a message store for user-visible diagnostics, and a
// TTL sweep that destroys completed UserQueries after the configured
// result retention window. Grounded on the teacher's own convention of a
// registry type guarded by one mutex per entry plus a single scheduler
// goroutine for time-based cleanup (robfig/cron, as in
// emergent-company-emergent/apps/server-go/domain/scheduler/scheduler.go).
package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
)

// UQState is a UserQuery's lifecycle state (spec §3).
type UQState int

const (
	UQUnknown UQState = iota
	UQInProgress
	UQCompleted
	UQFailed
	UQCancelled
)

func (s UQState) String() string {
	switch s {
	case UQInProgress:
		return "IN_PROGRESS"
	case UQCompleted:
		return "COMPLETED"
	case UQFailed:
		return "FAILED"
	case UQCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

func (s UQState) Terminal() bool {
	switch s {
	case UQCompleted, UQFailed, UQCancelled:
		return true
	default:
		return false
	}
}

// JobState is a Job's lifecycle state (spec §3). Forward-only except for
// the single RetryableFail -> Queued transition.
type JobState int

const (
	JobQueued JobState = iota
	JobDispatched
	JobRunning
	JobStreaming
	JobDone
	JobRetryableFail
	JobFatalFail
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobDispatched:
		return "DISPATCHED"
	case JobRunning:
		return "RUNNING"
	case JobStreaming:
		return "STREAMING"
	case JobDone:
		return "DONE"
	case JobRetryableFail:
		return "RETRYABLE_FAIL"
	case JobFatalFail:
		return "FATAL_FAIL"
	case JobCancelled:
		return "CANCELLED"
	default:
		return "QUEUED"
	}
}

func (s JobState) Terminal() bool {
	switch s {
	case JobDone, JobFatalFail, JobCancelled:
		return true
	default:
		return false
	}
}

// Severity classifies a Message (spec §4.9's message store).
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// Message is one (code, severity, text) diagnostic record.
type Message struct {
	Code     int
	Severity Severity
	Text     string
	At       time.Time
}

// Job is one (UserQuery, chunk) dispatch attempt, per spec §3.
type Job struct {
	JobID        uint32
	QueryID      uint64
	ChunkID      uint32
	Attempt      uint32
	TargetWorker string
	State        JobState
}

// UserQuery is the czar-side query lifecycle record from spec §3.
type UserQuery struct {
	mu sync.Mutex

	QueryID            uint64
	OriginalSQL        string
	State              UQState
	ChunkQueryTemplate string
	MergeSQL           string
	ResultTable        string
	DirectorDb         string // set by C3 at dispatch time, needed to resolve WorkerFor on cancel
	Jobs               []*Job
	messages           []Message

	submittedAt time.Time
	completedAt time.Time
}

// Lock/Unlock expose the UserQuery's per-entity mutex so C3's dispatcher
// loop can serialize Job state observers, per spec §5's locking order
// (UserQuery -> Job -> Scheduler -> SendChannel).
func (q *UserQuery) Lock()   { q.mu.Lock() }
func (q *UserQuery) Unlock() { q.mu.Unlock() }

// addMessage appends a diagnostic record. Caller must hold q's lock, or
// call via Registry.AddMessage which acquires it.
func (q *UserQuery) addMessage(code int, sev Severity, text string) {
	q.messages = append(q.messages, Message{Code: code, Severity: sev, Text: text, At: time.Now()})
}

// Messages returns a copy of the accumulated diagnostics.
func (q *UserQuery) Messages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.messages))
	copy(out, q.messages)
	return out
}

// SetState transitions the UserQuery's state, stamping completedAt when it
// reaches a terminal state (for TTL accounting).
func (q *UserQuery) SetState(s UQState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.State = s
	if s.Terminal() {
		q.completedAt = time.Now()
	}
}

// GetState returns the current state.
func (q *UserQuery) GetState() UQState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.State
}

// ResultLocation returns the result table name once the query has
// COMPLETED, or an error otherwise (spec §4.9 getResultLocation()).
func (q *UserQuery) ResultLocation() (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.State != UQCompleted {
		return "", qerror.New(qerror.KindInternal, 0, "result not available before COMPLETED")
	}
	return q.ResultTable, nil
}

// Registry is the czar's UserQuery store: C10's submit()/cancel()/
// getMessages() surface plus the TTL sweep that destroys completed
// UserQueries after resultTTL.
type Registry struct {
	mu        sync.RWMutex
	queries   map[uint64]*UserQuery
	nextID    uint64
	resultTTL time.Duration

	cron *cron.Cron
}

// NewRegistry builds a Registry with the given result retention window
// (spec's Open Question resolved to 1h by default in SPEC_FULL.md).
func NewRegistry(resultTTL time.Duration) *Registry {
	if resultTTL <= 0 {
		resultTTL = time.Hour
	}
	return &Registry{
		queries:   map[uint64]*UserQuery{},
		nextID:    1,
		resultTTL: resultTTL,
	}
}

// Submit creates a new UserQuery in IN_PROGRESS and returns it (spec §4.9
// submit()).
func (r *Registry) Submit(sql string) *UserQuery {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	q := &UserQuery{
		QueryID:     id,
		OriginalSQL: sql,
		State:       UQInProgress,
		ResultTable: resultTableName(id),
		submittedAt: time.Now(),
	}
	r.queries[id] = q
	return q
}

func resultTableName(queryID uint64) string {
	return "qserv_result_" + strconv.FormatUint(queryID, 10)
}

// Get looks up a UserQuery by id.
func (r *Registry) Get(queryID uint64) (*UserQuery, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queries[queryID]
	return q, ok
}

// Cancel transitions queryID to CANCELLED, idempotently (spec §4.9
// cancel() / §4.3 "Cancellation is idempotent").
func (r *Registry) Cancel(queryID uint64) error {
	q, ok := r.Get(queryID)
	if !ok {
		return qerror.New(qerror.KindInternal, 0, "unknown queryId")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.State.Terminal() {
		return nil
	}
	q.State = UQCancelled
	q.completedAt = time.Now()
	return nil
}

// AddMessage appends a diagnostic to queryID's message store.
func (r *Registry) AddMessage(queryID uint64, code int, sev Severity, text string) {
	q, ok := r.Get(queryID)
	if !ok {
		return
	}
	q.mu.Lock()
	q.addMessage(code, sev, text)
	q.mu.Unlock()
}

// ListUserQueries returns every registered UserQuery, for SHOW PROCESSLIST.
func (r *Registry) ListUserQueries() []*UserQuery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*UserQuery, 0, len(r.queries))
	for _, q := range r.queries {
		out = append(out, q)
	}
	return out
}

// StartSweep launches the cron-scheduled TTL sweep, every minute by
// default, destroying UserQueries that reached a terminal state more than
// resultTTL ago.
func (r *Registry) StartSweep() error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc("@every 1m", r.sweepOnce)
	if err != nil {
		return qerror.Wrap(qerror.KindInternal, 0, "scheduling TTL sweep", err)
	}
	r.cron.Start()
	return nil
}

// StopSweep stops the TTL sweep cron, if running.
func (r *Registry) StopSweep() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

func (r *Registry) sweepOnce() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, q := range r.queries {
		q.mu.Lock()
		expired := q.State.Terminal() && !q.completedAt.IsZero() && now.Sub(q.completedAt) > r.resultTTL
		q.mu.Unlock()
		if expired {
			delete(r.queries, id)
		}
	}
}
