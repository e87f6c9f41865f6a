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

// Package merge implements C4, the result merger: it consumes a
// ReplyStream per Job (one ReplyHeader followed by ReplyBlobs), verifies
// each Job's payload against the header's checksum, appends blobs to the
// result table with (queryId, jobId, attempt) idempotence, and — once
// every Job of a UserQuery has merged — runs the merge statement and
// transitions the UserQuery to COMPLETED. Grounded on spec §4.3 and on
// original_source/src/ccontrol/MergingHandler.h's
// HEADER_WAIT/RESULT_WAIT/RESULT_RECV state machine and its
// prepScrubResults(jobId, attempt) hook.
package merge

import (
	"context"
	"crypto/md5"
	"hash"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/hellebore74/qserv-sub001/pkg/czar/session"
	"github.com/hellebore74/qserv-sub001/pkg/qerror"
	"github.com/hellebore74/qserv-sub001/pkg/qlog"
	"github.com/hellebore74/qserv-sub001/pkg/wire"
)

// MergeTable is C4's downstream acceptor, the Go analogue of
// original_source's InfileMerger: it appends verified blob bytes to a
// result table under the schema named by the header, scrubs an earlier
// attempt's rows before a retry's rows are accepted, and executes the
// final merge statement once every Job has merged.
type MergeTable interface {
	AppendBlob(ctx context.Context, resultTable, schemaHash string, data []byte) error
	ScrubAttempt(ctx context.Context, resultTable string, jobID, attempt uint32) error
	RunMergeStatement(ctx context.Context, sql string) error
}

type mergeKey struct {
	queryID uint64
	jobID   uint32
}

// jobMergeState tracks one Job attempt's in-progress ReplyStream: the
// header it started with and the running hash of every blob received so
// far (spec §4.3 step 3's "running hash").
type jobMergeState struct {
	header wire.ReplyHeader
	hash   hash.Hash
}

// Merger is C4.
type Merger struct {
	registry *session.Registry
	table    MergeTable
	log      *zap.Logger

	// RetryHook, if set, is called when a Job's checksum fails to verify
	// (RETRYABLE_FAIL) so the caller can redispatch that single Job with
	// attempt+1; cmd/czar sets it to call dispatch.Dispatcher.RedispatchJob.
	RetryHook func(queryID uint64, jobID uint32)

	mu       sync.Mutex
	inFlight map[mergeKey]*jobMergeState
}

// NewMerger builds a Merger over registry's UserQueries, appending
// through table.
func NewMerger(registry *session.Registry, table MergeTable, log *zap.Logger) *Merger {
	if log == nil {
		log = qlog.Logger()
	}
	return &Merger{
		registry: registry,
		table:    table,
		log:      log,
		inFlight: map[mergeKey]*jobMergeState{},
	}
}

func findJob(q *session.UserQuery, jobID uint32) *session.Job {
	for _, j := range q.Jobs {
		if j.JobID == jobID {
			return j
		}
	}
	return nil
}

// OnHeader processes the first frame of a Job's ReplyStream (spec §4.3
// step 1). A header whose attempt is older than the Job's current attempt
// is a straggler from an already-superseded retry and is dropped. A
// header whose attempt is newer starts a fresh attempt and scrubs
// whatever the previous attempt may have partially merged.
func (m *Merger) OnHeader(ctx context.Context, h wire.ReplyHeader) error {
	q, ok := m.registry.Get(h.QueryID)
	if !ok {
		return errors.Trace(qerror.New(qerror.KindInternal, 3000, "header for unknown queryId"))
	}

	q.Lock()
	job := findJob(q, h.JobID)
	if job == nil {
		q.Unlock()
		return errors.Trace(qerror.New(qerror.KindInternal, 3001, "header for unknown jobId"))
	}
	if h.Attempt < job.Attempt || job.State.Terminal() {
		q.Unlock()
		return nil
	}
	prevAttempt := job.Attempt
	startingNewAttempt := h.Attempt > prevAttempt
	job.Attempt = h.Attempt
	job.State = session.JobStreaming
	resultTable := q.ResultTable
	q.Unlock()

	if startingNewAttempt {
		if err := m.table.ScrubAttempt(ctx, resultTable, h.JobID, prevAttempt); err != nil {
			return errors.Trace(err)
		}
	}

	key := mergeKey{h.QueryID, h.JobID}
	m.mu.Lock()
	m.inFlight[key] = &jobMergeState{header: h, hash: md5.New()}
	m.mu.Unlock()

	if h.EndNoData {
		return m.finishJob(ctx, q, job, key, nil)
	}
	return nil
}

// OnBlob processes a row-data frame (spec §4.3 step 2). Every blob is
// appended immediately; the running checksum is verified once the Last
// blob arrives.
func (m *Merger) OnBlob(ctx context.Context, queryID uint64, jobID uint32, blob wire.ReplyBlob) error {
	key := mergeKey{queryID, jobID}
	m.mu.Lock()
	state, ok := m.inFlight[key]
	m.mu.Unlock()
	if !ok {
		return errors.Trace(qerror.New(qerror.KindInternal, 3002, "blob received before header"))
	}

	q, ok := m.registry.Get(queryID)
	if !ok {
		return errors.Trace(qerror.New(qerror.KindInternal, 3003, "blob for unknown queryId"))
	}
	q.Lock()
	job := findJob(q, jobID)
	dropStale := job == nil || job.Attempt != state.header.Attempt || job.State.Terminal()
	resultTable := q.ResultTable
	q.Unlock()
	if dropStale {
		// A newer attempt has already superseded or finished this Job
		// (spec §4.3 step 4 idempotence); drop the stale blob.
		return nil
	}

	state.hash.Write(blob.Bytes)
	if err := m.table.AppendBlob(ctx, resultTable, state.header.SchemaHash, blob.Bytes); err != nil {
		return errors.Trace(err)
	}
	if !blob.Last {
		return nil
	}
	return m.finishJob(ctx, q, job, key, state.hash)
}

// OnError processes a worker-reported terminal error for a Job (tag
// wire.ErrorMsg): the Job is marked FATAL_FAIL and the whole UserQuery
// fails, since C3's retry budget is already exhausted by the time a
// worker gives up and reports back explicitly.
func (m *Merger) OnError(msg wire.ErrorMsg) error {
	q, ok := m.registry.Get(msg.QueryID)
	if !ok {
		return errors.Trace(qerror.New(qerror.KindInternal, 3004, "error for unknown queryId"))
	}
	q.Lock()
	if job := findJob(q, msg.JobID); job != nil {
		job.State = session.JobFatalFail
	}
	q.Unlock()
	m.registry.AddMessage(msg.QueryID, int(msg.Code), session.SeverityError, msg.Text)
	q.SetState(session.UQFailed)
	return nil
}

// finishJob verifies the completed attempt's checksum (nil hash means a
// zero-row EndNoData header, trivially matched against an empty sum),
// transitions the Job to DONE or RETRYABLE_FAIL, and finalizes the
// UserQuery once every Job has merged.
func (m *Merger) finishJob(ctx context.Context, q *session.UserQuery, job *session.Job, key mergeKey, h hash.Hash) error {
	m.mu.Lock()
	state := m.inFlight[key]
	delete(m.inFlight, key)
	m.mu.Unlock()

	var sum [16]byte
	if h != nil {
		copy(sum[:], h.Sum(nil))
	} else {
		copy(sum[:], md5.New().Sum(nil))
	}

	if sum != state.header.MD5 {
		if err := m.table.ScrubAttempt(ctx, q.ResultTable, job.JobID, job.Attempt); err != nil {
			m.log.Error("scrub after checksum mismatch failed", qlog.QueryField(q.QueryID), qlog.JobField(job.JobID), zap.Error(err))
		}
		q.Lock()
		job.State = session.JobRetryableFail
		q.Unlock()
		if m.RetryHook != nil {
			m.RetryHook(q.QueryID, job.JobID)
		}
		return errors.Trace(qerror.New(qerror.KindTransportError, 3005, "checksum mismatch"))
	}

	q.Lock()
	job.State = session.JobDone
	allDone := true
	for _, j := range q.Jobs {
		if j.State != session.JobDone {
			allDone = false
			break
		}
	}
	q.Unlock()

	if !allDone {
		return nil
	}
	return m.finalize(ctx, q)
}

// finalize runs the merge statement once every Job of q has merged (spec
// §4.3 step 5) and transitions q to COMPLETED.
func (m *Merger) finalize(ctx context.Context, q *session.UserQuery) error {
	if err := m.table.RunMergeStatement(ctx, q.MergeSQL); err != nil {
		q.SetState(session.UQFailed)
		m.registry.AddMessage(q.QueryID, qerror.CodeOf(err), session.SeverityError, err.Error())
		return errors.Trace(err)
	}
	q.SetState(session.UQCompleted)
	return nil
}
