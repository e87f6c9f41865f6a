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

// Package dispatch implements C3, the chunk dispatcher: for a UserQuery and
// its analyzer.Result it materializes the chunk set from C1, creates one
// Job per chunk, binds the chunk query template and fans the TaskMsgs out
// to the owning workers over C5, retrying RETRYABLE_FAIL attempts up to
// maxAttempts. It also implements cancellation propagation (C10 -> C3 ->
// C5 -> C6). Grounded on spec §4.2 and the fan-out/cancel shape of
// original_source/core/modules/qdisp (the Executive's per-Job dispatch
// loop), adapted into an errgroup-based fan-out the way the pack's
// bigmachine/trufflehog source files drive bounded worker fan-out.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hellebore74/qserv-sub001/pkg/czar/analyzer"
	"github.com/hellebore74/qserv-sub001/pkg/czar/catalog"
	"github.com/hellebore74/qserv-sub001/pkg/czar/session"
	"github.com/hellebore74/qserv-sub001/pkg/qerror"
	"github.com/hellebore74/qserv-sub001/pkg/qlog"
	"github.com/hellebore74/qserv-sub001/pkg/transport"
	"github.com/hellebore74/qserv-sub001/pkg/wire"
)

// lockPollInterval is how often dispatchJob re-checks a chunk lock held by
// an in-progress replica rebalance (catalog.Catalog.Locked).
const lockPollInterval = 200 * time.Millisecond

// WorkerTransport is the narrow surface Dispatcher needs from a
// per-worker connection; satisfied by *transport.Client and by fakes in
// tests.
type WorkerTransport interface {
	Send(tag wire.Tag, payload interface{}) error
}

// ClientDialer resolves a worker identifier to a WorkerTransport. Workers
// are addressed by the same string catalog.Catalog.WorkerFor returns.
type ClientDialer interface {
	Dial(worker string) (WorkerTransport, error)
}

// Dialer is the production ClientDialer: one transport.Client per worker,
// reused across Jobs, mirroring spec §4.4's "single logical channel per
// (czar, worker)".
type Dialer struct {
	mu      sync.Mutex
	clients map[string]*transport.Client
}

// NewDialer builds an empty Dialer.
func NewDialer() *Dialer {
	return &Dialer{clients: map[string]*transport.Client{}}
}

// Dial returns the cached *transport.Client for worker, creating it (but
// not connecting it — transport.Client dials lazily on Send) if absent.
func (d *Dialer) Dial(worker string) (WorkerTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[worker]; ok {
		return c, nil
	}
	c := transport.NewClient(worker)
	d.clients[worker] = c
	return c, nil
}

// Close closes every cached connection.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for _, c := range d.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Dispatcher is C3.
type Dispatcher struct {
	catalog     *catalog.Catalog
	registry    *session.Registry
	dialer      ClientDialer
	czarID      uint32
	maxAttempts uint32
	log         *zap.Logger

	mu      sync.Mutex
	nextJob uint32
}

// New builds a Dispatcher. maxAttempts defaults to 3 (spec's Open Question,
// resolved in DESIGN.md) when 0 is given.
func New(cat *catalog.Catalog, reg *session.Registry, dialer ClientDialer, czarID uint32, maxAttempts uint32, log *zap.Logger) *Dispatcher {
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	if log == nil {
		log = qlog.Logger()
	}
	return &Dispatcher{
		catalog:     cat,
		registry:    reg,
		dialer:      dialer,
		czarID:      czarID,
		maxAttempts: maxAttempts,
		log:         log,
		nextJob:     1,
	}
}

func (d *Dispatcher) allocJobID() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextJob
	d.nextJob++
	return id
}

// Dispatch materializes the chunk set for res.DirectorDb, creates one Job
// per chunk in QUEUED, and fans out TaskMsgs concurrently (spec §4.2). It
// returns once every Job has been accepted by its worker's transport (or a
// fatal failure occurred); it does not wait for Jobs to finish running —
// that is driven asynchronously by C4 consuming each Job's ReplyStream.
func (d *Dispatcher) Dispatch(ctx context.Context, q *session.UserQuery, res *analyzer.Result) error {
	chunks := d.catalog.ChunksFor(res.DirectorDb)
	if len(chunks) == 0 {
		err := qerror.New(qerror.KindPlanError, 2100, fmt.Sprintf("no chunks registered for database %q", res.DirectorDb))
		q.SetState(session.UQFailed)
		return errors.Trace(err)
	}

	jobs := make([]*session.Job, len(chunks))
	for i, chunk := range chunks {
		jobs[i] = &session.Job{
			JobID:   d.allocJobID(),
			QueryID: q.QueryID,
			ChunkID: uint32(chunk),
			Attempt: 1,
			State:   session.JobQueued,
		}
	}

	q.Lock()
	q.Jobs = append(q.Jobs, jobs...)
	q.ChunkQueryTemplate = res.Template.Text
	q.MergeSQL = res.Merge.SQL
	q.DirectorDb = res.DirectorDb
	q.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			return d.dispatchJob(gctx, q, job, res)
		})
	}

	if err := g.Wait(); err != nil {
		q.SetState(session.UQFailed)
		d.registry.AddMessage(q.QueryID, qerror.CodeOf(err), session.SeverityError, err.Error())
		return errors.Trace(err)
	}
	return nil
}

// dispatchJob sends job's TaskMsg to its owning worker, retrying
// RETRYABLE_FAIL outcomes with attempt+1 up to maxAttempts (spec §4.2).
func (d *Dispatcher) dispatchJob(ctx context.Context, q *session.UserQuery, job *session.Job, res *analyzer.Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}

		worker, ok := d.catalog.WorkerFor(res.DirectorDb, int32(job.ChunkID))
		if !ok {
			d.setJobState(q, job, session.JobFatalFail)
			return errors.Trace(qerror.New(qerror.KindResourceMismatch, 2101,
				fmt.Sprintf("no worker owns chunk %d of %s", job.ChunkID, res.DirectorDb)))
		}

		if d.catalog.Locked(res.DirectorDb, int32(job.ChunkID)) {
			select {
			case <-time.After(lockPollInterval):
				continue
			case <-ctx.Done():
				return errors.Trace(ctx.Err())
			}
		}

		client, err := d.dialer.Dial(worker)
		if err != nil {
			return errors.Trace(err)
		}

		msg := wire.TaskMsg{
			QueryID:         q.QueryID,
			JobID:           job.JobID,
			Attempt:         job.Attempt,
			CzarID:          d.czarID,
			Db:              res.DirectorDb,
			Chunk:           job.ChunkID,
			ScanInteractive: false,
			ScanTables:      res.ScanTables,
			Fragments: []wire.Fragment{{
				Queries:     []string{res.Template.Render(int32(job.ChunkID), 0)},
				ResultTable: q.ResultTable,
			}},
		}

		d.setJobState(q, job, session.JobDispatched)
		sendErr := client.Send(wire.TagTaskMsg, msg)
		if sendErr == nil {
			d.setJobState(q, job, session.JobRunning)
			d.catalog.Health().RecordSuccess(worker)
			return nil
		}

		d.catalog.Health().RecordFailure(worker)
		d.log.Warn("job dispatch attempt failed",
			qlog.QueryField(q.QueryID), qlog.JobField(job.JobID), zap.Uint32("attempt", job.Attempt), zap.Error(sendErr))

		if !qerror.Retryable(sendErr) || job.Attempt >= d.maxAttempts {
			d.setJobState(q, job, session.JobFatalFail)
			return errors.Trace(sendErr)
		}

		d.mu.Lock()
		job.Attempt++
		d.mu.Unlock()
		d.setJobState(q, job, session.JobQueued)
	}
}

// RedispatchJob re-sends a single Job of an in-progress UserQuery, used by
// C4's Merger.RetryHook when a checksum fails to verify (spec §4.3's
// RETRYABLE_FAIL path). It requires res, the same analyzer.Result the
// original Dispatch call used, to re-render the chunk query template.
func (d *Dispatcher) RedispatchJob(ctx context.Context, q *session.UserQuery, jobID uint32, res *analyzer.Result) error {
	q.Lock()
	var job *session.Job
	for _, j := range q.Jobs {
		if j.JobID == jobID {
			job = j
			break
		}
	}
	q.Unlock()
	if job == nil {
		return qerror.New(qerror.KindInternal, 2102, fmt.Sprintf("redispatch: unknown jobId %d", jobID))
	}

	d.mu.Lock()
	job.Attempt++
	d.mu.Unlock()
	d.setJobState(q, job, session.JobQueued)

	if err := d.dispatchJob(ctx, q, job, res); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (d *Dispatcher) setJobState(q *session.UserQuery, job *session.Job, s session.JobState) {
	q.Lock()
	job.State = s
	q.Unlock()
}

// Cancel transitions every non-terminal Job of q to CANCELLED and sends an
// out-of-band CancelMsg for every DISPATCHED/RUNNING/STREAMING Job (spec
// §4.2). Idempotent: a second call, or a call after the query already
// reached a terminal state, is a no-op.
func (d *Dispatcher) Cancel(q *session.UserQuery) error {
	if err := d.registry.Cancel(q.QueryID); err != nil {
		return errors.Trace(err)
	}

	q.Lock()
	db := q.DirectorDb
	toNotify := make([]*session.Job, 0, len(q.Jobs))
	for _, j := range q.Jobs {
		if j.State.Terminal() {
			continue
		}
		liveOnWorker := j.State == session.JobDispatched || j.State == session.JobRunning || j.State == session.JobStreaming
		j.State = session.JobCancelled
		if liveOnWorker {
			toNotify = append(toNotify, j)
		}
	}
	q.Unlock()

	var firstErr error
	for _, j := range toNotify {
		worker, ok := d.catalog.WorkerFor(db, int32(j.ChunkID))
		if !ok {
			continue
		}
		client, err := d.dialer.Dial(worker)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		cancelMsg := wire.CancelMsg{QueryID: q.QueryID, JobID: j.JobID}
		if err := client.Send(wire.TagCancelMsg, cancelMsg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errors.Trace(firstErr)
	}
	return nil
}
