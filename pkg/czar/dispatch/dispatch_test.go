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

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hellebore74/qserv-sub001/pkg/czar/analyzer"
	"github.com/hellebore74/qserv-sub001/pkg/czar/catalog"
	"github.com/hellebore74/qserv-sub001/pkg/czar/session"
	"github.com/hellebore74/qserv-sub001/pkg/qerror"
	"github.com/hellebore74/qserv-sub001/pkg/wire"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []wire.Tag
	sendFunc func(tag wire.Tag, payload interface{}) error
}

func (f *fakeTransport) Send(tag wire.Tag, payload interface{}) error {
	f.mu.Lock()
	f.sent = append(f.sent, tag)
	fn := f.sendFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(tag, payload)
	}
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDialer struct {
	mu      sync.Mutex
	clients map[string]*fakeTransport
}

func newFakeDialer() *fakeDialer { return &fakeDialer{clients: map[string]*fakeTransport{}} }

func (d *fakeDialer) Dial(worker string) (WorkerTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[worker]
	if !ok {
		c = &fakeTransport{}
		d.clients[worker] = c
	}
	return c, nil
}

func (d *fakeDialer) preset(worker string, fn func(tag wire.Tag, payload interface{}) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[worker] = &fakeTransport{sendFunc: fn}
}

func (d *fakeDialer) get(worker string) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[worker]
}

func newTestCatalog() *catalog.Catalog {
	return catalog.New(nil, nil)
}

func simpleResult(db string) *analyzer.Result {
	return &analyzer.Result{
		DirectorDb: db,
		Template:   analyzer.QueryTemplate{Text: "SELECT COUNT(*) FROM " + db + ".Object_%CC%"},
		Merge:      analyzer.MergeStatement{SQL: "SELECT SUM(QS1_COUNT) FROM result"},
	}
}

func TestDispatchSendsOneTaskMsgPerChunkToOwningWorker(t *testing.T) {
	cat := newTestCatalog()
	t.Cleanup(cat.Close)
	cat.SetChunkOwnership("LSST", map[int32]string{100: "worker-a", 200: "worker-b"})

	reg := session.NewRegistry(time.Hour)
	dialer := newFakeDialer()
	d := New(cat, reg, dialer, 7, 3, nil)

	q := reg.Submit("SELECT COUNT(*) FROM Object")
	require.NoError(t, d.Dispatch(context.Background(), q, simpleResult("LSST")))

	require.Len(t, q.Jobs, 2)
	for _, j := range q.Jobs {
		require.Equal(t, session.JobRunning, j.State)
	}
	require.Equal(t, 1, dialer.get("worker-a").sentCount())
	require.Equal(t, 1, dialer.get("worker-b").sentCount())
	require.Equal(t, wire.TagTaskMsg, dialer.get("worker-a").sent[0])
}

func TestDispatchNoChunksIsFatal(t *testing.T) {
	cat := newTestCatalog()
	t.Cleanup(cat.Close)
	reg := session.NewRegistry(time.Hour)
	d := New(cat, reg, newFakeDialer(), 1, 3, nil)

	q := reg.Submit("SELECT COUNT(*) FROM Object")
	err := d.Dispatch(context.Background(), q, simpleResult("LSST"))
	require.Error(t, err)
	require.Equal(t, qerror.KindPlanError, qerror.KindOf(err))
}

func TestDispatchRetriesTransportErrorThenSucceeds(t *testing.T) {
	cat := newTestCatalog()
	t.Cleanup(cat.Close)
	cat.SetChunkOwnership("LSST", map[int32]string{100: "worker-a"})
	reg := session.NewRegistry(time.Hour)
	dialer := newFakeDialer()

	var mu sync.Mutex
	attempts := 0
	dialer.preset("worker-a", func(tag wire.Tag, payload interface{}) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return qerror.New(qerror.KindTransportError, 1, "socket reset")
		}
		return nil
	})

	d := New(cat, reg, dialer, 1, 3, nil)
	q := reg.Submit("SELECT COUNT(*) FROM Object")
	require.NoError(t, d.Dispatch(context.Background(), q, simpleResult("LSST")))

	require.Len(t, q.Jobs, 1)
	require.Equal(t, session.JobRunning, q.Jobs[0].State)
	require.EqualValues(t, 3, q.Jobs[0].Attempt)
}

func TestDispatchFatalErrorFailsUserQuery(t *testing.T) {
	cat := newTestCatalog()
	t.Cleanup(cat.Close)
	cat.SetChunkOwnership("LSST", map[int32]string{100: "worker-a"})
	reg := session.NewRegistry(time.Hour)
	dialer := newFakeDialer()
	dialer.preset("worker-a", func(tag wire.Tag, payload interface{}) error {
		return qerror.New(qerror.KindPlanError, 99, "worker rejected plan")
	})

	d := New(cat, reg, dialer, 1, 3, nil)
	q := reg.Submit("SELECT COUNT(*) FROM Object")
	err := d.Dispatch(context.Background(), q, simpleResult("LSST"))
	require.Error(t, err)
	require.Equal(t, session.UQFailed, q.GetState())
	require.Equal(t, session.JobFatalFail, q.Jobs[0].State)
	require.EqualValues(t, 1, q.Jobs[0].Attempt, "fatal causes do not retry")
}

func TestCancelNotifiesOnlyLiveJobsAndIsIdempotent(t *testing.T) {
	cat := newTestCatalog()
	t.Cleanup(cat.Close)
	cat.SetChunkOwnership("LSST", map[int32]string{100: "worker-a", 200: "worker-b"})
	reg := session.NewRegistry(time.Hour)
	dialer := newFakeDialer()
	d := New(cat, reg, dialer, 1, 3, nil)

	q := reg.Submit("SELECT COUNT(*) FROM Object")
	q.DirectorDb = "LSST"
	q.Jobs = []*session.Job{
		{JobID: 1, QueryID: q.QueryID, ChunkID: 100, Attempt: 1, State: session.JobRunning},
		{JobID: 2, QueryID: q.QueryID, ChunkID: 200, Attempt: 1, State: session.JobDone},
	}

	require.NoError(t, d.Cancel(q))
	require.Equal(t, session.UQCancelled, q.GetState())
	require.Equal(t, session.JobCancelled, q.Jobs[0].State)
	require.Equal(t, session.JobDone, q.Jobs[1].State, "terminal jobs are left alone")
	require.Equal(t, 1, dialer.get("worker-a").sentCount())
	require.Equal(t, wire.TagCancelMsg, dialer.get("worker-a").sent[0])
	require.Nil(t, dialer.get("worker-b"), "a DONE job is never notified")

	// Second cancel is a no-op: job 1 is now terminal too, so no further
	// CancelMsg is sent and the UserQuery state is unchanged.
	require.NoError(t, d.Cancel(q))
	require.Equal(t, 1, dialer.get("worker-a").sentCount())
	require.Equal(t, session.UQCancelled, q.GetState())
}
