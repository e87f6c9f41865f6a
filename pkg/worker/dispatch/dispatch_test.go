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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
	"github.com/hellebore74/qserv-sub001/pkg/wire"
	"github.com/hellebore74/qserv-sub001/pkg/worker/task"
)

type fakeOwnership struct{ owned bool }

func (f fakeOwnership) Owns(db string, chunk uint32) bool { return f.owned }

type fakeRatings struct{}

func (fakeRatings) ScanRating(db, table string) wire.ScanRating { return wire.RatingSlow }

type recordingScheduler struct {
	admitted []*task.Task
	reject   bool
}

func (r *recordingScheduler) Enqueue(t *task.Task) bool {
	if r.reject {
		return false
	}
	r.admitted = append(r.admitted, t)
	return true
}

func baseMsg() wire.TaskMsg {
	return wire.TaskMsg{
		QueryID: 1, JobID: 2, Attempt: 1, Db: "LSST", Chunk: 5,
		ScanTables: []wire.ScanTableInfo{{Db: "LSST", Table: "Object"}},
	}
}

func TestDispatchRejectsUnownedChunk(t *testing.T) {
	d := New(fakeOwnership{owned: false}, fakeRatings{}, &recordingScheduler{}, &recordingScheduler{}, nil)
	_, err := d.Dispatch(baseMsg(), nil)
	require.Error(t, err)
	require.Equal(t, qerror.KindResourceMismatch, qerror.KindOf(err))
}

func TestDispatchRoutesInteractiveAndScan(t *testing.T) {
	interactive := &recordingScheduler{}
	scan := &recordingScheduler{}
	d := New(fakeOwnership{owned: true}, fakeRatings{}, interactive, scan, nil)

	msg := baseMsg()
	msg.ScanInteractive = true
	_, err := d.Dispatch(msg, nil)
	require.NoError(t, err)
	require.Len(t, interactive.admitted, 1)
	require.Empty(t, scan.admitted)

	msg2 := baseMsg()
	msg2.JobID = 3
	msg2.ScanInteractive = false
	_, err2 := d.Dispatch(msg2, nil)
	require.NoError(t, err2)
	require.Len(t, scan.admitted, 1)
}

func TestDispatchAssemblesScanInfoFromProvider(t *testing.T) {
	scan := &recordingScheduler{}
	d := New(fakeOwnership{owned: true}, fakeRatings{}, &recordingScheduler{}, scan, nil)
	_, err := d.Dispatch(baseMsg(), nil)
	require.NoError(t, err)
	require.Len(t, scan.admitted, 1)
	require.Equal(t, wire.RatingSlow, scan.admitted[0].Info.Tables[0].ScanRating)
}

func TestDispatchRejectsDuplicateActiveTask(t *testing.T) {
	scan := &recordingScheduler{}
	d := New(fakeOwnership{owned: true}, fakeRatings{}, &recordingScheduler{}, scan, nil)
	_, err := d.Dispatch(baseMsg(), nil)
	require.NoError(t, err)

	_, err2 := d.Dispatch(baseMsg(), nil)
	require.Error(t, err2)
}

func TestDispatchReplacesTerminalPreviousAttempt(t *testing.T) {
	scan := &recordingScheduler{}
	d := New(fakeOwnership{owned: true}, fakeRatings{}, &recordingScheduler{}, scan, nil)
	first, err := d.Dispatch(baseMsg(), nil)
	require.NoError(t, err)
	first.SetState(task.StateFailed)

	retry := baseMsg()
	retry.Attempt = 2
	_, err2 := d.Dispatch(retry, nil)
	require.NoError(t, err2)
	require.True(t, first.Cancelled())
}

func TestDispatchPropagatesSchedulerRejection(t *testing.T) {
	scan := &recordingScheduler{reject: true}
	d := New(fakeOwnership{owned: true}, fakeRatings{}, &recordingScheduler{}, scan, nil)
	_, err := d.Dispatch(baseMsg(), nil)
	require.Error(t, err)
}
