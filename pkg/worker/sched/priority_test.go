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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hellebore74/qserv-sub001/pkg/worker/task"
)

func newTask(interactive bool) *task.Task {
	return task.New(1, 1, 1, 0, "LSST", task.ScanInfo{}, nil, interactive, nil)
}

func TestPriorityMinRunningGuaranteesForwardProgress(t *testing.T) {
	s := NewPriorityScheduler([]QueueSpec{
		{Priority: 2, MinRunning: 1, MaxRunning: 2}, // interactive
		{Priority: 0, MinRunning: 0, MaxRunning: 10}, // scan
	})
	for i := 0; i < 5; i++ {
		s.Enqueue(newTask(false), 0)
	}
	s.Enqueue(newTask(true), 2)

	got := s.Next()
	require.NotNil(t, got)
	require.True(t, got.ScanInteractive, "min-running interactive class must be served first")
	require.Equal(t, 0, s.QueueDepth(2))
	require.Equal(t, 5, s.QueueDepth(0))
}

func TestPriorityMaxRunningCapsClass(t *testing.T) {
	s := NewPriorityScheduler([]QueueSpec{{Priority: 0, MinRunning: 0, MaxRunning: 1}})
	s.Enqueue(newTask(false), 0)
	s.Enqueue(newTask(false), 0)

	first := s.Next()
	require.NotNil(t, first)
	require.Equal(t, 1, s.QueueDepth(0))

	done := make(chan *task.Task, 1)
	go func() { done <- s.Next() }()

	select {
	case <-done:
		t.Fatal("second task should not run until the first completes (maxRunning=1)")
	case <-time.After(20 * time.Millisecond):
	}

	s.Complete(0)
	select {
	case got := <-done:
		require.NotNil(t, got)
	case <-time.After(time.Second):
		t.Fatal("Next never unblocked after Complete")
	}
}

func TestPriorityRefusesCancelledTask(t *testing.T) {
	s := NewPriorityScheduler([]QueueSpec{{Priority: 0, MinRunning: 0, MaxRunning: 1}})
	tk := newTask(false)
	tk.Cancel()
	require.False(t, s.Enqueue(tk, 0))
	require.Zero(t, s.QueueDepth(0))
}

func TestPrepareShutdownDrainsThenReturnsNil(t *testing.T) {
	s := NewPriorityScheduler([]QueueSpec{{Priority: 0, MinRunning: 0, MaxRunning: 1}})
	s.PrepareShutdown()
	done := make(chan *task.Task, 1)
	go func() { done <- s.Next() }()
	select {
	case got := <-done:
		require.Nil(t, got)
	case <-time.After(time.Second):
		t.Fatal("Next should return nil immediately once draining with an empty queue")
	}
}
