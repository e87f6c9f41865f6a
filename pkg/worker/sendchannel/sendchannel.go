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

// Package sendchannel implements C9: one channel per Task that serializes
// the Task's ReplyStream, enforces the global reply-buffer budget, and
// surfaces back-pressure to the producing Task by blocking Send. Grounded
// on original_source/core/modules/wbase/SendChannel.h and
// src/wbase/SendChannel.h (the "dead" flag, the shared-channel last-count
// bookkeeping in SendChannelShared).
package sendchannel

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/hellebore74/qserv-sub001/pkg/metrics"
	"github.com/hellebore74/qserv-sub001/pkg/qerror"
	"github.com/hellebore74/qserv-sub001/pkg/wire"
)

// Budget is the worker-wide reply-buffer budget shared by every Send
// channel (spec §3 invariant 5, §4.8). Producers calling Send block
// cooperatively until bytes are available or the task is cancelled.
type Budget struct {
	mu      sync.Mutex
	cond    *sync.Cond
	used    int64
	max     int64
	limiter *rate.Limiter
}

// NewBudget creates a Budget capped at maxBytes. A non-zero burstBytesPerSec
// additionally paces throughput via a token bucket, smoothing bursty
// chunk-scan output on top of the hard cap.
func NewBudget(maxBytes int64, burstBytesPerSec int) *Budget {
	b := &Budget{max: maxBytes}
	b.cond = sync.NewCond(&b.mu)
	if burstBytesPerSec > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(burstBytesPerSec), burstBytesPerSec)
	}
	return b
}

// acquire blocks until n bytes are available in the budget or cancelled
// reports true, in which case it returns false without reserving anything.
func (b *Budget) acquire(n int64, cancelled func() bool) bool {
	b.mu.Lock()
	for b.used+n > b.max && b.max > 0 {
		if cancelled != nil && cancelled() {
			b.mu.Unlock()
			return false
		}
		b.cond.Wait()
		if cancelled != nil && cancelled() {
			b.mu.Unlock()
			return false
		}
	}
	b.used += n
	b.mu.Unlock()
	metrics.ReplyBufferBytesInFlight.Set(float64(atomic.LoadInt64(&b.used)))
	if b.limiter != nil {
		_ = b.limiter.WaitN(context.Background(), int(n))
	}
	return true
}

func (b *Budget) release(n int64) {
	b.mu.Lock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
	b.mu.Unlock()
	metrics.ReplyBufferBytesInFlight.Set(float64(atomic.LoadInt64(&b.used)))
	b.cond.Broadcast()
}

// UsedBytes reports the current in-flight total, for tests/metrics.
func (b *Budget) UsedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Sink is the downstream consumer a SendChannel writes framed bytes to --
// in production the transport's per-connection writer (C5); in tests, a
// recorder.
type Sink interface {
	WriteHeader(h wire.ReplyHeader) error
	WriteBlob(b wire.ReplyBlob) error
	WriteError(e wire.ErrorMsg) error
}

// SendChannel is C9: one per Task.
type SendChannel struct {
	sink    Sink
	budget  *Budget
	dead    int32
	lastSet int32
	seq     uint32
}

// New constructs a SendChannel writing to sink and drawing from budget.
func New(sink Sink, budget *Budget) *SendChannel {
	return &SendChannel{sink: sink, budget: budget}
}

// IsDead reports whether kill() has been called or a send previously failed.
func (c *SendChannel) IsDead() bool { return atomic.LoadInt32(&c.dead) != 0 }

// Kill is idempotent; it causes all subsequent Send calls to fail with
// qerror.KindCancelled ("DEAD" per spec §4.8).
func (c *SendChannel) Kill() {
	atomic.StoreInt32(&c.dead, 1)
}

// SendHeader writes the ReplyHeader, the first frame of a ReplyStream.
func (c *SendChannel) SendHeader(h wire.ReplyHeader, cancelled func() bool) error {
	if c.IsDead() {
		return qerror.New(qerror.KindCancelled, 0, "DEAD")
	}
	if !c.budget.acquire(int64(h.ByteCount), cancelled) {
		return qerror.New(qerror.KindCancelled, 0, "cancelled awaiting reply-buffer budget")
	}
	if err := c.sink.WriteHeader(h); err != nil {
		c.budget.release(int64(h.ByteCount))
		atomic.StoreInt32(&c.dead, 1)
		return qerror.Wrap(qerror.KindTransportError, 0, "writing reply header", err)
	}
	c.budget.release(int64(h.ByteCount))
	return nil
}

// Send writes one blob. After last=true is accepted, no further Send
// succeeds (spec §4.8). Blocks cooperatively on the global budget.
func (c *SendChannel) Send(blob []byte, last bool, cancelled func() bool) error {
	if c.IsDead() {
		return qerror.New(qerror.KindCancelled, 0, "DEAD")
	}
	if atomic.LoadInt32(&c.lastSet) != 0 {
		return qerror.New(qerror.KindInternal, 0, "send after last=true")
	}
	n := int64(len(blob))
	if !c.budget.acquire(n, cancelled) {
		return qerror.New(qerror.KindCancelled, 0, "cancelled awaiting reply-buffer budget")
	}
	seq := atomic.AddUint32(&c.seq, 1) - 1
	if err := c.sink.WriteBlob(wire.ReplyBlob{Seq: seq, Last: last, Bytes: blob}); err != nil {
		c.budget.release(n)
		atomic.StoreInt32(&c.dead, 1)
		return qerror.Wrap(qerror.KindTransportError, 0, "writing reply blob", err)
	}
	c.budget.release(n)
	if last {
		atomic.StoreInt32(&c.lastSet, 1)
	}
	return nil
}

// SendError reports a terminal error for this channel's Job and kills the
// channel.
func (c *SendChannel) SendError(msg string, code uint32) error {
	defer c.Kill()
	if c.IsDead() {
		return qerror.New(qerror.KindCancelled, 0, "DEAD")
	}
	return c.sink.WriteError(wire.ErrorMsg{Code: code, Text: msg})
}

// Shared synchronizes multiple Tasks writing to the same underlying stream,
// by a count of expected "last" flags: only the actual last last=true call
// closes the stream (spec §4.8).
type Shared struct {
	mu         sync.Mutex
	underlying *SendChannel
	taskCount  int
	lastCount  int
}

// NewShared wraps underlying with expected task-count bookkeeping.
func NewShared(underlying *SendChannel) *Shared {
	return &Shared{underlying: underlying}
}

// SetTaskCount sets the number of Tasks that will share this channel. Must
// not be changed once set (spec §4.8 / SendChannelShared::setTaskCount).
func (s *Shared) SetTaskCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskCount = n
}

// TransmitLast records one Task's "last" flag and reports whether this call
// is the one that should actually close the underlying stream.
func (s *Shared) TransmitLast(last bool) bool {
	if !last {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCount++
	return s.lastCount >= s.taskCount
}

// Underlying exposes the wrapped SendChannel for Send/SendHeader calls.
func (s *Shared) Underlying() *SendChannel { return s.underlying }
