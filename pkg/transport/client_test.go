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

package transport

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hellebore74/qserv-sub001/pkg/wire"
)

func TestClientSendAndServerReceives(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan wire.CancelMsg, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tag, payload, err := ReadFrame(bufio.NewReader(conn))
		require.NoError(t, err)
		require.Equal(t, wire.TagCancelMsg, tag)
		var msg wire.CancelMsg
		require.NoError(t, DecodeInto(payload, &msg))
		received <- msg
	}()

	c := NewClient(ln.Addr().String())
	require.NoError(t, c.Send(wire.TagCancelMsg, wire.CancelMsg{QueryID: 9, JobID: 4}))

	select {
	case msg := <-received:
		require.EqualValues(t, 9, msg.QueryID)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
	wg.Wait()
	require.NoError(t, c.Close())
}

func TestClientSendFailsWithoutListener(t *testing.T) {
	c := NewClient("127.0.0.1:1") // reserved, nothing listens
	err := c.Send(wire.TagCancelMsg, wire.CancelMsg{})
	require.Error(t, err)
}
