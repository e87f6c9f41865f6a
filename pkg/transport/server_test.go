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
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hellebore74/qserv-sub001/pkg/wire"
)

func TestServerRoutesWireProtocolAndAdminHTTP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan wire.CancelMsg, 1)
	admin := http.NewServeMux()
	admin.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})

	srv := NewServer(ln, func(tag wire.Tag, payload []byte, reply *ConnWriter) {
		if tag != wire.TagCancelMsg {
			return
		}
		var msg wire.CancelMsg
		if err := DecodeInto(payload, &msg); err == nil {
			received <- msg
		}
	}, admin)

	go srv.Serve()
	defer srv.Close()
	time.Sleep(50 * time.Millisecond) // let cmux start matching

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	c := NewClient(ln.Addr().String())
	require.NoError(t, c.Send(wire.TagCancelMsg, wire.CancelMsg{QueryID: 3, JobID: 1}))
	defer c.Close()

	select {
	case msg := <-received:
		require.EqualValues(t, 3, msg.QueryID)
	case <-time.After(2 * time.Second):
		t.Fatal("wire handler never ran")
	}
}
