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

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
	"github.com/hellebore74/qserv-sub001/pkg/wire"
)

// Client is a persistent framed connection to one worker, with at-most-once
// delivery per spec §4.4: a send is retried exactly once on a transport
// error before surfacing TRANSPORT_ERROR to the caller.
type Client struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient builds a Client for addr without dialing; the connection is
// established lazily on first Send.
func NewClient(addr string) *Client { return &Client{addr: addr} }

// Send writes tag/payload to the worker, retrying the dial and write
// exactly once if the first attempt fails with a transport error.
func (c *Client) Send(tag wire.Tag, payload interface{}) error {
	if err := c.sendOnce(tag, payload); err != nil {
		if qerror.KindOf(err) != qerror.KindTransportError {
			return err
		}
		c.reset()
		return c.sendOnce(tag, payload)
	}
	return nil
}

func (c *Client) sendOnce(tag wire.Tag, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		conn, reader, err := Dial(c.addr)
		if err != nil {
			return err
		}
		c.conn, c.reader = conn, reader
	}
	if err := WriteFrame(c.conn, tag, payload); err != nil {
		c.closeLocked()
		return err
	}
	return nil
}

// ReadFrame reads the next frame from the worker connection. It does not
// dial: with no open connection it returns a TRANSPORT_ERROR.
func (c *Client) ReadFrame() (wire.Tag, []byte, error) {
	c.mu.Lock()
	conn, reader := c.conn, c.reader
	c.mu.Unlock()
	if conn == nil {
		return 0, nil, qerror.New(qerror.KindTransportError, 0, "not connected")
	}
	return ReadFrame(reader)
}

func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.reader = nil, nil
	return err
}
