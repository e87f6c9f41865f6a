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
	"net/http"

	"github.com/soheilhy/cmux"

	"github.com/hellebore74/qserv-sub001/pkg/qerror"
	"github.com/hellebore74/qserv-sub001/pkg/wire"
)

// Handler processes one decoded frame read off an accepted connection and
// optionally writes a response frame back via the supplied ConnWriter.
type Handler func(tag wire.Tag, payload []byte, reply *ConnWriter)

// Server accepts framed wire-protocol connections on one port, muxed via
// cmux against an admin HTTP surface (metrics, pprof, health) on the same
// listener so operators don't need a second port per worker/czar process.
type Server struct {
	listener net.Listener
	mux      cmux.CMux
	handler  Handler
	admin    http.Handler
}

// NewServer wraps listener with a cmux splitter. HTTP/1.1 requests (the
// admin surface) are routed to admin — typically a *http.ServeMux or a
// *mux.Router — everything else is treated as the binary wire protocol
// and dispatched to handler per connection.
func NewServer(listener net.Listener, handler Handler, admin http.Handler) *Server {
	return &Server{
		listener: listener,
		mux:      cmux.New(listener),
		handler:  handler,
		admin:    admin,
	}
}

// Serve blocks, accepting both HTTP admin requests and wire-protocol
// connections until the listener is closed.
func (s *Server) Serve() error {
	httpL := s.mux.Match(cmux.HTTP1Fast())
	wireL := s.mux.Match(cmux.Any())

	go func() {
		if s.admin != nil {
			_ = http.Serve(httpL, s.admin)
		}
	}()
	go s.serveWire(wireL)

	if err := s.mux.Serve(); err != nil {
		return qerror.Wrap(qerror.KindTransportError, 0, "cmux serve", err)
	}
	return nil
}

func (s *Server) serveWire(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := NewConnWriter(conn)
	for {
		tag, payload, err := ReadFrame(reader)
		if err != nil {
			return
		}
		s.handler(tag, payload, writer)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }
