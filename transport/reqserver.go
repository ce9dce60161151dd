// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// MessageHandler services one decoded request payload and returns the
// reply value. The channel layer's RequestServer.HandleMessage
// satisfies this shape; it is total, so the transport never sees an
// error from it.
type MessageHandler func(ctx context.Context, payload any) any

// ReqServer accepts minion connections on the request channel. Each
// connection carries a sequence of request/reply frame pairs.
type ReqServer struct {
	listener net.Listener
	handler  MessageHandler
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

// NewReqServer listens on address (":4506", or ":0" for a random
// port) and dispatches decoded requests to handler.
func NewReqServer(address string, handler MessageHandler, logger *slog.Logger) (*ReqServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &ReqServer{
		listener: listener,
		handler:  handler,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Address returns the bound address in "host:port" form.
func (s *ReqServer) Address() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is cancelled or Close is
// called. Returns nil on clean shutdown.
func (s *ReqServer) Serve(ctx context.Context) error {
	context.AfterFunc(ctx, func() { s.Close() })

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn runs the request/reply loop for one connection. A frame
// that cannot even be read tears the connection down; a payload the
// handler dislikes still gets its reply.
func (s *ReqServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			return
		}
		reply := s.handler(ctx, payload)
		if err := WriteFrame(conn, reply); err != nil {
			s.logger.Warn("cannot write reply", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
	}
}

// Close stops accepting and tears down live connections. Idempotent.
func (s *ReqServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, conn := range conns {
		conn.SetDeadline(time.Now())
		conn.Close()
	}
	return err
}

func (s *ReqServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *ReqServer) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *ReqServer) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}
