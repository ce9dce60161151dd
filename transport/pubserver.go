// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// PresenceHooks are the publish daemon's callbacks into the channel
// layer. The subscriber handle passed to both is an opaque
// per-connection value; the channel layer only compares it.
type PresenceHooks struct {
	// OnSubscribe is called with a subscriber's identification
	// message when it connects (and again if it re-identifies).
	OnSubscribe func(subscriber any, msg map[string]any)

	// OnUnsubscribe is called when a subscriber's connection drops.
	OnUnsubscribe func(subscriber any)
}

// PubServer fans published jobs out to subscribed minions over TCP.
// It implements the publish transport contract the channel layer
// expects, including per-subscriber topic filtering.
//
// A subscriber's first frame declares the topics it wants (its minion
// id) and may carry an encrypted presence identification that is
// forwarded to the channel layer.
type PubServer struct {
	listener net.Listener
	logger   *slog.Logger
	hooks    PresenceHooks

	mu          sync.Mutex
	subscribers map[*subscriberConn]struct{}
	publishFn   func(load []byte) error
	closed      bool

	wg sync.WaitGroup
}

type subscriberConn struct {
	conn   net.Conn
	topics map[string]bool

	// writeMu serializes frames; publishes fan out concurrently with
	// each other and with the hello exchange.
	writeMu sync.Mutex
}

// NewPubServer listens for subscribers on address.
func NewPubServer(address string, hooks PresenceHooks, logger *slog.Logger) (*PubServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &PubServer{
		listener:    listener,
		logger:      logger,
		hooks:       hooks,
		subscribers: make(map[*subscriberConn]struct{}),
	}, nil
}

// Address returns the bound address in "host:port" form.
func (s *PubServer) Address() string {
	return s.listener.Addr().String()
}

// SetPublishHandler wires the function that receives loads handed to
// Publish. The daemon points this at the channel layer's wrap-and-
// forward path.
func (s *PubServer) SetPublishHandler(fn func(load []byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishFn = fn
}

// Serve accepts subscribers until ctx is cancelled or Close is
// called. Returns nil on clean shutdown.
func (s *PubServer) Serve(ctx context.Context) error {
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
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveSubscriber(conn)
		}()
	}
}

// serveSubscriber registers a connection from its hello frame, then
// holds it open, forwarding any re-identification frames, until the
// minion disconnects.
func (s *PubServer) serveSubscriber(conn net.Conn) {
	defer conn.Close()

	hello, err := ReadFrame(conn)
	if err != nil {
		s.logger.Debug("subscriber vanished before hello", "remote", conn.RemoteAddr().String())
		return
	}
	helloMap, ok := hello.(map[string]any)
	if !ok {
		s.logger.Warn("subscriber hello is not a map", "remote", conn.RemoteAddr().String())
		return
	}

	sub := &subscriberConn{conn: conn, topics: make(map[string]bool)}
	if topics, ok := helloMap["topics"].([]any); ok {
		for _, topic := range topics {
			if name, ok := topic.(string); ok {
				sub.topics[name] = true
			}
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
		if s.hooks.OnUnsubscribe != nil {
			s.hooks.OnUnsubscribe(sub)
		}
	}()

	if presence, ok := helloMap["presence"].(map[string]any); ok && s.hooks.OnSubscribe != nil {
		s.hooks.OnSubscribe(sub, presence)
	}

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return
		}
		if presence, ok := frame.(map[string]any); ok && s.hooks.OnSubscribe != nil {
			s.hooks.OnSubscribe(sub, presence)
		}
	}
}

// Publish hands a serialized job to the registered publish handler.
func (s *PubServer) Publish(load []byte) error {
	s.mu.Lock()
	fn := s.publishFn
	s.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("transport: no publish handler registered")
	}
	return fn(load)
}

// PublishPayload delivers a wrapped envelope. topics semantics follow
// the channel contract: nil broadcasts, a non-nil slice restricts to
// subscribers of the named topics (empty slice reaches nobody).
func (s *PubServer) PublishPayload(payload []byte, topics []string) error {
	s.mu.Lock()
	targets := make([]*subscriberConn, 0, len(s.subscribers))
	for sub := range s.subscribers {
		if topics == nil || sub.wantsAny(topics) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, sub := range targets {
		sub.writeMu.Lock()
		err := WriteRawFrame(sub.conn, payload)
		sub.writeMu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err != nil {
			s.logger.Warn("cannot deliver publish to subscriber",
				"remote", sub.conn.RemoteAddr().String(), "error", err)
		}
	}
	return firstErr
}

func (c *subscriberConn) wantsAny(topics []string) bool {
	for _, topic := range topics {
		if c.topics[topic] {
			return true
		}
	}
	return false
}

// TopicSupport reports that this transport filters per subscriber.
func (s *PubServer) TopicSupport() bool { return true }

// SubscriberCount returns the number of live subscriptions.
func (s *PubServer) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Close stops accepting and drops every subscriber. Idempotent.
func (s *PubServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscriberConn, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, sub := range subs {
		sub.conn.SetDeadline(time.Now())
		sub.conn.Close()
	}
	return err
}

func (s *PubServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
