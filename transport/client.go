// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"time"
)

// ReqClient issues requests against a ReqServer. One client holds one
// connection; it is not safe for concurrent use. Minion-side tooling
// and tests use it; the master never dials.
type ReqClient struct {
	conn net.Conn

	// Timeout bounds each request/reply exchange. Zero disables.
	Timeout time.Duration
}

// DialReq connects to a request server.
func DialReq(address string) (*ReqClient, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing request server: %w", err)
	}
	return &ReqClient{conn: conn}, nil
}

// Request sends one payload and waits for the reply.
func (c *ReqClient) Request(payload any) (any, error) {
	if c.Timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
			return nil, fmt.Errorf("transport: setting deadline: %w", err)
		}
	}
	if err := WriteFrame(c.conn, payload); err != nil {
		return nil, err
	}
	return ReadFrame(c.conn)
}

// Close tears down the connection.
func (c *ReqClient) Close() error {
	return c.conn.Close()
}
