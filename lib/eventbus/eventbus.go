// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventbus is the in-process fan-out for master events: auth
// handshake outcomes ("auth" tag) and publish-channel presence edges
// ("presence/change", "presence/present").
//
// Delivery is non-blocking: a subscriber that falls behind loses
// events rather than stalling the auth or publish path. Persistence
// and cross-process delivery belong to an external event returner;
// the channel layer only needs the Sink interface, so a broker-backed
// implementation can be injected in its place.
package eventbus

import (
	"log/slog"
	"strings"
	"sync"
)

// Event is one master event.
type Event struct {
	// Tag identifies the event family, slash-separated
	// ("auth", "presence/change").
	Tag string

	// Data is the event payload.
	Data map[string]any
}

// Sink receives events fired by the channel layer.
type Sink interface {
	Fire(tag string, data map[string]any)
}

// Discard is a Sink that drops every event. Used when auth or
// presence events are disabled in config.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Fire(string, map[string]any) {}

// Bus is an in-process Sink with subscribers.
type Bus struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[int]*subscriber
	closed      bool
	logger      *slog.Logger
}

type subscriber struct {
	prefix  string
	channel chan Event
	dropped int
}

// New creates an empty bus. logger may be nil.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		logger:      logger,
	}
}

// Fire delivers the event to every subscriber whose prefix matches.
// Never blocks; slow subscribers drop events.
func (b *Bus) Fire(tag string, data map[string]any) {
	event := Event{Tag: tag, Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		if sub.prefix != "" && !strings.HasPrefix(tag, sub.prefix) {
			continue
		}
		select {
		case sub.channel <- event:
		default:
			sub.dropped++
			if sub.dropped == 1 {
				b.logger.Warn("event subscriber falling behind, dropping events", "tag", tag)
			}
		}
	}
}

// Subscribe registers a subscriber for events whose tag starts with
// prefix (empty prefix receives everything). buffer is the channel
// capacity. The returned cancel function unregisters and closes the
// channel; it is idempotent.
func (b *Bus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{prefix: prefix, channel: make(chan Event, buffer)}
	if !b.closed {
		b.subscribers[id] = sub
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub.channel)
			}
		})
	}
	if b.closed {
		close(sub.channel)
	}
	return sub.channel, cancel
}

// Close unregisters all subscribers and closes their channels.
// Subsequent Fire calls are no-ops. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.channel)
	}
}
