// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package subscriber fans newly issued credentials out to the connections that registered
// interest in them.
package subscriber

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/envoyproxy/credrefresh/internal/credential"
)

// DefaultBufferSize is the number of undelivered events a subscription holds before it is dropped.
const DefaultBufferSize = 8

// Event is one notification delivered to a subscription.
type Event struct {
	// Credential is the newly issued credential. Unset when Err is set.
	Credential credential.Credential
	// Err is set for a terminal failure, after which no further events are sent.
	Err error
}

// Terminal reports whether the event signals a terminal failure.
func (e Event) Terminal() bool { return e.Err != nil }

// Subscription is the handle of one registered subscriber.
// Its channel is closed when it is unregistered, dropped, or the registry is closed.
type Subscription struct {
	id      string
	ch      chan Event
	dropped atomic.Bool

	mu     sync.Mutex
	closed bool
}

// ID returns the unique identifier of the subscription.
func (s *Subscription) ID() string { return s.id }

// C returns the channel on which events are delivered.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped reports whether the subscription was removed because it fell behind.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// offer sends ev without blocking. full is true when the buffer had no room.
func (s *Subscription) offer(ev Event) (delivered, full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- ev:
		return true, false
	default:
		return false, true
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// BroadcastResult summarizes one broadcast.
type BroadcastResult struct {
	// Delivered is the number of subscriptions that received the event.
	Delivered int
	// Dropped is the number of subscriptions removed because their buffer was full.
	Dropped int
}

// Registry is a concurrency-safe set of subscriptions.
type Registry struct {
	bufferSize int
	logger     logr.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// Option configures a Registry.
type Option func(*Registry)

// WithBufferSize sets the per-subscription buffer. Values below one are ignored.
func WithBufferSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithLogger sets the logger. Defaults to logr.Discard().
func WithLogger(logger logr.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		bufferSize: DefaultBufferSize,
		logger:     logr.Discard(),
		subs:       make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithName("subscriber-registry")
	return r
}

// Register adds a subscription. The initial events, if any, are queued on it before it becomes
// visible to Broadcast; events beyond the buffer size are discarded.
func (r *Registry) Register(initial ...Event) *Subscription {
	sub := &Subscription{id: uuid.NewString(), ch: make(chan Event, r.bufferSize)}
	for _, ev := range initial {
		sub.offer(ev)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.id] = sub
	r.logger.V(1).Info("registered subscriber", "id", sub.id)
	return sub
}

// Unregister removes sub and closes its channel. It is a no-op for unknown or already removed
// subscriptions and is safe to call during a broadcast.
func (r *Registry) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	delete(r.subs, sub.id)
	r.mu.Unlock()
	sub.close()
}

// Broadcast delivers ev to every registered subscription without blocking.
//
// A subscription whose buffer is full is dropped: it is removed and its channel closed.
// Subscriptions registered or unregistered concurrently may or may not observe ev.
func (r *Registry) Broadcast(ev Event) BroadcastResult {
	r.mu.RLock()
	snapshot := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		snapshot = append(snapshot, sub)
	}
	r.mu.RUnlock()

	var res BroadcastResult
	var dropped []*Subscription
	for _, sub := range snapshot {
		delivered, full := sub.offer(ev)
		switch {
		case delivered:
			res.Delivered++
		case full:
			dropped = append(dropped, sub)
		}
	}

	if len(dropped) > 0 {
		r.mu.Lock()
		for _, sub := range dropped {
			delete(r.subs, sub.id)
		}
		r.mu.Unlock()
		for _, sub := range dropped {
			sub.dropped.Store(true)
			sub.close()
			r.logger.Info("subscriber channel is full, dropping subscriber", "id", sub.id)
		}
		res.Dropped = len(dropped)
	}
	return res
}

// Close unregisters and closes every subscription. The registry stays usable.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
