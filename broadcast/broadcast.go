/*
NAME
  broadcast.go - topic hub that fans the newest value out to subscribers.

AUTHORS
  Miriam Voss <miriam@oqclab.org>
  Jonas Felder <jonas@oqclab.org>

LICENSE
  wavelock is Copyright (C) 2024-2026 the Optical Qubit Control Lab (OQCLab).

  It is free software: you can redistribute it and/or modify them
  under the terms of the GNU General Public License as published by the
  Free Software Foundation, either version 3 of the License, or (at your
  option) any later version.

  It is distributed in the hope that it will be useful, but WITHOUT
  ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
  FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License
  for more details.

  You should have received a copy of the GNU General Public License
  in gpl.txt.  If not, see [GNU licenses](http://www.gnu.org/licenses).
*/

// Package broadcast provides a topic hub with one-value mailboxes per
// subscriber. Publishing never blocks: a subscriber that lags gets the
// newest value and the ones it missed are counted as drops.
package broadcast

import "sync"

// Hub routes published values by topic to any number of subscribers.
// The zero value is not usable; construct with NewHub.
type Hub[T any] struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription[T]]struct{}
}

// NewHub returns an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[string]map[*Subscription[T]]struct{})}
}

// Publish delivers v to every subscriber of topic, overwriting any value
// a subscriber has not yet consumed. It never blocks on slow subscribers.
func (h *Hub[T]) Publish(topic string, v T) {
	h.mu.Lock()
	for sub := range h.subs[topic] {
		sub.put(v)
	}
	h.mu.Unlock()
}

// Subscribe registers a new subscription for topic. The caller must
// eventually call Close on the returned subscription.
func (h *Hub[T]) Subscribe(topic string) *Subscription[T] {
	sub := &Subscription[T]{hub: h, topic: topic}
	sub.cond = sync.NewCond(&sub.mu)
	h.mu.Lock()
	m := h.subs[topic]
	if m == nil {
		m = make(map[*Subscription[T]]struct{})
		h.subs[topic] = m
	}
	m[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub[T]) unsubscribe(sub *Subscription[T]) {
	h.mu.Lock()
	if m := h.subs[sub.topic]; m != nil {
		delete(m, sub)
		if len(m) == 0 {
			delete(h.subs, sub.topic)
		}
	}
	h.mu.Unlock()
}

// Subscription is a single-slot mailbox attached to a hub topic.
type Subscription[T any] struct {
	hub   *Hub[T]
	topic string

	mu      sync.Mutex
	cond    *sync.Cond
	value   T
	pending bool
	closed  bool
	drops   uint64
}

func (s *Subscription[T]) put(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pending {
		s.drops++
	}
	s.value = v
	s.pending = true
	s.cond.Signal()
	s.mu.Unlock()
}

// Next blocks until a value is available or the subscription is closed.
// The second return is false once closed and no value remains.
func (s *Subscription[T]) Next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.pending && !s.closed {
		s.cond.Wait()
	}
	if !s.pending {
		var zero T
		return zero, false
	}
	v := s.value
	s.pending = false
	return v, true
}

// Drops reports how many published values were overwritten before this
// subscriber consumed them.
func (s *Subscription[T]) Drops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// Close detaches the subscription from its hub and unblocks Next.
// Closing twice is harmless.
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.hub.unsubscribe(s)
}
