// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package session

import (
	"go.uber.org/zap"

	"github.com/luxfi/ledger-dmk/internal/syncutil"
)

// StateStream holds the current State and fans every change out to its
// subscribers. A new subscriber first receives the current value. A slow
// subscriber misses intermediate states but always gets the latest one.
type StateStream struct {
	mu      syncutil.Mutex
	log     *zap.SugaredLogger
	current State
	subs    map[chan State]struct{}
	closed  bool
}

// NewStateStream returns a stream holding initial.
func NewStateStream(initial State, log *zap.SugaredLogger) *StateStream {
	return &StateStream{
		log:     log,
		current: initial.clone(),
		subs:    make(map[chan State]struct{}),
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel
// function. The channel is closed by cancel or when the stream closes.
func (s *StateStream) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- s.current.clone()
	s.subs[ch] = struct{}{}
	s.log.Debugw("State subscriber added", "subs", len(s.subs))

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; !ok {
			return
		}
		delete(s.subs, ch)
		close(ch)
	}
}

// Get returns the current state.
func (s *StateStream) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Set publishes state. It is ignored once the stream is closed.
func (s *StateStream) Set(state State) {
	s.Update(func(State) State { return state })
}

// Update publishes fn applied to the current state and returns the result.
func (s *StateStream) Update(fn func(State) State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.current.clone()
	}
	s.current = fn(s.current.clone()).clone()
	for ch := range s.subs {
		publish(ch, s.current.clone())
	}
	return s.current.clone()
}

// publish replaces an unread value with state. Only the stream sends on ch,
// under its lock, so the second send cannot block.
func publish(ch chan State, state State) {
	select {
	case ch <- state:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- state
}

// Close completes the stream. Subscribers see their channel closed.
func (s *StateStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

// Closed reports whether Close was called.
func (s *StateStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
