// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package intentqueue

import (
	"context"
	"errors"

	"github.com/luxfi/ledger-dmk/internal/syncutil"
)

// ErrNoValue is returned by Stream.Last when the intent completed without
// emitting anything.
var ErrNoValue = errors.New("stream completed without a value")

const streamBuffer = 16

// Stream carries the values one intent emits. Values is closed when the
// intent completes, fails or is cancelled; Err then reports why.
// Consumers must drain Values (or call Last) or the intent blocks once the
// buffer is full.
type Stream[T any] struct {
	mu     syncutil.Mutex
	sendMu syncutil.Mutex // held by emit while sending; values closes under it
	values chan T
	done   chan struct{}
	closed bool
	err    error
}

func newStream[T any]() *Stream[T] {
	return &Stream[T]{
		values: make(chan T, streamBuffer),
		done:   make(chan struct{}),
	}
}

// Values returns the channel of emitted values.
func (s *Stream[T]) Values() <-chan T {
	return s.values
}

// Done is closed when the stream completes.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the completion error, nil while running or on success.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Last drains the stream and returns its final value.
func (s *Stream[T]) Last(ctx context.Context) (T, error) {
	var (
		last T
		zero T
		has  bool
	)
	for {
		select {
		case v, ok := <-s.values:
			if !ok {
				if err := s.Err(); err != nil {
					return zero, err
				}
				if !has {
					return zero, ErrNoValue
				}
				return last, nil
			}
			last, has = v, true
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// emit forwards v unless the stream is complete or ctx is cancelled. It
// blocks on a full buffer without holding mu, so Err stays readable.
func (s *Stream[T]) emit(ctx context.Context, v T) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.values <- v:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

func (s *Stream[T]) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	s.mu.Unlock()

	s.sendMu.Lock()
	close(s.values)
	s.sendMu.Unlock()
}
