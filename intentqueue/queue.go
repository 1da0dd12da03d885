// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

// Package intentqueue runs units of work one at a time, in the order they
// were enqueued. It is the only path from a session to its device link.
package intentqueue

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	ledger "github.com/luxfi/ledger-dmk"
	"github.com/luxfi/ledger-dmk/internal/syncutil"
)

// ErrQueueClosed completes intents enqueued on, or pending in, a closed
// queue.
var ErrQueueClosed = errors.New("intent queue closed")

// Type tags the kind of work an intent performs.
type Type string

const (
	TypeDeviceAction Type = "device-action"
	TypeSendApdu     Type = "send-apdu"
	TypeSendCommand  Type = "send-command"
)

// Handle is returned by Enqueue. Cancel is safe to call any number of times.
type Handle[T any] struct {
	Stream *Stream[T]
	Cancel func()
}

type item struct {
	id        uint64
	typ       Type
	execute   func(ctx context.Context) error
	finish    func(err error)
	cancelled bool
	done      bool
	stop      context.CancelFunc
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger overrides the component logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(q *Queue) { q.log = log }
}

// Queue is a single-flight FIFO executor.
type Queue struct {
	mu      syncutil.Mutex
	log     *zap.SugaredLogger
	ctx     context.Context
	stop    context.CancelFunc
	items   []*item
	running *item
	nextID  uint64
	closed  bool
}

// New returns an idle queue.
func New(opts ...Option) *Queue {
	ctx, stop := context.WithCancel(context.Background())
	q := &Queue{
		log:  ledger.Logger("intentqueue"),
		ctx:  ctx,
		stop: stop,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends an intent. exec runs once the intent reaches the head of
// the queue; every value it passes to emit is forwarded to the returned
// stream. ctx is cancelled when the intent is cancelled.
func Enqueue[T any](q *Queue, typ Type, exec func(ctx context.Context, emit func(T)) error) *Handle[T] {
	stream := newStream[T]()
	it := &item{typ: typ, finish: stream.finish}
	it.execute = func(ctx context.Context) error {
		return exec(ctx, func(v T) { stream.emit(ctx, v) })
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		stream.finish(ErrQueueClosed)
		return &Handle[T]{Stream: stream, Cancel: func() {}}
	}
	q.nextID++
	it.id = q.nextID
	q.items = append(q.items, it)
	q.log.Debugw("Intent enqueued", "id", it.id, "type", typ, "pending", len(q.items))
	q.processLocked()
	return &Handle[T]{Stream: stream, Cancel: func() { q.cancel(it) }}
}

// Len returns the number of intents queued or running.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close cancels the running intent and completes every pending one with
// ErrQueueClosed. Later enqueues complete immediately.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.stop()
	for _, it := range q.items {
		it.done = true
		it.finish(ErrQueueClosed)
	}
	q.items = nil
	q.running = nil
}

// processLocked starts the head intent if nothing is running, discarding
// cancelled intents on the way.
func (q *Queue) processLocked() {
	for q.running == nil && len(q.items) > 0 {
		head := q.items[0]
		if head.cancelled {
			q.items = q.items[1:]
			head.done = true
			q.log.Debugw("Skipping cancelled intent", "id", head.id, "type", head.typ)
			head.finish(context.Canceled)
			continue
		}
		q.start(head)
	}
}

func (q *Queue) start(it *item) {
	ctx, stop := context.WithCancel(q.ctx)
	it.stop = stop
	q.running = it
	q.log.Debugw("Executing intent", "id", it.id, "type", it.typ)
	go func() {
		err := it.execute(ctx)
		q.complete(it, err)
	}()
}

func (q *Queue) complete(it *item, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it.stop()
	if it.done {
		return
	}
	if err != nil {
		q.log.Debugw("Intent failed", "id", it.id, "type", it.typ, "error", err)
	}
	q.retireLocked(it, err)
}

func (q *Queue) cancel(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.done || it.cancelled {
		return
	}
	if q.running != it {
		it.cancelled = true
		q.log.Debugw("Intent cancelled while queued", "id", it.id, "type", it.typ)
		return
	}
	it.stop()
	q.log.Debugw("Running intent cancelled", "id", it.id, "type", it.typ)
	q.retireLocked(it, context.Canceled)
}

// retireLocked completes the running intent and moves on to the next one.
func (q *Queue) retireLocked(it *item, err error) {
	it.done = true
	q.running = nil
	q.items = slices.DeleteFunc(q.items, func(other *item) bool { return other == it })
	it.finish(err)
	q.processLocked()
}
