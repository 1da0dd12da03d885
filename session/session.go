// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

// Package session owns one device connection. Every exchange with the device
// goes through the session's intent queue, so two commands never overlap on
// the link. The session publishes the device state on a replaying stream and
// keeps it fresh with a background refresher.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	ledger "github.com/luxfi/ledger-dmk"
	"github.com/luxfi/ledger-dmk/command"
	"github.com/luxfi/ledger-dmk/intentqueue"
	"github.com/luxfi/ledger-dmk/internal/syncutil"
)

// SendApduOptions tunes one SendApdu call.
type SendApduOptions struct {
	// IsPolling marks refresher traffic, which does not flag the device busy.
	IsPolling bool
	// TriggersDisconnection makes the call wait for the device to reconnect
	// after a successful answer.
	TriggersDisconnection bool
	// AbortTimeout cancels the call, queue time included. Zero disables it.
	AbortTimeout time.Duration
}

// Option configures a Session.
type Option func(*options)

type options struct {
	id                string
	log               *zap.SugaredLogger
	refreshInterval   time.Duration
	refresherDisabled bool
	model             ledger.DeviceModelID
	deviceName        string
	queue             *intentqueue.Queue
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithLogger overrides the component logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

// WithRefreshInterval sets the refresher period.
func WithRefreshInterval(interval time.Duration) Option {
	return func(o *options) { o.refreshInterval = interval }
}

// WithRefresherDisabled replaces periodic polling with a single ping on Start.
func WithRefresherDisabled(disabled bool) Option {
	return func(o *options) { o.refresherDisabled = disabled }
}

// WithDeviceModel records the model of the connected device.
func WithDeviceModel(model ledger.DeviceModelID) Option {
	return func(o *options) { o.model = model }
}

// WithDeviceName records the advertised name of the device.
func WithDeviceName(name string) Option {
	return func(o *options) { o.deviceName = name }
}

// WithQueue makes the session use an existing queue.
func WithQueue(queue *intentqueue.Queue) Option {
	return func(o *options) { o.queue = queue }
}

// Session is a logical session with one connected device.
type Session struct {
	id        string
	log       *zap.SugaredLogger
	conn      ledger.DeviceConnection
	queue     *intentqueue.Queue
	state     *StateStream
	refresher *Refresher
	opts      options

	// exchanges numbers every exchange; only the latest may publish its
	// outcome.
	exchanges atomic.Uint64

	mu       syncutil.Mutex
	disabled map[string]int
	started  bool
	closed   bool
}

// New creates a session in the Connected state. Call Start to begin
// refreshing.
func New(conn ledger.DeviceConnection, opts ...Option) *Session {
	o := options{
		log:             ledger.Logger("session"),
		refreshInterval: DefaultRefreshInterval,
		model:           ledger.DeviceModelUnknown,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	log := o.log.With("session", o.id)
	if o.queue == nil {
		o.queue = intentqueue.New(intentqueue.WithLogger(log))
	}

	s := &Session{
		id:    o.id,
		log:   log,
		conn:  conn,
		queue: o.queue,
		state: NewStateStream(State{
			Type:          StateConnected,
			Status:        StatusConnected,
			DeviceModelID: o.model,
			DeviceName:    o.deviceName,
		}, log),
		opts:     o,
		disabled: make(map[string]int),
	}
	s.refresher = newRefresher(log.Named("refresher"), o.refreshInterval, s.state, s.pollAppAndVersion)
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	return s.state.Get()
}

// StateStream returns the replaying state stream.
func (s *Session) StateStream() *StateStream {
	return s.state
}

// Refresher returns the session's refresher.
func (s *Session) Refresher() *Refresher {
	return s.refresher
}

// Start begins refreshing the device state. With the refresher disabled it
// pings the device once instead and reports the ping failure.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ledger.ErrSessionClosed
	}
	s.started = true
	paused := len(s.disabled) > 0
	s.mu.Unlock()

	if !s.opts.refresherDisabled {
		if !paused {
			s.refresher.Start()
		}
		return nil
	}
	app, err := SendCommand[command.AppAndVersion](ctx, s, command.GetAppAndVersion{})
	if err != nil {
		s.log.Errorw("Error while initialising session", "error", err)
		return err
	}
	s.setCurrentApp(app)
	return nil
}

// SendApdu queues apdu and waits for its response.
func (s *Session) SendApdu(ctx context.Context, apdu []byte, opts SendApduOptions) (ledger.ApduResponse, error) {
	handle := intentqueue.Enqueue(s.queue, intentqueue.TypeSendApdu,
		func(ctx context.Context, emit func(ledger.ApduResponse)) error {
			response, err := s.exchange(ctx, apdu, opts.IsPolling, opts.TriggersDisconnection)
			if err != nil {
				return err
			}
			emit(response)
			return nil
		})
	return await(ctx, handle, opts.AbortTimeout, ledger.ErrSendApduTimeout)
}

// CommandOption tunes one SendCommand call.
type CommandOption func(*commandOptions)

type commandOptions struct {
	abortTimeout time.Duration
}

// WithAbortTimeout cancels the command after timeout, queue time included.
func WithAbortTimeout(timeout time.Duration) CommandOption {
	return func(o *commandOptions) { o.abortTimeout = timeout }
}

// SendCommand queues cmd on s and returns its parsed response.
func SendCommand[T any](ctx context.Context, s *Session, cmd command.Command[T], opts ...CommandOption) (T, error) {
	var o commandOptions
	for _, opt := range opts {
		opt(&o)
	}
	s.log.Debugf("[sendCommand] %s", cmd.Name())
	return sendCommand(ctx, s, cmd, false, o.abortTimeout)
}

func sendCommand[T any](ctx context.Context, s *Session, cmd command.Command[T], polling bool, abortTimeout time.Duration) (T, error) {
	handle := intentqueue.Enqueue(s.queue, intentqueue.TypeSendCommand,
		func(ctx context.Context, emit func(T)) error {
			result, err := runCommand(ctx, s.internal(polling), cmd)
			if err != nil {
				return err
			}
			emit(result)
			return nil
		})
	return await(ctx, handle, abortTimeout, ledger.ErrSendCommandTimeout)
}

func (s *Session) pollAppAndVersion(ctx context.Context) (command.AppAndVersion, error) {
	return sendCommand[command.AppAndVersion](ctx, s, command.GetAppAndVersion{}, true, 0)
}

// await waits for the last value of handle. On timeout or caller
// cancellation the intent is cancelled.
func await[T any](ctx context.Context, handle *intentqueue.Handle[T], timeout time.Duration, timeoutErr error) (T, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	value, err := handle.Stream.Last(waitCtx)
	if err == nil {
		return value, nil
	}
	if waitCtx.Err() != nil {
		handle.Cancel()
		if ctx.Err() == nil {
			return value, timeoutErr
		}
		return value, ctx.Err()
	}
	if errors.Is(err, intentqueue.ErrQueueClosed) {
		return value, ledger.ErrSessionClosed
	}
	return value, err
}

// exchange sends apdu on the connection. It must only run from inside a
// queued intent.
func (s *Session) exchange(ctx context.Context, apdu []byte, polling, triggersDisconnection bool) (ledger.ApduResponse, error) {
	token := s.exchanges.Add(1)
	if !polling {
		s.setStatus(StatusBusy)
	}
	s.log.Debugf("=> %x", apdu)
	response, err := s.conn.SendApdu(ctx, apdu, triggersDisconnection)
	if err != nil {
		s.log.Debugw("Exchange failed", "error", err)
		s.settle(token, StatusConnected)
		return ledger.ApduResponse{}, err
	}
	s.log.Debugf("<= %s", response)
	if ledger.IsLockedDeviceResponse(response) {
		s.settle(token, StatusLocked)
	} else {
		s.settle(token, StatusConnected)
	}
	return response, nil
}

// settle publishes the outcome of exchange token unless a later exchange
// started meanwhile, as happens when a cancelled intent returns late.
func (s *Session) settle(token uint64, status DeviceStatus) {
	s.state.Update(func(st State) State {
		if s.exchanges.Load() == token {
			st.Status = status
		}
		return st
	})
	s.refresher.SetDeviceStatus(status)
}

func (s *Session) setStatus(status DeviceStatus) {
	s.state.Update(func(st State) State {
		st.Status = status
		return st
	})
	s.refresher.SetDeviceStatus(status)
}

func (s *Session) setCurrentApp(app command.AppAndVersion) {
	s.state.Update(func(st State) State {
		st.Type = StateReadyWithoutSecureChannel
		st.CurrentApp = &app
		if st.InstalledApps == nil {
			st.InstalledApps = []Application{}
		}
		return st
	})
}

// DisableRefresher pauses the refresher until every returned restore
// function has been called. reason identifies the caller in logs.
func (s *Session) DisableRefresher(reason string) (restore func()) {
	s.mu.Lock()
	s.disabled[reason]++
	first := len(s.disabled) == 1 && s.disabled[reason] == 1
	s.mu.Unlock()

	s.log.Debugw("Refresher disabled", "reason", reason)
	if first {
		s.refresher.Stop()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.disabled[reason]--
			if s.disabled[reason] <= 0 {
				delete(s.disabled, reason)
			}
			resume := len(s.disabled) == 0 && s.started && !s.closed && !s.opts.refresherDisabled
			s.mu.Unlock()

			s.log.Debugw("Refresher restored", "reason", reason)
			if resume {
				s.refresher.Start()
			}
		})
	}
}

// Close marks the device not connected, stops the refresher, cancels
// pending intents and completes the state stream.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.setStatus(StatusNotConnected)
	s.queue.Close()
	s.state.Close()
	s.log.Info("Session closed")
	return nil
}
