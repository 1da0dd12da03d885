// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

// Package transport holds the connection adapter shared by the physical
// transports. It turns "write a frame / a frame arrived" into
// "send an APDU, get its response" and handles the short disconnection a
// device goes through when a command makes it switch applications.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	ledger "github.com/luxfi/ledger-dmk"
	"github.com/luxfi/ledger-dmk/framer"
	"github.com/luxfi/ledger-dmk/internal/syncutil"
)

// DefaultReconnectTimeout bounds the wait for a device to come back after a
// disconnection (RECONNECT_DEVICE_TIMEOUT).
const DefaultReconnectTimeout = 5 * time.Second

// Link writes one raw frame to the physical medium.
type Link interface {
	WriteFrame(ctx context.Context, frame []byte) error
}

// LinkFunc adapts a function to Link.
type LinkFunc func(ctx context.Context, frame []byte) error

func (f LinkFunc) WriteFrame(ctx context.Context, frame []byte) error {
	return f(ctx, frame)
}

// Options configures an Adapter.
type Options struct {
	Logger *zap.SugaredLogger
	// OnTerminated runs once when the connection is terminated.
	OnTerminated func()
	// ReconnectTimeout defaults to DefaultReconnectTimeout.
	ReconnectTimeout time.Duration
	// AbortOnWriteError fails the send on the first frame the link refuses.
	// When false the failure is logged and the remaining frames are sent.
	AbortOnWriteError bool
}

type result struct {
	err      error
	response ledger.ApduResponse
}

// reconnection is a one-shot signal. It is taken out of the adapter when
// resolved so it can never be resolved twice.
type reconnection struct {
	done chan struct{}
	err  error
}

func (r *reconnection) resolve(err error) {
	r.err = err
	close(r.done)
}

// Adapter is the connection core embedded by the BLE and HID connections.
// Frames of two sends never interleave on the link, but responses are
// matched to the latest send, so callers keep one SendApdu in flight; the
// intent queue above it does.
type Adapter struct {
	mu       syncutil.Mutex
	writeMu  syncutil.Mutex
	log      *zap.SugaredLogger
	link     Link
	sender   *framer.Sender
	receiver *framer.Receiver
	machine  *fsm.FSM
	opts     Options

	response     chan result
	reconnection *reconnection
	lostTimer    *time.Timer
}

// NewAdapter creates an adapter in the not-ready state.
func NewAdapter(link Link, sender *framer.Sender, receiver *framer.Receiver, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = ledger.Logger("transport")
	}
	if opts.ReconnectTimeout <= 0 {
		opts.ReconnectTimeout = DefaultReconnectTimeout
	}
	return &Adapter{
		log:      opts.Logger,
		link:     link,
		sender:   sender,
		receiver: receiver,
		machine:  newStateMachine(opts.Logger),
		opts:     opts,
	}
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current()
}

func (a *Adapter) current() State {
	return State(a.machine.Current())
}

// IsReady reports whether APDUs can be sent.
func (a *Adapter) IsReady() bool {
	return a.State() == StateReady
}

// FrameSize returns the negotiated frame size, 0 before negotiation.
func (a *Adapter) FrameSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sender.FrameSize()
}

// Negotiating records that a negotiation request went out.
func (a *Adapter) Negotiating() {
	a.mu.Lock()
	defer a.mu.Unlock()
	fire(a.machine, eventNegotiate)
}

// MarkReady completes negotiation. A positive frameSize reconfigures the
// sender. A pending reconnection is resolved successfully.
func (a *Adapter) MarkReady(frameSize int) {
	a.mu.Lock()
	if a.current() == StateTerminated {
		a.mu.Unlock()
		return
	}
	if frameSize > 0 {
		a.sender.SetFrameSize(frameSize)
	}
	a.log.Debugw("Connection ready", "frameSize", frameSize)
	fire(a.machine, eventReady)
	a.stopLostTimerLocked()
	pending := a.reconnection
	a.reconnection = nil
	if pending != nil {
		a.log.Info("Device reconnected")
	}
	a.mu.Unlock()

	if pending != nil {
		pending.resolve(nil)
	}
}

// HandleFrame feeds one received frame to the codec. A completed response
// or a framing error settles the pending SendApdu.
func (a *Adapter) HandleFrame(raw []byte) {
	a.log.Debugw("Received frame", "frame", raw)

	a.mu.Lock()
	response, err := a.receiver.HandleFrame(raw)
	if err == nil && response == nil {
		a.mu.Unlock()
		return
	}
	slot := a.response
	a.response = nil
	a.mu.Unlock()

	if slot == nil {
		a.log.Warnw("Dropping response with no pending request", "error", err)
		return
	}
	if err != nil {
		slot <- result{err: err}
		return
	}
	a.log.Debugf("<= %s", response)
	slot <- result{response: *response}
}

// LostConnection records a transient link drop and starts the reconnection
// timer. If the device does not come back in time the connection is
// terminated.
func (a *Adapter) LostConnection() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current() == StateTerminated {
		return
	}
	fire(a.machine, eventLose)
	a.receiver.Reset()
	a.stopLostTimerLocked()
	a.lostTimer = time.AfterFunc(a.opts.ReconnectTimeout, func() {
		a.log.Info("Disconnection timeout, terminating connection")
		a.Disconnect()
	})
	a.log.Info("Lost connection, starting timer")
}

// Reconnecting swaps in the link of the reconnected device. A request still
// waiting for the old link's answer is failed. It returns false once the
// connection is terminated.
func (a *Adapter) Reconnecting(link Link) bool {
	a.mu.Lock()
	if a.current() == StateTerminated {
		a.mu.Unlock()
		return false
	}
	if link != nil {
		a.link = link
	}
	a.stopLostTimerLocked()
	a.receiver.Reset()
	if a.current() == StateReady {
		fire(a.machine, eventLose)
	}
	slot := a.response
	a.response = nil
	a.mu.Unlock()

	if slot != nil {
		slot <- result{err: ledger.NewSendReportError(errors.New("device disconnected while waiting for device response"))}
	}
	return true
}

// Disconnect terminates the connection. A pending reconnection fails with
// ErrReconnectionFailed and a pending response with ErrConnectionClosed.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.current() == StateTerminated {
		a.mu.Unlock()
		return
	}
	fire(a.machine, eventTerminate)
	a.stopLostTimerLocked()
	pending := a.reconnection
	a.reconnection = nil
	slot := a.response
	a.response = nil
	a.log.Info("Disconnect")
	a.mu.Unlock()

	if slot != nil {
		slot <- result{err: &ledger.DeviceError{Kind: ledger.ErrConnectionClosed, Op: "sendApdu"}}
	}
	if pending != nil {
		pending.resolve(ledger.NewReconnectionFailedError("connection terminated"))
	}
	if a.opts.OnTerminated != nil {
		a.opts.OnTerminated()
	}
}

// SendApdu frames apdu, writes the frames in order and waits for the
// response. With triggersDisconnection set, a successful response is only
// returned once the device has reconnected.
func (a *Adapter) SendApdu(ctx context.Context, apdu []byte, triggersDisconnection bool) (ledger.ApduResponse, error) {
	a.mu.Lock()
	switch a.current() {
	case StateTerminated:
		a.mu.Unlock()
		return ledger.ApduResponse{}, ledger.NewReconnectionFailedError("connection terminated")
	case StateAwaitingReconnection:
		wait := a.reconnectionLocked()
		a.mu.Unlock()
		a.log.Debug("Waiting for reconnection before sending")
		if err := a.awaitReconnection(ctx, wait); err != nil {
			return ledger.ApduResponse{}, err
		}
		a.mu.Lock()
	}

	if a.current() != StateReady {
		a.mu.Unlock()
		return ledger.ApduResponse{}, ledger.NewDeviceNotInitializedError("Unknown MTU")
	}
	frames, err := a.sender.GetFrames(apdu)
	if err != nil {
		a.mu.Unlock()
		return ledger.ApduResponse{}, err
	}
	slot := make(chan result, 1)
	a.response = slot
	var wait *reconnection
	if triggersDisconnection {
		wait = a.reconnectionLocked()
	}
	link := a.link
	a.mu.Unlock()

	a.log.Debugf("=> %x", apdu)
	if err := a.writeFrames(ctx, link, frames); err != nil {
		a.release(slot, wait)
		return ledger.ApduResponse{}, err
	}

	var res result
	select {
	case res = <-slot:
	case <-ctx.Done():
		a.release(slot, wait)
		return ledger.ApduResponse{}, ctx.Err()
	}
	if res.err != nil {
		a.release(nil, wait)
		return ledger.ApduResponse{}, res.err
	}
	if !triggersDisconnection || !ledger.IsSuccessResponse(res.response) {
		a.release(nil, wait)
		return res.response, nil
	}

	a.log.Debug("Waiting for the device to reconnect")
	if err := a.awaitReconnection(ctx, wait); err != nil {
		return ledger.ApduResponse{}, err
	}
	return res.response, nil
}

// writeFrames writes frames in order, holding the link for the whole APDU.
// Once ctx is done no further frame is written; a write already in progress
// is left to finish.
func (a *Adapter) writeFrames(ctx context.Context, link Link, frames []framer.Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			a.log.Debugw("Send cancelled", "written", i, "frames", len(frames))
			return err
		}
		if err := link.WriteFrame(ctx, frame.RawData()); err != nil {
			a.log.Errorw("Error sending frame", "index", i, "error", err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if a.opts.AbortOnWriteError {
				return ledger.NewSendReportError(err)
			}
		}
	}
	return nil
}

func (a *Adapter) reconnectionLocked() *reconnection {
	if a.reconnection == nil {
		a.reconnection = &reconnection{done: make(chan struct{})}
	}
	return a.reconnection
}

// release clears the slots a finished SendApdu no longer needs.
func (a *Adapter) release(slot chan result, wait *reconnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slot != nil && a.response == slot {
		a.response = nil
	}
	if wait != nil && a.reconnection == wait {
		a.reconnection = nil
	}
}

func (a *Adapter) awaitReconnection(ctx context.Context, wait *reconnection) error {
	timer := time.NewTimer(a.opts.ReconnectTimeout)
	defer timer.Stop()

	select {
	case <-wait.done:
		return wait.err
	case <-timer.C:
		a.release(nil, wait)
		return ledger.NewReconnectionFailedError("timeout waiting for the device to reconnect")
	case <-ctx.Done():
		a.release(nil, wait)
		return ctx.Err()
	}
}

func (a *Adapter) stopLostTimerLocked() {
	if a.lostTimer != nil {
		a.lostTimer.Stop()
		a.lostTimer = nil
	}
}
