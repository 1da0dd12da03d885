// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package ledger

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	// Framing errors
	ErrReceiverApdu   = errors.New("receiver apdu error")
	ErrFrameSizeUnset = errors.New("frame size unset")
	ErrFrameTooSmall  = errors.New("frame size smaller than header")

	// Connection errors
	ErrDeviceNotInitialized = errors.New("device not initialized")
	ErrReconnectionFailed   = errors.New("reconnection failed")
	ErrSendReport           = errors.New("send report failed")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrDeviceNotFound       = errors.New("device not found")

	// Session errors
	ErrSendApduTimeout    = errors.New("send apdu timeout")
	ErrSendCommandTimeout = errors.New("send command timeout")
	ErrSessionClosed      = errors.New("session closed")
)

// DeviceError wraps one of the error kinds above with the failing operation
// and an optional cause.
type DeviceError struct {
	Kind error
	Err  error
	Op   string
	Msg  string
}

func (e *DeviceError) Error() string {
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewReceiverApduError reports a malformed or out-of-sequence frame.
func NewReceiverApduError(msg string) error {
	return &DeviceError{Kind: ErrReceiverApdu, Op: "handleFrame", Msg: msg}
}

// NewDeviceNotInitializedError reports a send attempted before negotiation.
func NewDeviceNotInitializedError(msg string) error {
	return &DeviceError{Kind: ErrDeviceNotInitialized, Op: "sendApdu", Msg: msg}
}

// NewReconnectionFailedError reports a reconnection that never happened.
func NewReconnectionFailedError(msg string) error {
	return &DeviceError{Kind: ErrReconnectionFailed, Op: "reconnect", Msg: msg}
}

// NewSendReportError reports a frame the physical link refused.
func NewSendReportError(err error) error {
	return &DeviceError{Kind: ErrSendReport, Op: "sendReport", Err: err}
}
