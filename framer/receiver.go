// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package framer

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	ledger "github.com/luxfi/ledger-dmk"
)

// Receiver reassembles frames into a complete ApduResponse. It is purely
// reactive and not safe for concurrent use; the owning connection feeds it
// from a single receive path.
type Receiver struct {
	log      *zap.SugaredLogger
	channel  []byte
	pending  []Frame
	dataSize int
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithReceiverChannel makes the receiver skip a two byte channel prefix.
func WithReceiverChannel(channel []byte) ReceiverOption {
	return func(r *Receiver) { r.channel = lastBytes(channel, ChannelLength) }
}

// WithReceiverLogger overrides the component logger.
func WithReceiverLogger(log *zap.SugaredLogger) ReceiverOption {
	return func(r *Receiver) { r.log = log }
}

// NewReceiver creates a Receiver.
func NewReceiver(opts ...ReceiverOption) *Receiver {
	r := &Receiver{log: ledger.Logger("framer")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleFrame consumes one raw frame. It returns a nil response and a nil
// error while more frames are needed, and the response on the frame that
// completes it.
func (r *Receiver) HandleFrame(raw []byte) (*ledger.ApduResponse, error) {
	header, err := parseHeader(raw, len(r.channel))
	if err != nil {
		return nil, err
	}

	if header.HeadTag != HeadTag {
		r.Reset()
		return nil, ledger.NewReceiverApduError(fmt.Sprintf("unexpected head tag %02x", header.HeadTag))
	}
	if !bytes.Equal(header.Channel, r.channel) {
		r.Reset()
		return nil, ledger.NewReceiverApduError(fmt.Sprintf("unexpected channel %x", header.Channel))
	}
	if header.Index != 0 && len(r.pending) == 0 {
		return nil, ledger.NewReceiverApduError("")
	}
	if header.Index != 0 && int(header.Index) != len(r.pending) {
		expected := len(r.pending)
		r.Reset()
		return nil, ledger.NewReceiverApduError(fmt.Sprintf("frame index %d, expected %d", header.Index, expected))
	}
	if header.Index == 0 {
		if len(r.pending) > 0 {
			r.log.Debugw("Dropping incomplete response", "frames", len(r.pending))
		}
		r.pending = r.pending[:0]
		r.dataSize = int(header.DataSize)
	}

	data := append([]byte(nil), raw[header.Length():]...)
	r.pending = append(r.pending, Frame{Header: header, Data: data})

	var payload []byte
	for _, frame := range r.pending {
		payload = append(payload, frame.Data...)
	}
	if len(payload) < r.dataSize {
		return nil, nil
	}

	size := r.dataSize
	r.Reset()
	response, err := ledger.NewApduResponse(payload[:size])
	if err != nil {
		return nil, ledger.NewReceiverApduError(err.Error())
	}
	return &response, nil
}

// Pending returns the number of frames accumulated for the current response.
func (r *Receiver) Pending() int {
	return len(r.pending)
}

// Reset drops any partially received response.
func (r *Receiver) Reset() {
	r.pending = nil
	r.dataSize = 0
}
