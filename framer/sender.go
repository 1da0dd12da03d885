// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package framer

import (
	"fmt"

	"go.uber.org/zap"

	ledger "github.com/luxfi/ledger-dmk"
)

// Sender turns an APDU into the sequence of frames the link can carry.
type Sender struct {
	log       *zap.SugaredLogger
	channel   []byte
	frameSize int
	padding   bool
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithFrameSize sets the size of every frame, header included.
func WithFrameSize(size int) SenderOption {
	return func(s *Sender) { s.frameSize = size }
}

// WithChannel prefixes every frame with the last two bytes of channel.
func WithChannel(channel []byte) SenderOption {
	return func(s *Sender) { s.channel = lastBytes(channel, ChannelLength) }
}

// WithPadding zero-fills every frame up to the frame size (USB-HID reports).
func WithPadding(padding bool) SenderOption {
	return func(s *Sender) { s.padding = padding }
}

// WithSenderLogger overrides the component logger.
func WithSenderLogger(log *zap.SugaredLogger) SenderOption {
	return func(s *Sender) { s.log = log }
}

// NewSender creates a Sender. Without WithFrameSize, GetFrames fails until
// SetFrameSize is called.
func NewSender(opts ...SenderOption) *Sender {
	s := &Sender{log: ledger.Logger("framer")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFrameSize changes the chunking size once the link negotiated it.
func (s *Sender) SetFrameSize(size int) {
	s.frameSize = size
}

// FrameSize returns the configured frame size, 0 when unset.
func (s *Sender) FrameSize() int {
	return s.frameSize
}

// GetFrames splits apdu into ordered frames. Only frame 0 carries the total
// APDU length.
func (s *Sender) GetFrames(apdu []byte) ([]Frame, error) {
	if s.frameSize <= 0 {
		return nil, ledger.ErrFrameSizeUnset
	}
	if len(apdu) > MaxApduLength {
		return nil, fmt.Errorf("apdu of %d bytes exceeds %d", len(apdu), MaxApduLength)
	}
	if first := HeaderLength(s.channel != nil, 0); first >= s.frameSize {
		return nil, fmt.Errorf("%w: header %d, frame %d", ledger.ErrFrameTooSmall, first, s.frameSize)
	}

	var frames []Frame
	offset := 0
	for index := uint16(0); ; index++ {
		header := s.header(index, len(apdu))
		capacity := s.frameSize - header.Length()
		end := min(offset+capacity, len(apdu))

		size := end - offset
		if s.padding {
			size = capacity
		}
		data := make([]byte, size)
		copy(data, apdu[offset:end])
		frames = append(frames, Frame{Header: header, Data: data})

		offset = end
		if offset >= len(apdu) {
			break
		}
	}

	s.log.Debugw("Frames parsed", "count", len(frames), "frameSize", s.frameSize)
	return frames, nil
}

func (s *Sender) header(index uint16, apduLength int) FrameHeader {
	header := FrameHeader{
		Channel: s.channel,
		HeadTag: HeadTag,
		Index:   index,
	}
	if index == 0 {
		header.DataSize = uint16(apduLength)
		header.HasDataSize = true
	}
	return header
}

func lastBytes(b []byte, n int) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	if len(b) >= n {
		copy(out, b[len(b)-n:])
	} else {
		copy(out[n-len(b):], b)
	}
	return out
}
