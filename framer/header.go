// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

// Package framer splits APDUs into link-sized frames and reassembles
// device answers from them.
//
// Wire layout, big-endian:
//
//	[channel:0|2][tag:1][index:2][dataSize:2, first frame only][payload]
package framer

import (
	"encoding/binary"

	ledger "github.com/luxfi/ledger-dmk"
)

const (
	// HeadTag marks an APDU frame (TAG_APDU).
	HeadTag byte = 0x05

	HeadTagLength  = 1
	ChannelLength  = 2
	IndexLength    = 2
	DataSizeLength = 2

	// MaxApduLength is the largest payload a dataSize field can announce.
	MaxApduLength = 0xFFFF
)

// FrameHeader is the prefix of every frame.
type FrameHeader struct {
	Channel     []byte
	HeadTag     byte
	Index       uint16
	DataSize    uint16
	HasDataSize bool
}

// HeaderLength returns the header size of the frame at index for a framer
// with or without a channel.
func HeaderLength(withChannel bool, index uint16) int {
	n := HeadTagLength + IndexLength
	if withChannel {
		n += ChannelLength
	}
	if index == 0 {
		n += DataSizeLength
	}
	return n
}

// Length is the byte length of the header itself.
func (h FrameHeader) Length() int {
	n := len(h.Channel) + HeadTagLength + IndexLength
	if h.HasDataSize {
		n += DataSizeLength
	}
	return n
}

// Bytes encodes the header.
func (h FrameHeader) Bytes() []byte {
	out := make([]byte, 0, h.Length())
	out = append(out, h.Channel...)
	out = append(out, h.HeadTag)
	out = binary.BigEndian.AppendUint16(out, h.Index)
	if h.HasDataSize {
		out = binary.BigEndian.AppendUint16(out, h.DataSize)
	}
	return out
}

// parseHeader decodes the header at the start of raw. channelLength is 0 for
// links without a channel.
func parseHeader(raw []byte, channelLength int) (FrameHeader, error) {
	offset := channelLength
	if len(raw) < offset+HeadTagLength+IndexLength {
		return FrameHeader{}, ledger.NewReceiverApduError("Unable to parse header from apdu")
	}

	var header FrameHeader
	if channelLength > 0 {
		header.Channel = append([]byte(nil), raw[:channelLength]...)
	}
	header.HeadTag = raw[offset]
	offset += HeadTagLength
	header.Index = binary.BigEndian.Uint16(raw[offset:])
	offset += IndexLength

	if header.Index == 0 {
		if len(raw) < offset+DataSizeLength {
			return FrameHeader{}, ledger.NewReceiverApduError("Unable to parse header from apdu")
		}
		header.DataSize = binary.BigEndian.Uint16(raw[offset:])
		header.HasDataSize = true
	}
	return header, nil
}
