// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package ledger

import (
	"encoding/binary"
	"fmt"
)

const (
	// StatusWordLength is the size of the status word closing every response.
	StatusWordLength = 2

	StatusOK           uint16 = 0x9000
	StatusLockedDevice uint16 = 0x5515
)

// ApduResponse is a reassembled device answer split into data and status word.
type ApduResponse struct {
	Data       []byte
	StatusCode uint16
}

// NewApduResponse splits a raw answer whose last two bytes are the status word.
func NewApduResponse(payload []byte) (ApduResponse, error) {
	if len(payload) < StatusWordLength {
		return ApduResponse{}, fmt.Errorf("response too short: %d bytes", len(payload))
	}
	split := len(payload) - StatusWordLength
	data := make([]byte, split)
	copy(data, payload[:split])
	return ApduResponse{
		Data:       data,
		StatusCode: binary.BigEndian.Uint16(payload[split:]),
	}, nil
}

// Bytes returns the response as it travelled on the wire.
func (r ApduResponse) Bytes() []byte {
	out := make([]byte, len(r.Data)+StatusWordLength)
	copy(out, r.Data)
	binary.BigEndian.PutUint16(out[len(r.Data):], r.StatusCode)
	return out
}

// IsSuccess reports whether the status word is 0x9000.
func (r ApduResponse) IsSuccess() bool {
	return IsSuccessResponse(r)
}

func (r ApduResponse) String() string {
	return fmt.Sprintf("%x %04x", r.Data, r.StatusCode)
}

// IsSuccessResponse reports whether the device accepted the command.
func IsSuccessResponse(r ApduResponse) bool {
	return r.StatusCode == StatusOK
}

// IsLockedDeviceResponse reports whether the device refused the command
// because its screen is locked.
func IsLockedDeviceResponse(r ApduResponse) bool {
	return r.StatusCode == StatusLockedDevice
}
