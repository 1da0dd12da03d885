// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package framer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledger "github.com/luxfi/ledger-dmk"
)

var usbChannel = []byte{0xaa, 0xaa}

var responseGetVersion = []byte{
	0xaa, 0xaa, 0x05, 0x00, 0x00, 0x00, 0x21, 0x33, 0x00, 0x00, 0x04, 0x05, 0x32,
	0x2e, 0x32, 0x2e, 0x33, 0x04, 0xe6, 0x00, 0x00, 0x00, 0x04, 0x32, 0x2e, 0x33,
	0x30, 0x04, 0x31, 0x2e, 0x31, 0x36, 0x01, 0x01, 0x01, 0x00, 0x01, 0x00, 0x90,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

var responseLockedDevice = []byte{
	0xaa, 0xaa, 0x05, 0x00, 0x00, 0x00, 0x02, 0x55, 0x15, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

var responseListApps = [][]byte{
	{
		0xaa, 0xaa, 0x05, 0x00, 0x00, 0x00, 0x9e, 0x01, 0x4d, 0x00, 0x13, 0xca,
		0x50, 0xfa, 0xa1, 0x91, 0x40, 0x9a, 0x6b, 0xfa, 0x6c, 0x0f, 0xbb, 0xb2,
		0xe7, 0xc4, 0xa9, 0xcf, 0xe5, 0x57, 0x41, 0x00, 0x5d, 0xbd, 0x84, 0xab,
		0x9a, 0xbd, 0x66, 0xc7, 0x6c, 0x90, 0xdd, 0x08, 0x79, 0x0d, 0x08, 0x47,
		0xb9, 0x3a, 0x8f, 0xa7, 0x6f, 0x60, 0x33, 0xae, 0xd3, 0x25, 0xd7, 0xb1,
		0xe5, 0x7c, 0xeb, 0xd7,
	},
	{
		0xaa, 0xaa, 0x05, 0x00, 0x01, 0x4b, 0x2e, 0x2c, 0x9f, 0xb4, 0x46, 0x78,
		0xde, 0x05, 0x5f, 0x9e, 0x80, 0x0a, 0x07, 0x42, 0x69, 0x74, 0x63, 0x6f,
		0x69, 0x6e, 0x4e, 0x00, 0x15, 0xca, 0x40, 0x06, 0x03, 0x28, 0xf8, 0x8f,
		0xc6, 0xd6, 0x42, 0x98, 0xd0, 0x49, 0x00, 0xc7, 0x04, 0x98, 0x19, 0x1b,
		0x6c, 0xeb, 0xed, 0xd8, 0xcb, 0x84, 0x5d, 0xf5, 0x4b, 0xe3, 0xbd, 0xbb,
		0x25, 0x7a, 0x3f, 0x6f,
	},
	{
		0xaa, 0xaa, 0x05, 0x00, 0x02, 0x68, 0x8f, 0x54, 0xef, 0x7f, 0xaa, 0xc4,
		0x22, 0xaa, 0x54, 0xe7, 0xb8, 0x0a, 0xc8, 0xa3, 0x2f, 0x96, 0xe5, 0x5e,
		0x43, 0x2d, 0xf3, 0xa3, 0x45, 0x8d, 0x8e, 0xaa, 0xf1, 0x4e, 0xd1, 0x1e,
		0x08, 0x45, 0x74, 0x68, 0x65, 0x72, 0x65, 0x75, 0x6d, 0x90, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00,
	},
}

func TestReceiver_FirstFrameWithoutDataSize(t *testing.T) {
	t.Parallel()
	receiver := NewReceiver(WithReceiverChannel(usbChannel))

	response, err := receiver.HandleFrame(responseListApps[1])

	require.Error(t, err)
	require.ErrorIs(t, err, ledger.ErrReceiverApdu)
	assert.Nil(t, response)
}

func TestReceiver_SingleFrameResponse(t *testing.T) {
	t.Parallel()
	receiver := NewReceiver(WithReceiverChannel(usbChannel))

	response, err := receiver.HandleFrame(responseGetVersion)

	require.NoError(t, err)
	require.NotNil(t, response)
	assert.Equal(t, responseGetVersion[7:38], response.Data)
	assert.Equal(t, ledger.StatusOK, response.StatusCode)
	assert.Zero(t, receiver.Pending())
}

func TestReceiver_ThreeFrameResponse(t *testing.T) {
	t.Parallel()
	receiver := NewReceiver(WithReceiverChannel(usbChannel))

	var responses []*ledger.ApduResponse
	for _, frame := range responseListApps {
		response, err := receiver.HandleFrame(frame)
		require.NoError(t, err)
		responses = append(responses, response)
	}

	require.Len(t, responses, 3)
	assert.Nil(t, responses[0])
	assert.Nil(t, responses[1])
	require.NotNil(t, responses[2])

	var expected []byte
	expected = append(expected, responseListApps[0][7:]...)
	expected = append(expected, responseListApps[1][5:]...)
	expected = append(expected, responseListApps[2][5:45]...)
	assert.Equal(t, expected, responses[2].Data)
	assert.Equal(t, ledger.StatusOK, responses[2].StatusCode)
}

func TestReceiver_ConsecutiveResponses(t *testing.T) {
	t.Parallel()
	receiver := NewReceiver(WithReceiverChannel(usbChannel))

	locked, err := receiver.HandleFrame(responseLockedDevice)
	require.NoError(t, err)
	require.NotNil(t, locked)
	assert.Empty(t, locked.Data)
	assert.Equal(t, ledger.StatusLockedDevice, locked.StatusCode)
	assert.True(t, ledger.IsLockedDeviceResponse(*locked))

	version, err := receiver.HandleFrame(responseGetVersion)
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, responseGetVersion[7:38], version.Data)
}

func TestReceiver_HeaderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		channel []byte
		frame   []byte
	}{
		{name: "empty frame", channel: usbChannel, frame: nil},
		{name: "channel only", channel: usbChannel, frame: []byte{0xaa, 0xaa}},
		{name: "first frame missing data size", channel: usbChannel, frame: []byte{0xaa, 0xaa, 0x05, 0x00, 0x00, 0x00}},
		{name: "ble first frame missing data size", frame: []byte{0x05, 0x00, 0x00}},
		{name: "continuation without first frame", frame: []byte{0x05, 0x00, 0x03, 0x01, 0x02}},
		{name: "wrong head tag", frame: []byte{0x06, 0x00, 0x00, 0x00, 0x02, 0x90, 0x00}},
		{name: "wrong channel", channel: usbChannel, frame: []byte{0x01, 0x01, 0x05, 0x00, 0x00, 0x00, 0x02, 0x90, 0x00}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			receiver := NewReceiver(WithReceiverChannel(tt.channel))
			response, err := receiver.HandleFrame(tt.frame)
			require.ErrorIs(t, err, ledger.ErrReceiverApdu)
			assert.Nil(t, response)
		})
	}
}

func TestReceiver_EmptyDataResponse(t *testing.T) {
	t.Parallel()
	receiver := NewReceiver()

	response, err := receiver.HandleFrame([]byte{0x05, 0x00, 0x00, 0x00, 0x02, 0x90, 0x00})

	require.NoError(t, err)
	require.NotNil(t, response)
	assert.Empty(t, response.Data)
	assert.True(t, response.IsSuccess())
}

func TestReceiver_NewFirstFrameRestartsReassembly(t *testing.T) {
	t.Parallel()
	receiver := NewReceiver(WithReceiverChannel(usbChannel))

	response, err := receiver.HandleFrame(responseListApps[0])
	require.NoError(t, err)
	require.Nil(t, response)
	assert.Equal(t, 1, receiver.Pending())

	response, err = receiver.HandleFrame(responseGetVersion)
	require.NoError(t, err)
	require.NotNil(t, response)
	assert.Equal(t, responseGetVersion[7:38], response.Data)
}

func TestReceiver_Reset(t *testing.T) {
	t.Parallel()
	receiver := NewReceiver(WithReceiverChannel(usbChannel))

	_, err := receiver.HandleFrame(responseListApps[0])
	require.NoError(t, err)
	receiver.Reset()

	_, err = receiver.HandleFrame(responseListApps[1])
	require.ErrorIs(t, err, ledger.ErrReceiverApdu)
}

func TestReceiver_OutOfSequenceFrame(t *testing.T) {
	t.Parallel()
	receiver := NewReceiver(WithReceiverChannel(usbChannel))

	_, err := receiver.HandleFrame(responseListApps[0])
	require.NoError(t, err)

	response, err := receiver.HandleFrame(responseListApps[2])
	require.ErrorIs(t, err, ledger.ErrReceiverApdu)
	assert.Contains(t, err.Error(), "expected 1")
	assert.Nil(t, response)
	assert.Zero(t, receiver.Pending())
}
