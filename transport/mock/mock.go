// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

// Package mock provides an in-memory device answering scripted responses.
package mock

import (
	"bytes"
	"context"

	ledger "github.com/luxfi/ledger-dmk"
	"github.com/luxfi/ledger-dmk/internal/syncutil"
)

var okResponse = []byte{0x90, 0x00}

type rule struct {
	prefix   []byte
	response []byte
	err      error
}

// LedgerAdminMock exposes a single mock device.
type LedgerAdminMock struct {
	device *LedgerDeviceMock
}

// NewLedgerAdmin returns an admin whose only device is device.
func NewLedgerAdmin(device *LedgerDeviceMock) *LedgerAdminMock {
	return &LedgerAdminMock{device: device}
}

var _ ledger.LedgerAdmin = (*LedgerAdminMock)(nil)

func (admin *LedgerAdminMock) CountDevices() int {
	return 1
}

func (admin *LedgerAdminMock) ListDevices() ([]ledger.DeviceInfo, error) {
	return []ledger.DeviceInfo{{Path: "mock", Model: ledger.DeviceModelNanoSP, Product: "mock"}}, nil
}

func (admin *LedgerAdminMock) Connect(deviceIndex int) (ledger.LedgerDevice, error) {
	if deviceIndex != 0 {
		return nil, &ledger.DeviceError{Kind: ledger.ErrDeviceNotFound, Op: "connect"}
	}
	return admin.device, nil
}

// LedgerDeviceMock answers APDUs from a rule list. The first rule whose
// prefix matches wins; unmatched APDUs get 90 00.
type LedgerDeviceMock struct {
	mu     syncutil.Mutex
	rules  []rule
	sent   [][]byte
	closed bool
}

// NewLedgerDevice returns a device with no rules.
func NewLedgerDevice() *LedgerDeviceMock {
	return &LedgerDeviceMock{}
}

// On makes APDUs starting with prefix answer response.
func (m *LedgerDeviceMock) On(prefix, response []byte) *LedgerDeviceMock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule{prefix: prefix, response: response})
	return m
}

// OnError makes APDUs starting with prefix fail with err.
func (m *LedgerDeviceMock) OnError(prefix []byte, err error) *LedgerDeviceMock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule{prefix: prefix, err: err})
	return m
}

func (m *LedgerDeviceMock) SendApdu(ctx context.Context, apdu []byte, _ bool) (ledger.ApduResponse, error) {
	if err := ctx.Err(); err != nil {
		return ledger.ApduResponse{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ledger.ApduResponse{}, &ledger.DeviceError{Kind: ledger.ErrConnectionClosed, Op: "sendApdu"}
	}
	m.sent = append(m.sent, append([]byte(nil), apdu...))

	response := okResponse
	for _, r := range m.rules {
		if !bytes.HasPrefix(apdu, r.prefix) {
			continue
		}
		if r.err != nil {
			return ledger.ApduResponse{}, r.err
		}
		response = r.response
		break
	}
	return ledger.NewApduResponse(response)
}

// Sent returns a copy of every APDU received so far.
func (m *LedgerDeviceMock) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent...)
}

func (m *LedgerDeviceMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
