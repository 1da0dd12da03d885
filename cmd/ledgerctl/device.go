// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package main

import (
	"context"
	"fmt"

	ledger "github.com/luxfi/ledger-dmk"
	"github.com/luxfi/ledger-dmk/internal/config"
	"github.com/luxfi/ledger-dmk/session"
	"github.com/luxfi/ledger-dmk/transport/hid"
	"github.com/luxfi/ledger-dmk/transport/mock"
	"github.com/luxfi/ledger-dmk/transport/speculos"
)

// mockAppAndVersion is what the mock device answers to GetAppAndVersion:
// the dashboard, version 1.0.0.
var mockAppAndVersion = []byte{
	0x01,
	0x05, 'B', 'O', 'L', 'O', 'S',
	0x05, '1', '.', '0', '.', '0',
	0x90, 0x00,
}

func newMockDevice() *mock.LedgerDeviceMock {
	return mock.NewLedgerDevice().On([]byte{0xb0, 0x01}, mockAppAndVersion)
}

// admin returns the device admin for transports that enumerate devices.
func (a *app) admin() (ledger.LedgerAdmin, error) {
	switch a.cfg.Transport {
	case config.TransportHID:
		return hid.NewLedgerAdmin(hid.WithReconnectTimeout(a.cfg.Connection.ReconnectTimeout)), nil
	case config.TransportMock:
		return mock.NewLedgerAdmin(newMockDevice()), nil
	default:
		return nil, fmt.Errorf("transport %q does not enumerate devices", a.cfg.Transport)
	}
}

// openDevice opens the configured device and reports its model.
func (a *app) openDevice(ctx context.Context) (ledger.LedgerDevice, ledger.DeviceModelID, error) {
	if a.cfg.Transport == config.TransportSpeculos {
		conn := speculos.NewConnection(a.cfg.Speculos.URL)
		if !conn.IsServerAvailable(ctx) {
			return nil, "", &ledger.DeviceError{Kind: ledger.ErrDeviceNotFound, Op: "connect", Msg: a.cfg.Speculos.URL}
		}
		return conn, ledger.DeviceModelUnknown, nil
	}

	admin, err := a.admin()
	if err != nil {
		return nil, "", err
	}
	index := a.cfg.HID.DeviceIndex
	infos, err := admin.ListDevices()
	if err != nil {
		return nil, "", err
	}
	model := ledger.DeviceModelUnknown
	if index < len(infos) {
		model = infos[index].Model
	}
	device, err := admin.Connect(index)
	if err != nil {
		return nil, "", err
	}
	return device, model, nil
}

// openSession opens the device and starts a session on it. The returned
// func closes both.
func (a *app) openSession(ctx context.Context) (*session.Session, func(), error) {
	device, model, err := a.openDevice(ctx)
	if err != nil {
		return nil, nil, err
	}
	s := session.New(device,
		session.WithDeviceModel(model),
		session.WithRefreshInterval(a.cfg.Session.RefreshInterval),
		session.WithRefresherDisabled(a.cfg.Session.RefresherDisabled),
	)
	closeAll := func() {
		_ = s.Close()
		_ = device.Close()
	}
	if err := s.Start(ctx); err != nil {
		closeAll()
		return nil, nil, err
	}
	return s, closeAll, nil
}
