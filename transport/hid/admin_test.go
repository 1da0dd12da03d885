// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package hid

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zondax/hid"
	"go.uber.org/zap/zaptest"

	ledger "github.com/luxfi/ledger-dmk"
)

func newTestAdmin(t *testing.T, devices []hid.DeviceInfo, open func(hid.DeviceInfo) (Device, error)) *Admin {
	t.Helper()
	admin := NewLedgerAdmin(WithRetryDelay(0))
	admin.log = zaptest.NewLogger(t).Sugar()
	admin.enumerate = func() []hid.DeviceInfo { return devices }
	if open != nil {
		admin.open = open
	}
	return admin
}

var testDevices = []hid.DeviceInfo{
	{Path: "mouse", VendorID: 0x046d, ProductID: 0xc077},
	{Path: "nanox", VendorID: VendorLedger, ProductID: 0x4011, UsagePage: UsagePageLedgerNanoS, Product: "Nano X", Serial: "0001"},
	{Path: "stax", VendorID: VendorLedger, ProductID: 0x6011, Interface: 0, Product: "Stax"},
	{Path: "stax-u2f", VendorID: VendorLedger, ProductID: 0x6011, Interface: 1},
}

func TestIsLedgerDevice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		info hid.DeviceInfo
		want bool
	}{
		{"usage page", hid.DeviceInfo{UsagePage: UsagePageLedgerNanoS, ProductID: 0xff00}, true},
		{"product id without usage page", hid.DeviceInfo{ProductID: 0x5011}, true},
		{"wrong interface", hid.DeviceInfo{ProductID: 0x5011, Interface: 1}, false},
		{"unknown product", hid.DeviceInfo{ProductID: 0x2011}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isLedgerDevice(tt.info))
		})
	}
}

func TestAdmin_ListDevices(t *testing.T) {
	t.Parallel()
	admin := newTestAdmin(t, testDevices, nil)

	assert.Equal(t, 2, admin.CountDevices())
	infos, err := admin.ListDevices()

	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, ledger.DeviceInfo{Path: "nanox", Model: ledger.DeviceModelNanoX, Product: "Nano X", Serial: "0001"}, infos[0])
	assert.Equal(t, ledger.DeviceModelStax, infos[1].Model)
}

func TestAdmin_NoDevices(t *testing.T) {
	t.Parallel()
	admin := newTestAdmin(t, nil, nil)

	infos, err := admin.ListDevices()

	require.NoError(t, err)
	assert.Empty(t, infos)
	assert.Zero(t, admin.CountDevices())
}

func TestAdmin_Connect(t *testing.T) {
	t.Parallel()
	var opened string
	device := newFakeDevice([]byte{0x90, 0x00})
	admin := newTestAdmin(t, testDevices, func(d hid.DeviceInfo) (Device, error) {
		opened = d.Path
		return device, nil
	})

	conn, err := admin.Connect(1)

	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	assert.Equal(t, "stax", opened)
}

func TestAdmin_ConnectErrors(t *testing.T) {
	t.Parallel()
	admin := newTestAdmin(t, testDevices, func(hid.DeviceInfo) (Device, error) {
		return nil, errors.New("permission denied")
	})

	_, err := admin.Connect(5)
	require.ErrorIs(t, err, ledger.ErrDeviceNotFound)

	_, err = admin.Connect(0)
	require.ErrorIs(t, err, ledger.ErrDeviceNotFound)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestAdmin_ReopensDroppedDevice(t *testing.T) {
	t.Parallel()
	first := newFakeDevice([]byte{0x90, 0x00})
	second := newFakeDevice([]byte{0x01, 0x90, 0x00})
	var opens atomic.Int32
	admin := newTestAdmin(t, testDevices, func(hid.DeviceInfo) (Device, error) {
		if opens.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	})
	admin.pollInterval = 5 * time.Millisecond

	conn, err := admin.Connect(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	first.unplug()

	require.Eventually(t, func() bool {
		return opens.Load() == 2 && conn.(*Connection).IsReady()
	}, time.Second, 5*time.Millisecond)
	response, err := conn.SendApdu(context.Background(), []byte{0xb0, 0x01, 0x00, 0x00, 0x00}, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, response.Data)
}
