// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package hid

import (
	"fmt"
	"time"

	"github.com/zondax/hid"
	"go.uber.org/zap"

	ledger "github.com/luxfi/ledger-dmk"
	"github.com/luxfi/ledger-dmk/transport"
)

const (
	VendorLedger         = 0x2c97
	UsagePageLedgerNanoS = 0xffa0

	reopenPollInterval = 100 * time.Millisecond
)

type productInfo struct {
	model ledger.DeviceModelID
	iface int
}

// list of supported product ids as well as their corresponding interfaces
// based on https://github.com/LedgerHQ/ledger-live/blob/develop/libs/ledgerjs/packages/devices/src/index.ts
var supportedLedgerProductID = map[uint8]productInfo{
	0x40: {ledger.DeviceModelNanoX, 0},
	0x10: {ledger.DeviceModelNanoS, 0},
	0x50: {ledger.DeviceModelNanoSP, 0},
	0x60: {ledger.DeviceModelStax, 0},
	0x70: {ledger.DeviceModelFlex, 0},
}

// Admin enumerates and opens Ledger devices through hidapi.
type Admin struct {
	log          *zap.SugaredLogger
	enumerate    func() []hid.DeviceInfo
	open         func(hid.DeviceInfo) (Device, error)
	opts         []Option
	pollInterval time.Duration
}

// NewLedgerAdmin returns an admin over the host's HID devices. opts are
// applied to every connection it opens.
func NewLedgerAdmin(opts ...Option) *Admin {
	return &Admin{
		log:       ledger.Logger("hid"),
		enumerate: func() []hid.DeviceInfo { return hid.Enumerate(0, 0) },
		open: func(d hid.DeviceInfo) (Device, error) {
			return d.Open()
		},
		opts:         opts,
		pollInterval: reopenPollInterval,
	}
}

var _ ledger.LedgerAdmin = (*Admin)(nil)

func (admin *Admin) ledgerDevices() []hid.DeviceInfo {
	devices := admin.enumerate()
	if len(devices) == 0 {
		admin.log.Debug("No devices. Ledger LOCKED OR Other Program/Web Browser may have control of device.")
	}

	var found []hid.DeviceInfo
	for _, d := range devices {
		if d.VendorID == VendorLedger && isLedgerDevice(d) {
			found = append(found, d)
		}
	}
	return found
}

// ListDevices describes every connected Ledger device.
func (admin *Admin) ListDevices() ([]ledger.DeviceInfo, error) {
	var infos []ledger.DeviceInfo
	for _, d := range admin.ledgerDevices() {
		admin.logDeviceInfo(d)
		infos = append(infos, ledger.DeviceInfo{
			Path:    d.Path,
			Model:   modelOf(d),
			Product: d.Product,
			Serial:  d.Serial,
		})
	}
	return infos, nil
}

func (admin *Admin) logDeviceInfo(d hid.DeviceInfo) {
	admin.log.Debugf("============ %s", d.Path)
	admin.log.Debugf("VendorID      : %x", d.VendorID)
	admin.log.Debugf("ProductID     : %x", d.ProductID)
	admin.log.Debugf("Release       : %x", d.Release)
	admin.log.Debugf("Serial        : %x", d.Serial)
	admin.log.Debugf("Manufacturer  : %s", d.Manufacturer)
	admin.log.Debugf("Product       : %s", d.Product)
	admin.log.Debugf("UsagePage     : %x", d.UsagePage)
	admin.log.Debugf("Usage         : %x", d.Usage)
}

func isLedgerDevice(d hid.DeviceInfo) bool {
	deviceFound := d.UsagePage == UsagePageLedgerNanoS

	// Workarounds for possible empty usage pages
	productIDMM := uint8(d.ProductID >> 8)
	if info, supported := supportedLedgerProductID[productIDMM]; deviceFound || (supported && (info.iface == d.Interface)) {
		return true
	}

	return false
}

func modelOf(d hid.DeviceInfo) ledger.DeviceModelID {
	if info, ok := supportedLedgerProductID[uint8(d.ProductID>>8)]; ok {
		return info.model
	}
	return ledger.DeviceModelUnknown
}

// CountDevices returns the number of connected Ledger devices.
func (admin *Admin) CountDevices() int {
	return len(admin.ledgerDevices())
}

// Connect opens the deviceIndex-th Ledger device.
func (admin *Admin) Connect(deviceIndex int) (ledger.LedgerDevice, error) {
	devices := admin.ledgerDevices()
	if deviceIndex < 0 || deviceIndex >= len(devices) {
		return nil, &ledger.DeviceError{Kind: ledger.ErrDeviceNotFound, Op: "connect", Msg: fmt.Sprintf("index %d", deviceIndex)}
	}
	d := devices[deviceIndex]
	device, err := admin.open(d)
	if err != nil {
		return nil, &ledger.DeviceError{Kind: ledger.ErrDeviceNotFound, Op: "connect", Msg: d.Path, Err: err}
	}
	var conn *Connection
	opened := make(chan struct{})
	opts := append([]Option{WithLogger(admin.log)}, admin.opts...)
	opts = append(opts, withOnLost(func() {
		go func() {
			<-opened
			admin.reopen(conn, d)
		}()
	}))
	conn = NewConnection(device, opts...)
	close(opened)
	return conn, nil
}

// reopen waits for the device to come back on the bus after a drop, for
// example once an application was opened, and hands it to conn. It gives up
// when conn terminates.
func (admin *Admin) reopen(conn *Connection, lost hid.DeviceInfo) {
	ticker := time.NewTicker(admin.pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if conn.State() == transport.StateTerminated {
			return
		}
		for _, d := range admin.ledgerDevices() {
			if d.ProductID>>8 != lost.ProductID>>8 {
				continue
			}
			device, err := admin.open(d)
			if err != nil {
				admin.log.Debugw("Reopening device", "path", d.Path, "error", err)
				continue
			}
			if err := conn.Reconnect(device); err != nil {
				admin.log.Debugw("Reconnect failed", "error", err)
				_ = device.Close()
			}
			return
		}
	}
}
