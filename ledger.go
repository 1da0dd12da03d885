// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

// Package ledger holds the types shared by every layer of the device
// communication stack: APDU responses, status word classification, the
// connection contract implemented by transports and the error taxonomy.
package ledger

import "context"

// DeviceModelID identifies a Ledger hardware model.
type DeviceModelID string

const (
	DeviceModelNanoS   DeviceModelID = "nanoS"
	DeviceModelNanoX   DeviceModelID = "nanoX"
	DeviceModelNanoSP  DeviceModelID = "nanoSP"
	DeviceModelStax    DeviceModelID = "stax"
	DeviceModelFlex    DeviceModelID = "flex"
	DeviceModelUnknown DeviceModelID = "unknown"
)

// DeviceInfo describes an enumerated device before it is opened.
type DeviceInfo struct {
	Path    string
	Model   DeviceModelID
	Product string
	Serial  string
}

// DeviceConnection is a physical link able to exchange one APDU at a time.
// Implementations trust their caller to never overlap two SendApdu calls.
type DeviceConnection interface {
	SendApdu(ctx context.Context, apdu []byte, triggersDisconnection bool) (ApduResponse, error)
}

// LedgerAdmin defines the interface for managing Ledger devices.
type LedgerAdmin interface {
	CountDevices() int
	ListDevices() ([]DeviceInfo, error)
	Connect(deviceIndex int) (LedgerDevice, error)
}

// LedgerDevice defines the interface for interacting with an opened Ledger device.
type LedgerDevice interface {
	DeviceConnection
	Close() error
}
