// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package command

import (
	ledger "github.com/luxfi/ledger-dmk"
)

// AppAndVersion is the answer of GetAppAndVersion. Name is "BOLOS" on the
// dashboard.
type AppAndVersion struct {
	Name    string
	Version string
	Flags   []byte
}

// GetAppAndVersion asks for the running application.
type GetAppAndVersion struct{}

func (GetAppAndVersion) Name() string { return "getAppAndVersion" }

func (GetAppAndVersion) Apdu() Apdu {
	return Apdu{CLA: 0xb0, INS: 0x01}
}

func (GetAppAndVersion) TriggersDisconnection() bool { return false }

// ParseResponse reads format(1) nameLen(1) name versionLen(1) version and,
// when present, flagsLen(1) flags.
func (c GetAppAndVersion) ParseResponse(response ledger.ApduResponse) (AppAndVersion, error) {
	if err := checkStatus(c.Name(), response); err != nil {
		return AppAndVersion{}, err
	}
	r := reader{data: response.Data}
	if _, ok := r.byte(); !ok {
		return AppAndVersion{}, invalidResponse(c.Name(), "missing format byte")
	}
	name, ok := r.lengthPrefixed()
	if !ok {
		return AppAndVersion{}, invalidResponse(c.Name(), "cannot read application name")
	}
	version, ok := r.lengthPrefixed()
	if !ok {
		return AppAndVersion{}, invalidResponse(c.Name(), "cannot read application version")
	}
	result := AppAndVersion{Name: string(name), Version: string(version)}
	if r.remaining() > 0 {
		flags, ok := r.lengthPrefixed()
		if !ok {
			return AppAndVersion{}, invalidResponse(c.Name(), "cannot read flags")
		}
		result.Flags = flags
	}
	return result, nil
}

// OpenApp launches an application from the dashboard. The device restarts
// its USB/BLE stack once the application starts.
type OpenApp struct {
	AppName string
}

func (OpenApp) Name() string { return "openApp" }

func (c OpenApp) Apdu() Apdu {
	return Apdu{CLA: 0xe0, INS: 0xd8, Data: []byte(c.AppName)}
}

func (OpenApp) TriggersDisconnection() bool { return true }

func (c OpenApp) ParseResponse(response ledger.ApduResponse) (struct{}, error) {
	return struct{}{}, checkStatus(c.Name(), response)
}

// CloseApp quits the running application and returns to the dashboard.
type CloseApp struct{}

func (CloseApp) Name() string { return "closeApp" }

func (CloseApp) Apdu() Apdu {
	return Apdu{CLA: 0xb0, INS: 0xa7}
}

func (CloseApp) TriggersDisconnection() bool { return true }

func (c CloseApp) ParseResponse(response ledger.ApduResponse) (struct{}, error) {
	return struct{}{}, checkStatus(c.Name(), response)
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

func (r *reader) byte() (byte, bool) {
	if r.remaining() < 1 {
		return 0, false
	}
	b := r.data[r.off]
	r.off++
	return b, true
}

func (r *reader) lengthPrefixed() ([]byte, bool) {
	n, ok := r.byte()
	if !ok || r.remaining() < int(n) {
		return nil, false
	}
	b := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return b, true
}
