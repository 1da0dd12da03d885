// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package session

import (
	"slices"

	ledger "github.com/luxfi/ledger-dmk"
	"github.com/luxfi/ledger-dmk/command"
)

// DeviceStatus is the coarse status of the device behind a session.
type DeviceStatus string

const (
	StatusConnected    DeviceStatus = "CONNECTED"
	StatusBusy         DeviceStatus = "BUSY"
	StatusLocked       DeviceStatus = "LOCKED"
	StatusNotConnected DeviceStatus = "NOT_CONNECTED"
)

// StateType tells how much is known about the device.
type StateType int

const (
	// StateConnected: attached, nothing known yet.
	StateConnected StateType = iota
	// StateReadyWithoutSecureChannel: current application known.
	StateReadyWithoutSecureChannel
	StateReadyWithSecureChannel
)

func (t StateType) String() string {
	switch t {
	case StateConnected:
		return "Connected"
	case StateReadyWithoutSecureChannel:
		return "ReadyWithoutSecureChannel"
	case StateReadyWithSecureChannel:
		return "ReadyWithSecureChannel"
	default:
		return "Unknown"
	}
}

// RunningApp is the application currently running on the device.
type RunningApp = command.AppAndVersion

// Application is an application installed on the device.
type Application struct {
	Name    string
	Version string
}

// State is a snapshot of a session. Values handed out by the state stream
// are copies and may be kept.
type State struct {
	Type                      StateType
	Status                    DeviceStatus
	DeviceModelID             ledger.DeviceModelID
	DeviceName                string
	CurrentApp                *RunningApp
	InstalledApps             []Application
	IsSecureConnectionAllowed bool
}

func (s State) clone() State {
	if s.CurrentApp != nil {
		app := *s.CurrentApp
		app.Flags = slices.Clone(app.Flags)
		s.CurrentApp = &app
	}
	s.InstalledApps = slices.Clone(s.InstalledApps)
	return s
}
