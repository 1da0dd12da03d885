// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

// Package command holds the command contract used by sessions and the few
// OS commands the session itself relies on.
package command

import (
	"errors"
	"fmt"

	ledger "github.com/luxfi/ledger-dmk"
)

// ErrInvalidResponse reports a response payload a command could not parse.
var ErrInvalidResponse = errors.New("invalid response")

// Apdu is a command APDU. Data longer than 255 bytes cannot be encoded.
type Apdu struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
}

// Raw serializes the APDU as CLA INS P1 P2 Lc Data.
func (a Apdu) Raw() []byte {
	raw := make([]byte, 0, 5+len(a.Data))
	raw = append(raw, a.CLA, a.INS, a.P1, a.P2, byte(len(a.Data)))
	return append(raw, a.Data...)
}

// Command builds one APDU and parses its response into T.
type Command[T any] interface {
	Name() string
	Apdu() Apdu
	// TriggersDisconnection reports whether a successful answer is followed
	// by the device dropping and re-establishing the link.
	TriggersDisconnection() bool
	ParseResponse(response ledger.ApduResponse) (T, error)
}

// StatusError is returned when the device answered with a status word other
// than 9000.
type StatusError struct {
	Command    string
	StatusCode uint16
}

func (e *StatusError) Error() string {
	if e.StatusCode == ledger.StatusLockedDevice {
		return fmt.Sprintf("%s: device locked (%04x)", e.Command, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status word %04x", e.Command, e.StatusCode)
}

// checkStatus turns a non-success response into a *StatusError.
func checkStatus(name string, response ledger.ApduResponse) error {
	if ledger.IsSuccessResponse(response) {
		return nil
	}
	return &StatusError{Command: name, StatusCode: response.StatusCode}
}

func invalidResponse(name, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", name, ErrInvalidResponse, fmt.Sprintf(format, args...))
}
