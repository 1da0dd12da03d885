// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package framer

// Frame is one physical-link packet.
type Frame struct {
	Header FrameHeader
	Data   []byte
}

// RawData returns the bytes written to the link.
func (f Frame) RawData() []byte {
	out := f.Header.Bytes()
	return append(out, f.Data...)
}
