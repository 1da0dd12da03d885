// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

// Package speculos talks to a device emulator through its HTTP API. The
// proxy carries whole APDUs, so no framing is involved.
package speculos

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	ledger "github.com/luxfi/ledger-dmk"
)

const (
	DefaultURL = "http://127.0.0.1:5000"

	clientVersionHeader = "X-Ledger-Client-Version"
	clientVersion       = "ldmk-transport-speculos"
	availabilityTimeout = 2 * time.Second
)

type apduPayload struct {
	Data string `json:"data"`
}

// Option configures a Connection.
type Option func(*Connection)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Connection) { c.client = client }
}

// WithLogger overrides the component logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Connection) { c.log = log }
}

// Connection sends APDUs to a speculos instance.
type Connection struct {
	baseURL string
	client  *http.Client
	log     *zap.SugaredLogger
}

var _ ledger.LedgerDevice = (*Connection)(nil)

// NewConnection targets the emulator API at baseURL.
func NewConnection(baseURL string, opts ...Option) *Connection {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Connection{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     ledger.Logger("speculos"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendApdu posts apdu to the emulator. The emulator never drops the link,
// so triggersDisconnection has no effect.
func (c *Connection) SendApdu(ctx context.Context, apdu []byte, _ bool) (ledger.ApduResponse, error) {
	body, err := json.Marshal(apduPayload{Data: hex.EncodeToString(apdu)})
	if err != nil {
		return ledger.ApduResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/apdu", bytes.NewReader(body))
	if err != nil {
		return ledger.ApduResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(clientVersionHeader, clientVersion)

	c.log.Debugf("[speculos] => %x", apdu)
	resp, err := c.client.Do(req)
	if err != nil {
		return ledger.ApduResponse{}, ledger.NewSendReportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ledger.ApduResponse{}, ledger.NewSendReportError(fmt.Errorf("unexpected status %s", resp.Status))
	}
	var payload apduPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ledger.ApduResponse{}, ledger.NewReceiverApduError(fmt.Sprintf("decode response: %v", err))
	}
	raw, err := hex.DecodeString(payload.Data)
	if err != nil {
		return ledger.ApduResponse{}, ledger.NewReceiverApduError(fmt.Sprintf("decode hex: %v", err))
	}
	c.log.Debugf("[speculos] <= %x", raw)

	response, err := ledger.NewApduResponse(raw)
	if err != nil {
		return ledger.ApduResponse{}, ledger.NewReceiverApduError(err.Error())
	}
	return response, nil
}

// IsServerAvailable reports whether the emulator answers on its event
// endpoint within two seconds.
func (c *Connection) IsServerAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return false
	}
	req.Header.Set(clientVersionHeader, clientVersion)
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Debugw("Speculos not reachable", "url", c.baseURL, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close is a no-op; the emulator keeps no per-client state.
func (c *Connection) Close() error {
	return nil
}
