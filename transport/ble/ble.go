// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

// Package ble implements the connection adapter for devices reached over a
// pair of GATT characteristics. The GATT stack itself is provided by the
// host application through WriteCharacteristic and NotifyCharacteristic.
package ble

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	ledger "github.com/luxfi/ledger-dmk"
	"github.com/luxfi/ledger-dmk/framer"
	"github.com/luxfi/ledger-dmk/internal/syncutil"
	"github.com/luxfi/ledger-dmk/transport"
)

// negotiationApdu asks the device for its frame size.
var negotiationApdu = []byte{0x08, 0x00, 0x00, 0x00, 0x00}

// mtuOffset is the position of the frame size in the negotiation answer.
const mtuOffset = 5

// WriteCharacteristic is the characteristic commands are written to.
type WriteCharacteristic interface {
	WriteWithResponse(ctx context.Context, value []byte) error
}

// NotifyCharacteristic is the characteristic the device answers on.
type NotifyCharacteristic interface {
	StartNotifications(ctx context.Context, handler func(value []byte)) error
	StopNotifications() error
}

// Option configures a Connection.
type Option func(*config)

type config struct {
	log          *zap.SugaredLogger
	onTerminated func()
	timeout      time.Duration
}

// WithLogger overrides the component logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *config) { c.log = log }
}

// WithReconnectTimeout bounds the wait for the device to come back.
func WithReconnectTimeout(timeout time.Duration) Option {
	return func(c *config) { c.timeout = timeout }
}

// WithOnTerminated registers a callback run when the connection ends.
func WithOnTerminated(fn func()) Option {
	return func(c *config) { c.onTerminated = fn }
}

// Connection is a BLE device connection. It is ready once the device
// answered the MTU negotiation started by Setup.
type Connection struct {
	*transport.Adapter

	mu     syncutil.Mutex
	log    *zap.SugaredLogger
	write  WriteCharacteristic
	notify NotifyCharacteristic
}

// NewConnection wraps a characteristic pair. Call Setup before sending.
func NewConnection(write WriteCharacteristic, notify NotifyCharacteristic, opts ...Option) *Connection {
	cfg := config{log: ledger.Logger("ble")}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Connection{
		log:    cfg.log,
		write:  write,
		notify: notify,
	}
	c.Adapter = transport.NewAdapter(linkFor(write), framer.NewSender(), framer.NewReceiver(), transport.Options{
		Logger:           cfg.log,
		OnTerminated:     cfg.onTerminated,
		ReconnectTimeout: cfg.timeout,
	})
	return c
}

func linkFor(write WriteCharacteristic) transport.Link {
	return transport.LinkFunc(func(ctx context.Context, frame []byte) error {
		return write.WriteWithResponse(ctx, frame)
	})
}

// Setup subscribes to notifications and sends the MTU negotiation request.
// It does not wait for the answer; the connection turns ready when it
// arrives.
func (c *Connection) Setup(ctx context.Context) error {
	c.mu.Lock()
	write, notify := c.write, c.notify
	c.mu.Unlock()

	if err := notify.StartNotifications(ctx, c.onReceive); err != nil {
		return fmt.Errorf("start notifications: %w", err)
	}
	c.Negotiating()
	if err := write.WriteWithResponse(ctx, negotiationApdu); err != nil {
		return fmt.Errorf("write negotiation apdu: %w", err)
	}
	return nil
}

// onReceive is the notification handler.
func (c *Connection) onReceive(value []byte) {
	if !c.IsReady() {
		c.onSetupResponse(value)
		return
	}
	c.HandleFrame(value)
}

func (c *Connection) onSetupResponse(value []byte) {
	if len(value) <= mtuOffset {
		c.log.Warnw("Ignoring short negotiation answer", "value", value)
		return
	}
	frameSize := int(value[mtuOffset])
	if frameSize == 0 {
		return
	}
	c.log.Debugw("New frame size value", "frameSize", frameSize)
	c.MarkReady(frameSize)
}

// Reconnect swaps in the characteristics of the reconnected device and runs
// the negotiation again. The send waiting on a triggered disconnection is
// released once the new negotiation completes.
func (c *Connection) Reconnect(ctx context.Context, write WriteCharacteristic, notify NotifyCharacteristic) error {
	c.mu.Lock()
	old := c.notify
	c.write, c.notify = write, notify
	c.mu.Unlock()

	if old != nil && old != notify {
		if err := old.StopNotifications(); err != nil {
			c.log.Debugw("Stopping stale notifications", "error", err)
		}
	}
	if !c.Reconnecting(linkFor(write)) {
		return ledger.NewReconnectionFailedError("connection terminated")
	}
	return c.Setup(ctx)
}

// Close stops notifications and terminates the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()

	c.Disconnect()
	if notify == nil {
		return nil
	}
	return notify.StopNotifications()
}
