// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

// Package hid implements the connection adapter for USB-HID devices. Frames
// are 64 byte reports on channel 0x0101, zero padded.
package hid

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	ledger "github.com/luxfi/ledger-dmk"
	"github.com/luxfi/ledger-dmk/framer"
	"github.com/luxfi/ledger-dmk/internal/syncutil"
	"github.com/luxfi/ledger-dmk/transport"
)

const (
	Channel    = 0x0101
	PacketSize = 64

	sendReportAttempts = 3
	sendReportDelay    = 500 * time.Millisecond
)

// Device is an opened HID device. *hid.Device satisfies it.
type Device interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// Option configures a Connection.
type Option func(*config)

type config struct {
	log          *zap.SugaredLogger
	onTerminated func()
	onLost       func()
	timeout      time.Duration
	retryDelay   time.Duration
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

// WithRetryDelay sets the pause between two attempts to send a report.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *config) { c.retryDelay = delay }
}

// withOnLost registers a callback run after the device dropped off the bus.
func withOnLost(fn func()) Option {
	return func(c *config) { c.onLost = fn }
}

// Connection is a USB-HID device connection. It is ready as soon as it is
// created; the frame size is fixed.
type Connection struct {
	*transport.Adapter

	mu         syncutil.Mutex
	log        *zap.SugaredLogger
	device     Device
	generation int
	retryDelay time.Duration
	onLost     func()
}

// NewConnection wraps an opened device and starts reading from it.
func NewConnection(device Device, opts ...Option) *Connection {
	cfg := config{log: ledger.Logger("hid"), retryDelay: sendReportDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	channel := []byte{Channel >> 8, Channel & 0xff}
	c := &Connection{
		log:        cfg.log,
		retryDelay: cfg.retryDelay,
		onLost:     cfg.onLost,
	}
	generation := c.swap(device)
	c.Adapter = transport.NewAdapter(c.linkFor(device),
		framer.NewSender(framer.WithFrameSize(PacketSize), framer.WithChannel(channel), framer.WithPadding(true)),
		framer.NewReceiver(framer.WithReceiverChannel(channel)),
		transport.Options{
			Logger:            cfg.log,
			OnTerminated:      cfg.onTerminated,
			ReconnectTimeout:  cfg.timeout,
			AbortOnWriteError: true,
		})
	c.MarkReady(PacketSize)
	go c.readThread(device, generation)
	return c
}

// swap makes device the current one. Read loops of older devices stop
// reporting lost connections.
func (c *Connection) swap(device Device) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = device
	c.generation++
	return c.generation
}

func (c *Connection) linkFor(device Device) transport.Link {
	return transport.LinkFunc(func(ctx context.Context, frame []byte) error {
		return c.sendReport(ctx, device, frame)
	})
}

// sendReport writes one report, retrying a refused or truncated write.
func (c *Connection) sendReport(ctx context.Context, device Device, report []byte) error {
	var err error
	for attempt := 1; ; attempt++ {
		var n int
		n, err = device.Write(report)
		if err == nil && n < len(report) {
			err = fmt.Errorf("wrote %d of %d report bytes: %w", n, len(report), io.ErrShortWrite)
		}
		if err == nil {
			return nil
		}
		c.log.Debugw("Send report failed", "attempt", attempt, "error", err)
		if attempt == sendReportAttempts {
			return err
		}
		select {
		case <-time.After(c.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) readThread(device Device, generation int) {
	for {
		buffer := make([]byte, PacketSize)
		readBytes, err := device.Read(buffer)
		if err != nil {
			c.mu.Lock()
			current := c.generation == generation
			c.mu.Unlock()
			if current {
				c.log.Debugw("Read failed", "error", err)
				c.LostConnection()
				if c.onLost != nil {
					c.onLost()
				}
			}
			return
		}
		if readBytes == 0 {
			continue
		}
		c.HandleFrame(buffer[:readBytes])
	}
}

// Reconnect swaps in the reopened device. A send waiting on a triggered
// disconnection is released.
func (c *Connection) Reconnect(device Device) error {
	c.mu.Lock()
	old := c.device
	c.mu.Unlock()

	generation := c.swap(device)
	if old != nil && old != device {
		if err := old.Close(); err != nil {
			c.log.Debugw("Closing stale device", "error", err)
		}
	}
	if !c.Reconnecting(c.linkFor(device)) {
		return ledger.NewReconnectionFailedError("connection terminated")
	}
	go c.readThread(device, generation)
	c.MarkReady(PacketSize)
	return nil
}

// Close terminates the connection and closes the device.
func (c *Connection) Close() error {
	c.mu.Lock()
	device := c.device
	c.generation++
	c.mu.Unlock()

	c.Disconnect()
	if device == nil {
		return nil
	}
	return device.Close()
}
