// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	ledger "github.com/luxfi/ledger-dmk"
	"github.com/luxfi/ledger-dmk/command"
	"github.com/luxfi/ledger-dmk/transport/mock"
)

var (
	getAppAndVersionApdu = []byte{0xb0, 0x01, 0x00, 0x00, 0x00}
	dashboardResponse    = []byte{0x01, 0x05, 'B', 'O', 'L', 'O', 'S', 0x05, '1', '.', '6', '.', '0', 0x90, 0x00}
)

// blockingConn holds every exchange until release is closed and counts
// overlapping calls.
type blockingConn struct {
	release  chan struct{}
	entered  chan []byte
	inflight atomic.Int32
	overlap  atomic.Bool
	answer   []byte
}

func newBlockingConn(answer []byte) *blockingConn {
	return &blockingConn{release: make(chan struct{}), entered: make(chan []byte, 16), answer: answer}
}

func (c *blockingConn) SendApdu(ctx context.Context, apdu []byte, _ bool) (ledger.ApduResponse, error) {
	if c.inflight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.inflight.Add(-1)
	c.entered <- apdu
	select {
	case <-c.release:
	case <-ctx.Done():
		return ledger.ApduResponse{}, ctx.Err()
	}
	return ledger.NewApduResponse(c.answer)
}

func newTestSession(t *testing.T, conn ledger.DeviceConnection, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithRefreshInterval(time.Hour),
	}, opts...)
	s := New(conn, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_InitialState(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, mock.NewLedgerDevice(), WithDeviceModel(ledger.DeviceModelStax), WithDeviceName("Stax 1A2B"))

	_, err := uuid.Parse(s.ID())
	require.NoError(t, err)
	state := s.State()
	assert.Equal(t, StateConnected, state.Type)
	assert.Equal(t, StatusConnected, state.Status)
	assert.Equal(t, ledger.DeviceModelStax, state.DeviceModelID)
	assert.Equal(t, "Stax 1A2B", state.DeviceName)

	assert.Equal(t, "fixed", New(mock.NewLedgerDevice(), WithID("fixed")).ID())
}

func TestSession_SendApduPublishesBusy(t *testing.T) {
	t.Parallel()
	conn := newBlockingConn([]byte{0x90, 0x00})
	s := newTestSession(t, conn)

	done := make(chan error, 1)
	go func() {
		_, err := s.SendApdu(context.Background(), []byte{0xe0, 0x01, 0x00, 0x00, 0x00}, SendApduOptions{})
		done <- err
	}()
	<-conn.entered

	assert.Equal(t, StatusBusy, s.State().Status)
	close(conn.release)
	require.NoError(t, <-done)
	assert.Equal(t, StatusConnected, s.State().Status)
}

func TestSession_PollingSendStaysConnected(t *testing.T) {
	t.Parallel()
	conn := newBlockingConn([]byte{0x90, 0x00})
	s := newTestSession(t, conn)

	done := make(chan error, 1)
	go func() {
		_, err := s.SendApdu(context.Background(), getAppAndVersionApdu, SendApduOptions{IsPolling: true})
		done <- err
	}()
	<-conn.entered

	assert.Equal(t, StatusConnected, s.State().Status)
	close(conn.release)
	require.NoError(t, <-done)
}

func TestSession_LockedResponse(t *testing.T) {
	t.Parallel()
	device := mock.NewLedgerDevice().On([]byte{0xe0}, []byte{0x55, 0x15})
	s := newTestSession(t, device)

	response, err := s.SendApdu(context.Background(), []byte{0xe0, 0x01, 0x00, 0x00, 0x00}, SendApduOptions{})

	require.NoError(t, err)
	assert.True(t, ledger.IsLockedDeviceResponse(response))
	assert.Equal(t, StatusLocked, s.State().Status)

	_, err = s.SendApdu(context.Background(), getAppAndVersionApdu, SendApduOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, s.State().Status)
}

func TestSession_TransportErrorReturnsToConnected(t *testing.T) {
	t.Parallel()
	boom := errors.New("link down")
	device := mock.NewLedgerDevice().OnError([]byte{0xe0}, boom)
	s := newTestSession(t, device)

	_, err := s.SendApdu(context.Background(), []byte{0xe0, 0x01, 0x00, 0x00, 0x00}, SendApduOptions{})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, StatusConnected, s.State().Status)
}

func TestSession_AbortTimeout(t *testing.T) {
	t.Parallel()
	conn := newBlockingConn([]byte{0x90, 0x00})
	// cancelled exchanges finish in the background
	s := newTestSession(t, conn, WithLogger(zap.NewNop().Sugar()))

	_, err := s.SendApdu(context.Background(), getAppAndVersionApdu, SendApduOptions{AbortTimeout: 30 * time.Millisecond})
	require.ErrorIs(t, err, ledger.ErrSendApduTimeout)

	_, err = SendCommand[command.AppAndVersion](context.Background(), s, command.GetAppAndVersion{},
		WithAbortTimeout(30*time.Millisecond))
	require.ErrorIs(t, err, ledger.ErrSendCommandTimeout)
}

// lateConn lets its first exchange outlive the cancellation of its intent.
type lateConn struct {
	calls   atomic.Int32
	entered chan int32
	first   chan struct{}
	second  chan struct{}
}

func (c *lateConn) SendApdu(ctx context.Context, _ []byte, _ bool) (ledger.ApduResponse, error) {
	n := c.calls.Add(1)
	c.entered <- n
	if n == 1 {
		<-c.first
		return ledger.ApduResponse{}, ctx.Err()
	}
	select {
	case <-c.second:
	case <-ctx.Done():
		return ledger.ApduResponse{}, ctx.Err()
	}
	return ledger.NewApduResponse([]byte{0x90, 0x00})
}

func TestSession_LateCancelledExchangeKeepsBusy(t *testing.T) {
	t.Parallel()
	conn := &lateConn{entered: make(chan int32, 4), first: make(chan struct{}), second: make(chan struct{})}
	s := newTestSession(t, conn, WithLogger(zap.NewNop().Sugar()))

	_, err := s.SendApdu(context.Background(), getAppAndVersionApdu, SendApduOptions{AbortTimeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, ledger.ErrSendApduTimeout)

	done := make(chan error, 1)
	go func() {
		_, err := s.SendApdu(context.Background(), getAppAndVersionApdu, SendApduOptions{})
		done <- err
	}()
	assert.Equal(t, int32(1), <-conn.entered)
	assert.Equal(t, int32(2), <-conn.entered)
	assert.Equal(t, StatusBusy, s.State().Status)

	close(conn.first)
	assert.Never(t, func() bool { return s.State().Status != StatusBusy }, 50*time.Millisecond, 5*time.Millisecond)

	close(conn.second)
	require.NoError(t, <-done)
	assert.Equal(t, StatusConnected, s.State().Status)
}

func TestSession_CallerCancellation(t *testing.T) {
	t.Parallel()
	conn := newBlockingConn([]byte{0x90, 0x00})
	s := newTestSession(t, conn, WithLogger(zap.NewNop().Sugar()))
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-conn.entered
		cancel()
	}()
	_, err := s.SendApdu(ctx, getAppAndVersionApdu, SendApduOptions{})

	require.ErrorIs(t, err, context.Canceled)
}

func TestSession_SerializesExchanges(t *testing.T) {
	t.Parallel()
	conn := newBlockingConn([]byte{0x90, 0x00})
	close(conn.release)
	go func() {
		for range conn.entered {
		}
	}()
	s := newTestSession(t, conn)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SendApdu(context.Background(), getAppAndVersionApdu, SendApduOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, conn.overlap.Load())
}

func TestSession_SendCommand(t *testing.T) {
	t.Parallel()
	device := mock.NewLedgerDevice().
		On(getAppAndVersionApdu, dashboardResponse).
		On([]byte{0xe0, 0xd8}, []byte{0x68, 0x07})
	s := newTestSession(t, device)

	app, err := SendCommand[command.AppAndVersion](context.Background(), s, command.GetAppAndVersion{})
	require.NoError(t, err)
	assert.Equal(t, "BOLOS", app.Name)
	assert.Equal(t, "1.6.0", app.Version)

	_, err = SendCommand[struct{}](context.Background(), s, command.OpenApp{AppName: "Missing"})
	var statusErr *command.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, uint16(0x6807), statusErr.StatusCode)
	assert.Equal(t, []byte{0xe0, 0xd8, 0x00, 0x00, 0x07, 'M', 'i', 's', 's', 'i', 'n', 'g'}, device.Sent()[1])
}

func TestSession_StartWithRefresherDisabledPings(t *testing.T) {
	t.Parallel()
	device := mock.NewLedgerDevice().On(getAppAndVersionApdu, dashboardResponse)
	s := newTestSession(t, device, WithRefresherDisabled(true))

	require.NoError(t, s.Start(context.Background()))

	assert.False(t, s.Refresher().Running())
	state := s.State()
	assert.Equal(t, StateReadyWithoutSecureChannel, state.Type)
	require.NotNil(t, state.CurrentApp)
	assert.Equal(t, "BOLOS", state.CurrentApp.Name)
	assert.Len(t, device.Sent(), 1)
}

func TestSession_StartPingFailure(t *testing.T) {
	t.Parallel()
	device := mock.NewLedgerDevice().On(getAppAndVersionApdu, []byte{0x55, 0x15})
	s := newTestSession(t, device, WithRefresherDisabled(true))

	err := s.Start(context.Background())

	var statusErr *command.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, StatusLocked, s.State().Status)
}

func TestSession_StartRunsRefresher(t *testing.T) {
	t.Parallel()
	device := mock.NewLedgerDevice().On(getAppAndVersionApdu, dashboardResponse)
	s := newTestSession(t, device, WithRefreshInterval(5*time.Millisecond))

	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return s.State().Type == StateReadyWithoutSecureChannel
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Refresher().Running())
}

func TestSession_DisableRefresher(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, mock.NewLedgerDevice())
	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.Refresher().Running())

	restoreA := s.DisableRefresher("firmware-update")
	restoreB := s.DisableRefresher("install-app")
	assert.False(t, s.Refresher().Running())

	restoreA()
	restoreA()
	assert.False(t, s.Refresher().Running())

	restoreB()
	assert.True(t, s.Refresher().Running())
}

func TestSession_Close(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, mock.NewLedgerDevice())
	require.NoError(t, s.Start(context.Background()))
	states, cancel := s.StateStream().Subscribe()
	defer cancel()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	var last State
	for state := range states {
		last = state
	}
	assert.Equal(t, StatusNotConnected, last.Status)
	assert.False(t, s.Refresher().Running())

	_, err := s.SendApdu(context.Background(), getAppAndVersionApdu, SendApduOptions{})
	require.ErrorIs(t, err, ledger.ErrSessionClosed)
	require.ErrorIs(t, s.Start(context.Background()), ledger.ErrSessionClosed)
}
