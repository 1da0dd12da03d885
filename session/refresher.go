// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/ledger-dmk/command"
	"github.com/luxfi/ledger-dmk/internal/syncutil"
)

// DefaultRefreshInterval is the polling period of the refresher.
const DefaultRefreshInterval = time.Second

// RefresherMetrics counts refresher activity.
type RefresherMetrics struct {
	PollCycles  int64
	PollErrors  int64
	SkippedBusy int64
}

// Refresher polls the running application while the session is idle.
type Refresher struct {
	log      *zap.SugaredLogger
	interval time.Duration
	state    *StateStream
	poll     func(ctx context.Context) (command.AppAndVersion, error)

	mu     syncutil.Mutex
	stop   context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Bool

	pollCycles  atomic.Int64
	pollErrors  atomic.Int64
	skippedBusy atomic.Int64
}

func newRefresher(log *zap.SugaredLogger, interval time.Duration, state *StateStream,
	poll func(ctx context.Context) (command.AppAndVersion, error),
) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Refresher{
		log:      log,
		interval: interval,
		state:    state,
		poll:     poll,
	}
}

// Start launches the polling loop. Starting a running refresher is a no-op.
func (r *Refresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return
	}
	ctx, stop := context.WithCancel(context.Background())
	r.stop = stop
	r.active.Store(true)
	r.wg.Add(1)
	go r.loop(ctx)
	r.log.Debugw("Refresher started", "interval", r.interval)
}

// Stop ends the polling loop and waits for it. Stopping a stopped refresher
// is a no-op.
func (r *Refresher) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	r.wg.Wait()
	r.active.Store(false)
	r.log.Debug("Refresher stopped")
}

// Running reports whether the loop is active.
func (r *Refresher) Running() bool {
	return r.active.Load()
}

// SetDeviceStatus stops the refresher when the device goes away.
func (r *Refresher) SetDeviceStatus(status DeviceStatus) {
	if status == StatusNotConnected {
		r.Stop()
	}
}

// Metrics returns a snapshot of the counters.
func (r *Refresher) Metrics() RefresherMetrics {
	return RefresherMetrics{
		PollCycles:  r.pollCycles.Load(),
		PollErrors:  r.pollErrors.Load(),
		SkippedBusy: r.skippedBusy.Load(),
	}
}

func (r *Refresher) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one refresh cycle.
func (r *Refresher) tick(ctx context.Context) {
	switch r.state.Get().Status {
	case StatusBusy, StatusNotConnected:
		r.skippedBusy.Add(1)
		return
	}

	r.pollCycles.Add(1)
	app, err := r.poll(ctx)
	if err != nil {
		r.pollErrors.Add(1)
		if ctx.Err() == nil {
			r.log.Errorw("Error in refresher", "error", err)
		}
		return
	}
	r.state.Update(func(s State) State {
		s.Type = StateReadyWithoutSecureChannel
		s.CurrentApp = &app
		if s.InstalledApps == nil {
			s.InstalledApps = []Application{}
		}
		return s
	})
}
