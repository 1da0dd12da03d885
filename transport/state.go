// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package transport

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// State is the lifecycle state of a connection adapter.
type State string

const (
	StateNotReady             State = "not-ready"
	StateNegotiating          State = "negotiating"
	StateReady                State = "ready"
	StateAwaitingReconnection State = "awaiting-reconnection"
	StateTerminated           State = "terminated"
)

const (
	eventNegotiate = "negotiate"
	eventReady     = "ready"
	eventLose      = "lose"
	eventTerminate = "terminate"
)

func newStateMachine(log *zap.SugaredLogger) *fsm.FSM {
	return fsm.NewFSM(
		string(StateNotReady),
		fsm.Events{
			{Name: eventNegotiate, Src: []string{string(StateNotReady), string(StateAwaitingReconnection)}, Dst: string(StateNegotiating)},
			{Name: eventReady, Src: []string{string(StateNotReady), string(StateNegotiating), string(StateAwaitingReconnection)}, Dst: string(StateReady)},
			{Name: eventLose, Src: []string{string(StateReady), string(StateNegotiating)}, Dst: string(StateAwaitingReconnection)},
			{Name: eventTerminate, Src: []string{
				string(StateNotReady), string(StateNegotiating), string(StateReady), string(StateAwaitingReconnection),
			}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugw("Connection state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
}

// fire triggers event when the current state allows it. Events that do not
// apply are ignored: a ready link receiving a second negotiation answer stays
// ready.
func fire(machine *fsm.FSM, event string) bool {
	if !machine.Can(event) {
		return false
	}
	return machine.Event(context.Background(), event) == nil
}
