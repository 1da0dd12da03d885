// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package session

import (
	"context"

	ledger "github.com/luxfi/ledger-dmk"
	"github.com/luxfi/ledger-dmk/command"
	"github.com/luxfi/ledger-dmk/intentqueue"
)

// InternalAPI is what a device action sees of its session. Its calls run
// inside the queue slot the action already holds, so they must not be used
// once the action returned.
type InternalAPI interface {
	SendApdu(ctx context.Context, apdu []byte, triggersDisconnection bool) (ledger.ApduResponse, error)
	DeviceModel() ledger.DeviceModelID
	State() State
	SetState(state State) State
	StateStream() *StateStream
}

// DeviceAction is a multi-step workflow. It emits intermediate values and
// returns when done; ctx is cancelled if the caller cancels it.
type DeviceAction[T any] interface {
	Execute(ctx context.Context, api InternalAPI, emit func(T)) error
}

// DeviceActionFunc adapts a function to DeviceAction.
type DeviceActionFunc[T any] func(ctx context.Context, api InternalAPI, emit func(T)) error

func (f DeviceActionFunc[T]) Execute(ctx context.Context, api InternalAPI, emit func(T)) error {
	return f(ctx, api, emit)
}

// ExecuteDeviceAction queues action on s. The returned handle streams the
// action's values; cancelling it cancels the action.
func ExecuteDeviceAction[T any](s *Session, action DeviceAction[T]) *intentqueue.Handle[T] {
	return intentqueue.Enqueue(s.queue, intentqueue.TypeDeviceAction,
		func(ctx context.Context, emit func(T)) error {
			return action.Execute(ctx, s.internal(false), emit)
		})
}

// RunCommand sends cmd through api and parses the answer. Device actions use
// it to run commands inside their queue slot.
func RunCommand[T any](ctx context.Context, api InternalAPI, cmd command.Command[T]) (T, error) {
	return runCommand(ctx, api, cmd)
}

func runCommand[T any](ctx context.Context, api InternalAPI, cmd command.Command[T]) (T, error) {
	var zero T
	response, err := api.SendApdu(ctx, cmd.Apdu().Raw(), cmd.TriggersDisconnection())
	if err != nil {
		return zero, err
	}
	return cmd.ParseResponse(response)
}

type internalAPI struct {
	s       *Session
	polling bool
}

func (s *Session) internal(polling bool) InternalAPI {
	return &internalAPI{s: s, polling: polling}
}

func (a *internalAPI) SendApdu(ctx context.Context, apdu []byte, triggersDisconnection bool) (ledger.ApduResponse, error) {
	return a.s.exchange(ctx, apdu, a.polling, triggersDisconnection)
}

func (a *internalAPI) DeviceModel() ledger.DeviceModelID {
	return a.s.opts.model
}

func (a *internalAPI) State() State {
	return a.s.state.Get()
}

func (a *internalAPI) SetState(state State) State {
	return a.s.state.Update(func(State) State { return state })
}

func (a *internalAPI) StateStream() *StateStream {
	return a.s.state
}
