// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/luxfi/ledger-dmk/command"
	"github.com/luxfi/ledger-dmk/internal/config"
	"github.com/luxfi/ledger-dmk/session"
)

func newDevicesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List connected Ledger devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := a.admin()
			if err != nil {
				return err
			}
			infos, err := admin.ListDevices()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "no devices found")
				return nil
			}
			for i, info := range infos {
				fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", i, info.Model, info.Product, info.Path)
			}
			return nil
		},
	}
}

func newSendCmd(a *app) *cobra.Command {
	var (
		polling  bool
		triggers bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <apdu-hex>",
		Short: "Send a raw APDU and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apdu, err := hex.DecodeString(strings.ReplaceAll(args[0], " ", ""))
			if err != nil {
				return fmt.Errorf("invalid APDU hex: %w", err)
			}
			s, closeAll, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			response, err := s.SendApdu(cmd.Context(), apdu, session.SendApduOptions{
				IsPolling:             polling,
				TriggersDisconnection: triggers,
				AbortTimeout:          timeout,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%x %04x\n", response.Data, response.StatusCode)
			return nil
		},
	}
	cmd.Flags().BoolVar(&polling, "polling", false, "do not mark the device busy")
	cmd.Flags().BoolVar(&triggers, "triggers-disconnection", false, "wait for the device to reconnect after a success")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort if no response within this duration")
	return cmd
}

func newAppCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "app",
		Short: "Print the running application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, closeAll, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			running, err := session.SendCommand[command.AppAndVersion](cmd.Context(), s, command.GetAppAndVersion{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", running.Name, running.Version)
			return nil
		},
	}
}

func newOpenAppCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "open-app <name>",
		Short: "Open an application from the dashboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeAll, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			if _, err := session.SendCommand[struct{}](cmd.Context(), s, command.OpenApp{AppName: args[0]}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "opened %s\n", args[0])
			return nil
		},
	}
}

func newCloseAppCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "close-app",
		Short: "Quit the running application",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, closeAll, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			if _, err := session.SendCommand[struct{}](cmd.Context(), s, command.CloseApp{}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "closed")
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print device state changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, closeAll, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer closeAll()

			states, cancel := s.StateStream().Subscribe()
			defer cancel()
			out := cmd.OutOrStdout()
			for seen := 0; count <= 0 || seen < count; seen++ {
				select {
				case state, ok := <-states:
					if !ok {
						return nil
					}
					fmt.Fprintln(out, formatState(state))
				case <-cmd.Context().Done():
					return nil
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many states (0 watches forever)")
	return cmd
}

func formatState(state session.State) string {
	app := "-"
	if state.CurrentApp != nil {
		app = state.CurrentApp.Name + " " + state.CurrentApp.Version
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s", state.Status, state.Type, state.DeviceModelID, app)
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the ledgerctl configuration",
	}
	var overwrite bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault(a.flags.configPath, overwrite)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
