// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

// Command ledgerctl talks to a Ledger device over USB-HID, a Speculos
// emulator or an in-memory mock.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	ledger "github.com/luxfi/ledger-dmk"
	"github.com/luxfi/ledger-dmk/internal/config"
)

func main() {
	os.Exit(submain())
}

func submain() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		ledger.Logger("ledgerctl").Errorw("ledgerctl failed", "error", err)
		return 1
	}
	return 0
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	transport   string
	logLevel    string
	speculosURL string
	deviceIndex int
}

// app carries the resolved configuration to the subcommands.
type app struct {
	flags globalFlags
	cfg   config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Ledger device management CLI",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.flags.configPath, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	root.PersistentFlags().StringVar(&a.flags.transport, "transport", "", "transport: hid, speculos or mock")
	root.PersistentFlags().StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&a.flags.speculosURL, "speculos-url", "", "Speculos API base URL")
	root.PersistentFlags().IntVar(&a.flags.deviceIndex, "device-index", 0, "index of the USB device to open")

	root.AddCommand(newDevicesCmd(a))
	root.AddCommand(newSendCmd(a))
	root.AddCommand(newAppCmd(a))
	root.AddCommand(newOpenAppCmd(a))
	root.AddCommand(newCloseAppCmd(a))
	root.AddCommand(newWatchCmd(a))
	root.AddCommand(newConfigCmd(a))
	return root
}

// loadConfig merges the config file, LEDGER_* variables and flags.
func (a *app) loadConfig(cmd *cobra.Command) error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport = a.flags.transport
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}
	if flags.Changed("speculos-url") {
		cfg.Speculos.URL = a.flags.speculosURL
	}
	if flags.Changed("device-index") {
		cfg.HID.DeviceIndex = a.flags.deviceIndex
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ledger.SetLogLevel(cfg.Log.Level)
	a.cfg = cfg
	return nil
}
