// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

// Package config loads ledgerctl settings from YAML and LEDGER_* variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/ledger-dmk/session"
	"github.com/luxfi/ledger-dmk/transport"
	"github.com/luxfi/ledger-dmk/transport/speculos"
)

// Transport names.
const (
	TransportHID      = "hid"
	TransportSpeculos = "speculos"
	TransportMock     = "mock"
)

// Config is the top-level configuration.
type Config struct {
	Transport  string           `mapstructure:"transport" yaml:"transport"`
	HID        HIDConfig        `mapstructure:"hid" yaml:"hid"`
	Speculos   SpeculosConfig   `mapstructure:"speculos" yaml:"speculos"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// HIDConfig selects the USB device.
type HIDConfig struct {
	DeviceIndex int `mapstructure:"device_index" yaml:"device_index"`
}

// SpeculosConfig points at the emulator API.
type SpeculosConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// SessionConfig tunes the device session.
type SessionConfig struct {
	RefreshInterval   time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	RefresherDisabled bool          `mapstructure:"refresher_disabled" yaml:"refresher_disabled"`
}

// ConnectionConfig tunes the physical connection.
type ConnectionConfig struct {
	ReconnectTimeout time.Duration `mapstructure:"reconnect_timeout" yaml:"reconnect_timeout"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Transport: TransportHID,
		Speculos:  SpeculosConfig{URL: speculos.DefaultURL},
		Session: SessionConfig{
			RefreshInterval: session.DefaultRefreshInterval,
		},
		Connection: ConnectionConfig{
			ReconnectTimeout: transport.DefaultReconnectTimeout,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultConfigPath returns ~/.ledgerctl/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ledgerctl", "config.yaml"), nil
}

// Load reads path, or DefaultConfigPath when empty. A missing file leaves
// the defaults in place. LEDGER_* variables override both, for example
// LEDGER_SPECULOS_URL.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("transport", cfg.Transport)
	v.SetDefault("hid.device_index", cfg.HID.DeviceIndex)
	v.SetDefault("speculos.url", cfg.Speculos.URL)
	v.SetDefault("session.refresh_interval", cfg.Session.RefreshInterval)
	v.SetDefault("session.refresher_disabled", cfg.Session.RefresherDisabled)
	v.SetDefault("connection.reconnect_timeout", cfg.Connection.ReconnectTimeout)
	v.SetDefault("log.level", cfg.Log.Level)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values viper cannot.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportHID, TransportSpeculos, TransportMock:
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.HID.DeviceIndex < 0 {
		return fmt.Errorf("hid.device_index must not be negative")
	}
	if c.Session.RefreshInterval <= 0 {
		return fmt.Errorf("session.refresh_interval must be positive")
	}
	if c.Connection.ReconnectTimeout <= 0 {
		return fmt.Errorf("connection.reconnect_timeout must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log.level %q", c.Log.Level)
	}
	return nil
}

// WriteDefault writes the default configuration to path and returns the
// path written.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
