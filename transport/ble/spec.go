// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// Forked from github.com/zondax/ledger-go
// Licensed under the Apache License, Version 2.0

package ble

import (
	"strings"

	ledger "github.com/luxfi/ledger-dmk"
)

// ServiceSpec lists the GATT UUIDs a device model exposes.
type ServiceSpec struct {
	Model        ledger.DeviceModelID
	ServiceUUID  string
	NotifyUUID   string
	WriteUUID    string
	WriteCmdUUID string
}

var serviceSpecs = []ServiceSpec{
	{
		Model:        ledger.DeviceModelNanoX,
		ServiceUUID:  "13d63400-2c97-0004-0000-4c6564676572",
		NotifyUUID:   "13d63400-2c97-0004-0001-4c6564676572",
		WriteUUID:    "13d63400-2c97-0004-0002-4c6564676572",
		WriteCmdUUID: "13d63400-2c97-0004-0003-4c6564676572",
	},
	{
		Model:        ledger.DeviceModelStax,
		ServiceUUID:  "13d63400-2c97-6004-0000-4c6564676572",
		NotifyUUID:   "13d63400-2c97-6004-0001-4c6564676572",
		WriteUUID:    "13d63400-2c97-6004-0002-4c6564676572",
		WriteCmdUUID: "13d63400-2c97-6004-0003-4c6564676572",
	},
	{
		Model:        ledger.DeviceModelFlex,
		ServiceUUID:  "13d63400-2c97-3004-0000-4c6564676572",
		NotifyUUID:   "13d63400-2c97-3004-0001-4c6564676572",
		WriteUUID:    "13d63400-2c97-3004-0002-4c6564676572",
		WriteCmdUUID: "13d63400-2c97-3004-0003-4c6564676572",
	},
}

// ServiceSpecs returns the GATT layouts of every BLE capable model.
func ServiceSpecs() []ServiceSpec {
	return append([]ServiceSpec(nil), serviceSpecs...)
}

// SpecForService finds the model advertising serviceUUID.
func SpecForService(serviceUUID string) (ServiceSpec, bool) {
	for _, spec := range serviceSpecs {
		if strings.EqualFold(spec.ServiceUUID, serviceUUID) {
			return spec, true
		}
	}
	return ServiceSpec{}, false
}
