// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/cobaltcore-dev/dieh/pkg/dieh"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"
)

// Drive types reported in identities. They are what match records use
// in their type attribute.
const (
	TypeHDD  = "hdd"
	TypeSSD  = "ssd"
	TypeNVMe = "nvme"
)

// IdentityFromInfo fills a drive identity from smartctl output. Protocols
// put the model in different fields.
func IdentityFromInfo(device string, info *InfoOutput) dieh.DriveIdentity {
	id := dieh.DriveIdentity{
		Device:   device,
		Firmware: info.FirmwareVersion,
		Serial:   info.SerialNumber,
	}

	var vendor, model string
	switch strings.ToUpper(info.Device.Protocol) {
	case "SCSI":
		vendor = info.SCSIVendor
		model = info.SCSIProduct
		if model == "" {
			model = info.SCSIModelName
		}
		if id.Firmware == "" {
			id.Firmware = info.SCSIRevision
		}
		id.DriveType = TypeHDD
		if info.RotationRate == 0 && strings.Contains(strings.ToLower(info.Device.Type), "ssd") {
			id.DriveType = TypeSSD
		}
	case "NVME":
		vendor = info.Vendor
		model = info.ModelNumber
		if model == "" {
			model = info.ModelName
		}
		id.DriveType = TypeNVMe
	default:
		vendor = info.Vendor
		model = info.DeviceModel
		if model == "" {
			model = info.ModelName
		}
		id.DriveType = TypeHDD
		if info.RotationRate == 0 {
			id.DriveType = TypeSSD
		}
	}

	id.PartNumber = strings.TrimSpace(model)
	id.Vendor = NormalizeVendor(vendor, model, info.ModelFamily)
	if oem := OEMLabel(vendor, model, info.Product); oem != "" {
		log.Debug().Str("device", device).Str("oem", oem).Msg("rebranded drive")
	}
	return id
}

// Discoverer finds local drives and reads their identities.
type Discoverer struct {
	run Runner
}

func NewDiscoverer() *Discoverer {
	return &Discoverer{run: runSmartctl}
}

// Discover scans for drives. Drives whose info cannot be read are
// skipped. The drive id is the kernel device name, e.g. "sda".
func (d *Discoverer) Discover(ctx context.Context) (map[string]dieh.DriveIdentity, error) {
	scan, err := scanDevices(ctx, d.run)
	if err != nil {
		return nil, err
	}

	drives := make(map[string]dieh.DriveIdentity, len(scan.Devices))
	for _, dev := range scan.Devices {
		info, err := deviceInfo(ctx, d.run, dev.Name)
		if err != nil {
			log.Warn().Err(err).Str("device", dev.Name).Msg("skipping drive")
			continue
		}
		id := IdentityFromInfo(dev.Name, info)
		if id.Serial == "" {
			if serial, err := disk.SerialNumberWithContext(ctx, dev.Name); err == nil {
				id.Serial = serial
			}
		}
		drives[DriveID(dev.Name)] = id
		log.Info().
			Str("device", dev.Name).
			Str("vendor", id.Vendor).
			Str("part_number", id.PartNumber).
			Str("firmware", id.Firmware).
			Msg("discovered drive")
	}
	return drives, nil
}

// DriveID is the id under which a device path is tracked.
func DriveID(device string) string {
	return filepath.Base(device)
}
