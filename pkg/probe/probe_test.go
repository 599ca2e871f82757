// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cobaltcore-dev/dieh/pkg/dieh"
	json "github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scsiInfo = `{
  "smartctl": {"version": [7, 3], "argv": ["smartctl", "--json", "/dev/sdb"], "exit_status": 0},
  "device": {"name": "/dev/sdb", "info_name": "/dev/sdb", "type": "scsi", "protocol": "SCSI"},
  "scsi_vendor": "HGST",
  "scsi_product": "HUH721212AL5200",
  "scsi_model_name": "HGST HUH721212AL5200",
  "scsi_revision": "A3D0",
  "serial_number": "8DGXYZ1H",
  "rotation_rate": 7200,
  "smart_status": {"passed": true}
}`

const ataInfo = `{
  "smartctl": {"exit_status": 4},
  "device": {"name": "/dev/sda", "info_name": "/dev/sda [SAT]", "type": "sat", "protocol": "ATA"},
  "model_family": "Seagate Exos X16",
  "model_name": "ST16000NM001G-2KK103",
  "firmware_version": "SN03",
  "serial_number": "ZL2ABCDE",
  "rotation_rate": 7200,
  "smart_status": {"passed": true}
}`

const scanOutput = `{
  "smartctl": {"exit_status": 0},
  "devices": [
    {"name": "/dev/sda", "info_name": "/dev/sda [SAT]", "type": "sat", "protocol": "ATA"},
    {"name": "/dev/sdb", "info_name": "/dev/sdb", "type": "scsi", "protocol": "SCSI"},
    {"name": "/dev/sdc", "info_name": "/dev/sdc", "type": "scsi", "protocol": "SCSI"}
  ]
}`

func TestFindVendor(t *testing.T) {
	assert.Equal(t, "Seagate", FindVendor("ST16000NM001G", ""))
	assert.Equal(t, "HGST", FindVendor("HUH721212AL5200", ""))
	assert.Equal(t, "Samsung", FindVendor("", "Samsung based SSDs"))
	assert.Equal(t, "", FindVendor("QEMU HARDDISK", ""))
}

func TestNormalizeVendor(t *testing.T) {
	assert.Equal(t, "HGST", NormalizeVendor("Hitachi", "", ""))
	assert.Equal(t, "WesternDigital", NormalizeVendor("WDC", "", ""))
	// generic transport names fall back to the model
	assert.Equal(t, "Seagate", NormalizeVendor("ATA", "ST16000NM001G", ""))
	// unknown vendors are kept as reported
	assert.Equal(t, "NETAPP", NormalizeVendor(" NETAPP ", "X357", ""))
	assert.Equal(t, "", NormalizeVendor("", "QEMU HARDDISK", ""))
}

func TestOEMLabel(t *testing.T) {
	assert.Equal(t, "Dell (Seagate OEM)", OEMLabel("DELL", "Seagate ST4000", ""))
	assert.Equal(t, "Lenovo (Toshiba OEM)", OEMLabel("Lenovo", "", "TOSHIBA MG07"))
	assert.Equal(t, "", OEMLabel("Seagate", "ST4000", ""))
}

func TestIdentityFromInfo(t *testing.T) {
	var info InfoOutput
	require.NoError(t, json.Unmarshal([]byte(scsiInfo), &info))

	id := IdentityFromInfo("/dev/sdb", &info)
	assert.Equal(t, dieh.DriveIdentity{
		Device:     "/dev/sdb",
		DriveType:  TypeHDD,
		Vendor:     "HGST",
		PartNumber: "HUH721212AL5200",
		Firmware:   "A3D0",
		Serial:     "8DGXYZ1H",
	}, id)
	assert.True(t, id.Complete())

	require.NoError(t, json.Unmarshal([]byte(ataInfo), &info))
	id = IdentityFromInfo("/dev/sda", &info)
	assert.Equal(t, "Seagate", id.Vendor)
	assert.Equal(t, "ST16000NM001G-2KK103", id.PartNumber)
	assert.Equal(t, "SN03", id.Firmware)
}

func TestInfoHealth(t *testing.T) {
	var info InfoOutput
	require.NoError(t, json.Unmarshal([]byte(scsiInfo), &info))
	assert.True(t, info.Responded())
	assert.True(t, info.Healthy())

	// a failed command means the drive did not answer
	require.NoError(t, json.Unmarshal([]byte(ataInfo), &info))
	assert.False(t, info.Responded())
	assert.False(t, info.Healthy())

	info = InfoOutput{Smartctl: Details{ExitStatus: exitDiskFailing}, SmartStatus: SmartStatus{Passed: false}}
	assert.True(t, info.Responded())
	assert.False(t, info.Healthy())
}

func fakeRunner(outputs map[string]string) Runner {
	return func(_ context.Context, args ...string) ([]byte, error) {
		key := args[len(args)-1]
		if out, ok := outputs[key]; ok {
			return []byte(out), nil
		}
		return nil, errors.New("no such device")
	}
}

func TestDiscover(t *testing.T) {
	d := &Discoverer{run: fakeRunner(map[string]string{
		"-j":       scanOutput,
		"/dev/sda": ataInfo,
		"/dev/sdb": scsiInfo,
	})}

	drives, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, drives, 2)
	assert.Equal(t, "HGST", drives["sdb"].Vendor)
	assert.Equal(t, "/dev/sda", drives["sda"].Device)
	_, ok := drives["sdc"]
	assert.False(t, ok, "unreadable drives are skipped")
}

func TestProberSmartctl(t *testing.T) {
	results := make(chan bool, 2)
	p := &Prober{
		timeout:  time.Second,
		sem:      make(chan struct{}, 1),
		smartctl: true,
		run:      fakeRunner(map[string]string{"/dev/sdb": scsiInfo, "/dev/sda": ataInfo}),
		onResult: func(_ string, ok bool) { results <- ok },
	}

	p.Probe(dieh.ProbeRequest{Drive: "sdb", Identity: dieh.DriveIdentity{Device: "/dev/sdb"}})
	assert.True(t, <-results)

	// without a device path the drive id is used
	p.Probe(dieh.ProbeRequest{Drive: "sda"})
	assert.False(t, <-results)
}

func TestProberFallback(t *testing.T) {
	p := &Prober{
		timeout: time.Second,
		sem:     make(chan struct{}, 1),
		counters: func(_ context.Context, names ...string) (map[string]disk.IOCountersStat, error) {
			if names[0] == "sdb" {
				return map[string]disk.IOCountersStat{"sdb": {Name: "sdb"}}, nil
			}
			return map[string]disk.IOCountersStat{}, nil
		},
	}

	assert.True(t, p.check(context.Background(), dieh.ProbeRequest{Drive: "sdb"}))
	assert.False(t, p.check(context.Background(), dieh.ProbeRequest{Drive: "sdz"}))
}
