// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	json "github.com/goccy/go-json"
)

// smartctl exit status bits, see smartctl(8)
const (
	exitCommandLine   = 1 << 0
	exitDeviceOpen    = 1 << 1
	exitCommandFailed = 1 << 2
	exitDiskFailing   = 1 << 3
)

// ScanOutput is the output of smartctl --scan-open -j.
type ScanOutput struct {
	Smartctl Details  `json:"smartctl"`
	Devices  []Device `json:"devices"`
}

type Device struct {
	InfoName string `json:"info_name"`
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Type     string `json:"type"`
}

type Details struct {
	Argv       []string `json:"argv"`
	ExitStatus int64    `json:"exit_status"`
	Version    []int64  `json:"version"`
}

type SmartStatus struct {
	Passed bool `json:"passed"`
}

// InfoOutput holds the identity and health fields of smartctl --json --info --health.
type InfoOutput struct {
	Device          Device      `json:"device"`
	DeviceModel     string      `json:"device_model,omitempty"`
	ModelFamily     string      `json:"model_family,omitempty"`
	ModelName       string      `json:"model_name,omitempty"`
	ModelNumber     string      `json:"model_number,omitempty"`
	Product         string      `json:"product,omitempty"`
	Vendor          string      `json:"vendor,omitempty"`
	SCSIVendor      string      `json:"scsi_vendor,omitempty"`
	SCSIProduct     string      `json:"scsi_product,omitempty"`
	SCSIModelName   string      `json:"scsi_model_name,omitempty"`
	SCSIRevision    string      `json:"scsi_revision,omitempty"`
	FirmwareVersion string      `json:"firmware_version,omitempty"`
	SerialNumber    string      `json:"serial_number,omitempty"`
	RotationRate    int64       `json:"rotation_rate,omitempty"`
	SmartStatus     SmartStatus `json:"smart_status"`
	Smartctl        Details     `json:"smartctl"`
}

// Responded reports whether the device answered the commands smartctl sent.
func (o *InfoOutput) Responded() bool {
	return o.Smartctl.ExitStatus&(exitCommandLine|exitDeviceOpen|exitCommandFailed) == 0
}

// Healthy reports a responding device whose SMART status has not tripped.
func (o *InfoOutput) Healthy() bool {
	return o.Responded() && o.Smartctl.ExitStatus&exitDiskFailing == 0 && o.SmartStatus.Passed
}

// Runner executes smartctl with args and returns its stdout.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

func checkSmartctlInstalled() bool {
	_, err := exec.LookPath("smartctl")
	return err == nil
}

// runSmartctl returns stdout even when smartctl exits non-zero, since the
// exit status is a bit mask and the JSON body is still produced.
func runSmartctl(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, "smartctl", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(out) > 0 {
			return out, nil
		}
		return nil, fmt.Errorf("error running smartctl: %w", err)
	}
	return out, nil
}

func scanDevices(ctx context.Context, run Runner) (*ScanOutput, error) {
	out, err := run(ctx, "--scan-open", "-j")
	if err != nil {
		return nil, err
	}
	var scan ScanOutput
	if err := json.Unmarshal(out, &scan); err != nil {
		return nil, fmt.Errorf("error parsing smartctl scan: %w", err)
	}
	return &scan, nil
}

func deviceInfo(ctx context.Context, run Runner, device string) (*InfoOutput, error) {
	out, err := run(ctx, "--json", "--info", "--health", "--tolerance=verypermissive", "--nocheck=standby", device)
	if err != nil {
		return nil, err
	}
	var info InfoOutput
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("error parsing smartctl output for %s: %w", device, err)
	}
	return &info, nil
}
