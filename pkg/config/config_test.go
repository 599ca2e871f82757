// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
global:
  nats_url: nats://localhost:4222
  node_name: storage-01
engine:
  coalesce_window_ms: 250
  workers: 4
table:
  source: /etc/dieh/table.yaml
  watch: true
policies:
  end_of_life: false
prometheus:
  enabled: true
  port: 9100
probe:
  result_timeout_ms: 45000
drives:
  - id: sda
    device: /dev/sda
    vendor: Seagate
    part_number: ST16000NM001G
    serial: ZL2ABCDE
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dieh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.Global.NatsURL)
	assert.Equal(t, "storage-01", cfg.Global.NodeName)
	assert.Equal(t, "dieh", cfg.Global.SubjectPrefix)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.CoalesceWindow())
	// unset timings defer to the table
	assert.Zero(t, cfg.Engine.ServiceTimeLimit())
	assert.Zero(t, cfg.Engine.ActionSettleTime())
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.True(t, cfg.Table.Watch)
	assert.Equal(t, map[string]bool{"end_of_life": false}, cfg.Policies)
	assert.Equal(t, 9100, cfg.Prometheus.Port)
	assert.True(t, cfg.Probe.Enabled)
	assert.Equal(t, 45*time.Second, cfg.Probe.ResultTimeout())
	require.Len(t, cfg.Drives, 1)
	assert.Equal(t, "ZL2ABCDE", cfg.Drives[0].Serial)
}

func TestLoadConfigInvalid(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "engine:\n  workers: 2\n"))
	assert.ErrorContains(t, err, "nats_url")

	_, err = LoadConfig(writeConfig(t, "embedded_nats:\n  enabled: true\ndrives:\n  - device: /dev/sda\n"))
	assert.ErrorContains(t, err, "id is required")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "default", cfg.Table.Source)
	assert.Equal(t, -1, cfg.EmbeddedNATS.Port)
	assert.Zero(t, cfg.Engine.CoalesceWindow())
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, time.Second, cfg.Engine.SweepInterval())
	assert.Equal(t, 10*time.Second, cfg.Probe.Timeout())
	assert.Zero(t, cfg.Probe.ResultTimeout(), "derived from the service time limit")

	assert.Error(t, cfg.Validate())
	cfg.EmbeddedNATS.Enabled = true
	assert.NoError(t, cfg.Validate())
}
