// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cobaltcore-dev/dieh/pkg/config"
	"github.com/cobaltcore-dev/dieh/pkg/dieh"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = `
records:
  - description: fallback
    default: true
    categories:
      - name: media
        decay_interval_ms: 3600000
        weight: 50
        thresholds:
          - {ratio: 100, action: fail}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testTable), 0o644))

	cfg := config.Default()
	cfg.Global.NodeName = "node-a"
	cfg.Global.SubjectPrefix = "svc"
	cfg.EmbeddedNATS.Enabled = true
	cfg.EmbeddedNATS.StoreDir = t.TempDir()
	cfg.Table.Source = path
	cfg.Probe.Enabled = false
	cfg.Policies = map[string]bool{"end_of_life": false}
	cfg.Drives = []config.DriveConfig{{
		ID:         "sdb",
		Device:     "/dev/sdb",
		Type:       "hdd",
		Vendor:     "Seagate",
		PartNumber: "ST16000NM001G",
		Firmware:   "SN03",
		Serial:     "ZL2ABCDE",
	}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestServiceStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc, err := Start(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		svc.Close()
	})

	assert.Equal(t, []string{"sdb"}, svc.Engine.Drives())
	assert.Equal(t, "node-a", svc.Engine.Node())
	assert.False(t, svc.Engine.Policies().Enabled(dieh.PolicyEndOfLife))
	assert.Equal(t, "fallback", svc.Engine.Store().Snapshot().Records[0].Description)

	actions, err := svc.Conn().SubscribeSync(svc.Subjects.ActionRequests())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		data, err := json.Marshal(dieh.ErrorEvent{
			Drive: "sdb",
			Sense: &dieh.SenseData{Key: dieh.SenseMediumError, ASC: 0x11},
			LBA:   uint64(100 + i),
			Time:  time.Now().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		require.NoError(t, svc.Conn().Publish(svc.Subjects.ErrorEvents(), data))
	}

	msg, err := actions.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var req dieh.ActionRequest
	require.NoError(t, json.Unmarshal(msg.Data, &req))
	assert.Equal(t, dieh.ActionFail, req.Action)
	assert.Equal(t, "node-a", req.Node)

	resp, _, err := dieh.SendControl(svc.Conn(), svc.Subjects.Control(), dieh.ControlRequest{Command: dieh.CmdStatus}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
}

func TestServiceRejectsUnknownPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policies = map[string]bool{"turbo": true}
	_, err := Start(context.Background(), cfg)
	assert.ErrorIs(t, err, dieh.ErrUnknownPolicy)
}

func TestIsFileSource(t *testing.T) {
	assert.True(t, isFileSource("/etc/dieh/table.xml"))
	assert.False(t, isFileSource("default"))
	assert.False(t, isFileSource(""))
	assert.False(t, isFileSource("nats-kv://dieh-tables/current"))
}
