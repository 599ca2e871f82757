// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type natsHarness struct {
	nc       *nats.Conn
	engine   *Engine
	subjects Subjects
}

func newNATSHarness(t *testing.T, tbl *ConfigurationTable) *natsHarness {
	t.Helper()
	srv, nc, _, err := StartEmbeddedNATS(t.TempDir(), -1)
	require.NoError(t, err)

	subjects := Subjects{Prefix: "test"}
	store, err := NewStore(tbl)
	require.NoError(t, err)
	engine, err := NewEngine(Options{
		Store:      store,
		Dispatcher: NewNATSDispatcher(nc, subjects.ActionRequests()),
		Prober:     NewNATSProber(nc, subjects.ProbeRequests()),
		Node:       "nats-node",
	})
	require.NoError(t, err)

	bridge := NewBridge(nc, engine, NewController(engine, NewLoader(store, nil)), subjects, 4)
	require.NoError(t, bridge.Start())
	t.Cleanup(func() {
		bridge.Close()
		nc.Close()
		srv.Shutdown()
	})
	return &natsHarness{nc: nc, engine: engine, subjects: subjects}
}

func (n *natsHarness) publish(t *testing.T, subject string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, n.nc.Publish(subject, data))
}

func TestBridgeDispatchesOverNATS(t *testing.T) {
	tbl := singleRecordTable(CategoryStat{
		DecayInterval: time.Hour,
		DefaultWeight: 10,
		Thresholds:    []ThresholdEntry{{Ratio: 30, ReactivateRatio: 0, Action: ActionReset}},
	})
	n := newNATSHarness(t, tbl)

	actions, err := n.nc.SubscribeSync(n.subjects.ActionRequests())
	require.NoError(t, err)

	n.publish(t, n.subjects.DriveEvents(), DriveEvent{Drive: "sdb", Op: "add", Identity: testIdentity})
	start := time.Now()
	for i := 0; i < 3; i++ {
		n.publish(t, n.subjects.ErrorEvents(), ErrorEvent{
			Drive: "sdb",
			Sense: &SenseData{Key: SenseMediumError, ASC: 0x11},
			LBA:   uint64(i),
			Time:  start.Add(time.Duration(i) * time.Second),
		})
	}

	msg, err := actions.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var req ActionRequest
	require.NoError(t, json.Unmarshal(msg.Data, &req))
	assert.Equal(t, "sdb", req.Drive)
	assert.Equal(t, ActionReset, req.Action)
	assert.Equal(t, "nats-node", req.Node)
	assert.Equal(t, uint32(30), req.Ratio)

	n.publish(t, n.subjects.ActionCompleted(), ActionCompletion{Drive: "sdb", ID: req.ID})
	assert.Eventually(t, func() bool {
		st, err := n.engine.DriveStats("sdb")
		return err == nil && st.InFlight == NoAction
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBridgeProbeRoundTrip(t *testing.T) {
	n := newNATSHarness(t, nil)
	probes, err := n.nc.SubscribeSync(n.subjects.ProbeRequests())
	require.NoError(t, err)

	n.publish(t, n.subjects.DriveEvents(), DriveEvent{Drive: "sdc", Op: "add", Identity: testIdentity})
	n.publish(t, n.subjects.IOEvents(), IOEvent{Drive: "sdc", IO: 9, Phase: "start", Time: time.Now().Add(-time.Hour)})
	require.Eventually(t, func() bool {
		st, err := n.engine.DriveStats("sdc")
		return err == nil && st.OutstandingIO == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, n.engine.Sweep(time.Now()))
	msg, err := probes.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var req ProbeRequest
	require.NoError(t, json.Unmarshal(msg.Data, &req))
	assert.Equal(t, "sdc", req.Drive)

	n.publish(t, n.subjects.ProbeResults(), ProbeResult{Drive: "sdc", OK: false})
	assert.Eventually(t, func() bool {
		st, err := n.engine.DriveStats("sdc")
		return err == nil && st.ProbeFailures == 1 && !st.ProbeOutstanding
	}, 5*time.Second, 10*time.Millisecond)

	n.publish(t, n.subjects.DriveEvents(), DriveEvent{Drive: "sdc", Op: "remove"})
	assert.Eventually(t, func() bool {
		return len(n.engine.Drives()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendControl(t *testing.T) {
	n := newNATSHarness(t, nil)
	require.NoError(t, n.engine.AddDrive("sdb", testIdentity))

	resp, raw, err := SendControl(n.nc, n.subjects.Control(), ControlRequest{Command: CmdStatus}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.NotEmpty(t, resp.ID)
	assert.Contains(t, string(raw), `"drives":1`)

	resp, _, err = SendControl(n.nc, n.subjects.Control(), ControlRequest{Command: CmdForceAction, Drive: "sdb", Action: "reset"}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "reset", resp.Data)

	resp, _, err = SendControl(n.nc, n.subjects.Control(), ControlRequest{Command: CmdClearStats, Drive: "nope"}, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "nope")
}
