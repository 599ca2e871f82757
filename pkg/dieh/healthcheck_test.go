// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProber struct {
	mu   sync.Mutex
	reqs []ProbeRequest
}

func (p *recordingProber) Probe(req ProbeRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
}

func (p *recordingProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func TestSweepProbesOncePerDrive(t *testing.T) {
	h := newHarness(t, nil)
	p := &recordingProber{}
	h.engine.SetProber(p)
	require.NoError(t, h.engine.AddDrive("sdb", testIdentity))
	require.NoError(t, h.engine.AddDrive("sdc", testIdentity))

	limit := DefaultParameters().ServiceTimeLimit
	for io := uint64(1); io <= 3; io++ {
		require.NoError(t, h.engine.IOStarted("sdb", io, h.clock.Now()))
	}
	require.NoError(t, h.engine.IOStarted("sdc", 1, h.clock.Now()))
	require.NoError(t, h.engine.IOCompleted("sdc", 1))

	assert.Zero(t, h.engine.Sweep(h.clock.Advance(limit)), "deadline not yet passed")

	// three expired I/Os on one drive make one probe
	assert.Equal(t, 1, h.engine.Sweep(h.clock.Advance(time.Second)))
	require.Equal(t, 1, p.count())
	assert.Equal(t, "sdb", p.reqs[0].Drive)
	assert.Equal(t, testIdentity, p.reqs[0].Identity)

	// outstanding probe blocks another
	require.NoError(t, h.engine.IOStarted("sdb", 4, h.clock.Now()))
	assert.Zero(t, h.engine.Sweep(h.clock.Advance(2*limit)))

	_, err := h.engine.ProbeCompleted("sdb", true)
	require.NoError(t, err)

	// only the new I/O is still unprobed
	assert.Equal(t, 1, h.engine.Sweep(h.clock.Advance(time.Second)))
	_, err = h.engine.ProbeCompleted("sdb", true)
	require.NoError(t, err)
	assert.Zero(t, h.engine.Sweep(h.clock.Advance(time.Second)))

	st, err := h.engine.DriveStats("sdb")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Probes)
	assert.Zero(t, st.ProbeFailures)
	assert.Equal(t, 4, st.OutstandingIO)
}

func TestFailedProbesEscalate(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.SetProber(&recordingProber{})
	require.NoError(t, h.engine.AddDrive("sdb", testIdentity))
	limit := DefaultParameters().ServiceTimeLimit

	probeAndFail := func(io uint64) Outcome {
		require.NoError(t, h.engine.IOStarted("sdb", io, h.clock.Now()))
		require.Equal(t, 1, h.engine.Sweep(h.clock.Advance(limit+time.Second)))
		out, err := h.engine.ProbeCompleted("sdb", false)
		require.NoError(t, err)
		return out
	}

	out := probeAndFail(1)
	assert.Equal(t, CategoryHealthCheck, out.Category)
	assert.Equal(t, uint32(50), out.Ratio)
	assert.Equal(t, NoAction, out.Action)

	out = probeAndFail(2)
	assert.Equal(t, uint32(100), out.Ratio)
	assert.Equal(t, ActionFail|ActionFailCallHome, out.Action)

	reqs := h.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, ActionFail, reqs[0].Action)
	assert.True(t, reqs[0].CallHome)
	assert.Equal(t, CategoryHealthCheck, reqs[0].Category)
}

func TestProbeCompletedWithoutProbe(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.engine.AddDrive("sdb", testIdentity))

	out, err := h.engine.ProbeCompleted("sdb", false)
	require.NoError(t, err)
	assert.Equal(t, NoAction, out.Action)

	st, err := h.engine.DriveStats("sdb")
	require.NoError(t, err)
	assert.Zero(t, st.LifetimeErrors)
}

func TestOverdueResultCountsAsFailure(t *testing.T) {
	h := newHarness(t, nil)
	p := &recordingProber{}
	h.engine.SetProber(p)
	require.NoError(t, h.engine.AddDrive("sdb", testIdentity))
	limit := DefaultParameters().ServiceTimeLimit

	require.NoError(t, h.engine.IOStarted("sdb", 1, h.clock.Now()))
	require.Equal(t, 1, h.engine.Sweep(h.clock.Advance(limit+time.Second)))

	// the result never arrives; within twice the limit the drive waits
	require.NoError(t, h.engine.IOStarted("sdb", 2, h.clock.Now()))
	assert.Zero(t, h.engine.Sweep(h.clock.Advance(2*limit)))
	st, err := h.engine.DriveStats("sdb")
	require.NoError(t, err)
	assert.True(t, st.ProbeOutstanding)
	assert.Zero(t, st.ProbeFailures)

	// past it the request is written off and the new I/O is checked
	assert.Equal(t, 1, h.engine.Sweep(h.clock.Advance(time.Second)))
	assert.Equal(t, 2, p.count())

	st, err = h.engine.DriveStats("sdb")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.ProbeFailures)
	assert.Equal(t, uint64(2), st.Probes)
	assert.True(t, st.ProbeOutstanding)
	assert.Equal(t, uint32(50), st.Categories[CategoryHealthCheck].Ratio)
}

func TestOverdueResultTimeoutOption(t *testing.T) {
	store, err := NewStore(nil)
	require.NoError(t, err)
	c := newClock()
	p := &recordingProber{}
	e, err := NewEngine(Options{Store: store, Prober: p, Now: c.Now, ResultTimeout: time.Minute})
	require.NoError(t, err)
	require.NoError(t, e.AddDrive("sdb", testIdentity))
	limit := DefaultParameters().ServiceTimeLimit

	require.NoError(t, e.IOStarted("sdb", 1, c.Now()))
	require.Equal(t, 1, e.Sweep(c.Advance(limit+time.Second)))
	require.NoError(t, e.IOStarted("sdb", 2, c.Now()))
	assert.Equal(t, 1, e.Sweep(c.Advance(time.Minute+limit+time.Second)))

	st, err := e.DriveStats("sdb")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.ProbeFailures)

	// a result for the written off request lands on the new one
	_, err = e.ProbeCompleted("sdb", true)
	require.NoError(t, err)
	st, err = e.DriveStats("sdb")
	require.NoError(t, err)
	assert.False(t, st.ProbeOutstanding)
}

func TestClearStatsReleasesOutstandingCheck(t *testing.T) {
	h := newHarness(t, nil)
	p := &recordingProber{}
	h.engine.SetProber(p)
	require.NoError(t, h.engine.AddDrive("sdb", testIdentity))
	limit := DefaultParameters().ServiceTimeLimit

	require.NoError(t, h.engine.IOStarted("sdb", 1, h.clock.Now()))
	require.Equal(t, 1, h.engine.Sweep(h.clock.Advance(limit+time.Second)))

	require.NoError(t, h.engine.ClearStats("sdb"))
	st, err := h.engine.DriveStats("sdb")
	require.NoError(t, err)
	assert.False(t, st.ProbeOutstanding)

	require.NoError(t, h.engine.IOStarted("sdb", 2, h.clock.Now()))
	assert.Equal(t, 1, h.engine.Sweep(h.clock.Advance(limit+time.Second)))
	assert.Equal(t, 2, p.count())
}

func TestHealthCheckPolicy(t *testing.T) {
	h := newHarness(t, nil)
	p := &recordingProber{}
	h.engine.SetProber(p)
	require.NoError(t, h.engine.AddDrive("sdb", testIdentity))
	require.NoError(t, h.engine.SetPolicy(PolicyHealthCheck, false))

	require.NoError(t, h.engine.IOStarted("sdb", 1, h.clock.Now()))
	assert.Zero(t, h.engine.Sweep(h.clock.Advance(time.Hour)))

	require.NoError(t, h.engine.SetPolicy(PolicyHealthCheck, true))
	assert.Equal(t, 1, h.engine.Sweep(h.clock.Now()))
}

func TestRunHealthCheck(t *testing.T) {
	store, err := NewStore(nil)
	require.NoError(t, err)
	probed := make(chan ProbeRequest, 1)
	e, err := NewEngine(Options{
		Store:            store,
		Dispatcher:       NewChannelDispatcher(1),
		ServiceTimeLimit: time.Millisecond,
		Prober: ProberFunc(func(req ProbeRequest) {
			select {
			case probed <- req:
			default:
			}
		}),
	})
	require.NoError(t, err)
	require.NoError(t, e.AddDrive("sdb", testIdentity))
	require.NoError(t, e.IOStarted("sdb", 1, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RunHealthCheck(ctx, 5*time.Millisecond)

	select {
	case req := <-probed:
		assert.Equal(t, "sdb", req.Drive)
	case <-time.After(5 * time.Second):
		t.Fatal("no probe issued")
	}
}
