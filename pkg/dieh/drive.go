// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"sync"
	"time"
)

type ioDeadline struct {
	deadline time.Time
	probed   bool
}

// driveState is the runtime state of one drive. Every field is guarded by
// mu, except id and identity which never change after AddDrive.
type driveState struct {
	mu       sync.Mutex
	id       string
	identity DriveIdentity
	addedAt  time.Time
	removed  bool

	categories [numCategories]RatioState

	lifetimeErrors uint64
	testInjections uint64
	suppressed     uint64
	coalesced      uint64
	dispatched     map[ActionFlag]uint64

	// direct actions already requested, cleared with the stats
	directLatch ActionFlag

	inFlight      ActionFlag
	inFlightSince time.Time

	outstanding      map[uint64]*ioDeadline
	probeOutstanding bool
	probeIssuedAt    time.Time
	probes           uint64
	probeFailures    uint64
}

func newDriveState(id string, identity DriveIdentity, now time.Time) *driveState {
	return &driveState{
		id:          id,
		identity:    identity,
		addedAt:     now,
		dispatched:  make(map[ActionFlag]uint64),
		outstanding: make(map[uint64]*ioDeadline),
	}
}

func (d *driveState) resetStats() {
	d.categories = [numCategories]RatioState{}
	d.lifetimeErrors = 0
	d.testInjections = 0
	d.suppressed = 0
	d.coalesced = 0
	d.dispatched = make(map[ActionFlag]uint64)
	d.directLatch = NoAction
	d.inFlight = NoAction
	d.inFlightSince = time.Time{}
	d.probeOutstanding = false
	d.probeIssuedAt = time.Time{}
	d.probes = 0
	d.probeFailures = 0
}

// CategorySnapshot is the reported state of one category.
type CategorySnapshot struct {
	Category      ErrorCategory `json:"category"`
	Ratio         uint32        `json:"ratio"`
	LastUpdate    time.Time     `json:"last_update"`
	Latched       bool          `json:"latched"`
	LatchedAction ActionFlag    `json:"latched_action"`
	LatchedRatio  uint32        `json:"latched_ratio,omitempty"`
}

// DriveStats is a point in time copy of a drive's runtime state.
type DriveStats struct {
	Drive            string             `json:"drive"`
	Identity         DriveIdentity      `json:"identity"`
	Record           string             `json:"record"`
	Generation       uint64             `json:"generation"`
	AddedAt          time.Time          `json:"added_at"`
	Categories       []CategorySnapshot `json:"categories"`
	LifetimeErrors   uint64             `json:"lifetime_errors"`
	TestInjections   uint64             `json:"test_injections"`
	Suppressed       uint64             `json:"suppressed"`
	Coalesced        uint64             `json:"coalesced"`
	Dispatched       map[string]uint64  `json:"dispatched"`
	DirectLatch      ActionFlag         `json:"direct_latch"`
	InFlight         ActionFlag         `json:"in_flight"`
	OutstandingIO    int                `json:"outstanding_io"`
	ProbeOutstanding bool               `json:"probe_outstanding"`
	Probes           uint64             `json:"probes"`
	ProbeFailures    uint64             `json:"probe_failures"`
}

// snapshot must be called with d.mu held.
func (d *driveState) snapshot(rec *DriveConfigurationRecord, generation uint64, now time.Time) DriveStats {
	st := DriveStats{
		Drive:            d.id,
		Identity:         d.identity,
		Record:           rec.Description,
		Generation:       generation,
		AddedAt:          d.addedAt,
		LifetimeErrors:   d.lifetimeErrors,
		TestInjections:   d.testInjections,
		Suppressed:       d.suppressed,
		Coalesced:        d.coalesced,
		Dispatched:       make(map[string]uint64, len(d.dispatched)),
		DirectLatch:      d.directLatch,
		InFlight:         d.inFlight,
		OutstandingIO:    len(d.outstanding),
		ProbeOutstanding: d.probeOutstanding,
		Probes:           d.probes,
		ProbeFailures:    d.probeFailures,
	}
	for a, n := range d.dispatched {
		st.Dispatched[a.String()] = n
	}
	for _, c := range AllCategories() {
		rs := &d.categories[c]
		cs := CategorySnapshot{
			Category:      c,
			Ratio:         rs.Ratio,
			LastUpdate:    rs.LastUpdate,
			Latched:       rs.Latch.Active,
			LatchedAction: rs.Latch.Action,
		}
		if rs.Latch.Active {
			cs.LatchedRatio = rs.Latch.Ratio
		}
		if stat, ok := rec.Stats[c]; ok {
			cs.Ratio = rs.Current(now, stat.DecayInterval)
		}
		st.Categories = append(st.Categories, cs)
	}
	return st
}
