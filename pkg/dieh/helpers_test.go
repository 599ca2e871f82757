// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: t0} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type harness struct {
	engine *Engine
	clock  *clock
	out    *ChannelDispatcher
}

func newHarness(t *testing.T, tbl *ConfigurationTable) *harness {
	t.Helper()
	store, err := NewStore(tbl)
	require.NoError(t, err)
	h := &harness{clock: newClock(), out: NewChannelDispatcher(64)}
	h.engine, err = NewEngine(Options{
		Store:      store,
		Dispatcher: h.out,
		Node:       "test-node",
		Now:        h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

// requests drains the dispatched action requests.
func (h *harness) requests() []ActionRequest {
	var out []ActionRequest
	for {
		select {
		case r := <-h.out.C:
			out = append(out, r)
		default:
			return out
		}
	}
}

func (h *harness) mediumError(t *testing.T, drive string, lba uint64) Outcome {
	t.Helper()
	out, err := h.engine.HandleError(ErrorEvent{
		Drive: drive,
		Sense: &SenseData{Key: SenseMediumError, ASC: 0x11},
		LBA:   lba,
		Time:  h.clock.Now(),
	})
	require.NoError(t, err)
	return out
}

// singleRecordTable has one default record tracking only the media category.
func singleRecordTable(stat CategoryStat, exceptions ...CategoryException) *ConfigurationTable {
	return &ConfigurationTable{
		Source:     "test",
		Parameters: DefaultParameters(),
		Records: []DriveConfigurationRecord{{
			Description:        "test",
			Default:            true,
			Stats:              map[ErrorCategory]CategoryStat{CategoryMedia: stat},
			CategoryExceptions: exceptions,
		}},
	}
}

var testIdentity = DriveIdentity{
	Device:     "/dev/sdb",
	DriveType:  "hdd",
	Vendor:     "Seagate",
	PartNumber: "ST16000NM001G",
	Firmware:   "SN03",
	Serial:     "ZL2ABCDE",
}
