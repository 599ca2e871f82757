// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionFlagParse(t *testing.T) {
	a, err := ParseActionFlag("reset|fail_call_home")
	require.NoError(t, err)
	assert.Equal(t, ActionReset|ActionFailCallHome, a)
	assert.Equal(t, "reset|fail_call_home", a.String())

	a, err = ParseActionFlag("kill, end_of_life")
	require.NoError(t, err)
	assert.Equal(t, ActionFail|ActionEndOfLife, a)

	a, err = ParseActionFlag("none")
	require.NoError(t, err)
	assert.Equal(t, NoAction, a)
	assert.Equal(t, "none", a.String())

	_, err = ParseActionFlag("reset|explode")
	assert.True(t, errors.Is(err, ErrUnknownAction))
}

func TestActionSteps(t *testing.T) {
	steps := (ActionReset | ActionEndOfLife | ActionEndOfLifeCallHome | ActionFailCallHome).Steps()
	assert.Equal(t, []ActionStep{
		{Action: ActionReset},
		{Action: ActionEndOfLife, CallHome: true},
		{Action: ActionFail, CallHome: true},
	}, steps)
	assert.Empty(t, NoAction.Steps())
}

func TestCategoryParse(t *testing.T) {
	c, err := ParseCategory("Media")
	require.NoError(t, err)
	assert.Equal(t, CategoryMedia, c)

	c, err = ParseCategory("health_check")
	require.NoError(t, err)
	assert.Equal(t, CategoryHealthCheck, c)

	_, err = ParseCategory("thermal")
	assert.True(t, errors.Is(err, ErrUnknownCategory))
	assert.Len(t, AllCategories(), int(numCategories))
}

func TestTableMatch(t *testing.T) {
	tbl := DefaultTable()
	tbl.Records = append(tbl.Records,
		DriveConfigurationRecord{Description: "seagate", Match: DriveMatchCriteria{Vendor: "seagate"}},
		DriveConfigurationRecord{Description: "exos", Match: DriveMatchCriteria{Vendor: "Seagate", PartNumber: "st16000*"}},
		DriveConfigurationRecord{Description: "exos old fw", Match: DriveMatchCriteria{Vendor: "Seagate", PartNumber: "ST16000", FirmwareMax: "SN02"}},
		DriveConfigurationRecord{Description: "exos batch", Match: DriveMatchCriteria{PartNumber: "ST16000", SerialStart: "ZL2A", SerialEnd: "ZL2Z"}},
	)

	rec, ok := tbl.Match(testIdentity)
	require.True(t, ok)
	// "exos batch" ties with "exos" on two criteria, the earlier record wins
	assert.Equal(t, "exos", rec.Description)

	id := testIdentity
	id.Firmware = "SN01"
	rec, _ = tbl.Match(id)
	assert.Equal(t, "exos old fw", rec.Description)

	id = testIdentity
	id.PartNumber = "ST8000"
	rec, _ = tbl.Match(id)
	assert.Equal(t, "seagate", rec.Description)

	rec, ok = tbl.Match(DriveIdentity{Vendor: "HGST", PartNumber: "HUH721212", Serial: "X"})
	require.True(t, ok)
	assert.Equal(t, "default", rec.Description)
	assert.True(t, rec.Default)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(DefaultTable()))

	bad := singleRecordTable(CategoryStat{Thresholds: []ThresholdEntry{
		{Ratio: 50, ReactivateRatio: 10, Action: ActionReset},
		{Ratio: 40, ReactivateRatio: ReactivateNever, Action: ActionFail},
	}})
	assert.ErrorIs(t, Validate(bad), ErrInvalidTable)

	bad = singleRecordTable(CategoryStat{Thresholds: []ThresholdEntry{{Ratio: 50, ReactivateRatio: 50, Action: ActionReset}}})
	assert.ErrorIs(t, Validate(bad), ErrInvalidTable)

	bad = singleRecordTable(CategoryStat{Thresholds: []ThresholdEntry{{Ratio: 101, ReactivateRatio: 0, Action: ActionReset}}})
	assert.ErrorIs(t, Validate(bad), ErrInvalidTable)

	bad = singleRecordTable(CategoryStat{Thresholds: []ThresholdEntry{{Ratio: 50, ReactivateRatio: 0, Action: NoAction}}})
	assert.ErrorIs(t, Validate(bad), ErrInvalidTable)

	bad = singleRecordTable(CategoryStat{DefaultWeight: 10}, CategoryException{Action: ActionFail})
	assert.ErrorIs(t, Validate(bad), ErrInvalidTable)

	bad = DefaultTable()
	bad.Records = append(bad.Records, DefaultRecord())
	assert.ErrorIs(t, Validate(bad), ErrInvalidTable)

	big := DefaultTable()
	for len(big.Records) <= MaxTableRecords {
		big.Records = append(big.Records, DriveConfigurationRecord{Description: "r"})
	}
	assert.ErrorIs(t, Validate(big), ErrTableTooLarge)
}
