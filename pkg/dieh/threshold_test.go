// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testLadder = []ThresholdEntry{
	{Ratio: 30, ReactivateRatio: 10, Action: ActionReset},
	{Ratio: 60, ReactivateRatio: ReactivateNever, Action: ActionEndOfLife},
	{Ratio: 90, ReactivateRatio: ReactivateNever, Action: ActionFail},
}

func TestEvaluateSelectsHighest(t *testing.T) {
	latch, action := Evaluate(20, testLadder, Latch{})
	assert.Equal(t, NoAction, action)
	assert.False(t, latch.Active)

	latch, action = Evaluate(30, testLadder, Latch{})
	assert.Equal(t, ActionReset, action)
	assert.Equal(t, uint32(30), latch.Ratio)

	// a jump past several thresholds fires only the highest
	latch, action = Evaluate(95, testLadder, Latch{})
	assert.Equal(t, ActionFail, action)
	assert.Equal(t, Latch{Active: true, Ratio: 90, Reactivate: ReactivateNever, Action: ActionFail}, latch)
}

func TestEvaluateLatchIsIdempotent(t *testing.T) {
	latch, action := Evaluate(35, testLadder, Latch{})
	assert.Equal(t, ActionReset, action)

	for _, ratio := range []uint32{35, 40, 59, 11} {
		var again ActionFlag
		latch, again = Evaluate(ratio, testLadder, latch)
		assert.Equal(t, NoAction, again, "ratio %d", ratio)
		assert.True(t, latch.Active)
	}

	// escalation past the latched threshold still fires
	latch, action = Evaluate(65, testLadder, latch)
	assert.Equal(t, ActionEndOfLife, action)
	assert.Equal(t, uint32(60), latch.Ratio)
}

func TestEvaluateReactivates(t *testing.T) {
	latch, _ := Evaluate(30, testLadder, Latch{})

	latch, action := Evaluate(10, testLadder, latch)
	assert.Equal(t, NoAction, action)
	assert.False(t, latch.Active, "at the reactivate ratio the latch clears")

	latch, action = Evaluate(30, testLadder, latch)
	assert.Equal(t, ActionReset, action)
	assert.True(t, latch.Active)
}

func TestEvaluateNeverReactivates(t *testing.T) {
	latch, _ := Evaluate(60, testLadder, Latch{})
	latch, action := Evaluate(0, testLadder, latch)
	assert.Equal(t, NoAction, action)
	assert.True(t, latch.Active)
	assert.Equal(t, ActionEndOfLife, latch.Action)

	// only the next threshold up may fire
	_, action = Evaluate(90, testLadder, latch)
	assert.Equal(t, ActionFail, action)
}

func TestEvaluateDropsToLowerThreshold(t *testing.T) {
	ladder := []ThresholdEntry{
		{Ratio: 20, ReactivateRatio: 5, Action: ActionReset},
		{Ratio: 50, ReactivateRatio: 40, Action: ActionPowerCycle},
	}
	latch, _ := Evaluate(55, ladder, Latch{})
	// de-latching re-evaluates from scratch, so the lower threshold fires
	latch, action := Evaluate(30, ladder, latch)
	assert.Equal(t, ActionReset, action)
	assert.Equal(t, uint32(20), latch.Ratio)
}
