// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import "time"

// Each whole decay interval multiplies the ratio by
// DecayNumerator/DecayDenominator, rounding down.
const (
	DecayNumerator   = 1
	DecayDenominator = 2
)

// Decay applies the step decay for the whole intervals elapsed between last
// and now. It returns the decayed ratio and the new anchor, which advances
// by whole intervals only so partial intervals carry over to the next call.
// A zero interval, a zero anchor or a clock going backwards leave the ratio
// untouched.
func Decay(ratio uint32, last, now time.Time, interval time.Duration) (uint32, time.Time) {
	if interval <= 0 || last.IsZero() || !now.After(last) {
		return ratio, last
	}
	steps := int64(now.Sub(last) / interval)
	if steps == 0 {
		return ratio, last
	}
	anchor := last.Add(time.Duration(steps) * interval)
	for i := int64(0); i < steps && ratio > 0; i++ {
		ratio = ratio * DecayNumerator / DecayDenominator
	}
	return ratio, anchor
}

// RatioState is the per drive, per category tracker.
type RatioState struct {
	Ratio         uint32
	LastUpdate    time.Time
	LastIncrement time.Time
	LastSignature Signature
	Latch         Latch
}

// Update decays the ratio up to now, then adds weight unless the event
// repeats the signature of the last counted error within window. It reports
// whether the event was coalesced.
//
// The latch is checked against the decayed ratio before the weight lands, so
// a reactivate ratio below the weight can still be reached. An event older
// than the last counted one is never coalesced.
func (s *RatioState) Update(now time.Time, interval time.Duration, weight uint32, sig Signature, window time.Duration) bool {
	s.Ratio, s.LastUpdate = Decay(s.Ratio, s.LastUpdate, now, interval)
	if s.LastUpdate.IsZero() || interval <= 0 {
		s.LastUpdate = now
	}
	if s.Latch.Active && s.Latch.Reactivate != ReactivateNever && s.Ratio <= s.Latch.Reactivate {
		s.Latch = Latch{}
	}

	if !s.LastIncrement.IsZero() && sig == s.LastSignature &&
		!now.Before(s.LastIncrement) && now.Sub(s.LastIncrement) < window {
		return true
	}
	if weight == 0 {
		return false
	}

	s.Ratio = clampRatio(uint64(s.Ratio) + uint64(weight))
	s.LastIncrement = now
	s.LastSignature = sig
	return false
}

// Current is the ratio as of now without mutating the state.
func (s *RatioState) Current(now time.Time, interval time.Duration) uint32 {
	r, _ := Decay(s.Ratio, s.LastUpdate, now, interval)
	return r
}

func clampRatio(v uint64) uint32 {
	if v > uint64(MaxRatio) {
		return MaxRatio
	}
	return uint32(v)
}
