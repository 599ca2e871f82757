// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

// Latch is the escalation state of one (drive, category). The zero value is
// unlatched. The latched threshold is copied rather than referenced by
// index so a table swap cannot move it.
type Latch struct {
	Active     bool
	Ratio      uint32
	Reactivate uint32
	Action     ActionFlag
}

func latchOn(t ThresholdEntry) Latch {
	return Latch{Active: true, Ratio: t.Ratio, Reactivate: t.ReactivateRatio, Action: t.Action}
}

// Evaluate runs the hysteresis state machine for one category. thresholds
// must be ascending. It returns the new latch state and the action to
// dispatch, NoAction when nothing new fired.
//
// While latched, a ratio at or below the reactivate ratio de-latches and the
// thresholds are evaluated from scratch; otherwise only thresholds above the
// latched one may fire. Unlatched, the highest threshold at or below the
// ratio fires.
func Evaluate(ratio uint32, thresholds []ThresholdEntry, latch Latch) (Latch, ActionFlag) {
	if latch.Active {
		if latch.Reactivate != ReactivateNever && ratio <= latch.Reactivate {
			latch = Latch{}
		} else {
			if t, ok := highestQualifying(ratio, thresholds, latch.Ratio); ok {
				return latchOn(t), t.Action
			}
			return latch, NoAction
		}
	}

	if t, ok := highestQualifying(ratio, thresholds, 0); ok {
		return latchOn(t), t.Action
	}
	return latch, NoAction
}

// highestQualifying finds the highest threshold with above < Ratio <= ratio.
func highestQualifying(ratio uint32, thresholds []ThresholdEntry, above uint32) (ThresholdEntry, bool) {
	for i := len(thresholds) - 1; i >= 0; i-- {
		t := thresholds[i]
		if t.Ratio <= above {
			break
		}
		if t.Ratio <= ratio {
			return t, true
		}
	}
	return ThresholdEntry{}, false
}
