// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import "fmt"

// Validate rejects tables the evaluator cannot run safely. Capacity
// violations wrap ErrTableTooLarge, everything else ErrInvalidTable.
func Validate(t *ConfigurationTable) error {
	if len(t.Records) > MaxTableRecords {
		return fmt.Errorf("%w: %d records, limit %d", ErrTableTooLarge, len(t.Records), MaxTableRecords)
	}
	if len(t.Overrides) > MaxExceptions {
		return fmt.Errorf("%w: %d overrides, limit %d", ErrTableTooLarge, len(t.Overrides), MaxExceptions)
	}
	if err := validateParameters(t.Parameters); err != nil {
		return err
	}
	for i, e := range t.Overrides {
		if err := validateException(e); err != nil {
			return fmt.Errorf("override %d: %w", i, err)
		}
	}
	defaults := 0
	for i := range t.Records {
		if t.Records[i].Default {
			defaults++
		}
		if err := validateRecord(&t.Records[i]); err != nil {
			return fmt.Errorf("record %d (%s): %w", i, t.Records[i].Description, err)
		}
	}
	if defaults > 1 {
		return fmt.Errorf("%w: %d records flagged default", ErrInvalidTable, defaults)
	}
	return nil
}

func validateParameters(p Parameters) error {
	if p.ServiceTimeLimit < 0 || p.CoalesceWindow < 0 || p.ActionSettleTime < 0 {
		return fmt.Errorf("%w: negative parameter", ErrInvalidTable)
	}
	return nil
}

func validateRecord(r *DriveConfigurationRecord) error {
	if len(r.CategoryExceptions) > MaxExceptions {
		return fmt.Errorf("%w: %d category exceptions, limit %d", ErrTableTooLarge, len(r.CategoryExceptions), MaxExceptions)
	}
	for i, e := range r.CategoryExceptions {
		if err := validateException(e); err != nil {
			return fmt.Errorf("category exception %d: %w", i, err)
		}
	}
	for c, s := range r.Stats {
		if !c.Valid() {
			return fmt.Errorf("%w: %s", ErrUnknownCategory, c)
		}
		if err := validateStat(s); err != nil {
			return fmt.Errorf("category %s: %w", c, err)
		}
	}
	return nil
}

func validateException(e CategoryException) error {
	if e.Match.Empty() {
		return fmt.Errorf("%w: exception without match criteria", ErrInvalidTable)
	}
	if e.Action == NoAction || e.Action&^allActions != 0 {
		return fmt.Errorf("%w: exception action %s", ErrInvalidTable, e.Action)
	}
	return nil
}

func validateStat(s CategoryStat) error {
	if s.DecayInterval < 0 {
		return fmt.Errorf("%w: negative decay interval", ErrInvalidTable)
	}
	if s.DefaultWeight > MaxRatio {
		return fmt.Errorf("%w: weight %d above %d", ErrInvalidTable, s.DefaultWeight, MaxRatio)
	}
	if len(s.Thresholds) > MaxThresholds {
		return fmt.Errorf("%w: %d thresholds, limit %d", ErrTableTooLarge, len(s.Thresholds), MaxThresholds)
	}
	if len(s.WeightExceptions) > MaxExceptions {
		return fmt.Errorf("%w: %d weight exceptions, limit %d", ErrTableTooLarge, len(s.WeightExceptions), MaxExceptions)
	}
	var prev uint32
	for i, t := range s.Thresholds {
		if t.Ratio == 0 || t.Ratio > MaxRatio {
			return fmt.Errorf("%w: threshold %d ratio %d outside 1..%d", ErrInvalidTable, i, t.Ratio, MaxRatio)
		}
		if i > 0 && t.Ratio <= prev {
			return fmt.Errorf("%w: thresholds not ascending at %d", ErrInvalidTable, i)
		}
		if t.ReactivateRatio != ReactivateNever && t.ReactivateRatio >= t.Ratio {
			return fmt.Errorf("%w: threshold %d reactivates at %d, not below %d", ErrInvalidTable, i, t.ReactivateRatio, t.Ratio)
		}
		if t.Action == NoAction || t.Action&^allActions != 0 {
			return fmt.Errorf("%w: threshold %d action %s", ErrInvalidTable, i, t.Action)
		}
		prev = t.Ratio
	}
	for i, w := range s.WeightExceptions {
		if w.Match.Empty() {
			return fmt.Errorf("%w: weight exception %d without match criteria", ErrInvalidTable, i)
		}
		if w.Weight > MaxRatio {
			return fmt.Errorf("%w: weight exception %d weight %d above %d", ErrInvalidTable, i, w.Weight, MaxRatio)
		}
	}
	return nil
}
