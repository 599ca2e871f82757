// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import "time"

// standard escalation ladder: reset, then end of life, then fail
func ladder(reset, resetReact, eol, fail uint32) []ThresholdEntry {
	return []ThresholdEntry{
		{Ratio: reset, ReactivateRatio: resetReact, Action: ActionReset},
		{Ratio: eol, ReactivateRatio: ReactivateNever, Action: ActionEndOfLife | ActionEndOfLifeCallHome},
		{Ratio: fail, ReactivateRatio: ReactivateNever, Action: ActionFail | ActionFailCallHome},
	}
}

// DefaultRecord is used for any drive the loaded table has no record for.
func DefaultRecord() DriveConfigurationRecord {
	return DriveConfigurationRecord{
		Description: "default",
		Default:     true,
		CategoryExceptions: []CategoryException{
			// drive reported failure prediction threshold exceeded
			{Match: ErrorMatcher{ASC: &ByteRange{Min: ASCFailurePredicted, Max: ASCFailurePredicted}}, Action: ActionEndOfLife | ActionEndOfLifeCallHome},
		},
		Stats: map[ErrorCategory]CategoryStat{
			CategoryCumulative: {
				DecayInterval: 10 * time.Minute,
				DefaultWeight: 5,
				Thresholds:    ladder(50, 10, 84, 100),
			},
			CategoryRecovered: {
				DecayInterval: 10 * time.Minute,
				DefaultWeight: 5,
				Thresholds:    ladder(50, 10, 84, 100),
			},
			CategoryMedia: {
				DecayInterval: 30 * time.Minute,
				DefaultWeight: 10,
				Thresholds:    ladder(30, 5, 50, 100),
			},
			CategoryHardware: {
				DecayInterval: 10 * time.Minute,
				DefaultWeight: 20,
				Thresholds:    ladder(50, 10, 89, 100),
			},
			CategoryLink: {
				DecayInterval: time.Minute,
				DefaultWeight: 10,
				Thresholds: []ThresholdEntry{
					{Ratio: 50, ReactivateRatio: 10, Action: ActionReset},
					{Ratio: 100, ReactivateRatio: ReactivateNever, Action: ActionFail | ActionFailCallHome},
				},
			},
			CategoryHealthCheck: {
				DecayInterval: 5 * time.Minute,
				DefaultWeight: 50,
				Thresholds: []ThresholdEntry{
					{Ratio: 100, ReactivateRatio: ReactivateNever, Action: ActionFail | ActionFailCallHome},
				},
			},
			CategoryData: {
				DecayInterval: 10 * time.Minute,
				DefaultWeight: 10,
				Thresholds:    ladder(50, 10, 89, 100),
			},
		},
	}
}

func DefaultTable() *ConfigurationTable {
	return &ConfigurationTable{
		Source:     SourceDefault,
		Parameters: DefaultParameters(),
		Records:    []DriveConfigurationRecord{DefaultRecord()},
	}
}
