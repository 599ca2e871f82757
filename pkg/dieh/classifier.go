// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

// Classification is the classifier's verdict for one event: either a direct
// action, or a category and the weight to add to its ratio.
type Classification struct {
	Category  ErrorCategory
	Weight    uint32
	Direct    bool
	Action    ActionFlag
	Tracked   bool
	Signature Signature
}

// Classify never fails. overrides are checked before the record's category
// exceptions; with direct set to false both are ignored.
func Classify(ev ErrorEvent, rec *DriveConfigurationRecord, overrides []CategoryException, direct bool) Classification {
	category := Categorize(ev)
	c := Classification{
		Category:  category,
		Signature: signatureOf(ev, category),
	}

	if direct {
		for _, e := range overrides {
			if e.Match.Matches(ev) {
				c.Direct, c.Action = true, e.Action
				return c
			}
		}
		if rec != nil {
			for _, e := range rec.CategoryExceptions {
				if e.Match.Matches(ev) {
					c.Direct, c.Action = true, e.Action
					return c
				}
			}
		}
	}

	if rec == nil {
		return c
	}
	stat, ok := rec.Stats[category]
	if !ok {
		return c
	}
	c.Tracked = true
	c.Weight = stat.DefaultWeight
	for _, w := range stat.WeightExceptions {
		if w.Match.Matches(ev) {
			c.Weight = w.Weight
			break
		}
	}
	return c
}

// Categorize maps an event to its category. Health check failures keep
// their own category, transport failures are mapped by port status family
// and everything else by sense data. Unknown codes fall back to Cumulative.
func Categorize(ev ErrorEvent) ErrorCategory {
	if ev.Source == SourceHealthCheck {
		return CategoryHealthCheck
	}

	switch ev.PortStatus {
	case PortCRCError:
		return CategoryData
	case PortProtocolError, PortSelectionTimeout, PortAbortTimeout, PortDeviceNotLoggedIn,
		PortDataOverrun, PortDataUnderrun, PortLinkDown:
		return CategoryLink
	}

	if ev.Sense == nil {
		return CategoryCumulative
	}
	if ev.Sense.ASC == ASCIDCRCError {
		return CategoryData
	}
	switch ev.Sense.Key {
	case SenseRecoveredError:
		return CategoryRecovered
	case SenseMediumError:
		return CategoryMedia
	case SenseHardwareError, SenseNotReady:
		return CategoryHardware
	case SenseMiscompare:
		return CategoryData
	case SenseAbortedCommand:
		if ev.Sense.ASC == ASCSCSIParityError || ev.Sense.ASC == ASCDataPhaseError {
			return CategoryLink
		}
	}
	return CategoryCumulative
}
