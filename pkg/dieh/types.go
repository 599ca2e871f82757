// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrorCategory is the bucket an error is accounted against. Every drive
// tracks one ratio per category.
type ErrorCategory int

const (
	CategoryCumulative ErrorCategory = iota
	CategoryRecovered
	CategoryMedia
	CategoryHardware
	CategoryHealthCheck
	CategoryLink
	CategoryData

	numCategories
)

var categoryNames = [numCategories]string{
	"cumulative",
	"recovered",
	"media",
	"hardware",
	"healthcheck",
	"link",
	"data",
}

func (c ErrorCategory) String() string {
	if c < 0 || c >= numCategories {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

func (c ErrorCategory) Valid() bool {
	return c >= 0 && c < numCategories
}

func (c ErrorCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ErrorCategory) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory accepts the lower case category name, "health_check" is
// accepted as an alias.
func ParseCategory(s string) (ErrorCategory, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "health_check" {
		name = "healthcheck"
	}
	for i, n := range categoryNames {
		if n == name {
			return ErrorCategory(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

func AllCategories() []ErrorCategory {
	out := make([]ErrorCategory, 0, numCategories)
	for c := ErrorCategory(0); c < numCategories; c++ {
		out = append(out, c)
	}
	return out
}

// ActionFlag is a bitmask of the actions the engine can request from the
// drive object layer.
type ActionFlag uint32

const (
	NoAction                ActionFlag = 0
	ActionReset             ActionFlag = 1 << 0
	ActionPowerCycle        ActionFlag = 1 << 1
	ActionSpinup            ActionFlag = 1 << 2
	ActionEndOfLife         ActionFlag = 1 << 3
	ActionEndOfLifeCallHome ActionFlag = 1 << 4
	ActionFail              ActionFlag = 1 << 5
	ActionFailCallHome      ActionFlag = 1 << 6

	allActions = ActionReset | ActionPowerCycle | ActionSpinup | ActionEndOfLife |
		ActionEndOfLifeCallHome | ActionFail | ActionFailCallHome

	// actions that take the drive away long enough for its own errors to
	// look like new faults
	disruptiveActions = ActionReset | ActionPowerCycle | ActionSpinup | ActionFail | ActionFailCallHome
)

var actionNames = []struct {
	flag ActionFlag
	name string
}{
	{ActionReset, "reset"},
	{ActionPowerCycle, "power_cycle"},
	{ActionSpinup, "spinup"},
	{ActionEndOfLife, "eol"},
	{ActionEndOfLifeCallHome, "eol_call_home"},
	{ActionFail, "fail"},
	{ActionFailCallHome, "fail_call_home"},
}

// actionAliases maps the attribute names of the legacy XML tables.
var actionAliases = map[string]ActionFlag{
	"kill":                  ActionFail,
	"kill_call_home":        ActionFailCallHome,
	"end_of_life":           ActionEndOfLife,
	"end_of_life_call_home": ActionEndOfLifeCallHome,
	"power-cycle":           ActionPowerCycle,
	"powercycle":            ActionPowerCycle,
	"spin_up":               ActionSpinup,
}

func (a ActionFlag) Has(f ActionFlag) bool {
	return f != NoAction && a&f == f
}

func (a ActionFlag) String() string {
	if a == NoAction {
		return "none"
	}
	var parts []string
	for _, n := range actionNames {
		if a&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := a &^ allActions; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

func (a ActionFlag) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *ActionFlag) UnmarshalText(b []byte) error {
	parsed, err := ParseActionFlag(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseActionFlag parses a '|' or ',' separated list of action names.
func ParseActionFlag(s string) (ActionFlag, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return NoAction, nil
	}
	var out ActionFlag
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' || r == '+' }) {
		name := strings.ToLower(strings.TrimSpace(part))
		found := false
		for _, n := range actionNames {
			if n.name == name {
				out |= n.flag
				found = true
				break
			}
		}
		if !found {
			if f, ok := actionAliases[name]; ok {
				out |= f
				found = true
			}
		}
		if !found {
			return NoAction, fmt.Errorf("%w: %q", ErrUnknownAction, part)
		}
	}
	return out, nil
}

// ActionStep is a single external request derived from an ActionFlag.
type ActionStep struct {
	Action   ActionFlag
	CallHome bool
}

// Steps splits a mask into one step per requested action. The call home
// bits ride along with their base action instead of producing a request of
// their own.
func (a ActionFlag) Steps() []ActionStep {
	var steps []ActionStep
	if a&ActionReset != 0 {
		steps = append(steps, ActionStep{Action: ActionReset})
	}
	if a&ActionPowerCycle != 0 {
		steps = append(steps, ActionStep{Action: ActionPowerCycle})
	}
	if a&ActionSpinup != 0 {
		steps = append(steps, ActionStep{Action: ActionSpinup})
	}
	if a&(ActionEndOfLife|ActionEndOfLifeCallHome) != 0 {
		steps = append(steps, ActionStep{Action: ActionEndOfLife, CallHome: a&ActionEndOfLifeCallHome != 0})
	}
	if a&(ActionFail|ActionFailCallHome) != 0 {
		steps = append(steps, ActionStep{Action: ActionFail, CallHome: a&ActionFailCallHome != 0})
	}
	return steps
}

// ReactivateNever marks a threshold that only an explicit clear can
// de-latch.
const ReactivateNever uint32 = math.MaxUint32

const (
	MaxRatio        uint32 = 100
	MaxTableRecords        = 128
	MaxThresholds          = 8
	MaxExceptions          = 64
)

type ThresholdEntry struct {
	Ratio           uint32
	ReactivateRatio uint32
	Action          ActionFlag
}

func (t ThresholdEntry) String() string {
	react := "never"
	if t.ReactivateRatio != ReactivateNever {
		react = fmt.Sprintf("%d", t.ReactivateRatio)
	}
	return fmt.Sprintf("%d/%s:%s", t.Ratio, react, t.Action)
}

type WeightException struct {
	Match  ErrorMatcher
	Weight uint32
}

// CategoryException bypasses ratio tracking and requests Action on the
// first matching error.
type CategoryException struct {
	Match  ErrorMatcher
	Action ActionFlag
}

type CategoryStat struct {
	DecayInterval    time.Duration
	DefaultWeight    uint32
	Thresholds       []ThresholdEntry
	WeightExceptions []WeightException
}

func (s CategoryStat) clone() CategoryStat {
	out := s
	out.Thresholds = append([]ThresholdEntry(nil), s.Thresholds...)
	out.WeightExceptions = make([]WeightException, len(s.WeightExceptions))
	for i, w := range s.WeightExceptions {
		out.WeightExceptions[i] = WeightException{Match: w.Match.clone(), Weight: w.Weight}
	}
	return out
}

// DriveIdentity is what the drive object layer reports about a drive.
type DriveIdentity struct {
	Device     string `json:"device,omitempty"`
	DriveType  string `json:"type,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
	PartNumber string `json:"part_number,omitempty"`
	Firmware   string `json:"firmware,omitempty"`
	Serial     string `json:"serial,omitempty"`
}

// Complete reports whether the identity carries enough to be matched
// against anything but the default record.
func (id DriveIdentity) Complete() bool {
	return id.Vendor != "" && id.PartNumber != "" && id.Serial != ""
}

type DriveMatchCriteria struct {
	DriveType   string
	Vendor      string
	PartNumber  string
	FirmwareMin string
	FirmwareMax string
	SerialStart string
	SerialEnd   string
}

type DriveConfigurationRecord struct {
	Description        string
	Default            bool
	Match              DriveMatchCriteria
	Stats              map[ErrorCategory]CategoryStat
	CategoryExceptions []CategoryException
}

func (r DriveConfigurationRecord) clone() DriveConfigurationRecord {
	out := r
	out.Stats = make(map[ErrorCategory]CategoryStat, len(r.Stats))
	for c, s := range r.Stats {
		out.Stats[c] = s.clone()
	}
	out.CategoryExceptions = cloneExceptions(r.CategoryExceptions)
	return out
}

func cloneExceptions(in []CategoryException) []CategoryException {
	if in == nil {
		return nil
	}
	out := make([]CategoryException, len(in))
	for i, e := range in {
		out[i] = CategoryException{Match: e.Match.clone(), Action: e.Action}
	}
	return out
}

// Parameters are the table wide settings.
type Parameters struct {
	ServiceTimeLimit time.Duration
	CoalesceWindow   time.Duration
	ActionSettleTime time.Duration
}

const (
	DefaultServiceTimeLimit = 27 * time.Second
	DefaultCoalesceWindow   = 100 * time.Millisecond
	DefaultActionSettleTime = 30 * time.Second
)

func DefaultParameters() Parameters {
	return Parameters{
		ServiceTimeLimit: DefaultServiceTimeLimit,
		CoalesceWindow:   DefaultCoalesceWindow,
		ActionSettleTime: DefaultActionSettleTime,
	}
}

// ConfigurationTable is published by the Store and never changed afterwards.
type ConfigurationTable struct {
	Generation uint64
	Source     string
	LoadedAt   time.Time
	Parameters Parameters
	Records    []DriveConfigurationRecord
	// Overrides are operator set category exceptions, checked before the
	// record's own.
	Overrides []CategoryException
}

// Match selects the record for a drive. Criteria are checked in the order
// type, vendor, part number, firmware, serial range; an unset criterion is a
// wildcard, a set one that does not match disqualifies the record. The
// record with the most matching criteria wins, ties go to the earlier
// record. When nothing qualifies the record flagged Default is returned.
func (t *ConfigurationTable) Match(id DriveIdentity) (*DriveConfigurationRecord, bool) {
	if t == nil {
		return nil, false
	}
	best, bestScore := -1, -1
	for i := range t.Records {
		rec := &t.Records[i]
		if rec.Default {
			continue
		}
		score, ok := rec.Match.score(id)
		if ok && score > bestScore {
			best, bestScore = i, score
		}
	}
	if best >= 0 {
		return &t.Records[best], true
	}
	return t.DefaultRecord()
}

func (t *ConfigurationTable) DefaultRecord() (*DriveConfigurationRecord, bool) {
	if t == nil {
		return nil, false
	}
	for i := range t.Records {
		if t.Records[i].Default {
			return &t.Records[i], true
		}
	}
	return nil, false
}

func (m DriveMatchCriteria) score(id DriveIdentity) (int, bool) {
	score := 0
	check := func(set, ok bool) bool {
		if !set {
			return true
		}
		if ok {
			score++
		}
		return ok
	}
	if !check(m.DriveType != "", strings.EqualFold(m.DriveType, id.DriveType)) {
		return 0, false
	}
	if !check(m.Vendor != "", strings.EqualFold(m.Vendor, id.Vendor)) {
		return 0, false
	}
	if !check(m.PartNumber != "", matchPartNumber(m.PartNumber, id.PartNumber)) {
		return 0, false
	}
	if !check(m.FirmwareMin != "" || m.FirmwareMax != "", inRange(id.Firmware, m.FirmwareMin, m.FirmwareMax)) {
		return 0, false
	}
	if !check(m.SerialStart != "" || m.SerialEnd != "", inRange(id.Serial, m.SerialStart, m.SerialEnd)) {
		return 0, false
	}
	return score, true
}

func matchPartNumber(pattern, pn string) bool {
	prefix := strings.TrimSuffix(pattern, "*")
	return pn != "" && strings.HasPrefix(strings.ToUpper(pn), strings.ToUpper(prefix))
}

// inRange compares case-insensitively; an empty bound is open.
func inRange(v, lo, hi string) bool {
	if v == "" {
		return false
	}
	v = strings.ToUpper(v)
	if lo != "" && v < strings.ToUpper(lo) {
		return false
	}
	if hi != "" && v > strings.ToUpper(hi) {
		return false
	}
	return true
}

func (t *ConfigurationTable) clone() *ConfigurationTable {
	out := *t
	out.Records = make([]DriveConfigurationRecord, len(t.Records))
	for i, r := range t.Records {
		out.Records[i] = r.clone()
	}
	out.Overrides = cloneExceptions(t.Overrides)
	return &out
}

// sortedCategories returns the categories configured on a record in enum
// order.
func (r *DriveConfigurationRecord) sortedCategories() []ErrorCategory {
	cats := make([]ErrorCategory, 0, len(r.Stats))
	for c := range r.Stats {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}
