// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// The on-disk table format. XML and YAML share the same document model.

type tableDocument struct {
	XMLName    xml.Name            `xml:"dieh" yaml:"-"`
	Version    string              `xml:"version,attr,omitempty" yaml:"version,omitempty"`
	Parameters parametersDocument  `xml:"parameters" yaml:"parameters"`
	Overrides  []exceptionDocument `xml:"override" yaml:"overrides,omitempty"`
	Records    []recordDocument    `xml:"record" yaml:"records"`
}

type parametersDocument struct {
	ServiceTimeLimitMs int64 `xml:"service_time_limit_ms,attr,omitempty" yaml:"service_time_limit_ms,omitempty"`
	ErrorBurstDeltaMs  int64 `xml:"error_burst_delta_ms,attr,omitempty" yaml:"error_burst_delta_ms,omitempty"`
	ActionSettleTimeMs int64 `xml:"action_settle_time_ms,attr,omitempty" yaml:"action_settle_time_ms,omitempty"`
}

type recordDocument struct {
	Description string              `xml:"description,attr,omitempty" yaml:"description,omitempty"`
	Default     bool                `xml:"default,attr,omitempty" yaml:"default,omitempty"`
	Match       matchDocument       `xml:"match" yaml:"match,omitempty"`
	Categories  []categoryDocument  `xml:"category" yaml:"categories"`
	Exceptions  []exceptionDocument `xml:"exception" yaml:"exceptions,omitempty"`
}

type matchDocument struct {
	DriveType   string `xml:"type,attr,omitempty" yaml:"type,omitempty"`
	Vendor      string `xml:"vendor,attr,omitempty" yaml:"vendor,omitempty"`
	PartNumber  string `xml:"part_number,attr,omitempty" yaml:"part_number,omitempty"`
	FirmwareMin string `xml:"fw_min,attr,omitempty" yaml:"fw_min,omitempty"`
	FirmwareMax string `xml:"fw_max,attr,omitempty" yaml:"fw_max,omitempty"`
	SerialStart string `xml:"serial_start,attr,omitempty" yaml:"serial_start,omitempty"`
	SerialEnd   string `xml:"serial_end,attr,omitempty" yaml:"serial_end,omitempty"`
}

type categoryDocument struct {
	Name             string              `xml:"name,attr" yaml:"name"`
	DecayIntervalMs  int64               `xml:"decay_interval_ms,attr" yaml:"decay_interval_ms"`
	Weight           uint32              `xml:"weight,attr" yaml:"weight"`
	Thresholds       []thresholdDocument `xml:"threshold" yaml:"thresholds"`
	WeightExceptions []weightDocument    `xml:"weight_change" yaml:"weight_exceptions,omitempty"`
}

type thresholdDocument struct {
	Ratio uint32 `xml:"ratio,attr" yaml:"ratio"`
	// a number, or "never" (also when empty)
	Reactivate string `xml:"reactivate,attr,omitempty" yaml:"reactivate,omitempty"`
	Action     string `xml:"action,attr" yaml:"action"`
}

// MatcherDocument is the textual form of an ErrorMatcher. Byte values are
// decimal or 0x hex, ASC and ASCQ also take a "lo-hi" range. Source is
// "io" or "health_check".
type MatcherDocument struct {
	SenseKey string `xml:"sense_key,attr,omitempty" yaml:"sense_key,omitempty" json:"sense_key,omitempty"`
	ASC      string `xml:"asc,attr,omitempty" yaml:"asc,omitempty" json:"asc,omitempty"`
	ASCQ     string `xml:"ascq,attr,omitempty" yaml:"ascq,omitempty" json:"ascq,omitempty"`
	Port     string `xml:"port,attr,omitempty" yaml:"port,omitempty" json:"port,omitempty"`
	Opcode   string `xml:"opcode,attr,omitempty" yaml:"opcode,omitempty" json:"opcode,omitempty"`
	Source   string `xml:"source,attr,omitempty" yaml:"source,omitempty" json:"source,omitempty"`
}

type weightDocument struct {
	MatcherDocument `yaml:",inline"`
	Weight          uint32 `xml:"weight,attr" yaml:"weight"`
}

type exceptionDocument struct {
	MatcherDocument `yaml:",inline"`
	Action          string `xml:"action,attr" yaml:"action"`
}

// DecodeTable parses an XML or YAML table. The format is taken from the
// first non-blank byte: '<' means XML. The result is not validated.
func DecodeTable(data []byte) (*ConfigurationTable, error) {
	var doc tableDocument
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidTable)
	}
	if trimmed[0] == '<' {
		if err := xml.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("%w: xml: %v", ErrInvalidTable, err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(trimmed))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: yaml: %v", ErrInvalidTable, err)
		}
	}
	return doc.table()
}

func EncodeYAML(t *ConfigurationTable) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(documentOf(t)); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func EncodeXML(t *ConfigurationTable) ([]byte, error) {
	out, err := xml.MarshalIndent(documentOf(t), "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

func (doc *tableDocument) table() (*ConfigurationTable, error) {
	t := &ConfigurationTable{Parameters: DefaultParameters()}
	if doc.Parameters.ServiceTimeLimitMs != 0 {
		t.Parameters.ServiceTimeLimit = time.Duration(doc.Parameters.ServiceTimeLimitMs) * time.Millisecond
	}
	if doc.Parameters.ErrorBurstDeltaMs != 0 {
		t.Parameters.CoalesceWindow = time.Duration(doc.Parameters.ErrorBurstDeltaMs) * time.Millisecond
	}
	if doc.Parameters.ActionSettleTimeMs != 0 {
		t.Parameters.ActionSettleTime = time.Duration(doc.Parameters.ActionSettleTimeMs) * time.Millisecond
	}
	for i, o := range doc.Overrides {
		e, err := o.exception()
		if err != nil {
			return nil, fmt.Errorf("override %d: %w", i, err)
		}
		t.Overrides = append(t.Overrides, e)
	}
	for i, rd := range doc.Records {
		rec, err := rd.record()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		t.Records = append(t.Records, rec)
	}
	return t, nil
}

func (rd recordDocument) record() (DriveConfigurationRecord, error) {
	rec := DriveConfigurationRecord{
		Description: rd.Description,
		Default:     rd.Default,
		Match: DriveMatchCriteria{
			DriveType:   rd.Match.DriveType,
			Vendor:      rd.Match.Vendor,
			PartNumber:  rd.Match.PartNumber,
			FirmwareMin: rd.Match.FirmwareMin,
			FirmwareMax: rd.Match.FirmwareMax,
			SerialStart: rd.Match.SerialStart,
			SerialEnd:   rd.Match.SerialEnd,
		},
		Stats: make(map[ErrorCategory]CategoryStat, len(rd.Categories)),
	}
	for _, cd := range rd.Categories {
		c, err := ParseCategory(cd.Name)
		if err != nil {
			return rec, fmt.Errorf("%w: %v", ErrInvalidTable, err)
		}
		if _, dup := rec.Stats[c]; dup {
			return rec, fmt.Errorf("%w: category %s defined twice", ErrInvalidTable, c)
		}
		stat := CategoryStat{
			DecayInterval: time.Duration(cd.DecayIntervalMs) * time.Millisecond,
			DefaultWeight: cd.Weight,
		}
		for j, td := range cd.Thresholds {
			te, err := td.threshold()
			if err != nil {
				return rec, fmt.Errorf("category %s threshold %d: %w", c, j, err)
			}
			stat.Thresholds = append(stat.Thresholds, te)
		}
		for j, wd := range cd.WeightExceptions {
			m, err := wd.MatcherDocument.Matcher()
			if err != nil {
				return rec, fmt.Errorf("category %s weight exception %d: %w", c, j, err)
			}
			stat.WeightExceptions = append(stat.WeightExceptions, WeightException{Match: m, Weight: wd.Weight})
		}
		rec.Stats[c] = stat
	}
	for j, ed := range rd.Exceptions {
		e, err := ed.exception()
		if err != nil {
			return rec, fmt.Errorf("exception %d: %w", j, err)
		}
		rec.CategoryExceptions = append(rec.CategoryExceptions, e)
	}
	return rec, nil
}

func (td thresholdDocument) threshold() (ThresholdEntry, error) {
	action, err := ParseActionFlag(td.Action)
	if err != nil {
		return ThresholdEntry{}, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	react := ReactivateNever
	if s := strings.TrimSpace(td.Reactivate); s != "" && !strings.EqualFold(s, "never") {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return ThresholdEntry{}, fmt.Errorf("%w: reactivate %q", ErrInvalidTable, td.Reactivate)
		}
		react = uint32(v)
	}
	return ThresholdEntry{Ratio: td.Ratio, ReactivateRatio: react, Action: action}, nil
}

func (ed exceptionDocument) exception() (CategoryException, error) {
	m, err := ed.MatcherDocument.Matcher()
	if err != nil {
		return CategoryException{}, err
	}
	action, err := ParseActionFlag(ed.Action)
	if err != nil {
		return CategoryException{}, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	return CategoryException{Match: m, Action: action}, nil
}

// Matcher converts the document into an ErrorMatcher.
func (md MatcherDocument) Matcher() (ErrorMatcher, error) {
	var m ErrorMatcher
	if md.SenseKey != "" {
		v, err := parseByte(md.SenseKey)
		if err != nil {
			return m, fmt.Errorf("%w: sense key: %v", ErrInvalidTable, err)
		}
		m.SenseKey = &v
	}
	if md.ASC != "" {
		r, err := ParseByteRange(md.ASC)
		if err != nil {
			return m, fmt.Errorf("%w: asc: %v", ErrInvalidTable, err)
		}
		m.ASC = &r
	}
	if md.ASCQ != "" {
		r, err := ParseByteRange(md.ASCQ)
		if err != nil {
			return m, fmt.Errorf("%w: ascq: %v", ErrInvalidTable, err)
		}
		m.ASCQ = &r
	}
	if md.Port != "" {
		p, err := ParsePortStatus(md.Port)
		if err != nil {
			return m, fmt.Errorf("%w: %v", ErrInvalidTable, err)
		}
		m.PortStatus = &p
	}
	if md.Opcode != "" {
		v, err := parseByte(md.Opcode)
		if err != nil {
			return m, fmt.Errorf("%w: opcode: %v", ErrInvalidTable, err)
		}
		m.Opcode = &v
	}
	if md.Source != "" {
		src, err := ParseEventSource(md.Source)
		if err != nil {
			return m, fmt.Errorf("%w: %v", ErrInvalidTable, err)
		}
		m.Source = &src
	}
	return m, nil
}

func matcherDocumentOf(m ErrorMatcher) MatcherDocument {
	var md MatcherDocument
	if m.SenseKey != nil {
		md.SenseKey = fmt.Sprintf("0x%x", *m.SenseKey)
	}
	if m.ASC != nil {
		md.ASC = m.ASC.String()
	}
	if m.ASCQ != nil {
		md.ASCQ = m.ASCQ.String()
	}
	if m.PortStatus != nil {
		md.Port = m.PortStatus.String()
	}
	if m.Opcode != nil {
		md.Opcode = fmt.Sprintf("0x%02x", *m.Opcode)
	}
	if m.Source != nil {
		md.Source = string(*m.Source)
	}
	return md
}

func documentOf(t *ConfigurationTable) *tableDocument {
	doc := &tableDocument{
		Version: "1",
		Parameters: parametersDocument{
			ServiceTimeLimitMs: t.Parameters.ServiceTimeLimit.Milliseconds(),
			ErrorBurstDeltaMs:  t.Parameters.CoalesceWindow.Milliseconds(),
			ActionSettleTimeMs: t.Parameters.ActionSettleTime.Milliseconds(),
		},
	}
	for _, o := range t.Overrides {
		doc.Overrides = append(doc.Overrides, exceptionDocument{MatcherDocument: matcherDocumentOf(o.Match), Action: o.Action.String()})
	}
	for i := range t.Records {
		rec := &t.Records[i]
		rd := recordDocument{
			Description: rec.Description,
			Default:     rec.Default,
			Match: matchDocument{
				DriveType:   rec.Match.DriveType,
				Vendor:      rec.Match.Vendor,
				PartNumber:  rec.Match.PartNumber,
				FirmwareMin: rec.Match.FirmwareMin,
				FirmwareMax: rec.Match.FirmwareMax,
				SerialStart: rec.Match.SerialStart,
				SerialEnd:   rec.Match.SerialEnd,
			},
		}
		for _, c := range rec.sortedCategories() {
			stat := rec.Stats[c]
			cd := categoryDocument{
				Name:            c.String(),
				DecayIntervalMs: stat.DecayInterval.Milliseconds(),
				Weight:          stat.DefaultWeight,
			}
			for _, th := range stat.Thresholds {
				react := "never"
				if th.ReactivateRatio != ReactivateNever {
					react = strconv.FormatUint(uint64(th.ReactivateRatio), 10)
				}
				cd.Thresholds = append(cd.Thresholds, thresholdDocument{Ratio: th.Ratio, Reactivate: react, Action: th.Action.String()})
			}
			for _, w := range stat.WeightExceptions {
				cd.WeightExceptions = append(cd.WeightExceptions, weightDocument{MatcherDocument: matcherDocumentOf(w.Match), Weight: w.Weight})
			}
			rd.Categories = append(rd.Categories, cd)
		}
		for _, e := range rec.CategoryExceptions {
			rd.Exceptions = append(rd.Exceptions, exceptionDocument{MatcherDocument: matcherDocumentOf(e.Match), Action: e.Action.String()})
		}
		doc.Records = append(doc.Records, rd)
	}
	return doc
}
