// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SCSI sense keys the classifier cares about.
const (
	SenseNoSense        uint8 = 0x0
	SenseRecoveredError uint8 = 0x1
	SenseNotReady       uint8 = 0x2
	SenseMediumError    uint8 = 0x3
	SenseHardwareError  uint8 = 0x4
	SenseIllegalRequest uint8 = 0x5
	SenseUnitAttention  uint8 = 0x6
	SenseAbortedCommand uint8 = 0xB
	SenseMiscompare     uint8 = 0xE
)

// Additional sense codes with a fixed category.
const (
	ASCIDCRCError       uint8 = 0x10
	ASCSCSIParityError  uint8 = 0x47
	ASCDataPhaseError   uint8 = 0x4B
	ASCFailurePredicted uint8 = 0x5D
)

// PortStatus is the transport level completion status of an I/O.
type PortStatus int

const (
	PortOK PortStatus = iota
	PortProtocolError
	PortSelectionTimeout
	PortAbortTimeout
	PortDeviceNotLoggedIn
	PortDataOverrun
	PortDataUnderrun
	PortLinkDown
	PortCRCError

	numPortStatus
)

var portStatusNames = [numPortStatus]string{
	"ok",
	"protocol_error",
	"selection_timeout",
	"abort_timeout",
	"device_not_logged_in",
	"data_overrun",
	"data_underrun",
	"link_down",
	"crc_error",
}

func (p PortStatus) String() string {
	if p < 0 || p >= numPortStatus {
		return fmt.Sprintf("port_status(%d)", int(p))
	}
	return portStatusNames[p]
}

func (p PortStatus) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PortStatus) UnmarshalText(b []byte) error {
	parsed, err := ParsePortStatus(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func ParsePortStatus(s string) (PortStatus, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return PortOK, nil
	}
	for i, n := range portStatusNames {
		if n == name {
			return PortStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown port status %q", s)
}

type SenseData struct {
	Key  uint8 `json:"key"`
	ASC  uint8 `json:"asc"`
	ASCQ uint8 `json:"ascq"`
}

// EventSource tells I/O errors from the synthetic health check failures.
type EventSource string

const (
	SourceIO          EventSource = "io"
	SourceHealthCheck EventSource = "health_check"
)

func ParseEventSource(s string) (EventSource, error) {
	switch src := EventSource(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceIO, SourceHealthCheck:
		return src, nil
	case "healthcheck":
		return SourceHealthCheck, nil
	default:
		return "", fmt.Errorf("unknown event source %q", s)
	}
}

// ErrorEvent is one failed I/O completion as reported by the transport.
type ErrorEvent struct {
	Drive      string      `json:"drive"`
	PortStatus PortStatus  `json:"port_status"`
	Sense      *SenseData  `json:"sense,omitempty"`
	Opcode     uint8       `json:"opcode"`
	LBA        uint64      `json:"lba"`
	Time       time.Time   `json:"time"`
	Source     EventSource `json:"source,omitempty"`
	Injected   bool        `json:"injected,omitempty"`
}

// origin is the event source, an unset source counting as I/O.
func (ev ErrorEvent) origin() EventSource {
	if ev.Source == "" {
		return SourceIO
	}
	return ev.Source
}

// Signature identifies the cause of an error for burst coalescing.
type Signature struct {
	Category   ErrorCategory
	PortStatus PortStatus
	HasSense   bool
	SenseKey   uint8
	ASC        uint8
	ASCQ       uint8
	Opcode     uint8
	LBA        uint64
}

func signatureOf(ev ErrorEvent, c ErrorCategory) Signature {
	sig := Signature{
		Category:   c,
		PortStatus: ev.PortStatus,
		Opcode:     ev.Opcode,
		LBA:        ev.LBA,
	}
	if ev.Sense != nil {
		sig.HasSense = true
		sig.SenseKey = ev.Sense.Key
		sig.ASC = ev.Sense.ASC
		sig.ASCQ = ev.Sense.ASCQ
	}
	return sig
}

type ByteRange struct {
	Min uint8
	Max uint8
}

func (r ByteRange) contains(v uint8) bool {
	return v >= r.Min && v <= r.Max
}

func (r ByteRange) String() string {
	if r.Min == r.Max {
		return fmt.Sprintf("0x%02x", r.Min)
	}
	return fmt.Sprintf("0x%02x-0x%02x", r.Min, r.Max)
}

// ParseByteRange parses "0x10" or "0x10-0x1f". Values may be decimal or
// 0x prefixed hex.
func ParseByteRange(s string) (ByteRange, error) {
	s = strings.TrimSpace(s)
	lo, hi, found := strings.Cut(s, "-")
	first, err := parseByte(lo)
	if err != nil {
		return ByteRange{}, err
	}
	last := first
	if found {
		if last, err = parseByte(hi); err != nil {
			return ByteRange{}, err
		}
	}
	if first > last {
		return ByteRange{}, fmt.Errorf("range %q: min above max", s)
	}
	return ByteRange{Min: first, Max: last}, nil
}

func parseByte(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid byte value %q: %w", s, err)
	}
	return uint8(v), nil
}

// ErrorMatcher is a predicate over an ErrorEvent. Unset fields match
// anything; sense criteria never match an event without sense data.
type ErrorMatcher struct {
	SenseKey   *uint8
	ASC        *ByteRange
	ASCQ       *ByteRange
	PortStatus *PortStatus
	Opcode     *uint8
	Source     *EventSource
}

func (m ErrorMatcher) Empty() bool {
	return m.SenseKey == nil && m.ASC == nil && m.ASCQ == nil && m.PortStatus == nil && m.Opcode == nil &&
		m.Source == nil
}

func (m ErrorMatcher) Matches(ev ErrorEvent) bool {
	if m.SenseKey != nil || m.ASC != nil || m.ASCQ != nil {
		if ev.Sense == nil {
			return false
		}
		if m.SenseKey != nil && *m.SenseKey != ev.Sense.Key {
			return false
		}
		if m.ASC != nil && !m.ASC.contains(ev.Sense.ASC) {
			return false
		}
		if m.ASCQ != nil && !m.ASCQ.contains(ev.Sense.ASCQ) {
			return false
		}
	}
	if m.PortStatus != nil && *m.PortStatus != ev.PortStatus {
		return false
	}
	if m.Opcode != nil && *m.Opcode != ev.Opcode {
		return false
	}
	if m.Source != nil && *m.Source != ev.origin() {
		return false
	}
	return true
}

func (m ErrorMatcher) Equal(o ErrorMatcher) bool {
	return eqPtr(m.SenseKey, o.SenseKey) && eqPtr(m.ASC, o.ASC) && eqPtr(m.ASCQ, o.ASCQ) &&
		eqPtr(m.PortStatus, o.PortStatus) && eqPtr(m.Opcode, o.Opcode) && eqPtr(m.Source, o.Source)
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (m ErrorMatcher) clone() ErrorMatcher {
	return ErrorMatcher{
		SenseKey:   clonePtr(m.SenseKey),
		ASC:        clonePtr(m.ASC),
		ASCQ:       clonePtr(m.ASCQ),
		PortStatus: clonePtr(m.PortStatus),
		Opcode:     clonePtr(m.Opcode),
		Source:     clonePtr(m.Source),
	}
}

func (m ErrorMatcher) String() string {
	var parts []string
	if m.SenseKey != nil {
		parts = append(parts, fmt.Sprintf("sk=0x%x", *m.SenseKey))
	}
	if m.ASC != nil {
		parts = append(parts, "asc="+m.ASC.String())
	}
	if m.ASCQ != nil {
		parts = append(parts, "ascq="+m.ASCQ.String())
	}
	if m.PortStatus != nil {
		parts = append(parts, "port="+m.PortStatus.String())
	}
	if m.Opcode != nil {
		parts = append(parts, fmt.Sprintf("op=0x%02x", *m.Opcode))
	}
	if m.Source != nil {
		parts = append(parts, "source="+string(*m.Source))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ",")
}
