// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

type Policy string

const (
	// PolicyHealthCheck turns the service time watchdog on or off.
	PolicyHealthCheck Policy = "health_check"
	// PolicyEndOfLife controls whether end of life actions reach the
	// dispatcher. Latching is unaffected.
	PolicyEndOfLife Policy = "end_of_life"
	// PolicyIgnoreInvalidIdentity sends drives with an incomplete identity
	// straight to the default record.
	PolicyIgnoreInvalidIdentity Policy = "ignore_invalid_identity"
	// PolicyDirectActions enables category exceptions.
	PolicyDirectActions Policy = "direct_actions"
)

var defaultPolicies = map[Policy]bool{
	PolicyHealthCheck:           true,
	PolicyEndOfLife:             true,
	PolicyIgnoreInvalidIdentity: true,
	PolicyDirectActions:         true,
}

// Policies is a fixed set of named switches, safe for concurrent use.
type Policies struct {
	flags map[Policy]*atomic.Bool
}

func NewPolicies() *Policies {
	p := &Policies{flags: make(map[Policy]*atomic.Bool, len(defaultPolicies))}
	for name, on := range defaultPolicies {
		b := &atomic.Bool{}
		b.Store(on)
		p.flags[name] = b
	}
	return p
}

func ParsePolicy(s string) (Policy, error) {
	name := Policy(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := defaultPolicies[name]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
	return name, nil
}

func (p *Policies) Enabled(name Policy) bool {
	b, ok := p.flags[name]
	return ok && b.Load()
}

func (p *Policies) Set(name Policy, on bool) error {
	b, ok := p.flags[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	b.Store(on)
	return nil
}

func (p *Policies) Snapshot() map[Policy]bool {
	out := make(map[Policy]bool, len(p.flags))
	for name, b := range p.flags {
		out[name] = b.Load()
	}
	return out
}

func (p *Policies) Names() []Policy {
	names := make([]Policy, 0, len(p.flags))
	for name := range p.flags {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
