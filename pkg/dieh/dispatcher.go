// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ActionRequest is the one-shot message sent to the drive object layer.
type ActionRequest struct {
	ID         string        `json:"id"`
	Drive      string        `json:"drive"`
	Node       string        `json:"node,omitempty"`
	Action     ActionFlag    `json:"action"`
	CallHome   bool          `json:"call_home"`
	Category   ErrorCategory `json:"category"`
	Ratio      uint32        `json:"ratio"`
	Reason     string        `json:"reason"`
	Generation uint64        `json:"generation"`
	Forced     bool          `json:"forced,omitempty"`
	Time       time.Time     `json:"time"`
}

// Dispatcher delivers action requests. Dispatch is called with the drive's
// lock held and must not block.
type Dispatcher interface {
	Dispatch(req ActionRequest)
}

type DispatcherFunc func(req ActionRequest)

func (f DispatcherFunc) Dispatch(req ActionRequest) { f(req) }

// MultiDispatcher fans a request out to every dispatcher in order.
type MultiDispatcher []Dispatcher

func (m MultiDispatcher) Dispatch(req ActionRequest) {
	for _, d := range m {
		d.Dispatch(req)
	}
}

// LogDispatcher only logs the request, for dry runs.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(req ActionRequest) {
	event := log.Warn()
	if req.Action.Has(ActionFail) || req.CallHome {
		event = log.Error()
	}
	event.Str("id", req.ID).
		Str("drive", req.Drive).
		Str("action", req.Action.String()).
		Bool("call_home", req.CallHome).
		Str("category", req.Category.String()).
		Uint32("ratio", req.Ratio).
		Str("reason", req.Reason).
		Bool("forced", req.Forced).
		Msg("drive action requested")
}

// ChannelDispatcher hands requests to a buffered channel and drops them when
// the channel is full.
type ChannelDispatcher struct {
	C       chan ActionRequest
	dropped atomic.Uint64
}

func NewChannelDispatcher(size int) *ChannelDispatcher {
	return &ChannelDispatcher{C: make(chan ActionRequest, size)}
}

func (c *ChannelDispatcher) Dispatch(req ActionRequest) {
	select {
	case c.C <- req:
	default:
		c.dropped.Add(1)
		log.Error().Str("drive", req.Drive).Str("action", req.Action.String()).Msg("action request dropped, channel full")
	}
}

func (c *ChannelDispatcher) Dropped() uint64 {
	return c.dropped.Load()
}
