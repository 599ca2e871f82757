// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	"time"

	"github.com/cobaltcore-dev/dieh/pkg/dieh"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultConcurrency = 4
)

// ResultFunc receives the outcome of a probe.
type ResultFunc func(drive string, ok bool)

// Prober answers probe requests with a smartctl health query. Without
// smartctl it only checks that the kernel still lists the disk.
type Prober struct {
	timeout  time.Duration
	sem      chan struct{}
	onResult ResultFunc

	smartctl bool
	run      Runner
	counters func(ctx context.Context, names ...string) (map[string]disk.IOCountersStat, error)
}

func NewProber(timeout time.Duration, concurrency int, onResult ResultFunc) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	smartctl := checkSmartctlInstalled()
	if !smartctl {
		log.Warn().Msg("smartctl not found, probes fall back to disk presence checks")
	}
	return &Prober{
		timeout:  timeout,
		sem:      make(chan struct{}, concurrency),
		onResult: onResult,
		smartctl: smartctl,
		run:      runSmartctl,
		counters: disk.IOCountersWithContext,
	}
}

// Probe runs asynchronously and reports through the result callback.
func (p *Prober) Probe(req dieh.ProbeRequest) {
	go func() {
		p.sem <- struct{}{}
		defer func() { <-p.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		ok := p.check(ctx, req)
		log.Info().Str("drive", req.Drive).Str("device", req.Identity.Device).Bool("ok", ok).Msg("probe finished")
		if p.onResult != nil {
			p.onResult(req.Drive, ok)
		}
	}()
}

func (p *Prober) check(ctx context.Context, req dieh.ProbeRequest) bool {
	device := req.Identity.Device
	if device == "" {
		device = "/dev/" + req.Drive
	}

	if p.smartctl {
		info, err := deviceInfo(ctx, p.run, device)
		if err != nil {
			log.Warn().Err(err).Str("device", device).Msg("probe failed")
			return false
		}
		return info.Healthy()
	}

	name := DriveID(device)
	stats, err := p.counters(ctx, name)
	if err != nil {
		log.Warn().Err(err).Str("device", device).Msg("probe failed")
		return false
	}
	_, ok := stats[name]
	return ok
}
