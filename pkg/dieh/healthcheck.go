// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ProbeRequest asks for a non-intrusive diagnostic of a drive that missed
// its service time.
type ProbeRequest struct {
	Drive    string        `json:"drive"`
	Identity DriveIdentity `json:"identity"`
	IssuedAt time.Time     `json:"issued_at"`
}

// Prober starts a diagnostic and returns immediately. The result comes back
// through Engine.ProbeCompleted.
type Prober interface {
	Probe(req ProbeRequest)
}

type ProberFunc func(req ProbeRequest)

func (f ProberFunc) Probe(req ProbeRequest) { f(req) }

// IOStarted arms a service time deadline for an I/O.
func (e *Engine) IOStarted(drive string, io uint64, at time.Time) error {
	d, err := e.drive(drive)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = e.now()
	}
	limit := e.parameters(e.store.Snapshot()).ServiceTimeLimit
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outstanding[io] = &ioDeadline{deadline: at.Add(limit)}
	return nil
}

func (e *Engine) IOCompleted(drive string, io uint64) error {
	d, err := e.drive(drive)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.outstanding, io)
	return nil
}

// Sweep checks every drive for I/Os past their deadline and issues at most
// one probe per drive; a drive with a probe outstanding is skipped. Each
// I/O triggers a probe at most once. A request whose result is overdue is
// written off as failed, after which the drive is checked again. It returns
// the number of probes issued.
func (e *Engine) Sweep(now time.Time) int {
	if e.prober == nil || !e.policies.Enabled(PolicyHealthCheck) {
		return 0
	}
	timeout := e.checkTimeout()

	var (
		reqs []ProbeRequest
		lost []string
	)
	e.drives.Range(func(_, v any) bool {
		d := v.(*driveState)
		d.mu.Lock()
		if d.overdue(now, timeout) {
			lost = append(lost, d.id)
		}
		if req, ok := d.expire(now); ok {
			reqs = append(reqs, req)
		}
		d.mu.Unlock()
		return true
	})

	for _, id := range lost {
		probeFailures.Inc()
		log.Error().Str("drive", id).Dur("timeout", timeout).Msg("health check result overdue, counting as failed")
		if _, err := e.HandleError(ErrorEvent{Drive: id, Source: SourceHealthCheck, Time: now}); err != nil {
			log.Debug().Err(err).Str("drive", id).Msg("error handling overdue health check")
		}
	}

	// probes go out after the drive locks are released
	for _, req := range reqs {
		log.Warn().Str("drive", req.Drive).Msg("service time exceeded, probing drive")
		probesIssued.Inc()
		e.prober.Probe(req)
	}
	return len(reqs)
}

func (e *Engine) checkTimeout() time.Duration {
	if e.resultTimeout > 0 {
		return e.resultTimeout
	}
	return 2 * e.parameters(e.store.Snapshot()).ServiceTimeLimit
}

// overdue writes off a request whose result did not arrive within timeout.
// Must be called with d.mu held.
func (d *driveState) overdue(now time.Time, timeout time.Duration) bool {
	if d.removed || !d.probeOutstanding || timeout <= 0 || now.Sub(d.probeIssuedAt) <= timeout {
		return false
	}
	d.probeOutstanding = false
	d.probeFailures++
	return true
}

// expire must be called with d.mu held.
func (d *driveState) expire(now time.Time) (ProbeRequest, bool) {
	if d.removed || d.probeOutstanding {
		return ProbeRequest{}, false
	}
	expired := false
	for _, io := range d.outstanding {
		if !io.probed && now.After(io.deadline) {
			io.probed = true
			expired = true
		}
	}
	if !expired {
		return ProbeRequest{}, false
	}
	d.probeOutstanding = true
	d.probeIssuedAt = now
	d.probes++
	return ProbeRequest{Drive: d.id, Identity: d.identity, IssuedAt: now}, true
}

// ProbeCompleted clears the outstanding probe. A failed probe is fed to
// HandleError as a HealthCheck event. A result arriving after its request
// was written off as overdue is ignored.
func (e *Engine) ProbeCompleted(drive string, ok bool) (Outcome, error) {
	d, err := e.drive(drive)
	if err != nil {
		return Outcome{}, err
	}
	d.mu.Lock()
	if !d.probeOutstanding {
		d.mu.Unlock()
		log.Debug().Str("drive", drive).Msg("probe completion without outstanding probe")
		return Outcome{Drive: drive}, nil
	}
	d.probeOutstanding = false
	took := e.now().Sub(d.probeIssuedAt)
	if !ok {
		d.probeFailures++
	}
	d.mu.Unlock()

	if ok {
		log.Info().Str("drive", drive).Dur("took", took).Msg("probe succeeded")
		return Outcome{Drive: drive}, nil
	}
	probeFailures.Inc()
	log.Error().Str("drive", drive).Dur("took", took).Msg("probe failed")
	return e.HandleError(ErrorEvent{Drive: drive, Source: SourceHealthCheck, Time: e.now()})
}

// RunHealthCheck sweeps on every tick until ctx is done.
func (e *Engine) RunHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(e.now())
		}
	}
}
