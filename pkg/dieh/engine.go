// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// fallbackRecord serves drives when the published table has neither a
// matching nor a default record.
var fallbackRecord = DefaultRecord()

type Options struct {
	Store      *Store
	Dispatcher Dispatcher
	Prober     Prober
	Policies   *Policies
	Node       string
	Now        func() time.Time

	// Non-zero values override the table parameters.
	ServiceTimeLimit time.Duration
	CoalesceWindow   time.Duration
	ActionSettleTime time.Duration

	// ResultTimeout bounds the wait for a health check result; one that
	// does not arrive in time counts as a failure. Zero means twice the
	// service time limit.
	ResultTimeout time.Duration
}

// Engine ties the classifier, ratio tracker, evaluator, health check and
// dispatcher together. Events for one drive are serialized by that drive's
// lock; there is no engine wide lock on the event path.
type Engine struct {
	store         *Store
	dispatcher    Dispatcher
	prober        Prober
	policies      *Policies
	node          string
	now           func() time.Time
	overrides     Parameters
	resultTimeout time.Duration

	drives sync.Map // string -> *driveState
}

// Outcome reports what HandleError did with an event.
type Outcome struct {
	Drive      string        `json:"drive"`
	Category   ErrorCategory `json:"category"`
	Weight     uint32        `json:"weight"`
	Ratio      uint32        `json:"ratio"`
	Direct     bool          `json:"direct"`
	Coalesced  bool          `json:"coalesced"`
	Suppressed bool          `json:"suppressed"`
	Action     ActionFlag    `json:"action"`
	Generation uint64        `json:"generation"`
}

func NewEngine(opts Options) (*Engine, error) {
	e := &Engine{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		prober:     opts.Prober,
		policies:   opts.Policies,
		node:       opts.Node,
		now:        opts.Now,
		overrides: Parameters{
			ServiceTimeLimit: opts.ServiceTimeLimit,
			CoalesceWindow:   opts.CoalesceWindow,
			ActionSettleTime: opts.ActionSettleTime,
		},
		resultTimeout: opts.ResultTimeout,
	}
	if e.store == nil {
		s, err := NewStore(nil)
		if err != nil {
			return nil, err
		}
		e.store = s
	}
	if e.dispatcher == nil {
		e.dispatcher = LogDispatcher{}
	}
	if e.policies == nil {
		e.policies = NewPolicies()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

func (e *Engine) Store() *Store { return e.store }
func (e *Engine) Policies() *Policies { return e.policies }
func (e *Engine) Node() string { return e.node }
func (e *Engine) SetProber(p Prober) { e.prober = p }
func (e *Engine) Now() time.Time { return e.now() }

func (e *Engine) SetPolicy(name Policy, on bool) error {
	if err := e.policies.Set(name, on); err != nil {
		return err
	}
	log.Info().Str("policy", string(name)).Bool("enabled", on).Msg("dieh policy changed")
	return nil
}

func (e *Engine) parameters(tbl *ConfigurationTable) Parameters {
	p := tbl.Parameters
	if e.overrides.ServiceTimeLimit > 0 {
		p.ServiceTimeLimit = e.overrides.ServiceTimeLimit
	}
	if e.overrides.CoalesceWindow > 0 {
		p.CoalesceWindow = e.overrides.CoalesceWindow
	}
	if e.overrides.ActionSettleTime > 0 {
		p.ActionSettleTime = e.overrides.ActionSettleTime
	}
	return p
}

func (e *Engine) recordFor(tbl *ConfigurationTable, id DriveIdentity) *DriveConfigurationRecord {
	if e.policies.Enabled(PolicyIgnoreInvalidIdentity) && !id.Complete() {
		if rec, ok := tbl.DefaultRecord(); ok {
			return rec
		}
		return &fallbackRecord
	}
	if rec, ok := tbl.Match(id); ok {
		return rec
	}
	return &fallbackRecord
}

func (e *Engine) drive(id string) (*driveState, error) {
	v, ok := e.drives.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDrive, id)
	}
	return v.(*driveState), nil
}

// AddDrive starts tracking a drive with fresh, unlatched state.
func (e *Engine) AddDrive(id string, identity DriveIdentity) error {
	d := newDriveState(id, identity, e.now())
	if _, loaded := e.drives.LoadOrStore(id, d); loaded {
		return fmt.Errorf("%w: %s", ErrDriveExists, id)
	}
	rec := e.recordFor(e.store.Snapshot(), identity)
	drivesTracked.Inc()
	log.Info().
		Str("drive", id).
		Str("vendor", identity.Vendor).
		Str("part_number", identity.PartNumber).
		Str("serial", identity.Serial).
		Str("record", rec.Description).
		Msg("drive added")
	return nil
}

// RemoveDrive destroys the drive's runtime state. A drive added again under
// the same id starts from zero.
func (e *Engine) RemoveDrive(id string) error {
	v, ok := e.drives.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDrive, id)
	}
	d := v.(*driveState)
	d.mu.Lock()
	d.removed = true
	d.mu.Unlock()
	drivesTracked.Dec()
	forgetDriveMetrics(e.node, id)
	log.Info().Str("drive", id).Msg("drive removed")
	return nil
}

func (e *Engine) Drives() []string {
	var ids []string
	e.drives.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// HandleError runs classify, update, evaluate and dispatch for one event
// under the drive's lock, against a single table snapshot.
func (e *Engine) HandleError(ev ErrorEvent) (Outcome, error) {
	d, err := e.drive(ev.Drive)
	if err != nil {
		return Outcome{}, err
	}
	tbl := e.store.Snapshot()
	rec := e.recordFor(tbl, d.identity)
	params := e.parameters(tbl)
	now := ev.Time
	if now.IsZero() {
		now = e.now()
	}
	direct := e.policies.Enabled(PolicyDirectActions)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownDrive, ev.Drive)
	}

	out := Outcome{Drive: ev.Drive, Generation: tbl.Generation}
	d.lifetimeErrors++
	if ev.Injected {
		d.testInjections++
	}

	if d.inFlight != NoAction {
		if now.Sub(d.inFlightSince) < params.ActionSettleTime {
			d.suppressed++
			errorsSuppressed.Inc()
			out.Suppressed = true
			return out, nil
		}
		log.Debug().Str("drive", d.id).Str("action", d.inFlight.String()).Msg("in-flight action settled by timeout")
		d.inFlight = NoAction
	}

	c := Classify(ev, rec, tbl.Overrides, direct)
	out.Category, out.Weight = c.Category, c.Weight
	errorsClassified.WithLabelValues(c.Category.String()).Inc()

	if c.Direct {
		out.Direct = true
		fresh := c.Action &^ d.directLatch
		d.directLatch |= c.Action
		out.Ratio = d.categories[c.Category].Ratio
		out.Action = e.dispatch(d, fresh, c.Category, out.Ratio, "category exception", now, tbl.Generation, false)
		return out, nil
	}
	if !c.Tracked {
		return out, nil
	}

	stat := rec.Stats[c.Category]
	rs := &d.categories[c.Category]
	if rs.Update(now, stat.DecayInterval, c.Weight, c.Signature, params.CoalesceWindow) {
		d.coalesced++
		errorsCoalesced.WithLabelValues(c.Category.String()).Inc()
		out.Coalesced = true
	}
	var action ActionFlag
	rs.Latch, action = Evaluate(rs.Ratio, stat.Thresholds, rs.Latch)
	out.Ratio = rs.Ratio
	setRatio(e.node, d.id, c.Category, rs.Ratio)

	if action != NoAction {
		out.Action = e.dispatch(d, action, c.Category, rs.Ratio, "threshold", now, tbl.Generation, false)
	}
	return out, nil
}

// dispatch issues one request per action step. Must be called with d.mu
// held. It returns the actions actually requested.
func (e *Engine) dispatch(d *driveState, action ActionFlag, category ErrorCategory, ratio uint32, reason string, now time.Time, generation uint64, forced bool) ActionFlag {
	if !forced && !e.policies.Enabled(PolicyEndOfLife) && action&(ActionEndOfLife|ActionEndOfLifeCallHome) != 0 {
		log.Info().Str("drive", d.id).Str("category", category.String()).Msg("end of life action withheld by policy")
		action &^= ActionEndOfLife | ActionEndOfLifeCallHome
	}
	if action == NoAction {
		return NoAction
	}

	for _, step := range action.Steps() {
		req := ActionRequest{
			ID:         uuid.NewString(),
			Drive:      d.id,
			Node:       e.node,
			Action:     step.Action,
			CallHome:   step.CallHome,
			Category:   category,
			Ratio:      ratio,
			Reason:     reason,
			Generation: generation,
			Forced:     forced,
			Time:       now,
		}
		e.dispatcher.Dispatch(req)
		d.dispatched[step.Action]++
		actionsDispatched.WithLabelValues(step.Action.String()).Inc()
	}

	if action&disruptiveActions != 0 {
		d.inFlight = action & disruptiveActions
		d.inFlightSince = now
	}

	log.Warn().
		Str("drive", d.id).
		Str("action", action.String()).
		Str("category", category.String()).
		Uint32("ratio", ratio).
		Str("reason", reason).
		Bool("forced", forced).
		Msg("drive action dispatched")
	return action
}

// ActionCompleted ends in-flight suppression for the drive.
func (e *Engine) ActionCompleted(drive string) error {
	d, err := e.drive(drive)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight != NoAction {
		log.Debug().Str("drive", drive).Str("action", d.inFlight.String()).Msg("in-flight action completed")
	}
	d.inFlight = NoAction
	return nil
}

// ForceAction dispatches action for the drive regardless of ratios, latches
// and policies. It exists for error injection tests.
func (e *Engine) ForceAction(drive string, action ActionFlag) (ActionFlag, error) {
	if action == NoAction || action&^allActions != 0 {
		return NoAction, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	d, err := e.drive(drive)
	if err != nil {
		return NoAction, err
	}
	gen := e.store.Generation()
	now := e.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.testInjections++
	return e.dispatch(d, action, CategoryCumulative, 0, "forced", now, gen, true), nil
}

// ClearStats zeroes ratios, latches and counters. Outstanding I/O tracking
// is kept.
func (e *Engine) ClearStats(drive string) error {
	d, err := e.drive(drive)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.resetStats()
	d.mu.Unlock()
	for _, c := range AllCategories() {
		setRatio(e.node, drive, c, 0)
	}
	log.Info().Str("drive", drive).Msg("drive statistics cleared")
	return nil
}

// ClearLatch de-latches one category, the only way out of a threshold that
// never reactivates.
func (e *Engine) ClearLatch(drive string, category ErrorCategory) error {
	if !category.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownCategory, int(category))
	}
	d, err := e.drive(drive)
	if err != nil {
		return err
	}
	d.mu.Lock()
	prev := d.categories[category].Latch
	d.categories[category].Latch = Latch{}
	d.mu.Unlock()
	log.Info().Str("drive", drive).Str("category", category.String()).Str("action", prev.Action.String()).Msg("latch cleared")
	return nil
}

func (e *Engine) DriveStats(drive string) (DriveStats, error) {
	d, err := e.drive(drive)
	if err != nil {
		return DriveStats{}, err
	}
	return e.statsOf(d), nil
}

func (e *Engine) AllStats() []DriveStats {
	var out []DriveStats
	e.drives.Range(func(_, v any) bool {
		out = append(out, e.statsOf(v.(*driveState)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Drive < out[j].Drive })
	return out
}

func (e *Engine) statsOf(d *driveState) DriveStats {
	tbl := e.store.Snapshot()
	rec := e.recordFor(tbl, d.identity)
	now := e.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot(rec, tbl.Generation, now)
}
