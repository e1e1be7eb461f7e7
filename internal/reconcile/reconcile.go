// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reconcile runs the periodic cleanup loop: it expires sessions
// and bindings whose clock has run out, retries FAILED ledger rows with
// bounded backoff, diffs the enforcer's live rule set against the ledger
// to catch drift, and sweeps the binding registry for anomalies. It is
// the only component that may silently correct a ledger row behind the
// session manager's back, and only ever in the direction of making the
// ledger match what the enforcer actually has installed.
package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"aced.dev/ace/internal/audit"
	"aced.dev/ace/internal/binding"
	"aced.dev/ace/internal/clock"
	"aced.dev/ace/internal/config"
	"aced.dev/ace/internal/enforcer"
	"aced.dev/ace/internal/ledger"
	"aced.dev/ace/internal/logging"
	"aced.dev/ace/internal/services"
	"aced.dev/ace/internal/session"
	"aced.dev/ace/internal/state"
)

const (
	defaultInterval     = 60 * time.Second
	defaultRetryBudget  = 5
	defaultRetryBackoff = 2 * time.Second
	defaultGrace        = 5 * time.Second
)

// Reconciler is the reconciliation and cleanup loop service.
type Reconciler struct {
	mu      sync.RWMutex
	running bool
	stopC   chan struct{}
	doneC   chan struct{}

	// cycling guards against an overlapping run: if a cycle is still in
	// flight when the ticker fires again, the new tick is skipped rather
	// than queued, so two cycles never touch the ledger concurrently.
	cycling atomic.Bool

	db       *state.SQLiteStore
	clock    clock.Clock
	sessions *session.Manager
	ledger   *ledger.Ledger
	binding  *binding.Registry
	enf      enforcer.Enforcer
	audit    *audit.Sink
	log      *logging.Logger

	interval     time.Duration
	retryBudget  int
	retryBackoff time.Duration
	grace        time.Duration

	lastErr string
}

// New wires a Reconciler against its collaborators, defaulting the cycle
// policy until the first Reload supplies a Config.
func New(db *state.SQLiteStore, clk clock.Clock, sessions *session.Manager, led *ledger.Ledger, reg *binding.Registry, enf enforcer.Enforcer, sink *audit.Sink) *Reconciler {
	if clk == nil {
		clk = clock.System
	}
	return &Reconciler{
		db:           db,
		clock:        clk,
		sessions:     sessions,
		ledger:       led,
		binding:      reg,
		enf:          enf,
		audit:        sink,
		log:          logging.Default().WithComponent("reconcile"),
		interval:     defaultInterval,
		retryBudget:  defaultRetryBudget,
		retryBackoff: defaultRetryBackoff,
		grace:        defaultGrace,
	}
}

// Name identifies this service to the supervisor.
func (r *Reconciler) Name() string { return "reconcile" }

// Reload applies cfg's Reconciliation and Session.GracePeriod blocks. If
// the cadence changed while running, the loop is restarted on the new
// interval and Reload reports true.
func (r *Reconciler) Reload(cfg *config.Config) (bool, error) {
	interval := defaultInterval
	retryBudget := defaultRetryBudget
	retryBackoff := defaultRetryBackoff
	grace := defaultGrace

	if cfg.Reconciliation != nil {
		if cfg.Reconciliation.Interval != "" {
			d, err := time.ParseDuration(cfg.Reconciliation.Interval)
			if err != nil {
				return false, err
			}
			interval = d
		}
		if cfg.Reconciliation.RetryBudget > 0 {
			retryBudget = cfg.Reconciliation.RetryBudget
		}
		if cfg.Reconciliation.RetryBackoff != "" {
			d, err := time.ParseDuration(cfg.Reconciliation.RetryBackoff)
			if err != nil {
				return false, err
			}
			retryBackoff = d
		}
	}
	if cfg.Session != nil && cfg.Session.GracePeriod != "" {
		d, err := time.ParseDuration(cfg.Session.GracePeriod)
		if err != nil {
			return false, err
		}
		grace = d
	}

	r.mu.Lock()
	wasRunning := r.running
	intervalChanged := interval != r.interval
	r.interval = interval
	r.retryBudget = retryBudget
	r.retryBackoff = retryBackoff
	r.grace = grace
	r.mu.Unlock()

	if wasRunning && intervalChanged {
		if err := r.Stop(context.Background()); err != nil {
			return false, err
		}
		if err := r.Start(context.Background()); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Start launches the ticker loop. Calling Start on an already-running
// Reconciler is a no-op.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.stopC = make(chan struct{})
	r.doneC = make(chan struct{})
	interval := r.interval
	go r.loop(interval, r.stopC, r.doneC)
	r.running = true
	return nil
}

// Stop signals the loop to exit and waits for the in-flight cycle, if
// any, to finish.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	close(r.stopC)
	done := r.doneC
	r.running = false
	r.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Status reports whether the loop is running and the last cycle's error,
// if any.
func (r *Reconciler) Status() services.ServiceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return services.ServiceStatus{
		Name:    r.Name(),
		Running: r.running,
		Error:   r.lastErr,
	}
}

func (r *Reconciler) loop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Debug("reconciliation loop started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			r.runCycle()
		case <-stop:
			r.log.Debug("reconciliation loop stopped")
			return
		}
	}
}

// TriggerCleanup runs one reconciliation cycle synchronously and reports
// the outcome. It is the control API's triggerCleanup entry point; the
// cycling guard in runCycle makes it safe to call even while the
// background loop is also ticking. ran is false when a cycle was already
// in flight, and lastErr is then that earlier cycle's result.
func (r *Reconciler) TriggerCleanup() (ran bool, lastErr string) {
	ran = r.runCycle()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ran, r.lastErr
}

// runCycle executes one pass of every sweep and reports whether it ran. It
// is safe to call directly (e.g. from the control API's triggerCleanup),
// since the cycling guard makes overlapping calls a no-op rather than a race.
func (r *Reconciler) runCycle() bool {
	if !r.cycling.CompareAndSwap(false, true) {
		r.log.Debug("skipping cycle, previous cycle still in flight")
		return false
	}
	defer r.cycling.Store(false)

	ctx := context.Background()
	var errs []string

	if err := r.expireSessions(ctx); err != nil {
		errs = append(errs, err.Error())
		r.log.WithError(err).Error("expire sessions sweep failed")
	}
	if err := r.expireBindings(); err != nil {
		errs = append(errs, err.Error())
		r.log.WithError(err).Error("expire bindings sweep failed")
	}
	if err := r.retryFailed(ctx); err != nil {
		errs = append(errs, err.Error())
		r.log.WithError(err).Error("retry failed ledger rows sweep failed")
	}
	if err := r.checkDrift(ctx); err != nil {
		errs = append(errs, err.Error())
		r.log.WithError(err).Error("drift check failed")
	}
	if err := r.sweepAnomalies(); err != nil {
		errs = append(errs, err.Error())
		r.log.WithError(err).Error("anomaly sweep failed")
	}

	r.mu.Lock()
	if len(errs) > 0 {
		r.lastErr = errs[0]
	} else {
		r.lastErr = ""
	}
	r.mu.Unlock()
	return true
}

// expireSessions revokes every ACTIVE session past its expiry plus the
// configured grace period, giving in-flight connections a window to
// drain before their rules are retracted.
func (r *Reconciler) expireSessions(ctx context.Context) error {
	active, err := r.sessions.ListActive()
	if err != nil {
		return err
	}
	now := r.clock.Now()
	r.mu.RLock()
	grace := r.grace
	r.mu.RUnlock()

	for _, s := range active {
		if now.Before(s.ExpiresAt.Add(grace)) {
			continue
		}
		if _, err := r.sessions.RevokeAccess(ctx, s.ID, "EXPIRED"); err != nil {
			r.log.WithError(err).Error("failed to revoke expired session", "session", s.ID)
			continue
		}
	}
	return nil
}

// expireBindings retires any ACTIVE binding whose expiry has passed but
// whose owning session was never cleanly revoked (e.g. the engine
// restarted mid-grant).
func (r *Reconciler) expireBindings() error {
	all, err := r.binding.List()
	if err != nil {
		return err
	}
	now := r.clock.Now()
	for _, b := range all {
		if b.State != binding.StateActive || now.Before(b.ExpiresAt) {
			continue
		}
		if err := r.db.WithTx(func(tx *state.Tx) error {
			return r.binding.RetireByMAC(tx, b.MAC)
		}); err != nil {
			return err
		}
	}
	return nil
}

// retryFailed retries every FAILED ledger row that has cleared its
// exponential backoff window, promoting rows that exhaust their retry
// budget to DEAD and surfacing that to the audit sink.
func (r *Reconciler) retryFailed(ctx context.Context) error {
	failed, err := r.ledger.ByState(ledger.StateFailed)
	if err != nil {
		return err
	}

	r.mu.RLock()
	budget := r.retryBudget
	backoff := r.retryBackoff
	r.mu.RUnlock()

	now := r.clock.Now()
	for _, e := range failed {
		if e.Attempts >= budget {
			if err := r.ledger.MarkDead(e.ID); err != nil {
				return err
			}
			r.audit.Emit(audit.Event{
				Category: audit.CategoryRule,
				Severity: audit.SeverityCritical,
				Subjects: []string{e.SessionID, e.Rule.MAC, string(e.Rule.Kind)},
				Message:  "ledger row exhausted retry budget, marked dead",
			})
			continue
		}

		wait := backoff
		if e.Attempts > 0 {
			wait = backoff << uint(e.Attempts-1)
		}
		if !e.LastAttemptAt.IsZero() && now.Before(e.LastAttemptAt.Add(wait)) {
			continue
		}

		r.retryEntry(ctx, e)
	}
	return nil
}

func (r *Reconciler) retryEntry(ctx context.Context, e *ledger.Entry) {
	cctx, cancel := context.WithTimeout(ctx, enforcer.DefaultBackendTimeout)
	defer cancel()

	var ok bool
	var handle enforcer.Handle
	var diag string

	if e.Op == ledger.OpApply {
		res, err := r.enf.Apply(cctx, []enforcer.Rule{e.Rule})
		if err == nil && len(res.Handles) == 1 {
			ok = true
			handle = res.Handles[0]
		} else if err != nil {
			diag = err.Error()
		}
	} else {
		var handles []enforcer.Handle
		if e.Handle != "" {
			handles = []enforcer.Handle{e.Handle}
		}
		rr, err := r.enf.Retract(cctx, handles)
		ok = err == nil && len(rr.StillPresent) == 0
		if err != nil {
			diag = err.Error()
		}
		handle = e.Handle
	}

	if txErr := r.db.WithTx(func(tx *state.Tx) error {
		return ledger.RecordOutcome(tx, r.clock, e, ok, handle, diag)
	}); txErr != nil {
		r.log.WithError(txErr).Error("failed to record retry outcome", "entry", e.ID)
	}
}

// checkDrift compares the enforcer's live rule set to the ledger's
// APPLIED rows. An orphan handle (installed but not in the ledger) is
// retracted outright; a ghost row (ledgered APPLIED but absent from the
// backend) is marked FAILED so retryFailed re-applies it next cycle.
func (r *Reconciler) checkDrift(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, enforcer.DefaultBackendTimeout)
	defer cancel()
	live, err := r.enf.Snapshot(cctx)
	if err != nil {
		return err
	}

	applied, err := r.ledger.ByState(ledger.StateApplied)
	if err != nil {
		return err
	}

	ledgerHandles := make(map[enforcer.Handle]*ledger.Entry, len(applied))
	for _, e := range applied {
		if e.Handle != "" {
			ledgerHandles[e.Handle] = e
		}
	}

	liveHandles := make(map[enforcer.Handle]bool, len(live))
	for _, ir := range live {
		liveHandles[ir.Handle] = true
		if _, known := ledgerHandles[ir.Handle]; known {
			continue
		}
		if _, err := r.enf.Retract(cctx, []enforcer.Handle{ir.Handle}); err != nil {
			r.log.WithError(err).Error("failed to retract orphan rule", "handle", ir.Handle)
			continue
		}
		r.audit.Emit(audit.Event{
			Category: audit.CategoryRule,
			Severity: audit.SeverityWarn,
			Subjects: []string{ir.Rule.MAC},
			Message:  "retracted orphan rule not present in ledger",
		})
	}

	for h, e := range ledgerHandles {
		if liveHandles[h] {
			continue
		}
		diag := "drift: ledger claims APPLIED but backend has no record"
		if err := r.db.WithTx(func(tx *state.Tx) error {
			return ledger.RecordOutcome(tx, r.clock, e, false, h, diag)
		}); err != nil {
			r.log.WithError(err).Error("failed to flag ghost ledger row as failed", "entry", e.ID)
		}
	}
	return nil
}

// sweepAnomalies forwards every anomaly the binding registry currently
// detects to the audit sink.
func (r *Reconciler) sweepAnomalies() error {
	anomalies, err := r.binding.ScanAnomalies()
	if err != nil {
		return err
	}
	for _, a := range anomalies {
		r.audit.Emit(audit.Event{
			Category: audit.CategoryAnomaly,
			Severity: audit.SeverityWarn,
			Subjects: a.Subjects,
			Message:  string(a.Kind),
		})
	}
	return nil
}
