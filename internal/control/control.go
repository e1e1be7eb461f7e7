// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package control is the thin Control/Inspection API surface described by
// the engine's component design: a one-to-one adapter over the session
// manager, binding registry, and reconciler that the HTTP façade binds
// to. It owns no state of its own and performs no enforcement decisions;
// it only translates operator intent into calls on its collaborators and
// translates their errors into the taxonomy an external caller can act on.
package control

import (
	"context"
	"time"

	"aced.dev/ace/internal/audit"
	"aced.dev/ace/internal/binding"
	"aced.dev/ace/internal/clock"
	"aced.dev/ace/internal/enforcer"
	"aced.dev/ace/internal/errors"
	"aced.dev/ace/internal/logging"
	"aced.dev/ace/internal/netutil"
	"aced.dev/ace/internal/reconcile"
	"aced.dev/ace/internal/session"
	"aced.dev/ace/internal/state"
)

// Controller is the abstract control/inspection API. The HTTP adapter in
// this package maps transport requests onto these methods one-to-one;
// a CLI or RPC façade could bind to the same surface without change.
type Controller struct {
	sessions *session.Manager
	bindings *binding.Registry
	recon    *reconcile.Reconciler
	enf      enforcer.Enforcer
	db       *state.SQLiteStore
	clock    clock.Clock
	audit    *audit.Sink
	log      *logging.Logger
}

// New wires a Controller over the already-constructed collaborators; it
// does not own their lifecycles.
func New(db *state.SQLiteStore, clk clock.Clock, sessions *session.Manager, bindings *binding.Registry, recon *reconcile.Reconciler, enf enforcer.Enforcer, sink *audit.Sink) *Controller {
	if clk == nil {
		clk = clock.System
	}
	return &Controller{
		sessions: sessions,
		bindings: bindings,
		recon:    recon,
		enf:      enf,
		db:       db,
		clock:    clk,
		audit:    sink,
		log:      logging.Default().WithComponent("control"),
	}
}

// Grant implements grantAccess.
func (c *Controller) Grant(ctx context.Context, mac, ip string, duration time.Duration, authMethod string) (*session.Session, error) {
	return c.sessions.GrantAccess(ctx, mac, ip, duration, authMethod)
}

// Revoke implements revokeAccess.
func (c *Controller) Revoke(ctx context.Context, sessionID, reason string) (session.Result, error) {
	return c.sessions.RevokeAccess(ctx, sessionID, reason)
}

// ForceDisconnect implements forceDisconnect.
func (c *Controller) ForceDisconnect(ctx context.Context, sessionID, operatorID, reason string) (session.Result, error) {
	return c.sessions.ForceDisconnect(ctx, sessionID, operatorID, reason)
}

// Extend implements extend.
func (c *Controller) Extend(sessionID string, additional time.Duration) (time.Time, error) {
	return c.sessions.Extend(sessionID, additional)
}

// ListActiveSessions implements listActiveSessions.
func (c *Controller) ListActiveSessions() ([]*session.Session, error) {
	return c.sessions.ListActive()
}

// ListBindings implements listBindings.
func (c *Controller) ListBindings() ([]*binding.Binding, error) {
	return c.bindings.List()
}

// Validate implements validate(MAC, IP).
func (c *Controller) Validate(mac, ip string) (binding.ValidateResult, error) {
	return c.bindings.Validate(mac, ip)
}

// SnapshotRules implements snapshotRules(backend). backend filters the
// result to L2 or L3 rule kinds; an empty string returns everything.
func (c *Controller) SnapshotRules(ctx context.Context, backend string) ([]enforcer.InstalledRule, error) {
	all, err := c.enf.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if backend == "" {
		return all, nil
	}
	var out []enforcer.InstalledRule
	for _, ir := range all {
		if backendOf(ir.Rule.Kind) == backend {
			out = append(out, ir)
		}
	}
	return out, nil
}

func backendOf(kind enforcer.RuleKind) string {
	switch kind {
	case enforcer.KindIsolateL2, enforcer.KindArpGuard:
		return "L2"
	default:
		return "L3"
	}
}

// ManualBind lets an operator assert a MAC<->IP mapping directly,
// bypassing the authentication flow — for static leases or corrections.
// It does not touch the enforcer; the binding table is purely advisory
// until a session claims it.
func (c *Controller) ManualBind(mac, ip, operatorID string, duration time.Duration) (binding.CreateResult, error) {
	norm, err := netutil.NormalizeMAC(mac)
	if err != nil {
		return binding.CreateResult{}, errors.Wrap(err, errors.KindValidation, "normalize mac")
	}
	if duration <= 0 {
		return binding.CreateResult{}, errors.Errorf(errors.KindValidation, "duration must be positive")
	}
	expiresAt := c.clock.Now().Add(duration)
	var res binding.CreateResult
	err = c.db.WithTx(func(tx *state.Tx) error {
		var err error
		res, err = c.bindings.CreateBinding(tx, norm, ip, "manual:"+operatorID, expiresAt)
		return err
	})
	if err != nil {
		return binding.CreateResult{}, err
	}
	for _, a := range res.Conflicts {
		c.audit.Emit(audit.Event{Category: audit.CategoryAnomaly, Severity: audit.SeverityWarn, Subjects: a.Subjects, Message: string(a.Kind)})
	}
	c.audit.Emit(audit.Event{Category: audit.CategoryAdmin, Severity: audit.SeverityInfo, Subjects: []string{norm, operatorID}, Message: "manual bind"})
	return res, nil
}

// ManualUnbind retires a MAC's binding without touching any owning
// session, for an operator clearing a stuck entry.
func (c *Controller) ManualUnbind(mac, operatorID string) error {
	norm, err := netutil.NormalizeMAC(mac)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "normalize mac")
	}
	if err := c.db.WithTx(func(tx *state.Tx) error {
		return c.bindings.RetireByMAC(tx, norm)
	}); err != nil {
		return err
	}
	c.audit.Emit(audit.Event{Category: audit.CategoryAdmin, Severity: audit.SeverityInfo, Subjects: []string{norm, operatorID}, Message: "manual unbind"})
	return nil
}

// TriggerCleanup implements triggerCleanup: it runs one reconciliation
// cycle synchronously and returns whatever that cycle's last error was.
func (c *Controller) TriggerCleanup() (ran bool, lastErr string) {
	return c.recon.TriggerCleanup()
}

// HasActiveSession backs the captive-portal detection predicate.
func (c *Controller) HasActiveSession(mac string) (bool, error) {
	return c.sessions.HasActiveSession(mac)
}
