// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package session drives the access-control state machine: it is the
// only component that mutates Session state, and it creates and retires
// Bindings and writes the rule ledger for every grant and revoke (the
// reconciliation loop also expires bindings and retries or corrects
// ledger rows). A grant or revoke coordinates all three, holding a
// persistence transaction only for each state mutation and never across
// an Enforcer call, per the engine's concurrency model.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"aced.dev/ace/internal/audit"
	"aced.dev/ace/internal/binding"
	"aced.dev/ace/internal/clock"
	"aced.dev/ace/internal/device"
	"aced.dev/ace/internal/enforcer"
	"aced.dev/ace/internal/errors"
	"aced.dev/ace/internal/ledger"
	"aced.dev/ace/internal/logging"
	"aced.dev/ace/internal/netutil"
	"aced.dev/ace/internal/state"
)

const bucketName = "sessions"

// State is a Session's lifecycle state. The only permitted transitions
// are PENDING->ACTIVE, PENDING->REVOKING (the compensating revoke after
// an apply failure), ACTIVE->REVOKING, REVOKING->TERMINATED. TERMINATED
// is absorbing.
type State string

const (
	StatePending    State = "PENDING"
	StateActive     State = "ACTIVE"
	StateRevoking   State = "REVOKING"
	StateTerminated State = "TERMINATED"
)

// Session is one authenticated client's access grant.
type Session struct {
	ID         string    `json:"id"`
	MAC        string    `json:"mac"`
	IP         string    `json:"ip"`
	AuthMethod string    `json:"auth_method"`
	StartedAt  time.Time `json:"started_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
}

// Result is returned by GrantAccess and the revoke family, summarizing
// what the rule ledger/enforcer actually did.
type Result struct {
	Session           *Session
	RetractedHandles  []enforcer.Handle
	ResidualFailures  []string
}

// Manager is the Session Lifecycle Manager.
type Manager struct {
	db      *state.SQLiteStore
	clock   clock.Clock
	binding *binding.Registry
	ledger  *ledger.Ledger
	devices *device.Store
	enf     enforcer.Enforcer
	audit   *audit.Sink
	log     *logging.Logger

	backendTimeout time.Duration
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithBackendTimeout overrides the default 5s deadline applied to every
// Enforcer call.
func WithBackendTimeout(d time.Duration) Option {
	return func(m *Manager) { m.backendTimeout = d }
}

// WithLogger overrides the default component logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager opens the sessions bucket on db and wires the collaborators
// a grant/revoke needs.
func NewManager(db *state.SQLiteStore, clk clock.Clock, reg *binding.Registry, led *ledger.Ledger, devices *device.Store, enf enforcer.Enforcer, sink *audit.Sink, opts ...Option) (*Manager, error) {
	if clk == nil {
		clk = clock.System
	}
	if err := db.CreateBucket(bucketName); err != nil && err != state.ErrBucketExists {
		return nil, err
	}
	m := &Manager{
		db:             db,
		clock:          clk,
		binding:        reg,
		ledger:         led,
		devices:        devices,
		enf:            enf,
		audit:          sink,
		log:            logging.Default().WithComponent("session"),
		backendTimeout: enforcer.DefaultBackendTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// GrantAccess implements grantAccess(MAC, IP, duration, authMethod).
func (m *Manager) GrantAccess(ctx context.Context, mac, ip string, duration time.Duration, authMethod string) (*Session, error) {
	norm, err := netutil.NormalizeMAC(mac)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "normalize mac")
	}
	if duration <= 0 {
		return nil, errors.Errorf(errors.KindValidation, "duration must be positive")
	}

	if dev, err := m.devices.Get(norm); err == nil && dev.Blocked {
		return nil, errors.Errorf(errors.KindPolicyDenied, "device %s is blocked: %s", norm, dev.BlockReason)
	} else if err != nil && err != state.ErrNotFound {
		return nil, err
	}
	if _, err := m.devices.Touch(norm); err != nil {
		return nil, err
	}

	existing, err := m.findActiveByMAC(norm)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.IP == ip && existing.AuthMethod == authMethod {
			return existing, nil
		}
		if _, err := m.RevokeAccess(ctx, existing.ID, "REPLACED"); err != nil {
			return nil, err
		}
	}

	now := m.clock.Now()
	expiresAt := now.Add(duration)
	sess := &Session{
		ID:         uuid.NewString(),
		MAC:        norm,
		IP:         ip,
		AuthMethod: authMethod,
		StartedAt:  now,
		ExpiresAt:  expiresAt,
		State:      StatePending,
	}

	priorPortal, err := m.ledger.FindLatestApplied(norm, enforcer.KindPortalRedirect)
	if err != nil {
		return nil, err
	}

	var waEntries []*ledger.Entry
	var conflicts []binding.Anomaly
	err = m.db.WithTx(func(tx *state.Tx) error {
		if err := tx.SetJSON(bucketName, sess.ID, sess); err != nil {
			return err
		}
		res, err := m.binding.CreateBinding(tx, norm, ip, sess.ID, expiresAt)
		if err != nil {
			return err
		}
		conflicts = res.Conflicts

		if priorPortal != nil {
			e, err := ledger.WriteAhead(tx, m.clock, sess.ID, ledger.OpRetract, priorPortal.Rule, priorPortal.Handle)
			if err != nil {
				return err
			}
			waEntries = append(waEntries, e)
		}
		for _, r := range enforcer.SynthesizeGrant(norm, ip, sess.ID) {
			e, err := ledger.WriteAhead(tx, m.clock, sess.ID, ledger.OpApply, r, "")
			if err != nil {
				return err
			}
			waEntries = append(waEntries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, a := range conflicts {
		m.audit.Emit(audit.Event{Category: audit.CategoryAnomaly, Severity: audit.SeverityWarn, Subjects: a.Subjects, Message: string(a.Kind)})
	}

	ok, firstErr := m.runEnforcerSteps(ctx, waEntries)
	if !ok {
		m.audit.Emit(audit.Event{Category: audit.CategorySession, Severity: audit.SeverityError, Subjects: []string{sess.ID, norm}, Message: "grant failed, compensating revoke"})
		if _, rErr := m.RevokeAccess(ctx, sess.ID, "ENFORCER_FAILED"); rErr != nil {
			m.log.WithError(rErr).Error("compensating revoke failed", "session", sess.ID)
		}
		return nil, errors.Wrap(firstErr, errors.KindEnforcerTransient, "enforcer failed to apply grant rules")
	}

	if priorPortal != nil {
		priorPortal.State = ledger.StateRetracted
		priorPortal.RetractedAt = m.clock.Now()
		if err := m.ledger.Put(priorPortal); err != nil {
			return nil, err
		}
	}

	err = m.db.WithTx(func(tx *state.Tx) error {
		sess.State = StateActive
		return tx.SetJSON(bucketName, sess.ID, sess)
	})
	if err != nil {
		return nil, err
	}

	m.audit.Emit(audit.Event{Category: audit.CategorySession, Severity: audit.SeverityInfo, Subjects: []string{sess.ID, norm}, Message: "session granted"})
	return sess, nil
}

// RevokeAccess implements revokeAccess(sessionId, reason).
func (m *Manager) RevokeAccess(ctx context.Context, sessionID, reason string) (Result, error) {
	var sess Session
	if err := m.db.GetJSON(bucketName, sessionID, &sess); err != nil {
		if err == state.ErrNotFound {
			return Result{}, errors.Wrap(err, errors.KindValidation, "session not found")
		}
		return Result{}, err
	}

	if sess.State == StateRevoking || sess.State == StateTerminated {
		return Result{Session: &sess}, nil
	}

	err := m.db.WithTx(func(tx *state.Tx) error {
		sess.State = StateRevoking
		sess.Reason = reason
		return tx.SetJSON(bucketName, sess.ID, &sess)
	})
	if err != nil {
		return Result{}, err
	}

	applied, err := m.ledger.BySession(sess.ID)
	if err != nil {
		return Result{}, err
	}

	var res Result
	res.Session = &sess
	for _, e := range applied {
		if e.State != ledger.StateApplied {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, m.backendTimeout)
		rr, err := m.enf.Retract(cctx, []enforcer.Handle{e.Handle})
		cancel()

		ok := err == nil && (len(rr.Retracted) == 1 || len(rr.Missing) == 1)
		if err != nil && len(rr.StillPresent) == 0 {
			// Communication failure: retry once immediately before giving up.
			cctx2, cancel2 := context.WithTimeout(ctx, m.backendTimeout)
			rr, err = m.enf.Retract(cctx2, []enforcer.Handle{e.Handle})
			cancel2()
			ok = err == nil && (len(rr.Retracted) == 1 || len(rr.Missing) == 1)
		}

		retractEntry, waErr := m.writeRetractEntry(e)
		if waErr != nil {
			return Result{}, waErr
		}
		outcomeErr := m.db.WithTx(func(tx *state.Tx) error {
			diag := ""
			if err != nil {
				diag = err.Error()
			}
			return ledger.RecordOutcome(tx, m.clock, retractEntry, ok, e.Handle, diag)
		})
		if outcomeErr != nil {
			return Result{}, outcomeErr
		}
		if ok {
			e.State = ledger.StateRetracted
			e.RetractedAt = m.clock.Now()
			if err := m.ledger.Put(e); err != nil {
				return Result{}, err
			}
			res.RetractedHandles = append(res.RetractedHandles, e.Handle)
		} else {
			res.ResidualFailures = append(res.ResidualFailures, string(e.Rule.Kind))
			m.audit.Emit(audit.Event{Category: audit.CategoryRule, Severity: audit.SeverityError, Subjects: []string{sess.MAC, string(e.Rule.Kind)}, Message: "rule retract failed, will be retried by reconciliation"})
		}
	}

	if err := m.db.WithTx(func(tx *state.Tx) error {
		return m.binding.RetireBySession(tx, sess.ID)
	}); err != nil {
		return Result{}, err
	}

	// Re-apply PORTAL_REDIRECT so the client must re-authenticate for any
	// future traffic. This re-grant is ledgered under a synthetic
	// "portal:<mac>" identity, not tied to the terminating session.
	portalRule := enforcer.Rule{Kind: enforcer.KindPortalRedirect, MAC: sess.MAC, IP: sess.IP}
	var portalEntry *ledger.Entry
	if err := m.db.WithTx(func(tx *state.Tx) error {
		var err error
		portalEntry, err = ledger.WriteAhead(tx, m.clock, "portal:"+sess.MAC, ledger.OpApply, portalRule, "")
		return err
	}); err != nil {
		return Result{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, m.backendTimeout)
	ar, applyErr := m.enf.Apply(cctx, []enforcer.Rule{portalRule})
	cancel()
	portalOK := applyErr == nil && len(ar.Handles) == 1
	var portalHandle enforcer.Handle
	diag := ""
	if portalOK {
		portalHandle = ar.Handles[0]
	} else if applyErr != nil {
		diag = applyErr.Error()
	}
	if err := m.db.WithTx(func(tx *state.Tx) error {
		return ledger.RecordOutcome(tx, m.clock, portalEntry, portalOK, portalHandle, diag)
	}); err != nil {
		return Result{}, err
	}
	if !portalOK {
		m.audit.Emit(audit.Event{Category: audit.CategoryRule, Severity: audit.SeverityWarn, Subjects: []string{sess.MAC}, Message: "portal redirect re-apply failed, reconciliation will retry"})
	}

	if err := m.db.WithTx(func(tx *state.Tx) error {
		sess.State = StateTerminated
		return tx.SetJSON(bucketName, sess.ID, &sess)
	}); err != nil {
		return Result{}, err
	}

	m.audit.Emit(audit.Event{Category: audit.CategorySession, Severity: audit.SeverityInfo, Subjects: []string{sess.ID, sess.MAC}, Message: "session revoked: " + reason})
	return res, nil
}

// Extend implements extend(sessionId, additionalSeconds).
func (m *Manager) Extend(sessionID string, additional time.Duration) (time.Time, error) {
	var sess Session
	var newExpiry time.Time
	err := m.db.WithTx(func(tx *state.Tx) error {
		if err := tx.GetJSON(bucketName, sessionID, &sess); err != nil {
			if err == state.ErrNotFound {
				return errors.Wrap(err, errors.KindValidation, "session not found")
			}
			return err
		}
		if sess.State != StateActive && sess.State != StatePending {
			return errors.Errorf(errors.KindValidation, "cannot extend session in state %s", sess.State)
		}
		newExpiry = sess.ExpiresAt.Add(additional)
		sess.ExpiresAt = newExpiry
		if err := tx.SetJSON(bucketName, sess.ID, &sess); err != nil {
			return err
		}
		return m.binding.ExtendOwned(tx, sess.ID, newExpiry)
	})
	if err != nil {
		return time.Time{}, err
	}
	return newExpiry, nil
}

// ForceDisconnect is structurally identical to RevokeAccess with the
// reason tagged ADMIN, plus the operator id for the audit trail.
func (m *Manager) ForceDisconnect(ctx context.Context, sessionID, operatorID, reason string) (Result, error) {
	res, err := m.RevokeAccess(ctx, sessionID, "ADMIN:"+operatorID+":"+reason)
	return res, err
}

// HasActiveSession reports whether mac currently has an ACTIVE session,
// the single predicate the captive-portal detection façade needs.
func (m *Manager) HasActiveSession(mac string) (bool, error) {
	norm, err := netutil.NormalizeMAC(mac)
	if err != nil {
		return false, errors.Wrap(err, errors.KindValidation, "normalize mac")
	}
	s, err := m.findActiveByMAC(norm)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

// ListActive returns every Session currently ACTIVE.
func (m *Manager) ListActive() ([]*Session, error) {
	all, err := m.list()
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, s := range all {
		if s.State == StateActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Manager) findActiveByMAC(mac string) (*Session, error) {
	all, err := m.list()
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.MAC == mac && s.State == StateActive {
			return s, nil
		}
	}
	return nil, nil
}

func (m *Manager) list() ([]*Session, error) {
	raw, err := m.db.List(bucketName)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(raw))
	for _, v := range raw {
		var s Session
		if jsonErr := json.Unmarshal(v, &s); jsonErr == nil {
			out = append(out, &s)
		}
	}
	return out, nil
}

// runEnforcerSteps applies each write-ahead entry against the enforcer in
// order, recording the outcome of every step regardless of earlier
// failures so the ledger always reflects reality.
func (m *Manager) runEnforcerSteps(ctx context.Context, entries []*ledger.Entry) (bool, error) {
	allOK := true
	var firstErr error
	for _, e := range entries {
		cctx, cancel := context.WithTimeout(ctx, m.backendTimeout)
		var ok bool
		var handle enforcer.Handle
		var diag string

		if e.Op == ledger.OpApply {
			res, err := m.enf.Apply(cctx, []enforcer.Rule{e.Rule})
			if err != nil || len(res.Handles) != 1 {
				ok = false
				diag = diagOf(err, res.Diagnostics)
				if firstErr == nil {
					firstErr = err
				}
			} else {
				ok = true
				handle = res.Handles[0]
			}
		} else {
			var handles []enforcer.Handle
			if e.Handle != "" {
				handles = []enforcer.Handle{e.Handle}
			}
			rr, err := m.enf.Retract(cctx, handles)
			ok = err == nil && len(rr.StillPresent) == 0
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		cancel()

		if !ok {
			allOK = false
		}
		if txErr := m.db.WithTx(func(tx *state.Tx) error {
			return ledger.RecordOutcome(tx, m.clock, e, ok, handle, diag)
		}); txErr != nil {
			return false, txErr
		}
	}
	return allOK, firstErr
}

func diagOf(err error, diags []string) string {
	if err != nil {
		return err.Error()
	}
	if len(diags) > 0 {
		return diags[0]
	}
	return ""
}

func (m *Manager) writeRetractEntry(applied *ledger.Entry) (*ledger.Entry, error) {
	var e *ledger.Entry
	err := m.db.WithTx(func(tx *state.Tx) error {
		var err error
		e, err = ledger.WriteAhead(tx, m.clock, applied.SessionID, ledger.OpRetract, applied.Rule, applied.Handle)
		return err
	})
	return e, err
}
