// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package binding maintains the authoritative MAC<->IP map and flags
// identity conflicts and spoof attempts against it. It depends on nothing
// but the persistence store; the session manager is the only writer that
// ever calls it for anything but reads.
package binding

import (
	"encoding/json"
	"time"

	"aced.dev/ace/internal/clock"
	"aced.dev/ace/internal/errors"
	"aced.dev/ace/internal/netutil"
	"aced.dev/ace/internal/state"
)

const bucketName = "bindings"

// State is a Binding's lifecycle state.
type State string

const (
	StateActive  State = "ACTIVE"
	StateRetired State = "RETIRED"
)

// AnomalyKind classifies a detected identity conflict.
type AnomalyKind string

const (
	AnomalyIPConflict      AnomalyKind = "IP_CONFLICT"
	AnomalyMACRebound      AnomalyKind = "MAC_REBOUND"
	AnomalyRapidRebind     AnomalyKind = "RAPID_REBIND"
	AnomalyBindingMismatch AnomalyKind = "BINDING_MISMATCH"
)

// Anomaly is a derived record of a detected conflict; it is never stored
// authoritatively, only surfaced to the audit sink.
type Anomaly struct {
	Kind       AnomalyKind
	Subjects   []string
	ObservedAt time.Time
}

// ValidateReason explains why validate() did not return ok.
type ValidateReason string

const (
	ReasonNoBinding ValidateReason = "NO_BINDING"
	ReasonIPMismatch ValidateReason = "IP_MISMATCH"
	ReasonExpired   ValidateReason = "EXPIRED"
)

// ValidateResult is the outcome of a validate() call.
type ValidateResult struct {
	OK         bool
	Reason     ValidateReason
	ExpectedIP string
}

// Binding is the durable MAC<->IP assignment for one session.
type Binding struct {
	ID             string    `json:"id"`
	MAC            string    `json:"mac"`
	IP             string    `json:"ip"`
	OwningSession  string    `json:"owning_session"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	RetiredAt      time.Time `json:"retired_at,omitempty"`
	State          State     `json:"state"`
}

// CreateResult is returned by CreateBinding: the new binding's id plus any
// anomalies produced by retiring conflicting bindings.
type CreateResult struct {
	BindingID string
	Conflicts []Anomaly
}

// Registry is the MAC<->IP authority. Every method that mutates state
// expects to run inside the caller's persistence transaction: the session
// manager opens one state.Tx per grant/revoke and passes it through so a
// binding change and its owning session change commit together.
type Registry struct {
	db    *state.SQLiteStore
	clock clock.Clock

	// rapidRebindThreshold is the max number of bindings a single MAC may
	// acquire within rapidRebindWindow before scanAnomalies flags it.
	rapidRebindThreshold int
	rapidRebindWindow    time.Duration
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithRapidRebindPolicy overrides the default anomaly threshold (5 binds)
// and window (1 hour) used by ScanAnomalies.
func WithRapidRebindPolicy(threshold int, window time.Duration) Option {
	return func(r *Registry) {
		r.rapidRebindThreshold = threshold
		r.rapidRebindWindow = window
	}
}

// NewRegistry opens the bindings bucket on db.
func NewRegistry(db *state.SQLiteStore, clk clock.Clock, opts ...Option) (*Registry, error) {
	if clk == nil {
		clk = clock.System
	}
	if err := db.CreateBucket(bucketName); err != nil && err != state.ErrBucketExists {
		return nil, err
	}
	r := &Registry{db: db, clock: clk, rapidRebindThreshold: 5, rapidRebindWindow: time.Hour}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CreateBinding installs a new ACTIVE binding for (MAC, IP, sessionId),
// retiring any conflicting ACTIVE binding first so (B1) and (B2) hold
// afterward. tx must be an open transaction on the same store so the
// caller's session-row write commits atomically with this one.
func (r *Registry) CreateBinding(tx *state.Tx, mac, ip, sessionID string, expiresAt time.Time) (CreateResult, error) {
	norm, err := netutil.NormalizeMAC(mac)
	if err != nil {
		return CreateResult{}, errors.Wrap(err, errors.KindValidation, "normalize mac")
	}

	var res CreateResult
	now := r.clock.Now()

	all, err := r.listLocked(tx)
	if err != nil {
		return CreateResult{}, err
	}

	for _, b := range all {
		if b.State != StateActive {
			continue
		}
		switch {
		case b.MAC == norm && b.IP != ip:
			retired := retire(b, now)
			if err := r.putLocked(tx, retired); err != nil {
				return CreateResult{}, err
			}
			res.Conflicts = append(res.Conflicts, Anomaly{
				Kind:       AnomalyMACRebound,
				Subjects:   []string{b.ID, sessionID},
				ObservedAt: now,
			})
		case b.IP == ip && b.MAC != norm:
			retired := retire(b, now)
			if err := r.putLocked(tx, retired); err != nil {
				return CreateResult{}, err
			}
			res.Conflicts = append(res.Conflicts, Anomaly{
				Kind:       AnomalyIPConflict,
				Subjects:   []string{b.MAC, norm},
				ObservedAt: now,
			})
		case b.MAC == norm && b.OwningSession != sessionID:
			if err := r.putLocked(tx, retire(b, now)); err != nil {
				return CreateResult{}, err
			}
		}
	}

	id := sessionID + ":" + norm
	nb := &Binding{
		ID:            id,
		MAC:           norm,
		IP:            ip,
		OwningSession: sessionID,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
		State:         StateActive,
	}
	if err := r.putLocked(tx, nb); err != nil {
		return CreateResult{}, err
	}

	res.BindingID = id
	return res, nil
}

// Validate is a pure read: it reports whether (MAC, IP) currently matches
// an unexpired ACTIVE binding.
func (r *Registry) Validate(mac, ip string) (ValidateResult, error) {
	norm, err := netutil.NormalizeMAC(mac)
	if err != nil {
		return ValidateResult{}, errors.Wrap(err, errors.KindValidation, "normalize mac")
	}

	all, err := r.List()
	if err != nil {
		return ValidateResult{}, err
	}

	var active *Binding
	for _, b := range all {
		if b.MAC == norm && b.State == StateActive {
			active = b
			break
		}
	}
	if active == nil {
		return ValidateResult{Reason: ReasonNoBinding}, nil
	}
	if r.clock.Now().After(active.ExpiresAt) {
		return ValidateResult{Reason: ReasonExpired}, nil
	}
	if active.IP != ip {
		return ValidateResult{Reason: ReasonIPMismatch, ExpectedIP: active.IP}, nil
	}
	return ValidateResult{OK: true}, nil
}

// RetireByMAC retires the ACTIVE binding for mac, if any. Idempotent.
func (r *Registry) RetireByMAC(tx *state.Tx, mac string) error {
	norm, err := netutil.NormalizeMAC(mac)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "normalize mac")
	}
	all, err := r.listLocked(tx)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	for _, b := range all {
		if b.MAC == norm && b.State == StateActive {
			return r.putLocked(tx, retire(b, now))
		}
	}
	return nil
}

// RetireBySession retires the binding owned by sessionID, if any and
// still ACTIVE. Idempotent.
func (r *Registry) RetireBySession(tx *state.Tx, sessionID string) error {
	all, err := r.listLocked(tx)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	for _, b := range all {
		if b.OwningSession == sessionID && b.State == StateActive {
			return r.putLocked(tx, retire(b, now))
		}
	}
	return nil
}

// ExtendOwned updates the expiresAt of the ACTIVE binding owned by
// sessionID, if any, keeping (B3) intact when the session manager
// extends a session.
func (r *Registry) ExtendOwned(tx *state.Tx, sessionID string, expiresAt time.Time) error {
	all, err := r.listLocked(tx)
	if err != nil {
		return err
	}
	for _, b := range all {
		if b.OwningSession == sessionID && b.State == StateActive {
			cp := *b
			cp.ExpiresAt = expiresAt
			return r.putLocked(tx, &cp)
		}
	}
	return nil
}

// Get returns the current ACTIVE binding for mac, or nil if there is none.
func (r *Registry) Get(mac string) (*Binding, error) {
	norm, err := netutil.NormalizeMAC(mac)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "normalize mac")
	}
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	for _, b := range all {
		if b.MAC == norm && b.State == StateActive {
			return b, nil
		}
	}
	return nil, nil
}

// List returns every binding, active and retired.
func (r *Registry) List() ([]*Binding, error) {
	raw, err := r.db.List(bucketName)
	if err != nil {
		return nil, err
	}
	out := make([]*Binding, 0, len(raw))
	for _, v := range raw {
		var b Binding
		if err := json.Unmarshal(v, &b); err != nil {
			continue
		}
		out = append(out, &b)
	}
	return out, nil
}

// ScanAnomalies performs the periodic analysis described for the
// reconciliation loop: any IP currently mapped to 2+ ACTIVE MACs (a (B2)
// violation that should never happen absent a bug or race), and any MAC
// whose binding count within the rebind window exceeds the configured
// threshold.
func (r *Registry) ScanAnomalies() ([]Anomaly, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	var anomalies []Anomaly

	byIP := make(map[string][]string)
	byMACRecent := make(map[string]int)
	for _, b := range all {
		if b.State == StateActive {
			byIP[b.IP] = append(byIP[b.IP], b.MAC)
		}
		if now.Sub(b.CreatedAt) <= r.rapidRebindWindow {
			byMACRecent[b.MAC]++
		}
	}

	for ip, macs := range byIP {
		if len(macs) >= 2 {
			anomalies = append(anomalies, Anomaly{
				Kind:       AnomalyIPConflict,
				Subjects:   append([]string{ip}, macs...),
				ObservedAt: now,
			})
		}
	}
	for mac, count := range byMACRecent {
		if count > r.rapidRebindThreshold {
			anomalies = append(anomalies, Anomaly{
				Kind:       AnomalyRapidRebind,
				Subjects:   []string{mac},
				ObservedAt: now,
			})
		}
	}
	return anomalies, nil
}

func retire(b *Binding, now time.Time) *Binding {
	cp := *b
	cp.State = StateRetired
	cp.RetiredAt = now
	return &cp
}

func (r *Registry) listLocked(tx *state.Tx) ([]*Binding, error) {
	raw, err := tx.List(bucketName)
	if err != nil {
		return nil, err
	}
	out := make([]*Binding, 0, len(raw))
	for _, v := range raw {
		var b Binding
		if err := json.Unmarshal(v, &b); err != nil {
			continue
		}
		out = append(out, &b)
	}
	return out, nil
}

func (r *Registry) putLocked(tx *state.Tx, b *Binding) error {
	return tx.SetJSON(bucketName, b.ID, b)
}
