// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ledger is the write-ahead record of every rule the session
// manager has asked the enforcer to install or remove. It is the source
// of truth for what *should* be installed; the enforcer's live state is
// the source of truth for what *is* installed. Reconciliation is the
// bridge between the two.
package ledger

import (
	"encoding/json"
	"time"

	"aced.dev/ace/internal/clock"
	"aced.dev/ace/internal/enforcer"
	"aced.dev/ace/internal/state"
)

const bucketName = "ledger"

// Backend identifies which enforcement family a ledger entry belongs to.
type Backend string

const (
	BackendL3 Backend = "L3"
	BackendL2 Backend = "L2"
)

// EntryState is a ledger row's lifecycle state.
type EntryState string

const (
	StateApplied   EntryState = "APPLIED"
	StateRetracted EntryState = "RETRACTED"
	StateFailed    EntryState = "FAILED"
	StateDead      EntryState = "DEAD"
)

// Op distinguishes a write-ahead row recording an intended apply from one
// recording an intended retract, so reconciliation knows which direction
// to retry a FAILED row in.
type Op string

const (
	OpApply   Op = "APPLY"
	OpRetract Op = "RETRACT"
)

// Entry is a single ledger row: one rule, one session, one outcome.
type Entry struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Backend     Backend         `json:"backend"`
	Op          Op              `json:"op"`
	Rule        enforcer.Rule   `json:"rule"`
	Handle      enforcer.Handle `json:"handle,omitempty"`
	State       EntryState      `json:"state"`
	Diagnostics string          `json:"diagnostics,omitempty"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	RetractedAt   time.Time `json:"retracted_at,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
}

// Ledger is the durable store of ledger entries.
type Ledger struct {
	db    *state.SQLiteStore
	clock clock.Clock
}

// NewLedger opens the ledger bucket on db.
func NewLedger(db *state.SQLiteStore, clk clock.Clock) (*Ledger, error) {
	if clk == nil {
		clk = clock.System
	}
	if err := db.CreateBucket(bucketName); err != nil && err != state.ErrBucketExists {
		return nil, err
	}
	return &Ledger{db: db, clock: clk}, nil
}

func backendFor(kind enforcer.RuleKind) Backend {
	switch kind {
	case enforcer.KindIsolateL2, enforcer.KindArpGuard:
		return BackendL2
	default:
		return BackendL3
	}
}

// WriteAhead records intent before the enforcer is called, per (R1). knownHandle
// is set for retract entries whose target handle is already known (looked up
// from the entry being retracted); it is left empty for apply entries, whose
// handle is only known once the enforcer responds. It returns the new entry
// so the caller can fill in State once the enforcer responds.
func WriteAhead(tx *state.Tx, clk clock.Clock, sessionID string, op Op, rule enforcer.Rule, knownHandle enforcer.Handle) (*Entry, error) {
	e := &Entry{
		ID:        sessionID + ":" + string(op) + ":" + string(rule.Kind) + ":" + rule.MAC,
		SessionID: sessionID,
		Backend:   backendFor(rule.Kind),
		Op:        op,
		Rule:      rule,
		Handle:    knownHandle,
		State:     StateFailed, // overwritten by RecordOutcome; a crash before that leaves a safely-retryable FAILED row
		CreatedAt: clk.Now(),
	}
	if err := tx.SetJSON(bucketName, e.ID, e); err != nil {
		return nil, err
	}
	return e, nil
}

// FindLatestApplied returns the most recently created APPLIED entry for mac
// and kind, or nil if none exists. Used to locate the prior PORTAL_REDIRECT
// rule (if any) that a grant must retract.
func (l *Ledger) FindLatestApplied(mac string, kind enforcer.RuleKind) (*Entry, error) {
	all, err := l.List()
	if err != nil {
		return nil, err
	}
	var best *Entry
	for _, e := range all {
		if e.State != StateApplied || e.Rule.MAC != mac || e.Rule.Kind != kind {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	return best, nil
}

// RecordOutcome updates a write-ahead row with the enforcer's result.
func RecordOutcome(tx *state.Tx, clk clock.Clock, e *Entry, ok bool, handle enforcer.Handle, diagnostics string) error {
	e.Attempts++
	e.LastAttemptAt = clk.Now()
	e.Diagnostics = diagnostics
	if ok {
		e.Handle = handle
		if e.Op == OpApply {
			e.State = StateApplied
		} else {
			e.State = StateRetracted
			e.RetractedAt = clk.Now()
		}
	} else {
		e.State = StateFailed
	}
	return tx.SetJSON(bucketName, e.ID, e)
}

// MarkDead promotes a row that has exhausted its retry budget.
func (l *Ledger) MarkDead(id string) error {
	var e Entry
	if err := l.db.GetJSON(bucketName, id, &e); err != nil {
		return err
	}
	e.State = StateDead
	return l.db.SetJSON(bucketName, id, &e)
}

// ByState returns every entry currently in state.
func (l *Ledger) ByState(state_ EntryState) ([]*Entry, error) {
	all, err := l.List()
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range all {
		if e.State == state_ {
			out = append(out, e)
		}
	}
	return out, nil
}

// BySession returns every entry for sessionID, in no particular order.
func (l *Ledger) BySession(sessionID string) ([]*Entry, error) {
	all, err := l.List()
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range all {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// List returns every ledger entry.
func (l *Ledger) List() ([]*Entry, error) {
	raw, err := l.db.List(bucketName)
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(raw))
	for _, v := range raw {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

// Put persists e directly; used by reconciliation when retrying or
// promoting a FAILED row outside of a grant/revoke transaction.
func (l *Ledger) Put(e *Entry) error {
	return l.db.SetJSON(bucketName, e.ID, e)
}
