// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aced.dev/ace/internal/audit"
	"aced.dev/ace/internal/binding"
	"aced.dev/ace/internal/clock"
	"aced.dev/ace/internal/device"
	"aced.dev/ace/internal/enforcer"
	"aced.dev/ace/internal/ledger"
	"aced.dev/ace/internal/session"
	"aced.dev/ace/internal/state"
)

type testEnv struct {
	r    *Reconciler
	mgr  *session.Manager
	reg  *binding.Registry
	led  *ledger.Ledger
	sim  *enforcer.Simulator
	sink *audit.Sink
	clk  *clock.MockClock
	db   *state.SQLiteStore
	stop context.CancelFunc
	done chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mc := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	reg, err := binding.NewRegistry(db, mc)
	require.NoError(t, err)
	led, err := ledger.NewLedger(db, mc)
	require.NoError(t, err)
	devices, err := device.NewStore(db, mc)
	require.NoError(t, err)
	sink, err := audit.NewSink(db, mc, nil, 64)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	sim := enforcer.NewSimulator(mc)

	mgr, err := session.NewManager(db, mc, reg, led, devices, sim, sink)
	require.NoError(t, err)

	r := New(db, mc, mgr, led, reg, sim, sink)
	return &testEnv{r: r, mgr: mgr, reg: reg, led: led, sim: sim, sink: sink, clk: mc, db: db, stop: cancel, done: done}
}

func (e *testEnv) drainAudit(t *testing.T) {
	t.Helper()
	e.stop()
	<-e.done
}

func TestExpireSessions_RevokesPastGrace(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.mgr.GrantAccess(context.Background(), "aa:bb:cc:dd:ee:01", "10.0.0.5", time.Minute, "PASSWORD")
	require.NoError(t, err)

	env.clk.Advance(time.Minute + defaultGrace + time.Second)

	require.NoError(t, env.r.expireSessions(context.Background()))

	active, err := env.mgr.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)

	var got session.Session
	require.NoError(t, env.db.GetJSON("sessions", sess.ID, &got))
	assert.Equal(t, session.StateTerminated, got.State)
}

func TestExpireSessions_LeavesUnexpiredAlone(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.GrantAccess(context.Background(), "aa:bb:cc:dd:ee:01", "10.0.0.5", time.Hour, "PASSWORD")
	require.NoError(t, err)

	require.NoError(t, env.r.expireSessions(context.Background()))

	active, err := env.mgr.ListActive()
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestRetryFailed_RetriesThenApplies(t *testing.T) {
	env := newTestEnv(t)

	rule := enforcer.Rule{Kind: enforcer.KindGrantEgress, MAC: "aa:bb:cc:dd:ee:01", IP: "10.0.0.5", SessionID: "S1"}
	require.NoError(t, env.db.WithTx(func(tx *state.Tx) error {
		_, err := ledger.WriteAhead(tx, env.clk, "S1", ledger.OpApply, rule, "")
		return err
	}))

	failed, err := env.led.ByState(ledger.StateFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, env.r.retryFailed(context.Background()))

	applied, err := env.led.ByState(ledger.StateApplied)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.NotEmpty(t, applied[0].Handle)
}

func TestRetryFailed_PromotesExhaustedRowToDead(t *testing.T) {
	env := newTestEnv(t)

	rule := enforcer.Rule{Kind: enforcer.KindGrantEgress, MAC: "aa:bb:cc:dd:ee:01", IP: "10.0.0.5", SessionID: "S1"}
	e := &ledger.Entry{
		ID:        "S1:APPLY:GRANT_EGRESS:aa:bb:cc:dd:ee:01",
		SessionID: "S1",
		Backend:   ledger.BackendL3,
		Op:        ledger.OpApply,
		Rule:      rule,
		State:     ledger.StateFailed,
		Attempts:  7,
		CreatedAt: env.clk.Now(),
	}
	require.NoError(t, env.led.Put(e))

	require.NoError(t, env.r.retryFailed(context.Background()))

	dead, err := env.led.ByState(ledger.StateDead)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, e.ID, dead[0].ID)

	env.drainAudit(t)
	events, err := env.sink.List()
	require.NoError(t, err)
	var sawCritical bool
	for _, ev := range events {
		if ev.Severity == audit.SeverityCritical {
			sawCritical = true
		}
	}
	assert.True(t, sawCritical)
}

func TestCheckDrift_RetractsOrphanAndFlagsGhost(t *testing.T) {
	env := newTestEnv(t)

	orphanRule := enforcer.Rule{Kind: enforcer.KindGrantEgress, MAC: "aa:bb:cc:dd:ee:02", IP: "10.0.0.6", SessionID: "S2"}
	ar, err := env.sim.Apply(context.Background(), []enforcer.Rule{orphanRule})
	require.NoError(t, err)
	require.Len(t, ar.Handles, 1)

	ghostRule := enforcer.Rule{Kind: enforcer.KindBindGuard, MAC: "aa:bb:cc:dd:ee:03", IP: "10.0.0.7", SessionID: "S3"}
	ghost := &ledger.Entry{
		ID:        "S3:APPLY:BIND_GUARD:aa:bb:cc:dd:ee:03",
		SessionID: "S3",
		Backend:   ledger.BackendL3,
		Op:        ledger.OpApply,
		Rule:      ghostRule,
		Handle:    enforcer.Handle("handle-that-does-not-exist"),
		State:     ledger.StateApplied,
		CreatedAt: env.clk.Now(),
	}
	require.NoError(t, env.led.Put(ghost))

	require.NoError(t, env.r.checkDrift(context.Background()))

	installed, err := env.sim.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, installed)

	failed, err := env.led.ByState(ledger.StateFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ghost.ID, failed[0].ID)
}

func TestSweepAnomalies_EmitsAuditEvents(t *testing.T) {
	env := newTestEnv(t)

	// CreateBinding resolves an IP conflict the instant it sees one, so
	// two ACTIVE bindings sharing an IP can only arise from a bug or a
	// race that bypassed the registry entirely; insert that state
	// directly to exercise the scan that catches it.
	now := env.clk.Now()
	require.NoError(t, env.db.WithTx(func(tx *state.Tx) error {
		b1 := &binding.Binding{ID: "S1:aa:bb:cc:dd:ee:01", MAC: "aa:bb:cc:dd:ee:01", IP: "10.0.0.9", OwningSession: "S1", CreatedAt: now, ExpiresAt: now.Add(time.Hour), State: binding.StateActive}
		b2 := &binding.Binding{ID: "S2:aa:bb:cc:dd:ee:02", MAC: "aa:bb:cc:dd:ee:02", IP: "10.0.0.9", OwningSession: "S2", CreatedAt: now, ExpiresAt: now.Add(time.Hour), State: binding.StateActive}
		if err := tx.SetJSON("bindings", b1.ID, b1); err != nil {
			return err
		}
		return tx.SetJSON("bindings", b2.ID, b2)
	}))

	require.NoError(t, env.r.sweepAnomalies())

	env.drainAudit(t)
	events, err := env.sink.List()
	require.NoError(t, err)
	var sawAnomaly bool
	for _, ev := range events {
		if ev.Category == audit.CategoryAnomaly {
			sawAnomaly = true
		}
	}
	assert.True(t, sawAnomaly)
}

func TestExpireBindings_RetiresPastExpiry(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.db.WithTx(func(tx *state.Tx) error {
		_, err := env.reg.CreateBinding(tx, "aa:bb:cc:dd:ee:01", "10.0.0.5", "S1", env.clk.Now().Add(time.Minute))
		return err
	}))

	env.clk.Advance(2 * time.Minute)
	require.NoError(t, env.r.expireBindings())

	b, err := env.reg.Get("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.Nil(t, b)
}
