// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package control

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
	"aced.dev/ace/internal/reconcile"
	"aced.dev/ace/internal/session"
	"aced.dev/ace/internal/state"
)

type testEnv struct {
	ctl  *Controller
	sim  *enforcer.Simulator
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
	recon := reconcile.New(db, mc, mgr, led, reg, sim, sink)

	ctl := New(db, mc, mgr, reg, recon, sim, sink)
	return &testEnv{ctl: ctl, sim: sim, clk: mc, db: db, stop: cancel, done: done}
}

func TestGrantAndListActiveSessions(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.ctl.Grant(context.Background(), "aa:bb:cc:dd:ee:01", "10.0.0.5", time.Hour, "PASSWORD")
	require.NoError(t, err)

	active, err := env.ctl.ListActiveSessions()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, sess.ID, active[0].ID)
}

func TestRevokeUnknownSessionReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ctl.Revoke(context.Background(), "does-not-exist", "USER_LOGOUT")
	require.Error(t, err)
	body, status := NewAPIError(err, "does-not-exist")
	assert.Equal(t, CategoryNotFound, body.Category)
	assert.Equal(t, 404, status)
}

func TestValidateReflectsBindingState(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ctl.Grant(context.Background(), "aa:bb:cc:dd:ee:01", "10.0.0.5", time.Hour, "PASSWORD")
	require.NoError(t, err)

	res, err := env.ctl.Validate("aa:bb:cc:dd:ee:01", "10.0.0.5")
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = env.ctl.Validate("aa:bb:cc:dd:ee:01", "10.0.0.99")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, binding.ReasonIPMismatch, res.Reason)
	assert.Equal(t, "10.0.0.5", res.ExpectedIP)
}

func TestSnapshotRulesFiltersByBackend(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ctl.Grant(context.Background(), "aa:bb:cc:dd:ee:01", "10.0.0.5", time.Hour, "PASSWORD")
	require.NoError(t, err)

	l2, err := env.ctl.SnapshotRules(context.Background(), "L2")
	require.NoError(t, err)
	for _, ir := range l2 {
		assert.Contains(t, []enforcer.RuleKind{enforcer.KindIsolateL2, enforcer.KindArpGuard}, ir.Rule.Kind)
	}

	all, err := env.ctl.SnapshotRules(context.Background(), "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), len(l2))
}

func TestManualBindAndUnbind(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.ctl.ManualBind("aa:bb:cc:dd:ee:09", "10.0.0.50", "operator1", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, res.BindingID)

	bindings, err := env.ctl.ListBindings()
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, binding.StateActive, bindings[0].State)

	require.NoError(t, env.ctl.ManualUnbind("aa:bb:cc:dd:ee:09", "operator1"))

	b, err := env.ctl.Validate("aa:bb:cc:dd:ee:09", "10.0.0.50")
	require.NoError(t, err)
	assert.Equal(t, binding.ReasonNoBinding, b.Reason)
}

func TestTriggerCleanupRunsSynchronously(t *testing.T) {
	env := newTestEnv(t)

	ran, lastErr := env.ctl.TriggerCleanup()
	assert.True(t, ran)
	assert.Empty(t, lastErr)
}
