// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package binding

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aced.dev/ace/internal/clock"
	"aced.dev/ace/internal/state"
)

func newTestRegistry(t *testing.T) (*Registry, *state.SQLiteStore, *clock.MockClock) {
	t.Helper()
	db, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mc := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg, err := NewRegistry(db, mc)
	require.NoError(t, err)
	return reg, db, mc
}

func TestCreateBinding_NoConflict(t *testing.T) {
	reg, db, mc := newTestRegistry(t)

	var res CreateResult
	err := db.WithTx(func(tx *state.Tx) error {
		var err error
		res, err = reg.CreateBinding(tx, "aa:bb:cc:dd:ee:01", "192.168.4.10", "S1", mc.Now().Add(time.Hour))
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)

	vr, err := reg.Validate("aa:bb:cc:dd:ee:01", "192.168.4.10")
	require.NoError(t, err)
	assert.True(t, vr.OK)
}

func TestCreateBinding_IPConflictRetiresLoser(t *testing.T) {
	reg, db, mc := newTestRegistry(t)

	require.NoError(t, db.WithTx(func(tx *state.Tx) error {
		_, err := reg.CreateBinding(tx, "aa:bb:cc:dd:ee:01", "192.168.4.10", "Sa", mc.Now().Add(time.Hour))
		return err
	}))

	var res CreateResult
	require.NoError(t, db.WithTx(func(tx *state.Tx) error {
		var err error
		res, err = reg.CreateBinding(tx, "aa:bb:cc:dd:ee:02", "192.168.4.10", "Sb", mc.Now().Add(time.Hour))
		return err
	}))

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, AnomalyIPConflict, res.Conflicts[0].Kind)

	vr, err := reg.Validate("aa:bb:cc:dd:ee:01", "192.168.4.10")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoBinding, vr.Reason)

	vr, err = reg.Validate("aa:bb:cc:dd:ee:02", "192.168.4.10")
	require.NoError(t, err)
	assert.True(t, vr.OK)
}

func TestCreateBinding_MACReboundRetiresPriorIP(t *testing.T) {
	reg, db, mc := newTestRegistry(t)

	require.NoError(t, db.WithTx(func(tx *state.Tx) error {
		_, err := reg.CreateBinding(tx, "aa:bb:cc:dd:ee:01", "192.168.4.10", "S1", mc.Now().Add(time.Hour))
		return err
	}))

	var res CreateResult
	require.NoError(t, db.WithTx(func(tx *state.Tx) error {
		var err error
		res, err = reg.CreateBinding(tx, "aa:bb:cc:dd:ee:01", "192.168.4.20", "S2", mc.Now().Add(time.Hour))
		return err
	}))
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, AnomalyMACRebound, res.Conflicts[0].Kind)

	vr, err := reg.Validate("aa:bb:cc:dd:ee:01", "192.168.4.20")
	require.NoError(t, err)
	assert.True(t, vr.OK)
}

func TestValidate_Expired(t *testing.T) {
	reg, db, mc := newTestRegistry(t)

	require.NoError(t, db.WithTx(func(tx *state.Tx) error {
		_, err := reg.CreateBinding(tx, "aa:bb:cc:dd:ee:01", "192.168.4.10", "S1", mc.Now().Add(time.Minute))
		return err
	}))

	mc.Advance(2 * time.Minute)
	vr, err := reg.Validate("aa:bb:cc:dd:ee:01", "192.168.4.10")
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, vr.Reason)
}

func TestValidate_IPMismatch(t *testing.T) {
	reg, db, mc := newTestRegistry(t)

	require.NoError(t, db.WithTx(func(tx *state.Tx) error {
		_, err := reg.CreateBinding(tx, "aa:bb:cc:dd:ee:01", "192.168.4.10", "S1", mc.Now().Add(time.Hour))
		return err
	}))

	vr, err := reg.Validate("aa:bb:cc:dd:ee:01", "192.168.4.99")
	require.NoError(t, err)
	assert.Equal(t, ReasonIPMismatch, vr.Reason)
	assert.Equal(t, "192.168.4.10", vr.ExpectedIP)
}

func TestRetireByMAC_Idempotent(t *testing.T) {
	reg, db, mc := newTestRegistry(t)

	require.NoError(t, db.WithTx(func(tx *state.Tx) error {
		_, err := reg.CreateBinding(tx, "aa:bb:cc:dd:ee:01", "192.168.4.10", "S1", mc.Now().Add(time.Hour))
		return err
	}))

	require.NoError(t, db.WithTx(func(tx *state.Tx) error {
		return reg.RetireByMAC(tx, "aa:bb:cc:dd:ee:01")
	}))
	require.NoError(t, db.WithTx(func(tx *state.Tx) error {
		return reg.RetireByMAC(tx, "aa:bb:cc:dd:ee:01")
	}))

	vr, err := reg.Validate("aa:bb:cc:dd:ee:01", "192.168.4.10")
	require.NoError(t, err)
	assert.Equal(t, ReasonNoBinding, vr.Reason)
}

func TestScanAnomalies_RapidRebind(t *testing.T) {
	reg, db, mc := newTestRegistry(t)
	reg.rapidRebindThreshold = 2

	for i := 0; i < 4; i++ {
		ip := "192.168.4.1"
		sessionID := fmt.Sprintf("S%d", i)
		require.NoError(t, db.WithTx(func(tx *state.Tx) error {
			_, err := reg.CreateBinding(tx, "aa:bb:cc:dd:ee:01", ip, sessionID, mc.Now().Add(time.Hour))
			return err
		}))
		mc.Advance(time.Minute)
	}

	anomalies, err := reg.ScanAnomalies()
	require.NoError(t, err)
	found := false
	for _, a := range anomalies {
		if a.Kind == AnomalyRapidRebind {
			found = true
		}
	}
	assert.True(t, found)
}
