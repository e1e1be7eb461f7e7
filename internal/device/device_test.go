// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package device

import (
	"testing"
	"time"

	"aced.dev/ace/internal/clock"
	"aced.dev/ace/internal/state"
)

func newTestStore(t *testing.T) (*Store, *clock.MockClock) {
	t.Helper()
	db, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	mc := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store, err := NewStore(db, mc)
	if err != nil {
		t.Fatal(err)
	}
	return store, mc
}

func TestTouch_CreatesOnFirstSight(t *testing.T) {
	store, mc := newTestStore(t)

	d, err := store.Touch("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatal(err)
	}
	if d.MAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("expected normalized mac, got %s", d.MAC)
	}
	if !d.FirstSeen.Equal(mc.Now()) {
		t.Errorf("expected FirstSeen to equal mock now")
	}

	mc.Advance(time.Hour)
	d2, err := store.Touch("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatal(err)
	}
	if d2.FirstSeen.Equal(d2.LastSeen) {
		t.Error("expected LastSeen to advance on repeat touch")
	}
}

func TestBlockUnblock(t *testing.T) {
	store, _ := newTestStore(t)
	store.Touch("aa:bb:cc:dd:ee:ff")

	if err := store.Block("aa:bb:cc:dd:ee:ff", "rapid rebind anomaly"); err != nil {
		t.Fatal(err)
	}
	d, err := store.Get("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Blocked || d.BlockReason != "rapid rebind anomaly" {
		t.Errorf("expected blocked device with reason, got %+v", d)
	}

	if err := store.Unblock("aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatal(err)
	}
	d, err = store.Get("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatal(err)
	}
	if d.Blocked {
		t.Error("expected device to be unblocked")
	}
}

func TestList(t *testing.T) {
	store, _ := newTestStore(t)
	store.Touch("aa:bb:cc:dd:ee:01")
	store.Touch("aa:bb:cc:dd:ee:02")

	devices, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Errorf("expected 2 devices, got %d", len(devices))
	}
}
