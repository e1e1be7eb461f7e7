// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"testing"

	"aced.dev/ace/internal/errors"
	"aced.dev/ace/internal/logging"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(DefaultOptions(":memory:"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.CreateBucket("test"); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestReplicator_ApplyChange_PreservesVersion(t *testing.T) {
	store := newTestStore(t)
	logger := logging.New(logging.Config{Level: logging.LevelError})
	repl := NewReplicator(store, DefaultReplicationConfig(), logger)

	change := Change{
		Bucket:  "test",
		Key:     "key1",
		Value:   []byte("val1"),
		Version: 1,
	}

	if err := repl.applyChange(change); err != nil {
		t.Fatalf("applyChange failed: %v", err)
	}

	got, err := store.Get("test", "key1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "val1" {
		t.Errorf("expected val1, got %q", got)
	}
	if store.CurrentVersion() != 1 {
		t.Errorf("expected store version 1, got %d", store.CurrentVersion())
	}
}

func TestReplicator_ApplyChange_DetectsDivergence(t *testing.T) {
	store := newTestStore(t)
	logger := logging.New(logging.Config{Level: logging.LevelError})
	repl := NewReplicator(store, DefaultReplicationConfig(), logger)

	// Skips version 1, jumping straight to version 5: the replica has
	// missed updates and must fall back to a full snapshot.
	change := Change{Bucket: "test", Key: "k", Value: []byte("v"), Version: 5}

	err := repl.applyChange(change)
	if err == nil {
		t.Fatal("expected divergence error, got nil")
	}
	if !errors.Is(err, ErrDivergence) {
		t.Fatalf("expected ErrDivergence, got: %v", err)
	}
}

func TestReplicator_Status_ReportsMode(t *testing.T) {
	store := newTestStore(t)
	logger := logging.New(logging.Config{Level: logging.LevelError})
	repl := NewReplicator(store, ReplicationConfig{Mode: ModeReplica, PrimaryAddr: "127.0.0.1:9999"}, logger)

	status := repl.Status()
	if status.Mode != string(ModeReplica) {
		t.Errorf("expected mode %q, got %q", ModeReplica, status.Mode)
	}
	if status.Connected {
		t.Error("expected replica with no primary connection to report disconnected")
	}
	if status.PeerAddress != "127.0.0.1:9999" {
		t.Errorf("expected peer address to report the configured primary, got %q", status.PeerAddress)
	}
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	if err := store.Set("test", "a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := store.Set("test", "b", []byte("2")); err != nil {
		t.Fatal(err)
	}

	snap, err := store.CreateSnapshot()
	if err != nil {
		t.Fatal(err)
	}

	restore, err := NewSQLiteStore(DefaultOptions(":memory:"))
	if err != nil {
		t.Fatal(err)
	}
	defer restore.Close()

	if err := restore.RestoreSnapshot(snap); err != nil {
		t.Fatal(err)
	}
	if restore.CurrentVersion() != snap.Version {
		t.Errorf("expected restored version %d, got %d", snap.Version, restore.CurrentVersion())
	}
	got, err := restore.Get("test", "a")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "1" {
		t.Errorf("expected 1, got %q", got)
	}
}
