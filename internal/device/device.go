// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package device tracks every MAC address the engine has ever observed,
// independent of whether it currently holds a binding or an active
// session. It is the rap sheet an operator checks before deciding whether
// a device deserves another chance.
package device

import (
	"encoding/json"
	"time"

	"aced.dev/ace/internal/clock"
	"aced.dev/ace/internal/errors"
	"aced.dev/ace/internal/netutil"
	"aced.dev/ace/internal/state"
)

const bucketName = "devices"

// Device is a MAC address the engine has observed: when it was first and
// last seen, and whether an operator has blocked it.
type Device struct {
	MAC         string    `json:"mac"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Blocked     bool      `json:"blocked"`
	BlockReason string    `json:"block_reason,omitempty"`
}

// Store is the durable view over observed devices, read from and written
// to the devices bucket on every call.
type Store struct {
	db    *state.SQLiteStore
	clock clock.Clock
}

// NewStore opens the devices bucket on db, creating it if necessary.
func NewStore(db *state.SQLiteStore, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.System
	}
	if err := db.CreateBucket(bucketName); err != nil && err != state.ErrBucketExists {
		return nil, err
	}
	return &Store{db: db, clock: clk}, nil
}

// Touch records that mac was observed now, creating the Device record on
// first sight. The session manager calls it on every grant attempt for a
// device that is not blocked, so it stays cheap.
func (s *Store) Touch(mac string) (*Device, error) {
	norm, err := netutil.NormalizeMAC(mac)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "normalize mac")
	}

	now := s.clock.Now()
	var d Device
	err = s.db.GetJSON(bucketName, norm, &d)
	switch {
	case err == state.ErrNotFound:
		d = Device{MAC: norm, FirstSeen: now, LastSeen: now}
	case err != nil:
		return nil, err
	default:
		d.LastSeen = now
	}

	if err := s.db.SetJSON(bucketName, norm, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Get returns the device record for mac, or ErrNotFound if it has never
// been observed.
func (s *Store) Get(mac string) (*Device, error) {
	norm, err := netutil.NormalizeMAC(mac)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "normalize mac")
	}
	var d Device
	if err := s.db.GetJSON(bucketName, norm, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Block marks mac as blocked with reason, preventing future grants until
// Unblock is called. The session manager consults this before granting.
func (s *Store) Block(mac, reason string) error {
	norm, err := netutil.NormalizeMAC(mac)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "normalize mac")
	}
	var d Device
	if err := s.db.GetJSON(bucketName, norm, &d); err != nil {
		if err != state.ErrNotFound {
			return err
		}
		d = Device{MAC: norm, FirstSeen: s.clock.Now()}
	}
	d.Blocked = true
	d.BlockReason = reason
	d.LastSeen = s.clock.Now()
	return s.db.SetJSON(bucketName, norm, &d)
}

// Unblock clears a device's blocked state.
func (s *Store) Unblock(mac string) error {
	norm, err := netutil.NormalizeMAC(mac)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "normalize mac")
	}
	var d Device
	if err := s.db.GetJSON(bucketName, norm, &d); err != nil {
		return err
	}
	d.Blocked = false
	d.BlockReason = ""
	return s.db.SetJSON(bucketName, norm, &d)
}

// List returns every known device.
func (s *Store) List() ([]*Device, error) {
	raw, err := s.db.List(bucketName)
	if err != nil {
		return nil, err
	}
	out := make([]*Device, 0, len(raw))
	for _, v := range raw {
		var d Device
		if err := json.Unmarshal(v, &d); err != nil {
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}
