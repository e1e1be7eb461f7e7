// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package enforcer

import (
	"context"
	"testing"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory stand-in for *nftables.Conn, recording calls the
// way the real netlink connection would apply them, without touching the
// host kernel.
type fakeConn struct {
	tables []*nftables.Table
	chains []*nftables.Chain
	rules  []*nftables.Rule
}

func (f *fakeConn) AddTable(t *nftables.Table) *nftables.Table {
	f.tables = append(f.tables, t)
	return t
}

func (f *fakeConn) AddChain(c *nftables.Chain) *nftables.Chain {
	f.chains = append(f.chains, c)
	return c
}

func (f *fakeConn) AddRule(r *nftables.Rule) *nftables.Rule {
	f.rules = append(f.rules, r)
	return r
}

func (f *fakeConn) DelRule(r *nftables.Rule) error {
	out := f.rules[:0]
	found := false
	for _, existing := range f.rules {
		if existing == r {
			found = true
			continue
		}
		out = append(out, existing)
	}
	f.rules = out
	if !found {
		return nftNotFoundErr{}
	}
	return nil
}

func (f *fakeConn) ListChains() ([]*nftables.Chain, error) { return f.chains, nil }

func (f *fakeConn) GetRules(table *nftables.Table, chain *nftables.Chain) ([]*nftables.Rule, error) {
	var out []*nftables.Rule
	for _, r := range f.rules {
		if r.Table == table && r.Chain == chain {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeConn) Flush() error { return nil }

type nftNotFoundErr struct{}

func (nftNotFoundErr) Error() string { return "rule not found" }

func TestActive_ApplyRetractSnapshot(t *testing.T) {
	fc := &fakeConn{}
	a, err := NewActiveWithConn(fc)
	require.NoError(t, err)

	ctx := context.Background()
	res, err := a.Apply(ctx, SynthesizeCaptive("aa:bb:cc:dd:ee:ff", "10.0.0.5", "sess-1"))
	require.NoError(t, err)
	assert.Len(t, res.Handles, 3)

	snap, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 3)

	rr, err := a.Retract(ctx, res.Handles)
	require.NoError(t, err)
	assert.Len(t, rr.Retracted, 3)

	snap, err = a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestActive_ApplyRejectsBadAddresses(t *testing.T) {
	fc := &fakeConn{}
	a, err := NewActiveWithConn(fc)
	require.NoError(t, err)

	_, err = a.Apply(context.Background(), []Rule{{Kind: KindGrantEgress, MAC: "not-a-mac", IP: "10.0.0.1"}})
	assert.Error(t, err)

	_, err = a.Apply(context.Background(), []Rule{{Kind: KindGrantEgress, MAC: "aa:bb:cc:dd:ee:ff", IP: "not-an-ip"}})
	assert.Error(t, err)
}
