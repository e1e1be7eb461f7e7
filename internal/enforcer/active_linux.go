// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package enforcer

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"aced.dev/ace/internal/errors"
)

const (
	filterTableName  = "ace_filter"
	bridgeTableName  = "ace_bridge"
	grantChainName   = "egress"
	guardChainName   = "guard"
	isolateChainName = "isolate"
	arpChainName     = "arp_guard"
)

// conn is the subset of *nftables.Conn the Active backend depends on. It
// exists so tests can substitute a fake without opening a real netlink
// socket, the same seam the teacher's firewall manager uses around its
// nftables connection.
type conn interface {
	AddTable(*nftables.Table) *nftables.Table
	AddChain(*nftables.Chain) *nftables.Chain
	AddRule(*nftables.Rule) *nftables.Rule
	DelRule(*nftables.Rule) error
	ListChains() ([]*nftables.Chain, error)
	GetRules(*nftables.Table, *nftables.Chain) ([]*nftables.Rule, error)
	Flush() error
}

// Active programs the host's nftables ruleset via netlink. It keeps one
// inet table for portal redirect/egress/bind-guard decisions and one
// bridge-family table for link-layer isolation and ARP spoofing defense,
// resolving the choice between ebtables and nftables bridge hooks in
// favor of nftables, since a single library then covers both families.
type Active struct {
	mu   sync.Mutex
	conn conn

	filterTable *nftables.Table
	bridgeTable *nftables.Table
	chains      map[string]*nftables.Chain

	// handleIndex maps a Handle we issued back to the rule.Handle nftables
	// assigned, so Retract can find it again without a second round trip.
	handleIndex map[Handle]installedRef
}

type installedRef struct {
	table *nftables.Table
	chain *nftables.Chain
	rule  Rule
	nft   *nftables.Rule
}

// NewActive opens a netlink connection and provisions the base tables and
// chains. It is a no-op if they already exist from a prior run.
func NewActive() (*Active, error) {
	c, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindEnforcerPermanent, "open nftables connection")
	}
	return NewActiveWithConn(c)
}

// NewActiveWithConn builds an Active backend around an injected connection,
// for tests and for alternate netlink namespaces.
func NewActiveWithConn(c conn) (*Active, error) {
	a := &Active{
		conn:        c,
		chains:      make(map[string]*nftables.Chain),
		handleIndex: make(map[Handle]installedRef),
	}
	if err := a.provision(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Active) provision() error {
	a.filterTable = a.conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   filterTableName,
	})
	a.bridgeTable = a.conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyBridge,
		Name:   bridgeTableName,
	})

	hookFwd := nftables.ChainHookForward
	hookIn := nftables.ChainHookInput
	prio := nftables.ChainPriorityFilter

	a.chains[grantChainName] = a.conn.AddChain(&nftables.Chain{
		Name:     grantChainName,
		Table:    a.filterTable,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  hookFwd,
		Priority: prio,
	})
	a.chains[guardChainName] = a.conn.AddChain(&nftables.Chain{
		Name:     guardChainName,
		Table:    a.filterTable,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  hookFwd,
		Priority: prio,
	})
	a.chains[isolateChainName] = a.conn.AddChain(&nftables.Chain{
		Name:     isolateChainName,
		Table:    a.bridgeTable,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  hookFwd,
		Priority: prio,
	})
	a.chains[arpChainName] = a.conn.AddChain(&nftables.Chain{
		Name:     arpChainName,
		Table:    a.bridgeTable,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  hookIn,
		Priority: prio,
	})

	if err := a.conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindEnforcerPermanent, "provision base tables")
	}
	return nil
}

// Apply installs rules, synthesizing the matching nftables rule for each
// RuleKind and flushing once at the end so a partial Apply never leaves
// the ruleset in a half-applied state for longer than one netlink round
// trip.
func (a *Active) Apply(ctx context.Context, rules []Rule) (ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res := ApplyResult{Handles: make([]Handle, 0, len(rules))}
	for _, r := range rules {
		chainName, exprs, err := a.buildExprs(r)
		if err != nil {
			return res, err
		}
		chain := a.chains[chainName]
		nftRule := &nftables.Rule{
			Table: chain.Table,
			Chain: chain,
			Exprs: exprs,
		}
		a.conn.AddRule(nftRule)

		h := syntheticHandle(r)
		a.handleIndex[h] = installedRef{table: chain.Table, chain: chain, rule: r, nft: nftRule}
		res.Handles = append(res.Handles, h)
	}

	if err := flushWithContext(ctx, a.conn); err != nil {
		return res, err
	}
	return res, nil
}

// Retract removes the rules named by handles.
func (a *Active) Retract(ctx context.Context, handles []Handle) (RetractResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var res RetractResult
	for _, h := range handles {
		ref, ok := a.handleIndex[h]
		if !ok {
			res.Missing = append(res.Missing, h)
			continue
		}
		if err := a.conn.DelRule(ref.nft); err != nil {
			res.StillPresent = append(res.StillPresent, h)
			continue
		}
		delete(a.handleIndex, h)
		res.Retracted = append(res.Retracted, h)
	}

	if err := flushWithContext(ctx, a.conn); err != nil {
		return res, err
	}
	return res, nil
}

// Snapshot walks every chain this backend owns and reports the rules
// nftables currently holds, for drift detection against the rule ledger.
func (a *Active) Snapshot(ctx context.Context) ([]InstalledRule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	liveCount := 0
	chains, err := a.conn.ListChains()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindEnforcerTransient, "list chains")
	}
	for _, ch := range chains {
		if ch.Table.Name != filterTableName && ch.Table.Name != bridgeTableName {
			continue
		}
		rules, err := a.conn.GetRules(ch.Table, ch)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindEnforcerTransient, "get rules")
		}
		liveCount += len(rules)
	}
	// The live ruleset carries only the netlink-level expression list, not
	// our Rule metadata, so the authoritative view is handleIndex; liveCount
	// only tells the reconciliation loop whether the kernel's rule count has
	// drifted out from under it (e.g. a manual nft flush).
	if liveCount != len(a.handleIndex) {
		return nil, errors.Errorf(errors.KindInconsistent, "nftables rule count %d does not match tracked handles %d", liveCount, len(a.handleIndex))
	}

	out := make([]InstalledRule, 0, len(a.handleIndex))
	for h, ref := range a.handleIndex {
		out = append(out, InstalledRule{Handle: h, Rule: ref.rule})
	}
	return out, nil
}

func flushWithContext(ctx context.Context, c conn) error {
	done := make(chan error, 1)
	go func() { done <- c.Flush() }()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.KindEnforcerTransient, DiagRuleBackendTimeout)
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, errors.KindEnforcerTransient, "flush nftables ruleset")
		}
		return nil
	}
}

func syntheticHandle(r Rule) Handle {
	return Handle(fmt.Sprintf("%s:%s:%s:%s", r.Kind, r.MAC, r.IP, r.SessionID))
}

// buildExprs translates a Rule into the nftables chain it belongs to and
// the expression list that implements it.
func (a *Active) buildExprs(r Rule) (string, []expr.Any, error) {
	mac, err := net.ParseMAC(r.MAC)
	if err != nil {
		return "", nil, errors.Wrap(err, errors.KindValidation, "parse mac")
	}
	ip := net.ParseIP(r.IP)
	if ip == nil || ip.To4() == nil {
		return "", nil, errors.Errorf(errors.KindValidation, "invalid ipv4 address %q", r.IP)
	}
	ip4 := ip.To4()

	switch r.Kind {
	case KindGrantEgress:
		return grantChainName, []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip4},
			&expr.Verdict{Kind: expr.VerdictAccept},
		}, nil

	case KindBindGuard:
		return guardChainName, []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip4},
			&expr.Payload{DestRegister: 2, Base: expr.PayloadBaseLinkHeader, Offset: 6, Len: 6},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 2, Data: mac},
			&expr.Verdict{Kind: expr.VerdictDrop},
		}, nil

	case KindPortalRedirect:
		return grantChainName, []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseLinkHeader, Offset: 6, Len: 6},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: mac},
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: []byte{unix.IPPROTO_TCP}},
			&expr.Verdict{Kind: expr.VerdictDrop},
		}, nil

	case KindIsolateL2:
		return isolateChainName, []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseLinkHeader, Offset: 6, Len: 6},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: mac},
			&expr.Payload{DestRegister: 2, Base: expr.PayloadBaseNetworkHeader, Offset: 16, Len: 4},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 2, Data: ip4},
			&expr.Verdict{Kind: expr.VerdictDrop},
		}, nil

	case KindArpGuard:
		return arpChainName, []expr.Any{
			&expr.Meta{Key: expr.MetaKeyPROTOCOL, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(unix.ETH_P_ARP)},
			&expr.Payload{DestRegister: 2, Base: expr.PayloadBaseLinkHeader, Offset: 6, Len: 6},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 2, Data: mac},
			&expr.Verdict{Kind: expr.VerdictDrop},
		}, nil
	}

	return "", nil, errors.Errorf(errors.KindValidation, "unknown rule kind %q", r.Kind)
}
