// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package enforcer

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"aced.dev/ace/internal/clock"
)

// Simulator is an in-memory Enforcer backend. It never touches the host
// firewall; it only records what would have been installed, which makes it
// the default backend for tests and for operators trialing a policy
// change before flipping EnforcerMode to active.
type Simulator struct {
	mu     sync.Mutex
	rules  map[Handle]InstalledRule
	clock  clock.Clock
	faults map[RuleKind]int
}

// NewSimulator returns an empty Simulator. A nil clock defaults to
// clock.System.
func NewSimulator(clk clock.Clock) *Simulator {
	if clk == nil {
		clk = clock.System
	}
	return &Simulator{rules: make(map[Handle]InstalledRule), clock: clk, faults: make(map[RuleKind]int)}
}

// FailNext arranges for the next n Apply calls that install a rule of
// kind to fail, returning an ApplyResult that carries only a diagnostic,
// and a non-nil error, instead of installing anything. This is the simulator's only departure from
// "every outcome is OK": real backends fail sometimes, and §4.3's
// compensating-revoke path otherwise has nothing to exercise it against.
// Each faulted call consumes one count; once n is exhausted, Apply
// resumes succeeding for that kind.
func (s *Simulator) FailNext(kind RuleKind, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[kind] = n
}

// Apply installs rules, assigning each a fresh handle, unless a fault has
// been armed for a rule's kind via FailNext.
func (s *Simulator) Apply(ctx context.Context, rules []Rule) (ApplyResult, error) {
	select {
	case <-ctx.Done():
		return ApplyResult{}, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rules {
		if s.faults[r.Kind] > 0 {
			s.faults[r.Kind]--
			return ApplyResult{Diagnostics: []string{fmt.Sprintf("simulated failure applying %s", r.Kind)}},
				fmt.Errorf("enforcer: simulated failure applying %s for %s", r.Kind, r.MAC)
		}
	}

	res := ApplyResult{Handles: make([]Handle, 0, len(rules))}
	for _, r := range rules {
		h := Handle(uuid.NewString())
		s.rules[h] = InstalledRule{Handle: h, Rule: r}
		res.Handles = append(res.Handles, h)
	}
	return res, nil
}

// Retract removes handles. Handles not currently present are reported as
// Missing rather than erroring, matching the desired idempotent semantics
// of a retraction.
func (s *Simulator) Retract(ctx context.Context, handles []Handle) (RetractResult, error) {
	select {
	case <-ctx.Done():
		return RetractResult{}, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res RetractResult
	for _, h := range handles {
		if _, ok := s.rules[h]; !ok {
			res.Missing = append(res.Missing, h)
			continue
		}
		delete(s.rules, h)
		res.Retracted = append(res.Retracted, h)
	}
	return res, nil
}

// Snapshot returns every rule currently tracked.
func (s *Simulator) Snapshot(ctx context.Context) ([]InstalledRule, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]InstalledRule, 0, len(s.rules))
	for _, ir := range s.rules {
		out = append(out, ir)
	}
	return out, nil
}

// hasRuleForMAC reports whether kind is currently installed for mac,
// without exposing the internal map to callers.
func (s *Simulator) hasRuleForMAC(kind RuleKind, mac string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ir := range s.rules {
		if ir.Rule.Kind == kind && ir.Rule.MAC == mac {
			return true
		}
	}
	return false
}

// EvaluateARP decides whether an ARP reply packet claiming ip belongs to
// senderMAC should be dropped by ARP_GUARD. gatewayIP/gatewayMAC identify
// the address the guard protects; any reply claiming to own gatewayIP from
// a MAC other than gatewayMAC is spoofing and is dropped.
//
// This mirrors the packet-level evaluation the kernel provider performs
// against live traffic, expressed here so the simulator can be driven by
// the same gopacket-built test fixtures used against the real interface.
func (s *Simulator) EvaluateARP(pkt gopacket.Packet, gatewayIP net.IP, gatewayMAC net.HardwareAddr) (drop bool, reason string) {
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return false, ""
	}
	arp, ok := arpLayer.(*layers.ARP)
	if !ok || arp.Operation != layers.ARPReply {
		return false, ""
	}

	claimedIP := net.IP(arp.SourceProtAddress)
	if !claimedIP.Equal(gatewayIP) {
		return false, ""
	}
	senderMAC := net.HardwareAddr(arp.SourceHwAddress)
	if senderMAC.String() == gatewayMAC.String() {
		return false, ""
	}
	return true, fmt.Sprintf("arp reply claims %s owned by %s, expected gateway mac %s", gatewayIP, senderMAC, gatewayMAC)
}
