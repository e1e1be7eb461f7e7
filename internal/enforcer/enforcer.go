// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package enforcer abstracts the mechanism that actually blocks or permits
// traffic for a device: either a Simulator that only tracks intent in
// memory, or an Active backend that programs nftables. The session and
// reconciliation packages talk only to the Enforcer interface, so they
// work identically against both.
package enforcer

import (
	"context"
	"time"
)

// RuleKind identifies the kind of rule synthesized for a device.
type RuleKind string

const (
	// KindPortalRedirect forces all of a pending device's HTTP(S) traffic
	// to the captive portal.
	KindPortalRedirect RuleKind = "PORTAL_REDIRECT"
	// KindGrantEgress permits a granted device's traffic to leave the
	// managed network.
	KindGrantEgress RuleKind = "GRANT_EGRESS"
	// KindBindGuard drops traffic whose source MAC/IP pair does not match
	// the binding registry, defeating IP spoofing from a different host.
	KindBindGuard RuleKind = "BIND_GUARD"
	// KindIsolateL2 blocks a device's link-layer traffic to its broadcast
	// domain peers, leaving only the gateway reachable. It is part of both
	// the captive and the granted rule sets.
	KindIsolateL2 RuleKind = "ISOLATE_L2"
	// KindArpGuard drops ARP replies claiming to own the gateway IP from
	// any MAC other than the configured gateway MAC.
	KindArpGuard RuleKind = "ARP_GUARD"
)

// Rule is a single enforcement intent scoped to one device and session.
type Rule struct {
	Kind      RuleKind
	MAC       string
	IP        string
	SessionID string
}

// Handle is an opaque, backend-assigned identifier for an installed rule.
// Handles are only meaningful to the backend that issued them; they are
// recorded in the rule ledger so a later Retract can target them exactly.
type Handle string

// InstalledRule pairs a Handle with the Rule it was synthesized from, as
// returned by Snapshot for drift detection.
type InstalledRule struct {
	Handle Handle
	Rule   Rule
}

// ApplyResult reports what Apply actually installed.
type ApplyResult struct {
	Handles     []Handle
	Diagnostics []string
}

// RetractResult reports what Retract actually removed. StillPresent means
// the backend reports the handle as resident despite being asked to
// remove it (the rule ledger should mark the entry FAILED and retry);
// Missing means the handle was already gone (treated as success, since
// that is the desired end state).
type RetractResult struct {
	Retracted    []Handle
	StillPresent []Handle
	Missing      []Handle
}

// DefaultBackendTimeout is the default deadline for a single Apply/Retract/
// Snapshot call against the enforcement backend before it is treated as an
// EnforcerTransient failure.
const DefaultBackendTimeout = 5 * time.Second

// DiagRuleBackendTimeout is the diagnostic string attached to an
// ApplyResult or returned error when a call exceeded its deadline.
const DiagRuleBackendTimeout = "RULE_BACKEND_TIMEOUT"

// Enforcer installs and retracts rule sets against a backend (in-memory
// simulator or real nftables) and reports the backend's current state for
// drift detection.
type Enforcer interface {
	// Apply installs rules and returns the handles the backend assigned
	// them, in the same order as rules.
	Apply(ctx context.Context, rules []Rule) (ApplyResult, error)
	// Retract removes the given handles.
	Retract(ctx context.Context, handles []Handle) (RetractResult, error)
	// Snapshot returns every rule currently installed by this engine
	// instance, for the reconciliation loop's drift check against the
	// rule ledger.
	Snapshot(ctx context.Context) ([]InstalledRule, error)
}
