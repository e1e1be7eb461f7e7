// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package enforcer

// SynthesizeCaptive returns the rule set for a device that has a binding
// but no active session: redirected to the portal, cut off from the rest
// of the broadcast domain, and protected from ARP spoofing of the gateway.
func SynthesizeCaptive(mac, ip, sessionID string) []Rule {
	return []Rule{
		{Kind: KindPortalRedirect, MAC: mac, IP: ip, SessionID: sessionID},
		{Kind: KindIsolateL2, MAC: mac, IP: ip, SessionID: sessionID},
		{Kind: KindArpGuard, MAC: mac, IP: ip, SessionID: sessionID},
	}
}

// SynthesizeGrant returns the rule set for a device with an ACTIVE
// session: egress permitted, but BIND_GUARD stays on so a different host
// can't ride the same IP, ISOLATE_L2 stays on so the client can't reach
// anything on the broadcast domain besides the gateway, and ARP_GUARD
// stays on so nothing can impersonate the gateway. The Enforcer, not
// this function, is responsible for sequencing BIND_GUARD/ISOLATE_L2/
// ARP_GUARD ahead of GRANT_EGRESS (§4.1).
func SynthesizeGrant(mac, ip, sessionID string) []Rule {
	return []Rule{
		{Kind: KindGrantEgress, MAC: mac, IP: ip, SessionID: sessionID},
		{Kind: KindBindGuard, MAC: mac, IP: ip, SessionID: sessionID},
		{Kind: KindIsolateL2, MAC: mac, IP: ip, SessionID: sessionID},
		{Kind: KindArpGuard, MAC: mac, IP: ip, SessionID: sessionID},
	}
}
