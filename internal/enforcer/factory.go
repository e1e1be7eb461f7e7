// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package enforcer

import (
	"fmt"
	"strings"

	"aced.dev/ace/internal/clock"
)

// ModeSimulation and ModeActive select which Enforcer backend New binds.
// The manager never branches on which one it holds; this is the single
// deployment-time choice between them. Config files spell these lowercase
// ("simulation", "active"); New compares case-insensitively.
const (
	ModeSimulation = "simulation"
	ModeActive     = "active"
)

// New constructs the Enforcer named by mode. ModeActive is only buildable
// on linux, where it mutates the host nftables ruleset; elsewhere it
// returns an error rather than silently falling back to simulation.
func New(mode string, clk clock.Clock) (Enforcer, error) {
	switch strings.ToLower(mode) {
	case "", ModeSimulation:
		return NewSimulator(clk), nil
	case ModeActive:
		return newActiveBackend()
	default:
		return nil, fmt.Errorf("enforcer: unknown mode %q", mode)
	}
}
