// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"net"

	"aced.dev/ace/internal/errors"
)

// Validate checks that the loaded configuration is internally consistent
// enough to start the engine. It does not touch the network or filesystem.
func (c *Config) Validate() error {
	if len(c.Interfaces) == 0 {
		return errors.New(errors.KindValidation, "at least one interface is required")
	}
	if c.Network == nil {
		return errors.New(errors.KindValidation, "network block is required")
	}
	if c.Network.PortalIP == "" {
		return errors.New(errors.KindValidation, "network.portal_ip is required")
	}
	if net.ParseIP(c.Network.PortalIP) == nil {
		return errors.Errorf(errors.KindValidation, "network.portal_ip %q is not a valid IP", c.Network.PortalIP)
	}
	if c.Network.SubnetCIDR == "" {
		return errors.New(errors.KindValidation, "network.subnet_cidr is required")
	}
	if _, _, err := net.ParseCIDR(c.Network.SubnetCIDR); err != nil {
		return errors.Wrapf(err, errors.KindValidation, "network.subnet_cidr %q is invalid", c.Network.SubnetCIDR)
	}
	if c.Network.GatewayIP == "" {
		return errors.New(errors.KindValidation, "network.gateway_ip is required")
	}
	if net.ParseIP(c.Network.GatewayIP) == nil {
		return errors.Errorf(errors.KindValidation, "network.gateway_ip %q is not a valid IP", c.Network.GatewayIP)
	}

	switch c.EnforcerMode {
	case "simulation", "active":
	default:
		return errors.Errorf(errors.KindValidation, "enforcer_mode must be simulation or active, got %q", c.EnforcerMode)
	}

	if c.Session != nil && c.Session.MaxDevicesPerCredential < 0 {
		return errors.New(errors.KindValidation, "session.max_devices_per_credential cannot be negative")
	}
	if c.Reconciliation != nil && c.Reconciliation.RetryBudget < 0 {
		return errors.New(errors.KindValidation, "reconciliation.retry_budget cannot be negative")
	}
	if c.Audit != nil && c.Audit.BufferSize <= 0 {
		return errors.New(errors.KindValidation, "audit.buffer_size must be positive")
	}

	return nil
}
