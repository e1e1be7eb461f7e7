// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_RequiresInterfaces(t *testing.T) {
	cfg := Default()
	cfg.Network.PortalIP = "10.0.0.1"
	cfg.Network.SubnetCIDR = "10.0.0.0/24"
	cfg.Network.GatewayIP = "10.0.0.1"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing interfaces")
	}

	cfg.Interfaces = []string{"eth0"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_RejectsBadCIDR(t *testing.T) {
	cfg := Default()
	cfg.Interfaces = []string{"eth0"}
	cfg.Network.PortalIP = "10.0.0.1"
	cfg.Network.GatewayIP = "10.0.0.1"
	cfg.Network.SubnetCIDR = "not-a-cidr"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad CIDR")
	}
}

func TestValidate_RejectsUnknownEnforcerMode(t *testing.T) {
	cfg := Default()
	cfg.Interfaces = []string{"eth0"}
	cfg.Network.PortalIP = "10.0.0.1"
	cfg.Network.GatewayIP = "10.0.0.1"
	cfg.Network.SubnetCIDR = "10.0.0.0/24"
	cfg.EnforcerMode = "bogus"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown enforcer mode")
	}
}

func TestLoadFile_HCL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aced.hcl")
	contents := `
schema_version = "1.0"
interfaces     = ["eth0", "eth1"]
enforcer_mode  = "active"

network {
  portal_ip   = "10.50.0.1"
  subnet_cidr = "10.50.0.0/24"
  gateway_ip  = "10.50.0.1"
}

session {
  default_duration            = "2h"
  max_devices_per_credential  = 2
}
`
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Network.PortalIP != "10.50.0.1" {
		t.Errorf("expected portal_ip 10.50.0.1, got %s", cfg.Network.PortalIP)
	}
	if cfg.Session.DefaultDuration != "2h" {
		t.Errorf("expected default_duration 2h, got %s", cfg.Session.DefaultDuration)
	}
	// Reconciliation block was omitted from the file; defaults must fill it in.
	if cfg.Reconciliation == nil || cfg.Reconciliation.Interval != "60s" {
		t.Errorf("expected reconciliation defaults to be merged in")
	}
}

func TestLoadFile_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aced.json")
	contents := `{
		"interfaces": ["eth0"],
		"enforcer_mode": "simulation",
		"network": {"portal_ip": "10.60.0.1", "subnet_cidr": "10.60.0.0/24", "gateway_ip": "10.60.0.1"}
	}`
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Network.PortalIP != "10.60.0.1" {
		t.Errorf("expected portal_ip 10.60.0.1, got %s", cfg.Network.PortalIP)
	}
}
