// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

// Default returns a Config with every optional block filled in with the
// documented defaults. Callers merge a loaded file's non-zero fields over
// this baseline.
func Default() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		EnforcerMode:  "simulation",
		Network: &NetworkConfig{
			PortalPort: 8080,
		},
		Session: &SessionConfig{
			DefaultDuration:         "4h",
			MaxDevicesPerCredential: 3,
			GracePeriod:             "5s",
		},
		Reconciliation: &ReconciliationConfig{
			Interval:     "60s",
			RetryBudget:  5,
			RetryBackoff: "2s",
		},
		Audit: &AuditConfig{
			BufferSize: 1024,
			Retention:  "720h",
		},
		RateLimit: &RateLimitConfig{
			MaxAttemptsPerMinute: 10,
			LockoutDuration:      "5m",
		},
		Logging: &LoggingConfig{
			Level: "info",
			Syslog: &SyslogConfig{
				Port:     514,
				Protocol: "udp",
				Tag:      "aced",
				Facility: 1,
			},
		},
		API: &APIConfig{
			ListenAddr: "127.0.0.1:8443",
		},
		Replication: &ReplicationConfig{
			Mode:       "primary",
			ListenAddr: ":9999",
		},
		StateDir: "/var/lib/aced",
		LogDir:   "/var/log/aced",
	}
}

// mergeDefaults fills nil blocks in cfg with the documented default,
// without overwriting blocks the loaded file actually supplied. The
// Replication and Notifications blocks are left nil when the file omits
// them, so both stay disabled unless configured.
func mergeDefaults(cfg *Config) *Config {
	d := Default()

	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = d.SchemaVersion
	}
	if cfg.EnforcerMode == "" {
		cfg.EnforcerMode = d.EnforcerMode
	}
	if cfg.Network == nil {
		cfg.Network = d.Network
	} else if cfg.Network.PortalPort == 0 {
		cfg.Network.PortalPort = d.Network.PortalPort
	}
	if cfg.Session == nil {
		cfg.Session = d.Session
	}
	if cfg.Reconciliation == nil {
		cfg.Reconciliation = d.Reconciliation
	}
	if cfg.Audit == nil {
		cfg.Audit = d.Audit
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = d.RateLimit
	}
	if cfg.Logging == nil {
		cfg.Logging = d.Logging
	} else if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.API == nil {
		cfg.API = d.API
	}
	if cfg.StateDir == "" {
		cfg.StateDir = d.StateDir
	}
	if cfg.LogDir == "" {
		cfg.LogDir = d.LogDir
	}
	return cfg
}
