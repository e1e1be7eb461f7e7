// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config defines the HCL-driven configuration surface for the
// access control engine: which interfaces it watches, how the portal
// network is addressed, how long a granted session lasts, and how the
// reconciliation loop and audit sink behave.
package config

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for the access control engine's
// configuration.
type Config struct {
	// Schema version for backward compatibility.
	// @enum: 1.0
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// Interfaces the engine watches for captive devices. Each must also
	// appear in Network.SubnetCIDR's broadcast domain.
	Interfaces []string `hcl:"interfaces,optional" json:"interfaces,omitempty"`

	// Network describes the portal's L3 addressing.
	Network *NetworkConfig `hcl:"network,block" json:"network,omitempty"`

	// EnforcerMode selects whether rules are actually installed into the
	// kernel or only tracked in memory.
	// @enum: simulation, active
	// @default: "simulation"
	EnforcerMode string `hcl:"enforcer_mode,optional" json:"enforcer_mode,omitempty"`

	// Session controls default grant duration and per-credential device caps.
	Session *SessionConfig `hcl:"session,block" json:"session,omitempty"`

	// Reconciliation controls the periodic cleanup loop's cadence and
	// retry policy.
	Reconciliation *ReconciliationConfig `hcl:"reconciliation,block" json:"reconciliation,omitempty"`

	// Audit controls the bounded event sink's buffer size and retention.
	Audit *AuditConfig `hcl:"audit,block" json:"audit,omitempty"`

	// RateLimit is enforced by the captive-portal authentication façade
	// upstream of the engine; this block only records the limits in the
	// same file as the engine's own settings. Nothing in the engine reads
	// or enforces them.
	RateLimit *RateLimitConfig `hcl:"rate_limit,block" json:"rate_limit,omitempty"`

	// Notifications configures outbound alert channels for reconciliation
	// failures and anomaly escalation.
	Notifications *NotificationsConfig `hcl:"notifications,block" json:"notifications,omitempty"`

	// Replication configures optional primary/replica state sync for HA
	// deployments.
	Replication *ReplicationConfig `hcl:"replication,block" json:"replication,omitempty"`

	// Logging controls the structured logger's level, format, and optional
	// remote syslog sink.
	Logging *LoggingConfig `hcl:"logging,block" json:"logging,omitempty"`

	// API configures the control/inspection HTTP listener.
	API *APIConfig `hcl:"api,block" json:"api,omitempty"`

	// StateDir overrides the default durable storage location.
	// @default: "/var/lib/aced"
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	// LogDir overrides the default log file location.
	// @default: "/var/log/aced"
	LogDir string `hcl:"log_dir,optional" json:"log_dir,omitempty"`
}

// NetworkConfig describes the captive network's L3 addressing.
type NetworkConfig struct {
	// PortalIP is the address devices are redirected to before they are
	// granted access.
	PortalIP string `hcl:"portal_ip"`
	// PortalPort is the TCP port the captive portal listens on.
	// @default: 8080
	PortalPort int `hcl:"portal_port,optional" json:"portal_port,omitempty"`
	// SubnetCIDR is the broadcast domain the engine manages bindings for.
	SubnetCIDR string `hcl:"subnet_cidr"`
	// GatewayIP is the default gateway handed out to granted devices.
	GatewayIP string `hcl:"gateway_ip"`
	// GatewayMAC is the gateway's hardware address, used by ARP_GUARD to
	// detect gateway-impersonation spoofing.
	GatewayMAC string `hcl:"gateway_mac,optional" json:"gateway_mac,omitempty"`
}

// SessionConfig controls default grant duration and device quotas.
type SessionConfig struct {
	// DefaultDuration is how long a grant lasts absent an explicit
	// extend call.
	// @default: "4h"
	DefaultDuration string `hcl:"default_duration,optional" json:"default_duration,omitempty"`
	// MaxDevicesPerCredential is the number of concurrent active sessions
	// allowed to share one credential. Validate rejects a negative value;
	// no component of the engine enforces the cap.
	// @default: 3
	MaxDevicesPerCredential int `hcl:"max_devices_per_credential,optional" json:"max_devices_per_credential,omitempty"`
	// GracePeriod is how long past its expiry an ACTIVE session keeps its
	// rules before the reconciliation loop revokes it, giving in-flight
	// connections a chance to drain.
	// @default: "5s"
	GracePeriod string `hcl:"grace_period,optional" json:"grace_period,omitempty"`
}

// ReconciliationConfig controls the periodic cleanup loop.
type ReconciliationConfig struct {
	// Interval is how often the loop runs.
	// @default: "60s"
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`
	// RetryBudget caps how many times a FAILED ledger row is retried
	// before being marked DEAD and surfaced to the audit sink.
	// @default: 5
	RetryBudget int `hcl:"retry_budget,optional" json:"retry_budget,omitempty"`
	// RetryBackoff is the base delay for exponential backoff between
	// FAILED-row retries.
	// @default: "2s"
	RetryBackoff string `hcl:"retry_backoff,optional" json:"retry_backoff,omitempty"`
}

// AuditConfig controls the bounded audit event sink.
type AuditConfig struct {
	// BufferSize is the bounded channel's capacity; once full, the oldest
	// queued event is dropped to make room for the newest.
	// @default: 1024
	BufferSize int `hcl:"buffer_size,optional" json:"buffer_size,omitempty"`
	// Retention is the configured lifetime of persisted audit records. No
	// component reads it; persisted audit records are never pruned.
	// @default: "720h"
	Retention string `hcl:"retention,optional" json:"retention,omitempty"`
}

// RateLimitConfig records limits enforced upstream by the portal
// authentication façade; see Config.RateLimit.
type RateLimitConfig struct {
	// MaxAttemptsPerMinute is the façade's authentication attempt cap.
	// @default: 10
	MaxAttemptsPerMinute int `hcl:"max_attempts_per_minute,optional" json:"max_attempts_per_minute,omitempty"`
	// LockoutDuration is how long the façade blocks a MAC after it trips
	// the limit.
	// @default: "5m"
	LockoutDuration string `hcl:"lockout_duration,optional" json:"lockout_duration,omitempty"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is the minimum severity logged.
	// @enum: debug, info, warn, error
	// @default: "info"
	Level string `hcl:"level,optional" json:"level,omitempty"`
	// JSON selects structured JSON log lines instead of text.
	// @default: false
	JSON bool `hcl:"json,optional" json:"json,omitempty"`
	// Syslog forwards log output to a remote syslog collector.
	Syslog *SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// SyslogConfig configures remote syslog log shipping.
type SyslogConfig struct {
	// @default: false
	Enabled bool `hcl:"enabled,optional" json:"enabled,omitempty"`
	Host    string `hcl:"host,optional" json:"host,omitempty"`
	// @default: 514
	Port int `hcl:"port,optional" json:"port,omitempty"`
	// @enum: udp, tcp
	// @default: "udp"
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	// @default: "aced"
	Tag string `hcl:"tag,optional" json:"tag,omitempty"`
	// @default: 1
	Facility int `hcl:"facility,optional" json:"facility,omitempty"`
}

// APIConfig configures the control/inspection HTTP listener.
type APIConfig struct {
	// @default: false
	Enabled bool `hcl:"enabled,optional" json:"enabled,omitempty"`
	// @default: "127.0.0.1:8443"
	ListenAddr string `hcl:"listen_addr,optional" json:"listen_addr,omitempty"`
	// AuthPath is where operator credentials and sessions are persisted.
	AuthPath string `hcl:"auth_path,optional" json:"auth_path,omitempty"`
}

// ReplicationConfig configures optional HA state replication between a
// primary and one or more replicas.
type ReplicationConfig struct {
	// @enum: primary, replica
	// @default: "primary"
	Mode string `hcl:"mode,optional" json:"mode,omitempty"`
	// @default: ":9999"
	ListenAddr  string `hcl:"listen_addr,optional" json:"listen_addr,omitempty"`
	PrimaryAddr string `hcl:"primary_addr,optional" json:"primary_addr,omitempty"`

	SecretKey   SecureString `hcl:"secret_key,optional" json:"secret_key,omitempty"`
	TLSCertFile string       `hcl:"tls_cert_file,optional" json:"tls_cert_file,omitempty"`
	TLSKeyFile  string       `hcl:"tls_key_file,optional" json:"tls_key_file,omitempty"`
	TLSCAFile   string       `hcl:"tls_ca_file,optional" json:"tls_ca_file,omitempty"`
	TLSMutual   bool         `hcl:"tls_mutual,optional" json:"tls_mutual,omitempty"`
}

// NotificationsConfig configures outbound alert channels.
type NotificationsConfig struct {
	Enabled  bool                  `hcl:"enabled,optional"`
	Channels []NotificationChannel `hcl:"channel,block" json:"channel,omitempty"`
}

// NotificationChannel defines a notification destination.
type NotificationChannel struct {
	Name    string `hcl:"name,label"`
	Type    string `hcl:"type"`           // email, pushover, slack, discord, ntfy, webhook
	Level   string `hcl:"level,optional"` // critical, warning, info
	Enabled bool   `hcl:"enabled,optional"`

	// Email settings
	SMTPHost     string       `hcl:"smtp_host,optional"`
	SMTPPort     int          `hcl:"smtp_port,optional"`
	SMTPUser     string       `hcl:"smtp_user,optional"`
	SMTPPassword SecureString `hcl:"smtp_password,optional"`
	From         string       `hcl:"from,optional"`
	To           []string     `hcl:"to,optional"`

	// Webhook/Slack/Discord settings
	WebhookURL string `hcl:"webhook_url,optional"`
	Channel    string `hcl:"channel,optional"`
	Username   string `hcl:"username,optional"`

	// Pushover settings
	APIToken SecureString `hcl:"api_token,optional"`
	UserKey  SecureString `hcl:"user_key,optional"`
	Priority int          `hcl:"priority,optional"`
	Sound    string       `hcl:"sound,optional"`

	// ntfy settings
	Server string `hcl:"server,optional"`
	Topic  string `hcl:"topic,optional"`

	// Generic auth (for ntfy, webhook)
	Password SecureString      `hcl:"password,optional"`
	Headers  map[string]string `hcl:"headers,optional"`
}
