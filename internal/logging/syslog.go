// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"aced.dev/ace/internal/errors"
)

// SyslogConfig describes an optional remote syslog sink. Most deployments
// run with Enabled: false and rely on the local journal instead.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns the disabled, RFC3164-compatible defaults.
// Facility 1 is "user-level messages".
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "aced",
		Facility: 1,
	}
}

// syslogWriter implements io.Writer, framing each Write as a single RFC3164
// syslog message over a persistent connection.
type syslogWriter struct {
	conn     net.Conn
	tag      string
	facility int
	hostname string
}

// NewSyslogWriter dials the configured syslog endpoint and returns a writer
// suitable for use as a logging.Config.Output.
func NewSyslogWriter(cfg SyslogConfig) (io.WriteCloser, error) {
	if cfg.Host == "" {
		return nil, errors.New(errors.KindValidation, "syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "aced"
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "dial syslog endpoint")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &syslogWriter{
		conn:     conn,
		tag:      cfg.Tag,
		facility: cfg.Facility,
		hostname: hostname,
	}, nil
}

// Write sends b as the message body of a single syslog record. The severity
// is fixed at "informational" (6) since slog's own level filtering has
// already decided whether the record should be emitted at all.
func (w *syslogWriter) Write(b []byte) (int, error) {
	const severity = 6
	priority := w.facility*8 + severity
	msg := fmt.Sprintf("<%d>%s %s %s[%d]: %s", priority,
		time.Now().Format(time.Stamp), w.hostname, w.tag, os.Getpid(), b)
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, errors.Wrap(err, errors.KindUnavailable, "write syslog message")
	}
	return len(b), nil
}

func (w *syslogWriter) Close() error {
	return w.conn.Close()
}
