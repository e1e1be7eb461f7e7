// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package notification fans escalated audit events out to the channels
// an operator has configured — webhook, ntfy, Pushover, or email — so an
// EnforcerPermanent or Inconsistent condition that requires operator
// intervention actually reaches one instead of sitting in the audit log
// until someone goes looking.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"net/smtp"

	"aced.dev/ace/internal/config"
	"aced.dev/ace/internal/logging"
)

// Severity mirrors audit.Severity's escalation tiers; a channel's
// configured minimum filters out anything below it.
const (
	SeverityWarn     = "warning"
	SeverityCritical = "critical"
)

// Alert is one escalated audit event, ready to hand to a channel.
// Category and Subjects carry the audit.Event fields that gave rise to
// it (e.g. Category "RULE", Subjects ["session:<id>", "mac:<addr>"]) so
// a channel's message can identify what triggered the alert without the
// dispatcher depending on the audit package itself.
type Alert struct {
	Category  string         `json:"category"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Subjects  []string       `json:"subjects,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// subject renders the alert's headline for channels that want a single
// title line (email subject, webhook bold text, ntfy Title header).
func (a Alert) subject() string {
	if len(a.Subjects) == 0 {
		return fmt.Sprintf("%s: %s", a.Category, a.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", a.Category, a.Message, strings.Join(a.Subjects, ", "))
}

// dedupeKey identifies alerts that should be rate-limited together: the
// same category and message repeating on the same channel, regardless
// of which subject (session, MAC) triggered it this time.
func (a Alert) dedupeKey() string {
	return a.Category + ":" + a.Message
}

// Dispatcher fans Alerts out to the channels configured in
// config.NotificationsConfig, rate-limiting repeats per channel.
type Dispatcher struct {
	config *config.NotificationsConfig
	logger *logging.Logger
	mu     sync.RWMutex

	lastSent map[string]time.Time

	httpClient *http.Client

	// emailSender is injectable so tests can intercept SMTP delivery.
	emailSender func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// rateLimitWindow is how long a given channel+alert pairing is
// suppressed after a send, so a flapping condition doesn't page an
// operator once per reconciliation cycle.
const rateLimitWindow = 60 * time.Second

// NewDispatcher builds a Dispatcher over cfg.
func NewDispatcher(cfg *config.NotificationsConfig, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default().WithComponent("notification")
	}
	return &Dispatcher{
		config:   cfg,
		logger:   logger,
		lastSent: make(map[string]time.Time),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		emailSender: smtp.SendMail,
	}
}

// UpdateConfig swaps in a reloaded configuration.
func (d *Dispatcher) UpdateConfig(cfg *config.NotificationsConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = cfg
}

// Send fans alert out to every enabled channel whose configured minimum
// severity it meets, skipping any channel that has seen the same
// category+message within the rate-limit window.
func (d *Dispatcher) Send(alert Alert) {
	d.mu.RLock()
	cfg := d.config
	d.mu.RUnlock()

	if cfg == nil || !cfg.Enabled {
		return
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var wg sync.WaitGroup

	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}

		if !meetsThreshold(alert.Severity, ch.Level) {
			continue
		}

		if d.isRateLimited(ch.Name, alert.dedupeKey()) {
			d.logger.Debug("alert rate limited", "channel", ch.Name, "category", alert.Category)
			continue
		}

		wg.Add(1)
		go func(channel config.NotificationChannel) {
			defer wg.Done()
			if err := d.sendToChannel(channel, alert); err != nil {
				d.logger.Error("failed to deliver alert",
					"channel", channel.Name,
					"type", channel.Type,
					"category", alert.Category,
					"error", err)
			}
		}(ch)
	}

	wg.Wait()
}

func (d *Dispatcher) isRateLimited(channelName, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	fullKey := channelName + ":" + key
	last, ok := d.lastSent[fullKey]
	now := time.Now()

	if ok && now.Sub(last) < rateLimitWindow {
		return true
	}

	d.lastSent[fullKey] = now

	// Unbounded growth is bounded in practice by the fixed set of audit
	// categories/messages; this guards the pathological case where a
	// message string carries unique data (e.g. an embedded session id).
	if len(d.lastSent) > 1000 {
		d.lastSent = map[string]time.Time{fullKey: now}
	}

	return false
}

// meetsThreshold reports whether severity is at or above a channel's
// configured minimum. An unconfigured channel level accepts everything.
func meetsThreshold(severity, channelMinimum string) bool {
	if channelMinimum == "" {
		return true
	}

	rank := map[string]int{
		"info":           1,
		SeverityWarn:     2,
		SeverityCritical: 3,
	}

	return rank[strings.ToLower(severity)] >= rank[strings.ToLower(channelMinimum)]
}

func (d *Dispatcher) sendToChannel(ch config.NotificationChannel, alert Alert) error {
	switch strings.ToLower(ch.Type) {
	case "webhook", "slack", "discord":
		return d.sendWebhook(ch, alert)
	case "ntfy":
		return d.sendNtfy(ch, alert)
	case "pushover":
		return d.sendPushover(ch, alert)
	case "email":
		return d.sendEmail(ch, alert)
	default:
		return fmt.Errorf("unknown channel type: %s", ch.Type)
	}
}

func (d *Dispatcher) sendWebhook(ch config.NotificationChannel, alert Alert) error {
	if ch.WebhookURL == "" {
		return fmt.Errorf("missing webhook_url")
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("*%s*\n%s", alert.subject(), alert.Message),
	}
	if ch.Type == "discord" {
		payload = map[string]interface{}{
			"content": fmt.Sprintf("**%s**\n%s", alert.subject(), alert.Message),
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", ch.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook failed with status: %d", resp.StatusCode)
	}

	return nil
}

func (d *Dispatcher) sendNtfy(ch config.NotificationChannel, alert Alert) error {
	url := ch.Server
	if url == "" {
		url = "https://ntfy.sh"
	}
	if ch.Topic == "" {
		return fmt.Errorf("missing topic for ntfy")
	}

	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	url += ch.Topic

	req, err := http.NewRequest("POST", url, strings.NewReader(alert.Message))
	if err != nil {
		return err
	}

	req.Header.Set("Title", alert.subject())

	switch strings.ToLower(alert.Severity) {
	case SeverityCritical:
		req.Header.Set("Priority", "high")
		req.Header.Set("Tags", "rotating_light")
	case SeverityWarn:
		req.Header.Set("Priority", "default")
		req.Header.Set("Tags", "warning")
	default:
		req.Header.Set("Priority", "low")
		req.Header.Set("Tags", "information_source")
	}

	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ntfy failed with status: %d", resp.StatusCode)
	}

	return nil
}

func (d *Dispatcher) sendPushover(ch config.NotificationChannel, alert Alert) error {
	if ch.APIToken == "" || ch.UserKey == "" {
		return fmt.Errorf("missing api_token or user_key")
	}

	url := "https://api.pushover.net/1/messages.json"

	payload := map[string]interface{}{
		"token":     ch.APIToken,
		"user":      ch.UserKey,
		"message":   alert.Message,
		"title":     alert.subject(),
		"timestamp": alert.Timestamp.Unix(),
	}

	if ch.Sound != "" {
		payload["sound"] = ch.Sound
	}

	if strings.ToLower(alert.Severity) == SeverityCritical {
		payload["priority"] = 1
	} else if ch.Priority != 0 {
		payload["priority"] = ch.Priority
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("pushover failed with status: %d", resp.StatusCode)
	}
	return nil
}

// defaultFrom is used when a channel has no From address configured.
const defaultFrom = "aced@localhost"

func (d *Dispatcher) sendEmail(ch config.NotificationChannel, alert Alert) error {
	if ch.SMTPHost == "" || len(ch.To) == 0 {
		return fmt.Errorf("missing smtp_host or recipients")
	}

	host := ch.SMTPHost
	port := ch.SMTPPort
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	var auth smtp.Auth
	if ch.SMTPUser != "" {
		auth = smtp.PlainAuth("", ch.SMTPUser, string(ch.SMTPPassword), host)
	}

	from := ch.From
	if from == "" {
		from = defaultFrom
	}

	headers := map[string]string{
		"From":         from,
		"To":           strings.Join(ch.To, ","),
		"Subject":      fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Severity), alert.subject()),
		"MIME-Version": "1.0",
		"Content-Type": "text/plain; charset=\"utf-8\"",
	}

	var headerStr strings.Builder
	for k, v := range headers {
		fmt.Fprintf(&headerStr, "%s: %s\r\n", k, v)
	}

	msg := []byte(headerStr.String() + "\r\n" + alert.Message + "\r\n")

	if d.emailSender != nil {
		return d.emailSender(addr, auth, from, ch.To, msg)
	}
	return smtp.SendMail(addr, auth, from, ch.To, msg)
}
