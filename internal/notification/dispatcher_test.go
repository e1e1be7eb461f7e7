// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package notification

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"aced.dev/ace/internal/config"
	"aced.dev/ace/internal/logging"
)

func testAlert() Alert {
	return Alert{
		Category: "RULE",
		Severity: SeverityCritical,
		Message:  "enforcer failed to apply ISOLATE_L2",
		Subjects: []string{"session:abc123", "mac:aa:bb:cc:dd:ee:ff"},
	}
}

func TestDispatcher_Webhook(t *testing.T) {
	called := atomic.Int32{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["text"]; !ok {
			t.Errorf("expected 'text' field in generic webhook payload, got %v", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := &config.NotificationsConfig{
		Enabled: true,
		Channels: []config.NotificationChannel{
			{
				Name:       "ops-webhook",
				Type:       "webhook",
				Enabled:    true,
				WebhookURL: ts.URL,
			},
		},
	}

	d := NewDispatcher(cfg, logging.New(logging.DefaultConfig()))
	d.Send(testAlert())

	if called.Load() != 1 {
		t.Errorf("expected webhook to be called once, got %d", called.Load())
	}
}

func TestDispatcher_DiscordPayloadShape(t *testing.T) {
	called := atomic.Int32{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["content"]; !ok {
			t.Errorf("expected 'content' field in discord payload, got %v", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := &config.NotificationsConfig{
		Enabled: true,
		Channels: []config.NotificationChannel{
			{Name: "ops-discord", Type: "discord", Enabled: true, WebhookURL: ts.URL},
		},
	}

	NewDispatcher(cfg, logging.New(logging.DefaultConfig())).Send(testAlert())

	if called.Load() != 1 {
		t.Errorf("expected discord webhook to be called once, got %d", called.Load())
	}
}

func TestDispatcher_RateLimit(t *testing.T) {
	called := atomic.Int32{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := &config.NotificationsConfig{
		Enabled: true,
		Channels: []config.NotificationChannel{
			{Name: "ops-webhook-rl", Type: "webhook", Enabled: true, WebhookURL: ts.URL},
		},
	}

	d := NewDispatcher(cfg, logging.New(logging.DefaultConfig()))

	alert := testAlert()
	d.Send(alert)
	d.Send(alert)

	if called.Load() != 1 {
		t.Fatalf("expected second identical alert to be rate limited, got %d calls", called.Load())
	}
}

func TestDispatcher_SeverityThresholdFiltersChannel(t *testing.T) {
	called := atomic.Int32{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := &config.NotificationsConfig{
		Enabled: true,
		Channels: []config.NotificationChannel{
			{Name: "critical-only", Type: "webhook", Enabled: true, WebhookURL: ts.URL, Level: "critical"},
		},
	}

	d := NewDispatcher(cfg, logging.New(logging.DefaultConfig()))
	d.Send(Alert{Category: "SESSION", Severity: SeverityWarn, Message: "reconciliation retry exhausted"})

	if called.Load() != 0 {
		t.Fatalf("expected warning alert to be filtered by a critical-only channel, got %d calls", called.Load())
	}

	d.Send(testAlert())
	if called.Load() != 1 {
		t.Fatalf("expected critical alert to reach the channel, got %d calls", called.Load())
	}
}

func TestDispatcher_DisabledChannelNeverCalled(t *testing.T) {
	called := atomic.Int32{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := &config.NotificationsConfig{
		Enabled: true,
		Channels: []config.NotificationChannel{
			{Name: "disabled", Type: "webhook", Enabled: false, WebhookURL: ts.URL},
		},
	}

	NewDispatcher(cfg, logging.New(logging.DefaultConfig())).Send(testAlert())

	if called.Load() != 0 {
		t.Fatalf("expected disabled channel never to be called, got %d", called.Load())
	}
}
