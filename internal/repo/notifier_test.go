package repo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSendPostsToWebhook(t *testing.T) {
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, time.Second, nil)
	err := notifier.Send(context.Background(), "slack", "@eng-oncall", "incident escalated", "details")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPayload["channel"] != "slack" || gotPayload["recipient"] != "@eng-oncall" {
		t.Fatalf("payload = %v", gotPayload)
	}
	if gotPayload["subject"] != "incident escalated" || gotPayload["text"] != "details" {
		t.Fatalf("payload = %v", gotPayload)
	}
}

func TestSendWithoutURLLogsOnly(t *testing.T) {
	notifier := NewWebhookNotifier("", time.Second, nil)
	if err := notifier.Send(context.Background(), "email", "oncall@example.com", "s", "b"); err != nil {
		t.Fatalf("log-only send should not fail: %v", err)
	}
}

func TestSMSChannelSkipsWebhook(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, time.Second, nil)
	if err := notifier.Send(context.Background(), "sms", "+15550100", "s", "b"); err != nil {
		t.Fatalf("sms send: %v", err)
	}
	if hits != 0 {
		t.Fatalf("sms must not hit the webhook, got %d calls", hits)
	}
}

func TestSendSurfacesWebhookFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, time.Second, nil)
	if err := notifier.Send(context.Background(), "slack", "#alerts", "s", "b"); err == nil {
		t.Fatalf("expected error on 502 response")
	}
}
