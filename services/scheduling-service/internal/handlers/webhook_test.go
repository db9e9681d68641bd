package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/outbox"
)

type captureEnqueuer struct {
	events []outbox.Event
	err    error
}

func (c *captureEnqueuer) InsertDirect(_ context.Context, evt outbox.Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, evt)
	return nil
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nullWriter{}, nil))
}

func pushRequest(state string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/google/calendar", nil)
	r.Header.Set("X-Goog-Channel-ID", "ch-1")
	r.Header.Set("X-Goog-Resource-ID", "res-1")
	r.Header.Set("X-Goog-Channel-Token", "verify-1")
	r.Header.Set("X-Goog-Resource-State", state)
	return r
}

func TestWebhookEnqueuesSyncRequest(t *testing.T) {
	enq := &captureEnqueuer{}
	h := NewWebhookHandler(enq, testLogger())

	rec := httptest.NewRecorder()
	h.GoogleCalendar(rec, pushRequest("exists"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(enq.events) != 1 {
		t.Fatalf("events = %d, want 1", len(enq.events))
	}
	evt := enq.events[0]
	if evt.EventType != outbox.EventSyncRequested || evt.AggregateID != "ch-1" {
		t.Fatalf("event = %+v", evt)
	}
	var payload syncRequestedEvent
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.ChannelID != "ch-1" || payload.Token != "verify-1" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestWebhookAcksHandshakeWithoutEnqueue(t *testing.T) {
	enq := &captureEnqueuer{}
	h := NewWebhookHandler(enq, testLogger())

	rec := httptest.NewRecorder()
	h.GoogleCalendar(rec, pushRequest("sync"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(enq.events) != 0 {
		t.Fatalf("handshake should not enqueue a sync")
	}
}

func TestWebhookRejectsMissingChannel(t *testing.T) {
	h := NewWebhookHandler(&captureEnqueuer{}, testLogger())

	r := httptest.NewRequest(http.MethodPost, "/webhooks/google/calendar", nil)
	rec := httptest.NewRecorder()
	h.GoogleCalendar(rec, r)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
