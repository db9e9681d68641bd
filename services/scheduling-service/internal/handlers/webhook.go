package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/outbox"
)

// SyncEnqueuer records a sync request for asynchronous processing.
// Satisfied by *outbox.Repository.
type SyncEnqueuer interface {
	InsertDirect(ctx context.Context, evt outbox.Event) error
}

// WebhookHandler acks calendar push notifications. Pushes carry no event
// data, only "something changed on this channel", so the handler records a
// sync request in the outbox and returns immediately. The actual sync runs
// from the Kafka consumer; a slow provider API never blocks the webhook
// endpoint, and repeated pushes for the same channel coalesce through the
// per-connection lock.
type WebhookHandler struct {
	outbox SyncEnqueuer
	logger *slog.Logger
}

func NewWebhookHandler(outboxRepo SyncEnqueuer, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{outbox: outboxRepo, logger: logger}
}

type syncRequestedEvent struct {
	ChannelID     string `json:"channel_id"`
	ResourceID    string `json:"resource_id"`
	Token         string `json:"token"`
	ResourceState string `json:"resource_state"`
}

// GoogleCalendar handles POST /webhooks/google/calendar.
func (h *WebhookHandler) GoogleCalendar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channelID := strings.TrimSpace(r.Header.Get("X-Goog-Channel-ID"))
	resourceID := strings.TrimSpace(r.Header.Get("X-Goog-Resource-ID"))
	state := strings.TrimSpace(r.Header.Get("X-Goog-Resource-State"))
	token := strings.TrimSpace(r.Header.Get("X-Goog-Channel-Token"))

	if channelID == "" {
		http.Error(w, "missing channel id", http.StatusBadRequest)
		return
	}
	// The registration handshake carries state "sync" and needs only an ack.
	if state == "sync" {
		w.WriteHeader(http.StatusOK)
		return
	}

	payload, err := json.Marshal(syncRequestedEvent{
		ChannelID:     channelID,
		ResourceID:    resourceID,
		Token:         token,
		ResourceState: state,
	})
	if err != nil {
		http.Error(w, "failed to build event payload", http.StatusInternalServerError)
		return
	}

	// Keying by channel id keeps all pushes for one connection on one
	// partition, so syncs for a connection are processed in order.
	if err := h.outbox.InsertDirect(r.Context(), outbox.Event{
		AggregateType: "calendar_channel",
		AggregateID:   channelID,
		EventType:     outbox.EventSyncRequested,
		Payload:       payload,
	}); err != nil {
		h.logger.Error("enqueue sync request failed", "err", err, "channel_id", channelID)
		http.Error(w, "failed to enqueue sync", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
