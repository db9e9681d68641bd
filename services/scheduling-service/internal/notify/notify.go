package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/outbox"
)

// Notifier publishes meeting lifecycle events through the outbox. Delivery to
// users (email, push) is the notification service's job; this only records
// that the change happened.
type Notifier struct {
	outbox *outbox.Repository
	logger *slog.Logger
}

func New(outboxRepo *outbox.Repository, logger *slog.Logger) *Notifier {
	return &Notifier{outbox: outboxRepo, logger: logger}
}

type meetingEvent struct {
	MeetingID   string    `json:"meeting_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	BookedBy    string    `json:"booked_by"`
	MemberIDs   []string  `json:"member_ids"`
	MeetingLink string    `json:"meeting_link,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

func (n *Notifier) MeetingScheduled(ctx context.Context, m *model.Meeting) {
	n.emit(ctx, outbox.EventMeetingScheduled, m, "")
}

func (n *Notifier) MeetingCancelled(ctx context.Context, m *model.Meeting, reason string) {
	n.emit(ctx, outbox.EventMeetingCancelled, m, reason)
}

func (n *Notifier) MeetingRescheduled(ctx context.Context, m *model.Meeting, reason string) {
	n.emit(ctx, outbox.EventMeetingRescheduled, m, reason)
}

// emit is best effort: a lost notification must never roll back the booking
// that triggered it.
func (n *Notifier) emit(ctx context.Context, eventType string, m *model.Meeting, reason string) {
	start, end := m.Window()
	payload, err := json.Marshal(meetingEvent{
		MeetingID:   m.ID,
		StartTime:   start,
		EndTime:     end,
		BookedBy:    m.BookedBy,
		MemberIDs:   m.MemberIDs,
		MeetingLink: m.MeetingLink,
		Reason:      reason,
	})
	if err != nil {
		n.logger.Error("notify payload marshal failed", "err", err, "meeting_id", m.ID)
		return
	}

	err = n.outbox.InsertDirect(ctx, outbox.Event{
		AggregateType: "meeting",
		AggregateID:   m.ID,
		EventType:     eventType,
		Payload:       payload,
	})
	if err != nil {
		n.logger.Error("notify outbox insert failed", "err", err, "meeting_id", m.ID, "event_type", eventType)
	}
}
