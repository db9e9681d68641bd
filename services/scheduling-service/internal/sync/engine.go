// Package sync keeps local meeting state consistent with external calendars:
// token refresh, webhook channel lifecycle, and cursor-based incremental
// event sync.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/provider"
)

// ErrUnknownChannel marks a push for a channel we have no record of, usually
// one stopped after renewal. Handlers ack these without processing.
var ErrUnknownChannel = errors.New("unknown webhook channel")

// ErrBadChannelToken marks a push whose verification token does not match the
// one issued at registration.
var ErrBadChannelToken = errors.New("webhook channel token mismatch")

// MeetingStore is the slice of the meeting repository the sync layer needs.
type MeetingStore interface {
	ByEventID(ctx context.Context, providerName, eventID string) (*model.Meeting, error)
	UpdateStatus(ctx context.Context, id, status string, expectedVersion int64) error
	Reschedule(ctx context.Context, id string, scheduledAt time.Time, durationMinutes int, expectedVersion int64) error
	AppliedEventVersion(ctx context.Context, providerName, eventID string) (string, error)
	SetAppliedEventVersion(ctx context.Context, providerName, eventID, version string) error
}

// Notifier records meeting lifecycle changes triggered by external edits.
type Notifier interface {
	MeetingCancelled(ctx context.Context, m *model.Meeting, reason string)
	MeetingRescheduled(ctx context.Context, m *model.Meeting, reason string)
}

// Propagator pushes a change that originated in one member's calendar out to
// the other members' calendars. Implemented by the booking coordinator and
// injected here so sync never imports booking.
type Propagator interface {
	PropagateCancellation(ctx context.Context, meetingID, sourceUserID string)
	PropagateReschedule(ctx context.Context, meetingID, sourceUserID string)
}

// Engine applies external calendar changes to local meetings. Per-connection
// runs are serialized with a distributed lock; the cursor is persisted only
// after a batch has been fully applied, so a crash mid-batch replays it.
type Engine struct {
	conns      ConnectionStore
	meetings   MeetingStore
	registry   *provider.Registry
	tokens     *TokenManager
	locker     Locker
	notifier   Notifier
	propagator Propagator
	logger     *slog.Logger
}

func NewEngine(conns ConnectionStore, meetings MeetingStore, registry *provider.Registry, tokens *TokenManager, locker Locker, notifier Notifier, propagator Propagator, logger *slog.Logger) *Engine {
	return &Engine{
		conns:      conns,
		meetings:   meetings,
		registry:   registry,
		tokens:     tokens,
		locker:     locker,
		notifier:   notifier,
		propagator: propagator,
		logger:     logger,
	}
}

// SyncByChannel resolves a webhook push to its connection and syncs it.
// verifyToken must match the token issued when the channel was registered.
func (e *Engine) SyncByChannel(ctx context.Context, channelID, verifyToken string) error {
	conn, err := e.conns.ByChannelID(ctx, channelID)
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("channel %s: %w", channelID, ErrUnknownChannel)
	}
	if conn.Webhook == nil || conn.Webhook.Token != verifyToken {
		return fmt.Errorf("channel %s: %w", channelID, ErrBadChannelToken)
	}
	return e.SyncConnection(ctx, conn)
}

// SyncConnection runs one incremental sync pass for a connection. An invalid
// cursor falls back to a full sync of the recent window.
func (e *Engine) SyncConnection(ctx context.Context, conn *model.CalendarConnection) error {
	lease, err := e.locker.Acquire(ctx, "sync:"+conn.ID)
	if err != nil {
		return fmt.Errorf("acquire sync lock: %w", err)
	}
	defer lease.Release(ctx)

	token, err := e.tokens.AccessToken(ctx, conn)
	if err != nil {
		return err
	}
	client, err := e.registry.For(conn.Provider)
	if err != nil {
		return err
	}

	batch, err := client.ChangedEvents(ctx, token, conn.CalendarID, conn.SyncCursor)
	if provider.IsCursorInvalid(err) {
		e.logger.Warn("sync cursor invalidated, running full sync", "connection_id", conn.ID)
		batch, err = client.ChangedEvents(ctx, token, conn.CalendarID, "")
	}
	if err != nil {
		return fmt.Errorf("fetch changed events: %w", err)
	}

	for _, change := range batch.Changes {
		if err := e.applyChange(ctx, conn, change); err != nil {
			// Cursor stays put; the batch replays and applied-version
			// tracking makes the replay a no-op for changes already done.
			return fmt.Errorf("apply change for event %s: %w", change.Event.ID, err)
		}
	}

	if batch.NextCursor != "" && batch.NextCursor != conn.SyncCursor {
		if err := e.conns.UpdateCursor(ctx, conn.ID, batch.NextCursor); err != nil {
			return err
		}
		conn.SyncCursor = batch.NextCursor
	}

	e.logger.Info("sync pass complete",
		"connection_id", conn.ID,
		"changes", len(batch.Changes),
		"full_sync", batch.FullSync,
	)
	return nil
}

// changeVersion is the idempotency key for one observed event state. Replays
// of an already-applied state compare equal and are skipped.
func changeVersion(c provider.Change) string {
	if c.Deleted || c.Event.Status == "cancelled" {
		return "deleted"
	}
	return fmt.Sprintf("%d/%d/%s", c.Event.Start.Unix(), c.Event.End.Unix(), c.Event.Status)
}

func (e *Engine) applyChange(ctx context.Context, conn *model.CalendarConnection, change provider.Change) error {
	meeting, err := e.meetings.ByEventID(ctx, conn.Provider, change.Event.ID)
	if err != nil {
		return err
	}
	if meeting == nil {
		// Event we did not create. Its busy time surfaces through free/busy
		// queries; nothing to reconcile here.
		return nil
	}

	version := changeVersion(change)
	applied, err := e.meetings.AppliedEventVersion(ctx, conn.Provider, change.Event.ID)
	if err != nil {
		return err
	}
	if applied == version {
		return nil
	}

	switch {
	case change.Deleted || change.Event.Status == "cancelled":
		if err := e.cancelFromExternal(ctx, conn, meeting, change.Event.ID); err != nil {
			return err
		}
	case e.windowChanged(meeting, change.Event):
		if err := e.rescheduleFromExternal(ctx, conn, meeting, change.Event); err != nil {
			return err
		}
	}

	return e.meetings.SetAppliedEventVersion(ctx, conn.Provider, change.Event.ID, version)
}

func (e *Engine) windowChanged(m *model.Meeting, ev provider.Event) bool {
	if ev.Start.IsZero() || ev.End.IsZero() {
		return false
	}
	start, end := m.Window()
	return !ev.Start.Equal(start) || !ev.End.Equal(end)
}

func (e *Engine) cancelFromExternal(ctx context.Context, conn *model.CalendarConnection, meeting *model.Meeting, eventID string) error {
	if meeting.Status == model.MeetingCancelled {
		return nil
	}
	if err := e.meetings.UpdateStatus(ctx, meeting.ID, model.MeetingCancelled, meeting.Version); err != nil {
		return err
	}
	meeting.Status = model.MeetingCancelled
	meeting.Version++

	e.logger.Info("meeting cancelled by external calendar edit",
		"meeting_id", meeting.ID, "user_id", conn.UserID, "event_id", eventID)
	e.notifier.MeetingCancelled(ctx, meeting, "removed from a participant's calendar")
	if e.propagator != nil {
		e.propagator.PropagateCancellation(ctx, meeting.ID, conn.UserID)
	}
	return nil
}

func (e *Engine) rescheduleFromExternal(ctx context.Context, conn *model.CalendarConnection, meeting *model.Meeting, ev provider.Event) error {
	duration := int(ev.End.Sub(ev.Start) / time.Minute)
	if duration <= 0 {
		return fmt.Errorf("event %s has non-positive duration", ev.ID)
	}
	if err := e.meetings.Reschedule(ctx, meeting.ID, ev.Start.UTC(), duration, meeting.Version); err != nil {
		return err
	}
	meeting.ScheduledAt = ev.Start.UTC()
	meeting.DurationMinutes = duration
	meeting.Version++

	e.logger.Info("meeting moved by external calendar edit",
		"meeting_id", meeting.ID, "user_id", conn.UserID,
		"scheduled_at", meeting.ScheduledAt, "duration_minutes", duration)
	e.notifier.MeetingRescheduled(ctx, meeting, "moved in a participant's calendar")
	if e.propagator != nil {
		e.propagator.PropagateReschedule(ctx, meeting.ID, conn.UserID)
	}
	return nil
}
