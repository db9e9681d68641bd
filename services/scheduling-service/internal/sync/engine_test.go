package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/interval"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/provider"
)

type fakeCipher struct{}

func (fakeCipher) Encrypt(plaintext string) (string, error) { return "enc:" + plaintext, nil }

func (fakeCipher) Decrypt(blob string) (string, error) {
	if !strings.HasPrefix(blob, "enc:") {
		return "", errors.New("bad ciphertext")
	}
	return strings.TrimPrefix(blob, "enc:"), nil
}

type noopRelease struct{}

func (noopRelease) Release(context.Context) error { return nil }

type fakeLocker struct{}

func (fakeLocker) Acquire(context.Context, string) (Releaser, error) { return noopRelease{}, nil }

type fakeConnStore struct {
	conns      map[string]*model.CalendarConnection
	cursorSets []string
}

func newFakeConnStore(conns ...*model.CalendarConnection) *fakeConnStore {
	s := &fakeConnStore{conns: map[string]*model.CalendarConnection{}}
	for _, c := range conns {
		s.conns[c.ID] = c
	}
	return s
}

func (s *fakeConnStore) GetByID(_ context.Context, id string) (*model.CalendarConnection, error) {
	c, ok := s.conns[id]
	if !ok {
		return nil, errors.New("no rows")
	}
	cp := *c
	return &cp, nil
}

func (s *fakeConnStore) ByChannelID(_ context.Context, channelID string) (*model.CalendarConnection, error) {
	for _, c := range s.conns {
		if c.Webhook != nil && c.Webhook.ChannelID == channelID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeConnStore) UpdateTokens(_ context.Context, id, accessEnc, refreshEnc string, expiresAt time.Time) error {
	c := s.conns[id]
	c.EncryptedAccessToken = accessEnc
	if refreshEnc != "" {
		c.EncryptedRefreshToken = refreshEnc
	}
	c.ExpiresAt = expiresAt
	c.Status = model.ConnectionActive
	return nil
}

func (s *fakeConnStore) UpdateStatus(_ context.Context, id, status string) error {
	s.conns[id].Status = status
	return nil
}

func (s *fakeConnStore) UpdateCursor(_ context.Context, id, cursor string) error {
	s.conns[id].SyncCursor = cursor
	s.cursorSets = append(s.cursorSets, cursor)
	return nil
}

func (s *fakeConnStore) UpdateWebhook(_ context.Context, id string, ch *model.WebhookChannel) error {
	s.conns[id].Webhook = ch
	return nil
}

func (s *fakeConnStore) ListWebhooksExpiringBefore(_ context.Context, cutoff time.Time, _ int) ([]*model.CalendarConnection, error) {
	var out []*model.CalendarConnection
	for _, c := range s.conns {
		if c.Webhook != nil && c.Webhook.ExpiresAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeConnStore) ListTokensExpiringBefore(_ context.Context, cutoff time.Time, _ int) ([]*model.CalendarConnection, error) {
	var out []*model.CalendarConnection
	for _, c := range s.conns {
		if c.Status == model.ConnectionActive && c.ExpiresAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeMeetingStore struct {
	meetings     map[string]*model.Meeting
	byEvent      map[string]string // provider/eventID -> meeting id
	applied      map[string]string
	statusErr    error
	reschedules  int
	statusWrites int
}

func newFakeMeetingStore(meetings ...*model.Meeting) *fakeMeetingStore {
	s := &fakeMeetingStore{
		meetings: map[string]*model.Meeting{},
		byEvent:  map[string]string{},
		applied:  map[string]string{},
	}
	for _, m := range meetings {
		s.meetings[m.ID] = m
		for _, ref := range m.CalendarEventRefs {
			s.byEvent[ref.Provider+"/"+ref.EventID] = m.ID
		}
	}
	return s
}

func (s *fakeMeetingStore) ByEventID(_ context.Context, providerName, eventID string) (*model.Meeting, error) {
	id, ok := s.byEvent[providerName+"/"+eventID]
	if !ok {
		return nil, nil
	}
	cp := *s.meetings[id]
	return &cp, nil
}

func (s *fakeMeetingStore) UpdateStatus(_ context.Context, id, status string, expectedVersion int64) error {
	if s.statusErr != nil {
		return s.statusErr
	}
	m := s.meetings[id]
	if m.Version != expectedVersion {
		return errors.New("version conflict")
	}
	m.Status = status
	m.Version++
	s.statusWrites++
	return nil
}

func (s *fakeMeetingStore) Reschedule(_ context.Context, id string, scheduledAt time.Time, durationMinutes int, expectedVersion int64) error {
	m := s.meetings[id]
	if m.Version != expectedVersion {
		return errors.New("version conflict")
	}
	m.ScheduledAt = scheduledAt
	m.DurationMinutes = durationMinutes
	m.Version++
	s.reschedules++
	return nil
}

func (s *fakeMeetingStore) AppliedEventVersion(_ context.Context, providerName, eventID string) (string, error) {
	return s.applied[providerName+"/"+eventID], nil
}

func (s *fakeMeetingStore) SetAppliedEventVersion(_ context.Context, providerName, eventID, version string) error {
	s.applied[providerName+"/"+eventID] = version
	return nil
}

type fakeNotifier struct {
	cancelled   int
	rescheduled int
}

func (n *fakeNotifier) MeetingCancelled(context.Context, *model.Meeting, string)   { n.cancelled++ }
func (n *fakeNotifier) MeetingRescheduled(context.Context, *model.Meeting, string) { n.rescheduled++ }

type fakePropagator struct {
	cancels     []string
	reschedules []string
}

func (p *fakePropagator) PropagateCancellation(_ context.Context, meetingID, sourceUserID string) {
	p.cancels = append(p.cancels, meetingID+"/"+sourceUserID)
}

func (p *fakePropagator) PropagateReschedule(_ context.Context, meetingID, sourceUserID string) {
	p.reschedules = append(p.reschedules, meetingID+"/"+sourceUserID)
}

// fakeCalendar implements provider.Client for sync tests.
type fakeCalendar struct {
	batches      map[string]provider.ChangeBatch // keyed by cursor
	cursorErr    map[string]error
	refreshed    provider.Tokens
	refreshErr   error
	ops          []string
	nextChannel  int
	registerFail error
}

func (f *fakeCalendar) GetFreeBusy(context.Context, string, string, interval.Interval) ([]model.BusyInterval, error) {
	return nil, nil
}

func (f *fakeCalendar) CreateEvent(_ context.Context, _, _ string, ev provider.Event) (provider.Event, error) {
	return ev, nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, _, _, _ string, ev provider.Event) (provider.Event, error) {
	return ev, nil
}

func (f *fakeCalendar) DeleteEvent(context.Context, string, string, string) error { return nil }

func (f *fakeCalendar) RefreshToken(context.Context, string) (provider.Tokens, error) {
	f.ops = append(f.ops, "refresh")
	if f.refreshErr != nil {
		return provider.Tokens{}, f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeCalendar) RegisterWebhook(_ context.Context, _, _, _, verifyToken string) (model.WebhookChannel, error) {
	if f.registerFail != nil {
		return model.WebhookChannel{}, f.registerFail
	}
	f.nextChannel++
	ch := model.WebhookChannel{
		ChannelID:  fmt.Sprintf("ch-%d", f.nextChannel),
		ResourceID: "res-1",
		Token:      verifyToken,
		ExpiresAt:  time.Now().Add(7 * 24 * time.Hour),
	}
	f.ops = append(f.ops, "register:"+ch.ChannelID)
	return ch, nil
}

func (f *fakeCalendar) StopWebhook(_ context.Context, _ string, ch model.WebhookChannel) error {
	f.ops = append(f.ops, "stop:"+ch.ChannelID)
	return nil
}

func (f *fakeCalendar) ChangedEvents(_ context.Context, _, _, cursor string) (provider.ChangeBatch, error) {
	if err, ok := f.cursorErr[cursor]; ok {
		return provider.ChangeBatch{}, err
	}
	return f.batches[cursor], nil
}

func testConnection() *model.CalendarConnection {
	return &model.CalendarConnection{
		ID:                    "conn-1",
		UserID:                "user-1",
		Provider:              "google",
		CalendarID:            "primary",
		EncryptedAccessToken:  "enc:access-1",
		EncryptedRefreshToken: "enc:refresh-1",
		ExpiresAt:             time.Now().Add(time.Hour),
		Status:                model.ConnectionActive,
		SyncCursor:            "cur-1",
	}
}

func testMeeting(eventID string) *model.Meeting {
	return &model.Meeting{
		ID:              "mtg-1",
		MemberIDs:       []string{"user-1", "user-2"},
		ScheduledAt:     time.Date(2026, 9, 7, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
		Status:          model.MeetingScheduled,
		BookedBy:        "user-2",
		Version:         1,
		CalendarEventRefs: []model.CalendarEventRef{
			{UserID: "user-1", Provider: "google", CalendarID: "primary", EventID: eventID},
		},
	}
}

func newTestEngine(conns *fakeConnStore, meetings *fakeMeetingStore, cal *fakeCalendar) (*Engine, *fakeNotifier, *fakePropagator) {
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	registry := provider.NewRegistry()
	registry.Register("google", cal)
	tokens := NewTokenManager(conns, registry, fakeCipher{}, fakeLocker{}, logger)
	notifier := &fakeNotifier{}
	propagator := &fakePropagator{}
	engine := NewEngine(conns, meetings, registry, tokens, fakeLocker{}, notifier, propagator, logger)
	return engine, notifier, propagator
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSyncAppliesExternalDeletion(t *testing.T) {
	conn := testConnection()
	conns := newFakeConnStore(conn)
	meetings := newFakeMeetingStore(testMeeting("evt-1"))
	cal := &fakeCalendar{batches: map[string]provider.ChangeBatch{
		"cur-1": {
			Changes:    []provider.Change{{Event: provider.Event{ID: "evt-1"}, Deleted: true}},
			NextCursor: "cur-2",
		},
	}}
	engine, notifier, propagator := newTestEngine(conns, meetings, cal)

	if err := engine.SyncConnection(context.Background(), conn); err != nil {
		t.Fatalf("SyncConnection: %v", err)
	}
	if got := meetings.meetings["mtg-1"].Status; got != model.MeetingCancelled {
		t.Fatalf("meeting status = %q, want cancelled", got)
	}
	if notifier.cancelled != 1 {
		t.Fatalf("cancelled notifications = %d, want 1", notifier.cancelled)
	}
	if len(propagator.cancels) != 1 || propagator.cancels[0] != "mtg-1/user-1" {
		t.Fatalf("propagated cancels = %v", propagator.cancels)
	}
	if conns.conns["conn-1"].SyncCursor != "cur-2" {
		t.Fatalf("cursor = %q, want cur-2", conns.conns["conn-1"].SyncCursor)
	}
}

func TestSyncReplayIsIdempotent(t *testing.T) {
	conn := testConnection()
	conns := newFakeConnStore(conn)
	meetings := newFakeMeetingStore(testMeeting("evt-1"))
	batch := provider.ChangeBatch{
		Changes:    []provider.Change{{Event: provider.Event{ID: "evt-1"}, Deleted: true}},
		NextCursor: "cur-2",
	}
	// Same batch served for both cursors, simulating webhook redelivery.
	cal := &fakeCalendar{batches: map[string]provider.ChangeBatch{"cur-1": batch, "cur-2": batch}}
	engine, notifier, _ := newTestEngine(conns, meetings, cal)

	for i := 0; i < 3; i++ {
		if err := engine.SyncConnection(context.Background(), conn); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}
	if notifier.cancelled != 1 {
		t.Fatalf("cancelled notifications = %d, want 1 across replays", notifier.cancelled)
	}
	if meetings.statusWrites != 1 {
		t.Fatalf("status writes = %d, want 1", meetings.statusWrites)
	}
}

func TestSyncInvalidCursorFallsBackToFullSync(t *testing.T) {
	conn := testConnection()
	conns := newFakeConnStore(conn)
	meetings := newFakeMeetingStore(testMeeting("evt-1"))
	cal := &fakeCalendar{
		cursorErr: map[string]error{"cur-1": provider.ErrCursorInvalid},
		batches: map[string]provider.ChangeBatch{
			"": {
				Changes:    []provider.Change{{Event: provider.Event{ID: "evt-1"}, Deleted: true}},
				NextCursor: "cur-fresh",
				FullSync:   true,
			},
		},
	}
	engine, _, _ := newTestEngine(conns, meetings, cal)

	if err := engine.SyncConnection(context.Background(), conn); err != nil {
		t.Fatalf("SyncConnection: %v", err)
	}
	if meetings.meetings["mtg-1"].Status != model.MeetingCancelled {
		t.Fatalf("full sync did not apply deletion")
	}
	if conns.conns["conn-1"].SyncCursor != "cur-fresh" {
		t.Fatalf("cursor = %q, want cur-fresh", conns.conns["conn-1"].SyncCursor)
	}
}

func TestSyncIgnoresForeignEvents(t *testing.T) {
	conn := testConnection()
	conns := newFakeConnStore(conn)
	meetings := newFakeMeetingStore(testMeeting("evt-1"))
	cal := &fakeCalendar{batches: map[string]provider.ChangeBatch{
		"cur-1": {
			Changes:    []provider.Change{{Event: provider.Event{ID: "someone-elses-event"}, Deleted: true}},
			NextCursor: "cur-2",
		},
	}}
	engine, notifier, _ := newTestEngine(conns, meetings, cal)

	if err := engine.SyncConnection(context.Background(), conn); err != nil {
		t.Fatalf("SyncConnection: %v", err)
	}
	if meetings.meetings["mtg-1"].Status != model.MeetingScheduled {
		t.Fatalf("foreign event mutated a meeting")
	}
	if notifier.cancelled != 0 {
		t.Fatalf("foreign event triggered notifications")
	}
	if conns.conns["conn-1"].SyncCursor != "cur-2" {
		t.Fatalf("cursor should still advance past foreign events")
	}
}

func TestSyncAppliesExternalReschedule(t *testing.T) {
	conn := testConnection()
	conns := newFakeConnStore(conn)
	meetings := newFakeMeetingStore(testMeeting("evt-1"))
	newStart := time.Date(2026, 9, 7, 14, 0, 0, 0, time.UTC)
	cal := &fakeCalendar{batches: map[string]provider.ChangeBatch{
		"cur-1": {
			Changes: []provider.Change{{Event: provider.Event{
				ID:     "evt-1",
				Start:  newStart,
				End:    newStart.Add(30 * time.Minute),
				Status: "confirmed",
			}}},
			NextCursor: "cur-2",
		},
	}}
	engine, notifier, propagator := newTestEngine(conns, meetings, cal)

	if err := engine.SyncConnection(context.Background(), conn); err != nil {
		t.Fatalf("SyncConnection: %v", err)
	}
	m := meetings.meetings["mtg-1"]
	if !m.ScheduledAt.Equal(newStart) || m.DurationMinutes != 30 {
		t.Fatalf("meeting = %v/%dmin, want %v/30min", m.ScheduledAt, m.DurationMinutes, newStart)
	}
	if notifier.rescheduled != 1 {
		t.Fatalf("rescheduled notifications = %d, want 1", notifier.rescheduled)
	}
	if len(propagator.reschedules) != 1 {
		t.Fatalf("propagated reschedules = %v", propagator.reschedules)
	}
}

func TestSyncKeepsCursorOnApplyFailure(t *testing.T) {
	conn := testConnection()
	conns := newFakeConnStore(conn)
	meetings := newFakeMeetingStore(testMeeting("evt-1"))
	meetings.statusErr = errors.New("db down")
	cal := &fakeCalendar{batches: map[string]provider.ChangeBatch{
		"cur-1": {
			Changes:    []provider.Change{{Event: provider.Event{ID: "evt-1"}, Deleted: true}},
			NextCursor: "cur-2",
		},
	}}
	engine, _, _ := newTestEngine(conns, meetings, cal)

	if err := engine.SyncConnection(context.Background(), conn); err == nil {
		t.Fatalf("expected apply failure to surface")
	}
	if conns.conns["conn-1"].SyncCursor != "cur-1" {
		t.Fatalf("cursor advanced past an unapplied batch")
	}
}

func TestSyncByChannelVerifiesToken(t *testing.T) {
	conn := testConnection()
	conn.Webhook = &model.WebhookChannel{ChannelID: "ch-1", Token: "secret", ExpiresAt: time.Now().Add(24 * time.Hour)}
	conns := newFakeConnStore(conn)
	cal := &fakeCalendar{batches: map[string]provider.ChangeBatch{"cur-1": {NextCursor: "cur-2"}}}
	engine, _, _ := newTestEngine(conns, newFakeMeetingStore(), cal)

	if err := engine.SyncByChannel(context.Background(), "ch-1", "wrong"); !errors.Is(err, ErrBadChannelToken) {
		t.Fatalf("err = %v, want ErrBadChannelToken", err)
	}
	if err := engine.SyncByChannel(context.Background(), "ch-unknown", "secret"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("err = %v, want ErrUnknownChannel", err)
	}
	if err := engine.SyncByChannel(context.Background(), "ch-1", "secret"); err != nil {
		t.Fatalf("valid push: %v", err)
	}
}

func TestRenewWebhookRegistersBeforeStopping(t *testing.T) {
	conn := testConnection()
	conn.Webhook = &model.WebhookChannel{ChannelID: "ch-old", Token: "old", ExpiresAt: time.Now().Add(time.Hour)}
	conns := newFakeConnStore(conn)
	cal := &fakeCalendar{}
	engine, _, _ := newTestEngine(conns, newFakeMeetingStore(), cal)

	cfg := WebhookConfig{CallbackURL: "https://api.example.com/webhooks/google/calendar", RenewLead: 12 * time.Hour}
	engine.RenewExpiringWebhooks(context.Background(), cfg)

	if len(cal.ops) != 2 || cal.ops[0] != "register:ch-1" || cal.ops[1] != "stop:ch-old" {
		t.Fatalf("ops = %v, want register before stop", cal.ops)
	}
	got := conns.conns["conn-1"].Webhook
	if got == nil || got.ChannelID != "ch-1" {
		t.Fatalf("webhook not swapped to new channel: %+v", got)
	}
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	conn := testConnection()
	conn.ExpiresAt = time.Now().Add(30 * time.Second)
	conns := newFakeConnStore(conn)
	cal := &fakeCalendar{refreshed: provider.Tokens{
		AccessToken: "access-2",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	engine, _, _ := newTestEngine(conns, newFakeMeetingStore(), cal)

	token, err := engine.tokens.AccessToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "access-2" {
		t.Fatalf("token = %q, want refreshed access-2", token)
	}
	if conns.conns["conn-1"].EncryptedAccessToken != "enc:access-2" {
		t.Fatalf("refreshed token not persisted")
	}
	// Refresh token was not rotated; the stored one must survive.
	if conns.conns["conn-1"].EncryptedRefreshToken != "enc:refresh-1" {
		t.Fatalf("refresh token overwritten with empty rotation")
	}
}

func TestAccessTokenMarksConnectionOnRejectedRefresh(t *testing.T) {
	conn := testConnection()
	conn.ExpiresAt = time.Now().Add(-time.Minute)
	conns := newFakeConnStore(conn)
	cal := &fakeCalendar{refreshErr: provider.ErrTokenInvalid}
	engine, _, _ := newTestEngine(conns, newFakeMeetingStore(), cal)

	if _, err := engine.tokens.AccessToken(context.Background(), conn); !provider.IsTokenInvalid(err) {
		t.Fatalf("err = %v, want token invalid", err)
	}
	if conns.conns["conn-1"].Status != model.ConnectionError {
		t.Fatalf("connection status = %q, want error", conns.conns["conn-1"].Status)
	}

	// Subsequent calls fail fast without hitting the provider again.
	calls := len(cal.ops)
	if _, err := engine.tokens.AccessToken(context.Background(), conn); !provider.IsTokenInvalid(err) {
		t.Fatalf("second call err = %v, want token invalid", err)
	}
	if len(cal.ops) != calls {
		t.Fatalf("errored connection still hit the provider")
	}
}
