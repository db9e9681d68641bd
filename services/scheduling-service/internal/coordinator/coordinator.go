// Package coordinator is the booking layer: group availability search,
// two-phase conflict-validated scheduling, and propagation of changes back
// out to every member's calendar.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/availability"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/groups"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/interval"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/provider"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/storage"
)

// searchHorizon caps how far ahead a single search may look.
const searchHorizon = 90 * 24 * time.Hour

// ConflictError reports members whose calendars rejected the requested
// window during re-validation. The booking is refused as a whole.
type ConflictError struct {
	BusyUserIDs []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot no longer free for: %s", strings.Join(e.BusyUserIDs, ", "))
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// MeetingStore is the slice of the meeting repository the coordinator needs.
type MeetingStore interface {
	Create(ctx context.Context, m *model.Meeting) (string, error)
	Get(ctx context.Context, id string) (*model.Meeting, error)
	UpdateStatus(ctx context.Context, id, status string, expectedVersion int64) error
	SetMeetingLink(ctx context.Context, id, link string) error
	UpsertEventRef(ctx context.Context, meetingID string, ref model.CalendarEventRef) error
	DeleteEventRef(ctx context.Context, meetingID, userID string) error
}

// Notifier records meeting lifecycle events for downstream delivery.
type Notifier interface {
	MeetingScheduled(ctx context.Context, m *model.Meeting)
	MeetingCancelled(ctx context.Context, m *model.Meeting, reason string)
}

type Config struct {
	// FanOutLimit bounds concurrent per-user calendar calls.
	FanOutLimit int
	// PerUserTimeout bounds one user's availability resolution.
	PerUserTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FanOutLimit <= 0 {
		c.FanOutLimit = 8
	}
	if c.PerUserTimeout <= 0 {
		c.PerUserTimeout = 10 * time.Second
	}
	return c
}

type Coordinator struct {
	resolver *Resolver
	conns    ConnectionSource
	meetings MeetingStore
	registry *provider.Registry
	tokens   TokenSource
	groups   groups.Provider
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
}

func New(resolver *Resolver, conns ConnectionSource, meetings MeetingStore, registry *provider.Registry, tokens TokenSource, groupProvider groups.Provider, notifier Notifier, logger *slog.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		resolver: resolver,
		conns:    conns,
		meetings: meetings,
		registry: registry,
		tokens:   tokens,
		groups:   groupProvider,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// SearchRequest asks for common free slots across a set of users. Either
// UserIDs or GroupID must be set; both combined is allowed.
type SearchRequest struct {
	UserIDs            []string
	GroupID            string
	Range              interval.Interval
	MinDurationMinutes int
	MaxResults         int
	// RequesterTimezone shapes scoring and the local display times. An
	// unknown or empty zone falls back to UTC.
	RequesterTimezone string
}

// SlotView is one ranked common slot with requester-local display times.
type SlotView struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	LocalStart      string    `json:"local_start"`
	LocalEnd        string    `json:"local_end"`
	DurationMinutes int       `json:"duration_minutes"`
	Score           int       `json:"score"`
}

type SearchResult struct {
	Slots []SlotView                     `json:"slots"`
	Stats availability.IntersectionStats `json:"stats"`
}

// FindGroupAvailability resolves every member's free slots concurrently,
// intersects them, and returns the ranked common windows. A user whose
// availability cannot be resolved is listed in Stats.Errors and dropped from
// the intersection set, so the remaining members still get their common
// slots; the caller decides whether a result that could not account for
// everyone is bookable.
func (c *Coordinator) FindGroupAvailability(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	members, err := c.expandMembers(ctx, req.UserIDs, req.GroupID)
	if err != nil {
		return nil, err
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("availability search needs at least two users")
	}
	if !req.Range.Valid() {
		return nil, fmt.Errorf("invalid search range")
	}
	if req.Range.Duration() > searchHorizon {
		return nil, fmt.Errorf("search range exceeds %d day horizon", int(searchHorizon/(24*time.Hour)))
	}
	minDuration := time.Duration(req.MinDurationMinutes) * time.Minute
	if minDuration <= 0 {
		return nil, fmt.Errorf("minimum duration must be positive")
	}

	perUser := make(map[string][]model.FreeSlot, len(members))
	var stats availability.IntersectionStats
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.FanOutLimit)
	for _, userID := range members {
		userID := userID
		g.Go(func() error {
			uctx, cancel := context.WithTimeout(gctx, c.cfg.PerUserTimeout)
			defer cancel()

			slots, src, err := c.resolver.FreeSlots(uctx, userID, req.Range, minDuration)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Dropped from the intersection entirely; a nil entry would
				// zero out every other member's slots.
				c.logger.Warn("availability resolution failed", "user_id", userID, "err", err)
				stats.Errors = append(stats.Errors, userID)
				return nil
			}
			switch src {
			case SourceCalendar:
				stats.UsersWithCalendar++
			case SourceManual:
				stats.UsersWithManual++
			}
			perUser[userID] = slots
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(stats.Errors)

	common, total := availability.Intersect(perUser, minDuration, 0)
	stats.TotalFound = total

	ranked := availability.NewScorer(req.RequesterTimezone).Rank(common)
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}
	if len(ranked) > maxResults {
		ranked = ranked[:maxResults]
	}

	loc, err := time.LoadLocation(req.RequesterTimezone)
	if err != nil || req.RequesterTimezone == "" {
		loc = time.UTC
	}
	views := make([]SlotView, 0, len(ranked))
	for _, s := range ranked {
		views = append(views, SlotView{
			Start:           s.Start,
			End:             s.End,
			LocalStart:      s.Start.In(loc).Format(time.RFC3339),
			LocalEnd:        s.End.In(loc).Format(time.RFC3339),
			DurationMinutes: s.DurationMinutes(),
			Score:           s.Score,
		})
	}
	return &SearchResult{Slots: views, Stats: stats}, nil
}

// ScheduleRequest books one common slot for a set of users.
type ScheduleRequest struct {
	UserIDs         []string
	GroupID         string
	Start           time.Time
	DurationMinutes int
	BookedBy        string
	Summary         string
	Description     string
}

// ScheduleMeeting is the two-phase booking path: every member's window is
// re-validated against live data first, and only a fully clean check commits
// the meeting. A single busy member rejects the whole booking with a
// ConflictError. Calendar event fan-out after commit is best effort per
// member.
func (c *Coordinator) ScheduleMeeting(ctx context.Context, req ScheduleRequest) (*model.Meeting, error) {
	members, err := c.expandMembers(ctx, req.UserIDs, req.GroupID)
	if err != nil {
		return nil, err
	}
	if len(members) < 2 {
		return nil, fmt.Errorf("a meeting needs at least two members")
	}
	if req.DurationMinutes <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	if req.BookedBy == "" {
		return nil, fmt.Errorf("booked_by is required")
	}
	start := req.Start.UTC()
	window := interval.Interval{Start: start, End: start.Add(time.Duration(req.DurationMinutes) * time.Minute)}

	// Phase 1: re-validate every member against live data. The search result
	// the caller picked from may be stale.
	busy, err := c.revalidate(ctx, members, window)
	if err != nil {
		return nil, err
	}
	if len(busy) > 0 {
		return nil, &ConflictError{BusyUserIDs: busy}
	}

	// Phase 2: commit, then fan the event out.
	meeting := &model.Meeting{
		MemberIDs:       members,
		ScheduledAt:     start,
		DurationMinutes: req.DurationMinutes,
		Status:          model.MeetingScheduled,
		BookedBy:        req.BookedBy,
	}
	id, err := c.meetings.Create(ctx, meeting)
	if err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}
	meeting.ID = id
	meeting.Version = 1

	c.fanOutCreate(ctx, meeting, req.Summary, req.Description)

	c.notifier.MeetingScheduled(ctx, meeting)
	c.logger.Info("meeting scheduled",
		"meeting_id", meeting.ID, "members", len(members),
		"scheduled_at", start, "duration_minutes", req.DurationMinutes)
	return meeting, nil
}

func (c *Coordinator) revalidate(ctx context.Context, members []string, window interval.Interval) ([]string, error) {
	var busy []string
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.FanOutLimit)
	for _, userID := range members {
		userID := userID
		g.Go(func() error {
			uctx, cancel := context.WithTimeout(gctx, c.cfg.PerUserTimeout)
			defer cancel()

			free, err := c.resolver.WindowFree(uctx, userID, window)
			if err != nil {
				return fmt.Errorf("validate %s: %w", userID, err)
			}
			if !free {
				mu.Lock()
				busy = append(busy, userID)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(busy)
	return busy, nil
}

// fanOutCreate pushes the meeting into every member's calendar. Members are
// processed one at a time until a created event supplies a conference link;
// once the link is pinned the remaining members are created concurrently, all
// landing in the same room. A member whose calendar rejects the event still
// attends: the meeting exists without their event ref.
func (c *Coordinator) fanOutCreate(ctx context.Context, meeting *model.Meeting, summary, description string) {
	if summary == "" {
		summary = "Group session"
	}

	var mu sync.Mutex
	var remaining []string
	for i, userID := range meeting.MemberIDs {
		c.createAndRecord(ctx, meeting, userID, summary, description, &mu)
		if meeting.MeetingLink != "" {
			remaining = meeting.MemberIDs[i+1:]
			break
		}
	}
	if len(remaining) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.FanOutLimit)
	for _, userID := range remaining {
		userID := userID
		g.Go(func() error {
			c.createAndRecord(gctx, meeting, userID, summary, description, &mu)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) createAndRecord(ctx context.Context, meeting *model.Meeting, userID, summary, description string, mu *sync.Mutex) {
	start, end := meeting.Window()
	mu.Lock()
	link := meeting.MeetingLink
	mu.Unlock()

	ev, ref, err := c.createForMember(ctx, userID, provider.Event{
		Summary:     summary,
		Description: description,
		Start:       start,
		End:         end,
		Attendees:   meeting.MemberIDs,
		MeetingLink: link,
	})
	if err != nil {
		c.logger.Warn("calendar event creation failed", "err", err, "meeting_id", meeting.ID, "user_id", userID)
		return
	}
	if ref == nil {
		return // no calendar for this member
	}
	if err := c.meetings.UpsertEventRef(ctx, meeting.ID, *ref); err != nil {
		c.logger.Error("record event ref failed", "err", err, "meeting_id", meeting.ID, "user_id", userID)
		return
	}

	mu.Lock()
	meeting.CalendarEventRefs = append(meeting.CalendarEventRefs, *ref)
	setLink := meeting.MeetingLink == "" && ev.MeetingLink != ""
	if setLink {
		meeting.MeetingLink = ev.MeetingLink
	}
	mu.Unlock()

	if setLink {
		if err := c.meetings.SetMeetingLink(ctx, meeting.ID, ev.MeetingLink); err != nil {
			c.logger.Error("record meeting link failed", "err", err, "meeting_id", meeting.ID)
		}
	}
}

func (c *Coordinator) createForMember(ctx context.Context, userID string, ev provider.Event) (provider.Event, *model.CalendarEventRef, error) {
	conn, err := c.conns.ActiveForUser(ctx, userID)
	if err != nil {
		return provider.Event{}, nil, err
	}
	if conn == nil || conn.Status == model.ConnectionRevoked || conn.Status == model.ConnectionError {
		return provider.Event{}, nil, nil
	}
	token, err := c.tokens.AccessToken(ctx, conn)
	if err != nil {
		return provider.Event{}, nil, err
	}
	client, err := c.registry.For(conn.Provider)
	if err != nil {
		return provider.Event{}, nil, err
	}
	created, err := client.CreateEvent(ctx, token, conn.CalendarID, ev)
	if err != nil {
		return provider.Event{}, nil, err
	}
	return created, &model.CalendarEventRef{
		UserID:     userID,
		Provider:   conn.Provider,
		CalendarID: conn.CalendarID,
		EventID:    created.ID,
	}, nil
}

// CancelMeeting cancels a meeting and removes its events from every member's
// calendar. Cancelling an already-cancelled meeting is a no-op.
func (c *Coordinator) CancelMeeting(ctx context.Context, meetingID, requestedBy, reason string) error {
	meeting, err := c.meetings.Get(ctx, meetingID)
	if err != nil {
		return err
	}
	if meeting.Status == model.MeetingCancelled {
		return nil
	}
	if !memberOf(meeting, requestedBy) {
		return fmt.Errorf("user %s is not a member of meeting %s", requestedBy, meetingID)
	}

	if err := c.meetings.UpdateStatus(ctx, meetingID, model.MeetingCancelled, meeting.Version); err != nil {
		if storage.IsVersionConflict(err) {
			// Lost the race; if the winner also cancelled we are done.
			fresh, gerr := c.meetings.Get(ctx, meetingID)
			if gerr == nil && fresh.Status == model.MeetingCancelled {
				return nil
			}
		}
		return err
	}
	meeting.Status = model.MeetingCancelled
	meeting.Version++

	c.removeRemoteEvents(ctx, meeting, "")

	c.notifier.MeetingCancelled(ctx, meeting, reason)
	c.logger.Info("meeting cancelled", "meeting_id", meetingID, "requested_by", requestedBy)
	return nil
}

// CheckSlotStillFree re-validates a window without booking it.
func (c *Coordinator) CheckSlotStillFree(ctx context.Context, userIDs []string, groupID string, window interval.Interval) ([]string, error) {
	members, err := c.expandMembers(ctx, userIDs, groupID)
	if err != nil {
		return nil, err
	}
	if !window.Valid() {
		return nil, fmt.Errorf("invalid window")
	}
	return c.revalidate(ctx, members, window)
}

// PropagateCancellation removes the meeting's events from every calendar
// except the one the cancellation came from. Invoked by the sync engine when
// a member deletes the event externally.
func (c *Coordinator) PropagateCancellation(ctx context.Context, meetingID, sourceUserID string) {
	meeting, err := c.meetings.Get(ctx, meetingID)
	if err != nil {
		c.logger.Error("propagate cancellation: load meeting failed", "err", err, "meeting_id", meetingID)
		return
	}
	c.removeRemoteEvents(ctx, meeting, sourceUserID)
}

// PropagateReschedule updates the meeting's events in every calendar except
// the one the move came from.
func (c *Coordinator) PropagateReschedule(ctx context.Context, meetingID, sourceUserID string) {
	meeting, err := c.meetings.Get(ctx, meetingID)
	if err != nil {
		c.logger.Error("propagate reschedule: load meeting failed", "err", err, "meeting_id", meetingID)
		return
	}
	start, end := meeting.Window()
	for _, ref := range meeting.CalendarEventRefs {
		if ref.UserID == sourceUserID {
			continue
		}
		if err := c.updateRemoteEvent(ctx, ref, start, end); err != nil {
			c.logger.Warn("propagate reschedule failed", "err", err,
				"meeting_id", meetingID, "user_id", ref.UserID)
		}
	}
}

// removeRemoteEvents deletes the meeting's calendar events, skipping
// exceptUserID. Remote deletes are best effort and idempotent.
func (c *Coordinator) removeRemoteEvents(ctx context.Context, meeting *model.Meeting, exceptUserID string) {
	for _, ref := range meeting.CalendarEventRefs {
		if ref.UserID == exceptUserID {
			continue
		}
		if err := c.deleteRemoteEvent(ctx, ref); err != nil {
			c.logger.Warn("remote event delete failed", "err", err,
				"meeting_id", meeting.ID, "user_id", ref.UserID)
			continue
		}
		if err := c.meetings.DeleteEventRef(ctx, meeting.ID, ref.UserID); err != nil {
			c.logger.Warn("event ref delete failed", "err", err,
				"meeting_id", meeting.ID, "user_id", ref.UserID)
		}
	}
}

func (c *Coordinator) deleteRemoteEvent(ctx context.Context, ref model.CalendarEventRef) error {
	client, token, err := c.clientFor(ctx, ref.UserID, ref.Provider)
	if err != nil || client == nil {
		return err
	}
	return client.DeleteEvent(ctx, token, ref.CalendarID, ref.EventID)
}

func (c *Coordinator) updateRemoteEvent(ctx context.Context, ref model.CalendarEventRef, start, end time.Time) error {
	client, token, err := c.clientFor(ctx, ref.UserID, ref.Provider)
	if err != nil || client == nil {
		return err
	}
	_, err = client.UpdateEvent(ctx, token, ref.CalendarID, ref.EventID, provider.Event{Start: start, End: end})
	return err
}

func (c *Coordinator) clientFor(ctx context.Context, userID, providerName string) (provider.Client, string, error) {
	conn, err := c.conns.ActiveForUser(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if conn == nil || conn.Provider != providerName {
		return nil, "", nil
	}
	token, err := c.tokens.AccessToken(ctx, conn)
	if err != nil {
		return nil, "", err
	}
	client, err := c.registry.For(providerName)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

// expandMembers merges explicit user ids with group membership, deduplicated
// and sorted for deterministic results.
func (c *Coordinator) expandMembers(ctx context.Context, userIDs []string, groupID string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range userIDs {
		add(id)
	}
	if groupID != "" {
		members, err := c.groups.Members(ctx, groupID)
		if err != nil {
			return nil, fmt.Errorf("resolve group %s: %w", groupID, err)
		}
		for _, id := range members {
			add(id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func memberOf(m *model.Meeting, userID string) bool {
	for _, id := range m.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}
