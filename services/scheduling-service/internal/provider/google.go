package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/interval"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
)

// Name under which the Google client registers.
const GoogleProvider = "google"

// GoogleConfig carries the OAuth application credentials.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	// FullSyncWindow bounds how far back a full (cursor-less) sync reaches.
	FullSyncWindow time.Duration
}

// GoogleClient implements Client against the Google Calendar v3 API.
type GoogleClient struct {
	oauth          oauth2.Config
	fullSyncWindow time.Duration
}

func NewGoogleClient(cfg GoogleConfig) *GoogleClient {
	window := cfg.FullSyncWindow
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &GoogleClient{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{calendar.CalendarScope},
		},
		fullSyncWindow: window,
	}
}

func (g *GoogleClient) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("calendar service init: %w: %v", ErrUnavailable, err)
	}
	return svc, nil
}

func (g *GoogleClient) GetFreeBusy(ctx context.Context, accessToken, calendarID string, window interval.Interval) ([]model.BusyInterval, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: window.Start.UTC().Format(time.RFC3339),
		TimeMax: window.End.UTC().Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, mapGoogleErr("freebusy query", err)
	}

	cal, ok := resp.Calendars[calendarID]
	if !ok {
		return nil, nil
	}
	var busy []model.BusyInterval
	for _, p := range cal.Busy {
		start, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, p.End)
		if err != nil {
			continue
		}
		busy = append(busy, model.BusyInterval{
			Start:            start.UTC(),
			End:              end.UTC(),
			SourceCalendarID: calendarID,
		})
	}
	return busy, nil
}

func (g *GoogleClient) CreateEvent(ctx context.Context, accessToken, calendarID string, ev Event) (Event, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return Event{}, err
	}

	gev := toGoogleEvent(ev)
	call := svc.Events.Insert(calendarID, gev).Context(ctx)
	if ev.MeetingLink == "" {
		// First creation for a meeting requests a Meet link; later creations
		// reuse the link verbatim so every member gets the same one.
		gev.ConferenceData = &calendar.ConferenceData{
			CreateRequest: &calendar.CreateConferenceRequest{RequestId: uuid.NewString()},
		}
		call = call.ConferenceDataVersion(1)
	} else {
		gev.Location = ev.MeetingLink
	}

	created, err := call.Do()
	if err != nil {
		return Event{}, mapGoogleErr("event insert", err)
	}
	out := fromGoogleEvent(created)
	if out.MeetingLink == "" {
		out.MeetingLink = ev.MeetingLink
	}
	return out, nil
}

func (g *GoogleClient) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev Event) (Event, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return Event{}, err
	}
	updated, err := svc.Events.Patch(calendarID, eventID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return Event{}, mapGoogleErr("event patch", err)
	}
	return fromGoogleEvent(updated), nil
}

func (g *GoogleClient) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
			// Already gone remotely; deletion is idempotent.
			return nil
		}
		return mapGoogleErr("event delete", err)
	}
	return nil
}

func (g *GoogleClient) RefreshToken(ctx context.Context, refreshToken string) (Tokens, error) {
	src := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil &&
			(rerr.Response.StatusCode == http.StatusBadRequest || rerr.Response.StatusCode == http.StatusUnauthorized) {
			return Tokens{}, fmt.Errorf("token refresh rejected: %w: %v", ErrTokenInvalid, err)
		}
		return Tokens{}, fmt.Errorf("token refresh: %w: %v", ErrUnavailable, err)
	}
	out := Tokens{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry.UTC(),
	}
	if tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

func (g *GoogleClient) RegisterWebhook(ctx context.Context, accessToken, calendarID, callbackURL, verifyToken string) (model.WebhookChannel, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return model.WebhookChannel{}, err
	}
	ch, err := svc.Events.Watch(calendarID, &calendar.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: callbackURL,
		Token:   verifyToken,
	}).Context(ctx).Do()
	if err != nil {
		return model.WebhookChannel{}, mapGoogleErr("channel watch", err)
	}
	return model.WebhookChannel{
		ChannelID:  ch.Id,
		ResourceID: ch.ResourceId,
		Token:      verifyToken,
		ExpiresAt:  time.UnixMilli(ch.Expiration).UTC(),
	}, nil
}

func (g *GoogleClient) StopWebhook(ctx context.Context, accessToken string, ch model.WebhookChannel) error {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return err
	}
	err = svc.Channels.Stop(&calendar.Channel{Id: ch.ChannelID, ResourceId: ch.ResourceID}).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			// Channel already stopped or expired server-side.
			return nil
		}
		return mapGoogleErr("channel stop", err)
	}
	return nil
}

func (g *GoogleClient) ChangedEvents(ctx context.Context, accessToken, calendarID, cursor string) (ChangeBatch, error) {
	svc, err := g.service(ctx, accessToken)
	if err != nil {
		return ChangeBatch{}, err
	}

	batch := ChangeBatch{FullSync: cursor == ""}
	pageToken := ""
	for {
		call := svc.Events.List(calendarID).
			ShowDeleted(true).
			SingleEvents(true).
			MaxResults(250).
			Context(ctx)
		if cursor != "" {
			call = call.SyncToken(cursor)
		} else {
			call = call.TimeMin(time.Now().Add(-g.fullSyncWindow).UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return ChangeBatch{}, mapGoogleErr("events list", err)
		}
		for _, item := range page.Items {
			ev := fromGoogleEvent(item)
			batch.Changes = append(batch.Changes, Change{
				Event:   ev,
				Deleted: item.Status == "cancelled",
			})
		}
		if page.NextPageToken != "" {
			pageToken = page.NextPageToken
			continue
		}
		batch.NextCursor = page.NextSyncToken
		return batch, nil
	}
}

func toGoogleEvent(ev Event) *calendar.Event {
	gev := &calendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
	}
	if !ev.Start.IsZero() {
		gev.Start = &calendar.EventDateTime{DateTime: ev.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	}
	if !ev.End.IsZero() {
		gev.End = &calendar.EventDateTime{DateTime: ev.End.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	}
	for _, email := range ev.Attendees {
		gev.Attendees = append(gev.Attendees, &calendar.EventAttendee{Email: email})
	}
	return gev
}

func fromGoogleEvent(gev *calendar.Event) Event {
	ev := Event{
		ID:          gev.Id,
		Summary:     gev.Summary,
		Description: gev.Description,
		MeetingLink: gev.HangoutLink,
		Status:      gev.Status,
	}
	if gev.Start != nil && gev.Start.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, gev.Start.DateTime); err == nil {
			ev.Start = t.UTC()
		}
	}
	if gev.End != nil && gev.End.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, gev.End.DateTime); err == nil {
			ev.End = t.UTC()
		}
	}
	for _, a := range gev.Attendees {
		if a != nil && a.Email != "" {
			ev.Attendees = append(ev.Attendees, a.Email)
		}
	}
	return ev
}

// mapGoogleErr folds googleapi errors into the provider taxonomy.
func mapGoogleErr(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, ErrTokenInvalid, err)
		case gerr.Code == http.StatusGone:
			// Google answers 410 for an expired sync token.
			return fmt.Errorf("%s: %w: %v", op, ErrCursorInvalid, err)
		case gerr.Code == http.StatusForbidden && hasReason(gerr, "rateLimitExceeded", "userRateLimitExceeded"):
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		case gerr.Code == http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", op, ErrTokenInvalid, err)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %v", op, err)
	}
	// Network-level failures are transient.
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}
