// Package provider abstracts external calendar providers. One implementation
// exists per provider; everything above this package selects by
// CalendarConnection.Provider through the Registry and never branches on
// provider names itself.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/interval"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
)

// Error taxonomy. Callers classify with the Is* helpers; concrete
// implementations wrap these sentinels around the upstream error.
var (
	// ErrTokenInvalid means the access or refresh token is unusable and the
	// user must reconnect. The owning connection transitions to "error".
	ErrTokenInvalid = errors.New("provider token invalid")

	// ErrCursorInvalid means the stored sync cursor is expired or unknown;
	// the caller falls back to a full sync.
	ErrCursorInvalid = errors.New("provider sync cursor invalid")

	// ErrUnavailable is a transient provider failure, retryable with backoff.
	ErrUnavailable = errors.New("provider unavailable")
)

func IsTokenInvalid(err error) bool  { return errors.Is(err, ErrTokenInvalid) }
func IsCursorInvalid(err error) bool { return errors.Is(err, ErrCursorInvalid) }
func IsUnavailable(err error) bool   { return errors.Is(err, ErrUnavailable) }

// Tokens is a freshly issued token pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	ExpiresAt    time.Time
}

// Event is the provider-neutral view of a calendar event.
type Event struct {
	ID          string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	Attendees   []string
	MeetingLink string
	Status      string // confirmed | cancelled
}

// Change is one mutation observed during incremental sync.
type Change struct {
	Event   Event
	Deleted bool
}

// ChangeBatch is the result of one sync pass. NextCursor must be persisted
// only after the batch has been fully applied.
type ChangeBatch struct {
	Changes    []Change
	NextCursor string
	FullSync   bool
}

// Client is the capability set every calendar provider must offer.
type Client interface {
	// GetFreeBusy returns the busy intervals within window, normalized to UTC.
	GetFreeBusy(ctx context.Context, accessToken, calendarID string, window interval.Interval) ([]model.BusyInterval, error)

	CreateEvent(ctx context.Context, accessToken, calendarID string, ev Event) (Event, error)
	UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, ev Event) (Event, error)
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error

	// RefreshToken exchanges a refresh token for a new access token.
	RefreshToken(ctx context.Context, refreshToken string) (Tokens, error)

	// RegisterWebhook subscribes callbackURL to change notifications for the
	// calendar. verifyToken is echoed back on every push.
	RegisterWebhook(ctx context.Context, accessToken, calendarID, callbackURL, verifyToken string) (model.WebhookChannel, error)
	StopWebhook(ctx context.Context, accessToken string, ch model.WebhookChannel) error

	// ChangedEvents fetches events changed since cursor. An empty cursor
	// requests a full sync.
	ChangedEvents(ctx context.Context, accessToken, calendarID, cursor string) (ChangeBatch, error)
}

// Registry maps provider names to client implementations.
type Registry struct {
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: map[string]Client{}}
}

func (r *Registry) Register(name string, c Client) {
	r.clients[name] = c
}

func (r *Registry) For(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("unknown calendar provider %q", name)
	}
	return c, nil
}
