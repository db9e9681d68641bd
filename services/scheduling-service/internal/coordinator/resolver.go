package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/availability"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/interval"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/provider"
)

// Source identifies where a user's availability came from.
type Source string

const (
	SourceCalendar Source = "calendar"
	SourceManual   Source = "manual"
	SourceNone     Source = "none"
)

// ConnectionSource yields a user's active calendar connection, nil when the
// user has none.
type ConnectionSource interface {
	ActiveForUser(ctx context.Context, userID string) (*model.CalendarConnection, error)
}

// ProfileSource yields working hours and the manual weekly template.
type ProfileSource interface {
	WorkingHours(ctx context.Context, userID string) (model.WorkingHoursPolicy, error)
	Manual(ctx context.Context, userID string) (*model.ManualAvailability, error)
}

// TokenSource hands out live access tokens for a connection.
type TokenSource interface {
	AccessToken(ctx context.Context, conn *model.CalendarConnection) (string, error)
}

// Resolver computes one user's free slots, preferring live calendar data and
// degrading to the manual weekly template when the calendar is unreachable.
// A degraded source never fails the whole group search.
type Resolver struct {
	conns    ConnectionSource
	profiles ProfileSource
	tokens   TokenSource
	registry *provider.Registry
	logger   *slog.Logger
}

func NewResolver(conns ConnectionSource, profiles ProfileSource, tokens TokenSource, registry *provider.Registry, logger *slog.Logger) *Resolver {
	return &Resolver{
		conns:    conns,
		profiles: profiles,
		tokens:   tokens,
		registry: registry,
		logger:   logger,
	}
}

// FreeSlots returns the user's bookable slots of at least minDuration within
// rng, in UTC. A calendar read failure degrades to the manual template; when
// no template exists either, the calendar error is returned so the caller
// knows this user could not be checked.
func (r *Resolver) FreeSlots(ctx context.Context, userID string, rng interval.Interval, minDuration time.Duration) ([]model.FreeSlot, Source, error) {
	slots, src, calErr := r.fromCalendar(ctx, userID, rng, minDuration)
	if calErr == nil && src == SourceCalendar {
		return slots, src, nil
	}
	if calErr != nil {
		r.logger.Warn("calendar availability unavailable, falling back to manual template",
			"user_id", userID, "err", calErr)
	}
	slots, src, err := r.fromManual(ctx, userID, rng, minDuration)
	if err != nil {
		return nil, SourceNone, err
	}
	if src == SourceNone && calErr != nil {
		return nil, SourceNone, fmt.Errorf("calendar unreadable and no manual template: %w", calErr)
	}
	return slots, src, nil
}

// fromCalendar returns (nil, SourceNone, nil) when the user simply has no
// usable connection; errors mean the calendar exists but could not be read.
func (r *Resolver) fromCalendar(ctx context.Context, userID string, rng interval.Interval, minDuration time.Duration) ([]model.FreeSlot, Source, error) {
	conn, err := r.conns.ActiveForUser(ctx, userID)
	if err != nil {
		return nil, SourceNone, err
	}
	if conn == nil || conn.Status == model.ConnectionRevoked || conn.Status == model.ConnectionError {
		return nil, SourceNone, nil
	}

	token, err := r.tokens.AccessToken(ctx, conn)
	if err != nil {
		return nil, SourceNone, err
	}
	client, err := r.registry.For(conn.Provider)
	if err != nil {
		return nil, SourceNone, err
	}
	busy, err := client.GetFreeBusy(ctx, token, conn.CalendarID, rng)
	if err != nil {
		return nil, SourceNone, err
	}

	policy, err := r.profiles.WorkingHours(ctx, userID)
	if err != nil {
		return nil, SourceNone, err
	}
	slots, err := availability.ComputeFreeSlots(busy, policy, rng, minDuration, userID)
	if err != nil {
		return nil, SourceNone, err
	}
	return slots, SourceCalendar, nil
}

func (r *Resolver) fromManual(ctx context.Context, userID string, rng interval.Interval, minDuration time.Duration) ([]model.FreeSlot, Source, error) {
	man, err := r.profiles.Manual(ctx, userID)
	if err != nil {
		return nil, SourceNone, err
	}
	if man == nil {
		return nil, SourceNone, nil
	}
	slots, err := availability.ExpandManual(*man, rng, minDuration)
	if err != nil {
		return nil, SourceNone, err
	}
	for i := range slots {
		slots[i].OwnerUserID = userID
	}
	return slots, SourceManual, nil
}

// WindowFree reports whether window is entirely inside one of the user's
// free slots. Used for conflict re-validation right before booking.
func (r *Resolver) WindowFree(ctx context.Context, userID string, window interval.Interval) (bool, error) {
	slots, src, err := r.FreeSlots(ctx, userID, window, window.Duration())
	if err != nil {
		return false, err
	}
	if src == SourceNone {
		// No calendar and no template: nothing contradicts the booking.
		return true, nil
	}
	for _, s := range slots {
		if !s.Start.After(window.Start) && !s.End.Before(window.End) {
			return true, nil
		}
	}
	return false, nil
}
