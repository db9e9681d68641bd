// Package availability converts busy intervals and working-hours policies
// into free slots, intersects them across users, and ranks the result.
package availability

import (
	"fmt"
	"time"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/interval"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
)

// ComputeFreeSlots returns the free slots for one user within
// [rng.Start, rng.End), given their busy intervals and working-hours policy.
//
// The working window of each day is built in the user's local timezone and
// converted to UTC independently per day, so a DST transition simply yields a
// 23h or 25h UTC day instead of corrupting the window.
func ComputeFreeSlots(busy []model.BusyInterval, policy model.WorkingHoursPolicy, rng interval.Interval, minDuration time.Duration, ownerUserID string) ([]model.FreeSlot, error) {
	if !rng.Valid() {
		return nil, fmt.Errorf("invalid range: start %v not before end %v", rng.Start, rng.End)
	}
	if policy.StartHour >= policy.EndHour {
		return nil, fmt.Errorf("invalid working hours: start %d not before end %d", policy.StartHour, policy.EndHour)
	}
	loc, err := time.LoadLocation(policy.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", policy.Timezone, err)
	}

	busyIvs := make([]interval.Interval, 0, len(busy))
	for _, b := range busy {
		busyIvs = append(busyIvs, interval.Interval{Start: b.Start.UTC(), End: b.End.UTC()})
	}
	busyIvs = interval.Normalize(busyIvs)

	var slots []model.FreeSlot
	// Start one local day early: a local working window can begin before the
	// UTC range start's local date for negative-offset timezones.
	first := rng.Start.In(loc).AddDate(0, 0, -1)
	last := rng.End.In(loc)
	for day := midnight(first, loc); !day.After(last); day = day.AddDate(0, 0, 1) {
		if !policy.WorksOn(day.Weekday()) {
			continue
		}
		window := localWindow(day, policy.StartHour, policy.EndHour, loc).Intersect(rng)
		if !window.Valid() {
			continue
		}
		for _, gap := range interval.Subtract(window, busyIvs) {
			if gap.Duration() < minDuration {
				continue
			}
			slots = append(slots, model.FreeSlot{
				Start:           gap.Start,
				End:             gap.End,
				DurationMinutes: int(gap.Duration() / time.Minute),
				OwnerUserID:     ownerUserID,
			})
		}
	}
	return slots, nil
}

// ExpandManual expands a weekly manual-availability template into free slots
// for each date in range. This is the fallback source for users without an
// active calendar connection.
func ExpandManual(man model.ManualAvailability, rng interval.Interval, minDuration time.Duration) ([]model.FreeSlot, error) {
	if !rng.Valid() {
		return nil, fmt.Errorf("invalid range: start %v not before end %v", rng.Start, rng.End)
	}
	loc, err := time.LoadLocation(man.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", man.Timezone, err)
	}

	var slots []model.FreeSlot
	first := rng.Start.In(loc).AddDate(0, 0, -1)
	last := rng.End.In(loc)
	for day := midnight(first, loc); !day.After(last); day = day.AddDate(0, 0, 1) {
		for _, ws := range man.WeeklySlots {
			if ws.Day != day.Weekday() || ws.StartHour >= ws.EndHour {
				continue
			}
			window := localWindow(day, ws.StartHour, ws.EndHour, loc).Intersect(rng)
			if !window.Valid() || window.Duration() < minDuration {
				continue
			}
			slots = append(slots, model.FreeSlot{
				Start:           window.Start,
				End:             window.End,
				DurationMinutes: int(window.Duration() / time.Minute),
				OwnerUserID:     man.UserID,
			})
		}
	}
	return mergeSlots(slots), nil
}

// localWindow builds [startHour, endHour) on day's date in loc and converts
// to UTC. Start and end are resolved independently, which is what keeps the
// window correct across a DST jump.
func localWindow(day time.Time, startHour, endHour int, loc *time.Location) interval.Interval {
	start := time.Date(day.Year(), day.Month(), day.Day(), startHour, 0, 0, 0, loc)
	end := time.Date(day.Year(), day.Month(), day.Day(), endHour, 0, 0, 0, loc)
	return interval.Interval{Start: start.UTC(), End: end.UTC()}
}

func midnight(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

func mergeSlots(slots []model.FreeSlot) []model.FreeSlot {
	if len(slots) < 2 {
		return slots
	}
	owner := slots[0].OwnerUserID
	ivs := make([]interval.Interval, 0, len(slots))
	for _, s := range slots {
		ivs = append(ivs, interval.Interval{Start: s.Start, End: s.End})
	}
	merged := interval.Normalize(ivs)
	out := make([]model.FreeSlot, 0, len(merged))
	for _, iv := range merged {
		out = append(out, model.FreeSlot{
			Start:           iv.Start,
			End:             iv.End,
			DurationMinutes: int(iv.Duration() / time.Minute),
			OwnerUserID:     owner,
		})
	}
	return out
}
