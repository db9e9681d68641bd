package availability

import (
	"testing"
	"time"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/interval"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func weekdayPolicy(tz string) model.WorkingHoursPolicy {
	return model.WorkingHoursPolicy{
		StartHour: 9,
		EndHour:   17,
		WorkDays:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Timezone:  tz,
	}
}

func TestComputeFreeSlots_NoBusyFullWindow(t *testing.T) {
	// Monday 2026-03-02 in UTC.
	rng := interval.Interval{Start: utc(2026, 3, 2, 0, 0), End: utc(2026, 3, 3, 0, 0)}
	slots, err := ComputeFreeSlots(nil, weekdayPolicy("UTC"), rng, 30*time.Minute, "u1")
	if err != nil {
		t.Fatalf("ComputeFreeSlots: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d: %v", len(slots), slots)
	}
	s := slots[0]
	if !s.Start.Equal(utc(2026, 3, 2, 9, 0)) || !s.End.Equal(utc(2026, 3, 2, 17, 0)) {
		t.Fatalf("unexpected window: %v - %v", s.Start, s.End)
	}
	if s.DurationMinutes != 480 {
		t.Fatalf("expected 480 minutes, got %d", s.DurationMinutes)
	}
	if s.OwnerUserID != "u1" {
		t.Fatalf("owner not carried: %q", s.OwnerUserID)
	}
}

func TestComputeFreeSlots_SubtractsBusyAndFiltersShortGaps(t *testing.T) {
	rng := interval.Interval{Start: utc(2026, 3, 2, 0, 0), End: utc(2026, 3, 3, 0, 0)}
	busy := []model.BusyInterval{
		{Start: utc(2026, 3, 2, 9, 0), End: utc(2026, 3, 2, 11, 30), SourceCalendarID: "primary"},
		{Start: utc(2026, 3, 2, 12, 0), End: utc(2026, 3, 2, 16, 0), SourceCalendarID: "primary"},
	}
	// Gaps are 11:30-12:00 (30m) and 16:00-17:00 (60m); a 45m minimum keeps
	// only the second.
	slots, err := ComputeFreeSlots(busy, weekdayPolicy("UTC"), rng, 45*time.Minute, "u1")
	if err != nil {
		t.Fatalf("ComputeFreeSlots: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d: %v", len(slots), slots)
	}
	if !slots[0].Start.Equal(utc(2026, 3, 2, 16, 0)) || !slots[0].End.Equal(utc(2026, 3, 2, 17, 0)) {
		t.Fatalf("unexpected slot: %v - %v", slots[0].Start, slots[0].End)
	}
}

func TestComputeFreeSlots_BusyCoversWholeDay(t *testing.T) {
	rng := interval.Interval{Start: utc(2026, 3, 2, 0, 0), End: utc(2026, 3, 3, 0, 0)}
	busy := []model.BusyInterval{{Start: utc(2026, 3, 2, 8, 0), End: utc(2026, 3, 2, 18, 0)}}
	slots, err := ComputeFreeSlots(busy, weekdayPolicy("UTC"), rng, 15*time.Minute, "u1")
	if err != nil {
		t.Fatalf("ComputeFreeSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected no slots, got %v", slots)
	}
}

func TestComputeFreeSlots_SkipsNonWorkDays(t *testing.T) {
	// 2026-03-07 is a Saturday, 2026-03-08 a Sunday.
	rng := interval.Interval{Start: utc(2026, 3, 7, 0, 0), End: utc(2026, 3, 9, 0, 0)}
	slots, err := ComputeFreeSlots(nil, weekdayPolicy("UTC"), rng, 30*time.Minute, "u1")
	if err != nil {
		t.Fatalf("ComputeFreeSlots: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("weekend must contribute no slots, got %v", slots)
	}
}

func TestComputeFreeSlots_DSTTransition(t *testing.T) {
	// US DST starts 2026-03-08: 09:00 America/New_York is 14:00 UTC on
	// Saturday but 13:00 UTC on Sunday. Each day's window is built from its
	// own local wall clock.
	policy := model.WorkingHoursPolicy{
		StartHour: 9,
		EndHour:   17,
		WorkDays:  []time.Weekday{time.Saturday, time.Sunday},
		Timezone:  "America/New_York",
	}
	rng := interval.Interval{Start: utc(2026, 3, 7, 0, 0), End: utc(2026, 3, 9, 12, 0)}
	slots, err := ComputeFreeSlots(nil, policy, rng, 30*time.Minute, "u1")
	if err != nil {
		t.Fatalf("ComputeFreeSlots: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d: %v", len(slots), slots)
	}
	if !slots[0].Start.Equal(utc(2026, 3, 7, 14, 0)) {
		t.Fatalf("Saturday window should start 14:00 UTC, got %v", slots[0].Start)
	}
	if !slots[1].Start.Equal(utc(2026, 3, 8, 13, 0)) {
		t.Fatalf("Sunday window should start 13:00 UTC, got %v", slots[1].Start)
	}

	// Round trip: both days read 09:00-17:00 on the local wall clock.
	loc, _ := time.LoadLocation("America/New_York")
	for _, s := range slots {
		if got := s.Start.In(loc).Hour(); got != 9 {
			t.Fatalf("local start hour = %d, want 9", got)
		}
		if got := s.End.In(loc).Hour(); got != 17 {
			t.Fatalf("local end hour = %d, want 17", got)
		}
	}
}

func TestComputeFreeSlots_ClipsToRange(t *testing.T) {
	rng := interval.Interval{Start: utc(2026, 3, 2, 10, 0), End: utc(2026, 3, 2, 12, 0)}
	slots, err := ComputeFreeSlots(nil, weekdayPolicy("UTC"), rng, 30*time.Minute, "u1")
	if err != nil {
		t.Fatalf("ComputeFreeSlots: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %v", slots)
	}
	if !slots[0].Start.Equal(rng.Start) || !slots[0].End.Equal(rng.End) {
		t.Fatalf("slot not clipped to range: %v - %v", slots[0].Start, slots[0].End)
	}
}

func TestComputeFreeSlots_RejectsBadPolicy(t *testing.T) {
	rng := interval.Interval{Start: utc(2026, 3, 2, 0, 0), End: utc(2026, 3, 3, 0, 0)}
	bad := weekdayPolicy("UTC")
	bad.StartHour, bad.EndHour = 17, 9
	if _, err := ComputeFreeSlots(nil, bad, rng, time.Minute, "u1"); err == nil {
		t.Fatal("expected error for inverted working hours")
	}
	badTZ := weekdayPolicy("Not/AZone")
	if _, err := ComputeFreeSlots(nil, badTZ, rng, time.Minute, "u1"); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestExpandManual_SingleMondaySlot(t *testing.T) {
	// Manual template: Monday 09:00-10:00 local. That Monday must yield
	// exactly one 60-minute slot.
	man := model.ManualAvailability{
		UserID:      "u2",
		Timezone:    "Europe/Stockholm",
		WeeklySlots: []model.WeeklySlot{{Day: time.Monday, StartHour: 9, EndHour: 10}},
	}
	rng := interval.Interval{Start: utc(2026, 3, 2, 0, 0), End: utc(2026, 3, 3, 0, 0)}
	slots, err := ExpandManual(man, rng, 30*time.Minute)
	if err != nil {
		t.Fatalf("ExpandManual: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("expected exactly 1 slot, got %d: %v", len(slots), slots)
	}
	if slots[0].DurationMinutes != 60 {
		t.Fatalf("expected 60 minutes, got %d", slots[0].DurationMinutes)
	}
	// Stockholm is UTC+1 in March (before EU DST).
	if !slots[0].Start.Equal(utc(2026, 3, 2, 8, 0)) {
		t.Fatalf("expected 08:00 UTC start, got %v", slots[0].Start)
	}
	if slots[0].OwnerUserID != "u2" {
		t.Fatalf("owner not carried: %q", slots[0].OwnerUserID)
	}
}

func TestExpandManual_MergesAdjacentTemplateSlots(t *testing.T) {
	man := model.ManualAvailability{
		UserID:   "u2",
		Timezone: "UTC",
		WeeklySlots: []model.WeeklySlot{
			{Day: time.Monday, StartHour: 9, EndHour: 10},
			{Day: time.Monday, StartHour: 10, EndHour: 11},
		},
	}
	rng := interval.Interval{Start: utc(2026, 3, 2, 0, 0), End: utc(2026, 3, 3, 0, 0)}
	slots, err := ExpandManual(man, rng, 30*time.Minute)
	if err != nil {
		t.Fatalf("ExpandManual: %v", err)
	}
	if len(slots) != 1 {
		t.Fatalf("adjacent template slots should merge, got %v", slots)
	}
	if slots[0].DurationMinutes != 120 {
		t.Fatalf("expected 120 minutes, got %d", slots[0].DurationMinutes)
	}
}
