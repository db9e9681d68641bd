package availability

import (
	"testing"
	"time"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
)

func common(start, end time.Time) model.CommonSlot {
	return model.CommonSlot{Start: start, End: end}
}

func TestScore_MiddayPreferred(t *testing.T) {
	s := NewScorer("UTC")

	// Monday 2026-03-02. Midpoint 11:00 → +100, Monday → +30, 60 min.
	midday := common(utc(2026, 3, 2, 10, 30), utc(2026, 3, 2, 11, 30))
	if got := s.Score(midday); got != 190 {
		t.Fatalf("midday Monday score = %d, want 190", got)
	}

	// Midpoint 09:30 → fringe +50, Monday +30, 60 min.
	early := common(utc(2026, 3, 2, 9, 0), utc(2026, 3, 2, 10, 0))
	if got := s.Score(early); got != 140 {
		t.Fatalf("early Monday score = %d, want 140", got)
	}

	// Midpoint 17:00 → no time bonus. Thursday 2026-03-05 → no day bonus.
	late := common(utc(2026, 3, 5, 16, 30), utc(2026, 3, 5, 17, 30))
	if got := s.Score(late); got != 60 {
		t.Fatalf("late Thursday score = %d, want 60", got)
	}
}

func TestScore_UsesRequesterTimezone(t *testing.T) {
	// 10:00-11:00 UTC is 05:00-06:00 in New York: no time-of-day bonus there,
	// but a +100 midday bonus for a London requester.
	slot := common(utc(2026, 3, 2, 10, 0), utc(2026, 3, 2, 11, 0))

	ny := NewScorer("America/New_York").Score(slot)
	ldn := NewScorer("Europe/London").Score(slot)
	if ny != 90 { // Monday +30, 60 min
		t.Fatalf("New York score = %d, want 90", ny)
	}
	if ldn != 190 { // +100 midday, Monday +30, 60 min
		t.Fatalf("London score = %d, want 190", ldn)
	}
}

func TestScore_UnknownTimezoneFallsBackToUTC(t *testing.T) {
	slot := common(utc(2026, 3, 2, 10, 0), utc(2026, 3, 2, 11, 0))
	if got, want := NewScorer("Not/AZone").Score(slot), NewScorer("UTC").Score(slot); got != want {
		t.Fatalf("fallback score = %d, want %d", got, want)
	}
}

func TestRank_DescendingScoreThenEarlierStart(t *testing.T) {
	s := NewScorer("UTC")
	a := common(utc(2026, 3, 2, 16, 30), utc(2026, 3, 2, 17, 30)) // Monday evening, 90
	b := common(utc(2026, 3, 2, 10, 30), utc(2026, 3, 2, 11, 30)) // Monday midday, 190
	c := common(utc(2026, 3, 2, 12, 30), utc(2026, 3, 2, 13, 30)) // Monday midday, 190, later start

	ranked := s.Rank([]model.CommonSlot{a, c, b})
	if len(ranked) != 3 {
		t.Fatalf("expected 3 ranked slots, got %d", len(ranked))
	}
	if !ranked[0].Start.Equal(b.Start) {
		t.Fatalf("highest score first, got start %v", ranked[0].Start)
	}
	if !ranked[1].Start.Equal(c.Start) {
		t.Fatalf("tie broken by earlier start, got %v", ranked[1].Start)
	}
	if !ranked[2].Start.Equal(a.Start) {
		t.Fatalf("lowest score last, got %v", ranked[2].Start)
	}
	for _, r := range ranked {
		if r.Score == 0 {
			t.Fatal("ranked slots must carry their score")
		}
	}

	// Input order must not leak through.
	again := s.Rank([]model.CommonSlot{b, a, c})
	for i := range ranked {
		if !again[i].Start.Equal(ranked[i].Start) {
			t.Fatalf("rank depends on input order at %d", i)
		}
	}
}
