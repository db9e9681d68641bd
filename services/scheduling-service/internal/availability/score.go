package availability

import (
	"sort"
	"time"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
)

// Scorer ranks common slots with a deterministic preference function.
// "Local" means the requesting user's timezone: preference is about what the
// requester sees, even though slots stay UTC-canonical.
type Scorer struct {
	loc *time.Location
}

// NewScorer builds a scorer for the requester's IANA timezone. An empty or
// unknown timezone falls back to UTC.
func NewScorer(requesterTimezone string) *Scorer {
	loc, err := time.LoadLocation(requesterTimezone)
	if err != nil || requesterTimezone == "" {
		loc = time.UTC
	}
	return &Scorer{loc: loc}
}

// Score is additive: midday midpoint +100, fringe business hours +50,
// early-week day +30, plus the slot length in minutes as a weak tiebreaker
// in favour of longer slots.
func (s *Scorer) Score(slot model.CommonSlot) int {
	score := 0

	mid := slot.Start.Add(slot.End.Sub(slot.Start) / 2).In(s.loc)
	minuteOfDay := mid.Hour()*60 + mid.Minute()
	switch {
	case minuteOfDay >= 10*60 && minuteOfDay < 14*60:
		score += 100
	case minuteOfDay >= 9*60 && minuteOfDay < 16*60:
		score += 50
	}

	switch slot.Start.In(s.loc).Weekday() {
	case time.Monday, time.Tuesday, time.Wednesday:
		score += 30
	}

	score += slot.DurationMinutes()
	return score
}

// Rank returns the slots ordered by descending score, ties broken by earlier
// start. The input is not mutated; every returned slot carries its score.
func (s *Scorer) Rank(slots []model.CommonSlot) []model.CommonSlot {
	out := make([]model.CommonSlot, len(slots))
	copy(out, slots)
	for i := range out {
		out[i].Score = s.Score(out[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}
