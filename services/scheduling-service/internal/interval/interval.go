// Package interval implements half-open UTC time intervals and the set
// operations the availability engine is built on.
package interval

import (
	"sort"
	"time"
)

// Interval is a half-open time range [Start, End). All instants are UTC.
type Interval struct {
	Start time.Time
	End   time.Time
}

func (iv Interval) IsZero() bool {
	return iv.Start.IsZero() && iv.End.IsZero()
}

// Valid reports Start < End.
func (iv Interval) Valid() bool {
	return iv.Start.Before(iv.End)
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Overlaps reports whether [a.Start,a.End) and [b.Start,b.End) share any time.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Contains reports whether other lies entirely within iv.
func (iv Interval) Contains(other Interval) bool {
	return !other.Start.Before(iv.Start) && !other.End.After(iv.End)
}

// Intersect returns the overlap of two intervals, or a zero Interval when
// they are disjoint.
func (iv Interval) Intersect(other Interval) Interval {
	start := iv.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := iv.End
	if other.End.Before(end) {
		end = other.End
	}
	if !start.Before(end) {
		return Interval{}
	}
	return Interval{Start: start, End: end}
}

// Normalize sorts intervals by start and merges overlapping or touching
// neighbours. Invalid (empty) intervals are dropped. The input is not mutated.
func Normalize(ivs []Interval) []Interval {
	var valid []Interval
	for _, iv := range ivs {
		if iv.Valid() {
			valid = append(valid, iv)
		}
	}
	if len(valid) == 0 {
		return nil
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Start.Before(valid[j].Start) })

	merged := []Interval{valid[0]}
	for _, iv := range valid[1:] {
		last := &merged[len(merged)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// Subtract removes every busy interval from window, returning the remaining
// gaps in ascending order. Busy intervals need not be sorted or disjoint.
func Subtract(window Interval, busy []Interval) []Interval {
	if !window.Valid() {
		return nil
	}
	cursor := window.Start
	var gaps []Interval
	for _, b := range Normalize(busy) {
		if !b.End.After(window.Start) {
			continue
		}
		if !b.Start.Before(window.End) {
			break
		}
		if b.Start.After(cursor) {
			gaps = append(gaps, Interval{Start: cursor, End: b.Start})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if cursor.Before(window.End) {
		gaps = append(gaps, Interval{Start: cursor, End: window.End})
	}
	return gaps
}
