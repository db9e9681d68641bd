package interval

import (
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func TestOverlapsHalfOpen(t *testing.T) {
	a := Interval{Start: at(9, 0), End: at(10, 0)}
	b := Interval{Start: at(10, 0), End: at(11, 0)}
	if a.Overlaps(b) {
		t.Fatal("touching half-open intervals must not overlap")
	}
	c := Interval{Start: at(9, 30), End: at(10, 30)}
	if !a.Overlaps(c) {
		t.Fatal("expected overlap")
	}
}

func TestIntersect(t *testing.T) {
	a := Interval{Start: at(9, 0), End: at(11, 0)}
	b := Interval{Start: at(10, 0), End: at(12, 0)}
	got := a.Intersect(b)
	if !got.Start.Equal(at(10, 0)) || !got.End.Equal(at(11, 0)) {
		t.Fatalf("unexpected intersection: %v", got)
	}

	if got := a.Intersect(Interval{Start: at(11, 0), End: at(12, 0)}); !got.IsZero() {
		t.Fatalf("disjoint intervals must intersect to zero, got %v", got)
	}
}

func TestNormalizeMergesAndSorts(t *testing.T) {
	got := Normalize([]Interval{
		{Start: at(13, 0), End: at(14, 0)},
		{Start: at(9, 0), End: at(10, 30)},
		{Start: at(10, 0), End: at(11, 0)},
		{Start: at(11, 0), End: at(11, 30)}, // touching, merges too
		{Start: at(15, 0), End: at(15, 0)},  // empty, dropped
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 merged intervals, got %d: %v", len(got), got)
	}
	if !got[0].Start.Equal(at(9, 0)) || !got[0].End.Equal(at(11, 30)) {
		t.Fatalf("unexpected first merged interval: %v", got[0])
	}
	if !got[1].Start.Equal(at(13, 0)) || !got[1].End.Equal(at(14, 0)) {
		t.Fatalf("unexpected second merged interval: %v", got[1])
	}
}

func TestSubtract(t *testing.T) {
	window := Interval{Start: at(9, 0), End: at(17, 0)}

	gaps := Subtract(window, []Interval{
		{Start: at(8, 0), End: at(9, 30)},  // clipped at window start
		{Start: at(12, 0), End: at(13, 0)},
		{Start: at(16, 30), End: at(18, 0)}, // clipped at window end
	})
	want := []Interval{
		{Start: at(9, 30), End: at(12, 0)},
		{Start: at(13, 0), End: at(16, 30)},
	}
	if len(gaps) != len(want) {
		t.Fatalf("expected %d gaps, got %d: %v", len(want), len(gaps), gaps)
	}
	for i := range want {
		if !gaps[i].Start.Equal(want[i].Start) || !gaps[i].End.Equal(want[i].End) {
			t.Fatalf("gap %d: got %v want %v", i, gaps[i], want[i])
		}
	}
}

func TestSubtractNoBusy(t *testing.T) {
	window := Interval{Start: at(9, 0), End: at(17, 0)}
	gaps := Subtract(window, nil)
	if len(gaps) != 1 || !gaps[0].Start.Equal(window.Start) || !gaps[0].End.Equal(window.End) {
		t.Fatalf("expected the full window back, got %v", gaps)
	}
}

func TestSubtractFullyCovered(t *testing.T) {
	window := Interval{Start: at(9, 0), End: at(17, 0)}
	gaps := Subtract(window, []Interval{{Start: at(8, 0), End: at(18, 0)}})
	if len(gaps) != 0 {
		t.Fatalf("expected no gaps, got %v", gaps)
	}
}
