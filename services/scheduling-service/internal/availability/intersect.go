package availability

import (
	"container/heap"
	"time"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
)

// IntersectionStats reports how a group availability result was assembled.
type IntersectionStats struct {
	UsersWithCalendar int
	UsersWithManual   int
	// TotalFound counts common slots before truncation to maxResults.
	TotalFound int
	// Errors lists users whose availability could not be resolved and who
	// were therefore excluded from the intersection.
	Errors []string
}

// Intersect sweeps N users' sorted, non-overlapping free-slot lists and
// emits every common window of at least minDuration. The result is
// independent of map iteration order: the sweep is driven purely by interval
// endpoints. If any user contributes zero slots the intersection is empty.
//
// Returns the common slots (truncated to maxResults when maxResults > 0) and
// the total number found before truncation.
func Intersect(perUser map[string][]model.FreeSlot, minDuration time.Duration, maxResults int) ([]model.CommonSlot, int) {
	if len(perUser) == 0 {
		return nil, 0
	}

	cursors := make([]*cursor, 0, len(perUser))
	var lower time.Time
	for _, slots := range perUser {
		if len(slots) == 0 {
			return nil, 0
		}
		c := &cursor{slots: slots}
		cursors = append(cursors, c)
		if c.current().Start.After(lower) {
			lower = c.current().Start
		}
	}

	h := &endHeap{cursors: cursors}
	heap.Init(h)

	var out []model.CommonSlot
	total := 0
	for {
		upper := h.min().current().End

		if upper.Sub(lower) >= minDuration {
			total++
			if maxResults <= 0 || len(out) < maxResults {
				out = append(out, model.CommonSlot{Start: lower, End: upper})
			}
		}

		// Advance every cursor whose current interval ends at upper; the
		// sweep is finished once any user list is exhausted.
		for h.min().current().End.Equal(upper) {
			c := h.min()
			if !c.advance() {
				return out, total
			}
			if c.current().Start.After(lower) {
				lower = c.current().Start
			}
			heap.Fix(h, 0)
		}
	}
}

type cursor struct {
	slots []model.FreeSlot
	idx   int
}

func (c *cursor) current() model.FreeSlot {
	return c.slots[c.idx]
}

func (c *cursor) advance() bool {
	c.idx++
	return c.idx < len(c.slots)
}

// endHeap is a min-heap over each cursor's current interval end.
type endHeap struct {
	cursors []*cursor
}

func (h *endHeap) min() *cursor { return h.cursors[0] }

func (h *endHeap) Len() int { return len(h.cursors) }
func (h *endHeap) Less(i, j int) bool {
	return h.cursors[i].current().End.Before(h.cursors[j].current().End)
}
func (h *endHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }

func (h *endHeap) Push(x any) { h.cursors = append(h.cursors, x.(*cursor)) }
func (h *endHeap) Pop() any {
	old := h.cursors
	n := len(old)
	c := old[n-1]
	h.cursors = old[:n-1]
	return c
}
