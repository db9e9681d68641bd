package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/coordinator"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/interval"
)

type SchedulingHandler struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger
}

func NewSchedulingHandler(coord *coordinator.Coordinator, logger *slog.Logger) *SchedulingHandler {
	return &SchedulingHandler{coord: coord, logger: logger}
}

type searchRequest struct {
	UserIDs            []string `json:"user_ids"`
	GroupID            string   `json:"group_id"`
	RangeStart         string   `json:"range_start"`
	RangeEnd           string   `json:"range_end"`
	MinDurationMinutes int      `json:"min_duration_minutes"`
	MaxResults         int      `json:"max_results"`
	Timezone           string   `json:"timezone"`
}

type scheduleRequest struct {
	UserIDs         []string `json:"user_ids"`
	GroupID         string   `json:"group_id"`
	StartTime       string   `json:"start_time"`
	DurationMinutes int      `json:"duration_minutes"`
	Summary         string   `json:"summary"`
	Description     string   `json:"description"`
}

type scheduleResponse struct {
	MeetingID   string   `json:"meeting_id"`
	StartTime   string   `json:"start_time"`
	EndTime     string   `json:"end_time"`
	MeetingLink string   `json:"meeting_link,omitempty"`
	MemberIDs   []string `json:"member_ids"`
}

type cancelRequest struct {
	MeetingID string `json:"meeting_id"`
	Reason    string `json:"reason"`
}

type conflictResponse struct {
	Error       string   `json:"error"`
	BusyUserIDs []string `json:"busy_user_ids"`
}

// Search handles POST /api/v1/availability/search.
func (h *SchedulingHandler) Search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	rng, ok := parseRange(w, req.RangeStart, req.RangeEnd)
	if !ok {
		return
	}

	res, err := h.coord.FindGroupAvailability(r.Context(), coordinator.SearchRequest{
		UserIDs:            req.UserIDs,
		GroupID:            strings.TrimSpace(req.GroupID),
		Range:              rng,
		MinDurationMinutes: req.MinDurationMinutes,
		MaxResults:         req.MaxResults,
		RequesterTimezone:  strings.TrimSpace(req.Timezone),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Schedule handles POST /api/v1/meetings/schedule.
func (h *SchedulingHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	bookedBy := requesterID(r)
	if bookedBy == "" {
		http.Error(w, "X-User-Id header required", http.StatusBadRequest)
		return
	}

	meeting, err := h.coord.ScheduleMeeting(r.Context(), coordinator.ScheduleRequest{
		UserIDs:         req.UserIDs,
		GroupID:         strings.TrimSpace(req.GroupID),
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		BookedBy:        bookedBy,
		Summary:         strings.TrimSpace(req.Summary),
		Description:     strings.TrimSpace(req.Description),
	})
	if err != nil {
		var ce *coordinator.ConflictError
		if errors.As(err, &ce) {
			writeJSON(w, http.StatusConflict, conflictResponse{
				Error:       "slot no longer free",
				BusyUserIDs: ce.BusyUserIDs,
			})
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	mStart, mEnd := meeting.Window()
	writeJSON(w, http.StatusCreated, scheduleResponse{
		MeetingID:   meeting.ID,
		StartTime:   mStart.Format(time.RFC3339),
		EndTime:     mEnd.Format(time.RFC3339),
		MeetingLink: meeting.MeetingLink,
		MemberIDs:   meeting.MemberIDs,
	})
}

// Cancel handles POST /api/v1/meetings/cancel.
func (h *SchedulingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.MeetingID = strings.TrimSpace(req.MeetingID)
	if req.MeetingID == "" {
		http.Error(w, "meeting_id required", http.StatusBadRequest)
		return
	}
	requestedBy := requesterID(r)
	if requestedBy == "" {
		http.Error(w, "X-User-Id header required", http.StatusBadRequest)
		return
	}

	if err := h.coord.CancelMeeting(r.Context(), req.MeetingID, requestedBy, strings.TrimSpace(req.Reason)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"meeting_id": req.MeetingID,
		"status":     "cancelled",
	})
}

// Check handles GET /api/v1/availability/check: re-validates one window
// without booking.
func (h *SchedulingHandler) Check(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var userIDs []string
	for _, raw := range strings.Split(q.Get("user_ids"), ",") {
		if id := strings.TrimSpace(raw); id != "" {
			userIDs = append(userIDs, id)
		}
	}
	rng, ok := parseRange(w, q.Get("start"), q.Get("end"))
	if !ok {
		return
	}

	busy, err := h.coord.CheckSlotStillFree(r.Context(), userIDs, strings.TrimSpace(q.Get("group_id")), rng)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"free":          len(busy) == 0,
		"busy_user_ids": busy,
	})
}

func parseRange(w http.ResponseWriter, startRaw, endRaw string) (interval.Interval, bool) {
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(startRaw))
	if err != nil {
		http.Error(w, "invalid range start", http.StatusBadRequest)
		return interval.Interval{}, false
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(endRaw))
	if err != nil {
		http.Error(w, "invalid range end", http.StatusBadRequest)
		return interval.Interval{}, false
	}
	rng := interval.Interval{Start: start.UTC(), End: end.UTC()}
	if !rng.Valid() {
		http.Error(w, "range end must be after start", http.StatusBadRequest)
		return interval.Interval{}, false
	}
	return rng, true
}

func requesterID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
