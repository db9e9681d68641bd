// Package model holds the persistent entities of the scheduling engine.
package model

import "time"

// Connection status values. An "error" connection forces availability to
// fall back to the user's manual weekly template.
const (
	ConnectionActive  = "active"
	ConnectionExpired = "expired"
	ConnectionRevoked = "revoked"
	ConnectionError   = "error"
)

// Meeting status values.
const (
	MeetingScheduled = "scheduled"
	MeetingCancelled = "cancelled"
	MeetingCompleted = "completed"
)

// BusyInterval is one blocked range reported by a calendar source.
// Start and End are UTC instants with Start < End.
type BusyInterval struct {
	Start            time.Time
	End              time.Time
	SourceCalendarID string
}

// WorkingHoursPolicy is a user's bookable window in their local timezone.
type WorkingHoursPolicy struct {
	StartHour int            // 0-23, local
	EndHour   int            // 0-23, local, > StartHour
	WorkDays  []time.Weekday // days contributing slots
	Timezone  string         // IANA name, DST-aware
}

func (p WorkingHoursPolicy) WorksOn(day time.Weekday) bool {
	for _, d := range p.WorkDays {
		if d == day {
			return true
		}
	}
	return false
}

// FreeSlot is a candidate bookable interval for one user (UTC).
type FreeSlot struct {
	Start           time.Time
	End             time.Time
	DurationMinutes int
	OwnerUserID     string
}

// CommonSlot is the intersection of FreeSlots across a user set (UTC).
type CommonSlot struct {
	Start time.Time
	End   time.Time
	Score int
}

func (s CommonSlot) DurationMinutes() int {
	return int(s.End.Sub(s.Start) / time.Minute)
}

// CalendarConnection links one user to one external provider. Token
// material is stored encrypted; decryption happens only at the point of use.
type CalendarConnection struct {
	ID                    string
	UserID                string
	Provider              string
	CalendarID            string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	ExpiresAt             time.Time
	Status                string
	SyncCursor            string
	Webhook               *WebhookChannel
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WebhookChannel is a provider-side push subscription. It must be renewed
// before ExpiresAt; stale channels are stopped, never left dangling.
type WebhookChannel struct {
	ChannelID  string
	ResourceID string
	Token      string
	ExpiresAt  time.Time
}

// WeeklySlot is one (day, hour range) entry of a manual availability template.
type WeeklySlot struct {
	Day       time.Weekday
	StartHour int
	EndHour   int
}

// ManualAvailability is the fallback weekly template used when a user has
// no active calendar connection.
type ManualAvailability struct {
	UserID      string
	WeeklySlots []WeeklySlot
	Timezone    string
}

// CalendarEventRef records the external event created for one member of a
// meeting.
type CalendarEventRef struct {
	UserID     string
	Provider   string
	CalendarID string
	EventID    string
}

// Meeting is a booked session for a group. ScheduledAt and DurationMinutes
// are immutable after creation except through the reschedule path, which
// re-runs conflict validation.
type Meeting struct {
	ID                string
	MemberIDs         []string
	ScheduledAt       time.Time
	DurationMinutes   int
	Status            string
	MeetingLink       string
	CalendarEventRefs []CalendarEventRef
	BookedBy          string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (m Meeting) Window() (time.Time, time.Time) {
	return m.ScheduledAt, m.ScheduledAt.Add(time.Duration(m.DurationMinutes) * time.Minute)
}

// EventRefFor returns the external event reference for a member, if any.
func (m Meeting) EventRefFor(userID string) (CalendarEventRef, bool) {
	for _, ref := range m.CalendarEventRefs {
		if ref.UserID == userID {
			return ref, true
		}
	}
	return CalendarEventRef{}, false
}
