package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/peerplan/peerplan/libs/db"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
)

// ErrVersionConflict means a concurrent writer updated the meeting between
// our read and write; the caller re-reads and retries or gives up.
var ErrVersionConflict = errors.New("meeting version conflict")

func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// MeetingRepository persists meetings and their external event references.
// Mutations use optimistic versioning: the booking path and the sync engine
// both write meetings and must not clobber each other.
type MeetingRepository struct {
	pool *db.Pool
}

func NewMeetingRepository(pool *db.Pool) *MeetingRepository {
	return &MeetingRepository{pool: pool}
}

func (r *MeetingRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *MeetingRepository) Create(ctx context.Context, m *model.Meeting) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO meetings (member_ids, scheduled_at, duration_minutes, status, booked_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, m.MemberIDs, m.ScheduledAt, m.DurationMinutes, m.Status, m.BookedBy).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *MeetingRepository) Get(ctx context.Context, id string) (*model.Meeting, error) {
	var m model.Meeting
	err := r.pool.QueryRow(ctx, `
		SELECT id, member_ids, scheduled_at, duration_minutes, status,
			COALESCE(meeting_link, ''), COALESCE(booked_by, ''), version, created_at, updated_at
		FROM meetings
		WHERE id = $1
	`, id).Scan(&m.ID, &m.MemberIDs, &m.ScheduledAt, &m.DurationMinutes, &m.Status,
		&m.MeetingLink, &m.BookedBy, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	refs, err := r.eventRefs(ctx, id)
	if err != nil {
		return nil, err
	}
	m.CalendarEventRefs = refs
	return &m, nil
}

// ByEventID maps an externally observed event mutation back to its meeting.
// Returns nil when the event is foreign to this engine.
func (r *MeetingRepository) ByEventID(ctx context.Context, providerName, eventID string) (*model.Meeting, error) {
	var meetingID string
	err := r.pool.QueryRow(ctx, `
		SELECT meeting_id
		FROM meeting_event_refs
		WHERE provider = $1 AND event_id = $2
	`, providerName, eventID).Scan(&meetingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, meetingID)
}

// UpdateStatus transitions the meeting's status if its version is unchanged.
func (r *MeetingRepository) UpdateStatus(ctx context.Context, id, status string, expectedVersion int64) error {
	return r.versionedExec(ctx, `
		UPDATE meetings
		SET status = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $3
	`, id, status, expectedVersion)
}

// Reschedule moves the meeting if its version is unchanged. This is the one
// sanctioned way ScheduledAt changes after creation.
func (r *MeetingRepository) Reschedule(ctx context.Context, id string, scheduledAt time.Time, durationMinutes int, expectedVersion int64) error {
	return r.versionedExec(ctx, `
		UPDATE meetings
		SET scheduled_at = $2, duration_minutes = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $4
	`, id, scheduledAt, durationMinutes, expectedVersion)
}

func (r *MeetingRepository) SetMeetingLink(ctx context.Context, id, link string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE meetings
		SET meeting_link = $2, updated_at = now()
		WHERE id = $1 AND COALESCE(meeting_link, '') = ''
	`, id, link)
	return err
}

// UpsertEventRef records the external event created for one member. The
// (meeting, member) key makes provider-side fan-out idempotent.
func (r *MeetingRepository) UpsertEventRef(ctx context.Context, meetingID string, ref model.CalendarEventRef) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO meeting_event_refs (meeting_id, user_id, provider, calendar_id, event_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (meeting_id, user_id) DO UPDATE
		SET provider = EXCLUDED.provider,
			calendar_id = EXCLUDED.calendar_id,
			event_id = EXCLUDED.event_id
	`, meetingID, ref.UserID, ref.Provider, ref.CalendarID, ref.EventID)
	return err
}

func (r *MeetingRepository) DeleteEventRef(ctx context.Context, meetingID, userID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM meeting_event_refs
		WHERE meeting_id = $1 AND user_id = $2
	`, meetingID, userID)
	return err
}

// AppliedEventVersion reports the last applied change marker for an external
// event, used to drop webhook replays.
func (r *MeetingRepository) AppliedEventVersion(ctx context.Context, providerName, eventID string) (string, error) {
	var v string
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(applied_version, '')
		FROM meeting_event_refs
		WHERE provider = $1 AND event_id = $2
	`, providerName, eventID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (r *MeetingRepository) SetAppliedEventVersion(ctx context.Context, providerName, eventID, version string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE meeting_event_refs
		SET applied_version = $3
		WHERE provider = $1 AND event_id = $2
	`, providerName, eventID, version)
	return err
}

func (r *MeetingRepository) eventRefs(ctx context.Context, meetingID string) ([]model.CalendarEventRef, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, provider, calendar_id, event_id
		FROM meeting_event_refs
		WHERE meeting_id = $1
		ORDER BY user_id
	`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []model.CalendarEventRef
	for rows.Next() {
		var ref model.CalendarEventRef
		if err := rows.Scan(&ref.UserID, &ref.Provider, &ref.CalendarID, &ref.EventID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (r *MeetingRepository) versionedExec(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}
