package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/peerplan/peerplan/libs/db"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
)

// ProfileRepository holds per-user scheduling settings: the working-hours
// policy and the manual weekly availability template.
type ProfileRepository struct {
	pool *db.Pool
}

func NewProfileRepository(pool *db.Pool) *ProfileRepository {
	return &ProfileRepository{pool: pool}
}

// DefaultWorkingHours applies when a user never saved a policy.
var DefaultWorkingHours = model.WorkingHoursPolicy{
	StartHour: 9,
	EndHour:   17,
	WorkDays:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	Timezone:  "UTC",
}

func (r *ProfileRepository) WorkingHours(ctx context.Context, userID string) (model.WorkingHoursPolicy, error) {
	var p model.WorkingHoursPolicy
	var workDays []int
	err := r.pool.QueryRow(ctx, `
		SELECT start_hour, end_hour, work_days, timezone
		FROM user_scheduling_profiles
		WHERE user_id = $1
	`, userID).Scan(&p.StartHour, &p.EndHour, &workDays, &p.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultWorkingHours, nil
	}
	if err != nil {
		return model.WorkingHoursPolicy{}, err
	}
	for _, d := range workDays {
		p.WorkDays = append(p.WorkDays, time.Weekday(d))
	}
	return p, nil
}

func (r *ProfileRepository) SaveWorkingHours(ctx context.Context, userID string, p model.WorkingHoursPolicy) error {
	days := make([]int, 0, len(p.WorkDays))
	for _, d := range p.WorkDays {
		days = append(days, int(d))
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_scheduling_profiles (user_id, start_hour, end_hour, work_days, timezone)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET start_hour = EXCLUDED.start_hour,
			end_hour = EXCLUDED.end_hour,
			work_days = EXCLUDED.work_days,
			timezone = EXCLUDED.timezone,
			updated_at = now()
	`, userID, p.StartHour, p.EndHour, days, p.Timezone)
	return err
}

// Manual returns the user's manual availability template, or nil when none
// exists (total fallback failure for users without a calendar).
func (r *ProfileRepository) Manual(ctx context.Context, userID string) (*model.ManualAvailability, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT day, start_hour, end_hour, timezone
		FROM manual_availability_slots
		WHERE user_id = $1
		ORDER BY day, start_hour
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	man := model.ManualAvailability{UserID: userID}
	for rows.Next() {
		var ws model.WeeklySlot
		var day int
		if err := rows.Scan(&day, &ws.StartHour, &ws.EndHour, &man.Timezone); err != nil {
			return nil, err
		}
		ws.Day = time.Weekday(day)
		man.WeeklySlots = append(man.WeeklySlots, ws)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	if len(man.WeeklySlots) == 0 {
		return nil, nil
	}
	return &man, nil
}

func (r *ProfileRepository) SaveManual(ctx context.Context, man model.ManualAvailability) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		DELETE FROM manual_availability_slots WHERE user_id = $1
	`, man.UserID); err != nil {
		return err
	}
	for _, ws := range man.WeeklySlots {
		if _, err := tx.Exec(ctx, `
			INSERT INTO manual_availability_slots (user_id, day, start_hour, end_hour, timezone)
			VALUES ($1, $2, $3, $4, $5)
		`, man.UserID, int(ws.Day), ws.StartHour, ws.EndHour, man.Timezone); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
