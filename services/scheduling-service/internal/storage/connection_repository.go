package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/peerplan/peerplan/libs/db"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
)

// ConnectionRepository persists calendar connections. Token columns hold
// opaque encrypted blobs; decryption happens at the point of use, never here.
type ConnectionRepository struct {
	pool *db.Pool
}

func NewConnectionRepository(pool *db.Pool) *ConnectionRepository {
	return &ConnectionRepository{pool: pool}
}

const connectionColumns = `
	id, user_id, provider, calendar_id,
	access_token_enc, refresh_token_enc, expires_at, status, sync_cursor,
	COALESCE(webhook_channel_id, ''), COALESCE(webhook_resource_id, ''),
	COALESCE(webhook_token, ''), webhook_expires_at,
	version, created_at, updated_at`

func scanConnection(row pgx.Row) (*model.CalendarConnection, error) {
	var c model.CalendarConnection
	var webhookExpires *time.Time
	var channelID, resourceID, token string
	err := row.Scan(
		&c.ID, &c.UserID, &c.Provider, &c.CalendarID,
		&c.EncryptedAccessToken, &c.EncryptedRefreshToken, &c.ExpiresAt, &c.Status, &c.SyncCursor,
		&channelID, &resourceID, &token, &webhookExpires,
		&c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if channelID != "" {
		ch := model.WebhookChannel{ChannelID: channelID, ResourceID: resourceID, Token: token}
		if webhookExpires != nil {
			ch.ExpiresAt = *webhookExpires
		}
		c.Webhook = &ch
	}
	return &c, nil
}

// Upsert creates or replaces the (user, provider) connection, as happens on
// OAuth (re-)connect. The fresh connection always starts active with no
// cursor and no webhook.
func (r *ConnectionRepository) Upsert(ctx context.Context, c *model.CalendarConnection) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO calendar_connections
			(user_id, provider, calendar_id, access_token_enc, refresh_token_enc, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, provider) DO UPDATE
		SET calendar_id = EXCLUDED.calendar_id,
			access_token_enc = EXCLUDED.access_token_enc,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			expires_at = EXCLUDED.expires_at,
			status = EXCLUDED.status,
			sync_cursor = '',
			webhook_channel_id = NULL,
			webhook_resource_id = NULL,
			webhook_token = NULL,
			webhook_expires_at = NULL,
			version = calendar_connections.version + 1,
			updated_at = now()
		RETURNING id
	`, c.UserID, c.Provider, c.CalendarID, c.EncryptedAccessToken, c.EncryptedRefreshToken,
		c.ExpiresAt, c.Status).Scan(&id)
	return id, err
}

func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*model.CalendarConnection, error) {
	return scanConnection(r.pool.QueryRow(ctx, `
		SELECT `+connectionColumns+`
		FROM calendar_connections
		WHERE id = $1
	`, id))
}

// ActiveForUser returns the user's active connection, or nil when the user
// has none (which sends availability to the manual fallback).
func (r *ConnectionRepository) ActiveForUser(ctx context.Context, userID string) (*model.CalendarConnection, error) {
	c, err := scanConnection(r.pool.QueryRow(ctx, `
		SELECT `+connectionColumns+`
		FROM calendar_connections
		WHERE user_id = $1 AND status = 'active'
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ByChannelID resolves an inbound webhook notification to its connection.
// Returns nil for an unknown channel; stale channel ids arrive routinely
// after a webhook swap and must not surface as errors.
func (r *ConnectionRepository) ByChannelID(ctx context.Context, channelID string) (*model.CalendarConnection, error) {
	c, err := scanConnection(r.pool.QueryRow(ctx, `
		SELECT `+connectionColumns+`
		FROM calendar_connections
		WHERE webhook_channel_id = $1
	`, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (r *ConnectionRepository) UpdateTokens(ctx context.Context, id, accessEnc, refreshEnc string, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE calendar_connections
		SET access_token_enc = $2,
			refresh_token_enc = CASE WHEN $3 <> '' THEN $3 ELSE refresh_token_enc END,
			expires_at = $4,
			status = 'active',
			version = version + 1,
			updated_at = now()
		WHERE id = $1
	`, id, accessEnc, refreshEnc, expiresAt)
	return err
}

func (r *ConnectionRepository) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE calendar_connections
		SET status = $2, version = version + 1, updated_at = now()
		WHERE id = $1
	`, id, status)
	return err
}

// UpdateCursor persists the sync cursor after a batch has been fully applied.
func (r *ConnectionRepository) UpdateCursor(ctx context.Context, id, cursor string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE calendar_connections
		SET sync_cursor = $2, version = version + 1, updated_at = now()
		WHERE id = $1
	`, id, cursor)
	return err
}

func (r *ConnectionRepository) UpdateWebhook(ctx context.Context, id string, ch *model.WebhookChannel) error {
	if ch == nil {
		_, err := r.pool.Exec(ctx, `
			UPDATE calendar_connections
			SET webhook_channel_id = NULL,
				webhook_resource_id = NULL,
				webhook_token = NULL,
				webhook_expires_at = NULL,
				version = version + 1,
				updated_at = now()
			WHERE id = $1
		`, id)
		return err
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE calendar_connections
		SET webhook_channel_id = $2,
			webhook_resource_id = $3,
			webhook_token = $4,
			webhook_expires_at = $5,
			version = version + 1,
			updated_at = now()
		WHERE id = $1
	`, id, ch.ChannelID, ch.ResourceID, ch.Token, ch.ExpiresAt)
	return err
}

// ListWebhooksExpiringBefore feeds the daily renewal sweep.
func (r *ConnectionRepository) ListWebhooksExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.CalendarConnection, error) {
	return r.list(ctx, `
		SELECT `+connectionColumns+`
		FROM calendar_connections
		WHERE status = 'active'
			AND webhook_channel_id IS NOT NULL
			AND webhook_expires_at < $1
		ORDER BY webhook_expires_at
		LIMIT $2
	`, cutoff, limit)
}

// ListTokensExpiringBefore feeds the proactive token-refresh sweep.
func (r *ConnectionRepository) ListTokensExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.CalendarConnection, error) {
	return r.list(ctx, `
		SELECT `+connectionColumns+`
		FROM calendar_connections
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, cutoff, limit)
}

func (r *ConnectionRepository) list(ctx context.Context, sql string, args ...any) ([]*model.CalendarConnection, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*model.CalendarConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return conns, nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
