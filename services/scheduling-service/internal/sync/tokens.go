package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/peerplan/peerplan/libs/cryptox"
	"github.com/peerplan/peerplan/libs/lock"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
	"github.com/peerplan/peerplan/services/scheduling-service/internal/provider"
)

// refreshSkew is how long before expiry a token counts as stale. Wide enough
// that a token handed to a fan-out call does not expire mid-flight.
const refreshSkew = 2 * time.Minute

// ConnectionStore is the slice of the connection repository the sync layer
// needs.
type ConnectionStore interface {
	GetByID(ctx context.Context, id string) (*model.CalendarConnection, error)
	// ByChannelID returns (nil, nil) for an unknown channel id. Stale
	// channels keep pushing for a while after a webhook swap.
	ByChannelID(ctx context.Context, channelID string) (*model.CalendarConnection, error)
	UpdateTokens(ctx context.Context, id, accessEnc, refreshEnc string, expiresAt time.Time) error
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateCursor(ctx context.Context, id, cursor string) error
	UpdateWebhook(ctx context.Context, id string, ch *model.WebhookChannel) error
	ListWebhooksExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.CalendarConnection, error)
	ListTokensExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.CalendarConnection, error)
}

// Releaser releases a held distributed lock.
type Releaser interface {
	Release(ctx context.Context) error
}

// Locker serializes token refreshes and sync runs across instances.
type Locker interface {
	Acquire(ctx context.Context, key string) (Releaser, error)
}

type redisLockerAdapter struct {
	inner *lock.RedisLocker
}

func (a redisLockerAdapter) Acquire(ctx context.Context, key string) (Releaser, error) {
	return a.inner.Acquire(ctx, key)
}

// WrapLocker adapts a RedisLocker to the Locker interface.
func WrapLocker(l *lock.RedisLocker) Locker {
	return redisLockerAdapter{inner: l}
}

// TokenManager hands out decrypted access tokens, refreshing them on demand.
// Refreshes run under a per-connection distributed lock so concurrent callers
// never burn the same refresh token twice.
type TokenManager struct {
	conns    ConnectionStore
	registry *provider.Registry
	cipher   cryptox.Cipher
	locker   Locker
	logger   *slog.Logger
}

func NewTokenManager(conns ConnectionStore, registry *provider.Registry, cipher cryptox.Cipher, locker Locker, logger *slog.Logger) *TokenManager {
	return &TokenManager{
		conns:    conns,
		registry: registry,
		cipher:   cipher,
		locker:   locker,
		logger:   logger,
	}
}

// AccessToken returns a usable access token for the connection, refreshing it
// when within refreshSkew of expiry. conn is updated in place on refresh. A
// permanently rejected refresh flips the connection to "error"; callers treat
// that user as calendar-less until they reconnect.
func (m *TokenManager) AccessToken(ctx context.Context, conn *model.CalendarConnection) (string, error) {
	if conn.Status == model.ConnectionRevoked || conn.Status == model.ConnectionError {
		return "", fmt.Errorf("connection %s is %s: %w", conn.ID, conn.Status, provider.ErrTokenInvalid)
	}
	if time.Until(conn.ExpiresAt) > refreshSkew {
		return m.cipher.Decrypt(conn.EncryptedAccessToken)
	}

	lease, err := m.locker.Acquire(ctx, "token:"+conn.ID)
	if err != nil {
		return "", fmt.Errorf("acquire token lock: %w", err)
	}
	defer lease.Release(ctx)

	// Another instance may have refreshed while we waited on the lock.
	fresh, err := m.conns.GetByID(ctx, conn.ID)
	if err != nil {
		return "", err
	}
	*conn = *fresh
	if time.Until(conn.ExpiresAt) > refreshSkew {
		return m.cipher.Decrypt(conn.EncryptedAccessToken)
	}

	client, err := m.registry.For(conn.Provider)
	if err != nil {
		return "", err
	}
	refreshPlain, err := m.cipher.Decrypt(conn.EncryptedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	tokens, err := client.RefreshToken(ctx, refreshPlain)
	if err != nil {
		if provider.IsTokenInvalid(err) {
			if uerr := m.conns.UpdateStatus(ctx, conn.ID, model.ConnectionError); uerr != nil {
				m.logger.Error("mark connection errored failed", "err", uerr, "connection_id", conn.ID)
			}
			conn.Status = model.ConnectionError
			m.logger.Warn("refresh token rejected, user must reconnect", "connection_id", conn.ID, "user_id", conn.UserID)
		}
		return "", fmt.Errorf("refresh token: %w", err)
	}

	accessEnc, err := m.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return "", err
	}
	refreshEnc := ""
	if tokens.RefreshToken != "" {
		if refreshEnc, err = m.cipher.Encrypt(tokens.RefreshToken); err != nil {
			return "", err
		}
	}
	if err := m.conns.UpdateTokens(ctx, conn.ID, accessEnc, refreshEnc, tokens.ExpiresAt); err != nil {
		return "", err
	}

	conn.EncryptedAccessToken = accessEnc
	if refreshEnc != "" {
		conn.EncryptedRefreshToken = refreshEnc
	}
	conn.ExpiresAt = tokens.ExpiresAt
	conn.Status = model.ConnectionActive

	m.logger.Info("access token refreshed", "connection_id", conn.ID, "expires_at", tokens.ExpiresAt)
	return tokens.AccessToken, nil
}

// RefreshExpiring proactively refreshes tokens expiring within lead. Run from
// the sweeper so webhook-driven syncs rarely pay refresh latency.
func (m *TokenManager) RefreshExpiring(ctx context.Context, lead time.Duration, limit int) {
	conns, err := m.conns.ListTokensExpiringBefore(ctx, time.Now().Add(lead), limit)
	if err != nil {
		m.logger.Error("list expiring tokens failed", "err", err)
		return
	}
	for _, conn := range conns {
		if _, err := m.AccessToken(ctx, conn); err != nil {
			m.logger.Warn("proactive token refresh failed", "err", err, "connection_id", conn.ID)
		}
	}
}
