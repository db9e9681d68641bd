package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peerplan/peerplan/services/scheduling-service/internal/model"
)

// WebhookConfig controls push channel registration and renewal.
type WebhookConfig struct {
	// CallbackURL is the public HTTPS endpoint providers push to.
	CallbackURL string
	// RenewLead is how far before channel expiry renewal kicks in.
	RenewLead time.Duration
	// SweepBatch caps connections handled per renewal sweep.
	SweepBatch int
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.RenewLead <= 0 {
		c.RenewLead = 12 * time.Hour
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 50
	}
	return c
}

// EnsureWebhook registers a push channel for a connection that has none.
func (e *Engine) EnsureWebhook(ctx context.Context, conn *model.CalendarConnection, cfg WebhookConfig) error {
	cfg = cfg.withDefaults()
	if conn.Webhook != nil && time.Until(conn.Webhook.ExpiresAt) > cfg.RenewLead {
		return nil
	}
	return e.renewWebhook(ctx, conn, cfg)
}

// RenewExpiringWebhooks renews channels expiring within the lead window.
// Failures are logged and skipped; the next sweep retries them.
func (e *Engine) RenewExpiringWebhooks(ctx context.Context, cfg WebhookConfig) {
	cfg = cfg.withDefaults()
	conns, err := e.conns.ListWebhooksExpiringBefore(ctx, time.Now().Add(cfg.RenewLead), cfg.SweepBatch)
	if err != nil {
		e.logger.Error("list expiring webhooks failed", "err", err)
		return
	}
	for _, conn := range conns {
		if err := e.renewWebhook(ctx, conn, cfg); err != nil {
			e.logger.Warn("webhook renewal failed", "err", err, "connection_id", conn.ID)
		}
	}
}

// renewWebhook registers the replacement channel before stopping the old one,
// so there is never a gap where external edits go unnoticed. A brief overlap
// only costs a duplicate push, which dedup absorbs.
func (e *Engine) renewWebhook(ctx context.Context, conn *model.CalendarConnection, cfg WebhookConfig) error {
	if cfg.CallbackURL == "" {
		return fmt.Errorf("webhook callback URL not configured")
	}
	token, err := e.tokens.AccessToken(ctx, conn)
	if err != nil {
		return err
	}
	client, err := e.registry.For(conn.Provider)
	if err != nil {
		return err
	}

	old := conn.Webhook
	newCh, err := client.RegisterWebhook(ctx, token, conn.CalendarID, cfg.CallbackURL, uuid.NewString())
	if err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	if err := e.conns.UpdateWebhook(ctx, conn.ID, &newCh); err != nil {
		// Best effort cleanup of the channel we just created but failed to
		// record.
		if serr := client.StopWebhook(ctx, token, newCh); serr != nil {
			e.logger.Warn("stop orphaned webhook failed", "err", serr, "channel_id", newCh.ChannelID)
		}
		return err
	}
	conn.Webhook = &newCh

	if old != nil {
		if err := client.StopWebhook(ctx, token, *old); err != nil {
			e.logger.Warn("stop old webhook failed", "err", err, "channel_id", old.ChannelID)
		}
	}
	e.logger.Info("webhook channel renewed",
		"connection_id", conn.ID, "channel_id", newCh.ChannelID, "expires_at", newCh.ExpiresAt)
	return nil
}
