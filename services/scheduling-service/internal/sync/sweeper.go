package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/peerplan/peerplan/libs/db"
)

// Sweeper runs the periodic maintenance loops: webhook channel renewal and
// proactive token refresh. Only the instance holding the advisory lock
// sweeps, so providers see a single renewal stream per deployment.
type Sweeper struct {
	pool        *db.Pool
	engine      *Engine
	tokens      *TokenManager
	logger      *slog.Logger
	webhookCfg  WebhookConfig
	tokenLead   time.Duration
	tokenBatch  int
	advisoryKey int64
}

type SweeperConfig struct {
	Webhook         WebhookConfig
	TokenLead       time.Duration
	TokenBatch      int
	AdvisoryLockKey int64
}

func NewSweeper(pool *db.Pool, engine *Engine, tokens *TokenManager, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	lead := cfg.TokenLead
	if lead <= 0 {
		lead = 10 * time.Minute
	}
	batch := cfg.TokenBatch
	if batch <= 0 {
		batch = 50
	}
	lockKey := cfg.AdvisoryLockKey
	if lockKey == 0 {
		lockKey = 7311002
	}
	return &Sweeper{
		pool:        pool,
		engine:      engine,
		tokens:      tokens,
		logger:      logger,
		webhookCfg:  cfg.Webhook.withDefaults(),
		tokenLead:   lead,
		tokenBatch:  batch,
		advisoryKey: lockKey,
	}
}

func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// Best-effort leader election for multi-instance deployments.
	for {
		if ctx.Err() != nil {
			return
		}
		var locked bool
		if err := s.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, s.advisoryKey).Scan(&locked); err != nil {
			s.logger.Error("sweeper: failed to acquire advisory lock", "err", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if !locked {
			s.logger.Info("sweeper: advisory lock held by another instance", "lock_key", s.advisoryKey)
			time.Sleep(30 * time.Second)
			continue
		}
		s.logger.Info("sweeper: advisory lock acquired", "lock_key", s.advisoryKey)
		defer func() {
			_, _ = s.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, s.advisoryKey)
		}()
		break
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on startup to self-heal faster after downtime.
	s.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one maintenance pass. Also invoked directly by the internal
// cron endpoints.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.RenewWebhooks(ctx)
	s.RefreshTokens(ctx)
}

func (s *Sweeper) RenewWebhooks(ctx context.Context) {
	s.engine.RenewExpiringWebhooks(ctx, s.webhookCfg)
}

func (s *Sweeper) RefreshTokens(ctx context.Context) {
	s.tokens.RefreshExpiring(ctx, s.tokenLead, s.tokenBatch)
}
