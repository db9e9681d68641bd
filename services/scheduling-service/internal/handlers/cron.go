package handlers

import (
	"log/slog"
	"net/http"

	calsync "github.com/peerplan/peerplan/services/scheduling-service/internal/sync"
)

// CronHandler exposes the maintenance sweeps on internal endpoints so an
// external scheduler can trigger them on top of the built-in loops.
type CronHandler struct {
	sweeper *calsync.Sweeper
	logger  *slog.Logger
}

func NewCronHandler(sweeper *calsync.Sweeper, logger *slog.Logger) *CronHandler {
	return &CronHandler{sweeper: sweeper, logger: logger}
}

// RenewWebhooks handles POST /internal/cron/renew-webhooks.
func (h *CronHandler) RenewWebhooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.sweeper.RenewWebhooks(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RefreshTokens handles POST /internal/cron/refresh-tokens.
func (h *CronHandler) RefreshTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.sweeper.RefreshTokens(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
