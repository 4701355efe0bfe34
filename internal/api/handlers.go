package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/immergo/server/internal/ai"
	"github.com/immergo/server/internal/auth"
	"github.com/immergo/server/internal/config"
	"github.com/immergo/server/internal/history"
	"github.com/immergo/server/internal/observability"
	"github.com/immergo/server/pkg/logger"
)

// Session durations requested by clients are clamped to this range; a
// request with no duration gets the configured default.
const (
	minSessionSecs = 60
	maxSessionSecs = 600
)

// Handler contains the REST API handlers
type Handler struct {
	config     *config.Config
	tokens     *auth.TokenStore
	catalog    *ai.Catalog
	history    *history.Store
	syncEngine *history.SyncEngine
	metrics    *observability.Metrics
	logger     *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	cfg *config.Config,
	tokens *auth.TokenStore,
	catalog *ai.Catalog,
	historyStore *history.Store,
	syncEngine *history.SyncEngine,
	metrics *observability.Metrics,
	log *logger.Logger,
) *Handler {
	return &Handler{
		config:     cfg,
		tokens:     tokens,
		catalog:    catalog,
		history:    historyStore,
		syncEngine: syncEngine,
		metrics:    metrics,
		logger:     log.Named("api-handler"),
	}
}

// CreateSessionToken issues a short-lived single-use session token. The
// requested duration is clamped here, at the trust boundary, so nothing
// downstream ever sees an out-of-range value.
func (h *Handler) CreateSessionToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Duration *int `json:"duration"`
	}
	// An empty or malformed body just means "use the default".
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Debug("Ignoring malformed auth request body", logger.Error(err))
	}

	duration := h.config.Session.TimeLimitSecs
	if req.Duration != nil {
		duration = *req.Duration
	}
	if duration < minSessionSecs {
		duration = minSessionSecs
	}
	if duration > maxSessionSecs {
		duration = maxSessionSecs
	}

	token := h.tokens.Issue(duration)
	h.metrics.TokensIssued.Inc()

	h.logger.Info("Issued session token", logger.Int("duration_secs", duration))

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"token":              token,
		"duration":           duration,
		"expires_in_seconds": int(auth.TokenExpiry.Seconds()),
	})
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"model":  h.config.Gemini.Model,
	})
}

// GetStatus reports which capabilities are available with the current
// configuration. "advanced" means realtime sessions can be served;
// "simple" means required configuration is missing.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	var missing []string
	if h.config.Gemini.APIKey == "" {
		missing = append(missing, "google_api_key")
	}
	if h.config.Sync.Enabled && h.config.Sync.ServerURL == "" {
		missing = append(missing, "sync_server_url")
	}

	mode := "advanced"
	if len(missing) > 0 {
		mode = "simple"
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"mode":    mode,
		"missing": missing,
	})
}

// GetModels returns the cached model catalog.
func (h *Handler) GetModels(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		http.Error(w, "Model catalog not available", http.StatusServiceUnavailable)
		return
	}

	models, err := h.catalog.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list models", logger.Error(err))
		http.Error(w, "Failed to list models", http.StatusBadGateway)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(models),
		"models": models,
	})
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
