package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pianowire/pianowire/internal/piano"
	"github.com/pianowire/pianowire/internal/ratelimit"
)

// WebSocketHandler exposes the WebSocket upgrade endpoint and the
// diagnostic HTTP surface.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	state             *piano.Manager
	limiter           *ratelimit.Limiter
}

// NewWebSocketHandler creates the HTTP-facing handler.
func NewWebSocketHandler(cm *ConnectionManager, state *piano.Manager, limiter *ratelimit.Limiter) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		state:             state,
		limiter:           limiter,
	}
}

// HandleConnection upgrades a client connection. The transport assigns the
// client identity: an explicit client_id query parameter wins, otherwise a
// fresh UUID is issued.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	if err := h.connectionManager.UpgradeConnection(w, r, clientID); err != nil {
		log.Error().
			Err(err).
			Str("client_id", clientID).
			Msg("failed to upgrade WebSocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
	}
}

// HandleStats serves a JSON diagnostic snapshot.
func (h *WebSocketHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		State       piano.Stats           `json:"state"`
		Connections int                   `json:"connections"`
		RateLimit   ratelimit.GlobalStats `json:"rate_limit"`
	}{
		State:       h.state.Statistics(),
		Connections: h.connectionManager.Count(),
		RateLimit:   h.limiter.GlobalStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to write stats response")
	}
}

// Routes builds the chi router for the whole HTTP surface.
func (h *WebSocketHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", h.HandleConnection)
	r.Get("/stats", h.HandleStats)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
	return r
}
