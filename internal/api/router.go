package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/immergo/server/internal/ai"
	"github.com/immergo/server/internal/auth"
	"github.com/immergo/server/internal/config"
	"github.com/immergo/server/internal/history"
	"github.com/immergo/server/internal/observability"
	"github.com/immergo/server/pkg/logger"
)

// Router assembles the HTTP surface: the REST endpoints, the realtime
// session WebSocket, and the Prometheus scrape handler.
type Router struct {
	handler *Handler
	live    *LiveHandler
	config  *config.Config
	logger  *logger.Logger
}

// NewRouter creates the API router and its handlers.
func NewRouter(
	cfg *config.Config,
	tokens *auth.TokenStore,
	catalog *ai.Catalog,
	historyStore *history.Store,
	syncEngine *history.SyncEngine,
	metrics *observability.Metrics,
	log *logger.Logger,
) *Router {
	return &Router{
		handler: NewHandler(cfg, tokens, catalog, historyStore, syncEngine, metrics, log),
		live:    NewLiveHandler(cfg, tokens, metrics, log),
		config:  cfg,
		logger:  log.Named("router"),
	}
}

// Routes builds the route tree.
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(rt.corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth", rt.handler.CreateSessionToken)
		r.Get("/health", rt.handler.GetHealth)
		r.Get("/status", rt.handler.GetStatus)
		r.Get("/models", rt.handler.GetModels)

		r.Route("/history", func(r chi.Router) {
			r.Get("/", rt.handler.ListHistory)
			r.Post("/", rt.handler.SaveHistory)
			r.Get("/{id}", rt.handler.GetHistoryEntry)
			r.Delete("/{id}", rt.handler.DeleteHistoryEntry)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Post("/", rt.handler.TriggerSync)
			r.Get("/status", rt.handler.GetSyncStatus)
		})
	})

	r.Get("/ws", rt.live.ServeSession)
	r.Get("/metrics", observability.MetricsHandler().ServeHTTP)

	return r
}

// corsMiddleware applies the configured allowed origins. An empty list
// means same-origin only; "*" allows everything.
func (rt *Router) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && rt.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) originAllowed(origin string) bool {
	for _, allowed := range rt.config.Server.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
