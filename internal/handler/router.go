package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/z-tutor/backend/internal/cache"
	realtimehandler "github.com/zhouzirui/z-tutor/backend/internal/handler/realtime"
	scenariohandler "github.com/zhouzirui/z-tutor/backend/internal/handler/scenario"
	sessionhandler "github.com/zhouzirui/z-tutor/backend/internal/handler/session"
	middlewarePkg "github.com/zhouzirui/z-tutor/backend/internal/middleware"
	"github.com/zhouzirui/z-tutor/backend/internal/model/scenario"
	sessionservice "github.com/zhouzirui/z-tutor/backend/internal/service/session"
	"github.com/zhouzirui/z-tutor/backend/pkg/utils"
)

// Dependencies are the services exposed over HTTP. Cache, Realtime and
// Gatherer are optional.
type Dependencies struct {
	Scenarios scenario.Store
	Sessions  *sessionservice.Orchestrator
	Cache     *cache.Store
	Realtime  realtimehandler.ClientFactory
	Gatherer  prometheus.Gatherer
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			body := map[string]any{
				"status":   "ok",
				"time":     time.Now().UTC().Format(time.RFC3339),
				"sessions": deps.Sessions.Stats(),
			}
			if deps.Cache != nil {
				body["cache"] = deps.Cache.Stats()
			}
			utils.RespondJSON(w, http.StatusOK, body)
		})

		scenariohandler.New(deps.Scenarios).RegisterRoutes(api)
		sessionhandler.New(deps.Sessions).RegisterRoutes(api)
		realtimehandler.New(deps.Sessions, deps.Realtime).RegisterRoutes(api)
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}
