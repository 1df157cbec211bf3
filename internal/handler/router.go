package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/buddychat/internal/handler/chat"
	"github.com/zhouzirui/buddychat/internal/handler/stream"
	"github.com/zhouzirui/buddychat/internal/handler/ws"
	"github.com/zhouzirui/buddychat/internal/metrics"
	middlewarePkg "github.com/zhouzirui/buddychat/internal/middleware"
	chatModel "github.com/zhouzirui/buddychat/internal/model/chat"
	aiService "github.com/zhouzirui/buddychat/internal/service/ai"
	chatService "github.com/zhouzirui/buddychat/internal/service/chat"
	"github.com/zhouzirui/buddychat/pkg/utils"
)

// NewRouter wires HTTP routes to core services. exporter may be nil.
func NewRouter(store chatModel.Store, generator aiService.Generator, exporter *metrics.Exporter) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if exporter != nil {
		r.Handle("/metrics", exporter)
	}

	r.Route("/api", func(api chi.Router) {
		chat.New(store).RegisterRoutes(api)

		// Streaming endpoints need a model; without one they answer 503.
		if generator == nil {
			unavailable := func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "ai streaming unavailable")
			}
			api.Post("/chat/stream", unavailable)
			api.Get("/chat/ws", unavailable)
			return
		}

		stream.New(chatService.NewEmitter(store, generator, chatService.WithMetrics(exporter, "sse"))).RegisterRoutes(api)
		ws.New(chatService.NewEmitter(store, generator, chatService.WithMetrics(exporter, "ws"))).RegisterRoutes(api)
	})

	return r
}
