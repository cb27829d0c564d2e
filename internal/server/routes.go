package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// SetupRoutes wires every endpoint: probes, metrics, the websocket and the
// room API. CORS applies to the room API only; the websocket has its own
// origin policy.
func SetupRoutes(ws http.Handler, api *RoomAPI, allowedOrigins []string, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(logger.With().Str("component", "http").Logger()))
	r.Use(chimw.Recoverer)

	r.Get("/", HealthHandler)
	r.Get("/ping", PingHandler)
	r.Get("/test", TestPageHandler)
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/ws", ws)

	r.Route("/rooms", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
		r.Use(chimw.AllowContentType("application/json"))

		r.Post("/", api.CreateRoom)
		r.Get("/", api.ListRooms)
		r.Get("/{id}", api.RoomDetail)
		r.Get("/{id}/messages", api.Messages)
	})

	return r
}
