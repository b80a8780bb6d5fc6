package relay

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the relay service HTTP surface: the allocation API under
// /v1 and the WebSocket relay at /v1/relay.
func NewRouter(api *HTTPHandler, hub *Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		// The relay socket is long-lived, so it sits outside the request timeout.
		r.Get("/relay", hub.ServeHTTP)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Logger)
			r.Use(middleware.Timeout(30 * time.Second))
			api.Routes(r)
		})
	})
	return r
}
