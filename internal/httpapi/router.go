// Package httpapi exposes the cart and favorites wire contract over HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/aurelle-jewellery/cartsync/internal/auth"
	"github.com/aurelle-jewellery/cartsync/internal/cartservice"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	DB              *pgxpool.Pool
	Cart            *cartservice.Service
	RateLimitConfig RateLimitConfig
	// CORSOrigins lists allowed storefront origins. Empty disables CORS
	// headers entirely.
	CORSOrigins []string
}

// errorResp is the JSON error body. Items is present on 422 responses so
// clients can adopt the corrected cart.
type errorResp struct {
	Error string `json:"error"`
	Items any    `json:"items,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	log.Ctx(r.Context()).Debug().Int("status", code).Str("path", r.URL.Path).Msg(msg)
	writeJSON(w, code, errorResp{Error: msg})
}

// Routes creates the HTTP router with the full wire contract.
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)

	if len(s.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   s.CORSOrigins,
			AllowedMethods:   []string{"GET", "PUT", "PATCH", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Correlation-ID"},
			AllowCredentials: true,
		}).Handler)
	}

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// All cart endpoints require authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Cart, jwt))
		r.Use(RateLimitMiddleware(s.RateLimitConfig))

		r.Get("/v1/cart", s.GetCart)
		r.Put("/v1/cart", s.ReplaceCart)
		r.Patch("/v1/cart", s.PatchCart)

		r.Get("/v1/favorites", s.GetFavorites)
		r.Post("/v1/favorites/toggle", s.ToggleFavorite)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
