// Package devserver is a local implementation of the testing platform's REST
// API, used for development and end-to-end tests of the client.
package devserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Config struct {
	// APIPrefix is where the API is mounted. Defaults to "/api".
	APIPrefix string
	// AllowedOrigins enables CORS for browser clients.
	AllowedOrigins []string
	// QuestionsEnvelope, when set, wraps the question list in an object
	// under this key ("questions", "data" or "results").
	QuestionsEnvelope string
	TokenSecret       string
	TokenTTL          time.Duration
}

// NewServer builds the HTTP handler for the backend.
func NewServer(s *Store, cfg Config, logger *slog.Logger) http.Handler {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := NewHandler(s, NewTokens(cfg.TokenSecret, cfg.TokenTTL), cfg, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route(cfg.APIPrefix, h.Routes)
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
