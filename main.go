package main

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"lanchat/internal/config"
	"lanchat/internal/handlers"
	"lanchat/internal/ws"
)

func main() {
	// Best-effort .env for local runs; deployments set the environment.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		log.Fatal().Str("level", cfg.LogLevel).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("create upload dir")
	}

	hub := ws.NewHub(cfg.MaxHistory, logger.With().Str("component", "hub").Logger(), ws.NewMetrics(nil))

	uploadHandler := &handlers.UploadHandler{
		Hub:       hub,
		UploadDir: cfg.UploadDir,
		MaxBytes:  cfg.MaxUploadBytes(),
		Log:       logger.With().Str("component", "upload").Logger(),
		Metrics:   handlers.NewMetrics(nil),
	}
	statusHandler := &handlers.StatusHandler{Hub: hub}

	r := mux.NewRouter()
	r.Use(loggingMiddleware(logger))

	// API endpoints
	r.HandleFunc("/api/upload", uploadHandler.Upload).Methods("POST")
	r.HandleFunc("/api/users", statusHandler.Users).Methods("GET")
	r.HandleFunc("/health", statusHandler.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// WebSocket endpoint
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})

	// Stored uploads. Plain attachments are served with their extension's
	// mime type; encrypted blobs stay opaque octet-streams.
	r.PathPrefix("/uploads/").Handler(
		http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.UploadDir))))

	// Browser client assets
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(cfg.StaticDir, "index.html"))
	})
	r.PathPrefix("/static/").Handler(
		http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticDir))))

	logger.Info().Str("addr", cfg.Addr()).Int("max_history", cfg.MaxHistory).
		Int64("max_upload_mb", cfg.MaxUploadMB).Msg("starting server")
	if err := http.ListenAndServe(cfg.Addr(), r); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func loggingMiddleware(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).
				Dur("elapsed", time.Since(start)).Msg("request")
		})
	}
}
