package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"discord-archiver/archive"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter serves Prometheus metrics and a JSON snapshot of the archive session.
func SetupRouter(session *archive.Session, gatherer prometheus.Gatherer) *chi.Mux {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Get("/status", HandleStatus(session))

	return mux
}

// HandleStatus writes the session snapshot as JSON.
func HandleStatus(session *archive.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := session.Snapshot(r.Context())
		if err != nil {
			session.Logger().Error("Failed to build status", zap.Error(err))
			http.Error(w, "status unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			session.Logger().Warn("Failed to write status", zap.Error(err))
		}
	}
}

// HTTPServer is the optional operator listener.
type HTTPServer struct {
	srv *http.Server
	log *zap.Logger
}

func NewHTTPServer(addr string, handler http.Handler, log *zap.Logger) *HTTPServer {
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log.Named("http"),
	}
}

// Start serves in the background.
func (s *HTTPServer) Start() {
	s.log.Info("HTTP server starting", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.log.Info("HTTP server stopping")
	return s.srv.Shutdown(ctx)
}
