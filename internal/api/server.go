// Package api serves the operational HTTP surface: health, Prometheus
// metrics and tone previews.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"replybot/internal/logging"
	"replybot/internal/model"
	"replybot/internal/tone"
)

// Store is the read access the handlers need.
type Store interface {
	GetAccount(ctx context.Context, id int64) (model.MonitoredAccount, error)
	ListTones(ctx context.Context, userID string) ([]model.Tone, error)
}

type Server struct {
	router     *mux.Router
	httpServer *http.Server
	store      Store
	rng        tone.Rand
}

// NewServer builds the router. rng may be nil for the shared random source.
func NewServer(addr string, st Store, rng tone.Rand) *Server {
	if rng == nil {
		rng = tone.SharedRand{}
	}
	s := &Server{router: mux.NewRouter(), store: st, rng: rng}
	s.router.Use(loggingMiddleware)
	s.router.Use(recoveryMiddleware)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/accounts/{id:[0-9]+}/tone-preview", s.handleTonePreview).Methods(http.MethodGet)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	logging.Info("api_server_start", map[string]any{"addr": s.httpServer.Addr})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("api_server_stop", nil)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
