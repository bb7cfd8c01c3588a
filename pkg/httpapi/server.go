// Package httpapi is the control panel's HTTP boundary: JSON handlers
// over the migration orchestrator, a server-sent-event stream for the
// live execute run, and the mapping CSV up/downloads.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/yokuradaisuke/backlog-migration/pkg/config"
	"github.com/yokuradaisuke/backlog-migration/pkg/migration"
)

// Server serves the migration API.
type Server struct {
	cfg    config.Config
	orch   *migration.Orchestrator
	logger *slog.Logger
	http   *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg config.Config, orch *migration.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, orch: orch, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/migration/init", s.handleInit)
	mux.HandleFunc("POST /api/migration/fetch-destination-users", s.handleFetchUsers)
	mux.HandleFunc("POST /api/migration/update-mapping", s.handleUpdateMapping)
	mux.HandleFunc("POST /api/migration/start", s.handleStart)
	mux.HandleFunc("POST /api/migration/execute", s.handleExecute)
	mux.HandleFunc("GET /api/migration/logs", s.handleLogs)
	mux.HandleFunc("GET /api/migration/download/users", s.handleDownload(cfg.UsersCSV(), "users.csv"))
	mux.HandleFunc("GET /api/migration/download/users_list", s.handleDownload(cfg.UsersListCSV(), "users_list.csv"))
	mux.HandleFunc("POST /api/migration/upload/users", s.handleUpload)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: logging(logger)(mux),
		// No write timeout: the execute route streams for up to the
		// tool's own run timeout.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start listens until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.cfg.ListenAddr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
