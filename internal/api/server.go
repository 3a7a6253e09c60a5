package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/maps-harvester/internal/config"
	"github.com/JakeFAU/maps-harvester/internal/metrics"
	"github.com/JakeFAU/maps-harvester/internal/scrape"
)

// Server wires the HTTP control surface to the run manager. Notable
// routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status, /results/stats, /config for operator visibility.
//   - POST /control/{action} for start/stop/pause/resume/reset and
//     reset-failed (re-queue failed and skipped items).
type Server struct {
	router  chi.Router
	manager *Manager
	store   scrape.WorkStore
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with its routes.
func NewServer(manager *Manager, store scrape.WorkStore, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager: manager,
		store:   store,
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	r.Get("/config", s.configView)
	r.Get("/results/stats", s.stats)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/control/{action}", s.control)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	snap, datasetID := s.manager.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"run":        snap,
		"dataset_id": datasetID,
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}

// configView exposes the effective configuration minus secrets.
func (s *Server) configView(w http.ResponseWriter, _ *http.Request) {
	view := s.cfg
	view.DB.DSN = redact(view.DB.DSN)
	view.Session.ProxyServer = redact(view.Session.ProxyServer)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	switch action {
	case "start":
		datasetID, err := s.manager.Start(r.Context())
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"dataset_id": datasetID})
	case "stop":
		s.manager.Stop()
		writeJSON(w, http.StatusAccepted, map[string]string{"action": "stop"})
	case "pause":
		s.manager.Pause()
		writeJSON(w, http.StatusAccepted, map[string]string{"action": "pause"})
	case "resume":
		s.manager.Resume()
		writeJSON(w, http.StatusAccepted, map[string]string{"action": "resume"})
	case "reset":
		if err := s.manager.Reset(); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"action": "reset"})
	case "reset-failed":
		reset, err := s.store.ResetFailed(r.Context())
		if err != nil {
			s.logger.Error("reset failed items", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"reset": reset})
	default:
		writeError(w, http.StatusNotFound, "unknown control action")
	}
}

func redact(value string) string {
	if value == "" {
		return ""
	}
	return "REDACTED"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
