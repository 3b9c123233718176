package health

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/echoscribe/internal/governor"
	"github.com/MrWong99/echoscribe/internal/job"
	"github.com/MrWong99/echoscribe/internal/orchestrator"
)

// Server exposes the engine's HTTP surface: the probes from [Handler], the
// Prometheus scrape endpoint, the system status snapshot, and the job API.
type Server struct {
	probes *Handler
	orch   *orchestrator.Orchestrator
	log    *slog.Logger
}

// NewServer wires the orchestrator behind the HTTP surface. The checkers are
// served through /readyz.
func NewServer(orch *orchestrator.Orchestrator, log *slog.Logger, checkers ...Checker) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		probes: New(checkers...),
		orch:   orch,
		log:    log,
	}
}

// Register adds all routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	s.probes.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /statusz", s.statusz)
	mux.HandleFunc("POST /jobs", s.submitJob)
	mux.HandleFunc("GET /jobs", s.listJobs)
	mux.HandleFunc("GET /jobs/{id}", s.jobStatus)
	mux.HandleFunc("DELETE /jobs/{id}", s.cancelJob)
}

// statusz serves the engine-wide snapshot.
func (s *Server) statusz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.SystemStatus())
}

// submitRequest is the POST /jobs body.
type submitRequest struct {
	SourcePath string `json:"source_path"`
	OutputDir  string `json:"output_dir"`
	Priority   string `json:"priority"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.SourcePath == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "source_path is required"})
		return
	}
	priority, err := job.ParsePriority(req.Priority)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	snap, err := s.orch.Submit(r.Context(), req.SourcePath, req.OutputDir, priority)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, governor.ErrInsufficientCapacity) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Jobs())
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.Status(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, orchestrator.ErrUnknownJob) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	snap, err := s.orch.Status(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
