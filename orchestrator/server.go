// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"quorum/orchestrator/model"
	"quorum/shared/logger"
)

// Server is the HTTP front for the executor. It is a thin shim: all
// query semantics live in the executor, all model state in the
// registry.
type Server struct {
	executor *Executor
	registry *model.Registry
	audit    *AuditLog
	log      *logger.Logger
}

// NewServer builds the HTTP surface. audit may be nil.
func NewServer(executor *Executor, registry *model.Registry, audit *AuditLog) *Server {
	return &Server{
		executor: executor,
		registry: registry,
		audit:    audit,
		log:      logger.New("server"),
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/query", s.handleQuery).Methods("POST")
	r.HandleFunc("/api/models", s.handleListModels).Methods("GET")
	r.HandleFunc("/api/models/{id}/lifecycle", s.handleLifecycle).Methods("POST")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	State string `json:"state,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "malformed request body",
			Code:  CodeInvalidRequest,
		})
		return
	}

	res, err := s.executor.Execute(r.Context(), req)
	if err != nil {
		qe, ok := AsQueryError(err)
		if !ok {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, statusForCode(qe.Code), errorResponse{
			Error: qe.Message,
			Code:  qe.Code,
			State: string(qe.State),
		})
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func statusForCode(code string) int {
	switch code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeModelUnavailable:
		return http.StatusServiceUnavailable
	case CodeDeadlineExceeded, CodeInferenceTimeout:
		return http.StatusGatewayTimeout
	case CodeAllModelsFailed, CodeInferenceError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type modelView struct {
	ID            string  `json:"id"`
	Tier          string  `json:"tier"`
	Status        string  `json:"status"`
	Degraded      bool    `json:"degraded"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
	ContextWindow int     `json:"context_window"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	tier := model.Tier(r.URL.Query().Get("tier"))
	if tier != "" {
		if _, err := model.ParseTier(string(tier)); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error: "unknown tier",
				Code:  CodeInvalidRequest,
			})
			return
		}
	}

	models := s.registry.List(tier)
	views := make([]modelView, 0, len(models))
	for _, m := range models {
		views = append(views, modelView{
			ID:            m.ID,
			Tier:          string(m.Tier),
			Status:        string(m.Status),
			Degraded:      m.Degraded,
			AvgLatencyMS:  float64(m.AvgLatency) / float64(time.Millisecond),
			ContextWindow: m.ContextWindow,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": views})
}

type lifecycleRequest struct {
	Status string `json:"status"`
}

// handleLifecycle applies a status report from the external backend
// manager. The manager owns lifecycle status; this endpoint is its
// only write path into the registry.
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "malformed request body",
			Code:  CodeInvalidRequest,
		})
		return
	}

	status, err := model.ParseStatus(req.Status)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "unknown status",
			Code:  CodeInvalidRequest,
		})
		return
	}

	if err := s.registry.Apply(model.LifecycleEvent{ModelID: id, Status: status}); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	s.log.Info("", "lifecycle event applied", map[string]interface{}{
		"model":  id,
		"status": req.Status,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.audit.Healthy(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status": map[bool]string{true: "ok", false: "degraded"}[healthy],
		"models": s.registry.Count(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
