package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"aegisflux/guardian/internal/consensus"
	"aegisflux/guardian/internal/validate"
)

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}, http.StatusOK)
}

// handleReady handles GET /readyz
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	state := s.guardian.Status().State
	ready := !state.IsDestruction() && !state.IsTerminal()

	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, map[string]any{
		"status":          status,
		"timestamp":       time.Now().UTC(),
		"automaton_state": state,
		"safe_fail":       s.gate.Closed(),
		"checks":          checks,
	}, statusCode)
}

// handleStatus handles GET /v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.guardian.Status(), http.StatusOK)
}

// handleListViolations handles GET /v1/violations
func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events := s.guardian.History()
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}

	writeJSON(w, map[string]any{
		"count":      len(events),
		"violations": events,
	}, http.StatusOK)
}

// handleReportViolation handles POST /v1/violations
func (s *Server) handleReportViolation(w http.ResponseWriter, r *http.Request) {
	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	rep, err := s.validator.ViolationReport(body)
	if err != nil {
		s.metrics.IncInboundRejected("http")
		code := http.StatusBadRequest
		if errors.Is(err, validate.ErrUnknownProtocol) {
			code = http.StatusUnprocessableEntity
		}
		writeJSON(w, map[string]any{"accepted": false, "error": err.Error()}, code)
		return
	}

	s.logger.Info("Violation report received",
		"protocol_id", rep.ProtocolID,
		"source", rep.Source)
	s.guardian.ReportViolationAttempt(rep.ProtocolID, rep.Evidence)

	writeJSON(w, map[string]any{"accepted": true}, http.StatusAccepted)
}

// handleRequestConsensus handles POST /v1/consensus
func (s *Server) handleRequestConsensus(w http.ResponseWriter, r *http.Request) {
	if s.consensus == nil {
		http.Error(w, "Consensus is not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := readRequestBody(r)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.validator.ConsensusRequest(body)
	if err != nil {
		s.metrics.IncInboundRejected("http")
		http.Error(w, fmt.Sprintf("Invalid consensus request: %v", err), http.StatusBadRequest)
		return
	}

	// the round outlives a disconnected client
	result, err := s.consensus.RequestConsensus(context.WithoutCancel(r.Context()), req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Consensus round failed: %v", err), http.StatusBadRequest)
		return
	}

	writeJSON(w, result, http.StatusOK)
}

// handleListRounds handles GET /v1/consensus/rounds
func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	history, ok := s.history(w)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rounds := history.All()
	if limit > 0 && len(rounds) > limit {
		rounds = rounds[len(rounds)-limit:]
	}
	if rounds == nil {
		rounds = []consensus.Result{}
	}

	writeJSON(w, map[string]any{
		"count":  len(rounds),
		"rounds": rounds,
	}, http.StatusOK)
}

// handleGetRound handles GET /v1/consensus/rounds/{round_id}
func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	history, ok := s.history(w)
	if !ok {
		return
	}

	roundID := chi.URLParam(r, "round_id")
	result, found := history.Get(roundID)
	if !found {
		http.Error(w, "Round not found", http.StatusNotFound)
		return
	}
	writeJSON(w, result, http.StatusOK)
}

// handleStats handles GET /v1/consensus/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	history, ok := s.history(w)
	if !ok {
		return
	}
	writeJSON(w, history.Stats(), http.StatusOK)
}

// handleExport handles GET /v1/consensus/export
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	history, ok := s.history(w)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="consensus-history.json"`)
	if err := history.Export(w); err != nil {
		s.logger.Error("Failed to export consensus history", "error", err)
	}
}

func (s *Server) history(w http.ResponseWriter) (*consensus.History, bool) {
	if s.consensus == nil || s.consensus.History() == nil {
		http.Error(w, "Consensus is not configured", http.StatusServiceUnavailable)
		return nil, false
	}
	return s.consensus.History(), true
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
