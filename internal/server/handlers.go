package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jvallis/helmsman/internal/aggregation"
	"github.com/jvallis/helmsman/internal/indicators"
	"github.com/jvallis/helmsman/internal/signals"
)

// sessionResponse is the wire form of an aggregation session.
type sessionResponse struct {
	ID            string             `json:"id"`
	CorrelationID string             `json:"correlation_id"`
	Status        string             `json:"status"`
	TotalExpected int                `json:"total_expected"`
	Completed     int                `json:"completed"`
	Failures      map[string]string  `json:"failures,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	Deadline      time.Time          `json:"deadline"`
	Partials      map[string]partial `json:"partials,omitempty"`
}

type partial struct {
	Weights  map[string]float64 `json:"weights"`
	Excluded []string           `json:"excluded_symbols,omitempty"`
	AsOf     time.Time          `json:"as_of"`
}

func toSessionResponse(session *aggregation.Session) sessionResponse {
	resp := sessionResponse{
		ID:            session.ID,
		CorrelationID: session.CorrelationID,
		Status:        string(session.Status),
		TotalExpected: session.TotalExpected,
		Completed:     session.Completed,
		Failures:      session.Failures,
		CreatedAt:     session.CreatedAt,
		Deadline:      session.Deadline,
	}
	if len(session.Partials) > 0 {
		resp.Partials = make(map[string]partial, len(session.Partials))
		for strategyID, allocation := range session.Partials {
			resp.Partials[strategyID] = partial{
				Weights:  allocation.Weights,
				Excluded: allocation.Excluded,
				AsOf:     allocation.AsOf,
			}
		}
	}
	return resp
}

// handleStartFanout starts a new aggregation session.
// POST /api/fanout
func (s *Server) handleStartFanout(w http.ResponseWriter, r *http.Request) {
	var req aggregation.FanoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	session, err := s.coordinator.StartFanout(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSONStatus(w, http.StatusAccepted, toSessionResponse(session))
}

// handleGetSession returns the current state of a session.
// GET /api/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.coordinator.Get(chi.URLParam(r, "id"))
	if errors.Is(err, aggregation.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, toSessionResponse(session))
}

// handleCancelSession fails a pending session.
// POST /api/sessions/{id}/cancel
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional.
	_ = json.NewDecoder(r.Body).Decode(&body)

	err := s.coordinator.Cancel(id, body.Reason)
	if errors.Is(err, aggregation.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	session, err := s.coordinator.Get(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, toSessionResponse(session))
}

// handleValidateStrategy parses strategy source without evaluating it.
// POST /api/strategies/validate
func (s *Server) handleValidateStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := signals.Validate(req.Source)
	if err != nil {
		s.writeJSON(w, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"valid":     true,
		"canonical": result.Canonical,
		"symbols":   result.Symbols,
	})
}

// handleUpsertHistory ingests daily price rows for a symbol.
// PUT /api/history/{symbol}
func (s *Server) handleUpsertHistory(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	var prices []indicators.DailyPrice
	if err := json.NewDecoder(r.Body).Decode(&prices); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(prices) == 0 {
		s.writeError(w, http.StatusBadRequest, "no price rows provided")
		return
	}

	if err := s.history.UpsertDailyPrices(symbol, prices); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"symbol": symbol,
		"rows":   len(prices),
	})
}

// handleGetTargets returns the most recent consolidated target weights.
// GET /api/portfolio/targets
func (s *Server) handleGetTargets(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		set, ok, err := s.targets.BySession(sessionID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			s.writeError(w, http.StatusNotFound, "no targets for session "+sessionID)
			return
		}
		s.writeJSON(w, set)
		return
	}

	set, ok, err := s.targets.Latest()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no targets stored yet")
		return
	}
	s.writeJSON(w, set)
}

// handleHealth is the liveness endpoint.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "ok"
	code := http.StatusOK

	if err := s.sessionsDB.QuickCheck(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	} else if err := s.historyDB.QuickCheck(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	s.writeJSONStatus(w, code, map[string]string{"status": status})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	s.writeJSONStatus(w, http.StatusOK, v)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode error response")
	}
}
