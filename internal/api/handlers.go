package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/davemott/paperledger/internal/engine"
	"github.com/davemott/paperledger/internal/lifecycle"
	"github.com/davemott/paperledger/internal/models"
	"github.com/davemott/paperledger/internal/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps engine and storage errors onto HTTP statuses. Lost
// optimistic races and closed-under-us positions come back as a structured
// 409 so clients refresh instead of retrying blindly.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var invalid *lifecycle.InvalidTransitionError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "position not found")
	case errors.Is(err, storage.ErrVersionConflict), errors.Is(err, engine.ErrPositionNotOpen):
		s.writeError(w, http.StatusConflict, "position state is stale, please refresh")
	case errors.As(err, &invalid):
		s.writeError(w, http.StatusConflict, invalid.Error())
	case errors.Is(err, engine.ErrRiskLimitExceeded):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.WithError(err).Error("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	p, err := s.engine.CreatePosition(r.Context(), tenantFrom(r.Context()), req)
	if err != nil {
		if p == nil && isValidationError(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

// isValidationError distinguishes bad input from engine failures.
func isValidationError(err error) bool {
	var invalid *lifecycle.InvalidTransitionError
	if errors.As(err, &invalid) {
		return false
	}
	msg := err.Error()
	for _, fragment := range []string{"is required", "invalid", "must be"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ts := s.store.ForTenant(tenantFrom(r.Context()))

	var statuses []models.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := lifecycle.Normalize(models.Status(raw))
		if !status.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		statuses = append(statuses, status)
	}

	positions, err := ts.ListPositions(r.Context(), statuses...)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) positionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed position id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	p, err := s.store.ForTenant(tenantFrom(r.Context())).GetPosition(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	p, err := s.engine.ManualClose(r.Context(), tenantFrom(r.Context()), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

type bracketRequest struct {
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
}

func (s *Server) handleBracket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	var req bracketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	p, err := s.engine.AdjustBracket(r.Context(), tenantFrom(r.Context()), id, req.StopLoss, req.TakeProfit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	recs, err := s.store.ForTenant(tenantFrom(r.Context())).Transitions(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if recs == nil {
		recs = []models.StateTransition{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	snaps, err := s.store.ForTenant(tenantFrom(r.Context())).Snapshots(r.Context(), id, 100)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if snaps == nil {
		snaps = []models.PriceSnapshot{}
	}
	s.writeJSON(w, http.StatusOK, snaps)
}
