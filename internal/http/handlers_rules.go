package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/roddomr/familyhub-sub000/internal/core"
	"github.com/roddomr/familyhub-sub000/internal/log"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.ListRecurrenceRules(r.Context())
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to list rules", log.FieldError, err)
		respondError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}

	out := make([]ruleJSON, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleToJSON(rule))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var in ruleJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule, err := ruleFromJSON(in)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := rule.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.rules.CreateRecurrenceRule(r.Context(), rule)
	if err != nil {
		if errors.Is(err, core.ErrInvalidRule) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to create rule", log.FieldError, err)
		respondError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}

	created, err := s.rules.GetRecurrenceRule(r.Context(), id)
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to load created rule",
			log.FieldRuleID, id, log.FieldError, err)
		respondError(w, http.StatusInternalServerError, "failed to load created rule")
		return
	}
	respondJSON(w, http.StatusCreated, ruleToJSON(*created))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	rule, err := s.rules.GetRecurrenceRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrRuleNotFound) {
			respondError(w, http.StatusNotFound, "rule not found")
			return
		}
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to get rule", log.FieldRuleID, id, log.FieldError, err)
		respondError(w, http.StatusInternalServerError, "failed to get rule")
		return
	}
	respondJSON(w, http.StatusOK, ruleToJSON(*rule))
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false)
}

func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true)
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.rules.SetRuleActive(r.Context(), id, active); err != nil {
		if errors.Is(err, core.ErrRuleNotFound) {
			respondError(w, http.StatusNotFound, "rule not found")
			return
		}
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to update rule state",
			log.FieldRuleID, id, "active", active, log.FieldError, err)
		respondError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}

	rule, err := s.rules.GetRecurrenceRule(r.Context(), id)
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to load rule", log.FieldRuleID, id, log.FieldError, err)
		respondError(w, http.StatusInternalServerError, "failed to load rule")
		return
	}
	respondJSON(w, http.StatusOK, ruleToJSON(*rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.rules.DeleteRule(r.Context(), id); err != nil {
		if errors.Is(err, core.ErrRuleNotFound) {
			respondError(w, http.StatusNotFound, "rule not found")
			return
		}
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to delete rule", log.FieldRuleID, id, log.FieldError, err)
		respondError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	limit := queryLimit(r, 50)
	records, err := s.rules.ListExecutionRecords(r.Context(), id, limit)
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to list executions",
			log.FieldRuleID, id, log.FieldError, err)
		respondError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	out := make([]recordJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, recordToJSON(rec))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	records, err := s.rules.ListUnresolvedFailures(r.Context(), limit)
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to list failures", log.FieldError, err)
		respondError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}

	out := make([]recordJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, recordToJSON(rec))
	}
	respondJSON(w, http.StatusOK, out)
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return fallback
	}
	return limit
}
