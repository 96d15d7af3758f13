package http

import (
	"net/http"
	"time"

	"github.com/roddomr/familyhub-sub000/internal/log"
)

// handleRunPass triggers an immediate scheduler pass. The optional as_of
// query parameter (YYYY-MM-DD) lets operators replay or preview a date;
// it defaults to now.
func (s *Server) handleRunPass(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "as_of must be YYYY-MM-DD")
			return
		}
		asOf = parsed
	}

	summary, err := s.runner.RunPass(r.Context(), asOf)
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Manual scheduler pass failed", log.FieldError, err)
		respondError(w, http.StatusInternalServerError, "scheduler pass failed")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}
