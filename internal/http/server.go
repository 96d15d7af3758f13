package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/roddomr/familyhub-sub000/internal/core"
	"github.com/roddomr/familyhub-sub000/internal/log"
	"github.com/roddomr/familyhub-sub000/internal/services"
)

// RuleService is the storage surface the API exposes.
type RuleService interface {
	CreateRecurrenceRule(ctx context.Context, rule core.RecurrenceRule) (int64, error)
	GetRecurrenceRule(ctx context.Context, id int64) (*core.RecurrenceRule, error)
	ListRecurrenceRules(ctx context.Context) ([]core.RecurrenceRule, error)
	SetRuleActive(ctx context.Context, id int64, active bool) error
	DeleteRule(ctx context.Context, id int64) error
	ListExecutionRecords(ctx context.Context, ruleID int64, limit int) ([]core.ExecutionRecord, error)
	ListUnresolvedFailures(ctx context.Context, limit int) ([]core.ExecutionRecord, error)
}

// PassRunner triggers an on-demand scheduler pass. Manual triggering runs
// exactly the same pass as the periodic worker and returns the same
// summary shape.
type PassRunner interface {
	RunPass(ctx context.Context, asOf time.Time) (services.PassSummary, error)
}

// Server is the JSON operator API: rule management, execution history, and
// the manual "process now" trigger.
type Server struct {
	http.Server
	rules  RuleService
	runner PassRunner
	logger *log.Logger
}

// NewServer configures routes, returning a ready-to-run http.Server.
func NewServer(addr string, rules RuleService, runner PassRunner) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		rules:  rules,
		runner: runner,
		logger: log.New(log.DefaultConfig()).WithComponent(log.ComponentHTTP),
	}

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", handleReady)

	mux.HandleFunc("POST /api/scheduler/run", s.withRequestLog(s.handleRunPass))
	mux.HandleFunc("GET /api/rules", s.withRequestLog(s.handleListRules))
	mux.HandleFunc("POST /api/rules", s.withRequestLog(s.handleCreateRule))
	mux.HandleFunc("GET /api/rules/{id}", s.withRequestLog(s.handleGetRule))
	mux.HandleFunc("POST /api/rules/{id}/deactivate", s.withRequestLog(s.handleDeactivateRule))
	mux.HandleFunc("POST /api/rules/{id}/activate", s.withRequestLog(s.handleActivateRule))
	mux.HandleFunc("DELETE /api/rules/{id}", s.withRequestLog(s.handleDeleteRule))
	mux.HandleFunc("GET /api/rules/{id}/executions", s.withRequestLog(s.handleListExecutions))
	mux.HandleFunc("GET /api/executions/failed", s.withRequestLog(s.handleListFailures))

	return s
}

// withRequestLog stamps each request with an id, puts a request-scoped
// logger in the context, and logs start/completion.
func (s *Server) withRequestLog(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := generateRequestID()

		logger := s.logger.With(log.FieldRequestID, requestID)
		ctx := log.IntoContext(r.Context(), logger)
		r = r.WithContext(ctx)

		logger.InfoContext(ctx, "Request started",
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		logger.InfoContext(ctx, "Request completed",
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path,
			log.FieldStatusCode, rw.statusCode,
			log.FieldDuration, time.Since(start).Milliseconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// generateRequestID creates a unique request ID for tracing
func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp if random fails
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
