// Package httpapi exposes the execution core over HTTP: webhook intake,
// the cron tick endpoint, schedule management, and execution inspection.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/conveyr/conveyr/internal/engine"
	"github.com/conveyr/conveyr/internal/store"
	"github.com/conveyr/conveyr/internal/trigger"
	"github.com/conveyr/conveyr/internal/validation"
	"github.com/conveyr/conveyr/pkg/schema"
)

const (
	// maxWebhookBody bounds inbound webhook payloads.
	maxWebhookBody = 1 << 20 // 1 MiB
	// cronTickTimeout bounds one pass over all due schedules.
	cronTickTimeout = 30 * time.Second
)

// Config carries the API surface settings.
type Config struct {
	// CronSecret, when set, is required as a bearer token on the cron
	// tick endpoint.
	CronSecret string
}

// Server is the HTTP surface over the trigger service and executor.
type Server struct {
	trigger   *trigger.Service
	executor  *engine.Executor
	validator *validation.WorkflowValidator
	logger    *slog.Logger
	config    Config
}

// New creates the API server.
func New(trig *trigger.Service, executor *engine.Executor, validator *validation.WorkflowValidator, logger *slog.Logger, cfg Config) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		trigger:   trig,
		executor:  executor,
		validator: validator,
		logger:    logger.With(slog.String("component", "httpapi")),
		config:    cfg,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Post("/webhooks/{workflowID}", s.handleWebhook)
	r.Get("/webhooks/{workflowID}", s.handleWebhookInfo)

	r.Get("/cron/execute-schedules", s.handleCronTick)

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/validate", s.handleValidateDefinition)
		r.Route("/{workflowID}", func(r chi.Router) {
			r.Post("/execute", s.handleExecute)
			r.Get("/executions", s.handleExecutionHistory)
			r.Get("/webhook-logs", s.handleWebhookLogs)
			r.Route("/schedule", func(r chi.Router) {
				r.Get("/", s.handleGetSchedule)
				r.Post("/", s.handleCreateSchedule)
				r.Patch("/", s.handleUpdateSchedule)
				r.Delete("/", s.handleDeleteSchedule)
			})
		})
	})

	r.Route("/executions", func(r chi.Router) {
		r.Get("/pending", s.handlePendingExecutions)
		r.Get("/{executionID}", s.handleGetExecution)
		r.Post("/{executionID}/cancel", s.handleCancelExecution)
	})

	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > maxWebhookBody {
		writeMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	result, err := s.trigger.HandleWebhook(r.Context(), workflowID, trigger.WebhookRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		Headers:  headers,
		Body:     body,
		SourceIP: r.RemoteAddr,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWebhookInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.trigger.GetWebhookInfo(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCronTick(w http.ResponseWriter, r *http.Request) {
	if s.config.CronSecret != "" {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.CronSecret)) != 1 {
			writeMessage(w, http.StatusUnauthorized, "invalid cron secret")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), cronTickTimeout)
	defer cancel()

	summary, err := s.trigger.HandleScheduled(ctx, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type executeRequest struct {
	OrganizationID string         `json:"organization_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	Debug          bool           `json:"debug,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.trigger.HandleManual(r.Context(), trigger.ManualRequest{
		WorkflowID:     chi.URLParam(r, "workflowID"),
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Input:          req.Input,
		Debug:          req.Debug,
	})
	if err != nil {
		// A failed debug run still produced an execution record; return it
		// with the failure rather than hiding the run behind the error.
		if result != nil && result.Execution != nil {
			resp := executionResponse(result.Execution)
			resp["error"] = err.Error()
			writeJSON(w, http.StatusOK, resp)
			return
		}
		writeError(w, err)
		return
	}

	if result.Execution != nil {
		writeJSON(w, http.StatusOK, executionResponse(result.Execution))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": result.Job})
}

// executionResponse wraps a finished inline run with its wall-clock duration.
func executionResponse(exec *store.Execution) map[string]any {
	resp := map[string]any{"execution": exec}
	if exec.StartedAt != nil && exec.CompletedAt != nil {
		resp["duration_ms"] = exec.CompletedAt.Sub(*exec.StartedAt).Milliseconds()
	}
	return resp
}

func (s *Server) handleValidateDefinition(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if err := decodeBody(r, &def); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.validator.ValidateDefinition(&def); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	sched, err := s.trigger.GetWorkflowSchedule(r.Context(), workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	upcoming, err := s.trigger.UpcomingRuns(r.Context(), workflowID, 5)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": sched, "upcoming_runs": upcoming})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req trigger.ScheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	sched, err := s.trigger.ScheduleWorkflow(r.Context(), chi.URLParam(r, "workflowID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req trigger.ScheduleUpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid json body")
		return
	}
	sched, err := s.trigger.UpdateWorkflowSchedule(r.Context(), chi.URLParam(r, "workflowID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.trigger.UnscheduleWorkflow(r.Context(), chi.URLParam(r, "workflowID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleExecutionHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20, 200)
	execs, err := s.trigger.GetExecutionHistory(r.Context(), chi.URLParam(r, "workflowID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handlePendingExecutions(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	if orgID == "" {
		writeMessage(w, http.StatusBadRequest, "organization_id is required")
		return
	}
	execs, err := s.trigger.GetPendingExecutions(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	detail, err := s.trigger.GetExecutionDetail(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	if err := s.executor.Cancel(r.Context(), executionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleWebhookLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 500)
	logs, err := s.trigger.GetWebhookLogs(r.Context(), chi.URLParam(r, "workflowID"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody))
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func queryInt(r *http.Request, name string, def, max int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// ListenAndServe runs the server until ctx is cancelled, then drains with a
// shutdown grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
