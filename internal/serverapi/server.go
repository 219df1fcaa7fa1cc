// Package serverapi implements the HTTP surface of spec.md §6: workflow
// registration, run/resume in sync, async, and stream modes, cancellation, status,
// and the execution event stream. Handler shape (plain http.ServeMux with Go 1.22+
// method+path patterns, JSON request/response helpers, a responseWriter wrapper for
// status capture) follows services/orchestrator/main.go and
// services/api-gateway/gateway_v2.go's loggingMiddleware.
package serverapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fluxworkflow/flux/internal/catalog"
	"github.com/fluxworkflow/flux/internal/event"
	"github.com/fluxworkflow/flux/internal/scheduler"
)

// Store is the execution persistence surface the API reads and writes.
type Store interface {
	GetExecution(id string) (*event.Execution, bool, error)
	SaveExecution(exec *event.Execution) error
	ListExecutions(workflowName string, limit int) ([]*event.Execution, error)
}

// Catalog is the workflow registry surface.
type Catalog interface {
	Register(entry catalog.Entry) error
	Get(name, version string) (catalog.Entry, bool, error)
	Latest(name string) (catalog.Entry, bool, error)
	List(name string) ([]catalog.Entry, error)
}

// Sched is the scheduling surface used to dispatch a freshly submitted execution and
// to find which worker session, if any, currently holds an execution's claim.
type Sched interface {
	Schedule(ctx context.Context, executionID string, entry catalog.Entry, dispatcher scheduler.Dispatcher) (string, error)
	SessionFor(executionID string) (string, bool)
}

// ClaimCanceller delivers a cancellation request to the worker session holding an
// execution's claim — satisfied by *internal/transport.ServerConn.
type ClaimCanceller interface {
	Cancel(sessionID, executionID string) error
}

// Server composes the HTTP handlers over the storage/catalog/scheduler trio. It owns
// no transport of its own for worker communication — Dispatcher is supplied by the
// caller (an internal/transport.ServerConn in production, a fake in tests).
type Server struct {
	store      Store
	cat        Catalog
	sched      Sched
	dispatcher scheduler.Dispatcher
	canceller  ClaimCanceller
	notifier   *notifier
	logger     *slog.Logger

	reqCounter  metric.Int64Counter
	reqLatency  metric.Float64Histogram
}

// Config wires a Server's dependencies.
type Config struct {
	Store      Store
	Catalog    Catalog
	Scheduler  Sched
	Dispatcher scheduler.Dispatcher
	Canceller  ClaimCanceller
	Logger     *slog.Logger
}

// New builds a Server and registers OpenTelemetry metrics, matching the teacher's
// per-service meter-at-construction convention.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.GetMeterProvider().Meter("flux-server")
	reqCounter, _ := meter.Int64Counter("flux_api_requests_total")
	reqLatency, _ := meter.Float64Histogram("flux_api_latency_ms")
	return &Server{
		store: cfg.Store, cat: cfg.Catalog, sched: cfg.Scheduler, dispatcher: cfg.Dispatcher,
		canceller: cfg.Canceller,
		notifier:  newNotifier(), logger: logger,
		reqCounter: reqCounter, reqLatency: reqLatency,
	}
}

// OnExecutionProgress should be called by the server's NATS inbound handlers
// (claim ack / claim released) whenever an execution's persisted state may
// have changed, so sync/stream HTTP handlers blocked on it wake up.
func (s *Server) OnExecutionProgress(executionID string) {
	s.notifier.publish(executionID)
}

// Routes builds the HTTP mux for the server's public API.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /workflows", s.withMetrics("register", s.handleRegister))
	mux.HandleFunc("POST /workflows/{name}/run/{mode}", s.withMetrics("run", s.handleRun))
	mux.HandleFunc("POST /workflows/{name}/resume/{id}/{mode}", s.withMetrics("resume", s.handleResume))
	mux.HandleFunc("POST /workflows/{name}/cancel/{id}", s.withMetrics("cancel", s.handleCancel))
	mux.HandleFunc("GET /workflows/{name}/status/{id}", s.withMetrics("status", s.handleStatus))
	mux.HandleFunc("GET /executions/{id}/events", s.withMetrics("events", s.handleEvents))
	return mux
}

func (s *Server) withMetrics(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(rw, r)
		dur := float64(time.Since(start).Milliseconds())
		attrs := metric.WithAttributes(attribute.String("route", route), attribute.Int("status", rw.status))
		s.reqCounter.Add(r.Context(), 1, attrs)
		s.reqLatency.Record(r.Context(), dur, attrs)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func resolveEntry(cat Catalog, name, version string) (catalog.Entry, bool, error) {
	if version != "" {
		return cat.Get(name, version)
	}
	return cat.Latest(name)
}

// statusView is the JSON shape returned by the status endpoint.
type statusView struct {
	ID       string          `json:"id"`
	Workflow string          `json:"workflow"`
	State    event.State     `json:"state"`
	Output   json.RawMessage `json:"output,omitempty"`
	Events   []event.Event   `json:"events,omitempty"`
}

func toStatusView(exec *event.Execution, detailed bool) statusView {
	v := statusView{ID: exec.ID, Workflow: exec.WorkflowName, State: exec.CurrentState(), Output: exec.Output}
	if detailed {
		v.Events = exec.Events()
	}
	return v
}
