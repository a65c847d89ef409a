package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"leadflow/internal/lifecycle"
	"leadflow/internal/metrics"
	"leadflow/internal/repo"
	"leadflow/internal/scheduler"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBody = 1 << 20

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	EmailWebhook http.Handler
}

// Approvals resolves approver decisions.
type Approvals interface {
	HandleAction(ctx context.Context, token string) string
	HandleManagerText(ctx context.Context, text string) (string, bool)
	Pending() int
}

// Leads imports leads and reports lead statistics.
type Leads interface {
	ImportLeads(ctx context.Context, inputs []repo.LeadInput) (lifecycle.ImportResult, error)
	Stats(ctx context.Context) (lifecycle.Report, error)
	ProcessBulkOutreach(ctx context.Context) (int, error)
}

// Cycles reports the latest scheduler cycle.
type Cycles interface {
	LastCycle(ctx context.Context) (scheduler.CycleReport, bool)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	AdminToken string
	Store      Pinger
	Approvals  Approvals
	Leads      Leads
	Cycles     Cycles
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
}

// New creates a new HTTP server listening on addr with health, metrics, approval and admin endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: handlers,
		basePath: normaliseBasePath(basePath),
	}

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mountWithBasePath(server.basePath, server.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/approvals/actions", s.admin(http.MethodPost, s.handleApprovalAction))
	mux.HandleFunc("/approvals/reply", s.admin(http.MethodPost, s.handleApprovalReply))
	mux.HandleFunc("/admin/leads", s.admin(http.MethodPost, s.handleImportLeads))
	mux.HandleFunc("/admin/stats", s.admin(http.MethodGet, s.handleStats))
	mux.HandleFunc("/admin/outreach", s.admin(http.MethodPost, s.handleOutreach))

	if s.handlers.EmailWebhook != nil {
		mux.Handle("/webhook/email", s.handlers.EmailWebhook)
	}
	return mux
}

// Handler returns the routed handler, including the base path.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// admin restricts next to method and requests carrying the admin bearer token.
func (s *Server) admin(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		token := s.deps.AdminToken
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			s.metrics.Errors.WithLabelValues("http_auth").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

type actionRequest struct {
	Token string `json:"token"`
}

type replyRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleApprovalAction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		http.Error(w, "approvals unavailable", http.StatusServiceUnavailable)
		return
	}
	var req actionRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"message": s.deps.Approvals.HandleAction(r.Context(), req.Token)})
}

func (s *Server) handleApprovalReply(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		http.Error(w, "approvals unavailable", http.StatusServiceUnavailable)
		return
	}
	var req replyRequest
	if !decode(w, r, &req) {
		return
	}
	message, handled := s.deps.Approvals.HandleManagerText(r.Context(), req.Text)
	if !handled {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "no negotiation is waiting for suggested times"})
		return
	}
	writeJSON(w, map[string]string{"message": message})
}

func (s *Server) handleImportLeads(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leads == nil {
		http.Error(w, "lead service unavailable", http.StatusServiceUnavailable)
		return
	}
	var inputs []repo.LeadInput
	if !decode(w, r, &inputs) {
		return
	}
	result, err := s.deps.Leads.ImportLeads(r.Context(), inputs)
	if err != nil {
		s.logger.Error("lead import failed", "error", err, "count", len(inputs))
		http.Error(w, "failed to import leads", http.StatusInternalServerError)
		return
	}
	s.logger.Info("leads imported", "created", result.Created, "duplicates", result.Duplicates, "contacted", result.Contacted)
	writeJSON(w, result)
}

type statsResponse struct {
	lifecycle.Report
	PendingNegotiations int                    `json:"pending_negotiations"`
	LastCycle           *scheduler.CycleReport `json:"last_cycle,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leads == nil {
		http.Error(w, "lead service unavailable", http.StatusServiceUnavailable)
		return
	}
	report, err := s.deps.Leads.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", "error", err)
		http.Error(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	resp := statsResponse{Report: report}
	if s.deps.Approvals != nil {
		resp.PendingNegotiations = s.deps.Approvals.Pending()
	}
	if s.deps.Cycles != nil {
		if cycle, ok := s.deps.Cycles.LastCycle(r.Context()); ok {
			resp.LastCycle = &cycle
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleOutreach(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leads == nil {
		http.Error(w, "lead service unavailable", http.StatusServiceUnavailable)
		return
	}
	sent, err := s.deps.Leads.ProcessBulkOutreach(r.Context())
	if err != nil {
		s.logger.Error("bulk outreach failed", "error", err, "sent", sent)
		http.Error(w, "bulk outreach failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"sent": sent})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
