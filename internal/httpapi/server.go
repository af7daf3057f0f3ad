// Package httpapi exposes the chat service over HTTP: REST endpoints,
// an NDJSON streaming endpoint, a websocket surface, and health probes.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kworks-ai/docqa/internal/config"
	"github.com/kworks-ai/docqa/internal/orchestrator"
	"github.com/kworks-ai/docqa/internal/qaerr"
	"github.com/kworks-ai/docqa/internal/session"
)

// HealthChecker reports whether a backend is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Server is the public API server.
type Server struct {
	orch    *orchestrator.Orchestrator
	store   *session.Store
	log     *zap.Logger
	http    *http.Server
	readies map[string]HealthChecker
}

// Options wire the server.
type Options struct {
	Config  config.ServerConfig
	Auth    config.AuthConfig
	Orch    *orchestrator.Orchestrator
	Store   *session.Store
	Readies map[string]HealthChecker
	Logger  *zap.Logger
}

// New builds the server with its middleware chain.
func New(opts Options) *Server {
	s := &Server{
		orch:    opts.Orch,
		store:   opts.Store,
		log:     opts.Logger,
		readies: opts.Readies,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/chat/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/chat/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/chat/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/chat/sessions/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /api/chat/sessions/{id}/messages/stream", s.handleMessageStream)
	mux.HandleFunc("POST /api/chat/sessions/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("DELETE /api/chat/sessions/{id}/messages", s.handleClearTurns)
	mux.HandleFunc("GET /api/chat/sessions/{id}/ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	var limiter *rate.Limiter
	if opts.Config.RateLimitRPS > 0 {
		burst := opts.Config.RateLimitBurst
		if burst <= 0 {
			burst = int(opts.Config.RateLimitRPS * 2)
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Config.RateLimitRPS), burst)
	}

	var handler http.Handler = mux
	handler = NewAuthMiddleware(opts.Auth.Enabled, opts.Auth.Secret).Wrap(handler)
	handler = RateLimit(limiter)(handler)
	handler = Logging(opts.Logger)(handler)
	handler = Recover(opts.Logger)(handler)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Config.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: streams and long generations outlive any sane
		// static bound; the orchestrator's request timeout governs.
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info("api server listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ---- shared helpers ----

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers already sent; nothing more to do.
		_ = err
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := qaerr.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), errorBody{Error: kind.Code(), Message: kind.UserMessage()})
}
