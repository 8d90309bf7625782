// Package web provides the HTTP and WebSocket surface of the import
// recovery engine, consumed by the dashboard UI.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/JonMunkholm/importflow/internal/broadcast"
	"github.com/JonMunkholm/importflow/internal/config"
	"github.com/JonMunkholm/importflow/internal/lifecycle"
	"github.com/JonMunkholm/importflow/internal/parser"
	"github.com/JonMunkholm/importflow/internal/recovery"
	"github.com/JonMunkholm/importflow/internal/session"
	mw "github.com/JonMunkholm/importflow/internal/web/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the HTTP server for the import recovery API.
type Server struct {
	cfg     *config.Config
	ctrl    *recovery.Controller
	store   *session.Store
	hub     *broadcast.Hub
	parser  *parser.Parser
	limiter *parser.Limiter
	manager *lifecycle.Manager

	router *chi.Mux
	server *http.Server
}

// NewServer wires the API surface over the engine components. manager
// may be nil when no archive is configured.
func NewServer(cfg *config.Config, ctrl *recovery.Controller, store *session.Store, hub *broadcast.Hub, manager *lifecycle.Manager) *Server {
	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		store:   store,
		hub:     hub,
		parser:  parser.New(cfg.Upload.MaxBytes),
		limiter: parser.NewLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime),
		manager: manager,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	s.router.Use(securityHeaders)
	s.router.Use(mw.APIKeyAuth(&s.cfg.Security))

	if s.cfg.Rate.Enabled {
		limiter := newRateLimiter(s.cfg.Rate.RequestsPerMinute, time.Minute)
		s.router.Use(limiter.middleware)
	}
}

// setupRoutes configures all HTTP routes. The request timeout applies
// to the REST surface only; the WebSocket endpoint is long-lived.
func (s *Server) setupRoutes() {
	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

		r.Get("/healthz", s.handleHealth)

		r.Route("/api/import", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Post("/analyze", s.handleAnalyze)
			r.Delete("/sessions/{sessionID}", s.handleDeleteSession)
		})

		r.Route("/api/recovery/{sessionID}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/suggestions", s.handleSuggestions)
			r.Post("/fix-single", s.handleFixSingle)
			r.Post("/fix-bulk", s.handleFixBulk)
			r.Post("/auto-fix", s.handleAutoFix)
		})
	})

	s.router.Get("/ws/error-recovery/{sessionID}", s.handleSubscribe)
	s.router.Get("/ws/error-recovery", s.handleSubscribe)
}

// handleHealth reports engine counters for liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"liveSessions":   s.store.LiveCount(),
		"connections":    s.hub.ConnectionCount(""),
		"activeUploads":  s.limiter.Active(),
		"maxSessions":    s.cfg.Session.MaxSessions,
		"maxUploadBytes": s.cfg.Upload.MaxBytes,
		"strictLimits":   s.cfg.Security.StrictLimits,
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting for in-flight uploads.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.limiter.WaitForDrain(ctx); err != nil {
		slog.Warn("shutdown proceeding with uploads in flight", "error", err)
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds hardening headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

// rateLimiter implements a simple token bucket per client IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	go rl.cleanup()
	return rl
}

// cleanup drops stale visitor entries every minute.
func (rl *rateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastReset) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// allow consumes a token for the IP if one is available.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok || time.Since(v.lastReset) > rl.window {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: time.Now()}
		return true
	}
	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.Header.Get("X-Real-IP")
		if ip == "" {
			ip = r.RemoteAddr
		}
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limit exceeded","code":"RATE001"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
