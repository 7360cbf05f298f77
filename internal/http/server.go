// Package http exposes session monitoring to the browser: a JSON API for
// opening sessions and feeding activity, and a websocket pushing countdown
// snapshots.
package http

import (
	"context"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"portafoglio/internal/cache"
	"portafoglio/internal/core"
	"portafoglio/internal/log"
	"portafoglio/internal/middleware/ratelimit"
	"portafoglio/internal/middleware/security"
	"portafoglio/internal/middleware/trace"
	"portafoglio/internal/session"
	appweb "portafoglio/web"
)

// EventLister reads the session journal.
type EventLister interface {
	ListEvents(ctx context.Context, sessionID string, limit int) ([]core.SessionEvent, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures NewServer. Sessions is required; everything else has a
// usable default.
type Options struct {
	Addr     string
	Sessions *session.Manager
	Events   EventLister
	Ready    Pinger
	Logger   *log.Logger

	// ActivityLimiter is keyed by session ID, RequestLimiter by client IP.
	ActivityLimiter *ratelimit.Limiter
	RequestLimiter  *ratelimit.Limiter

	EventsCacheSize int
	EventsCacheTTL  time.Duration

	// OriginPatterns are extra hosts allowed to open websockets.
	OriginPatterns []string
}

type Server struct {
	http.Server

	sessions        *session.Manager
	events          EventLister
	ready           Pinger
	logger          *log.Logger
	activityLimiter *ratelimit.Limiter
	requestLimiter  *ratelimit.Limiter
	originPatterns  []string

	eventsCache *cache.LRUCache[[]core.SessionEvent]
	trace       *trace.Middleware

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.ActivityLimiter == nil {
		opts.ActivityLimiter = ratelimit.NewLimiter(ratelimit.Config{PerSecond: 1, Burst: 1})
	}
	if opts.RequestLimiter == nil {
		opts.RequestLimiter = ratelimit.NewLimiter(ratelimit.DefaultConfig())
	}
	if opts.EventsCacheSize <= 0 {
		opts.EventsCacheSize = 200
	}
	if opts.EventsCacheTTL <= 0 {
		opts.EventsCacheTTL = 2 * time.Second
	}

	s := &Server{
		sessions:        opts.Sessions,
		events:          opts.Events,
		ready:           opts.Ready,
		logger:          opts.Logger.WithComponent(log.ComponentHTTP),
		activityLimiter: opts.ActivityLimiter,
		requestLimiter:  opts.RequestLimiter,
		originPatterns:  opts.OriginPatterns,
		eventsCache:     cache.NewLRUCache[[]core.SessionEvent](opts.EventsCacheSize, opts.EventsCacheTTL),
		trace:           trace.NewMiddleware(opts.Logger, security.ClientIP),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("POST /api/sessions", s.handleOpenSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("POST /api/sessions/{id}/activity", s.handleActivity)
	mux.HandleFunc("POST /api/sessions/{id}/extend", s.handleExtend)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleListEvents)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleWebsocket)

	if sub, err := fs.Sub(appweb.StaticFS, "static"); err == nil {
		static := http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
		mux.Handle("GET /static/", security.StaticAssets(3600)(static))
	} else {
		s.logger.Warn("Failed to mount embedded static FS", log.FieldError, err)
	}

	limited := s.requestLimiter.Middleware(security.ClientIP, s.onRateLimited)
	s.Server = http.Server{
		Addr:              opts.Addr,
		Handler:           s.trace.Middleware(security.Headers(security.DefaultHeadersConfig())(limited(mux))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// CleanExpired drops expired journal pages so the server can be handed to a
// cache.Janitor.
func (s *Server) CleanExpired() int {
	return s.eventsCache.CleanExpired()
}

// Shutdown gracefully shuts down the server and its limiters.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.activityLimiter.Stop()
		s.requestLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, security.ClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			log.FromContext(r.Context()).ErrorContext(r.Context(), "Readiness check failed", log.FieldError, err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
