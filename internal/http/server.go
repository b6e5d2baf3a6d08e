package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"wedplan/internal/cache"
	"wedplan/internal/identity"
	"wedplan/internal/ledger"
	"wedplan/internal/log"
	"wedplan/internal/middleware/ratelimit"
	"wedplan/internal/middleware/security"
	"wedplan/internal/middleware/trace"
)

// Pinger is what readiness checks against.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Addr   string
	Ledger *ledger.Service
	Auth   *identity.Service
	Store  Pinger
	Logger *log.Logger

	BoardCacheSize int
	BoardCacheTTL  time.Duration
	// CleanupInterval is how often expired boards are swept. Zero disables
	// the sweeper.
	CleanupInterval time.Duration

	RateLimit      ratelimit.Config
	Headers        security.HeadersConfig
	TrustedProxies []string
}

type Server struct {
	http.Server
	logger *log.Logger

	ledger *ledger.Service
	auth   *identity.Service
	store  Pinger

	// One board per browser session, the way each open page kept its own
	// category list and edit state.
	boards *cache.LRUCache[*ledger.Board]
	caches *cache.Manager

	rateLimiter      *ratelimit.Limiter
	securityDetector *security.Detector
	traceMiddleware  *trace.Middleware

	started      time.Time
	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	if opts.BoardCacheSize <= 0 {
		opts.BoardCacheSize = 1000
	}
	if opts.BoardCacheTTL <= 0 {
		opts.BoardCacheTTL = 30 * time.Minute
	}
	if opts.RateLimit.RequestsPerWindow <= 0 {
		opts.RateLimit = ratelimit.DefaultConfig()
	}
	if opts.Headers.CSP == "" {
		opts.Headers = security.DefaultHeadersConfig()
	}

	detector := security.NewDetector(logger)
	for _, cidr := range opts.TrustedProxies {
		if err := detector.AddTrustedProxy(cidr); err != nil {
			logger.Warn("Ignoring invalid trusted proxy", "cidr", cidr, log.FieldError, err)
		}
	}

	s := &Server{
		logger:           logger,
		ledger:           opts.Ledger,
		auth:             opts.Auth,
		store:            opts.Store,
		boards:           cache.NewLRUCache[*ledger.Board](opts.BoardCacheSize, opts.BoardCacheTTL),
		caches:           cache.NewManager(logger),
		rateLimiter:      ratelimit.NewLimiter(opts.RateLimit),
		securityDetector: detector,
		traceMiddleware:  trace.NewMiddleware(logger, detector.ExtractClientIP),
		started:          time.Now(),
	}
	s.caches.Register(s.boards)
	s.caches.Register(opts.Auth.Sessions().Revoked())
	if opts.CleanupInterval > 0 {
		s.caches.StartCleanup(opts.CleanupInterval)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /auth/google", s.handleSignIn)
	mux.HandleFunc("POST /auth/logout", s.handleSignOut)

	authed := identity.RequireSession(s.auth.Sessions())
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(security.NoStore(h)))
	}
	api("GET /api/me", s.handleMe)
	api("GET /api/budget", s.handleBoard)
	api("GET /api/budget/summary", s.handleSummary)
	api("POST /api/budget/categories", s.handleCreateCategory)
	api("POST /api/budget/categories/{id}/edit", s.handleBeginEdit)
	api("POST /api/budget/categories/{id}/draft", s.handleUpdateDraft)
	api("POST /api/budget/categories/{id}/cancel", s.handleCancelEdit)
	api("POST /api/budget/categories/{id}/save", s.handleSaveEdit)
	api("GET /api/budget/categories/{id}/items", s.handleLineItems)
	api("POST /api/budget/items", s.handleAddLineItem)

	headers := security.NewHeadersMiddleware(opts.Headers)
	limited := s.rateLimiter.Middleware(detector.ExtractClientIP, s.onRateLimited)

	var handler http.Handler = mux
	handler = postOnly(limited, handler)
	handler = headers.Middleware(handler)
	handler = detector.Middleware(handler)
	handler = s.traceMiddleware.Middleware(handler)

	s.Server = http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// postOnly applies mw to POST requests and passes everything else straight
// through.
func postOnly(mw func(http.Handler) http.Handler, next http.Handler) http.Handler {
	wrapped := mw(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			wrapped.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.securityDetector.ExtractClientIP(r),
		log.FieldMethod, r.Method,
		log.FieldPath, r.URL.Path)
	ErrorResponse(http.StatusTooManyRequests, "rate limit exceeded, please try again later").Write(w)
}

// board returns the session's board, creating it on first use.
func (s *Server) board(sess identity.Session) *ledger.Board {
	return s.boards.GetOrCreate(sess.ID, func() *ledger.Board {
		return ledger.NewBoard(s.ledger, sess.Identity.UID)
	})
}

// Shutdown gracefully shuts down the server and cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.caches.Stop()
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
