package devserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/lumenlms/lumen/internal/auth"
	"github.com/lumenlms/lumen/internal/database"
	"github.com/lumenlms/lumen/internal/geoip"
	"github.com/lumenlms/lumen/internal/ratelimit"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// ObjectStorage presigns playback URLs. *storage.Storage implements it.
type ObjectStorage interface {
	StreamURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Locator maps a remote address to a location. *geoip.Resolver implements it.
type Locator interface {
	Lookup(addr string) geoip.Location
}

type Config struct {
	// DB backs the auth endpoints; they are not mounted when it is nil.
	DB             database.DBTX
	Store          Store
	Pinger         Pinger
	Storage        ObjectStorage
	GeoIP          Locator
	JWTSecret      string
	BaseURL        string
	AccessTokenTTL time.Duration
	Clock          clockwork.Clock
	Logger         *slog.Logger
}

type Server struct {
	router      chi.Router
	store       Store
	pinger      Pinger
	storage     ObjectStorage
	geoip       Locator
	clock       clockwork.Clock
	logger      *slog.Logger
	authHandler *auth.Handler
	mountAuth   bool
	limiters    []*ratelimit.Limiter
}

var (
	errNoStore  = errors.New("devserver: a store is required")
	errNoSecret = errors.New("devserver: a JWT secret is required")
)

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errNoStore
	}
	if cfg.JWTSecret == "" {
		return nil, errNoSecret
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	secureCookies := strings.HasPrefix(cfg.BaseURL, "https://")
	authHandler := auth.NewHandler(cfg.DB, cfg.JWTSecret, secureCookies)
	authHandler.SetAccessTTL(cfg.AccessTokenTTL)
	authHandler.SetLogger(cfg.Logger)
	authHandler.SetClock(cfg.Clock)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(cfg.Logger))
	r.Use(securityHeaders(cfg.BaseURL))

	s := &Server{
		router:      r,
		store:       cfg.Store,
		pinger:      cfg.Pinger,
		storage:     cfg.Storage,
		geoip:       cfg.GeoIP,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		authHandler: authHandler,
		mountAuth:   cfg.DB != nil,
	}
	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run evicts idle rate limiter entries until ctx is done.
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range s.limiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Run(ctx)
		}()
	}
	wg.Wait()
}

func (s *Server) newLimiter(rps float64, burst int) *ratelimit.Limiter {
	l := ratelimit.NewLimiter(s.clock, rps, burst)
	s.limiters = append(s.limiters, l)
	return l
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)

	if s.mountAuth {
		authLimiter := s.newLimiter(0.5, 5)
		s.router.Route("/api/auth", func(r chi.Router) {
			r.Use(authLimiter.Middleware)
			r.Post("/register", s.authHandler.Register)
			r.Post("/login", s.authHandler.Login)
			r.Post("/refresh", s.authHandler.Refresh)
			r.Post("/logout", s.authHandler.Logout)
			r.Post("/verify", s.authHandler.Verify)
			r.Post("/resend-verification", s.authHandler.ResendVerification)
		})
	}

	s.router.Group(func(r chi.Router) {
		r.Use(s.authHandler.Middleware)
		r.Route("/api/progress", func(r chi.Router) {
			r.Post("/video/{videoId}", s.saveProgress)
			r.Get("/video/{videoId}", s.getProgress)
			r.Get("/course/{courseId}", s.courseProgress)
			r.Get("/me", s.allProgress)
		})
		r.Post("/api/sessions/{sessionId}/touch", s.touchSession)
	})

	// Media elements cannot attach a bearer token, so the stream redirect is
	// public and only rate limited.
	streamLimiter := s.newLimiter(2, 10)
	s.router.With(streamLimiter.Middleware).Get("/api/videos/{id}/stream", s.streamVideo)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"database unreachable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
