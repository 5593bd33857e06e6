package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/seeker/config"
	"github.com/mohammad-safakhou/seeker/internal/llm"
	"github.com/mohammad-safakhou/seeker/internal/search"
	"github.com/mohammad-safakhou/seeker/internal/session"
	"github.com/mohammad-safakhou/seeker/internal/stream"
	"github.com/mohammad-safakhou/seeker/internal/telemetry"
)

// llmBackend is what the HTTP layer needs from the LLM client.
type llmBackend interface {
	stream.Generator
	Generate(ctx context.Context, query string, res *search.Result, p llm.Params) string
	ListModels(ctx context.Context) ([]string, error)
	Model() string
}

// Server wires the gateway's HTTP surface to its dependencies.
type Server struct {
	cfg      *config.Config
	echo     *echo.Echo
	searcher stream.Searcher
	llm      llmBackend
	registry *session.Registry
	cache    session.Cache
	sweeper  *session.Sweeper
	orch     *stream.Orchestrator
	logger   *log.Logger
}

// New builds a production server from cfg: live Serper and Ollama clients,
// the configured cache backend, and collectors on the default prometheus
// registry.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	cache, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("cache backend: %w", err)
	}
	tel := telemetry.New(cfg.Telemetry, prometheus.DefaultRegisterer)
	opts := stream.DefaultOptions()
	if cfg.Serper.Timeout > 0 {
		opts.SearchTimeout = cfg.Serper.Timeout
	}
	return newServer(cfg, search.NewClient(cfg.Serper), llm.NewClient(cfg.Ollama), cache, tel, opts), nil
}

// newServer is the DI seam: tests inject stub backends and zero pacing.
func newServer(cfg *config.Config, searcher stream.Searcher, backend llmBackend, cache session.Cache, tel *telemetry.Telemetry, opts stream.Options) *Server {
	registry := session.NewRegistry()
	s := &Server{
		cfg:      cfg,
		searcher: searcher,
		llm:      backend,
		registry: registry,
		cache:    cache,
		sweeper:  session.NewSweeper(cache, cfg.Cache.SweepCron),
		orch:     stream.New(searcher, backend, registry, cache, tel, opts),
		logger:   log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
	tel.RegisterCacheSize(func() float64 {
		return float64(cache.Len(context.Background()))
	})
	s.echo = s.buildEcho()
	return s
}

func newCache(ctx context.Context, cfg config.CacheConfig) (session.Cache, error) {
	if cfg.Backend == "redis" {
		client, err := session.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return session.NewRedisCache(client, cfg.Retention), nil
	}
	return session.NewMemoryCache(cfg.Retention), nil
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/", s.root)
	e.GET("/health", s.health)
	e.GET("/unified", s.unified)
	e.POST("/unified", s.unified)
	e.OPTIONS("/unified", s.unifiedOptions)
	e.POST("/answer", s.answer)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

// searchTimeout is the per-call search budget for non-streaming paths.
func (s *Server) searchTimeout() time.Duration {
	if t := s.cfg.Serper.Timeout; t > 0 {
		return t
	}
	return 30 * time.Second
}

func (s *Server) root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "online",
		"message": "Seeker unified search gateway is running",
	})
}

func (s *Server) unifiedOptions(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderAllow, "GET, POST, OPTIONS")
	return c.JSON(http.StatusOK, map[string]string{
		"allow":   "GET, POST, OPTIONS",
		"content": "text/event-stream",
	})
}

// Start runs the background sweepers and blocks serving HTTP.
func (s *Server) Start() error {
	s.registry.Start()
	s.sweeper.Start()
	addr := s.cfg.Server.Addr()
	s.logger.Printf("listening on %s", addr)
	return s.echo.Start(addr)
}

// Shutdown stops the sweepers and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sweeper.Stop()
	s.registry.Stop()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
