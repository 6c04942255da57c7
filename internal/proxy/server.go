package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/raaihank/input-sentinel/internal/audit"
	"github.com/raaihank/input-sentinel/internal/cache"
	"github.com/raaihank/input-sentinel/internal/config"
	"github.com/raaihank/input-sentinel/internal/filter"
	"github.com/raaihank/input-sentinel/internal/logger"
	"github.com/raaihank/input-sentinel/internal/metrics"
	"github.com/raaihank/input-sentinel/internal/security"
	"github.com/raaihank/input-sentinel/internal/web"
	"github.com/raaihank/input-sentinel/internal/websocket"
	"go.uber.org/zap"
)

// Version is reported by /info and the User-Agent of forwarded requests
const Version = "0.1.0"

const statusInterval = 30 * time.Second

// Operator endpoints live under their own prefix so that they never shadow
// upstream paths.
const (
	adminPrefix   = "/sentinel"
	healthPath    = adminPrefix + "/health"
	infoPath      = adminPrefix + "/info"
	offendersPath = adminPrefix + "/offenders"
	dashboardPath = adminPrefix + "/dashboard"
)

// Server is the filtering reverse proxy
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	router  *mux.Router
	server  *http.Server
	wsHub   *websocket.Hub
	metrics *metrics.Collector

	engine    atomic.Pointer[filter.Engine]
	filterCfg atomic.Pointer[config.FilterConfig]

	upstream       *httputil.ReverseProxy
	trustedProxies []*net.IPNet
	limiter        *security.RateLimiter
	offenders  cache.Offenders
	audit      audit.Sink
	startedAt  time.Time
	started    atomic.Bool
	stop       chan struct{}
	stopOnce   sync.Once
	background sync.WaitGroup
}

// Option configures optional backends of the server
type Option func(*Server)

// WithOffenders enables repeat offender tracking and banning
func WithOffenders(o cache.Offenders) Option {
	return func(s *Server) { s.offenders = o }
}

// WithAuditSink records filter actions to sink
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Server) { s.audit = sink }
}

// WithMetrics uses an existing collector instead of creating one
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// New creates a new proxy server instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Server, error) {
	if log == nil {
		log = logger.NewNop()
	}

	target, err := url.Parse(cfg.Upstream.URL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", cfg.Upstream.URL)
	}

	trusted, err := config.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	server := &Server{
		config:         cfg,
		logger:         log.WithComponent("proxy"),
		router:         mux.NewRouter(),
		trustedProxies: trusted,
		startedAt:      time.Now(),
		stop:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(server)
	}

	if server.metrics == nil {
		server.metrics = metrics.NewCollector(cfg.Metrics.Namespace, nil)
	}

	engine, err := filter.New(cfg.Filter.EngineConfig(), log.WithComponent("filter"))
	if err != nil {
		return nil, fmt.Errorf("failed to create input filter: %w", err)
	}
	filterCfg := cfg.Filter
	server.engine.Store(engine)
	server.filterCfg.Store(&filterCfg)

	if cfg.RateLimit.Enabled {
		server.limiter = security.NewRateLimiter(cfg.RateLimit)
	}

	wsUser, wsPass := server.liveFeedCredentials()
	server.wsHub = websocket.NewHub(&websocket.HubConfig{
		BroadcastRejections:  cfg.WebSocket.Events.BroadcastRejections,
		BroadcastEscapes:     cfg.WebSocket.Events.BroadcastEscapes,
		BroadcastRequests:    cfg.WebSocket.Events.BroadcastRequests,
		BroadcastSystem:      cfg.WebSocket.Events.BroadcastSystem,
		BroadcastConnections: cfg.WebSocket.Events.BroadcastConnections,
		Username:             wsUser,
		Password:             wsPass,
		AllowedOrigins:       cfg.WebSocket.AllowedOrigins,
		ClientIP:             server.clientIP,
		OnClientsChanged:     server.metrics.SetWebSocketClients,
	}, log.WithComponent("websocket").Logger)

	server.upstream = server.newReverseProxy(target)

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	admin := func(h http.HandlerFunc) http.Handler {
		return s.requireCredentials(s.config.Admin.Username, s.config.Admin.Password, h)
	}

	s.router.HandleFunc(healthPath, s.handleHealth).Methods(http.MethodGet)
	s.router.Handle(infoPath, admin(s.handleInfo)).Methods(http.MethodGet)
	s.router.Handle(offendersPath, admin(s.handleOffenderStats)).Methods(http.MethodGet)
	s.router.Handle(offendersPath, admin(s.handleClearOffenders)).Methods(http.MethodDelete)
	s.router.Handle(offendersPath+"/{ip}", admin(s.handleGetOffender)).Methods(http.MethodGet)
	s.router.Handle(offendersPath+"/{ip}", admin(s.handleForgiveOffender)).Methods(http.MethodDelete)

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}

	if s.config.WebSocket.Enabled {
		wsUser, wsPass := s.liveFeedCredentials()
		s.router.Handle(s.config.WebSocket.Path,
			s.requireCredentials(wsUser, wsPass, http.HandlerFunc(s.wsHub.HandleWebSocket))).Methods(http.MethodGet)
		s.router.Handle(dashboardPath,
			s.requireCredentials(s.config.Admin.Username, s.config.Admin.Password, web.DashboardHandler(s.config.WebSocket.Path))).Methods(http.MethodGet)
	}

	// Everything else is screened and forwarded upstream
	upstream := s.router.PathPrefix("/").Subrouter()
	upstream.Use(s.loggingMiddleware)
	upstream.Use(s.rateLimitMiddleware)
	upstream.Use(s.banMiddleware)
	upstream.Use(s.filterMiddleware)
	upstream.PathPrefix("/").HandlerFunc(s.handleProxy)
}

// liveFeedCredentials returns the WebSocket credentials, falling back to the
// operator credentials so that the dashboard can reuse one login.
func (s *Server) liveFeedCredentials() (string, string) {
	if s.config.WebSocket.Username != "" || s.config.WebSocket.Password != "" {
		return s.config.WebSocket.Username, s.config.WebSocket.Password
	}
	return s.config.Admin.Username, s.config.Admin.Password
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts background workers and serves HTTP until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting input-sentinel proxy server",
		zap.Int("port", s.config.Server.Port),
		zap.String("upstream", s.config.Upstream.URL),
		zap.String("mode", s.filterCfg.Load().Mode),
	)

	s.StartBackground()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StartBackground runs the WebSocket hub, the status broadcaster and the
// rate limiter cleanup without serving HTTP.
func (s *Server) StartBackground() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	go s.wsHub.Run()

	s.background.Add(1)
	go s.statusLoop()

	if s.limiter != nil {
		s.limiter.StartCleanupRoutine(5*time.Minute, s.stop)
	}
}

// Stop gracefully stops the HTTP server and background workers
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping input-sentinel proxy server")

	err := s.server.Shutdown(ctx)

	s.stopOnce.Do(func() {
		close(s.stop)
		if s.started.Load() {
			s.wsHub.Stop()
		}
	})
	s.background.Wait()

	return err
}

// ReloadFilter rebuilds the engine from a new filter section. The running
// engine stays in place when the new section does not compile.
func (s *Server) ReloadFilter(cfg config.FilterConfig) error {
	engine, err := filter.New(cfg.EngineConfig(), s.logger.WithComponent("filter"))
	if err != nil {
		s.metrics.RecordReload("error")
		s.logger.Error("Filter reload failed, keeping previous configuration", zap.Error(err))
		return err
	}

	s.engine.Store(engine)
	s.filterCfg.Store(&cfg)
	s.metrics.RecordReload("success")

	s.logger.Info("Filter configuration reloaded",
		zap.String("mode", cfg.Mode),
		zap.Bool("enabled", cfg.Enabled),
	)

	s.broadcastStatus("filter configuration reloaded")
	return nil
}

// Engine returns the active filter engine
func (s *Server) Engine() *filter.Engine {
	return s.engine.Load()
}

// GetWebSocketHub returns the WebSocket hub for broadcasting events
func (s *Server) GetWebSocketHub() *websocket.Hub {
	return s.wsHub
}

func (s *Server) statusLoop() {
	defer s.background.Done()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.broadcastStatus("")
		case <-s.stop:
			return
		}
	}
}

func (s *Server) broadcastStatus(message string) {
	engine := s.engine.Load()
	cfg := s.filterCfg.Load()

	status := "active"
	if !cfg.Enabled {
		status = "disabled"
	}

	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeSystemStatus,
		Timestamp: time.Now(),
		Data: websocket.SystemStatusEvent{
			Status:           status,
			Uptime:           time.Since(s.startedAt).Round(time.Second).String(),
			Mode:             cfg.Mode,
			DenyPatterns:     len(engine.DenyPatterns()),
			AllowPatterns:    len(engine.AllowPatterns()),
			EscapeRules:      len(engine.Rules()),
			ConnectedClients: int(s.wsHub.GetStats().ActiveConnections),
			Message:          message,
		},
	})
}
