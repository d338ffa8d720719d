package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orgoj/trainlog/internal/config"
	"github.com/orgoj/trainlog/internal/iputil"
	"github.com/orgoj/trainlog/internal/logger"
	"github.com/orgoj/trainlog/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds graceful shutdown in Start.
const shutdownTimeout = 5 * time.Second

// StatusSource reports the state of the logger being served.
type StatusSource interface {
	ExperimentName() string
	LocalActive() bool
	RemoteActive() bool
}

// Dependencies holds the dependencies needed by the server.
type Dependencies struct {
	Config *config.Config
	Status StatusSource

	// Gatherer backs /metrics, prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer

	// AppLogger receives request and lifecycle logs, the global logger when nil.
	AppLogger *logger.AppLogger
}

// Server is the status HTTP server.
type Server struct {
	router  *gin.Engine
	config  *config.Config
	status  StatusSource
	log     *logger.AppLogger
	allowed *iputil.Allowlist
	trusted *iputil.Allowlist
	started time.Time
}

// NewServer creates a new server instance with its dependencies.
func NewServer(deps Dependencies) (*Server, error) {
	if deps.Config == nil {
		panic("server: Config dependency cannot be nil")
	}
	if deps.Status == nil {
		panic("server: Status dependency cannot be nil")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.AppLogger == nil {
		deps.AppLogger = logger.GetAppLogger()
	}

	allowed, err := iputil.NewAllowlist(deps.Config.Status.AllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("status.allowed_ips: %w", err)
	}
	trusted, err := iputil.NewAllowlist(deps.Config.Status.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("status.trusted_proxies: %w", err)
	}

	switch {
	case gin.Mode() == gin.TestMode:
	case deps.AppLogger.Level() <= logger.DEBUG:
		gin.SetMode(gin.DebugMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		config:  deps.Config,
		status:  deps.Status,
		log:     deps.AppLogger,
		allowed: allowed,
		trusted: trusted,
		started: time.Now(),
	}
	router.Use(s.requestLogMiddleware())
	s.setupRoutes(deps.Gatherer)
	return s, nil
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	// Health check endpoint (no IP filter)
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.HEAD("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	s.router.GET("/version", versionHandler)

	protected := s.router.Group("/")
	protected.Use(s.ipFilterMiddleware())
	{
		protected.GET("status", s.statusHandler)
		protected.GET("metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// versionHandler returns the current version information
func versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, version.Fields())
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"experiment":     s.status.ExperimentName(),
		"local_active":   s.status.LocalActive(),
		"remote_active":  s.status.RemoteActive(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// ipFilterMiddleware rejects clients outside status.allowed_ips.
func (s *Server) ipFilterMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := iputil.ClientIP(c.Request, s.trusted)
		if !s.allowed.Allows(ip) {
			s.log.Debug("Status request from %v rejected by allowed_ips", ip)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// requestLogMiddleware logs each request at DEBUG; health checks at TRACE.
func (s *Server) requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasSuffix(path, "/health") {
			s.log.Trace("%s %s %d %s", c.Request.Method, path, c.Writer.Status(), time.Since(start))
			return
		}
		s.log.Debug("%s %s %d %s", c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Status.Host, fmt.Sprint(s.config.Status.Port))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("status server listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting status server on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		s.log.Info("Status server stopped")
		return nil
	}
}
