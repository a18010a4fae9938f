// Package server exposes the orchestrator over a JSON HTTP API and a gRPC
// health service
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rizome-dev/conductor/pkg/config"
	cerrors "github.com/rizome-dev/conductor/pkg/errors"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/middleware"
	"github.com/rizome-dev/conductor/pkg/orchestrator"
)

// HealthCheckInterval is how often the gRPC serving status is refreshed
const HealthCheckInterval = 10 * time.Second

// ServiceName is the gRPC health service name reported for the coordinator
const ServiceName = "conductor"

// Server manages the HTTP API and the gRPC health service
type Server struct {
	config       *config.ServerConfig
	metrics      config.MetricsConfig
	orchestrator *orchestrator.Orchestrator
	echo         *echo.Echo
	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	limiter      *middleware.RateLimiter
	logger       *logging.Logger

	mu           sync.RWMutex
	running      bool
	httpAddr     net.Addr
	grpcAddr     net.Addr
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

// NewServer builds the API around orch using orch's configuration
func NewServer(orch *orchestrator.Orchestrator) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	cfg := orch.Config()

	s := &Server{
		config:       &cfg.Server,
		metrics:      cfg.Monitoring.Metrics,
		orchestrator: orch,
		healthServer: health.NewServer(),
		logger:       logging.GetLogger().WithComponent("server"),
		shutdownChan: make(chan struct{}),
	}
	if s.config.RateLimit.Enabled {
		s.limiter = middleware.NewRateLimiter(s.config.RateLimit)
	}
	s.echo = s.newEcho()
	return s, nil
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(echomw.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLogger(s.logger, s.orchestrator.Monitor()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))
	if s.limiter != nil {
		e.Use(s.limiter.Echo())
	}

	s.registerRoutes(e)
	return e
}

// Handler returns the HTTP API handler
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start binds both listeners and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	if s.config.GRPC.Enabled {
		if err := s.startGRPCServer(); err != nil {
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}
	if err := s.startHTTPServer(); err != nil {
		if s.grpcServer != nil {
			s.grpcServer.Stop()
		}
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if s.limiter != nil {
		s.limiter.StartCleanup(time.Minute)
	}

	s.running = true
	s.wg.Add(1)
	go s.startHealthMonitoring()

	fields := map[string]interface{}{"http_address": s.httpAddr.String()}
	if s.grpcAddr != nil {
		fields["grpc_address"] = s.grpcAddr.String()
	}
	s.logger.WithFields(fields).Info("conductor server started")
	return nil
}

func (s *Server) startHTTPServer() error {
	address := net.JoinHostPort(s.config.HTTP.Host, fmt.Sprint(s.config.HTTP.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.httpAddr = listener.Addr()
	s.httpServer = &http.Server{
		Handler:      s.echo,
		ReadTimeout:  s.config.HTTP.ReadTimeout,
		WriteTimeout: s.config.HTTP.WriteTimeout,
		IdleTimeout:  s.config.HTTP.IdleTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()
	return nil
}

func (s *Server) startGRPCServer() error {
	address := net.JoinHostPort(s.config.GRPC.Host, fmt.Sprint(s.config.GRPC.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.grpcAddr = listener.Addr()

	interceptors := []grpc.UnaryServerInterceptor{middleware.UnaryLoggingInterceptor(s.logger)}
	if s.limiter != nil {
		interceptors = append(interceptors, s.limiter.UnaryServerInterceptor)
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	reflection.Register(s.grpcServer)
	s.refreshHealth()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.WithError(err).Error("gRPC server error")
		}
	}()
	return nil
}

// Stop shuts both servers down gracefully, bounded by ctx and ShutdownTimeout
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.shutdownChan)
	s.mu.Unlock()

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	s.healthServer.Shutdown()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	var httpErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		httpErr = fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.logger.Warn("gRPC graceful stop timed out, forcing stop")
			s.grpcServer.Stop()
		}
	}

	s.wg.Wait()
	s.logger.Info("conductor server stopped")
	return httpErr
}

// WaitForShutdown blocks until SIGINT, SIGTERM, ctx is done or Stop is called
func (s *Server) WaitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		s.logger.WithField("signal", sig.String()).Info("received shutdown signal")
	case <-ctx.Done():
	case <-s.shutdownChan:
	}
}

// IsRunning returns whether the server is currently running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// HTTPAddress returns the bound HTTP address, or "" before Start
func (s *Server) HTTPAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.httpAddr == nil {
		return ""
	}
	return s.httpAddr.String()
}

// GRPCAddress returns the bound gRPC address, or "" when disabled
func (s *Server) GRPCAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.grpcAddr == nil {
		return ""
	}
	return s.grpcAddr.String()
}

func (s *Server) startHealthMonitoring() {
	defer s.wg.Done()
	ticker := time.NewTicker(HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refreshHealth()
		case <-s.shutdownChan:
			return
		}
	}
}

// refreshHealth mirrors the orchestrator's aggregate health onto the gRPC
// health service.
func (s *Server) refreshHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if s.orchestrator.Health(ctx).Status != "healthy" {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.healthServer.SetServingStatus("", status)
	s.healthServer.SetServingStatus(ServiceName, status)
}

// handleError renders every error as a cerrors.APIError body
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr *cerrors.APIError
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		apiErr = &cerrors.APIError{
			Code:    httpErr.Code,
			Kind:    strings.ReplaceAll(strings.ToLower(http.StatusText(httpErr.Code)), " ", "_"),
			Message: fmt.Sprint(httpErr.Message),
		}
	} else {
		apiErr = cerrors.ToAPIError(err)
	}

	if apiErr.Code >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.Request().URL.Path).Error("request failed")
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(apiErr.Code)
	} else {
		err = c.JSON(apiErr.Code, apiErr)
	}
	if err != nil {
		s.logger.WithError(err).Warn("failed to write error response")
	}
}
