package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deploysalon/coordinator/internal/chat"
	"github.com/deploysalon/coordinator/internal/config"
	"github.com/deploysalon/coordinator/internal/handlers"
	"github.com/deploysalon/coordinator/internal/health"
	"github.com/deploysalon/coordinator/internal/metrics"
	"github.com/deploysalon/coordinator/internal/middleware"
	"github.com/deploysalon/coordinator/internal/monitor"
	"github.com/deploysalon/coordinator/internal/salon"
	"github.com/deploysalon/coordinator/internal/storage"
	"github.com/deploysalon/coordinator/internal/store"
)

// Server manages the three HTTP servers (API, Probe, Metrics) and the
// salon engine behind them.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	health  *health.Manager

	kv          *store.OlricStore
	kvCollector *store.OlricMetricsCollector
	manager     *salon.Manager
	monitor     *monitor.Monitor

	apiServer     *http.Server
	probeServer   *http.Server
	metricsServer *http.Server

	engineCancel context.CancelFunc
	startTime    time.Time
}

// New creates a new Server instance: it joins the olric store, builds the
// salon engine on top of it, and wires the HTTP surface.
func New(cfg *config.Config, logger *zap.Logger, buildInfo map[string]string) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.NewMetrics(cfg.MetricsNamespace, buildInfo),
		startTime: time.Now(),
	}

	s.health = health.NewManager(logger, cfg.HealthCheckCacheDuration, cfg.HealthCheckTimeout)
	s.health.RegisterChecker(health.NewConfigChecker(logger))
	s.health.RegisterChecker(health.NewLoggerChecker(logger))
	s.health.RegisterChecker(health.NewServerChecker(logger))
	s.health.RegisterChecker(health.NewReadinessChecker(logger))

	kv, err := store.NewOlricStore(context.Background(), cfg.Olric, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start olric store: %w", err)
	}
	s.kv = kv
	s.kvCollector = store.NewOlricMetricsCollector(
		logger, kv, store.NewOlricMetrics(cfg.MetricsNamespace, s.metrics.Registry()), 30*time.Second)
	s.health.RegisterChecker(store.NewConnectionHealthChecker(logger, kv))
	s.health.RegisterChecker(store.NewClusterHealthChecker(logger, kv, cfg.Olric.MemberCountQuorum, cfg.Olric.IsSingleNode()))
	s.health.RegisterChecker(store.NewStorageHealthChecker(logger, kv))

	var transport chat.Transport
	if cfg.ChatRelayURL != "" {
		transport = chat.NewRelayTransport(cfg.ChatRelayURL, logger)
	} else {
		logger.Warn("No chat relay configured, chat traffic goes to the log")
		transport = chat.NewLogTransport(logger)
	}

	configStore := storage.NewKVConfigStore(kv, logger)
	s.manager = salon.NewManager(configStore, salon.Settings{
		ConchGrant: cfg.ConchGrant,
		ConchGrace: cfg.ConchGrace,
		DeployTTL:  cfg.DeployTTL,
	}, transport, logger, s.metrics, cfg.ReconcileInterval)

	blackout, err := cfg.Blackout()
	if err != nil {
		return nil, err
	}
	s.monitor = monitor.New(s.manager, configStore, transport, logger, s.metrics, monitor.Options{
		ChannelSuffix: cfg.ChannelSuffix,
		Organizations: cfg.Organizations,
		Blackout:      blackout,
	})

	s.setupServers()

	return s, nil
}

// setupServers configures the three HTTP servers.
func (s *Server) setupServers() {
	// API Server
	s.apiServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler:      s.setupAPIRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSEnabled {
		s.apiServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Probe Server
	s.probeServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.ProbeHost, s.cfg.ProbePort),
		Handler:      s.setupProbeRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	// Metrics Server
	s.metricsServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.MetricsHost, s.cfg.MetricsPort),
		Handler:      s.setupMetricsRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

// setupAPIRouter creates the API server router with middleware.
func (s *Server) setupAPIRouter() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.LoggingMiddleware(s.logger, "api"))
	r.Use(middleware.RecovererMiddleware(s.logger))
	r.Use(middleware.MetricsMiddleware(s.metrics, s.logger))

	auth := handlers.NewAuth(s.cfg.CallbackSecret, s.logger)
	deployHandlers := handlers.NewDeployHandlers(s.monitor, s.logger, s.metrics)
	adminHandlers := handlers.NewAdminHandlers(s.monitor, s.logger)
	chatHandlers := handlers.NewChatHandlers(s.monitor, s.logger)

	setupAPIRoutes(r, s.logger, auth, deployHandlers, adminHandlers, chatHandlers)

	return r
}

// setupProbeRouter creates the probe server router.
func (s *Server) setupProbeRouter() *chi.Mux {
	r := chi.NewRouter()

	setupProbeRoutes(r, s.logger, s.health, s.metrics)

	return r
}

// setupMetricsRouter creates the metrics server router.
func (s *Server) setupMetricsRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	return r
}

// Start starts all three HTTP servers and the engine reconcile loop.
func (s *Server) Start() error {
	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	// Start API server
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Starting API server", zap.String("addr", s.apiServer.Addr))

		var err error
		if s.cfg.TLSEnabled {
			err = s.apiServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.apiServer.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	// Start probe server
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Starting probe server", zap.String("addr", s.probeServer.Addr))

		if err := s.probeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("probe server error: %w", err)
		}
	}()

	// Start metrics server
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Starting metrics server", zap.String("addr", s.metricsServer.Addr))

		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	// Wait a bit to see if any server fails to start
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-errChan:
		return err
	default:
	}

	engineCtx, cancel := context.WithCancel(context.Background())
	s.engineCancel = cancel
	go s.manager.Run(engineCtx)
	s.kvCollector.Start()

	s.health.SetServersRunning(true)
	return nil
}

// Shutdown gracefully shuts down the engine and all servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down servers gracefully")

	s.health.SetShuttingDown(true)
	s.health.SetServersRunning(false)

	if s.engineCancel != nil {
		s.engineCancel()
		s.kvCollector.Stop()
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	// Shutdown API server first
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Shutting down API server")
		if err := s.apiServer.Shutdown(ctx); err != nil {
			errChan <- fmt.Errorf("API server shutdown error: %w", err)
		}
	}()

	// Shutdown metrics server second
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Shutting down metrics server")
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errChan <- fmt.Errorf("metrics server shutdown error: %w", err)
		}
	}()

	// Shutdown probe server last
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("Shutting down probe server")
		if err := s.probeServer.Shutdown(ctx); err != nil {
			errChan <- fmt.Errorf("probe server shutdown error: %w", err)
		}
	}()

	wg.Wait()
	close(errChan)

	for err := range errChan {
		if err != nil {
			return err
		}
	}

	if s.kv != nil {
		if err := s.kv.Close(ctx); err != nil {
			s.logger.Error("Error closing olric store", zap.Error(err))
			return err
		}
	}

	s.logger.Info("All servers shut down successfully")
	return nil
}

// WaitForServers waits for all servers to be ready.
func (s *Server) WaitForServers(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if s.checkServer(s.apiServer.Addr) &&
			s.checkServer(s.probeServer.Addr) &&
			s.checkServer(s.metricsServer.Addr) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("servers did not become ready within %s", timeout)
}

// checkServer checks if a server is listening on the given address.
func (s *Server) checkServer(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
