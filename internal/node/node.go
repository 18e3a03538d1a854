package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"
	"peermesh/internal/core/services"
	httphandlers "peermesh/internal/handlers/http"
	"peermesh/internal/infrastructure/distributed"
	"peermesh/internal/infrastructure/middleware"
	"peermesh/internal/infrastructure/monitoring"
	"peermesh/internal/infrastructure/signal"
	webrtcinfra "peermesh/internal/infrastructure/webrtc"
	"peermesh/pkg/config"
	"peermesh/pkg/logger"
	"peermesh/pkg/retry"
	"peermesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// offerWait bounds how long control API calls wait for a fresh manual offer.
const offerWait = 10 * time.Second

// Node wires one mesh member: the pion network, the mesh loop, the control
// API with the handshake endpoint, and the optional redis event bus.
type Node struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	network   *webrtcinfra.Network
	loop      *services.Loop
	invites   services.InviteService
	registry  *prometheus.Registry
	collector *monitoring.PrometheusCollector
	health    *monitoring.HealthChecker
	tracer    *tracing.TracerProvider

	redis *redis.Client
	bus   *distributed.EventBus

	router *gin.Engine
}

func New(cfg *config.Config, zapLogger *zap.Logger) (*Node, error) {
	log := zapLogger.Sugar()

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
		Version:     tracing.DefaultConfig().Version,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n := &Node{
		cfg:       cfg,
		logger:    log,
		registry:  registry,
		invites:   services.NewInviteService(cfg.Handshake.Secret, cfg.Handshake.InviteTTL),
		collector: monitoring.NewPrometheusCollector(registry),
		health:    monitoring.NewHealthChecker(),
		tracer:    tracer,
	}

	var netCfg webrtcinfra.Config
	for _, s := range cfg.WebRTC.ICEServers {
		netCfg.ICEServers = append(netCfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	netCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	netCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	n.network = webrtcinfra.NewNetwork(netCfg, log.With("component", "webrtc"))

	opts := []services.MeshOption{services.WithMetrics(n.collector)}
	if cfg.Redis.Enabled {
		n.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		n.bus = distributed.NewEventBus(n.redis, cfg.Redis.Channel, cfg.Mesh.QueueSize, log)
		opts = append(opts, services.WithEventPublisher(n.bus))
		n.health.AddRedisCheck(n.redis, 2*time.Second)
	}

	mesh, err := services.NewMesh(meshConfig(cfg), n.network, n.network, log.With("component", "mesh"), opts...)
	if err != nil {
		return nil, err
	}
	n.loop = services.NewLoop(mesh, cfg.Mesh.TickInterval, cfg.Mesh.QueueSize, log.With("component", "loop"))
	n.network.Bind(n.loop)
	n.health.AddLoopCheck(n.loop.LastTick, 5*cfg.Mesh.TickInterval)

	n.router = n.newRouter(zapLogger)
	return n, nil
}

// meshConfig converts the announce interval into ticks.
func meshConfig(cfg *config.Config) services.MeshConfig {
	announceEvery := int(cfg.Mesh.AnnounceInterval / cfg.Mesh.TickInterval)
	if announceEvery < 1 {
		announceEvery = 1
	}
	return services.MeshConfig{
		LocalID:           domain.PeerID(cfg.Node.LocalID),
		VoteThreshold:     cfg.Mesh.VoteThreshold,
		ResetThreshold:    cfg.Mesh.ResetThreshold,
		RelayTimeout:      cfg.Mesh.RelayTimeout,
		VoteMultiplier:    cfg.Mesh.VoteMultiplier,
		MaxConfidence:     cfg.Mesh.MaxConfidence,
		AnnounceEvery:     announceEvery,
		EvictionTombstone: cfg.Mesh.EvictionTombstone,
		MaxIDAttempts:     cfg.Mesh.MaxIDAttempts,
	}
}

func (n *Node) newRouter(zapLogger *zap.Logger) *gin.Engine {
	if n.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(n.logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware())
	requestLogger := logger.NewContextLogger(zapLogger)
	router.Use(middleware.RequestLogMiddleware(requestLogger))
	router.Use(middleware.ErrorHandlerMiddleware(requestLogger))
	router.Use(middleware.NewHTTPRateLimitMiddleware(n.cfg))

	httphandlers.NewMeshHandler(n.loop, offerWait, n.logger.With("component", "api")).
		SetupRoutes(router, middleware.ControlAuthMiddleware(n.invites))

	var metrics http.Handler
	if n.cfg.Monitoring.PrometheusEnabled {
		metrics = promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{})
	}
	httphandlers.SetupSystemRoutes(router, n.health, n.cfg.Monitoring.MetricsPath, metrics)

	if n.cfg.Handshake.Enabled {
		handshake := signal.NewHandshakeServer(n.loop, n.invites, signal.ServerConfig{
			Timeout:           n.cfg.Handshake.Timeout,
			AttemptsPerMinute: n.cfg.Handshake.AttemptsPerMinute,
			Burst:             n.cfg.Handshake.Burst,
		}, n.collector, n.logger.With("component", "handshake"))
		router.GET(n.cfg.Handshake.Path, gin.WrapH(handshake))
	}
	return router
}

func (n *Node) Handler() http.Handler { return n.router }

func (n *Node) Mesh() ports.MeshService { return n.loop }

func (n *Node) Invites() services.InviteService { return n.invites }

func (n *Node) EventBus() *distributed.EventBus { return n.bus }

// Join bootstraps into an existing mesh through its handshake endpoint. The
// loop must be running.
func (n *Node) Join(ctx context.Context, url, secret string) (domain.PeerID, error) {
	dial := retry.DefaultConfig()
	dial.MaxAttempts = n.cfg.Handshake.DialAttempts
	client := signal.NewHandshakeClient(n.loop, signal.ClientConfig{
		Timeout:      n.cfg.Handshake.Timeout,
		WriteTimeout: n.cfg.Server.WriteTimeout,
		Dial:         dial,
	}, n.collector, n.logger.With("component", "handshake"))
	return client.Join(ctx, url, secret)
}

// Run serves until ctx is cancelled or a component fails, then shuts
// everything down.
func (n *Node) Run(ctx context.Context, ready func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)
	go func() { errs <- n.loop.Run(ctx) }()
	if n.bus != nil {
		go func() { errs <- n.bus.Run(ctx) }()
	}

	srv := &http.Server{
		Addr:         n.cfg.Server.Address,
		Handler:      n.router,
		ReadTimeout:  n.cfg.Server.ReadTimeout,
		WriteTimeout: n.cfg.Server.WriteTimeout,
	}
	go func() {
		n.logger.Infow("Starting control API", "address", n.cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()

	if ready != nil {
		ready()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}
	cancel()

	n.shutdown(srv)
	return runErr
}

func (n *Node) shutdown(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), n.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		n.logger.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			n.logger.Errorw("Error force closing server", "error", closeErr)
		}
	}
	n.network.Close()
	if n.redis != nil {
		if err := n.redis.Close(); err != nil {
			n.logger.Warnw("Error closing redis client", "error", err)
		}
	}
	if err := n.tracer.Shutdown(shutdownCtx); err != nil {
		n.logger.Warnw("Error flushing traces", "error", err)
	}
	n.logger.Infow("Node stopped")
}
